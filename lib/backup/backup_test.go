/*
Copyright 2024 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package backup

import (
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/domaind/lib/settings"
)

type memHandler struct {
	name string

	mu   sync.Mutex
	data []byte
}

func (h *memHandler) Name() string { return h.name }

func (h *memHandler) Snapshot(w io.Writer) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := w.Write(h.data)
	return err
}

func (h *memHandler) Load(ctx context.Context, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.data = data
	return nil
}

func (h *memHandler) get() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.data
}

func newTestEngine(t *testing.T, clock clockwork.Clock, handlers ...Handler) *Engine {
	t.Helper()
	e, err := NewEngine(Config{
		Dir:      t.TempDir(),
		Handlers: handlers,
		Clock:    clock,
	})
	require.NoError(t, err)
	return e
}

func sceneBytes(t *testing.T, doc map[string]any) []byte {
	t.Helper()
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err = gz.Write(raw)
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func sceneDoc(t *testing.T, data []byte) map[string]any {
	t.Helper()
	gz, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	raw, err := io.ReadAll(gz)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	return doc
}

func TestEntitiesPersistAndRead(t *testing.T) {
	e := NewEntities(filepath.Join(t.TempDir(), EntitiesFileName), slog.Default())

	content := sceneBytes(t, map[string]any{"Id": "abc", "Version": float64(2), "Entities": []any{}})
	require.NoError(t, e.Persist(content))

	got, err := e.Read()
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestEntitiesPersistRejectsInvalidContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), EntitiesFileName)
	e := NewEntities(path, slog.Default())

	require.Error(t, e.Persist([]byte("not gzip")))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestStageReplacementRewritesIdentity(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), EntitiesFileName)
	e := NewEntities(path, slog.Default())

	require.NoError(t, e.StageReplacement(ctx, sceneBytes(t, map[string]any{
		"Id":      "original-id",
		"Version": float64(3),
	})))

	data, err := e.Read()
	require.NoError(t, err)
	doc := sceneDoc(t, data)
	assert.NotEqual(t, "original-id", doc["Id"])
	assert.Equal(t, float64(4), doc["Version"])

	// The staging file is consumed by the swap.
	_, err = os.Stat(path + replaceSuffix)
	assert.True(t, os.IsNotExist(err))
}

func TestStageReplacementRejectsInvalidScene(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), EntitiesFileName)
	e := NewEntities(path, slog.Default())

	original := sceneBytes(t, map[string]any{"Id": "keep", "Version": float64(1)})
	require.NoError(t, e.Persist(original))

	require.Error(t, e.StageReplacement(ctx, []byte("garbage")))

	got, err := e.Read()
	require.NoError(t, err)
	assert.Equal(t, original, got)
}

func TestSwapPendingWithoutReplacementIsNoop(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), EntitiesFileName)
	e := NewEntities(path, slog.Default())

	require.NoError(t, e.SwapPending(ctx))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestSwapPendingAppliesStartupReplacement(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), EntitiesFileName)
	e := NewEntities(path, slog.Default())

	// A replacement left behind by a previous run is applied on startup.
	staged := sceneBytes(t, map[string]any{"Id": "staged", "Version": float64(7)})
	require.NoError(t, os.WriteFile(path+replaceSuffix, staged, 0o644))

	require.NoError(t, e.SwapPending(ctx))

	data, err := e.Read()
	require.NoError(t, err)
	doc := sceneDoc(t, data)
	assert.NotEqual(t, "staged", doc["Id"])
	assert.Equal(t, float64(8), doc["Version"])
}

func TestSwapPendingDiscardsUnparseableReplacement(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), EntitiesFileName)
	e := NewEntities(path, slog.Default())

	original := sceneBytes(t, map[string]any{"Id": "keep", "Version": float64(1)})
	require.NoError(t, e.Persist(original))
	require.NoError(t, os.WriteFile(path+replaceSuffix, []byte("junk"), 0o644))

	require.NoError(t, e.SwapPending(ctx))

	got, err := e.Read()
	require.NoError(t, err)
	assert.Equal(t, original, got)
	_, err = os.Stat(path + replaceSuffix)
	assert.True(t, os.IsNotExist(err))
}

func TestCreateManualAndList(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	e := newTestEngine(t, clock, &memHandler{name: "state.json", data: []byte(`{"a":1}`)})

	info, err := e.CreateManual(ctx)
	require.NoError(t, err)
	assert.Equal(t, "manual", info.Rule)
	assert.Positive(t, info.Size)

	archives := e.List()
	require.Len(t, archives, 1)
	assert.Equal(t, info.ID, archives[0].ID)
	assert.Equal(t, "manual", archives[0].Rule)
}

func TestListOrdersNewestFirst(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	e := newTestEngine(t, clock, &memHandler{name: "state.json"})

	first, err := e.CreateManual(ctx)
	require.NoError(t, err)
	clock.Advance(time.Hour)
	second, err := e.CreateManual(ctx)
	require.NoError(t, err)

	archives := e.List()
	require.Len(t, archives, 2)
	assert.Equal(t, second.ID, archives[0].ID)
	assert.Equal(t, first.ID, archives[1].ID)
}

func TestScheduledRuleFiresAndPrunes(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	rule := Rule{
		Name:     "hourly",
		Interval: time.Hour,
		MaxKept:  2,
		Format:   "hourly-{timestamp}.zip",
	}
	e, err := NewEngine(Config{
		Dir:      t.TempDir(),
		Handlers: []Handler{&memHandler{name: "state.json"}},
		Rules:    func() []Rule { return []Rule{rule} },
		Clock:    clock,
	})
	require.NoError(t, err)

	// No archive yet: the first tick fires immediately.
	e.tick(ctx)
	assert.Len(t, e.List(), 1)

	// Inside the interval nothing fires.
	clock.Advance(30 * time.Minute)
	e.tick(ctx)
	assert.Len(t, e.List(), 1)

	clock.Advance(31 * time.Minute)
	e.tick(ctx)
	assert.Len(t, e.List(), 2)

	// A third firing prunes the oldest beyond MaxKept.
	clock.Advance(2 * time.Hour)
	e.tick(ctx)
	archives := e.List()
	assert.Len(t, archives, 2)
	for _, info := range archives {
		assert.Equal(t, "hourly", info.Rule)
	}
}

func TestDeleteValidatesArchiveID(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	e := newTestEngine(t, clock, &memHandler{name: "state.json"})

	info, err := e.CreateManual(ctx)
	require.NoError(t, err)

	require.Error(t, e.Delete(""))
	require.Error(t, e.Delete("../"+info.ID))
	require.Error(t, e.Delete(".consolidated"))

	require.NoError(t, e.Delete(info.ID))
	assert.Empty(t, e.List())
}

func TestRecoverRestoresHandlerState(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	handler := &memHandler{name: "state.json", data: []byte("before")}
	e := newTestEngine(t, clock, handler)

	info, err := e.CreateManual(ctx)
	require.NoError(t, err)

	handler.Load(ctx, bytes.NewReader([]byte("after")))
	require.NoError(t, e.Recover(ctx, info.ID))
	assert.Equal(t, []byte("before"), handler.get())
}

func TestRecoverFromZipRejectsGarbage(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, clockwork.NewFakeClock(), &memHandler{name: "state.json"})
	require.Error(t, e.RecoverFromZip(ctx, []byte("not a zip")))
}

func TestRecoverFromZipRequiresKnownEntries(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, clockwork.NewFakeClock(), &memHandler{name: "state.json"})

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	entry, err := zw.Create("unrelated.txt")
	require.NoError(t, err)
	_, err = entry.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	require.Error(t, e.RecoverFromZip(ctx, buf.Bytes()))
}

func TestConsolidationAddsMissingEntries(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	stored := &memHandler{name: "state.json", data: []byte("stored")}
	extra := &memHandler{name: "extra.json", data: []byte("fresh")}
	e := newTestEngine(t, clock, stored, extra)

	// Write an archive holding only the first handler's entry, as if it
	// predates the second handler.
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	entry, err := zw.Create(stored.Name())
	require.NoError(t, err)
	_, err = entry.Write([]byte("stored"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	id := "old-backup.zip"
	require.NoError(t, os.WriteFile(filepath.Join(e.cfg.Dir, id), buf.Bytes(), 0o644))

	job, err := e.StartConsolidation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, JobInProgress, job.State)

	require.Eventually(t, func() bool {
		j, ok := e.JobStatus(id)
		return ok && j.State != JobInProgress
	}, 2*time.Second, 10*time.Millisecond)

	job, ok := e.JobStatus(id)
	require.True(t, ok)
	require.Equal(t, JobCompleteWithSuccess, job.State)

	zr, err := zip.OpenReader(job.Path)
	require.NoError(t, err)
	defer zr.Close()
	names := make(map[string][]byte)
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		names[f.Name] = data
	}
	assert.Equal(t, []byte("stored"), names["state.json"])
	assert.Equal(t, []byte("fresh"), names["extra.json"])
}

func TestStartConsolidationUnknownArchive(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, clockwork.NewFakeClock(), &memHandler{name: "state.json"})
	_, err := e.StartConsolidation(ctx, "missing.zip")
	require.Error(t, err)
}

func TestRulesFromStore(t *testing.T) {
	ctx := context.Background()
	s, err := settings.New(settings.Config{
		Path: filepath.Join(t.TempDir(), "content-settings.json"),
	})
	require.NoError(t, err)
	require.NoError(t, s.Merge(ctx, map[string]any{
		"automatic_content_archives": map[string]any{
			"rules": []any{
				map[string]any{
					"name":                 "content",
					"backup_interval_secs": float64(1800),
					"max_backup_versions":  float64(5),
				},
				map[string]any{
					"name":                 "named",
					"backup_interval_secs": float64(60),
					"format":               "named-{timestamp}.zip",
				},
				// Nameless and non-positive rows are dropped.
				map[string]any{"backup_interval_secs": float64(60)},
				map[string]any{"name": "bad", "backup_interval_secs": float64(0)},
			},
		},
	}))

	rules := RulesFromStore(s)
	require.Len(t, rules, 2)
	assert.Equal(t, Rule{
		Name:     "content",
		Interval: 30 * time.Minute,
		MaxKept:  5,
		Format:   "content-{timestamp}.zip",
	}, rules[0])
	assert.Equal(t, "named-{timestamp}.zip", rules[1].Format)
}

func TestContentSettingsHandlerRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := settings.New(settings.Config{
		Path: filepath.Join(t.TempDir(), "content-settings.json"),
	})
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "entity_server_settings.max_tmp_lifetime", float64(30)))

	h := &ContentSettingsHandler{Store: s}
	var buf bytes.Buffer
	require.NoError(t, h.Snapshot(&buf))

	restored, err := settings.New(settings.Config{
		Path: filepath.Join(t.TempDir(), "content-settings.json"),
	})
	require.NoError(t, err)
	require.NoError(t, (&ContentSettingsHandler{Store: restored}).Load(ctx, &buf))
	assert.Equal(t, 30, restored.GetInt("entity_server_settings.max_tmp_lifetime", 0))
}
