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

// Package backup implements the content backup engine: rule-driven zip
// snapshots of the scene and content settings, recovery from archives,
// consolidation jobs, and the atomic scene swap.
package backup

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/gravitational/domaind"
	"github.com/gravitational/domaind/lib/defaults"
	"github.com/gravitational/domaind/lib/settings"
	"github.com/gravitational/domaind/lib/utils"
)

// timestampFormat expands {timestamp} in archive format strings.
const timestampFormat = "2006-01-02_15-04-05"

// consolidatedDir holds one-shot download archives under the backups
// directory.
const consolidatedDir = ".consolidated"

var backupsTaken = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "domaind_backups_total",
		Help: "Backup archives created by kind.",
	},
	[]string{"kind"},
)

// Rule drives scheduled archives: fire when wall-clock time crosses the
// last archive's timestamp plus the interval, keep at most MaxKept.
type Rule struct {
	Name     string
	Interval time.Duration
	MaxKept  int

	// Format names archives, with {timestamp} expanded at creation.
	Format string
}

// manualRule names operator-triggered archives. MaxKept zero means
// manual archives are never pruned.
var manualRule = Rule{
	Name:   "manual",
	Format: defaults.ManualBackupPrefix + "-{timestamp}.zip",
}

// RulesFromStore parses backup rules out of the content settings
// document. Rows with no name or a non-positive interval are dropped.
func RulesFromStore(s *settings.Store) []Rule {
	v, ok := s.Get("automatic_content_archives.rules")
	if !ok {
		return nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	var rules []Rule
	for _, item := range list {
		row, ok := item.(map[string]any)
		if !ok {
			continue
		}
		name, _ := row["name"].(string)
		intervalSecs, _ := row["backup_interval_secs"].(float64)
		if name == "" || intervalSecs <= 0 {
			continue
		}
		maxKept, _ := row["max_backup_versions"].(float64)
		format, _ := row["format"].(string)
		if format == "" {
			format = name + "-{timestamp}.zip"
		}
		rules = append(rules, Rule{
			Name:     name,
			Interval: time.Duration(intervalSecs) * time.Second,
			MaxKept:  int(maxKept),
			Format:   format,
		})
	}
	return rules
}

// Config configures the engine.
type Config struct {
	// Dir is the backup archive directory.
	Dir string

	// Handlers contribute and restore archive entries.
	Handlers []Handler

	// Rules returns the current scheduled rules; a func so settings
	// updates apply live.
	Rules func() []Rule

	// Clock is the time source.
	Clock clockwork.Clock

	// Logger is the engine logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config.
func (c *Config) CheckAndSetDefaults() error {
	if c.Dir == "" {
		return trace.BadParameter("missing Dir")
	}
	if len(c.Handlers) == 0 {
		return trace.BadParameter("missing Handlers")
	}
	if c.Rules == nil {
		c.Rules = func() []Rule { return nil }
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(domaind.ComponentKey, domaind.ComponentBackup)
	}
	return nil
}

// ArchiveInfo describes one archive on disk.
type ArchiveInfo struct {
	// ID is the archive file name, used in API paths.
	ID string `json:"id"`

	// Rule is the name of the rule that produced it, "manual" for
	// operator archives, empty for files the engine does not recognize.
	Rule string `json:"rule,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	Size      int64     `json:"size"`
}

// JobState is the lifecycle of a consolidation job.
type JobState string

const (
	JobInProgress          JobState = "InProgress"
	JobCompleteWithSuccess JobState = "CompleteWithSuccess"
	JobCompleteWithError   JobState = "CompleteWithError"
)

// Job tracks one consolidation.
type Job struct {
	ID    string   `json:"id"`
	State JobState `json:"state"`
	Error string   `json:"error,omitempty"`

	// Path is the consolidated archive, set on success.
	Path string `json:"-"`
}

// Engine is the content backup engine.
type Engine struct {
	cfg Config

	mu   sync.Mutex
	jobs map[string]*Job
}

// NewEngine creates the engine and its directories.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(backupsTaken); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.EnsureDir(cfg.Dir); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.EnsureDir(filepath.Join(cfg.Dir, consolidatedDir)); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Engine{
		cfg:  cfg,
		jobs: make(map[string]*Job),
	}, nil
}

// Run ticks the scheduler until the context is canceled.
func (e *Engine) Run(ctx context.Context) {
	ticker := e.cfg.Clock.NewTicker(defaults.BackupTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			e.tick(ctx)
		}
	}
}

func (e *Engine) tick(ctx context.Context) {
	now := e.cfg.Clock.Now()
	for _, rule := range e.cfg.Rules() {
		last := e.lastFired(rule)
		if !last.IsZero() && now.Before(last.Add(rule.Interval)) {
			continue
		}
		if _, err := e.createArchive(ctx, rule, "scheduled"); err != nil {
			e.cfg.Logger.WarnContext(ctx, "Scheduled backup failed", "rule", rule.Name, "error", err)
			continue
		}
		e.prune(ctx, rule)
	}
}

// lastFired derives the rule's last firing time from the newest archive
// matching its format, so restarts do not double-fire or skip.
func (e *Engine) lastFired(rule Rule) time.Time {
	var newest time.Time
	for _, info := range e.archivesFor(rule) {
		if info.CreatedAt.After(newest) {
			newest = info.CreatedAt
		}
	}
	return newest
}

// CreateManual produces an operator-triggered archive.
func (e *Engine) CreateManual(ctx context.Context) (ArchiveInfo, error) {
	return e.createArchive(ctx, manualRule, "manual")
}

func (e *Engine) createArchive(ctx context.Context, rule Rule, kind string) (ArchiveInfo, error) {
	now := e.cfg.Clock.Now()
	name := strings.Replace(rule.Format, "{timestamp}", now.Format(timestampFormat), 1)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, h := range e.cfg.Handlers {
		entry, err := zw.Create(h.Name())
		if err != nil {
			return ArchiveInfo{}, trace.Wrap(err)
		}
		if err := h.Snapshot(entry); err != nil {
			return ArchiveInfo{}, trace.Wrap(err, "snapshotting %v", h.Name())
		}
	}
	if err := zw.Close(); err != nil {
		return ArchiveInfo{}, trace.Wrap(err)
	}
	path := filepath.Join(e.cfg.Dir, name)
	if err := utils.WriteFileAtomic(path, buf.Bytes(), 0o644); err != nil {
		return ArchiveInfo{}, trace.Wrap(err)
	}

	backupsTaken.WithLabelValues(kind).Inc()
	e.cfg.Logger.InfoContext(ctx, "Created backup archive", "archive", name, "rule", rule.Name)
	return ArchiveInfo{
		ID:        name,
		Rule:      rule.Name,
		CreatedAt: now,
		Size:      int64(buf.Len()),
	}, nil
}

// prune deletes the oldest archives of a rule beyond MaxKept.
func (e *Engine) prune(ctx context.Context, rule Rule) {
	if rule.MaxKept <= 0 {
		return
	}
	archives := e.archivesFor(rule)
	if len(archives) <= rule.MaxKept {
		return
	}
	sort.Slice(archives, func(i, j int) bool {
		return archives[i].CreatedAt.Before(archives[j].CreatedAt)
	})
	for _, old := range archives[:len(archives)-rule.MaxKept] {
		if err := os.Remove(filepath.Join(e.cfg.Dir, old.ID)); err != nil {
			e.cfg.Logger.WarnContext(ctx, "Failed to prune archive", "archive", old.ID, "error", err)
			continue
		}
		e.cfg.Logger.InfoContext(ctx, "Pruned archive", "archive", old.ID, "rule", rule.Name)
	}
}

// archivesFor lists the archives produced by a rule, identified by the
// rule format's prefix and suffix around {timestamp}.
func (e *Engine) archivesFor(rule Rule) []ArchiveInfo {
	prefix, suffix, ok := strings.Cut(rule.Format, "{timestamp}")
	if !ok {
		return nil
	}
	entries, err := os.ReadDir(e.cfg.Dir)
	if err != nil {
		return nil
	}
	var archives []ArchiveInfo
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
			continue
		}
		middle := strings.TrimSuffix(strings.TrimPrefix(name, prefix), suffix)
		created, err := time.Parse(timestampFormat, middle)
		if err != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		archives = append(archives, ArchiveInfo{
			ID:        name,
			Rule:      rule.Name,
			CreatedAt: created,
			Size:      info.Size(),
		})
	}
	return archives
}

// List returns every archive in the backup directory, newest first.
func (e *Engine) List() []ArchiveInfo {
	rules := append(e.cfg.Rules(), manualRule)
	byID := make(map[string]ArchiveInfo)
	for _, rule := range rules {
		for _, info := range e.archivesFor(rule) {
			byID[info.ID] = info
		}
	}
	// Zips not matching any rule format still show up, without a rule tag.
	entries, err := os.ReadDir(e.cfg.Dir)
	if err == nil {
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || !strings.HasSuffix(name, ".zip") {
				continue
			}
			if _, known := byID[name]; known {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			byID[name] = ArchiveInfo{
				ID:        name,
				CreatedAt: info.ModTime(),
				Size:      info.Size(),
			}
		}
	}
	archives := make([]ArchiveInfo, 0, len(byID))
	for _, info := range byID {
		archives = append(archives, info)
	}
	sort.Slice(archives, func(i, j int) bool {
		return archives[i].CreatedAt.After(archives[j].CreatedAt)
	})
	return archives
}

// Delete removes an archive by ID.
func (e *Engine) Delete(id string) error {
	path, err := e.archivePath(id)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := os.Remove(path); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}

// Recover restores the system from an archive: every entry with a
// registered handler is streamed through that handler's load contract.
func (e *Engine) Recover(ctx context.Context, id string) error {
	path, err := e.archivePath(id)
	if err != nil {
		return trace.Wrap(err)
	}
	zr, err := zip.OpenReader(path)
	if err != nil {
		return trace.BadParameter("archive %v does not open: %v", id, err)
	}
	defer zr.Close()
	return trace.Wrap(e.recoverFrom(ctx, &zr.Reader))
}

// RecoverFromZip restores from uploaded zip bytes, the `.zip` branch of
// the content upload route.
func (e *Engine) RecoverFromZip(ctx context.Context, data []byte) error {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return trace.BadParameter("uploaded content is not a zip archive: %v", err)
	}
	return trace.Wrap(e.recoverFrom(ctx, zr))
}

func (e *Engine) recoverFrom(ctx context.Context, zr *zip.Reader) error {
	handlers := make(map[string]Handler, len(e.cfg.Handlers))
	for _, h := range e.cfg.Handlers {
		handlers[h.Name()] = h
	}
	matched := false
	for _, f := range zr.File {
		h, ok := handlers[filepath.Base(f.Name)]
		if !ok {
			continue
		}
		matched = true
		rc, err := f.Open()
		if err != nil {
			return trace.Wrap(err)
		}
		err = h.Load(ctx, rc)
		rc.Close()
		if err != nil {
			return trace.Wrap(err, "restoring %v", f.Name)
		}
		e.cfg.Logger.InfoContext(ctx, "Restored archive entry", "entry", f.Name)
	}
	if !matched {
		return trace.BadParameter("archive contains no recoverable entries")
	}
	return nil
}

// StartConsolidation begins an asynchronous job producing a one-shot
// download archive: the stored backup's entries plus fresh snapshots for
// any handler the backup is missing.
func (e *Engine) StartConsolidation(ctx context.Context, id string) (*Job, error) {
	path, err := e.archivePath(id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := os.Stat(path); err != nil {
		return nil, trace.ConvertSystemError(err)
	}

	e.mu.Lock()
	if existing, ok := e.jobs[id]; ok && existing.State == JobInProgress {
		e.mu.Unlock()
		return existing, nil
	}
	job := &Job{ID: id, State: JobInProgress}
	e.jobs[id] = job
	e.mu.Unlock()

	go e.consolidate(ctx, job, path)
	return job, nil
}

// JobStatus returns the consolidation job for an archive.
func (e *Engine) JobStatus(id string) (*Job, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	job, ok := e.jobs[id]
	return job, ok
}

func (e *Engine) consolidate(ctx context.Context, job *Job, archivePath string) {
	out, err := e.buildConsolidated(ctx, job.ID, archivePath)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		job.State = JobCompleteWithError
		job.Error = err.Error()
		e.cfg.Logger.WarnContext(ctx, "Consolidation failed", "archive", job.ID, "error", err)
		return
	}
	job.State = JobCompleteWithSuccess
	job.Path = out
	e.cfg.Logger.InfoContext(ctx, "Consolidation complete", "archive", job.ID)
}

func (e *Engine) buildConsolidated(ctx context.Context, id, archivePath string) (string, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return "", trace.Wrap(err)
	}
	defer zr.Close()

	stored := make(map[string]bool, len(zr.File))
	for _, f := range zr.File {
		stored[filepath.Base(f.Name)] = true
	}

	// Snapshot missing handler entries in parallel before assembling.
	type snapshot struct {
		name string
		data []byte
	}
	var mu sync.Mutex
	var fresh []snapshot
	group, groupCtx := errgroup.WithContext(ctx)
	for _, h := range e.cfg.Handlers {
		if stored[h.Name()] {
			continue
		}
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return trace.Wrap(err)
			}
			var buf bytes.Buffer
			if err := h.Snapshot(&buf); err != nil {
				return trace.Wrap(err, "snapshotting %v", h.Name())
			}
			mu.Lock()
			fresh = append(fresh, snapshot{name: h.Name(), data: buf.Bytes()})
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return "", trace.Wrap(err)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range zr.File {
		entry, err := zw.Create(f.Name)
		if err != nil {
			return "", trace.Wrap(err)
		}
		rc, err := f.Open()
		if err != nil {
			return "", trace.Wrap(err)
		}
		_, err = io.Copy(entry, rc)
		rc.Close()
		if err != nil {
			return "", trace.Wrap(err)
		}
	}
	for _, s := range fresh {
		entry, err := zw.Create(s.name)
		if err != nil {
			return "", trace.Wrap(err)
		}
		if _, err := entry.Write(s.data); err != nil {
			return "", trace.Wrap(err)
		}
	}
	if err := zw.Close(); err != nil {
		return "", trace.Wrap(err)
	}

	out := filepath.Join(e.cfg.Dir, consolidatedDir, id)
	if err := utils.WriteFileAtomic(out, buf.Bytes(), 0o644); err != nil {
		return "", trace.Wrap(err)
	}
	return out, nil
}

// archivePath validates an archive ID and resolves it under the backup
// directory. IDs carrying path separators are rejected.
func (e *Engine) archivePath(id string) (string, error) {
	if id == "" || id != filepath.Base(id) || strings.HasPrefix(id, ".") {
		return "", trace.BadParameter("invalid archive id %q", id)
	}
	return filepath.Join(e.cfg.Dir, id), nil
}
