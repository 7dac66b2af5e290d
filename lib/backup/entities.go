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
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/gravitational/domaind/lib/defaults"
	"github.com/gravitational/domaind/lib/packet"
	"github.com/gravitational/domaind/lib/registry"
	"github.com/gravitational/domaind/lib/settings"
	"github.com/gravitational/domaind/lib/utils"
)

// EntitiesFileName is the authoritative scene file inside the entities
// directory, a gzipped JSON document with Id and Version header fields.
const EntitiesFileName = "models.json.gz"

// replaceSuffix marks a pending scene replacement next to the
// authoritative file.
const replaceSuffix = ".replace"

// NodeSender delivers packets to admitted nodes.
type NodeSender interface {
	SendTo(ctx context.Context, t packet.Type, payload []byte, node *registry.Node) error
}

// Entities owns the authoritative scene file. All writes to it go through
// this type; replacements land in a `.replace` file first and are swapped
// in atomically.
type Entities struct {
	path   string
	logger *slog.Logger

	mu sync.Mutex

	// swapAborted latches when a completed swap cannot delete its
	// `.replace` source. Further swaps would reapply the same content
	// with fresh identities forever, so the swap path shuts down until
	// restart.
	swapAborted bool
}

// NewEntities creates the owner for the scene file at path.
func NewEntities(path string, logger *slog.Logger) *Entities {
	return &Entities{path: path, logger: logger}
}

// Path returns the authoritative file path.
func (e *Entities) Path() string { return e.path }

// Read returns the current scene file bytes.
func (e *Entities) Read() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	data, err := os.ReadFile(e.path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return data, nil
}

// Persist overwrites the scene file with data already in the on-disk
// format. Used for periodic persists from the entity server, which sends
// content that already carries a valid header.
func (e *Entities) Persist(data []byte) error {
	if _, _, err := parseHeader(data); err != nil {
		return trace.Wrap(err, "refusing to persist invalid scene content")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return trace.Wrap(utils.WriteFileAtomic(e.path, data, 0o644))
}

// StageReplacement writes uploaded scene content to the `.replace` file
// and runs the swap. The content must be a gzipped JSON document whose
// header parses; invalid content leaves the previous scene intact.
func (e *Entities) StageReplacement(ctx context.Context, data []byte) error {
	if _, _, err := parseHeader(data); err != nil {
		return trace.Wrap(err, "replacement content is not a valid scene")
	}
	if err := utils.WriteFileAtomic(e.path+replaceSuffix, data, 0o644); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(e.SwapPending(ctx))
}

// SwapPending applies a pending `.replace` file if one exists and parses:
// the header's Id is rewritten to a fresh UUID and Version is bumped, so
// downstream entity servers treat the scene as new content. Run at
// startup and after every upload.
func (e *Entities) SwapPending(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.swapAborted {
		return trace.LimitExceeded("scene swap is disabled until restart")
	}
	pending := e.path + replaceSuffix
	data, err := os.ReadFile(pending)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return trace.ConvertSystemError(err)
	}

	doc, version, err := parseHeader(data)
	if err != nil {
		e.logger.WarnContext(ctx, "Pending scene replacement does not parse, discarding",
			"path", pending,
			"error", err,
		)
		if err := os.Remove(pending); err != nil {
			e.logger.WarnContext(ctx, "Failed to discard invalid replacement", "path", pending, "error", err)
		}
		return nil
	}

	doc["Id"] = uuid.NewString()
	doc["Version"] = version + 1
	rewritten, err := gzipJSON(doc)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := utils.WriteFileAtomic(e.path, rewritten, 0o644); err != nil {
		return trace.Wrap(err)
	}
	if err := os.Remove(pending); err != nil {
		e.swapAborted = true
		e.logger.ErrorContext(ctx, "Swapped scene but cannot delete the replacement file, disabling swaps",
			"path", pending,
			"error", err,
		)
		return trace.ConvertSystemError(err)
	}
	e.logger.InfoContext(ctx, "Swapped in new scene content", "version", version+1)
	return nil
}

// parseHeader gunzips the scene content and checks the JSON header,
// returning the document and its version.
func parseHeader(data []byte) (map[string]any, uint64, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, 0, trace.BadParameter("scene content is not gzip: %v", err)
	}
	raw, err := io.ReadAll(gz)
	if err != nil {
		return nil, 0, trace.BadParameter("scene content is truncated: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, 0, trace.BadParameter("scene content is not JSON: %v", err)
	}
	version, _ := doc["Version"].(float64)
	return doc, uint64(version), nil
}

func gzipJSON(doc map[string]any) ([]byte, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := gz.Close(); err != nil {
		return nil, trace.Wrap(err)
	}
	return buf.Bytes(), nil
}

// HandleDataFileRequest answers an entity server asking for the current
// scene file.
func (e *Entities) HandleDataFileRequest(sender NodeSender, reg *registry.Registry) packet.HandlerFunc {
	return func(ctx context.Context, msg *packet.Message) {
		node, ok := reg.GetByUUID(msg.SourceUUID)
		if !ok {
			return
		}
		data, err := e.Read()
		if err != nil {
			if !trace.IsNotFound(err) {
				e.logger.WarnContext(ctx, "Failed to read scene file", "error", err)
			}
			data = nil
		}
		if err := sender.SendTo(ctx, packet.TypeOctreeDataFileReply, data, node); err != nil {
			e.logger.WarnContext(ctx, "Failed to send scene file", "to", node.UUID, "error", err)
		}
	}
}

// HandleDataPersist accepts the entity server's periodic scene persist.
func (e *Entities) HandleDataPersist() packet.HandlerFunc {
	return func(ctx context.Context, msg *packet.Message) {
		if err := e.Persist(msg.Packet.Payload); err != nil {
			e.logger.WarnContext(ctx, "Rejected scene persist", "from", msg.SourceUUID, "error", err)
		}
	}
}

// HandleFileReplacement accepts a scene replacement pushed by a node
// holding the replace-content permission.
func (e *Entities) HandleFileReplacement(reg *registry.Registry) packet.HandlerFunc {
	return func(ctx context.Context, msg *packet.Message) {
		node, ok := reg.GetByUUID(msg.SourceUUID)
		if !ok || !node.Permissions.Has(settings.PermReplaceContent) {
			return
		}
		if err := e.StageReplacement(ctx, msg.Packet.Payload); err != nil {
			e.logger.WarnContext(ctx, "Rejected scene replacement", "from", msg.SourceUUID, "error", err)
		}
	}
}

// HandleReplacementFromURL downloads a scene from a URL on behalf of a
// node holding the replace-content permission and runs it through the
// replacement path.
func (e *Entities) HandleReplacementFromURL(reg *registry.Registry, client *http.Client) packet.HandlerFunc {
	if client == nil {
		client = &http.Client{Timeout: defaults.HTTPRequestTimeout}
	}
	return func(ctx context.Context, msg *packet.Message) {
		node, ok := reg.GetByUUID(msg.SourceUUID)
		if !ok || !node.Permissions.Has(settings.PermReplaceContent) {
			return
		}
		req, err := packet.DecodeContentReplacementFromURL(msg.Packet.Payload)
		if err != nil {
			return
		}
		go func() {
			data, err := fetchURL(ctx, client, req.URL)
			if err != nil {
				e.logger.WarnContext(ctx, "Failed to download scene replacement", "url", req.URL, "error", err)
				return
			}
			if err := e.StageReplacement(ctx, data); err != nil {
				e.logger.WarnContext(ctx, "Rejected downloaded scene replacement", "url", req.URL, "error", err)
			}
		}()
	}
}

func fetchURL(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, trace.BadParameter("download returned status %v", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	return data, trace.Wrap(err)
}
