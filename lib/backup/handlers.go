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
	"context"
	"encoding/json"
	"io"

	"github.com/gravitational/trace"

	"github.com/gravitational/domaind/lib/settings"
)

// Handler contributes one named entry to every backup archive and knows
// how to restore from it. Load either fully applies or leaves the system
// unchanged.
type Handler interface {
	// Name is the archive entry the handler owns.
	Name() string

	// Snapshot writes the handler's current state to the archive entry.
	Snapshot(w io.Writer) error

	// Load restores the handler's state from an archive entry.
	Load(ctx context.Context, r io.Reader) error
}

// EntitiesHandler archives the scene file. Restores go through the
// `.replace` swap so a crash mid-restore never corrupts the live scene.
type EntitiesHandler struct {
	Entities *Entities
}

// Name implements Handler.
func (h *EntitiesHandler) Name() string { return EntitiesFileName }

// Snapshot implements Handler.
func (h *EntitiesHandler) Snapshot(w io.Writer) error {
	data, err := h.Entities.Read()
	if err != nil {
		if trace.IsNotFound(err) {
			return nil
		}
		return trace.Wrap(err)
	}
	_, err = w.Write(data)
	return trace.Wrap(err)
}

// Load implements Handler.
func (h *EntitiesHandler) Load(ctx context.Context, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(h.Entities.StageReplacement(ctx, data))
}

// ContentSettingsHandler archives the content settings document.
type ContentSettingsHandler struct {
	Store *settings.Store
}

// Name implements Handler.
func (h *ContentSettingsHandler) Name() string { return "content-settings.json" }

// Snapshot implements Handler.
func (h *ContentSettingsHandler) Snapshot(w io.Writer) error {
	return trace.Wrap(json.NewEncoder(w).Encode(h.Store.Snapshot()))
}

// Load implements Handler.
func (h *ContentSettingsHandler) Load(ctx context.Context, r io.Reader) error {
	var doc map[string]any
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return trace.BadParameter("content settings entry is not JSON: %v", err)
	}
	return trace.Wrap(h.Store.Merge(ctx, doc))
}
