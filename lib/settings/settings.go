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

// Package settings implements the controller's layered configuration
// store: compiled-in defaults, a persisted JSON document, and command line
// overrides, read through dotted keypaths. It also owns the permissions
// catalog resolved for connecting nodes.
package settings

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"

	"github.com/gravitational/domaind"
	"github.com/gravitational/domaind/lib/utils"
)

// Config configures the settings store.
type Config struct {
	// Path is the persisted settings file. May name a file that does not
	// exist yet; it is created on first write.
	Path string

	// Defaults is the bottom layer.
	Defaults map[string]any

	// Overrides maps dotted keypaths to values supplied on the command
	// line. They shadow every other layer and are never persisted.
	Overrides map[string]any

	// Logger is the store logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config.
func (c *Config) CheckAndSetDefaults() error {
	if c.Path == "" {
		return trace.BadParameter("missing Path")
	}
	if c.Defaults == nil {
		c.Defaults = map[string]any{}
	}
	if c.Logger == nil {
		c.Logger = slog.With(domaind.ComponentKey, domaind.ComponentSettings)
	}
	return nil
}

// Store is the layered settings store. Reads resolve top-down through
// overrides, the persisted document, and defaults. Writes merge into the
// persisted document, flush it to disk atomically, and notify subscribers.
type Store struct {
	cfg Config

	mu          sync.RWMutex
	persisted   map[string]any
	subscribers []func(context.Context)
}

// New creates the store and loads the persisted document if present.
func New(cfg Config) (*Store, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	s := &Store{
		cfg:       cfg,
		persisted: map[string]any{},
	}
	data, err := os.ReadFile(cfg.Path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, trace.ConvertSystemError(err)
	default:
		if err := json.Unmarshal(data, &s.persisted); err != nil {
			return nil, trace.BadParameter("settings file %v is not valid JSON: %v", cfg.Path, err)
		}
	}
	return s, nil
}

// Subscribe registers a callback invoked after every successful settings
// update. Callbacks run on the updater's goroutine and should be quick.
func (s *Store) Subscribe(fn func(context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

// Get returns the top-most defined value at the dotted keypath.
func (s *Store) Get(keypath string) (any, bool) {
	if v, ok := s.cfg.Overrides[keypath]; ok {
		return v, true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := lookup(s.persisted, keypath); ok {
		return v, true
	}
	return lookup(s.cfg.Defaults, keypath)
}

// GetString returns the string at keypath, or fallback.
func (s *Store) GetString(keypath, fallback string) string {
	if v, ok := s.Get(keypath); ok {
		if str, ok := v.(string); ok {
			return str
		}
	}
	return fallback
}

// GetBool returns the bool at keypath, or fallback.
func (s *Store) GetBool(keypath string, fallback bool) bool {
	if v, ok := s.Get(keypath); ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return fallback
}

// GetInt returns the integer at keypath, or fallback. JSON numbers decode
// as float64 and are truncated.
func (s *Store) GetInt(keypath string, fallback int) int {
	if v, ok := s.Get(keypath); ok {
		switch n := v.(type) {
		case float64:
			return int(n)
		case int:
			return n
		}
	}
	return fallback
}

// GetSeconds reads an integer number of seconds at keypath as a duration.
func (s *Store) GetSeconds(keypath string, fallback time.Duration) time.Duration {
	if v, ok := s.Get(keypath); ok {
		switch n := v.(type) {
		case float64:
			return time.Duration(n) * time.Second
		case int:
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}

// GetStringSlice returns the list of strings at keypath.
func (s *Store) GetStringSlice(keypath string) []string {
	v, ok := s.Get(keypath)
	if !ok {
		return nil
	}
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

// Snapshot returns a deep copy of the fully merged settings document.
func (s *Store) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	merged := deepCopy(s.cfg.Defaults)
	deepMerge(merged, s.persisted)
	for keypath, v := range s.cfg.Overrides {
		setPath(merged, keypath, v)
	}
	return merged
}

// Merge applies patch depth-first onto the persisted document, writes it
// through to disk, and notifies subscribers. A null value in the patch
// deletes the key.
func (s *Store) Merge(ctx context.Context, patch map[string]any) error {
	s.mu.Lock()
	deepMerge(s.persisted, patch)
	data, err := json.MarshalIndent(s.persisted, "", "  ")
	if err != nil {
		s.mu.Unlock()
		return trace.Wrap(err)
	}
	subscribers := make([]func(context.Context), len(s.subscribers))
	copy(subscribers, s.subscribers)
	s.mu.Unlock()

	if err := utils.WriteFileAtomic(s.cfg.Path, data, 0o600); err != nil {
		return trace.Wrap(err)
	}
	s.cfg.Logger.InfoContext(ctx, "Settings updated", "path", s.cfg.Path)
	for _, fn := range subscribers {
		fn(ctx)
	}
	return nil
}

// Set writes a single value at a dotted keypath through Merge.
func (s *Store) Set(ctx context.Context, keypath string, value any) error {
	patch := map[string]any{}
	setPath(patch, keypath, value)
	return trace.Wrap(s.Merge(ctx, patch))
}

func lookup(doc map[string]any, keypath string) (any, bool) {
	parts := strings.Split(keypath, ".")
	current := any(doc)
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func setPath(doc map[string]any, keypath string, value any) {
	parts := strings.Split(keypath, ".")
	for _, part := range parts[:len(parts)-1] {
		next, ok := doc[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			doc[part] = next
		}
		doc = next
	}
	doc[parts[len(parts)-1]] = value
}

func deepMerge(dst, src map[string]any) {
	for key, value := range src {
		if value == nil {
			delete(dst, key)
			continue
		}
		srcMap, srcIsMap := value.(map[string]any)
		dstMap, dstIsMap := dst[key].(map[string]any)
		if srcIsMap && dstIsMap {
			deepMerge(dstMap, srcMap)
			continue
		}
		if srcIsMap {
			dst[key] = deepCopy(srcMap)
			continue
		}
		dst[key] = value
	}
}

func deepCopy(src map[string]any) map[string]any {
	out := make(map[string]any, len(src))
	for key, value := range src {
		if m, ok := value.(map[string]any); ok {
			out[key] = deepCopy(m)
			continue
		}
		out[key] = value
	}
	return out
}
