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

package assignment

import (
	"context"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	cache "github.com/patrickmn/go-cache"

	"github.com/gravitational/domaind"
	"github.com/gravitational/domaind/lib/defaults"
	"github.com/gravitational/domaind/lib/packet"
	"github.com/gravitational/domaind/lib/utils"
)

// Sender replies to assignment requesters, which are not yet admitted
// nodes and are addressed directly.
type Sender interface {
	SendToAddr(ctx context.Context, t packet.Type, payload []byte, to netip.AddrPort) error
}

// Config configures the queue.
type Config struct {
	// ScriptsDir is where uploaded assignment scripts live, one file per
	// assignment UUID.
	ScriptsDir string

	// AllowedSubnets returns the subnets assignment requests are
	// accepted from; a func so the settings knob applies live. Loopback
	// is always allowed.
	AllowedSubnets func() utils.Subnets

	// Sender delivers CreateAssignment offers.
	Sender Sender

	// Logger is the queue logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config.
func (c *Config) CheckAndSetDefaults() error {
	if c.ScriptsDir == "" {
		return trace.BadParameter("missing ScriptsDir")
	}
	if c.AllowedSubnets == nil {
		c.AllowedSubnets = func() utils.Subnets { return nil }
	}
	if c.Logger == nil {
		c.Logger = slog.With(domaind.ComponentKey, domaind.ComponentAssignment)
	}
	return nil
}

// Queue holds unfulfilled assignments in deployment order: non-agent
// types first so mixers come up before scripted agents, FIFO within each
// class.
type Queue struct {
	cfg Config

	mu          sync.Mutex
	unfulfilled []*Assignment

	// pending maps a deployed clone's UUID to the original queued
	// assignment until the worker connects or the offer expires.
	pending *cache.Cache

	// fulfilled maps a worker's assignment UUID to the original bound
	// assignment.
	fulfilled map[uuid.UUID]*Assignment
}

// NewQueue creates an empty queue.
func NewQueue(cfg Config) (*Queue, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.EnsureDir(cfg.ScriptsDir); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Queue{
		cfg:       cfg,
		pending:   cache.New(defaults.PendingAssignmentTTL, defaults.PendingAssignmentTTL),
		fulfilled: make(map[uuid.UUID]*Assignment),
	}, nil
}

// Enqueue adds an assignment at the back of its type class.
func (q *Queue) Enqueue(a *Assignment) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.insertLocked(a, false)
}

// EnqueueFront adds an assignment at the front of its type class, used
// when requeueing after a worker death so the replacement deploys first.
func (q *Queue) EnqueueFront(a *Assignment) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.insertLocked(a, true)
}

func (q *Queue) insertLocked(a *Assignment, front bool) {
	// The agent class starts at the first agent entry; the non-agent
	// class ends there.
	firstAgent := len(q.unfulfilled)
	for i, queued := range q.unfulfilled {
		if queued.Type.IsAgent() {
			firstAgent = i
			break
		}
	}
	var at int
	switch {
	case a.Type.IsAgent() && front:
		at = firstAgent
	case a.Type.IsAgent():
		at = len(q.unfulfilled)
	case front:
		at = 0
	default:
		at = firstAgent
	}
	q.unfulfilled = append(q.unfulfilled, nil)
	copy(q.unfulfilled[at+1:], q.unfulfilled[at:])
	q.unfulfilled[at] = a
}

// HandleRequest processes a RequestAssignment packet: verifies the sender
// is on an allow-listed subnet, finds the first matching queue entry,
// deploys a freshly identified clone to the requester, and rotates the
// original to the back of the queue.
func (q *Queue) HandleRequest(ctx context.Context, msg *packet.Message) {
	req, err := packet.DecodeAssignmentRequest(msg.Packet.Payload)
	if err != nil {
		q.cfg.Logger.WarnContext(ctx, "Dropping malformed assignment request", "sender", msg.Sender.String(), "error", err)
		return
	}
	sender := msg.Sender.Addr()
	if !utils.IsLoopback(sender) && !q.cfg.AllowedSubnets().Contains(sender) {
		q.cfg.Logger.WarnContext(ctx, "Assignment request from disallowed address", "sender", msg.Sender.String())
		return
	}

	clone := q.deploy(req.Type, req.Pool)
	if clone == nil {
		return
	}
	q.cfg.Logger.InfoContext(ctx, "Deploying assignment",
		"uuid", clone.UUID,
		"type", clone.Type.String(),
		"pool", clone.Pool,
		"requester", msg.Sender.String(),
	)
	offer := packet.AssignmentOffer{
		UUID:    clone.UUID,
		Type:    byte(clone.Type),
		Pool:    clone.Pool,
		Payload: clone.Payload,
	}
	if err := q.cfg.Sender.SendToAddr(ctx, packet.TypeCreateAssignment, offer.Encode(), msg.Sender); err != nil {
		q.cfg.Logger.WarnContext(ctx, "Failed to send assignment offer", "requester", msg.Sender.String(), "error", err)
	}
}

// deploy finds the first matching unfulfilled assignment, records a clone
// in the pending table, and rotates the original to the back of its
// class.
func (q *Queue) deploy(requestType byte, pool string) *Assignment {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, a := range q.unfulfilled {
		if !a.matches(requestType, pool) {
			continue
		}
		clone := a.clone()
		q.pending.SetDefault(clone.UUID.String(), a)
		q.unfulfilled = append(q.unfulfilled[:i], q.unfulfilled[i+1:]...)
		q.insertLocked(a, false)
		return clone
	}
	return nil
}

// TakePending resolves a connecting worker's assignment UUID to the
// original assignment and binds them: the original leaves the unfulfilled
// queue and is indexed under the worker's UUID until the worker dies.
func (q *Queue) TakePending(deployed uuid.UUID) (*Assignment, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	v, ok := q.pending.Get(deployed.String())
	if !ok {
		return nil, false
	}
	q.pending.Delete(deployed.String())
	original := v.(*Assignment)
	for i, a := range q.unfulfilled {
		if a == original {
			q.unfulfilled = append(q.unfulfilled[:i], q.unfulfilled[i+1:]...)
			break
		}
	}
	q.fulfilled[deployed] = original
	return original, true
}

// ReleaseDead handles the death of a worker bound to an assignment. A
// static assignment is requeued at the front of its class under a new
// UUID so no stale worker can reconnect under the old one; an ephemeral
// script assignment is retired and its script deleted.
func (q *Queue) ReleaseDead(ctx context.Context, deployed uuid.UUID) {
	q.mu.Lock()
	original, ok := q.fulfilled[deployed]
	if !ok {
		q.mu.Unlock()
		return
	}
	delete(q.fulfilled, deployed)
	if !original.Static {
		q.mu.Unlock()
		q.removeScript(ctx, original.UUID)
		return
	}
	oldUUID := original.UUID
	original.UUID = uuid.New()
	q.insertLocked(original, true)
	q.mu.Unlock()

	q.renameScript(ctx, oldUUID, original.UUID)
	q.cfg.Logger.InfoContext(ctx, "Requeued static assignment after worker death",
		"type", original.Type.String(),
		"old_uuid", oldUUID,
		"new_uuid", original.UUID,
	)
}

// AddScript stores uploaded script bytes on disk and enqueues count
// ephemeral agent assignments in the given pool, returning their UUIDs.
func (q *Queue) AddScript(ctx context.Context, script []byte, count int, pool string) ([]uuid.UUID, error) {
	if count < 1 {
		count = 1
	}
	ids := make([]uuid.UUID, 0, count)
	for range count {
		a := NewScript(pool)
		path := filepath.Join(q.cfg.ScriptsDir, a.UUID.String())
		if err := utils.WriteFileAtomic(path, script, 0o644); err != nil {
			return nil, trace.Wrap(err)
		}
		a.Payload = []byte(path)
		q.Enqueue(a)
		ids = append(ids, a.UUID)
	}
	q.cfg.Logger.InfoContext(ctx, "Queued script assignments", "count", count, "pool", pool)
	return ids, nil
}

func (q *Queue) renameScript(ctx context.Context, from, to uuid.UUID) {
	oldPath := filepath.Join(q.cfg.ScriptsDir, from.String())
	if _, err := os.Stat(oldPath); err != nil {
		return
	}
	newPath := filepath.Join(q.cfg.ScriptsDir, to.String())
	if err := os.Rename(oldPath, newPath); err != nil {
		q.cfg.Logger.WarnContext(ctx, "Failed to rename assignment script", "from", oldPath, "to", newPath, "error", err)
	}
}

func (q *Queue) removeScript(ctx context.Context, id uuid.UUID) {
	path := filepath.Join(q.cfg.ScriptsDir, id.String())
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		q.cfg.Logger.WarnContext(ctx, "Failed to remove assignment script", "path", path, "error", err)
	}
}

// QueuedView is the JSON shape of one queue entry in /assignments.json.
type QueuedView struct {
	UUID    string `json:"uuid"`
	Type    string `json:"type"`
	Pool    string `json:"pool,omitempty"`
	Static  bool   `json:"static"`
	Payload string `json:"payload,omitempty"`
}

// Snapshot returns the queued and fulfilled assignments for the admin
// API.
func (q *Queue) Snapshot() (queued, fulfilled []QueuedView) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, a := range q.unfulfilled {
		queued = append(queued, viewOf(a))
	}
	for deployed, a := range q.fulfilled {
		view := viewOf(a)
		view.UUID = deployed.String()
		fulfilled = append(fulfilled, view)
	}
	return queued, fulfilled
}

func viewOf(a *Assignment) QueuedView {
	return QueuedView{
		UUID:    a.UUID.String(),
		Type:    a.Type.String(),
		Pool:    a.Pool,
		Static:  a.Static,
		Payload: string(a.Payload),
	}
}
