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

// Package registry owns the domain membership table: node records, local
// ID allocation, pairwise session secrets, interest-set fan-out, and the
// silence reaper. Every mutation is serialized through the registry so
// the table is the single source of truth for who is in the domain.
package registry

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/domaind"
	"github.com/gravitational/domaind/lib/defaults"
	"github.com/gravitational/domaind/lib/packet"
	"github.com/gravitational/domaind/lib/settings"
	"github.com/gravitational/domaind/lib/utils"
)

// ControllerLocalID is the local ID the controller itself sources packets
// with. Never allocated to a node.
const ControllerLocalID uint16 = 0

var connectedNodes = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "domaind_connected_nodes",
		Help: "Live nodes in the registry by type.",
	},
	[]string{"type"},
)

// Sender delivers controller-sourced packets to a node. Send failures are
// logged and dropped; they never compromise registry integrity.
type Sender interface {
	SendTo(ctx context.Context, t packet.Type, payload []byte, node *Node) error
}

// Config configures the registry.
type Config struct {
	// DomainUUID is the controller's own node ID, used as one endpoint
	// of controller-to-node secrets.
	DomainUUID uuid.UUID

	// Sender delivers fan-out packets. May be nil in tests.
	Sender Sender

	// SilenceTimeout returns the current silence eviction threshold; a
	// func so the settings knob takes effect without a restart.
	SilenceTimeout func() time.Duration

	// Clock is the time source.
	Clock clockwork.Clock

	// Logger is the registry logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config.
func (c *Config) CheckAndSetDefaults() error {
	if c.DomainUUID == uuid.Nil {
		return trace.BadParameter("missing DomainUUID")
	}
	if c.SilenceTimeout == nil {
		c.SilenceTimeout = func() time.Duration { return defaults.NodeSilenceTimeout }
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(domaind.ComponentKey, domaind.ComponentRegistry)
	}
	return nil
}

// pairKey identifies an unordered node pair in the secrets table.
type pairKey [2]uuid.UUID

func makePairKey(a, b uuid.UUID) pairKey {
	if string(a[:]) < string(b[:]) {
		return pairKey{a, b}
	}
	return pairKey{b, a}
}

// Registry is the membership table.
type Registry struct {
	cfg Config

	mu        sync.RWMutex
	byUUID    map[uuid.UUID]*Node
	byLocalID map[uint16]*Node
	secrets   map[pairKey]uuid.UUID
	freeIDs   []uint16
	nextID    uint16

	// onKilled is invoked after a node is evicted, outside the lock.
	onKilled []func(context.Context, *Node)
}

// New creates an empty registry.
func New(cfg Config) (*Registry, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(connectedNodes); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Registry{
		cfg:       cfg,
		byUUID:    make(map[uuid.UUID]*Node),
		byLocalID: make(map[uint16]*Node),
		secrets:   make(map[pairKey]uuid.UUID),
		nextID:    ControllerLocalID + 1,
	}, nil
}

// OnNodeKilled registers a callback invoked after any node is removed.
// Used by the assignment queue to requeue static assignments.
func (r *Registry) OnNodeKilled(fn func(context.Context, *Node)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onKilled = append(r.onKilled, fn)
}

// AddParams carries the fields of a new node record.
type AddParams struct {
	UUID               uuid.UUID
	Type               packet.NodeType
	PublicSock         netip.AddrPort
	LocalSock          netip.AddrPort
	SenderSock         netip.AddrPort
	Permissions        settings.Permissions
	Replicated         bool
	Interest           []packet.NodeType
	PlaceName          string
	Version            string
	AssignmentUUID     uuid.UUID
	VerifiedUsername   string
	MachineFingerprint uuid.UUID
}

// Add inserts a node, assigning or reusing a local ID, and fans out
// node-added messages to every live peer interested in the new node's
// type.
func (r *Registry) Add(ctx context.Context, params AddParams) (*Node, error) {
	if params.UUID == uuid.Nil {
		return nil, trace.BadParameter("missing node UUID")
	}
	r.mu.Lock()
	if _, exists := r.byUUID[params.UUID]; exists {
		r.mu.Unlock()
		return nil, trace.AlreadyExists("node %v is already registered", params.UUID)
	}
	now := r.cfg.Clock.Now()
	node := &Node{
		UUID:               params.UUID,
		LocalID:            r.allocateLocalID(),
		Type:               params.Type,
		PublicSock:         params.PublicSock,
		LocalSock:          params.LocalSock,
		SenderSock:         params.SenderSock,
		Permissions:        params.Permissions,
		Replicated:         params.Replicated,
		ControllerSecret:   r.secretLocked(r.cfg.DomainUUID, params.UUID),
		Interest:           make(map[packet.NodeType]bool, len(params.Interest)),
		PlaceName:          params.PlaceName,
		Version:            params.Version,
		WakeTime:           now,
		LastHeartbeat:      now,
		AssignmentUUID:     params.AssignmentUUID,
		VerifiedUsername:   params.VerifiedUsername,
		MachineFingerprint: params.MachineFingerprint,
		ForcedNeverSilent:  params.Type.IsReplication(),
	}
	for _, t := range params.Interest {
		node.Interest[t] = true
	}
	r.byUUID[node.UUID] = node
	r.byLocalID[node.LocalID] = node

	// Collect the interested audience while still under the lock; sends
	// happen outside it.
	type delivery struct {
		to   *Node
		info packet.NodeInfo
	}
	var audience []delivery
	for _, peer := range r.byUUID {
		if peer.UUID == node.UUID || !peer.InterestedIn(node.Type) {
			continue
		}
		audience = append(audience, delivery{
			to:   peer,
			info: node.Info(r.secretLocked(node.UUID, peer.UUID)),
		})
	}
	r.mu.Unlock()

	connectedNodes.WithLabelValues(node.Type.String()).Inc()
	r.cfg.Logger.InfoContext(ctx, "Node added",
		"uuid", node.UUID,
		"type", node.Type.String(),
		"local_id", node.LocalID,
		"public", node.PublicSock.String(),
	)
	for _, d := range audience {
		r.send(ctx, packet.TypeDomainServerAddedNode, packet.EncodeAddedNode(d.info), d.to)
	}
	return node, nil
}

// Remove evicts a node: frees its local ID, scrubs every secret involving
// it, and fans out node-killed messages to interested peers.
func (r *Registry) Remove(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	node, ok := r.byUUID[id]
	if !ok {
		r.mu.Unlock()
		return trace.NotFound("node %v is not registered", id)
	}
	delete(r.byUUID, id)
	delete(r.byLocalID, node.LocalID)
	r.freeIDs = append(r.freeIDs, node.LocalID)
	for key := range r.secrets {
		if key[0] == id || key[1] == id {
			delete(r.secrets, key)
		}
	}
	var audience []*Node
	for _, peer := range r.byUUID {
		if peer.InterestedIn(node.Type) {
			audience = append(audience, peer)
		}
	}
	killed := make([]func(context.Context, *Node), len(r.onKilled))
	copy(killed, r.onKilled)
	r.mu.Unlock()

	connectedNodes.WithLabelValues(node.Type.String()).Dec()
	r.cfg.Logger.InfoContext(ctx, "Node removed",
		"uuid", node.UUID,
		"type", node.Type.String(),
		"local_id", node.LocalID,
	)
	payload := packet.EncodeRemovedNode(node.UUID)
	for _, peer := range audience {
		r.send(ctx, packet.TypeDomainServerRemovedNode, payload, peer)
	}
	for _, fn := range killed {
		fn(ctx, node)
	}
	return nil
}

// GetByUUID returns the live node with the given UUID.
func (r *Registry) GetByUUID(id uuid.UUID) (*Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.byUUID[id]
	return node, ok
}

// GetByLocalID returns the live node holding the given local ID.
func (r *Registry) GetByLocalID(id uint16) (*Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.byLocalID[id]
	return node, ok
}

// ForEach visits every live node matching the filter under a read lock.
// The visit func must not call back into the registry.
func (r *Registry) ForEach(filter func(*Node) bool, visit func(*Node)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, node := range r.byUUID {
		if filter == nil || filter(node) {
			visit(node)
		}
	}
}

// Count returns the number of live nodes matching the filter.
func (r *Registry) Count(filter func(*Node) bool) int {
	count := 0
	r.ForEach(filter, func(*Node) { count++ })
	return count
}

// CountAgents returns the number of live interactive users.
func (r *Registry) CountAgents() int {
	return r.Count(func(n *Node) bool { return n.Type.IsAgent() })
}

// SetInterest replaces a node's interest set.
func (r *Registry) SetInterest(id uuid.UUID, types []packet.NodeType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.byUUID[id]
	if !ok {
		return
	}
	node.Interest = make(map[packet.NodeType]bool, len(types))
	for _, t := range types {
		node.Interest[t] = true
	}
}

// Touch records node liveness at the given time.
func (r *Registry) Touch(id uuid.UUID, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if node, ok := r.byUUID[id]; ok {
		node.LastHeartbeat = now
	}
}

// Update runs a mutation on a node record under the write lock.
func (r *Registry) Update(id uuid.UUID, mutate func(*Node)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.byUUID[id]
	if !ok {
		return false
	}
	mutate(node)
	return true
}

// ListFor returns the peer infos visible to a node per its interest set,
// each carrying the pairwise session secret, generating secrets as
// needed.
func (r *Registry) ListFor(id uuid.UUID) []packet.NodeInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.byUUID[id]
	if !ok {
		return nil
	}
	var infos []packet.NodeInfo
	for _, peer := range r.byUUID {
		if peer.UUID == id || !node.InterestedIn(peer.Type) {
			continue
		}
		infos = append(infos, peer.Info(r.secretLocked(id, peer.UUID)))
	}
	return infos
}

// ConnectionSecret lazily generates the session secret for an unordered
// node pair, returning the existing value on every later call.
func (r *Registry) ConnectionSecret(a, b uuid.UUID) uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.secretLocked(a, b)
}

func (r *Registry) secretLocked(a, b uuid.UUID) uuid.UUID {
	key := makePairKey(a, b)
	if secret, ok := r.secrets[key]; ok {
		return secret
	}
	secret := uuid.New()
	r.secrets[key] = secret
	return secret
}

// ResolveSource implements packet.SourceResolver.
func (r *Registry) ResolveSource(id uint16) (packet.Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.byLocalID[id]
	if !ok {
		return packet.Source{}, false
	}
	return packet.Source{
		UUID:   node.UUID,
		Secret: node.ControllerSecret,
		Addr:   node.SenderSock,
	}, true
}

// TouchSource implements packet.SourceResolver.
func (r *Registry) TouchSource(id uuid.UUID) {
	r.Touch(id, r.cfg.Clock.Now())
}

// RunReaper periodically evicts nodes that have gone silent past the
// threshold. Replication peers flagged forced-never-silent are exempt.
func (r *Registry) RunReaper(ctx context.Context) {
	ticker := r.cfg.Clock.NewTicker(defaults.SilenceReaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			r.reapSilentNodes(ctx)
		}
	}
}

func (r *Registry) reapSilentNodes(ctx context.Context) {
	threshold := r.cfg.SilenceTimeout()
	now := r.cfg.Clock.Now()
	var silent []uuid.UUID
	r.ForEach(nil, func(n *Node) {
		if n.ForcedNeverSilent {
			return
		}
		if now.Sub(n.LastHeartbeat) > threshold {
			silent = append(silent, n.UUID)
		}
	})
	for _, id := range silent {
		r.cfg.Logger.InfoContext(ctx, "Evicting silent node", "uuid", id, "threshold", threshold)
		if err := r.Remove(ctx, id); err != nil {
			r.cfg.Logger.WarnContext(ctx, "Failed to evict silent node", "uuid", id, "error", err)
		}
	}
}

// allocateLocalID hands out the next local ID, reusing freed IDs first.
// Caller must hold the write lock.
func (r *Registry) allocateLocalID() uint16 {
	if n := len(r.freeIDs); n > 0 {
		id := r.freeIDs[n-1]
		r.freeIDs = r.freeIDs[:n-1]
		return id
	}
	for {
		id := r.nextID
		r.nextID++
		if r.nextID == ControllerLocalID {
			r.nextID++
		}
		if _, taken := r.byLocalID[id]; !taken && id != ControllerLocalID {
			return id
		}
	}
}

func (r *Registry) send(ctx context.Context, t packet.Type, payload []byte, to *Node) {
	if r.cfg.Sender == nil {
		return
	}
	if err := r.cfg.Sender.SendTo(ctx, t, payload, to); err != nil {
		r.cfg.Logger.WarnContext(ctx, "Failed to send packet to node",
			"type", t.String(),
			"uuid", to.UUID,
			"error", err,
		)
	}
}
