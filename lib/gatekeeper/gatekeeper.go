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

// Package gatekeeper decides who gets into the domain. It verifies
// identity claims against the metaverse, resolves the permission catalog
// for each candidate, runs the ICE rendezvous when the candidate sits
// behind NAT, and commits admitted nodes to the registry.
package gatekeeper

import (
	"context"
	"log/slog"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	cache "github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/domaind"
	"github.com/gravitational/domaind/lib/assignment"
	"github.com/gravitational/domaind/lib/defaults"
	"github.com/gravitational/domaind/lib/packet"
	"github.com/gravitational/domaind/lib/registry"
	"github.com/gravitational/domaind/lib/settings"
	"github.com/gravitational/domaind/lib/utils"
)

// identityCacheTTL bounds how stale cached friend and group lookups may
// get before the next admission refetches them.
const identityCacheTTL = time.Minute

var admissions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "domaind_admissions_total",
		Help: "Connect request outcomes by result.",
	},
	[]string{"result"},
)

// Assignments is the slice of the assignment queue the gatekeeper needs
// to bind connecting workers.
type Assignments interface {
	TakePending(deployed uuid.UUID) (*assignment.Assignment, bool)
	ReleaseDead(ctx context.Context, deployed uuid.UUID)
}

// Identity is the slice of the metaverse client the gatekeeper needs to
// verify users. Nil when the domain runs without a metaverse.
type Identity interface {
	VerifyUsernameSignature(ctx context.Context, username string, token, signature []byte) error
	OwnerFriends(ctx context.Context) ([]string, error)
	UserGroups(ctx context.Context, username string) (map[string]string, error)
}

// Sender delivers packets both to raw addresses (candidates not yet in
// the registry) and to admitted nodes.
type Sender interface {
	SendToAddr(ctx context.Context, t packet.Type, payload []byte, to netip.AddrPort) error
	SendTo(ctx context.Context, t packet.Type, payload []byte, node *registry.Node) error
}

// Config configures the gatekeeper.
type Config struct {
	// DomainUUID is the controller's node ID, echoed in every DomainList.
	DomainUUID uuid.UUID

	// Registry is the membership table admissions commit to.
	Registry *registry.Registry

	// Assignments binds connecting workers to their deployments.
	Assignments Assignments

	// Identity verifies username claims. Nil disables verification, which
	// downgrades every candidate to anonymous.
	Identity Identity

	// Settings supplies the permission catalog and security knobs.
	Settings *settings.Store

	// Sender delivers replies and rendezvous pings.
	Sender Sender

	// Clock is the time source.
	Clock clockwork.Clock

	// Logger is the gatekeeper logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config.
func (c *Config) CheckAndSetDefaults() error {
	if c.DomainUUID == uuid.Nil {
		return trace.BadParameter("missing DomainUUID")
	}
	if c.Registry == nil {
		return trace.BadParameter("missing Registry")
	}
	if c.Assignments == nil {
		return trace.BadParameter("missing Assignments")
	}
	if c.Settings == nil {
		return trace.BadParameter("missing Settings")
	}
	if c.Sender == nil {
		return trace.BadParameter("missing Sender")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(domaind.ComponentKey, domaind.ComponentGatekeeper)
	}
	return nil
}

// Gatekeeper is the admission authority.
type Gatekeeper struct {
	cfg Config

	// catalog is rebuilt on every settings update.
	mu      sync.RWMutex
	catalog *settings.Catalog
	banned  map[uuid.UUID]bool

	// lookups caches friend and group query results from the metaverse.
	lookups *cache.Cache

	// rendezvous maps a candidate's connect UUID to the channel its first
	// ICEPingReply source address is delivered on.
	rendezvous *cache.Cache
}

// New creates a gatekeeper.
func New(cfg Config) (*Gatekeeper, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(admissions); err != nil {
		return nil, trace.Wrap(err)
	}
	g := &Gatekeeper{
		cfg:        cfg,
		lookups:    cache.New(identityCacheTTL, identityCacheTTL),
		rendezvous: cache.New(defaults.PendingConnectionTTL, defaults.PendingConnectionTTL),
	}
	g.reloadCatalog()
	cfg.Settings.Subscribe(g.RefreshPermissions)
	return g, nil
}

// reloadCatalog reparses the permission catalog and the fingerprint ban
// list out of the settings store.
func (g *Gatekeeper) reloadCatalog() {
	banned := make(map[uuid.UUID]bool)
	for _, raw := range g.cfg.Settings.GetStringSlice("security.banned_fingerprints") {
		if fp, err := uuid.Parse(raw); err == nil {
			banned[fp] = true
		}
	}
	catalog := settings.CatalogFromStore(g.cfg.Settings)
	g.mu.Lock()
	g.catalog = catalog
	g.banned = banned
	g.mu.Unlock()
}

// HandleConnectRequest processes a DomainConnectRequest. Fast rejections
// happen inline; verification and rendezvous involve the network and run
// on their own goroutine so the ingest loop keeps draining.
func (g *Gatekeeper) HandleConnectRequest(ctx context.Context, msg *packet.Message) {
	req, err := packet.DecodeConnectRequest(msg.Packet.Payload)
	if err != nil {
		g.cfg.Logger.WarnContext(ctx, "Dropping malformed connect request", "sender", msg.Sender.String(), "error", err)
		return
	}
	if !req.NodeType.Valid() {
		g.deny(ctx, msg.Sender, packet.DenialUnknown, "unknown node type")
		return
	}
	g.mu.RLock()
	fingerprintBanned := g.banned[req.MachineFingerprint]
	g.mu.RUnlock()
	if fingerprintBanned {
		g.deny(ctx, msg.Sender, packet.DenialBanned, "this machine is banned from the domain")
		return
	}

	// Repeated request from an already admitted node at the same address
	// is a refresh, not a reconnect.
	if existing, ok := g.cfg.Registry.GetByUUID(req.ConnectUUID); ok {
		if existing.SenderSock == msg.Sender {
			g.cfg.Registry.SetInterest(existing.UUID, req.Interest)
			g.cfg.Registry.Touch(existing.UUID, g.cfg.Clock.Now())
			g.sendDomainList(ctx, existing)
			return
		}
		if err := g.cfg.Registry.Remove(ctx, existing.UUID); err != nil {
			g.cfg.Logger.WarnContext(ctx, "Failed to drop stale node on reconnect", "uuid", existing.UUID, "error", err)
		}
	}

	go g.admit(ctx, msg.Sender, req)
}

// admit runs the slow half of admission: identity verification,
// permission resolution, capacity, rendezvous, and the registry commit.
func (g *Gatekeeper) admit(ctx context.Context, sender netip.AddrPort, req *packet.ConnectRequest) {
	var perms settings.Permissions
	var verifiedUsername string
	var identity settings.Identity
	var worker bool

	if req.NodeType.IsAgent() || req.NodeType.IsReplication() {
		var denied *packet.ConnectionDenied
		perms, identity, denied = g.resolveAgent(ctx, sender, req)
		if denied != nil {
			g.deny(ctx, sender, denied.Reason, denied.Message)
			return
		}
		verifiedUsername = identity.VerifiedUsername
	} else {
		bound, ok := g.cfg.Assignments.TakePending(req.AssignmentUUID)
		if !ok {
			g.deny(ctx, sender, packet.DenialNotAuthorized, "unknown assignment")
			return
		}
		if bound.Type.NodeType() != req.NodeType {
			// The bound assignment goes back to the queue, otherwise this
			// worker type would never respawn.
			g.cfg.Assignments.ReleaseDead(ctx, req.AssignmentUUID)
			g.deny(ctx, sender, packet.DenialNotAuthorized, "assignment type does not match node type")
			return
		}
		worker = true
		perms = settings.AllPermissions()
	}

	publicSock, senderSock := g.selectSockets(ctx, sender, req)

	params := registry.AddParams{
		UUID:               req.ConnectUUID,
		Type:               req.NodeType,
		PublicSock:         publicSock,
		LocalSock:          req.LocalSock,
		SenderSock:         senderSock,
		Permissions:        perms,
		Replicated:         req.NodeType.IsReplication(),
		Interest:           req.Interest,
		PlaceName:          req.PlaceName,
		Version:            req.Version,
		AssignmentUUID:     req.AssignmentUUID,
		VerifiedUsername:   verifiedUsername,
		MachineFingerprint: req.MachineFingerprint,
	}
	node, err := g.cfg.Registry.Add(ctx, params)
	if trace.IsAlreadyExists(err) {
		// The node reconnected while we were verifying it.
		if err := g.cfg.Registry.Remove(ctx, req.ConnectUUID); err == nil {
			node, err = g.cfg.Registry.Add(ctx, params)
		}
	}
	if err != nil {
		if worker {
			g.cfg.Assignments.ReleaseDead(ctx, req.AssignmentUUID)
		}
		g.cfg.Logger.WarnContext(ctx, "Failed to commit admitted node", "uuid", req.ConnectUUID, "error", err)
		return
	}
	admissions.WithLabelValues("admitted").Inc()
	g.sendDomainList(ctx, node)
}

// resolveAgent verifies the identity claim of an interactive or
// replication candidate and resolves its permission set. A non-nil
// denial carries the refusal to send.
func (g *Gatekeeper) resolveAgent(ctx context.Context, sender netip.AddrPort, req *packet.ConnectRequest) (settings.Permissions, settings.Identity, *packet.ConnectionDenied) {
	identity := settings.Identity{
		Localhost: utils.IsLoopback(sender.Addr()),
	}
	if req.Username != "" && g.cfg.Identity != nil {
		if err := g.cfg.Identity.VerifyUsernameSignature(ctx, req.Username, req.UsernameToken, req.UsernameSignature); err != nil {
			g.cfg.Logger.InfoContext(ctx, "Username verification failed",
				"username", req.Username,
				"sender", sender.String(),
				"error", err,
			)
			return 0, identity, &packet.ConnectionDenied{
				Reason:  packet.DenialLoginError,
				Message: "username or password incorrect",
			}
		}
		identity.VerifiedUsername = strings.ToLower(req.Username)
		identity.Friend = g.isOwnerFriend(ctx, identity.VerifiedUsername)
		identity.Groups = g.userGroups(ctx, identity.VerifiedUsername)
	}

	g.mu.RLock()
	perms := g.catalog.Resolve(identity)
	g.mu.RUnlock()
	if !perms.CanConnect() {
		return 0, identity, &packet.ConnectionDenied{
			Reason:  packet.DenialNotAuthorized,
			Message: "you are not authorized to connect to this domain",
		}
	}
	if req.NodeType.IsAgent() && !perms.Has(settings.PermIgnoreMaxCap) {
		maxCap := g.cfg.Settings.GetInt("security.maximum_user_capacity", defaults.MaxAgentCapacity)
		if maxCap > 0 && g.cfg.Registry.CountAgents() >= maxCap {
			return 0, identity, &packet.ConnectionDenied{
				Reason:  packet.DenialTooManyUsers,
				Message: "domain is at maximum capacity",
			}
		}
	}
	return perms, identity, nil
}

// isOwnerFriend checks whether the user is a friend of the domain owner,
// caching the friend list between admissions.
func (g *Gatekeeper) isOwnerFriend(ctx context.Context, username string) bool {
	const key = "friends"
	cached, ok := g.lookups.Get(key)
	if !ok {
		lookupCtx, cancel := context.WithTimeout(ctx, defaults.GroupLookupWindow)
		defer cancel()
		friends, err := g.cfg.Identity.OwnerFriends(lookupCtx)
		if err != nil {
			g.cfg.Logger.DebugContext(ctx, "Owner friends lookup failed", "error", err)
			return false
		}
		set := make(map[string]bool, len(friends))
		for _, f := range friends {
			set[strings.ToLower(f)] = true
		}
		g.lookups.SetDefault(key, set)
		cached = set
	}
	return cached.(map[string]bool)[username]
}

// userGroups resolves the user's group ranks with a bounded lookup
// window, caching the result. Failures resolve to no groups.
func (g *Gatekeeper) userGroups(ctx context.Context, username string) map[string]string {
	key := "groups/" + username
	if cached, ok := g.lookups.Get(key); ok {
		return cached.(map[string]string)
	}
	lookupCtx, cancel := context.WithTimeout(ctx, defaults.GroupLookupWindow)
	defer cancel()
	groups, err := g.cfg.Identity.UserGroups(lookupCtx, username)
	if err != nil {
		g.cfg.Logger.DebugContext(ctx, "Group lookup failed", "username", username, "error", err)
		return nil
	}
	g.lookups.SetDefault(key, groups)
	return groups
}

// selectSockets picks the node's public and sender sockets. When the
// observed sender differs from the offered public address the candidate
// is behind NAT and both offered sockets get pinged; the first reply's
// source becomes the sender socket. No reply within the window falls
// back to the observed sender.
func (g *Gatekeeper) selectSockets(ctx context.Context, sender netip.AddrPort, req *packet.ConnectRequest) (publicSock, senderSock netip.AddrPort) {
	if !req.PublicSock.IsValid() || sender == req.PublicSock {
		return sender, sender
	}

	replies := make(chan netip.AddrPort, 1)
	g.rendezvous.Set(req.ConnectUUID.String(), replies, defaults.ICERendezvousWindow)
	defer g.rendezvous.Delete(req.ConnectUUID.String())

	ping := packet.ICEPing{SessionUUID: req.ConnectUUID, PingType: packet.PingPublic}
	if err := g.cfg.Sender.SendToAddr(ctx, packet.TypeICEPing, ping.Encode(), req.PublicSock); err != nil {
		g.cfg.Logger.DebugContext(ctx, "Public rendezvous ping failed", "to", req.PublicSock.String(), "error", err)
	}
	if req.LocalSock.IsValid() {
		ping.PingType = packet.PingLocal
		if err := g.cfg.Sender.SendToAddr(ctx, packet.TypeICEPing, ping.Encode(), req.LocalSock); err != nil {
			g.cfg.Logger.DebugContext(ctx, "Local rendezvous ping failed", "to", req.LocalSock.String(), "error", err)
		}
	}

	select {
	case from := <-replies:
		return req.PublicSock, from
	case <-g.cfg.Clock.After(defaults.ICERendezvousWindow):
		return sender, sender
	case <-ctx.Done():
		return sender, sender
	}
}

// HandleICEPingReply resumes a waiting rendezvous with the reply's source
// address.
func (g *Gatekeeper) HandleICEPingReply(ctx context.Context, msg *packet.Message) {
	reply, err := packet.DecodeICEPing(msg.Packet.Payload)
	if err != nil {
		return
	}
	v, ok := g.rendezvous.Get(reply.SessionUUID.String())
	if !ok {
		return
	}
	select {
	case v.(chan netip.AddrPort) <- msg.Sender:
	default:
	}
}

// HandleICEPing answers a symmetric rendezvous probe so the candidate
// learns the controller is reachable.
func (g *Gatekeeper) HandleICEPing(ctx context.Context, msg *packet.Message) {
	ping, err := packet.DecodeICEPing(msg.Packet.Payload)
	if err != nil {
		return
	}
	reply := packet.ICEPing{SessionUUID: g.cfg.DomainUUID, PingType: ping.PingType}
	if err := g.cfg.Sender.SendToAddr(ctx, packet.TypeICEPingReply, reply.Encode(), msg.Sender); err != nil {
		g.cfg.Logger.DebugContext(ctx, "Failed to answer rendezvous ping", "to", msg.Sender.String(), "error", err)
	}
}

// HandleListRequest refreshes an admitted node's interest set and resends
// its membership snapshot.
func (g *Gatekeeper) HandleListRequest(ctx context.Context, msg *packet.Message) {
	node, ok := g.cfg.Registry.GetByUUID(msg.SourceUUID)
	if !ok {
		return
	}
	req, err := packet.DecodeListRequest(msg.Packet.Payload)
	if err != nil {
		g.cfg.Logger.WarnContext(ctx, "Dropping malformed list request", "uuid", msg.SourceUUID, "error", err)
		return
	}
	g.cfg.Registry.SetInterest(node.UUID, req.Interest)
	g.sendDomainList(ctx, node)
}

// HandleDisconnectRequest removes the sender from the domain.
func (g *Gatekeeper) HandleDisconnectRequest(ctx context.Context, msg *packet.Message) {
	if err := g.cfg.Registry.Remove(ctx, msg.SourceUUID); err != nil {
		g.cfg.Logger.DebugContext(ctx, "Disconnect for unknown node", "uuid", msg.SourceUUID)
	}
}

// HandleNodeStats stores the sender's latest stats document for the admin
// API.
func (g *Gatekeeper) HandleNodeStats(ctx context.Context, msg *packet.Message) {
	stats := make([]byte, len(msg.Packet.Payload))
	copy(stats, msg.Packet.Payload)
	g.cfg.Registry.Update(msg.SourceUUID, func(n *registry.Node) {
		n.Stats = stats
	})
}

// HandleKickRequest evicts the named node on behalf of a sender holding
// the kick permission, optionally banning the target's machine.
func (g *Gatekeeper) HandleKickRequest(ctx context.Context, msg *packet.Message) {
	kicker, ok := g.cfg.Registry.GetByUUID(msg.SourceUUID)
	if !ok || !kicker.Permissions.Has(settings.PermKick) {
		return
	}
	req, err := packet.DecodeKickRequest(msg.Packet.Payload)
	if err != nil {
		return
	}
	target, ok := g.cfg.Registry.GetByUUID(req.NodeUUID)
	if !ok || !target.Type.IsAgent() || target.UUID == kicker.UUID {
		return
	}
	g.cfg.Logger.InfoContext(ctx, "Kicking node",
		"target", target.UUID,
		"kicked_by", kicker.UUID,
		"ban_fingerprint", req.BanFingerprint,
	)
	if req.BanFingerprint && target.MachineFingerprint != uuid.Nil {
		g.BanFingerprint(ctx, target.MachineFingerprint)
	}
	if err := g.cfg.Registry.Remove(ctx, target.UUID); err != nil {
		g.cfg.Logger.WarnContext(ctx, "Failed to kick node", "target", target.UUID, "error", err)
	}
}

// BanFingerprint adds a machine fingerprint to the persisted ban list and
// applies it immediately.
func (g *Gatekeeper) BanFingerprint(ctx context.Context, fp uuid.UUID) {
	g.mu.Lock()
	g.banned[fp] = true
	g.mu.Unlock()

	list := g.cfg.Settings.GetStringSlice("security.banned_fingerprints")
	for _, raw := range list {
		if raw == fp.String() {
			return
		}
	}
	list = append(list, fp.String())
	if err := g.cfg.Settings.Set(ctx, "security.banned_fingerprints", list); err != nil {
		g.cfg.Logger.WarnContext(ctx, "Failed to persist fingerprint ban", "fingerprint", fp, "error", err)
	}
}

// HandleUsernameFromIDRequest answers identity lookups from nodes holding
// the kick permission, typically mixers building moderation UIs.
func (g *Gatekeeper) HandleUsernameFromIDRequest(ctx context.Context, msg *packet.Message) {
	requester, ok := g.cfg.Registry.GetByUUID(msg.SourceUUID)
	if !ok || !requester.Permissions.Has(settings.PermKick) {
		return
	}
	id, err := packet.DecodeRemovedNode(msg.Packet.Payload)
	if err != nil {
		return
	}
	target, ok := g.cfg.Registry.GetByUUID(id)
	if !ok {
		return
	}
	reply := packet.UsernameFromIDReply{
		NodeUUID:           target.UUID,
		Username:           target.VerifiedUsername,
		MachineFingerprint: target.MachineFingerprint,
		Admin:              target.Permissions.Has(settings.PermKick),
	}
	if err := g.cfg.Sender.SendTo(ctx, packet.TypeUsernameFromIDReply, reply.Encode(), requester); err != nil {
		g.cfg.Logger.WarnContext(ctx, "Failed to send username reply", "to", requester.UUID, "error", err)
	}
}

// HandlePathQuery resolves a named path to a viewpoint from the settings
// document.
func (g *Gatekeeper) HandlePathQuery(ctx context.Context, msg *packet.Message) {
	query, err := packet.DecodePathQuery(msg.Packet.Payload)
	if err != nil {
		return
	}
	viewpoint, ok := g.lookupPath(query.Path)
	if !ok {
		return
	}
	resp := packet.PathResponse{Path: query.Path, Viewpoint: viewpoint}
	if err := g.cfg.Sender.SendToAddr(ctx, packet.TypeDomainServerPathResponse, resp.Encode(), msg.Sender); err != nil {
		g.cfg.Logger.DebugContext(ctx, "Failed to answer path query", "to", msg.Sender.String(), "error", err)
	}
}

func (g *Gatekeeper) lookupPath(path string) (string, bool) {
	v, ok := g.cfg.Settings.Get("paths")
	if !ok {
		return "", false
	}
	paths, ok := v.(map[string]any)
	if !ok {
		return "", false
	}
	entry, ok := paths[path].(map[string]any)
	if !ok {
		return "", false
	}
	viewpoint, ok := entry["viewpoint"].(string)
	return viewpoint, ok
}

// DenyProtocolMismatch is wired as the dispatch mux's mismatch callback:
// candidates speaking the wrong protocol version get an explicit refusal
// instead of silence.
func (g *Gatekeeper) DenyProtocolMismatch(sender netip.AddrPort) {
	g.deny(context.Background(), sender, packet.DenialProtocolMismatch,
		"protocol version mismatch, upgrade your client")
}

func (g *Gatekeeper) deny(ctx context.Context, to netip.AddrPort, reason packet.DenialReason, message string) {
	admissions.WithLabelValues(reason.String()).Inc()
	g.cfg.Logger.InfoContext(ctx, "Denying connection",
		"sender", to.String(),
		"reason", reason.String(),
	)
	denied := packet.ConnectionDenied{Reason: reason, Message: message}
	if err := g.cfg.Sender.SendToAddr(ctx, packet.TypeDomainConnectionDenied, denied.Encode(), to); err != nil {
		g.cfg.Logger.WarnContext(ctx, "Failed to send denial", "to", to.String(), "error", err)
	}
}

// sendDomainList delivers a node's membership snapshot.
func (g *Gatekeeper) sendDomainList(ctx context.Context, node *registry.Node) {
	list := packet.DomainList{
		DomainUUID:            g.cfg.DomainUUID,
		DomainLocalID:         registry.ControllerLocalID,
		SessionUUID:           node.UUID,
		SessionLocalID:        node.LocalID,
		Permissions:           uint32(node.Permissions),
		AuthenticatedUsername: node.VerifiedUsername,
		Nodes:                 g.cfg.Registry.ListFor(node.UUID),
	}
	if err := g.cfg.Sender.SendTo(ctx, packet.TypeDomainList, list.Encode(), node); err != nil {
		g.cfg.Logger.WarnContext(ctx, "Failed to send domain list", "uuid", node.UUID, "error", err)
	}
}

// RefreshPermissions recomputes every admitted node's permissions after a
// settings change. Nodes whose vector changed get a fresh DomainList;
// nodes that lost the connect bit are removed.
func (g *Gatekeeper) RefreshPermissions(ctx context.Context) {
	g.reloadCatalog()

	g.mu.RLock()
	catalog := g.catalog
	banned := make(map[uuid.UUID]bool, len(g.banned))
	for fp := range g.banned {
		banned[fp] = true
	}
	g.mu.RUnlock()

	type change struct {
		node  *registry.Node
		perms settings.Permissions
		evict bool
	}
	var changes []change
	g.cfg.Registry.ForEach(func(n *registry.Node) bool {
		return n.Type.IsAgent() || n.Type.IsReplication()
	}, func(n *registry.Node) {
		if banned[n.MachineFingerprint] {
			changes = append(changes, change{node: n, evict: true})
			return
		}
		identity := settings.Identity{
			VerifiedUsername: n.VerifiedUsername,
			Localhost:        utils.IsLoopback(n.SenderSock.Addr()),
		}
		if n.VerifiedUsername != "" {
			identity.Friend = g.cachedFriend(n.VerifiedUsername)
			identity.Groups = g.cachedGroups(n.VerifiedUsername)
		}
		perms := catalog.Resolve(identity)
		if perms != n.Permissions {
			changes = append(changes, change{node: n, perms: perms, evict: !perms.CanConnect()})
		}
	})

	for _, c := range changes {
		if c.evict {
			g.cfg.Logger.InfoContext(ctx, "Evicting node after permission change", "uuid", c.node.UUID)
			if err := g.cfg.Registry.Remove(ctx, c.node.UUID); err != nil {
				g.cfg.Logger.WarnContext(ctx, "Failed to evict node", "uuid", c.node.UUID, "error", err)
			}
			continue
		}
		g.cfg.Registry.Update(c.node.UUID, func(n *registry.Node) {
			n.Permissions = c.perms
		})
		g.sendDomainList(ctx, c.node)
	}
}

// cachedFriend consults only the cached friend list; permission refresh
// never blocks on the metaverse.
func (g *Gatekeeper) cachedFriend(username string) bool {
	cached, ok := g.lookups.Get("friends")
	if !ok {
		return false
	}
	return cached.(map[string]bool)[strings.ToLower(username)]
}

func (g *Gatekeeper) cachedGroups(username string) map[string]string {
	cached, ok := g.lookups.Get("groups/" + strings.ToLower(username))
	if !ok {
		return nil
	}
	return cached.(map[string]string)
}
