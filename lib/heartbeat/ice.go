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

// Package heartbeat keeps the domain visible: the ICE engine announces the
// domain to a rendezvous server with signed heartbeats and fails over
// between resolved candidates, and the metaverse engine publishes the
// domain's presence document to the central registry.
package heartbeat

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/netip"
	"sync"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/domaind"
	"github.com/gravitational/domaind/lib/defaults"
	"github.com/gravitational/domaind/lib/packet"
	"github.com/gravitational/domaind/lib/utils"
)

var heartbeatFailures = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "domaind_heartbeat_failures_total",
		Help: "Heartbeat failures by kind.",
	},
	[]string{"kind"},
)

// Event names internal transitions of the heartbeat engines, delivered on
// the optional Events channel so tests can observe them.
type Event string

const (
	EventICESelected     Event = "ice-selected"
	EventICEFailover     Event = "ice-failover"
	EventICEKeypairRegen Event = "ice-keypair-regen"
	EventICEHeartbeat    Event = "ice-heartbeat"
	EventMetaverseBeat   Event = "metaverse-heartbeat"
	EventTemporaryName   Event = "temporary-name"
)

// ICEDirectory is the slice of the metaverse client the ICE engine needs.
type ICEDirectory interface {
	UpdateICEServerAddress(ctx context.Context, domainID, address, apiKey string) error
	UploadPublicKey(ctx context.Context, domainID string, publicKeyDER []byte) error
}

// AddrSender delivers packets to raw addresses.
type AddrSender interface {
	SendToAddr(ctx context.Context, t packet.Type, payload []byte, to netip.AddrPort) error
}

// ICEConfig configures the ICE heartbeat engine.
type ICEConfig struct {
	// DomainUUID is the session identity announced in heartbeats.
	DomainUUID uuid.UUID

	// ServerHost and ServerPort locate the ICE rendezvous service; the
	// host may resolve to several candidate addresses.
	ServerHost string
	ServerPort uint16

	// DomainID and APIKey identify the domain to the metaverse when
	// publishing the selected ICE address; funcs because a temporary name
	// grant changes them at runtime.
	DomainID func() string
	APIKey   func() string

	// PublicSock and LocalSock are the domain's announced sockets.
	PublicSock func() netip.AddrPort
	LocalSock  func() netip.AddrPort

	// Directory publishes the selected address and the public key. May be
	// nil when the domain runs without a metaverse.
	Directory ICEDirectory

	// Sender delivers heartbeat packets.
	Sender AddrSender

	// Resolve turns the server host into candidate addresses. Defaults to
	// the system resolver.
	Resolve func(ctx context.Context, host string) ([]netip.Addr, error)

	// Events receives engine transitions when non-nil. Sends never block.
	Events chan<- Event

	// Clock is the time source.
	Clock clockwork.Clock

	// Logger is the engine logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config.
func (c *ICEConfig) CheckAndSetDefaults() error {
	if c.DomainUUID == uuid.Nil {
		return trace.BadParameter("missing DomainUUID")
	}
	if c.ServerHost == "" {
		return trace.BadParameter("missing ServerHost")
	}
	if c.Sender == nil {
		return trace.BadParameter("missing Sender")
	}
	if c.ServerPort == 0 {
		c.ServerPort = defaults.ICEServerPort
	}
	if c.DomainID == nil {
		c.DomainID = func() string { return "" }
	}
	if c.APIKey == nil {
		c.APIKey = func() string { return "" }
	}
	if c.PublicSock == nil {
		c.PublicSock = func() netip.AddrPort { return netip.AddrPort{} }
	}
	if c.LocalSock == nil {
		c.LocalSock = func() netip.AddrPort { return netip.AddrPort{} }
	}
	if c.Resolve == nil {
		c.Resolve = func(ctx context.Context, host string) ([]netip.Addr, error) {
			addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
			return addrs, trace.Wrap(err)
		}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(domaind.ComponentKey, domaind.ComponentHeartbeat)
	}
	return nil
}

// ICEEngine announces the domain to an ICE rendezvous server. One
// candidate is active at a time; repeated silence fails it over, repeated
// denials rotate the keypair.
type ICEEngine struct {
	cfg ICEConfig

	mu        sync.Mutex
	keypair   *Keypair
	active    netip.AddrPort
	failed    map[netip.AddrPort]bool
	noReplies int
	denials   int

	// publishInflight and publishRedo serialize ice_server_address
	// updates to one in flight, coalescing changes that arrive meanwhile.
	publishInflight bool
	publishRedo     bool
}

// NewICEEngine creates the engine with a fresh keypair.
func NewICEEngine(cfg ICEConfig) (*ICEEngine, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(heartbeatFailures); err != nil {
		return nil, trace.Wrap(err)
	}
	keypair, err := NewKeypair()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &ICEEngine{
		cfg:     cfg,
		keypair: keypair,
		failed:  make(map[netip.AddrPort]bool),
	}, nil
}

// Run sends heartbeats until the context is canceled.
func (e *ICEEngine) Run(ctx context.Context) {
	e.uploadPublicKey(ctx)
	ticker := e.cfg.Clock.NewTicker(defaults.ICEHeartbeatInterval)
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

// tick runs one heartbeat round: fail over if the active candidate has
// gone silent, select a candidate if none is active, then send one signed
// heartbeat.
func (e *ICEEngine) tick(ctx context.Context) {
	e.mu.Lock()
	if e.active.IsValid() && e.noReplies >= defaults.ICEFailoverMissedHeartbeats {
		heartbeatFailures.WithLabelValues("ice_no_reply").Inc()
		e.cfg.Logger.WarnContext(ctx, "ICE server went silent, failing over",
			"server", e.active.String(),
			"missed", e.noReplies,
		)
		e.failed[e.active] = true
		e.active = netip.AddrPort{}
		e.noReplies = 0
		e.emit(EventICEFailover)
	}
	active := e.active
	e.mu.Unlock()

	if !active.IsValid() {
		selected, ok := e.selectCandidate(ctx)
		if !ok {
			return
		}
		active = selected
	}

	hb := packet.ICEHeartbeat{
		SessionUUID: e.cfg.DomainUUID,
		PublicSock:  e.cfg.PublicSock(),
		LocalSock:   e.cfg.LocalSock(),
	}
	e.mu.Lock()
	sig, err := e.keypair.Sign(hb.SignedPortion())
	e.mu.Unlock()
	if err != nil {
		e.cfg.Logger.WarnContext(ctx, "Failed to sign ICE heartbeat", "error", err)
		return
	}
	hb.Signature = sig
	if err := e.cfg.Sender.SendToAddr(ctx, packet.TypeICEServerHeartbeat, hb.Encode(), active); err != nil {
		e.cfg.Logger.WarnContext(ctx, "Failed to send ICE heartbeat", "server", active.String(), "error", err)
		return
	}
	e.mu.Lock()
	e.noReplies++
	e.mu.Unlock()
	e.emit(EventICEHeartbeat)
}

// selectCandidate resolves the server host and picks uniformly among
// candidates that have not failed. Exhausting every candidate clears the
// failed set so the next round starts over.
func (e *ICEEngine) selectCandidate(ctx context.Context) (netip.AddrPort, bool) {
	addrs, err := e.cfg.Resolve(ctx, e.cfg.ServerHost)
	if err != nil || len(addrs) == 0 {
		e.cfg.Logger.WarnContext(ctx, "Failed to resolve ICE server host", "host", e.cfg.ServerHost, "error", err)
		return netip.AddrPort{}, false
	}

	e.mu.Lock()
	var healthy []netip.AddrPort
	for _, addr := range addrs {
		candidate := netip.AddrPortFrom(addr.Unmap(), e.cfg.ServerPort)
		if !e.failed[candidate] {
			healthy = append(healthy, candidate)
		}
	}
	if len(healthy) == 0 {
		e.failed = make(map[netip.AddrPort]bool)
		e.mu.Unlock()
		return netip.AddrPort{}, false
	}
	selected := healthy[rand.IntN(len(healthy))]
	e.active = selected
	e.noReplies = 0
	e.denials = 0
	e.mu.Unlock()

	e.cfg.Logger.InfoContext(ctx, "Selected ICE server", "server", selected.String())
	e.emit(EventICESelected)
	e.publishAddress(ctx)
	return selected, true
}

// HandleHeartbeatACK resets the silence counter when the active server
// answers.
func (e *ICEEngine) HandleHeartbeatACK(ctx context.Context, msg *packet.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if msg.Sender == e.active {
		e.noReplies = 0
	}
}

// HandleHeartbeatDenied counts signature rejections; enough in a row
// regenerate the keypair and republish the public half, recovering from a
// key the metaverse no longer holds.
func (e *ICEEngine) HandleHeartbeatDenied(ctx context.Context, msg *packet.Message) {
	heartbeatFailures.WithLabelValues("ice_denied").Inc()
	e.mu.Lock()
	// A denial is still a reply; silence failover keys on the server not
	// answering at all.
	e.noReplies = 0
	e.denials++
	regen := e.denials >= defaults.ICEDenialsForKeypairRegen
	if regen {
		e.denials = 0
	}
	e.mu.Unlock()
	if !regen {
		return
	}
	e.cfg.Logger.WarnContext(ctx, "ICE server keeps denying heartbeats, regenerating keypair")
	keypair, err := NewKeypair()
	if err != nil {
		e.cfg.Logger.ErrorContext(ctx, "Failed to regenerate keypair", "error", err)
		return
	}
	e.mu.Lock()
	e.keypair = keypair
	e.mu.Unlock()
	e.emit(EventICEKeypairRegen)
	e.uploadPublicKey(ctx)
}

// ActiveServer returns the currently selected rendezvous address.
func (e *ICEEngine) ActiveServer() netip.AddrPort {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

func (e *ICEEngine) uploadPublicKey(ctx context.Context) {
	if e.cfg.Directory == nil || e.cfg.DomainID() == "" {
		return
	}
	e.mu.Lock()
	der := e.keypair.PublicDER()
	e.mu.Unlock()
	if err := e.cfg.Directory.UploadPublicKey(ctx, e.cfg.DomainID(), der); err != nil {
		e.cfg.Logger.WarnContext(ctx, "Failed to upload public key", "error", err)
	}
}

// publishAddress announces the active ICE server to the metaverse. Only
// one update is in flight; a change arriving meanwhile sets the redo bit
// and the finishing update runs once more with the latest address.
func (e *ICEEngine) publishAddress(ctx context.Context) {
	if e.cfg.Directory == nil || e.cfg.DomainID() == "" {
		return
	}
	e.mu.Lock()
	if e.publishInflight {
		e.publishRedo = true
		e.mu.Unlock()
		return
	}
	e.publishInflight = true
	e.mu.Unlock()

	go func() {
		for {
			e.mu.Lock()
			address := e.active.String()
			e.mu.Unlock()
			err := e.cfg.Directory.UpdateICEServerAddress(ctx, e.cfg.DomainID(), address, e.cfg.APIKey())
			if err != nil {
				e.cfg.Logger.WarnContext(ctx, "Failed to publish ICE server address", "error", err)
			}
			e.mu.Lock()
			if !e.publishRedo {
				e.publishInflight = false
				e.mu.Unlock()
				return
			}
			e.publishRedo = false
			e.mu.Unlock()
		}
	}()
}

func (e *ICEEngine) emit(event Event) {
	if e.cfg.Events == nil {
		return
	}
	select {
	case e.cfg.Events <- event:
	default:
	}
}
