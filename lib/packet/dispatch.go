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

package packet

import (
	"context"
	"log/slog"
	"net/netip"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/domaind"
	"github.com/gravitational/domaind/lib/utils"
)

var (
	packetsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "domaind_packets_received_total",
			Help: "Inbound control plane packets by type.",
		},
		[]string{"type"},
	)
	packetsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "domaind_packets_dropped_total",
			Help: "Inbound packets dropped before dispatch, by reason.",
		},
		[]string{"reason"},
	)
)

// Source is the resolved identity of a sourced packet's sender.
type Source struct {
	// UUID is the sender's stable node ID.
	UUID uuid.UUID

	// Secret is the session secret shared between the sender and the
	// controller.
	Secret uuid.UUID

	// Addr is the sender address recorded at admission.
	Addr netip.AddrPort
}

// SourceResolver resolves local IDs against the live membership table.
type SourceResolver interface {
	// ResolveSource returns the source record for a local ID, or false if
	// no live node holds it.
	ResolveSource(id uint16) (Source, bool)

	// TouchSource records traffic from the node so the silence reaper
	// leaves it alone.
	TouchSource(id uuid.UUID)
}

// Message is a verified inbound packet handed to a component handler.
type Message struct {
	// Packet is the decoded datagram.
	Packet *Packet

	// Sender is the address the datagram arrived from.
	Sender netip.AddrPort

	// SourceUUID is the verified sender node for sourced types, uuid.Nil
	// otherwise.
	SourceUUID uuid.UUID
}

// HandlerFunc processes one verified packet.
type HandlerFunc func(ctx context.Context, msg *Message)

// MuxConfig configures the dispatch mux.
type MuxConfig struct {
	// Resolver resolves sourced packets to live nodes.
	Resolver SourceResolver

	// OnProtocolMismatch is invoked when a connect request arrives at the
	// wrong protocol version, so the gatekeeper can answer with a single
	// denial before the packet is dropped.
	OnProtocolMismatch func(sender netip.AddrPort)

	// Logger is the dispatch logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config.
func (c *MuxConfig) CheckAndSetDefaults() error {
	if c.Resolver == nil {
		return trace.BadParameter("missing Resolver")
	}
	if c.OnProtocolMismatch == nil {
		c.OnProtocolMismatch = func(netip.AddrPort) {}
	}
	if c.Logger == nil {
		c.Logger = slog.With(domaind.ComponentKey, domaind.ComponentDispatch)
	}
	return nil
}

// Mux routes verified inbound packets to the handler registered for their
// type. Registration happens once at startup; dispatch is then read only
// and safe for concurrent use.
type Mux struct {
	cfg      MuxConfig
	handlers map[Type]HandlerFunc
}

// NewMux creates a dispatch mux.
func NewMux(cfg MuxConfig) (*Mux, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(packetsReceived, packetsDropped); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Mux{
		cfg:      cfg,
		handlers: make(map[Type]HandlerFunc),
	}, nil
}

// Handle registers the handler for a packet type. Not safe to call after
// dispatch has started.
func (m *Mux) Handle(t Type, h HandlerFunc) {
	m.handlers[t] = h
}

// Dispatch classifies and verifies one raw datagram, then runs the
// registered handler. Packets failing verification are dropped silently,
// with one exception: a connect request at the wrong protocol version is
// answered with a denial first.
func (m *Mux) Dispatch(ctx context.Context, raw []byte, sender netip.AddrPort) {
	p, err := Decode(raw)
	if err != nil {
		packetsDropped.WithLabelValues("malformed").Inc()
		return
	}
	packetsReceived.WithLabelValues(p.Type.String()).Inc()

	if p.Version != VersionFor(p.Type) {
		if p.Type == TypeDomainConnectRequest {
			m.cfg.OnProtocolMismatch(sender)
		}
		packetsDropped.WithLabelValues("version_mismatch").Inc()
		return
	}

	handler, ok := m.handlers[p.Type]
	if !ok {
		packetsDropped.WithLabelValues("unhandled").Inc()
		return
	}

	msg := &Message{Packet: p, Sender: sender}
	if p.Type.Sourced() {
		source, ok := m.cfg.Resolver.ResolveSource(p.SourceID)
		if !ok {
			packetsDropped.WithLabelValues("unknown_source").Inc()
			return
		}
		if !senderMatches(source.Addr, sender) {
			packetsDropped.WithLabelValues("sender_mismatch").Inc()
			return
		}
		if !p.VerifyMAC(source.Secret, raw) {
			packetsDropped.WithLabelValues("bad_mac").Inc()
			return
		}
		m.cfg.Resolver.TouchSource(source.UUID)
		msg.SourceUUID = source.UUID
	}
	handler(ctx, msg)
}

// senderMatches applies the source address check: exact match, or both
// addresses private so a node may reconnect from another local interface.
func senderMatches(recorded, current netip.AddrPort) bool {
	if recorded == current {
		return true
	}
	return utils.IsPrivateAddress(recorded.Addr()) && utils.IsPrivateAddress(current.Addr())
}
