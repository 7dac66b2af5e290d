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

package service

import (
	"context"
	"net"
	"net/netip"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/gravitational/domaind/lib/packet"
	"github.com/gravitational/domaind/lib/registry"
)

// udpSender writes control plane packets on the domain socket. It backs
// every component's Sender interface: raw addresses for peers not yet in
// the registry, node records for admitted peers. Sourced packets carry
// the controller's local ID and the per-node session secret.
type udpSender struct {
	conn *net.UDPConn
	seq  atomic.Uint32
}

func newUDPSender(conn *net.UDPConn) *udpSender {
	return &udpSender{conn: conn}
}

// SendToAddr delivers a non-sourced packet to a raw address.
func (s *udpSender) SendToAddr(ctx context.Context, t packet.Type, payload []byte, to netip.AddrPort) error {
	p := packet.New(t, payload)
	p.Sequence = s.seq.Add(1)
	raw, err := p.Encode(nil)
	if err != nil {
		return trace.Wrap(err)
	}
	if _, err := s.conn.WriteToUDPAddrPort(raw, to); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}

// SendTo delivers a packet to an admitted node at its recorded sender
// address.
func (s *udpSender) SendTo(ctx context.Context, t packet.Type, payload []byte, node *registry.Node) error {
	p := packet.New(t, payload)
	p.Sequence = s.seq.Add(1)
	p.SourceID = registry.ControllerLocalID
	var secret *uuid.UUID
	if t.Sourced() {
		controllerSecret := node.ControllerSecret
		secret = &controllerSecret
	}
	raw, err := p.Encode(secret)
	if err != nil {
		return trace.Wrap(err)
	}
	to := node.SenderSock
	if !to.IsValid() {
		to = node.PublicSock
	}
	if _, err := s.conn.WriteToUDPAddrPort(raw, to); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}
