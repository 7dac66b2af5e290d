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

package registry

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/domaind/lib/packet"
)

type sentPacket struct {
	Type    packet.Type
	Payload []byte
	To      uuid.UUID
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentPacket
}

func (f *fakeSender) SendTo(ctx context.Context, t packet.Type, payload []byte, node *Node) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentPacket{Type: t, Payload: payload, To: node.UUID})
	return nil
}

func (f *fakeSender) take() []sentPacket {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.sent
	f.sent = nil
	return out
}

func newTestRegistry(t *testing.T, clock clockwork.Clock, sender Sender) *Registry {
	t.Helper()
	reg, err := New(Config{
		DomainUUID: uuid.New(),
		Sender:     sender,
		Clock:      clock,
	})
	require.NoError(t, err)
	return reg
}

func agentParams(interest ...packet.NodeType) AddParams {
	return AddParams{
		UUID:       uuid.New(),
		Type:       packet.NodeTypeAgent,
		PublicSock: netip.MustParseAddrPort("203.0.113.1:4000"),
		LocalSock:  netip.MustParseAddrPort("10.0.0.1:4000"),
		SenderSock: netip.MustParseAddrPort("203.0.113.1:4000"),
		Interest:   interest,
	}
}

func TestAddAssignsLocalIDs(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t, clockwork.NewFakeClock(), nil)

	first, err := reg.Add(ctx, agentParams())
	require.NoError(t, err)
	second, err := reg.Add(ctx, agentParams())
	require.NoError(t, err)

	assert.NotEqual(t, ControllerLocalID, first.LocalID)
	assert.NotEqual(t, ControllerLocalID, second.LocalID)
	assert.NotEqual(t, first.LocalID, second.LocalID)

	got, ok := reg.GetByLocalID(first.LocalID)
	require.True(t, ok)
	assert.Equal(t, first.UUID, got.UUID)
}

func TestAddRejectsDuplicateUUID(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t, clockwork.NewFakeClock(), nil)

	params := agentParams()
	_, err := reg.Add(ctx, params)
	require.NoError(t, err)
	_, err = reg.Add(ctx, params)
	require.Error(t, err)
	assert.True(t, trace.IsAlreadyExists(err))
}

func TestLocalIDReuseIsLIFO(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t, clockwork.NewFakeClock(), nil)

	first, err := reg.Add(ctx, agentParams())
	require.NoError(t, err)
	_, err = reg.Add(ctx, agentParams())
	require.NoError(t, err)

	require.NoError(t, reg.Remove(ctx, first.UUID))

	third, err := reg.Add(ctx, agentParams())
	require.NoError(t, err)
	assert.Equal(t, first.LocalID, third.LocalID)
}

func TestConnectionSecretIsSymmetricAndStable(t *testing.T) {
	reg := newTestRegistry(t, clockwork.NewFakeClock(), nil)

	a, b := uuid.New(), uuid.New()
	secret := reg.ConnectionSecret(a, b)
	assert.Equal(t, secret, reg.ConnectionSecret(b, a))
	assert.Equal(t, secret, reg.ConnectionSecret(a, b))
	assert.NotEqual(t, secret, reg.ConnectionSecret(a, uuid.New()))
}

func TestRemoveScrubsSecrets(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t, clockwork.NewFakeClock(), nil)

	node, err := reg.Add(ctx, agentParams())
	require.NoError(t, err)
	peer, err := reg.Add(ctx, agentParams())
	require.NoError(t, err)

	before := reg.ConnectionSecret(node.UUID, peer.UUID)
	require.NoError(t, reg.Remove(ctx, node.UUID))

	// A fresh secret is generated if the pair ever comes back.
	after := reg.ConnectionSecret(node.UUID, peer.UUID)
	assert.NotEqual(t, before, after)
}

func TestFanOutFollowsInterest(t *testing.T) {
	ctx := context.Background()
	sender := &fakeSender{}
	reg := newTestRegistry(t, clockwork.NewFakeClock(), sender)

	interested, err := reg.Add(ctx, agentParams(packet.NodeTypeAudioMixer))
	require.NoError(t, err)
	_, err = reg.Add(ctx, agentParams())
	require.NoError(t, err)
	sender.take()

	mixer, err := reg.Add(ctx, AddParams{
		UUID:       uuid.New(),
		Type:       packet.NodeTypeAudioMixer,
		PublicSock: netip.MustParseAddrPort("203.0.113.9:7000"),
		SenderSock: netip.MustParseAddrPort("203.0.113.9:7000"),
	})
	require.NoError(t, err)

	added := sender.take()
	require.Len(t, added, 1)
	assert.Equal(t, packet.TypeDomainServerAddedNode, added[0].Type)
	assert.Equal(t, interested.UUID, added[0].To)

	info, err := packet.DecodeAddedNode(added[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, mixer.UUID, info.UUID)
	assert.Equal(t, reg.ConnectionSecret(interested.UUID, mixer.UUID), info.ConnectionSecret)

	require.NoError(t, reg.Remove(ctx, mixer.UUID))
	removed := sender.take()
	require.Len(t, removed, 1)
	assert.Equal(t, packet.TypeDomainServerRemovedNode, removed[0].Type)
	assert.Equal(t, interested.UUID, removed[0].To)

	id, err := packet.DecodeRemovedNode(removed[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, mixer.UUID, id)
}

func TestListForUsesInterestAndSecrets(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t, clockwork.NewFakeClock(), nil)

	viewer, err := reg.Add(ctx, agentParams(packet.NodeTypeAudioMixer))
	require.NoError(t, err)
	mixer, err := reg.Add(ctx, AddParams{
		UUID:       uuid.New(),
		Type:       packet.NodeTypeAudioMixer,
		PublicSock: netip.MustParseAddrPort("203.0.113.9:7000"),
	})
	require.NoError(t, err)
	_, err = reg.Add(ctx, agentParams())
	require.NoError(t, err)

	infos := reg.ListFor(viewer.UUID)
	require.Len(t, infos, 1)
	assert.Equal(t, mixer.UUID, infos[0].UUID)
	assert.Equal(t, reg.ConnectionSecret(viewer.UUID, mixer.UUID), infos[0].ConnectionSecret)

	assert.Nil(t, reg.ListFor(uuid.New()))
}

func TestResolveSource(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t, clockwork.NewFakeClock(), nil)

	node, err := reg.Add(ctx, agentParams())
	require.NoError(t, err)

	source, ok := reg.ResolveSource(node.LocalID)
	require.True(t, ok)
	assert.Equal(t, node.UUID, source.UUID)
	assert.Equal(t, node.ControllerSecret, source.Secret)
	assert.Equal(t, node.SenderSock, source.Addr)

	_, ok = reg.ResolveSource(node.LocalID + 1)
	assert.False(t, ok)
}

func TestReaperEvictsSilentNodes(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	reg := newTestRegistry(t, clock, nil)

	var killed []uuid.UUID
	reg.OnNodeKilled(func(ctx context.Context, n *Node) {
		killed = append(killed, n.UUID)
	})

	silent, err := reg.Add(ctx, agentParams())
	require.NoError(t, err)
	live, err := reg.Add(ctx, agentParams())
	require.NoError(t, err)
	replication, err := reg.Add(ctx, AddParams{
		UUID:       uuid.New(),
		Type:       packet.NodeTypeUpstreamAudio,
		PublicSock: netip.MustParseAddrPort("203.0.113.7:7000"),
	})
	require.NoError(t, err)

	clock.Advance(time.Minute)
	reg.Touch(live.UUID, clock.Now())
	reg.reapSilentNodes(ctx)

	_, ok := reg.GetByUUID(silent.UUID)
	assert.False(t, ok)
	_, ok = reg.GetByUUID(live.UUID)
	assert.True(t, ok)
	_, ok = reg.GetByUUID(replication.UUID)
	assert.True(t, ok, "replication nodes are never reaped")

	assert.Equal(t, []uuid.UUID{silent.UUID}, killed)
}

func TestCountAgents(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t, clockwork.NewFakeClock(), nil)

	_, err := reg.Add(ctx, agentParams())
	require.NoError(t, err)
	_, err = reg.Add(ctx, agentParams())
	require.NoError(t, err)
	_, err = reg.Add(ctx, AddParams{
		UUID:       uuid.New(),
		Type:       packet.NodeTypeAudioMixer,
		PublicSock: netip.MustParseAddrPort("203.0.113.9:7000"),
	})
	require.NoError(t, err)

	assert.Equal(t, 2, reg.CountAgents())
}
