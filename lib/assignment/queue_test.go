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
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/domaind/lib/packet"
	"github.com/gravitational/domaind/lib/utils"
)

type capturedOffer struct {
	Type    packet.Type
	Payload []byte
	To      netip.AddrPort
}

type fakeSender struct {
	sent []capturedOffer
}

func (f *fakeSender) SendToAddr(ctx context.Context, t packet.Type, payload []byte, to netip.AddrPort) error {
	f.sent = append(f.sent, capturedOffer{Type: t, Payload: payload, To: to})
	return nil
}

func newTestQueue(t *testing.T, sender Sender) *Queue {
	t.Helper()
	q, err := NewQueue(Config{
		ScriptsDir: t.TempDir(),
		Sender:     sender,
	})
	require.NoError(t, err)
	return q
}

func requestFrom(t *testing.T, q *Queue, sender *fakeSender, reqType byte, pool string, from netip.AddrPort) *packet.AssignmentOffer {
	t.Helper()
	payload := (&packet.AssignmentRequest{Type: reqType, Pool: pool}).Encode()
	before := len(sender.sent)
	q.HandleRequest(context.Background(), &packet.Message{
		Packet: packet.New(packet.TypeRequestAssignment, payload),
		Sender: from,
	})
	if len(sender.sent) == before {
		return nil
	}
	captured := sender.sent[len(sender.sent)-1]
	require.Equal(t, packet.TypeCreateAssignment, captured.Type)
	offer, err := packet.DecodeAssignmentOffer(captured.Payload)
	require.NoError(t, err)
	return offer
}

var loopback = netip.MustParseAddrPort("127.0.0.1:9000")

func TestDeployOrderMixersBeforeAgents(t *testing.T) {
	sender := &fakeSender{}
	q := newTestQueue(t, sender)

	q.Enqueue(NewStatic(TypeAgent, "", []byte("http://example.com/script.js")))
	q.Enqueue(NewStatic(TypeAudioMixer, "", nil))

	offer := requestFrom(t, q, sender, packet.AllAssignmentTypes, "", loopback)
	require.NotNil(t, offer)
	assert.Equal(t, byte(TypeAudioMixer), offer.Type)
}

func TestDeployMatchesTypeAndPool(t *testing.T) {
	sender := &fakeSender{}
	q := newTestQueue(t, sender)

	q.Enqueue(NewStatic(TypeAudioMixer, "pool-a", nil))

	// Wrong pool gets nothing.
	assert.Nil(t, requestFrom(t, q, sender, byte(TypeAudioMixer), "pool-b", loopback))
	// Wrong type gets nothing.
	assert.Nil(t, requestFrom(t, q, sender, byte(TypeAvatarMixer), "pool-a", loopback))

	offer := requestFrom(t, q, sender, byte(TypeAudioMixer), "pool-a", loopback)
	require.NotNil(t, offer)
	assert.Equal(t, "pool-a", offer.Pool)
}

func TestDeployCloneKeepsOriginalQueued(t *testing.T) {
	sender := &fakeSender{}
	q := newTestQueue(t, sender)

	original := NewStatic(TypeAudioMixer, "", nil)
	q.Enqueue(original)

	offer := requestFrom(t, q, sender, packet.AllAssignmentTypes, "", loopback)
	require.NotNil(t, offer)
	assert.NotEqual(t, original.UUID, offer.UUID)

	// The original rotates to the back of the queue, still unfulfilled.
	queued, _ := q.Snapshot()
	require.Len(t, queued, 1)
	assert.Equal(t, original.UUID.String(), queued[0].UUID)
}

func TestTakePendingBindsWorker(t *testing.T) {
	sender := &fakeSender{}
	q := newTestQueue(t, sender)

	original := NewStatic(TypeAudioMixer, "", nil)
	q.Enqueue(original)

	offer := requestFrom(t, q, sender, packet.AllAssignmentTypes, "", loopback)
	require.NotNil(t, offer)

	bound, ok := q.TakePending(offer.UUID)
	require.True(t, ok)
	assert.Equal(t, original.UUID, bound.UUID)
	assert.Equal(t, TypeAudioMixer, bound.Type)

	// Taken offers resolve only once.
	_, ok = q.TakePending(offer.UUID)
	assert.False(t, ok)

	// The bound original no longer sits in the unfulfilled queue.
	queued, fulfilled := q.Snapshot()
	assert.Empty(t, queued)
	require.Len(t, fulfilled, 1)
	assert.Equal(t, offer.UUID.String(), fulfilled[0].UUID)
}

func TestReleaseDeadRequeuesStaticUnderNewUUID(t *testing.T) {
	ctx := context.Background()
	sender := &fakeSender{}
	q := newTestQueue(t, sender)

	original := NewStatic(TypeAudioMixer, "", nil)
	q.Enqueue(original)
	oldUUID := original.UUID

	offer := requestFrom(t, q, sender, packet.AllAssignmentTypes, "", loopback)
	require.NotNil(t, offer)
	_, ok := q.TakePending(offer.UUID)
	require.True(t, ok)

	q.ReleaseDead(ctx, offer.UUID)

	queued, fulfilled := q.Snapshot()
	assert.Empty(t, fulfilled)
	require.Len(t, queued, 1)
	assert.NotEqual(t, oldUUID.String(), queued[0].UUID)
	assert.True(t, queued[0].Static)
}

func TestReleaseDeadRetiresEphemeralScript(t *testing.T) {
	ctx := context.Background()
	sender := &fakeSender{}
	q := newTestQueue(t, sender)

	ids, err := q.AddScript(ctx, []byte("print('hi')"), 1, "")
	require.NoError(t, err)
	require.Len(t, ids, 1)
	scriptPath := filepath.Join(q.cfg.ScriptsDir, ids[0].String())
	_, err = os.Stat(scriptPath)
	require.NoError(t, err)

	offer := requestFrom(t, q, sender, byte(TypeAgent), "", loopback)
	require.NotNil(t, offer)
	_, ok := q.TakePending(offer.UUID)
	require.True(t, ok)

	q.ReleaseDead(ctx, offer.UUID)

	queued, fulfilled := q.Snapshot()
	assert.Empty(t, queued)
	assert.Empty(t, fulfilled)
}

func TestReleaseDeadUnknownUUIDIsNoop(t *testing.T) {
	q := newTestQueue(t, &fakeSender{})
	q.ReleaseDead(context.Background(), uuid.New())
}

func TestSubnetFilter(t *testing.T) {
	sender := &fakeSender{}
	subnets, err := utils.ParseSubnets([]string{"192.0.2.0/24"})
	require.NoError(t, err)
	q, err := NewQueue(Config{
		ScriptsDir:     t.TempDir(),
		AllowedSubnets: func() utils.Subnets { return subnets },
		Sender:         sender,
	})
	require.NoError(t, err)

	q.Enqueue(NewStatic(TypeAudioMixer, "", nil))

	// Outside the allow list: dropped.
	assert.Nil(t, requestFrom(t, q, sender, packet.AllAssignmentTypes, "", netip.MustParseAddrPort("198.51.100.2:9000")))
	// Inside: served.
	assert.NotNil(t, requestFrom(t, q, sender, packet.AllAssignmentTypes, "", netip.MustParseAddrPort("192.0.2.2:9000")))
	// Loopback is always allowed.
	q.Enqueue(NewStatic(TypeAvatarMixer, "", nil))
	assert.NotNil(t, requestFrom(t, q, sender, packet.AllAssignmentTypes, "", loopback))
}

func TestAddScriptEnqueuesInstances(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, &fakeSender{})

	ids, err := q.AddScript(ctx, []byte("print('hi')"), 3, "scripts")
	require.NoError(t, err)
	assert.Len(t, ids, 3)

	queued, _ := q.Snapshot()
	require.Len(t, queued, 3)
	for _, view := range queued {
		assert.Equal(t, TypeAgent.String(), view.Type)
		assert.Equal(t, "scripts", view.Pool)
		assert.False(t, view.Static)
	}
}
