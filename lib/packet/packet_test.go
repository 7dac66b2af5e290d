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
	"net/netip"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeNonSourced(t *testing.T) {
	p := New(TypeDomainList, []byte("payload"))
	p.Sequence = 42

	raw, err := p.Encode(nil)
	require.NoError(t, err)

	decoded, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeDomainList, decoded.Type)
	assert.Equal(t, VersionFor(TypeDomainList), decoded.Version)
	assert.Equal(t, uint32(42), decoded.Sequence)
	assert.Equal(t, []byte("payload"), decoded.Payload)
}

func TestEncodeSourcedRequiresSecret(t *testing.T) {
	p := New(TypeNodeJsonStats, []byte("{}"))
	_, err := p.Encode(nil)
	require.Error(t, err)
}

func TestSourcedMACRoundTrip(t *testing.T) {
	secret := uuid.New()
	p := New(TypeNodeJsonStats, []byte("{}"))
	p.Sequence = 7
	p.SourceID = 3

	raw, err := p.Encode(&secret)
	require.NoError(t, err)

	decoded, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, uint16(3), decoded.SourceID)
	assert.Equal(t, []byte("{}"), decoded.Payload)
	assert.True(t, decoded.VerifyMAC(secret, raw))

	wrong := uuid.New()
	assert.False(t, decoded.VerifyMAC(wrong, raw))
}

func TestDecodeShortPacket(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3})
	require.Error(t, err)

	// A sourced type needs room for the source ID and the MAC trailer.
	raw := []byte{byte(TypeNodeJsonStats), VersionFor(TypeNodeJsonStats), 0, 0, 0, 1, 0}
	_, err = Decode(raw)
	require.Error(t, err)
}

func TestSockAddrRoundTrip(t *testing.T) {
	for _, sock := range []netip.AddrPort{
		netip.MustParseAddrPort("192.0.2.1:40102"),
		netip.MustParseAddrPort("[2001:db8::1]:40102"),
	} {
		var b Buffer
		b.WriteSockAddr(sock)
		r := NewReader(b.Bytes())
		got := r.ReadSockAddr()
		require.NoError(t, r.Err())
		assert.Equal(t, sock, got)
	}
}

func TestReaderTruncation(t *testing.T) {
	var b Buffer
	b.WriteString("hello")
	raw := b.Bytes()

	r := NewReader(raw[:len(raw)-2])
	r.ReadString()
	require.Error(t, r.Err())
}

func TestConnectRequestRoundTrip(t *testing.T) {
	req := &ConnectRequest{
		ConnectUUID:        uuid.New(),
		NodeType:           NodeTypeAgent,
		AssignmentUUID:     uuid.New(),
		MachineFingerprint: uuid.New(),
		PublicSock:         netip.MustParseAddrPort("203.0.113.9:4000"),
		LocalSock:          netip.MustParseAddrPort("10.0.0.9:4000"),
		Interest:           []NodeType{NodeTypeAudioMixer, NodeTypeAvatarMixer},
		PlaceName:          "welcome",
		Version:            "dev",
		Username:           "alice",
		UsernameToken:      []byte("token"),
		UsernameSignature:  []byte("sig"),
	}
	decoded, err := DecodeConnectRequest(req.Encode())
	require.NoError(t, err)
	assert.Equal(t, req, decoded)
}

func TestDomainListRoundTrip(t *testing.T) {
	list := &DomainList{
		DomainUUID:            uuid.New(),
		SessionUUID:           uuid.New(),
		SessionLocalID:        12,
		Permissions:           5,
		AuthenticatedUsername: "alice",
		Nodes: []NodeInfo{{
			Type:             NodeTypeAudioMixer,
			UUID:             uuid.New(),
			PublicSock:       netip.MustParseAddrPort("203.0.113.1:7000"),
			LocalSock:        netip.MustParseAddrPort("10.0.0.1:7000"),
			LocalID:          3,
			ConnectionSecret: uuid.New(),
		}},
	}
	decoded, err := DecodeDomainList(list.Encode())
	require.NoError(t, err)
	assert.Equal(t, list, decoded)
}

func TestProtocolSignatureIsStable(t *testing.T) {
	first := ProtocolSignature()
	second := ProtocolSignature()
	assert.Equal(t, first, second)
	assert.NotEmpty(t, first)
}

type fakeResolver struct {
	sources map[uint16]Source
	touched []uuid.UUID
}

func (f *fakeResolver) ResolveSource(id uint16) (Source, bool) {
	s, ok := f.sources[id]
	return s, ok
}

func (f *fakeResolver) TouchSource(id uuid.UUID) {
	f.touched = append(f.touched, id)
}

func TestMuxDispatchSourced(t *testing.T) {
	nodeUUID := uuid.New()
	secret := uuid.New()
	sender := netip.MustParseAddrPort("203.0.113.5:5000")
	resolver := &fakeResolver{sources: map[uint16]Source{
		9: {UUID: nodeUUID, Secret: secret, Addr: sender},
	}}
	mux, err := NewMux(MuxConfig{Resolver: resolver})
	require.NoError(t, err)

	var got *Message
	mux.Handle(TypeNodeJsonStats, func(ctx context.Context, msg *Message) {
		got = msg
	})

	p := New(TypeNodeJsonStats, []byte("{}"))
	p.SourceID = 9
	raw, err := p.Encode(&secret)
	require.NoError(t, err)

	mux.Dispatch(context.Background(), raw, sender)
	require.NotNil(t, got)
	assert.Equal(t, nodeUUID, got.SourceUUID)
	assert.Equal(t, []uuid.UUID{nodeUUID}, resolver.touched)
}

func TestMuxDropsBadMAC(t *testing.T) {
	sender := netip.MustParseAddrPort("203.0.113.5:5000")
	resolver := &fakeResolver{sources: map[uint16]Source{
		9: {UUID: uuid.New(), Secret: uuid.New(), Addr: sender},
	}}
	mux, err := NewMux(MuxConfig{Resolver: resolver})
	require.NoError(t, err)

	called := false
	mux.Handle(TypeNodeJsonStats, func(ctx context.Context, msg *Message) {
		called = true
	})

	wrongSecret := uuid.New()
	p := New(TypeNodeJsonStats, []byte("{}"))
	p.SourceID = 9
	raw, err := p.Encode(&wrongSecret)
	require.NoError(t, err)

	mux.Dispatch(context.Background(), raw, sender)
	assert.False(t, called)
	assert.Empty(t, resolver.touched)
}

func TestMuxDropsUnknownSource(t *testing.T) {
	resolver := &fakeResolver{sources: map[uint16]Source{}}
	mux, err := NewMux(MuxConfig{Resolver: resolver})
	require.NoError(t, err)

	called := false
	mux.Handle(TypeNodeJsonStats, func(ctx context.Context, msg *Message) {
		called = true
	})

	secret := uuid.New()
	p := New(TypeNodeJsonStats, []byte("{}"))
	p.SourceID = 9
	raw, err := p.Encode(&secret)
	require.NoError(t, err)

	mux.Dispatch(context.Background(), raw, netip.MustParseAddrPort("203.0.113.5:5000"))
	assert.False(t, called)
}

func TestMuxDropsSenderMismatch(t *testing.T) {
	recorded := netip.MustParseAddrPort("203.0.113.5:5000")
	secret := uuid.New()
	resolver := &fakeResolver{sources: map[uint16]Source{
		9: {UUID: uuid.New(), Secret: secret, Addr: recorded},
	}}
	mux, err := NewMux(MuxConfig{Resolver: resolver})
	require.NoError(t, err)

	called := false
	mux.Handle(TypeNodeJsonStats, func(ctx context.Context, msg *Message) {
		called = true
	})

	p := New(TypeNodeJsonStats, []byte("{}"))
	p.SourceID = 9
	raw, err := p.Encode(&secret)
	require.NoError(t, err)

	// A different public address is rejected outright.
	mux.Dispatch(context.Background(), raw, netip.MustParseAddrPort("198.51.100.7:5000"))
	assert.False(t, called)
}

func TestMuxAllowsPrivateAddressMove(t *testing.T) {
	recorded := netip.MustParseAddrPort("10.0.0.5:5000")
	secret := uuid.New()
	resolver := &fakeResolver{sources: map[uint16]Source{
		9: {UUID: uuid.New(), Secret: secret, Addr: recorded},
	}}
	mux, err := NewMux(MuxConfig{Resolver: resolver})
	require.NoError(t, err)

	called := false
	mux.Handle(TypeNodeJsonStats, func(ctx context.Context, msg *Message) {
		called = true
	})

	p := New(TypeNodeJsonStats, []byte("{}"))
	p.SourceID = 9
	raw, err := p.Encode(&secret)
	require.NoError(t, err)

	mux.Dispatch(context.Background(), raw, netip.MustParseAddrPort("192.168.1.20:5000"))
	assert.True(t, called)
}

func TestMuxVersionMismatch(t *testing.T) {
	resolver := &fakeResolver{}
	var mismatched []netip.AddrPort
	mux, err := NewMux(MuxConfig{
		Resolver: resolver,
		OnProtocolMismatch: func(sender netip.AddrPort) {
			mismatched = append(mismatched, sender)
		},
	})
	require.NoError(t, err)

	called := false
	mux.Handle(TypeDomainConnectRequest, func(ctx context.Context, msg *Message) {
		called = true
	})
	mux.Handle(TypeICEPing, func(ctx context.Context, msg *Message) {
		called = true
	})

	sender := netip.MustParseAddrPort("203.0.113.5:5000")

	connect := New(TypeDomainConnectRequest, nil)
	connect.Version = VersionFor(TypeDomainConnectRequest) + 1
	raw, err := connect.Encode(nil)
	require.NoError(t, err)
	mux.Dispatch(context.Background(), raw, sender)
	assert.False(t, called)
	require.Len(t, mismatched, 1)
	assert.Equal(t, sender, mismatched[0])

	// Other types at the wrong version are dropped without a callback.
	ping := New(TypeICEPing, (&ICEPing{SessionUUID: uuid.New(), PingType: PingPublic}).Encode())
	ping.Version = VersionFor(TypeICEPing) + 1
	raw, err = ping.Encode(nil)
	require.NoError(t, err)
	mux.Dispatch(context.Background(), raw, sender)
	assert.False(t, called)
	assert.Len(t, mismatched, 1)
}
