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

package heartbeat

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/domaind/lib/metaverse"
	"github.com/gravitational/domaind/lib/packet"
)

type sentAddr struct {
	Type    packet.Type
	Payload []byte
	To      netip.AddrPort
}

type fakeAddrSender struct {
	mu   sync.Mutex
	sent []sentAddr
}

func (f *fakeAddrSender) SendToAddr(ctx context.Context, t packet.Type, payload []byte, to netip.AddrPort) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentAddr{Type: t, Payload: payload, To: to})
	return nil
}

func (f *fakeAddrSender) last(t *testing.T) sentAddr {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sent)
	return f.sent[len(f.sent)-1]
}

func (f *fakeAddrSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeICEDirectory struct {
	mu        sync.Mutex
	addresses []string
	keys      [][]byte
}

func (f *fakeICEDirectory) UpdateICEServerAddress(ctx context.Context, domainID, address, apiKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addresses = append(f.addresses, address)
	return nil
}

func (f *fakeICEDirectory) UploadPublicKey(ctx context.Context, domainID string, publicKeyDER []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := make([]byte, len(publicKeyDER))
	copy(key, publicKeyDER)
	f.keys = append(f.keys, key)
	return nil
}

func (f *fakeICEDirectory) keyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.keys)
}

func newICEEngine(t *testing.T, sender AddrSender, directory ICEDirectory, addrs ...netip.Addr) *ICEEngine {
	t.Helper()
	engine, err := NewICEEngine(ICEConfig{
		DomainUUID: uuid.New(),
		ServerHost: "ice.example.com",
		ServerPort: 7337,
		DomainID:   func() string { return "domain-1" },
		PublicSock: func() netip.AddrPort { return netip.MustParseAddrPort("203.0.113.1:40102") },
		LocalSock:  func() netip.AddrPort { return netip.MustParseAddrPort("10.0.0.1:40102") },
		Directory:  directory,
		Sender:     sender,
		Resolve: func(ctx context.Context, host string) ([]netip.Addr, error) {
			return addrs, nil
		},
	})
	require.NoError(t, err)
	return engine
}

func TestICETickSendsSignedHeartbeat(t *testing.T) {
	ctx := context.Background()
	sender := &fakeAddrSender{}
	engine := newICEEngine(t, sender, nil, netip.MustParseAddr("198.51.100.1"))

	engine.tick(ctx)

	sent := sender.last(t)
	assert.Equal(t, packet.TypeICEServerHeartbeat, sent.Type)
	assert.Equal(t, netip.MustParseAddrPort("198.51.100.1:7337"), sent.To)
	assert.Equal(t, sent.To, engine.ActiveServer())

	hb, err := packet.DecodeICEHeartbeat(sent.Payload)
	require.NoError(t, err)
	assert.Equal(t, engine.cfg.DomainUUID, hb.SessionUUID)

	pub, err := x509.ParsePKIXPublicKey(engine.keypair.PublicDER())
	require.NoError(t, err)
	digest := sha256.Sum256(hb.SignedPortion())
	require.NoError(t, rsa.VerifyPKCS1v15(pub.(*rsa.PublicKey), crypto.SHA256, digest[:], hb.Signature))
}

func TestICEFailoverAfterSilence(t *testing.T) {
	ctx := context.Background()
	sender := &fakeAddrSender{}
	engine := newICEEngine(t, sender, nil,
		netip.MustParseAddr("198.51.100.1"),
		netip.MustParseAddr("198.51.100.2"),
	)

	engine.tick(ctx)
	first := engine.ActiveServer()

	// Silence through the failover threshold moves to the other
	// candidate.
	for range 3 {
		engine.tick(ctx)
	}
	second := engine.ActiveServer()
	assert.NotEqual(t, first, second)
	assert.True(t, second.IsValid())
}

func TestICEACKResetsSilence(t *testing.T) {
	ctx := context.Background()
	sender := &fakeAddrSender{}
	engine := newICEEngine(t, sender, nil,
		netip.MustParseAddr("198.51.100.1"),
		netip.MustParseAddr("198.51.100.2"),
	)

	engine.tick(ctx)
	active := engine.ActiveServer()

	for range 5 {
		engine.tick(ctx)
		engine.HandleHeartbeatACK(ctx, &packet.Message{Sender: active})
	}
	assert.Equal(t, active, engine.ActiveServer())

	// An ACK from a server that is not active does not count.
	engine.HandleHeartbeatACK(ctx, &packet.Message{Sender: netip.MustParseAddrPort("192.0.2.99:7337")})
	assert.Equal(t, active, engine.ActiveServer())
}

func TestICECandidateExhaustionClearsFailedSet(t *testing.T) {
	ctx := context.Background()
	sender := &fakeAddrSender{}
	engine := newICEEngine(t, sender, nil, netip.MustParseAddr("198.51.100.1"))

	engine.tick(ctx)
	only := engine.ActiveServer()

	// Fail the only candidate; that round finds nothing and clears the
	// failed set, the one after selects it again.
	for range 3 {
		engine.tick(ctx)
	}
	assert.False(t, engine.ActiveServer().IsValid())

	engine.tick(ctx)
	assert.Equal(t, only, engine.ActiveServer())
}

func TestICEDenialsRegenerateKeypair(t *testing.T) {
	ctx := context.Background()
	sender := &fakeAddrSender{}
	directory := &fakeICEDirectory{}
	engine := newICEEngine(t, sender, directory, netip.MustParseAddr("198.51.100.1"))

	before := engine.keypair.PublicDER()
	denied := &packet.Message{
		Packet: packet.New(packet.TypeICEServerHeartbeatDenied, nil),
		Sender: netip.MustParseAddrPort("198.51.100.1:7337"),
	}

	engine.HandleHeartbeatDenied(ctx, denied)
	engine.HandleHeartbeatDenied(ctx, denied)
	assert.Equal(t, before, engine.keypair.PublicDER())
	assert.Zero(t, directory.keyCount())

	engine.HandleHeartbeatDenied(ctx, denied)
	assert.NotEqual(t, before, engine.keypair.PublicDER())
	assert.Equal(t, 1, directory.keyCount())
}

func TestICEDenialsDoNotCountAsSilence(t *testing.T) {
	ctx := context.Background()
	sender := &fakeAddrSender{}
	engine := newICEEngine(t, sender, nil,
		netip.MustParseAddr("198.51.100.1"),
		netip.MustParseAddr("198.51.100.2"),
	)

	engine.tick(ctx)
	active := engine.ActiveServer()
	denied := &packet.Message{
		Packet: packet.New(packet.TypeICEServerHeartbeatDenied, nil),
		Sender: active,
	}

	// A server that keeps denying is still answering; silence failover
	// never triggers.
	for range 5 {
		engine.tick(ctx)
		engine.HandleHeartbeatDenied(ctx, denied)
	}
	assert.Equal(t, active, engine.ActiveServer())
}

func TestICEFailoverClearsStaleDenials(t *testing.T) {
	ctx := context.Background()
	sender := &fakeAddrSender{}
	directory := &fakeICEDirectory{}
	engine := newICEEngine(t, sender, directory,
		netip.MustParseAddr("198.51.100.1"),
		netip.MustParseAddr("198.51.100.2"),
	)

	engine.tick(ctx)
	first := engine.ActiveServer()
	denied := &packet.Message{
		Packet: packet.New(packet.TypeICEServerHeartbeatDenied, nil),
		Sender: first,
	}
	engine.HandleHeartbeatDenied(ctx, denied)
	engine.HandleHeartbeatDenied(ctx, denied)
	before := engine.keypair.PublicDER()

	// Silence the first server out; the failover selects the second.
	for range 4 {
		engine.tick(ctx)
	}
	second := engine.ActiveServer()
	require.NotEqual(t, first, second)

	// Denials from the previous server do not count against the new one.
	denied.Sender = second
	engine.HandleHeartbeatDenied(ctx, denied)
	engine.HandleHeartbeatDenied(ctx, denied)
	assert.Equal(t, before, engine.keypair.PublicDER())
	assert.Zero(t, directory.keyCount())

	engine.HandleHeartbeatDenied(ctx, denied)
	assert.NotEqual(t, before, engine.keypair.PublicDER())
}

func TestICEPublishesSelectedAddress(t *testing.T) {
	ctx := context.Background()
	sender := &fakeAddrSender{}
	directory := &fakeICEDirectory{}
	engine := newICEEngine(t, sender, directory, netip.MustParseAddr("198.51.100.1"))

	engine.tick(ctx)

	require.Eventually(t, func() bool {
		directory.mu.Lock()
		defer directory.mu.Unlock()
		return len(directory.addresses) > 0
	}, 2*time.Second, 10*time.Millisecond)

	directory.mu.Lock()
	defer directory.mu.Unlock()
	assert.Equal(t, "198.51.100.1:7337", directory.addresses[0])
}

type fakeDirectory struct {
	mu         sync.Mutex
	updateErr  error
	payloads   []map[string]any
	granted    []*metaverse.TemporaryDomain
	nextDomain *metaverse.TemporaryDomain
	updates    int
	creates    int
}

func (f *fakeDirectory) UpdateDomain(ctx context.Context, domainID string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	if f.updateErr != nil {
		return f.updateErr
	}
	f.payloads = append(f.payloads, payload.(map[string]any))
	return nil
}

func (f *fakeDirectory) CreateTemporaryDomain(ctx context.Context) (*metaverse.TemporaryDomain, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.nextDomain == nil {
		return nil, trace.ConnectionProblem(nil, "metaverse unreachable")
	}
	f.granted = append(f.granted, f.nextDomain)
	return f.nextDomain, nil
}

func (f *fakeDirectory) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updates
}

func (f *fakeDirectory) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

func TestMetaverseBeatPublishesDocument(t *testing.T) {
	ctx := context.Background()
	directory := &fakeDirectory{}
	engine, err := NewMetaverseEngine(MetaverseConfig{
		Directory:           directory,
		DomainID:            func() string { return "domain-1" },
		NetworkAddress:      func() string { return "198.51.100.4" },
		AutomaticNetworking: func() string { return "ip" },
		Restricted:          func() bool { return true },
		NumUsers:            func() int { return 7 },
	})
	require.NoError(t, err)

	engine.beat(ctx)

	require.Len(t, directory.payloads, 1)
	doc := directory.payloads[0]
	assert.Equal(t, packet.ProtocolSignature(), doc["protocol"])
	assert.Equal(t, "ip", doc["automatic_networking"])
	assert.Equal(t, true, doc["restricted"])
	assert.Equal(t, "198.51.100.4", doc["network_address"])
	assert.Equal(t, 7, doc["heartbeat"].(map[string]any)["num_users"])
	_, hasAPIKey := doc["api_key"]
	assert.False(t, hasAPIKey)
}

func TestMetaverseFullModeOmitsNetworkAddress(t *testing.T) {
	ctx := context.Background()
	directory := &fakeDirectory{}
	engine, err := NewMetaverseEngine(MetaverseConfig{
		Directory:           directory,
		DomainID:            func() string { return "domain-1" },
		APIKey:              func() string { return "temp-key" },
		NetworkAddress:      func() string { return "198.51.100.4" },
		AutomaticNetworking: func() string { return "full" },
	})
	require.NoError(t, err)

	engine.beat(ctx)

	require.Len(t, directory.payloads, 1)
	doc := directory.payloads[0]
	_, hasAddr := doc["network_address"]
	assert.False(t, hasAddr)
	assert.Equal(t, "temp-key", doc["api_key"])
}

func TestMetaverseAcquiresTemporaryNameWhenUnclaimed(t *testing.T) {
	ctx := context.Background()
	directory := &fakeDirectory{
		nextDomain: &metaverse.TemporaryDomain{ID: "temp-1", Name: "swift-otter-42", APIKey: "key"},
	}

	var persisted *metaverse.TemporaryDomain
	engine, err := NewMetaverseEngine(MetaverseConfig{
		Directory:            directory,
		AcquireTemporaryName: true,
		OnTemporaryDomain: func(ctx context.Context, domain *metaverse.TemporaryDomain) {
			persisted = domain
		},
	})
	require.NoError(t, err)

	engine.beat(ctx)

	require.NotNil(t, persisted)
	assert.Equal(t, "temp-1", persisted.ID)
	assert.Empty(t, directory.payloads)
}

func TestMetaverseReacquiresOnNotFound(t *testing.T) {
	ctx := context.Background()
	directory := &fakeDirectory{
		updateErr:  trace.NotFound("no such domain"),
		nextDomain: &metaverse.TemporaryDomain{ID: "temp-2", Name: "brave-fox-7", APIKey: "key"},
	}

	var persisted *metaverse.TemporaryDomain
	engine, err := NewMetaverseEngine(MetaverseConfig{
		Directory:            directory,
		DomainID:             func() string { return "gone-domain" },
		AcquireTemporaryName: true,
		OnTemporaryDomain: func(ctx context.Context, domain *metaverse.TemporaryDomain) {
			persisted = domain
		},
	})
	require.NoError(t, err)

	engine.beat(ctx)

	require.NotNil(t, persisted)
	assert.Equal(t, "temp-2", persisted.ID)
}

func TestMetaverseReacquiresOnAccessDenied(t *testing.T) {
	ctx := context.Background()
	directory := &fakeDirectory{
		updateErr:  trace.AccessDenied("bad api key"),
		nextDomain: &metaverse.TemporaryDomain{ID: "temp-3", Name: "calm-owl-3", APIKey: "key"},
	}

	var persisted *metaverse.TemporaryDomain
	engine, err := NewMetaverseEngine(MetaverseConfig{
		Directory:            directory,
		DomainID:             func() string { return "temp-old" },
		APIKey:               func() string { return "old-key" },
		AcquireTemporaryName: true,
		OnTemporaryDomain: func(ctx context.Context, domain *metaverse.TemporaryDomain) {
			persisted = domain
		},
	})
	require.NoError(t, err)

	engine.beat(ctx)

	require.NotNil(t, persisted)
	assert.Equal(t, "temp-3", persisted.ID)
}

func TestMetaverseTransientErrorsKeepIdentity(t *testing.T) {
	ctx := context.Background()
	directory := &fakeDirectory{
		updateErr:  trace.ConnectionProblem(nil, "metaverse down"),
		nextDomain: &metaverse.TemporaryDomain{ID: "temp-3", Name: "calm-owl-3", APIKey: "key"},
	}

	grants := 0
	engine, err := NewMetaverseEngine(MetaverseConfig{
		Directory:            directory,
		DomainID:             func() string { return "temp-old" },
		APIKey:               func() string { return "old-key" },
		AcquireTemporaryName: true,
		OnTemporaryDomain: func(ctx context.Context, domain *metaverse.TemporaryDomain) {
			grants++
		},
	})
	require.NoError(t, err)

	// An outage is retried at every tick without discarding the
	// temporary identity.
	for range 10 {
		engine.beat(ctx)
	}
	assert.Zero(t, grants)
	assert.Zero(t, directory.createCount())
	assert.Equal(t, 10, directory.updateCount())
}

func TestMetaverseAccessDeniedOnClaimedDomainRetries(t *testing.T) {
	ctx := context.Background()
	directory := &fakeDirectory{
		updateErr:  trace.AccessDenied("not your domain"),
		nextDomain: &metaverse.TemporaryDomain{ID: "temp-4", Name: "quiet-elk-9", APIKey: "key"},
	}

	// No API key means a claimed domain; its identity is never replaced.
	engine, err := NewMetaverseEngine(MetaverseConfig{
		Directory:            directory,
		DomainID:             func() string { return "claimed-domain" },
		AcquireTemporaryName: true,
	})
	require.NoError(t, err)

	for range 3 {
		engine.beat(ctx)
	}
	assert.Zero(t, directory.createCount())
	assert.Equal(t, 3, directory.updateCount())
}

func TestMetaverseGoesSilentAfterFailedAcquires(t *testing.T) {
	ctx := context.Background()
	directory := &fakeDirectory{}

	engine, err := NewMetaverseEngine(MetaverseConfig{
		Directory:            directory,
		AcquireTemporaryName: true,
	})
	require.NoError(t, err)

	for range 5 {
		engine.beat(ctx)
	}
	assert.Equal(t, 5, directory.createCount())

	// The engine gave up; further beats do nothing.
	for range 10 {
		engine.beat(ctx)
	}
	assert.Equal(t, 5, directory.createCount())
	assert.Zero(t, directory.updateCount())
}
