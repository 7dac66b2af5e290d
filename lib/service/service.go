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

// Package service assembles the domain controller: it builds every
// component from configuration, wires the packet dispatch table, starts
// the ingest loop, the schedulers and the HTTP surface, and supervises
// them until shutdown or restart.
package service

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/domaind"
	"github.com/gravitational/domaind/lib/assignment"
	"github.com/gravitational/domaind/lib/backup"
	"github.com/gravitational/domaind/lib/defaults"
	"github.com/gravitational/domaind/lib/gatekeeper"
	"github.com/gravitational/domaind/lib/heartbeat"
	"github.com/gravitational/domaind/lib/metaverse"
	"github.com/gravitational/domaind/lib/packet"
	"github.com/gravitational/domaind/lib/registry"
	"github.com/gravitational/domaind/lib/settings"
	"github.com/gravitational/domaind/lib/utils"
	"github.com/gravitational/domaind/lib/web"
)

// ExitError carries a process exit code for configuration failures the
// supervisor distinguishes by code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements error.
func (e *ExitError) Error() string { return e.Message }

// Config configures the controller process.
type Config struct {
	// DataDir holds the settings documents, the entities file, backups
	// and uploaded scripts.
	DataDir string

	// ListenAddr is the UDP control plane bind address.
	ListenAddr string

	// HTTPAddr is the admin HTTP bind address.
	HTTPAddr string

	// HTTPSAddr is the admin HTTPS bind address, active only with a
	// certificate pair.
	HTTPSAddr string

	// CertFile and KeyFile are the HTTPS certificate pair.
	CertFile string
	KeyFile  string

	// DomainID overrides the metaverse domain ID from the command line.
	DomainID string

	// ICEServer overrides the ICE rendezvous host[:port].
	ICEServer string

	// GetTemporaryName asks the metaverse for a fresh temporary domain
	// name at startup.
	GetTemporaryName bool

	// ParentPID exits the process when the given parent dies.
	ParentPID int

	// AccessToken, ClientSecret and KeyPassphrase come from the
	// environment.
	AccessToken   string
	ClientSecret  string
	KeyPassphrase string

	// Clock is the time source.
	Clock clockwork.Clock

	// Logger is the process logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config.
func (c *Config) CheckAndSetDefaults() error {
	if c.DataDir == "" {
		return trace.BadParameter("missing DataDir")
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":" + strconv.Itoa(defaults.DomainServerPort)
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":" + strconv.Itoa(defaults.HTTPPort)
	}
	if c.HTTPSAddr == "" && c.CertFile != "" {
		c.HTTPSAddr = ":" + strconv.Itoa(defaults.HTTPSPort)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(domaind.ComponentKey, domaind.ComponentProcess)
	}
	return nil
}

// Process is the assembled controller.
type Process struct {
	cfg    Config
	logger *slog.Logger

	settings        *settings.Store
	contentSettings *settings.Store

	domainUUID uuid.UUID

	conn   *net.UDPConn
	sender *udpSender
	mux    *packet.Mux

	registry   *registry.Registry
	queue      *assignment.Queue
	gatekeeper *gatekeeper.Gatekeeper
	metaverse  *metaverse.Client
	entities   *backup.Entities
	backups    *backup.Engine
	ice        *heartbeat.ICEEngine
	presence   *heartbeat.MetaverseEngine
	web        *web.Handler

	tlsCert *tls.Certificate

	restartC chan struct{}
}

// New builds the controller from configuration. Configuration failures
// that map to documented exit codes return *ExitError.
func New(ctx context.Context, cfg Config) (*Process, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	p := &Process{
		cfg:      cfg,
		logger:   cfg.Logger,
		restartC: make(chan struct{}, 1),
	}

	for _, dir := range []string{cfg.DataDir, p.entitiesDir(), p.backupsDir(), p.scriptsDir()} {
		if err := utils.EnsureDir(dir); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	if err := p.buildSettings(ctx); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := p.validateAuthConfig(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := p.buildComponents(ctx); err != nil {
		return nil, trace.Wrap(err)
	}
	p.registerHandlers()
	p.settings.Subscribe(p.syncStaticAssignments)
	p.syncStaticAssignments(ctx)
	return p, nil
}

func (p *Process) entitiesDir() string { return filepath.Join(p.cfg.DataDir, "entities") }
func (p *Process) backupsDir() string  { return filepath.Join(p.cfg.DataDir, "backups") }
func (p *Process) scriptsDir() string  { return filepath.Join(p.cfg.DataDir, "scripts") }

func (p *Process) buildSettings(ctx context.Context) error {
	overrides := make(map[string]any)
	if p.cfg.AccessToken != "" {
		overrides["metaverse.access_token"] = p.cfg.AccessToken
	}
	if p.cfg.DomainID != "" {
		overrides["metaverse.id"] = p.cfg.DomainID
	}
	store, err := settings.New(settings.Config{
		Path:      filepath.Join(p.cfg.DataDir, "settings.json"),
		Defaults:  defaultSettings(),
		Overrides: overrides,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	p.settings = store

	content, err := settings.New(settings.Config{
		Path: filepath.Join(p.cfg.DataDir, "content-settings.json"),
	})
	if err != nil {
		return trace.Wrap(err)
	}
	p.contentSettings = content

	// The domain UUID survives restarts; generate once.
	if raw := store.GetString("domain.uuid", ""); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return trace.BadParameter("persisted domain UUID %q does not parse: %v", raw, err)
		}
		p.domainUUID = id
		return nil
	}
	p.domainUUID = uuid.New()
	return trace.Wrap(store.Set(ctx, "domain.uuid", p.domainUUID.String()))
}

// validateAuthConfig enforces the documented startup failures: a partial
// TLS pair, OAuth admin lists without a provider, and an OAuth provider
// without client credentials.
func (p *Process) validateAuthConfig() error {
	if (p.cfg.CertFile == "") != (p.cfg.KeyFile == "") {
		return &ExitError{
			Code:    defaults.ExitCodeMissingCert,
			Message: "both a certificate and a key are required for HTTPS",
		}
	}
	if p.cfg.CertFile != "" {
		cert, err := utils.LoadTLSCertificate(p.cfg.CertFile, p.cfg.KeyFile, p.cfg.KeyPassphrase)
		if err != nil {
			return &ExitError{
				Code:    defaults.ExitCodeMissingCert,
				Message: "failed to load the HTTPS certificate pair: " + err.Error(),
			}
		}
		p.tlsCert = &cert
	}
	provider := p.settings.GetString("oauth.provider", "")
	adminConfigured := len(p.settings.GetStringSlice("oauth.admin_users")) > 0 ||
		len(p.settings.GetStringSlice("oauth.admin_roles")) > 0
	if provider == "" && adminConfigured {
		return &ExitError{
			Code:    defaults.ExitCodeMissingOAuthProvider,
			Message: "admin users or roles are configured but no OAuth provider URL is set",
		}
	}
	if provider != "" && adminConfigured {
		if p.settings.GetString("oauth.client_id", "") == "" || p.cfg.ClientSecret == "" {
			return &ExitError{
				Code:    defaults.ExitCodeMissingOAuthConfig,
				Message: "OAuth is enabled but the client ID or client secret is missing",
			}
		}
	}
	return nil
}

func (p *Process) buildComponents(ctx context.Context) error {
	listenAddr, err := net.ResolveUDPAddr("udp", p.cfg.ListenAddr)
	if err != nil {
		return trace.BadParameter("invalid listen address %q: %v", p.cfg.ListenAddr, err)
	}
	conn, err := net.ListenUDP("udp", listenAddr)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	p.conn = conn
	p.sender = newUDPSender(conn)

	p.registry, err = registry.New(registry.Config{
		DomainUUID: p.domainUUID,
		Sender:     p.sender,
		SilenceTimeout: func() time.Duration {
			return p.settings.GetSeconds(defaults.NodeSilenceSecsKeyPath, defaults.NodeSilenceTimeout)
		},
		Clock: p.cfg.Clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	p.queue, err = assignment.NewQueue(assignment.Config{
		ScriptsDir: p.scriptsDir(),
		AllowedSubnets: func() utils.Subnets {
			subnets, err := utils.ParseSubnets(p.settings.GetStringSlice("security.assignment_subnets"))
			if err != nil {
				return nil
			}
			return subnets
		},
		Sender: p.sender,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	p.registry.OnNodeKilled(func(ctx context.Context, node *registry.Node) {
		if node.AssignmentUUID != uuid.Nil {
			p.queue.ReleaseDead(ctx, node.AssignmentUUID)
		}
	})

	p.metaverse, err = metaverse.NewClient(metaverse.Config{
		URL:         p.settings.GetString("metaverse.url", defaults.MetaverseURL),
		AccessToken: p.settings.GetString("metaverse.access_token", ""),
	})
	if err != nil {
		return trace.Wrap(err)
	}

	p.gatekeeper, err = gatekeeper.New(gatekeeper.Config{
		DomainUUID:  p.domainUUID,
		Registry:    p.registry,
		Assignments: p.queue,
		Identity:    p.metaverse,
		Settings:    p.settings,
		Sender:      p.sender,
		Clock:       p.cfg.Clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	p.entities = backup.NewEntities(
		filepath.Join(p.entitiesDir(), backup.EntitiesFileName),
		slog.With(domaind.ComponentKey, domaind.ComponentBackup),
	)
	if err := p.entities.SwapPending(ctx); err != nil {
		p.logger.WarnContext(ctx, "Startup scene swap failed", "error", err)
	}

	p.backups, err = backup.NewEngine(backup.Config{
		Dir: p.backupsDir(),
		Handlers: []backup.Handler{
			&backup.EntitiesHandler{Entities: p.entities},
			&backup.ContentSettingsHandler{Store: p.contentSettings},
		},
		Rules: func() []backup.Rule { return backup.RulesFromStore(p.contentSettings) },
		Clock: p.cfg.Clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	if err := p.buildHeartbeats(); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(p.buildWeb())
}

func (p *Process) buildHeartbeats() error {
	domainID := func() string { return p.settings.GetString("metaverse.id", "") }
	apiKey := func() string { return p.settings.GetString("metaverse.api_key", "") }

	iceHost, icePort := p.iceServerAddr()
	if iceHost != "" {
		engine, err := heartbeat.NewICEEngine(heartbeat.ICEConfig{
			DomainUUID: p.domainUUID,
			ServerHost: iceHost,
			ServerPort: icePort,
			DomainID:   domainID,
			APIKey:     apiKey,
			PublicSock: p.publicSock,
			LocalSock:  p.localSock,
			Directory:  p.metaverse,
			Sender:     p.sender,
			Clock:      p.cfg.Clock,
		})
		if err != nil {
			return trace.Wrap(err)
		}
		p.ice = engine
	}

	if domainID() != "" || p.cfg.GetTemporaryName || p.cfg.AccessToken != "" {
		engine, err := heartbeat.NewMetaverseEngine(heartbeat.MetaverseConfig{
			Directory: p.metaverse,
			DomainID:  domainID,
			APIKey:    apiKey,
			NetworkAddress: func() string {
				return p.settings.GetString("network.static_address", "")
			},
			AutomaticNetworking: func() string {
				return p.settings.GetString("metaverse.automatic_networking", "disabled")
			},
			Restricted: func() bool {
				return p.settings.GetBool("security.restricted_access", false)
			},
			NumUsers:             p.registry.CountAgents,
			AcquireTemporaryName: p.cfg.GetTemporaryName,
			OnTemporaryDomain:    p.persistTemporaryDomain,
			Clock:                p.cfg.Clock,
		})
		if err != nil {
			return trace.Wrap(err)
		}
		p.presence = engine
	}
	return nil
}

// iceServerAddr resolves the rendezvous host and port: the command line
// override wins, then the settings knob when automatic networking is
// full.
func (p *Process) iceServerAddr() (string, uint16) {
	raw := p.cfg.ICEServer
	if raw == "" {
		if p.settings.GetString("metaverse.automatic_networking", "disabled") != "full" {
			return "", 0
		}
		raw = p.settings.GetString("metaverse.ice_server", "")
	}
	if raw == "" {
		return "", 0
	}
	host, portRaw, err := net.SplitHostPort(raw)
	if err != nil {
		return raw, defaults.ICEServerPort
	}
	port, err := strconv.ParseUint(portRaw, 10, 16)
	if err != nil {
		return host, defaults.ICEServerPort
	}
	return host, uint16(port)
}

func (p *Process) persistTemporaryDomain(ctx context.Context, domain *metaverse.TemporaryDomain) {
	err := p.settings.Merge(ctx, map[string]any{
		"metaverse": map[string]any{
			"id":      domain.ID,
			"name":    domain.Name,
			"api_key": domain.APIKey,
		},
	})
	if err != nil {
		p.logger.WarnContext(ctx, "Failed to persist temporary domain identity", "error", err)
	}
}

func (p *Process) buildWeb() error {
	auth, err := web.NewAuth(web.AuthConfig{
		Settings:     p.settings,
		ClientSecret: p.cfg.ClientSecret,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	p.web, err = web.NewHandler(web.Config{
		DomainUUID:   p.domainUUID,
		Registry:     p.registry,
		Queue:        p.queue,
		Backups:      p.backups,
		Entities:     p.entities,
		Settings:     p.settings,
		Auth:         auth,
		MetaverseURL: p.settings.GetString("metaverse.url", defaults.MetaverseURL),
		AccessToken:  p.settings.GetString("metaverse.access_token", ""),
		OnRestart: func() {
			select {
			case p.restartC <- struct{}{}:
			default:
			}
		},
	})
	return trace.Wrap(err)
}

func (p *Process) registerHandlers() {
	mux, err := packet.NewMux(packet.MuxConfig{
		Resolver:           p.registry,
		OnProtocolMismatch: p.gatekeeper.DenyProtocolMismatch,
	})
	if err != nil {
		// NewMux only fails on a nil resolver.
		panic(err)
	}
	p.mux = mux

	mux.Handle(packet.TypeDomainConnectRequest, p.gatekeeper.HandleConnectRequest)
	mux.Handle(packet.TypeDomainListRequest, p.gatekeeper.HandleListRequest)
	mux.Handle(packet.TypeDomainDisconnectRequest, p.gatekeeper.HandleDisconnectRequest)
	mux.Handle(packet.TypeICEPing, p.gatekeeper.HandleICEPing)
	mux.Handle(packet.TypeICEPingReply, p.gatekeeper.HandleICEPingReply)
	mux.Handle(packet.TypeNodeJsonStats, p.gatekeeper.HandleNodeStats)
	mux.Handle(packet.TypeNodeKickRequest, p.gatekeeper.HandleKickRequest)
	mux.Handle(packet.TypeUsernameFromIDRequest, p.gatekeeper.HandleUsernameFromIDRequest)
	mux.Handle(packet.TypeDomainServerPathQuery, p.gatekeeper.HandlePathQuery)
	mux.Handle(packet.TypeRequestAssignment, p.queue.HandleRequest)
	mux.Handle(packet.TypeDomainSettingsRequest, p.handleSettingsRequest)
	mux.Handle(packet.TypeOctreeDataFileRequest, p.entities.HandleDataFileRequest(p.sender, p.registry))
	mux.Handle(packet.TypeOctreeDataPersist, p.entities.HandleDataPersist())
	mux.Handle(packet.TypeOctreeFileReplacement, p.entities.HandleFileReplacement(p.registry))
	mux.Handle(packet.TypeDomainContentReplacementFromUrl, p.entities.HandleReplacementFromURL(p.registry, nil))
	if p.ice != nil {
		mux.Handle(packet.TypeICEServerHeartbeatACK, p.ice.HandleHeartbeatACK)
		mux.Handle(packet.TypeICEServerHeartbeatDenied, p.ice.HandleHeartbeatDenied)
	}
}

// nodeSettingsGroups maps node types to the settings subtrees they
// receive on a DomainSettingsRequest.
var nodeSettingsGroups = map[packet.NodeType][]string{
	packet.NodeTypeAudioMixer:         {"audio_env", "audio_buffer", "audio_threading"},
	packet.NodeTypeAvatarMixer:        {"avatars"},
	packet.NodeTypeEntityServer:       {"entity_server_settings"},
	packet.NodeTypeEntityScriptServer: {"entity_script_server"},
	packet.NodeTypeMessagesMixer:      {"messages_mixer"},
	packet.NodeTypeAssetServer:        {"asset_server"},
	packet.NodeTypeAgent:              {"agent"},
}

// handleSettingsRequest answers an admitted node with the settings
// subtrees relevant to its type, merged from the domain and content
// documents.
func (p *Process) handleSettingsRequest(ctx context.Context, msg *packet.Message) {
	node, ok := p.registry.GetByUUID(msg.SourceUUID)
	if !ok {
		return
	}
	merged := p.settings.Snapshot()
	for key, value := range p.contentSettings.Snapshot() {
		merged[key] = value
	}
	doc := make(map[string]any)
	for _, group := range nodeSettingsGroups[node.Type] {
		if v, ok := merged[group]; ok {
			doc[group] = v
		}
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return
	}
	if err := p.sender.SendTo(ctx, packet.TypeDomainSettings, payload, node); err != nil {
		p.logger.WarnContext(ctx, "Failed to send settings reply", "to", node.UUID, "error", err)
	}
}

func (p *Process) publicSock() netip.AddrPort {
	port := uint16(defaults.DomainServerPort)
	if local, ok := p.conn.LocalAddr().(*net.UDPAddr); ok {
		port = uint16(local.Port)
	}
	if raw := p.settings.GetString("network.static_address", ""); raw != "" {
		if addr, err := netip.ParseAddr(raw); err == nil {
			return netip.AddrPortFrom(addr, port)
		}
	}
	return p.localSock()
}

func (p *Process) localSock() netip.AddrPort {
	if local, ok := p.conn.LocalAddr().(*net.UDPAddr); ok {
		if sock, err := utils.AddrPortFromUDP(local); err == nil {
			return sock
		}
	}
	return netip.AddrPort{}
}

// Run starts everything and blocks until shutdown. The returned exit
// code distinguishes a requested restart from a normal stop.
func (p *Process) Run(ctx context.Context) (int, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigC)

	errC := make(chan error, 4)
	var wg sync.WaitGroup
	start := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	start(func() { p.ingest(ctx) })
	start(func() { p.registry.RunReaper(ctx) })
	start(func() { p.backups.Run(ctx) })
	if p.ice != nil {
		start(func() { p.ice.Run(ctx) })
	}
	if p.presence != nil {
		start(func() { p.presence.Run(ctx) })
	}
	if p.cfg.ParentPID > 0 {
		start(func() { p.watchParent(ctx) })
	}

	httpServer := &http.Server{Addr: p.cfg.HTTPAddr, Handler: p.web}
	start(func() {
		p.logger.InfoContext(ctx, "Admin HTTP listening", "addr", p.cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errC <- trace.Wrap(err)
		}
	})
	var httpsServer *http.Server
	if p.tlsCert != nil {
		httpsServer = &http.Server{
			Addr:      p.cfg.HTTPSAddr,
			Handler:   p.web,
			TLSConfig: &tls.Config{Certificates: []tls.Certificate{*p.tlsCert}},
		}
		start(func() {
			p.logger.InfoContext(ctx, "Admin HTTPS listening", "addr", p.cfg.HTTPSAddr)
			if err := httpsServer.ListenAndServeTLS("", ""); !errors.Is(err, http.ErrServerClosed) {
				errC <- trace.Wrap(err)
			}
		})
	}

	p.logger.InfoContext(ctx, "Domain controller running",
		"domain_uuid", p.domainUUID,
		"listen", p.cfg.ListenAddr,
		"version", domaind.Version,
	)

	exitCode := 0
	var runErr error
	select {
	case <-ctx.Done():
	case sig := <-sigC:
		p.logger.InfoContext(ctx, "Received signal, shutting down", "signal", sig.String())
	case <-p.restartC:
		p.logger.InfoContext(ctx, "Restarting on admin request")
		exitCode = defaults.ExitCodeRestart
	case runErr = <-errC:
		exitCode = 1
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
	if httpsServer != nil {
		httpsServer.Shutdown(shutdownCtx)
	}
	p.conn.Close()
	wg.Wait()
	return exitCode, trace.Wrap(runErr)
}

// ingest drains the domain socket and dispatches each datagram.
func (p *Process) ingest(ctx context.Context) {
	buf := make([]byte, defaults.MaxPacketSize)
	for {
		n, sender, err := p.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			p.logger.WarnContext(ctx, "UDP read failed", "error", err)
			continue
		}
		raw := make([]byte, n)
		copy(raw, buf[:n])
		p.mux.Dispatch(ctx, raw, netip.AddrPortFrom(sender.Addr().Unmap(), sender.Port()))
	}
}

// watchParent exits the process when the supervising parent dies, for
// deployments where the controller is spawned by an interface process.
func (p *Process) watchParent(ctx context.Context) {
	ticker := p.cfg.Clock.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if os.Getppid() != p.cfg.ParentPID {
				p.logger.InfoContext(ctx, "Parent process died, exiting", "parent_pid", p.cfg.ParentPID)
				os.Exit(0)
			}
		}
	}
}

// defaultSettings is the bottom layer of the settings store.
func defaultSettings() map[string]any {
	localhost := settings.AllPermissions().MarshalFlags()
	localhost["permissions_id"] = settings.StandardLocalhost
	return map[string]any{
		"security": map[string]any{
			"standard_permissions": []any{
				map[string]any{
					"permissions_id": settings.StandardAnonymous,
					"id_can_connect": true,
					"id_can_rez_tmp": true,
				},
				map[string]any{
					"permissions_id": settings.StandardLoggedIn,
					"id_can_connect": true,
					"id_can_rez_tmp": true,
				},
				map[string]any{
					"permissions_id": settings.StandardFriends,
					"id_can_connect": true,
					"id_can_rez":     true,
					"id_can_rez_tmp": true,
				},
				localhost,
			},
			"maximum_user_capacity": float64(defaults.MaxAgentCapacity),
		},
		"metaverse": map[string]any{
			"url":                  defaults.MetaverseURL,
			"automatic_networking": "disabled",
		},
	}
}
