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
	"log/slog"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/domaind"
	"github.com/gravitational/domaind/lib/defaults"
	"github.com/gravitational/domaind/lib/metaverse"
	"github.com/gravitational/domaind/lib/packet"
)

// Directory is the slice of the metaverse client the presence engine
// needs.
type Directory interface {
	UpdateDomain(ctx context.Context, domainID string, payload any) error
	CreateTemporaryDomain(ctx context.Context) (*metaverse.TemporaryDomain, error)
}

// MetaverseConfig configures the presence engine.
type MetaverseConfig struct {
	// Directory publishes the presence document.
	Directory Directory

	// DomainID returns the metaverse domain ID, empty until the domain is
	// claimed or granted a temporary name.
	DomainID func() string

	// APIKey returns the temporary-domain API key, empty for claimed
	// domains.
	APIKey func() string

	// NetworkAddress returns the static address to publish when automatic
	// networking is ip-only or disabled.
	NetworkAddress func() string

	// AutomaticNetworking returns the networking mode: full, ip, or
	// disabled.
	AutomaticNetworking func() string

	// Restricted reports whether admission is restricted to listed users.
	Restricted func() bool

	// NumUsers returns the current interactive user count.
	NumUsers func() int

	// AcquireTemporaryName allows the engine to request a temporary
	// domain name when it has no domain ID or the ID is gone.
	AcquireTemporaryName bool

	// OnTemporaryDomain is invoked with every granted temporary identity
	// so the caller can persist it.
	OnTemporaryDomain func(ctx context.Context, domain *metaverse.TemporaryDomain)

	// Events receives engine transitions when non-nil. Sends never block.
	Events chan<- Event

	// Clock is the time source.
	Clock clockwork.Clock

	// Logger is the engine logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config.
func (c *MetaverseConfig) CheckAndSetDefaults() error {
	if c.Directory == nil {
		return trace.BadParameter("missing Directory")
	}
	if c.DomainID == nil {
		c.DomainID = func() string { return "" }
	}
	if c.APIKey == nil {
		c.APIKey = func() string { return "" }
	}
	if c.NetworkAddress == nil {
		c.NetworkAddress = func() string { return "" }
	}
	if c.AutomaticNetworking == nil {
		c.AutomaticNetworking = func() string { return "disabled" }
	}
	if c.Restricted == nil {
		c.Restricted = func() bool { return false }
	}
	if c.NumUsers == nil {
		c.NumUsers = func() int { return 0 }
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(domaind.ComponentKey, domaind.ComponentHeartbeat)
	}
	return nil
}

// MetaverseEngine publishes the domain presence document on a fixed
// interval and drives the temporary-name flow for unclaimed domains.
type MetaverseEngine struct {
	cfg      MetaverseConfig
	failures int

	// acquireFailures counts consecutive failed temporary-name requests;
	// reaching the limit silences the engine until restart.
	acquireFailures int
	silent          bool
}

// NewMetaverseEngine creates the presence engine.
func NewMetaverseEngine(cfg MetaverseConfig) (*MetaverseEngine, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &MetaverseEngine{cfg: cfg}, nil
}

// Run publishes heartbeats until the context is canceled. The first beat
// goes out immediately.
func (e *MetaverseEngine) Run(ctx context.Context) {
	e.beat(ctx)
	ticker := e.cfg.Clock.NewTicker(defaults.MetaverseHeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			e.beat(ctx)
		}
	}
}

func (e *MetaverseEngine) beat(ctx context.Context) {
	if e.silent {
		return
	}
	domainID := e.cfg.DomainID()
	if domainID == "" {
		if e.cfg.AcquireTemporaryName {
			e.acquireTemporaryName(ctx)
		}
		return
	}

	err := e.cfg.Directory.UpdateDomain(ctx, domainID, e.document())
	switch {
	case err == nil:
		e.failures = 0
		e.emit(EventMetaverseBeat)
		return
	case trace.IsNotFound(err):
		// The domain ID is gone from the metaverse; a temporary domain
		// can start over with a fresh identity.
		e.cfg.Logger.WarnContext(ctx, "Domain ID is unknown to the metaverse", "domain_id", domainID)
		if e.cfg.AcquireTemporaryName {
			e.acquireTemporaryName(ctx)
		}
		return
	case trace.IsAccessDenied(err) && e.cfg.APIKey() != "":
		// The metaverse no longer honors this temporary identity; request
		// a fresh one instead of hammering the old one.
		heartbeatFailures.WithLabelValues("metaverse").Inc()
		e.cfg.Logger.WarnContext(ctx, "Metaverse rejected temporary domain credentials", "domain_id", domainID)
		if e.cfg.AcquireTemporaryName {
			e.acquireTemporaryName(ctx)
		}
		return
	}

	// Anything else is transient; the identity is kept and the next tick
	// retries.
	e.failures++
	heartbeatFailures.WithLabelValues("metaverse").Inc()
	e.cfg.Logger.WarnContext(ctx, "Metaverse heartbeat failed",
		"domain_id", domainID,
		"failures", e.failures,
		"error", err,
	)
}

// document builds the presence payload.
func (e *MetaverseEngine) document() map[string]any {
	mode := e.cfg.AutomaticNetworking()
	doc := map[string]any{
		"version":              domaind.Version,
		"protocol":             packet.ProtocolSignature(),
		"automatic_networking": mode,
		"restricted":           e.cfg.Restricted(),
		"heartbeat": map[string]any{
			"num_users": e.cfg.NumUsers(),
		},
	}
	if mode != "full" {
		if addr := e.cfg.NetworkAddress(); addr != "" {
			doc["network_address"] = addr
		}
	}
	if apiKey := e.cfg.APIKey(); apiKey != "" {
		doc["api_key"] = apiKey
	}
	return doc
}

func (e *MetaverseEngine) acquireTemporaryName(ctx context.Context) {
	domain, err := e.cfg.Directory.CreateTemporaryDomain(ctx)
	if err != nil {
		heartbeatFailures.WithLabelValues("metaverse").Inc()
		e.acquireFailures++
		if e.acquireFailures >= defaults.MetaverseMaxHeartbeatFailures {
			e.silent = true
			e.cfg.Logger.ErrorContext(ctx, "Repeatedly failed to acquire a temporary domain name, going silent",
				"attempts", e.acquireFailures,
				"error", err,
			)
			return
		}
		e.cfg.Logger.WarnContext(ctx, "Failed to acquire temporary domain name", "error", err)
		return
	}
	e.cfg.Logger.InfoContext(ctx, "Granted temporary domain name",
		"domain_id", domain.ID,
		"name", domain.Name,
	)
	e.failures = 0
	e.acquireFailures = 0
	if e.cfg.OnTemporaryDomain != nil {
		e.cfg.OnTemporaryDomain(ctx, domain)
	}
	e.emit(EventTemporaryName)
}

func (e *MetaverseEngine) emit(event Event) {
	if e.cfg.Events == nil {
		return
	}
	select {
	case e.cfg.Events <- event:
	default:
	}
}
