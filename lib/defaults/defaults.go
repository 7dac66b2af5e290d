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

// Package defaults holds the tunables and constants shared by the domain
// controller components. Values that operators are expected to change have
// a settings keypath next to them; the rest are protocol constants.
package defaults

import "time"

const (
	// DomainServerPort is the UDP port the controller listens on for the
	// node control plane.
	DomainServerPort = 40102

	// HTTPPort is the default port of the administrative HTTP surface.
	HTTPPort = 40100

	// HTTPSPort is the default port of the administrative HTTPS surface,
	// used only when a certificate and key are configured.
	HTTPSPort = 40101

	// ICEServerPort is the UDP port ICE rendezvous servers listen on.
	ICEServerPort = 7337
)

// MetaverseURL is the metaverse registry used when none is configured.
const MetaverseURL = "https://metaverse.highfidelity.com"

const (
	// MetaverseHeartbeatInterval is how often the controller announces
	// itself to the metaverse registry.
	MetaverseHeartbeatInterval = 15 * time.Second

	// ICEHeartbeatInterval is how often the controller pings the selected
	// ICE rendezvous server.
	ICEHeartbeatInterval = 2 * time.Second

	// ICEFailoverMissedHeartbeats is the number of consecutive unanswered
	// ICE heartbeats after which the engine fails over to another
	// resolved candidate address.
	ICEFailoverMissedHeartbeats = 3

	// ICEDenialsForKeypairRegen is the number of consecutive heartbeat
	// denials after which the domain keypair is regenerated.
	ICEDenialsForKeypairRegen = 3

	// MetaverseMaxHeartbeatFailures is the number of failed metaverse
	// heartbeats for a temporary domain before the engine goes silent.
	MetaverseMaxHeartbeatFailures = 5
)

const (
	// NodeSilenceTimeout is how long a node may go without a heartbeat
	// before the registry evicts it. Overridden by the
	// security.node_silence_secs settings key.
	NodeSilenceTimeout = 30 * time.Second

	// NodeSilenceSecsKeyPath is the settings keypath for the silence
	// timeout knob.
	NodeSilenceSecsKeyPath = "security.node_silence_secs"

	// SilenceReaperInterval is how often the registry sweeps for silent
	// nodes.
	SilenceReaperInterval = 2 * time.Second

	// GroupLookupWindow is how long the gatekeeper waits for an async
	// group membership lookup before proceeding with what it has.
	GroupLookupWindow = 5 * time.Second

	// ICERendezvousWindow is how long the gatekeeper waits for the first
	// ICEPing reply when probing an unreachable candidate.
	ICERendezvousWindow = 2 * time.Second

	// PendingConnectionTTL bounds the lifetime of an admission in
	// flight: the group lookup window plus the ICE rendezvous window.
	PendingConnectionTTL = GroupLookupWindow + ICERendezvousWindow

	// PendingAssignmentTTL is how long a handed out assignment may sit
	// unclaimed before the deployment record is forgotten.
	PendingAssignmentTTL = 30 * time.Second
)

const (
	// BackupTickInterval is how often the backup scheduler evaluates its
	// rules.
	BackupTickInterval = time.Minute

	// ManualBackupPrefix is the rule name under which operator initiated
	// backups are filed.
	ManualBackupPrefix = "backup"
)

const (
	// HTTPRequestTimeout is the deadline applied to every outbound HTTP
	// request (metaverse, OAuth provider, content downloads).
	HTTPRequestTimeout = 10 * time.Second

	// SessionCookieTTL is the lifetime of an admin session issued by the
	// OAuth callback.
	SessionCookieTTL = 30 * 24 * time.Hour

	// OAuthStateTTL bounds how long an OAuth authorization round trip may
	// take before the state nonce expires.
	OAuthStateTTL = 10 * time.Minute
)

// Process exit codes. Anything other than zero is read by the supervisor
// wrapping the controller.
const (
	// ExitCodeMissingCert is returned when HTTPS is requested but the
	// certificate or private key is missing.
	ExitCodeMissingCert = 3

	// ExitCodeMissingOAuthConfig is returned when an OAuth deployment is
	// missing the client ID, client secret, or redirect hostname.
	ExitCodeMissingOAuthConfig = 4

	// ExitCodeMissingOAuthProvider is returned when admin users or roles
	// are configured without an OAuth provider URL.
	ExitCodeMissingOAuthProvider = 5

	// ExitCodeRestart tells the supervisor to relaunch the controller.
	ExitCodeRestart = 234923
)

const (
	// MaxAgentCapacity is the default cap on concurrent user nodes.
	// Overridden by the security.maximum_user_capacity settings key.
	MaxAgentCapacity = 150

	// MaxPacketSize is the largest datagram the control plane accepts.
	MaxPacketSize = 1464
)

// Environment variable overrides read at startup.
const (
	// KeyPassphraseEnv supplies the passphrase for an encrypted HTTPS
	// private key.
	KeyPassphraseEnv = "DOMAIN_SERVER_KEY_PASSPHRASE"

	// ClientSecretEnv overrides the OAuth client secret.
	ClientSecretEnv = "DOMAIN_SERVER_CLIENT_SECRET"

	// AccessTokenEnv overrides the metaverse access token.
	AccessTokenEnv = "DOMAIN_SERVER_ACCESS_TOKEN"
)
