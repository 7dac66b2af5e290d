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

// Package metaverse is the controller's client for the central registry
// that tracks domains, users, places and groups. All outbound requests
// carry the configured access token and an explicit deadline.
package metaverse

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"

	"github.com/gravitational/domaind/lib/defaults"
)

// Config configures the metaverse client.
type Config struct {
	// URL is the metaverse base URL.
	URL string

	// AccessToken authenticates the domain owner's requests.
	AccessToken string

	// HTTPClient overrides the transport, used in tests.
	HTTPClient *http.Client
}

// CheckAndSetDefaults validates the config.
func (c *Config) CheckAndSetDefaults() error {
	if c.URL == "" {
		return trace.BadParameter("missing URL")
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: defaults.HTTPRequestTimeout}
	}
	return nil
}

// Client talks to the metaverse REST API.
type Client struct {
	cfg Config
	clt *roundtrip.Client

	mu         sync.RWMutex
	publicKeys map[string]*rsa.PublicKey
}

// NewClient creates a metaverse client.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	params := []roundtrip.ClientParam{roundtrip.HTTPClient(cfg.HTTPClient)}
	if cfg.AccessToken != "" {
		params = append(params, roundtrip.BearerAuth(cfg.AccessToken))
	}
	clt, err := roundtrip.NewClient(cfg.URL, "", params...)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Client{
		cfg:        cfg,
		clt:        clt,
		publicKeys: make(map[string]*rsa.PublicKey),
	}, nil
}

// URL returns the configured metaverse base URL.
func (c *Client) URL() string { return c.cfg.URL }

// convert maps HTTP status codes onto trace errors so callers can branch
// on kind.
func convert(re *roundtrip.Response, err error) (*roundtrip.Response, error) {
	if err != nil {
		return nil, trace.Wrap(err)
	}
	switch {
	case re.Code() == http.StatusUnauthorized || re.Code() == http.StatusForbidden:
		return nil, trace.AccessDenied("metaverse denied the request: %v", string(re.Bytes()))
	case re.Code() == http.StatusNotFound:
		return nil, trace.NotFound("metaverse resource not found")
	case re.Code() < 200 || re.Code() > 299:
		return nil, trace.BadParameter("metaverse returned status %v: %v", re.Code(), string(re.Bytes()))
	}
	return re, nil
}

// UpdateDomain PUTs the heartbeat document for a domain.
func (c *Client) UpdateDomain(ctx context.Context, domainID string, payload any) error {
	_, err := convert(c.clt.PutJSON(ctx, c.clt.Endpoint("api", "v1", "domains", domainID), payload))
	return trace.Wrap(err)
}

// TemporaryDomain is the identity the metaverse hands out for unclaimed
// domains.
type TemporaryDomain struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	APIKey string `json:"api_key"`
}

// CreateTemporaryDomain obtains a fresh temporary domain name and API
// key.
func (c *Client) CreateTemporaryDomain(ctx context.Context) (*TemporaryDomain, error) {
	re, err := convert(c.clt.PostJSON(ctx, c.clt.Endpoint("api", "v1", "domains", "temporary"), struct{}{}))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var body struct {
		Data struct {
			Domain TemporaryDomain `json:"domain"`
		} `json:"data"`
	}
	if err := json.Unmarshal(re.Bytes(), &body); err != nil {
		return nil, trace.Wrap(err)
	}
	if body.Data.Domain.ID == "" {
		return nil, trace.BadParameter("metaverse returned no temporary domain")
	}
	return &body.Data.Domain, nil
}

// UpdateICEServerAddress announces the domain's selected ICE server to
// the metaverse.
func (c *Client) UpdateICEServerAddress(ctx context.Context, domainID, address, apiKey string) error {
	payload := map[string]any{
		"domain": map[string]any{
			"ice_server_address": address,
		},
	}
	if apiKey != "" {
		payload["api_key"] = apiKey
	}
	_, err := convert(c.clt.PutJSON(ctx, c.clt.Endpoint("api", "v1", "domains", domainID, "ice_server_address"), payload))
	return trace.Wrap(err)
}

// UploadPublicKey publishes the domain's public key so peers can verify
// its ICE heartbeats.
func (c *Client) UploadPublicKey(ctx context.Context, domainID string, publicKeyDER []byte) error {
	payload := map[string]any{
		"public_key": base64.StdEncoding.EncodeToString(publicKeyDER),
	}
	_, err := convert(c.clt.PutJSON(ctx, c.clt.Endpoint("api", "v1", "domains", domainID, "public_key"), payload))
	return trace.Wrap(err)
}

// UserPublicKey fetches (and caches) the RSA public key the metaverse
// holds for a user.
func (c *Client) UserPublicKey(ctx context.Context, username string) (*rsa.PublicKey, error) {
	username = strings.ToLower(username)
	c.mu.RLock()
	cached, ok := c.publicKeys[username]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}
	return c.refetchUserPublicKey(ctx, username)
}

func (c *Client) refetchUserPublicKey(ctx context.Context, username string) (*rsa.PublicKey, error) {
	re, err := convert(c.clt.Get(ctx, c.clt.Endpoint("api", "v1", "users", username, "public_key"), url.Values{}))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var body struct {
		Data struct {
			PublicKey string `json:"public_key"`
		} `json:"data"`
	}
	if err := json.Unmarshal(re.Bytes(), &body); err != nil {
		return nil, trace.Wrap(err)
	}
	der, err := base64.StdEncoding.DecodeString(body.Data.PublicKey)
	if err != nil {
		return nil, trace.BadParameter("user %v public key is not valid base64: %v", username, err)
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, trace.BadParameter("user %v public key does not parse: %v", username, err)
	}
	rsaKey, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, trace.BadParameter("user %v public key is not RSA", username)
	}
	c.mu.Lock()
	c.publicKeys[username] = rsaKey
	c.mu.Unlock()
	return rsaKey, nil
}

// VerifyUsernameSignature checks the identity claim of a connect request:
// an RSA-SHA256 signature over lowercased username bytes followed by the
// token. On failure with a cached key the key is refetched once before
// denying, to survive key rotation.
func (c *Client) VerifyUsernameSignature(ctx context.Context, username string, token, signature []byte) error {
	username = strings.ToLower(username)
	signed := append([]byte(username), token...)
	digest := sha256.Sum256(signed)

	key, err := c.UserPublicKey(ctx, username)
	if err != nil {
		return trace.Wrap(err)
	}
	if rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], signature) == nil {
		return nil
	}

	c.mu.Lock()
	delete(c.publicKeys, username)
	c.mu.Unlock()
	key, err = c.refetchUserPublicKey(ctx, username)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], signature); err != nil {
		return trace.AccessDenied("username signature for %v does not verify", username)
	}
	return nil
}

// OwnerFriends lists the domain owner's friends.
func (c *Client) OwnerFriends(ctx context.Context) ([]string, error) {
	re, err := convert(c.clt.Get(ctx, c.clt.Endpoint("api", "v1", "user", "friends"), url.Values{}))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var body struct {
		Data struct {
			Friends []string `json:"friends"`
		} `json:"data"`
	}
	if err := json.Unmarshal(re.Bytes(), &body); err != nil {
		return nil, trace.Wrap(err)
	}
	return body.Data.Friends, nil
}

// UserGroups resolves a user's group memberships to ranks.
func (c *Client) UserGroups(ctx context.Context, username string) (map[string]string, error) {
	re, err := convert(c.clt.Get(ctx, c.clt.Endpoint("api", "v1", "users", strings.ToLower(username), "groups"), url.Values{}))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var body struct {
		Data struct {
			Groups map[string]string `json:"groups"`
		} `json:"data"`
	}
	if err := json.Unmarshal(re.Bytes(), &body); err != nil {
		return nil, trace.Wrap(err)
	}
	return body.Data.Groups, nil
}
