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

package web

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	cache "github.com/patrickmn/go-cache"
	"golang.org/x/oauth2"

	"github.com/gravitational/domaind"
	"github.com/gravitational/domaind/lib/defaults"
	"github.com/gravitational/domaind/lib/settings"
)

// SessionCookieName is the admin session cookie.
const SessionCookieName = "domaind_session"

// SessionCookie is the decoded cookie value.
type SessionCookie struct {
	User string `json:"user"`
	SID  string `json:"sid"`
}

// EncodeCookie returns the hex-encoded JSON cookie value.
func EncodeCookie(user, sid string) (string, error) {
	bytes, err := json.Marshal(SessionCookie{User: user, SID: sid})
	if err != nil {
		return "", trace.Wrap(err)
	}
	return hex.EncodeToString(bytes), nil
}

// DecodeCookie parses a hex-encoded JSON cookie value.
func DecodeCookie(value string) (*SessionCookie, error) {
	decoded, err := hex.DecodeString(value)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var cookie SessionCookie
	if err := json.Unmarshal(decoded, &cookie); err != nil {
		return nil, trace.Wrap(err)
	}
	return &cookie, nil
}

// Settings keypaths the auth layer reads.
const (
	oauthProviderKeyPath   = "oauth.provider"
	oauthClientIDKeyPath   = "oauth.client_id"
	oauthHostnameKeyPath   = "oauth.hostname"
	oauthAdminUsersKeyPath = "oauth.admin_users"
	oauthAdminRolesKeyPath = "oauth.admin_roles"
	httpUsernameKeyPath    = "security.http_username"
	httpPasswordKeyPath    = "security.http_password"
)

// AuthConfig configures the admin auth layer.
type AuthConfig struct {
	// Settings supplies the auth strategy knobs.
	Settings *settings.Store

	// ClientSecret is the OAuth client secret, taken from the environment
	// at startup.
	ClientSecret string

	// HTTPClient performs profile fetches and code exchanges.
	HTTPClient *http.Client

	// Logger is the auth logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config.
func (c *AuthConfig) CheckAndSetDefaults() error {
	if c.Settings == nil {
		return trace.BadParameter("missing Settings")
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: defaults.HTTPRequestTimeout}
	}
	if c.Logger == nil {
		c.Logger = slog.With(domaind.ComponentKey, domaind.ComponentWeb)
	}
	return nil
}

// Auth authenticates admin requests with one of three strategies decided
// by configuration: OAuth with an admin list, HTTP Basic, or open.
type Auth struct {
	cfg AuthConfig

	// sessions maps session IDs to usernames.
	sessions *cache.Cache

	// states holds pending OAuth state nonces.
	states *cache.Cache
}

// NewAuth creates the auth layer.
func NewAuth(cfg AuthConfig) (*Auth, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Auth{
		cfg:      cfg,
		sessions: cache.New(defaults.SessionCookieTTL, defaults.SessionCookieTTL),
		states:   cache.New(defaults.OAuthStateTTL, defaults.OAuthStateTTL),
	}, nil
}

// OAuthEnabled reports whether the OAuth strategy is active: a provider
// URL plus a non-empty admin user or role list.
func (a *Auth) OAuthEnabled() bool {
	if a.cfg.Settings.GetString(oauthProviderKeyPath, "") == "" {
		return false
	}
	return len(a.cfg.Settings.GetStringSlice(oauthAdminUsersKeyPath)) > 0 ||
		len(a.cfg.Settings.GetStringSlice(oauthAdminRolesKeyPath)) > 0
}

// Authorize authenticates the request with the active strategy. A false
// return means the response has already been written (a redirect or a
// challenge) and the request must not proceed.
func (a *Auth) Authorize(w http.ResponseWriter, r *http.Request) bool {
	switch {
	case a.OAuthEnabled():
		return a.authorizeSession(w, r)
	case a.cfg.Settings.GetString(httpUsernameKeyPath, "") != "":
		return a.authorizeBasic(w, r)
	default:
		return true
	}
}

// authorizeSession accepts requests carrying a live session cookie and
// redirects everything else to the provider's authorization URL with a
// fresh state nonce.
func (a *Auth) authorizeSession(w http.ResponseWriter, r *http.Request) bool {
	if cookie, err := r.Cookie(SessionCookieName); err == nil {
		decoded, err := DecodeCookie(cookie.Value)
		if err == nil {
			if user, ok := a.sessions.Get(decoded.SID); ok && user.(string) == decoded.User {
				return true
			}
		}
	}
	state := uuid.NewString()
	a.states.SetDefault(state, true)
	http.Redirect(w, r, a.oauthConfig().AuthCodeURL(state), http.StatusFound)
	return false
}

// authorizeBasic compares HTTP Basic credentials against the configured
// username and SHA-256 password hex in constant time.
func (a *Auth) authorizeBasic(w http.ResponseWriter, r *http.Request) bool {
	wantUser := a.cfg.Settings.GetString(httpUsernameKeyPath, "")
	wantHash := strings.ToLower(a.cfg.Settings.GetString(httpPasswordKeyPath, ""))
	user, password, ok := r.BasicAuth()
	if ok {
		digest := sha256.Sum256([]byte(password))
		gotHash := hex.EncodeToString(digest[:])
		userMatch := subtle.ConstantTimeCompare([]byte(user), []byte(wantUser)) == 1
		hashMatch := subtle.ConstantTimeCompare([]byte(gotHash), []byte(wantHash)) == 1
		if userMatch && hashMatch {
			return true
		}
	}
	w.Header().Set("WWW-Authenticate", `Basic realm="domain-server"`)
	http.Error(w, "unauthorized", http.StatusUnauthorized)
	return false
}

// HandleCallback is the OAuth redirect target: it validates the state
// nonce, exchanges the code, fetches the user profile, checks the admin
// lists, and issues the session cookie.
func (a *Auth) HandleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	state := r.URL.Query().Get("state")
	if _, ok := a.states.Get(state); !ok {
		http.Error(w, "unknown or expired state", http.StatusBadRequest)
		return
	}
	a.states.Delete(state)

	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "missing code", http.StatusBadRequest)
		return
	}
	exchangeCtx := context.WithValue(ctx, oauth2.HTTPClient, a.cfg.HTTPClient)
	token, err := a.oauthConfig().Exchange(exchangeCtx, code)
	if err != nil {
		a.cfg.Logger.WarnContext(ctx, "OAuth code exchange failed", "error", err)
		http.Error(w, "code exchange failed", http.StatusBadGateway)
		return
	}

	username, roles, err := a.fetchProfile(ctx, token.AccessToken)
	if err != nil {
		a.cfg.Logger.WarnContext(ctx, "OAuth profile fetch failed", "error", err)
		http.Error(w, "profile fetch failed", http.StatusBadGateway)
		return
	}
	if !a.isAdmin(username, roles) {
		a.cfg.Logger.WarnContext(ctx, "OAuth user is not an admin", "username", username)
		http.Error(w, "you are not an administrator of this domain", http.StatusUnauthorized)
		return
	}

	sid := uuid.NewString()
	a.sessions.SetDefault(sid, username)
	value, err := EncodeCookie(username, sid)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   int(defaults.SessionCookieTTL.Seconds()),
		HttpOnly: true,
	})
	a.cfg.Logger.InfoContext(ctx, "Admin session issued", "username", username)
	http.Redirect(w, r, "/", http.StatusFound)
}

func (a *Auth) isAdmin(username string, roles []string) bool {
	for _, admin := range a.cfg.Settings.GetStringSlice(oauthAdminUsersKeyPath) {
		if strings.EqualFold(admin, username) {
			return true
		}
	}
	adminRoles := a.cfg.Settings.GetStringSlice(oauthAdminRolesKeyPath)
	return slices.ContainsFunc(roles, func(role string) bool {
		return slices.Contains(adminRoles, role)
	})
}

func (a *Auth) oauthConfig() *oauth2.Config {
	provider := strings.TrimSuffix(a.cfg.Settings.GetString(oauthProviderKeyPath, ""), "/")
	hostname := a.cfg.Settings.GetString(oauthHostnameKeyPath, "")
	return &oauth2.Config{
		ClientID:     a.cfg.Settings.GetString(oauthClientIDKeyPath, ""),
		ClientSecret: a.cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  provider + "/oauth/authorize",
			TokenURL: provider + "/oauth/token",
		},
		RedirectURL: "https://" + hostname + "/oauth",
	}
}

// fetchProfile asks the provider for the authenticated user's username
// and roles.
func (a *Auth) fetchProfile(ctx context.Context, accessToken string) (string, []string, error) {
	provider := strings.TrimSuffix(a.cfg.Settings.GetString(oauthProviderKeyPath, ""), "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, provider+"/api/v1/user/profile", nil)
	if err != nil {
		return "", nil, trace.Wrap(err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err := a.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", nil, trace.Wrap(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", nil, trace.BadParameter("profile endpoint returned status %v", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", nil, trace.Wrap(err)
	}
	var profile struct {
		Data struct {
			User struct {
				Username string   `json:"username"`
				Roles    []string `json:"roles"`
			} `json:"user"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &profile); err != nil {
		return "", nil, trace.Wrap(err)
	}
	if profile.Data.User.Username == "" {
		return "", nil, trace.BadParameter("profile reply carries no username")
	}
	return profile.Data.User.Username, profile.Data.User.Roles, nil
}
