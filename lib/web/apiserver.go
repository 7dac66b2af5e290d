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

// Package web serves the domain's administrative HTTP surface: registry
// and queue inspection, content upload, backup management, settings, and
// the authenticated reverse proxy to the metaverse.
package web

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"log/slog"
	"mime"
	"net/http"
	"net/http/httputil"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gravitational/domaind"
	"github.com/gravitational/domaind/lib/assignment"
	"github.com/gravitational/domaind/lib/backup"
	"github.com/gravitational/domaind/lib/httplib"
	"github.com/gravitational/domaind/lib/registry"
	"github.com/gravitational/domaind/lib/settings"
)

// Config configures the admin API handler.
type Config struct {
	// DomainUUID is served on /id.
	DomainUUID uuid.UUID

	// Registry backs the node inspection and kick routes.
	Registry *registry.Registry

	// Queue backs the assignment routes.
	Queue *assignment.Queue

	// Backups backs the backup API.
	Backups *backup.Engine

	// Entities receives content uploads.
	Entities *backup.Entities

	// Settings backs the settings routes.
	Settings *settings.Store

	// Auth guards every route except /id, /oauth and /metrics.
	Auth *Auth

	// MetaverseURL is the upstream for the /api/domains and /api/places
	// proxy; empty disables the proxy routes.
	MetaverseURL string

	// AccessToken authenticates proxied metaverse requests.
	AccessToken string

	// OnRestart asks the process to exit with the restart code.
	OnRestart func()

	// Logger is the handler logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config.
func (c *Config) CheckAndSetDefaults() error {
	if c.DomainUUID == uuid.Nil {
		return trace.BadParameter("missing DomainUUID")
	}
	if c.Registry == nil {
		return trace.BadParameter("missing Registry")
	}
	if c.Queue == nil {
		return trace.BadParameter("missing Queue")
	}
	if c.Backups == nil {
		return trace.BadParameter("missing Backups")
	}
	if c.Entities == nil {
		return trace.BadParameter("missing Entities")
	}
	if c.Settings == nil {
		return trace.BadParameter("missing Settings")
	}
	if c.Auth == nil {
		return trace.BadParameter("missing Auth")
	}
	if c.OnRestart == nil {
		c.OnRestart = func() {}
	}
	if c.Logger == nil {
		c.Logger = slog.With(domaind.ComponentKey, domaind.ComponentWeb)
	}
	return nil
}

// Handler is the admin HTTP handler.
type Handler struct {
	cfg    Config
	router *httprouter.Router
	proxy  *httputil.ReverseProxy
}

// NewHandler creates the handler and registers every route.
func NewHandler(cfg Config) (*Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	h := &Handler{
		cfg:    cfg,
		router: httprouter.New(),
	}
	if cfg.MetaverseURL != "" {
		upstream, err := url.Parse(cfg.MetaverseURL)
		if err != nil {
			return nil, trace.BadParameter("invalid metaverse URL: %v", err)
		}
		h.proxy = h.newMetaverseProxy(upstream)
	}

	h.router.GET("/id", httplib.MakeHandler(h.getID))
	h.router.GET("/nodes.json", httplib.MakeHandler(h.listNodes))
	h.router.GET("/nodes/:uuid", httplib.MakeHandler(h.getNode))
	h.router.DELETE("/nodes", httplib.MakeHandler(h.kickAllNodes))
	h.router.DELETE("/nodes/:uuid", httplib.MakeHandler(h.kickNode))
	h.router.GET("/assignments.json", httplib.MakeHandler(h.listAssignments))
	h.router.POST("/assignment", httplib.MakeHandler(h.uploadAssignment))
	h.router.POST("/content/upload", httplib.MakeHandler(h.uploadContent))
	h.router.GET("/api/backups", httplib.MakeHandler(h.listBackups))
	h.router.POST("/api/backups", httplib.MakeHandler(h.createBackup))
	h.router.DELETE("/api/backups/:id", httplib.MakeHandler(h.deleteBackup))
	h.router.GET("/api/backups/download/:id", h.downloadBackup)
	h.router.POST("/api/backups/recover/:id", httplib.MakeHandler(h.recoverBackup))
	h.router.GET("/settings.json", httplib.MakeHandler(h.getSettings))
	h.router.PUT("/settings.json", httplib.MakeHandler(h.putSettings))
	h.router.GET("/restart", httplib.MakeHandler(h.restart))
	h.router.Handler(http.MethodGet, "/metrics", promhttp.Handler())

	if h.proxy != nil {
		for _, route := range []string{"/api/domains", "/api/domains/*rest", "/api/places", "/api/places/*rest"} {
			for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodPost} {
				h.router.Handler(method, route, h.proxy)
			}
		}
	}
	return h, nil
}

// ServeHTTP authenticates and routes. /id is public so nodes can probe
// the domain, /oauth is the callback target, /metrics is scraped from
// inside the deployment.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/oauth" {
		h.cfg.Auth.HandleCallback(w, r)
		return
	}
	if r.URL.Path != "/id" && r.URL.Path != "/metrics" {
		if !h.cfg.Auth.Authorize(w, r) {
			return
		}
	}
	h.router.ServeHTTP(w, r)
}

func (h *Handler) getID(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(h.cfg.DomainUUID.String()))
	return nil, nil
}

// nodeView is the JSON shape of one registry entry.
type nodeView struct {
	UUID           string          `json:"uuid"`
	Type           string          `json:"type"`
	LocalID        uint16          `json:"local_id"`
	PublicSock     string          `json:"public"`
	LocalSock      string          `json:"local"`
	Permissions    map[string]any  `json:"permissions"`
	Username       string          `json:"username,omitempty"`
	PlaceName      string          `json:"place_name,omitempty"`
	Version        string          `json:"version,omitempty"`
	UptimeSecs     float64         `json:"uptime_secs"`
	PendingCredits float64         `json:"pending_credits"`
	Stats          json.RawMessage `json:"stats,omitempty"`
}

func (h *Handler) listNodes(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	var nodes []nodeView
	h.cfg.Registry.ForEach(nil, func(n *registry.Node) {
		nodes = append(nodes, viewOfNode(n))
	})
	return map[string]any{"nodes": nodes}, nil
}

func (h *Handler) getNode(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	id, err := parseNodeParam(p.ByName("uuid"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	node, ok := h.cfg.Registry.GetByUUID(id)
	if !ok {
		return nil, trace.NotFound("node %v is not connected", id)
	}
	return viewOfNode(node), nil
}

func (h *Handler) kickNode(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	id, err := parseNodeParam(p.ByName("uuid"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Registry.Remove(r.Context(), id); err != nil {
		return nil, trace.Wrap(err)
	}
	return httplib.OK(), nil
}

func (h *Handler) kickAllNodes(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	var ids []uuid.UUID
	h.cfg.Registry.ForEach(nil, func(n *registry.Node) {
		ids = append(ids, n.UUID)
	})
	for _, id := range ids {
		if err := h.cfg.Registry.Remove(r.Context(), id); err != nil {
			h.cfg.Logger.WarnContext(r.Context(), "Failed to kick node", "uuid", id, "error", err)
		}
	}
	return httplib.OK(), nil
}

func (h *Handler) listAssignments(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	queued, fulfilled := h.cfg.Queue.Snapshot()
	return map[string]any{
		"queued":    queued,
		"fulfilled": fulfilled,
	}, nil
}

// uploadAssignment accepts script bytes and enqueues ephemeral agent
// assignments; instance count and pool come from query parameters.
func (h *Handler) uploadAssignment(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	script, err := httplib.ReadUpload(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(script) == 0 {
		return nil, trace.BadParameter("empty script upload")
	}
	count := 1
	if raw := r.URL.Query().Get("instances"); raw != "" {
		count, err = strconv.Atoi(raw)
		if err != nil || count < 1 {
			return nil, trace.BadParameter("invalid instances %q", raw)
		}
	}
	ids, err := h.cfg.Queue.AddScript(r.Context(), script, count, r.URL.Query().Get("pool"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	views := make([]string, 0, len(ids))
	for _, id := range ids {
		views = append(views, id.String())
	}
	return map[string]any{"assignments": views}, nil
}

// uploadContent replaces the domain scene: json and json.gz uploads go
// through the atomic swap, zip uploads go through backup recovery.
func (h *Handler) uploadContent(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	name, data, err := readContentUpload(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	ctx := r.Context()
	switch {
	case strings.HasSuffix(name, ".zip"):
		if err := h.cfg.Backups.RecoverFromZip(ctx, data); err != nil {
			return nil, trace.Wrap(err)
		}
	case strings.HasSuffix(name, ".gz"):
		if err := h.cfg.Entities.StageReplacement(ctx, data); err != nil {
			return nil, trace.Wrap(err)
		}
	case strings.HasSuffix(name, ".json"):
		gzipped, err := gzipBytes(data)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if err := h.cfg.Entities.StageReplacement(ctx, gzipped); err != nil {
			return nil, trace.Wrap(err)
		}
	default:
		return nil, trace.BadParameter("unsupported upload %q, expected .json, .json.gz or .zip", name)
	}
	return httplib.OK(), nil
}

// readContentUpload extracts the uploaded file from a multipart form, or
// falls back to the raw body with the filename taken from Content-Type.
func readContentUpload(r *http.Request) (name string, data []byte, err error) {
	contentType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if contentType == "multipart/form-data" {
		file, header, err := r.FormFile("restore-file")
		if err != nil {
			return "", nil, trace.BadParameter("missing restore-file form field: %v", err)
		}
		defer file.Close()
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(http.MaxBytesReader(nil, file, httplib.MaxUploadBytes)); err != nil {
			return "", nil, trace.Wrap(err)
		}
		return path.Base(header.Filename), buf.Bytes(), nil
	}
	data, err = httplib.ReadUpload(r)
	if err != nil {
		return "", nil, trace.Wrap(err)
	}
	name = r.URL.Query().Get("filename")
	if name == "" {
		name = "content.json.gz"
	}
	return path.Base(name), data, nil
}

func (h *Handler) listBackups(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	return map[string]any{"backups": h.cfg.Backups.List()}, nil
}

func (h *Handler) createBackup(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	info, err := h.cfg.Backups.CreateManual(r.Context())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return info, nil
}

func (h *Handler) deleteBackup(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	if err := h.cfg.Backups.Delete(p.ByName("id")); err != nil {
		return nil, trace.Wrap(err)
	}
	return httplib.OK(), nil
}

// downloadBackup drives the asynchronous consolidation job: the first
// request starts it, later requests poll, and a finished job streams the
// consolidated archive.
func (h *Handler) downloadBackup(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	id := p.ByName("id")
	job, ok := h.cfg.Backups.JobStatus(id)
	if !ok {
		started, err := h.cfg.Backups.StartConsolidation(r.Context(), id)
		if err != nil {
			httplib.ReplyError(w, err)
			return
		}
		job = started
	}
	switch job.State {
	case backup.JobInProgress:
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(string(job.State)))
	case backup.JobCompleteWithError:
		httplib.ReplyError(w, trace.Errorf("consolidation failed: %v", job.Error))
	case backup.JobCompleteWithSuccess:
		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Disposition", `attachment; filename="`+id+`"`)
		http.ServeFile(w, r, job.Path)
	}
}

func (h *Handler) recoverBackup(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	if err := h.cfg.Backups.Recover(r.Context(), p.ByName("id")); err != nil {
		return nil, trace.Wrap(err)
	}
	return httplib.OK(), nil
}

func (h *Handler) getSettings(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	return h.cfg.Settings.Snapshot(), nil
}

func (h *Handler) putSettings(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	var patch map[string]any
	if err := httplib.ReadJSON(r, &patch); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Settings.Merge(r.Context(), patch); err != nil {
		return nil, trace.Wrap(err)
	}
	return h.cfg.Settings.Snapshot(), nil
}

func (h *Handler) restart(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	h.cfg.Logger.InfoContext(r.Context(), "Restart requested over the admin API")
	// Reply before exiting so the caller sees the acknowledgement.
	go h.cfg.OnRestart()
	return httplib.OK(), nil
}

// newMetaverseProxy builds the authenticated reverse proxy for the
// /api/domains and /api/places routes, mapping them onto the metaverse
// /api/v1 namespace.
func (h *Handler) newMetaverseProxy(upstream *url.URL) *httputil.ReverseProxy {
	token := h.cfg.AccessToken
	logger := h.cfg.Logger
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(upstream)
			pr.Out.URL.Path = "/api/v1" + strings.TrimPrefix(pr.In.URL.Path, "/api")
			pr.Out.Host = upstream.Host
			if token != "" {
				pr.Out.Header.Set("Authorization", "Bearer "+token)
			}
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.WarnContext(r.Context(), "Metaverse proxy request failed", "path", r.URL.Path, "error", err)
			w.WriteHeader(http.StatusBadGateway)
		},
	}
}

func viewOfNode(n *registry.Node) nodeView {
	return nodeView{
		UUID:           n.UUID.String(),
		Type:           n.Type.String(),
		LocalID:        n.LocalID,
		PublicSock:     n.PublicSock.String(),
		LocalSock:      n.LocalSock.String(),
		Permissions:    n.Permissions.MarshalFlags(),
		Username:       n.VerifiedUsername,
		PlaceName:      n.PlaceName,
		Version:        n.Version,
		UptimeSecs:     timeSince(n.WakeTime),
		PendingCredits: n.PendingCredits,
		Stats:          n.Stats,
	}
}

func timeSince(t time.Time) float64 {
	return time.Since(t).Seconds()
}

// parseNodeParam accepts both bare UUIDs and the uuid.json form.
func parseNodeParam(raw string) (uuid.UUID, error) {
	raw = strings.TrimSuffix(raw, ".json")
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, trace.BadParameter("invalid node uuid %q", raw)
	}
	return id, nil
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := gz.Close(); err != nil {
		return nil, trace.Wrap(err)
	}
	return buf.Bytes(), nil
}
