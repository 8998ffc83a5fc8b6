package web

import (
	"context"
	"crypto/subtle"
	"embed"
	"encoding/json"
	"io/fs"
	"net/http"
	"path/filepath"
	"strings"

	"inksync/internal/auth"
	"inksync/internal/config"
	"inksync/internal/events"
	appLog "inksync/internal/log"
	"inksync/internal/provider"
	"inksync/internal/store"
)

// Server provides the HTTP API for event queries, internal event CRUD,
// provider integration (device-flow login, sync, logout), the derived
// today state and the pass-through blob documents the device UI reads
// and writes (modules, keypad configs, layout, automations).
type Server struct {
	cfg *config.Config
	mux *http.ServeMux

	eventsDB  *store.Events
	engine    *events.Engine
	projector *events.Projector
	auth      *auth.Manager
	providers *provider.Registry

	modules     *store.Blobs
	keypads     *store.Blobs
	layouts     *store.Blobs
	automations *store.Blobs
}

// embeddedStatic contains the exported web UI build. The directory
// structure under internal/web/static mirrors the UI export output.
//
//go:embed all:static
var embeddedStatic embed.FS

// NewServer constructs a new Server. dataDir is the base directory for
// the blob document stores.
func NewServer(cfg *config.Config, dataDir string, eventsDB *store.Events, engine *events.Engine, projector *events.Projector, am *auth.Manager, providers *provider.Registry) *Server {
	s := &Server{
		cfg:         cfg,
		mux:         http.NewServeMux(),
		eventsDB:    eventsDB,
		engine:      engine,
		projector:   projector,
		auth:        am,
		providers:   providers,
		modules:     store.NewBlobs(filepath.Join(dataDir, "modules")),
		keypads:     store.NewBlobs(filepath.Join(dataDir, "configs")),
		layouts:     store.NewBlobs(filepath.Join(dataDir, "layout")),
		automations: store.NewBlobs(filepath.Join(dataDir, "automations")),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// An empty username or password is treated as disabled.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// /health is always exposed without auth.
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="inksync", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// StartServer starts an HTTP server bound to cfg.Listen and shuts it
// down when ctx is canceled.
func StartServer(ctx context.Context, s *Server) error {
	srv := &http.Server{
		Addr:    s.cfg.Listen,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()

	appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("GET /api/events", s.handleQueryEvents)
	s.mux.HandleFunc("POST /api/save/event", s.handleSaveEvent)
	s.mux.HandleFunc("POST /api/delete/event", s.handleDeleteEvent)
	s.mux.HandleFunc("GET /api/state", s.handleState)
	s.mux.HandleFunc("GET /api/calendar.ics", s.handleCalendarFeed)

	s.mux.HandleFunc("GET /api/integrations/{provider}", s.handleIntegrationStatus)
	s.mux.HandleFunc("POST /api/integrations/{provider}/login", s.handleLogin)
	s.mux.HandleFunc("POST /api/integrations/{provider}/poll", s.handlePoll)
	s.mux.HandleFunc("POST /api/integrations/{provider}/logout", s.handleLogout)
	s.mux.HandleFunc("POST /api/integrations/{provider}/sync", s.handleSync)

	s.mux.HandleFunc("GET /api/module/{name}", s.handleModule)
	s.mux.HandleFunc("GET /api/check", s.handleCheck)
	s.mux.HandleFunc("GET /api/config/{uuid}", s.handleKeypadConfig)
	s.mux.HandleFunc("GET /api/layout", s.handleGetLayout)
	s.mux.HandleFunc("POST /api/layout", s.handleSaveLayout)
	s.mux.HandleFunc("GET /api/automations", s.handleGetAutomations)
	s.mux.HandleFunc("POST /api/automations/save", s.handleSaveAutomations)

	// Static exported UI (embedded via Go 1.16+ embed.FS). All
	// non-/api/* paths fall back to this handler.
	s.mux.Handle("/", s.staticFileServer())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// staticFileServer returns an http.Handler that serves the embedded UI
// files from internal/web/static.
func (s *Server) staticFileServer() http.Handler {
	sub, err := fs.Sub(embeddedStatic, "static")
	if err != nil {
		appLog.Error("failed to initialize embedded static filesystem", err)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "static UI not available", http.StatusServiceUnavailable)
		})
	}

	fileServer := http.FileServer(http.FS(sub))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path

		// /api/* requests are never served from the static UI. A
		// missing API route must 404, not return HTML.
		if path == "/api" || strings.HasPrefix(path, "/api/") {
			http.NotFound(w, r)
			return
		}

		fileServer.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
