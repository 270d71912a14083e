// Package api exposes a running graph's filters and buffers over HTTP:
// introspection and control for the Manageable operation table, plus a
// Prometheus /metrics endpoint. This is ambient tooling layered on top of
// pkg/conduit, not part of its programmatic API.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"conduit/internal/azure/auth"
	"conduit/internal/config"
	"conduit/internal/obsv"
	"conduit/internal/telemetrylog"
	"conduit/internal/version"
	"conduit/pkg/conduit/filter"
)

// Registry is the minimal contract the API layer needs from a running
// graph: look a node up by name. pkg/conduit/graph.Graph satisfies this
// directly, keeping api decoupled from the graph package's internals.
type Registry interface {
	Filter(name string) (filter.Manageable, bool)
	FilterNames() []string
}

type Server struct {
	cfg       *config.Config
	reg       Registry
	app       *fiber.App
	azureAuth *auth.Manager
}

func NewServer(cfg *config.Config, reg Registry) *Server {
	s := &Server{cfg: cfg, reg: reg, azureAuth: auth.NewManager()}
	s.app = fiber.New(fiber.Config{DisableStartupMessage: true})

	obsv.Init()
	// The default gatherer picks up collectors registered outside obsv's
	// dedicated registry (e.g. the syslog line counter's package init).
	gatherers := prometheus.Gatherers{obsv.Registry(), prometheus.DefaultGatherer}
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})))

	muxRouter := mux.NewRouter()
	v1 := muxRouter.PathPrefix("/v1").Subrouter()
	v1.Use(s.authMiddleware)

	v1.HandleFunc("/filters", s.handleFiltersList).Methods("GET")
	v1.HandleFunc("/filters/{name}", s.handleFilterDescribe).Methods("GET")
	v1.HandleFunc("/filters/{name}/stats", s.handleFilterStats).Methods("GET")
	v1.HandleFunc("/filters/{name}/health", s.handleFilterHealth).Methods("GET")
	v1.HandleFunc("/filters/{name}/backlog", s.handleFilterBacklog).Methods("GET")
	v1.HandleFunc("/filters/{name}/flush", s.handleFilterFlush).Methods("POST")
	v1.HandleFunc("/filters/{name}/reset", s.handleFilterReset).Methods("POST")
	v1.HandleFunc("/filters/{name}/recover", s.handleFilterRecover).Methods("POST")
	v1.HandleFunc("/filters/{name}/dump", s.handleFilterDump).Methods("GET")
	v1.HandleFunc("/config", s.handleConfig).Methods("GET")
	v1.HandleFunc("/auth/azure/device-login", s.handleAzureDeviceLogin).Methods("POST")
	v1.HandleFunc("/auth/azure/status", s.handleAzureAuthStatus).Methods("GET")

	s.app.Use("/", adaptor.HTTPHandler(muxRouter))
	return s
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Server.AuthToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := r.Header.Get("Authorization")
		if got != "Bearer "+s.cfg.Server.AuthToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (filter.Manageable, bool) {
	name := mux.Vars(r)["name"]
	m, ok := s.reg.Filter(name)
	if !ok {
		http.Error(w, "filter not found: "+name, http.StatusNotFound)
		return nil, false
	}
	return m, true
}

func (s *Server) handleFiltersList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"filters": s.reg.FilterNames()})
}

func (s *Server) handleFilterDescribe(w http.ResponseWriter, r *http.Request) {
	m, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"describe": m.Describe()})
}

func (s *Server) handleFilterStats(w http.ResponseWriter, r *http.Request) {
	m, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, m.Stats())
}

func (s *Server) handleFilterHealth(w http.ResponseWriter, r *http.Request) {
	m, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"health": m.Health().String()})
}

func (s *Server) handleFilterBacklog(w http.ResponseWriter, r *http.Request) {
	m, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"backlog": m.Backlog()})
}

func (s *Server) handleFilterFlush(w http.ResponseWriter, r *http.Request) {
	m, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if err := m.Flush(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleFilterReset(w http.ResponseWriter, r *http.Request) {
	m, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if err := m.Reset(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleFilterRecover(w http.ResponseWriter, r *http.Request) {
	m, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if err := m.Recover(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleFilterDump(w http.ResponseWriter, r *http.Request) {
	m, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dump": m.DumpState()})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	out, err := s.cfg.MarshalEffective(format)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(out)
}

// handleAzureDeviceLogin kicks off an Azure AD device-code login and returns
// the user code and verification URL. The resulting token is held by
// auth.Manager only; adapters/blobsink acquires its own credentials and
// does not use it.
func (s *Server) handleAzureDeviceLogin(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	code, verificationURL, message, err := s.azureAuth.StartDeviceLogin(r.Context(), tenantID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_code":        code,
		"verification_url": verificationURL,
		"message":          message,
	})
}

func (s *Server) handleAzureAuthStatus(w http.ResponseWriter, _ *http.Request) {
	authenticating, authenticated, msg, code, url := s.azureAuth.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticating":   authenticating,
		"authenticated":    authenticated,
		"message":          msg,
		"user_code":        code,
		"verification_url": url,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Listen starts the management HTTP server on addr and blocks until the
// server is shut down or fails.
func (s *Server) Listen(addr string) error {
	telemetrylog.Zap().Info("management api listening", zap.String("addr", addr), zap.String("version", version.Full()))
	return s.app.Listen(addr)
}

// ListenTLS starts the management HTTP server on addr using the certificate
// and key at certPath/keyPath, and blocks until the server is shut down or
// fails.
func (s *Server) ListenTLS(addr, certPath, keyPath string) error {
	telemetrylog.Zap().Info("management api listening (tls)", zap.String("addr", addr), zap.String("version", version.Full()))
	return s.app.ListenTLS(addr, certPath, keyPath)
}

func (s *Server) Shutdown() error {
	return s.app.ShutdownWithTimeout(5 * time.Second)
}
