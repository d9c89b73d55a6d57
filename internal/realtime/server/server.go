// Package server exposes realtimed's HTTP surface: a health check and the
// WebSocket upgrade endpoint that hands connections off to the Protocol
// Dispatcher.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/wireloom/relaycore/internal/realtime/app"
	"github.com/wireloom/relaycore/internal/realtime/wsproto"
	"github.com/wireloom/relaycore/internal/security"
	"github.com/wireloom/relaycore/internal/util"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	Logger         *slog.Logger
	TrustedProxies *util.TrustedProxies
	Audit          *security.AuditAlerter
}

// Server exposes HTTP endpoints for the realtime service.
type Server struct {
	app            *app.App
	logger         *slog.Logger
	trustedProxies *util.TrustedProxies
	audit          *security.AuditAlerter
	mux            *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		app:            cfg.App,
		logger:         logger,
		trustedProxies: cfg.TrustedProxies,
		audit:          cfg.Audit,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the fully wrapped handler: request id, CORS, security
// headers and request logging around the mux, matching authd's chain.
func (s *Server) Router() http.Handler {
	var h http.Handler = s.mux
	h = util.WithSecurityHeaders(h)
	h = util.WithCORS(h)
	h = util.WithRequestLog("realtimed", h)
	h = util.WithRequestID(h)
	return h
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/realtime/ws", s.handleWebSocket)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleWebSocket implements the Auth Gate (spec.md §4.2): the bearer
// credential arrives as a query parameter because browsers cannot set
// arbitrary headers on the WebSocket handshake. spec.md §6 ties any
// authentication failure to WebSocket close code 4001, which can only be
// sent once the handshake has completed, so the upgrade always proceeds and
// a failed check closes the resulting socket immediately instead of
// rejecting the HTTP request outright.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	userID, err := s.app.AuthenticateConnect(token)
	if err != nil {
		reason := "invalid token"
		if err == app.ErrMissingCredential {
			reason = "missing token"
		}
		s.observe("ws.connect", "fail", r)
		if err := wsproto.RejectUnauthorized(w, r, reason); err != nil {
			s.logger.Warn("websocket upgrade failed during auth rejection", "err", err)
		}
		return
	}

	conn, err := wsproto.Upgrade(w, r, userID, s.app.Registry, s.app.Bus, s.app.Engines(), s.logger)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	conn.Serve(r.Context())
}

// observe feeds a security event into the audit alerter, if one is wired,
// and logs when the resulting window crosses its threshold, mirroring
// authd's own observe helper.
func (s *Server) observe(event, outcome string, r *http.Request) {
	if s.audit == nil {
		return
	}
	ip := util.ClientIP(r, s.trustedProxies)
	result, err := s.audit.Observe(event, outcome, ip)
	if err != nil {
		s.logger.Warn("audit alerter observe failed", "event", event, "err", err)
		return
	}
	if result.Triggered {
		s.logger.Warn("security alert threshold reached", "event", event, "outcome", outcome, "ip", ip, "count", result.Count, "threshold", result.Threshold, "window", result.Window)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
