package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/gateway/call"
	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/gateway/config"
	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/gateway/handlers"
	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/gateway/live"
	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/gateway/mw"
	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/gateway/sessions"
)

// Deps are the wired collaborators the HTTP surface exposes. cmd/concierged
// builds them once at startup.
type Deps struct {
	Registry   *sessions.Registry
	Controller *call.Controller
	Live       *live.Handler
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux
	deps   Deps
}

func New(cfg config.Config, logger *slog.Logger, deps Deps) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		mux:    http.NewServeMux(),
		deps:   deps,
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{Config: s.cfg, Registry: s.deps.Registry})

	s.mux.Handle("POST /v1/telephony/webhook", handlers.WebhookHandler{
		Controller: s.deps.Controller,
		Logger:     s.logger,
	})
	s.mux.Handle("GET /v1/telephony/media/{call_control_id}", handlers.MediaHandler{
		Controller: s.deps.Controller,
		Logger:     s.logger,
	})
	s.mux.Handle("GET /v1/live", handlers.LiveHandler{
		Config:  s.cfg,
		Handler: s.deps.Live,
		Logger:  s.logger,
	})

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// CancelSessions asks every registered session to stop. Used on drain after
// the listener has closed.
func (s *Server) CancelSessions() int {
	if s.deps.Registry == nil {
		return 0
	}
	return s.deps.Registry.CancelAll()
}

// WaitSessions blocks until every session has unregistered or ctx expires.
func (s *Server) WaitSessions(ctx context.Context) bool {
	if s.deps.Registry == nil {
		return true
	}
	return s.deps.Registry.Wait(ctx)
}
