package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/gateway/config"
	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/gateway/sessions"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// ReadyHandler reports whether the gateway is configured well enough to take
// traffic, plus the current session load.
type ReadyHandler struct {
	Config   config.Config
	Registry *sessions.Registry
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK       bool     `json:"ok"`
		Tier     string   `json:"rate_tier"`
		Sessions int      `json:"active_sessions"`
		Issues   []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 2)
	if err := h.Config.Validate(); err != nil {
		issues = append(issues, err.Error())
	}

	count := 0
	if h.Registry != nil {
		count = h.Registry.Count()
	}

	ok := len(issues) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:       ok,
		Tier:     string(h.Config.RateTier),
		Sessions: count,
		Issues:   issues,
	})
}
