package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/core"
	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/gateway/config"
	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/gateway/live"
	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/gateway/mw"
)

// LiveHandler upgrades guest app connections and hands them to the socket
// session loop.
type LiveHandler struct {
	Config  config.Config
	Handler *live.Handler
	Logger  *slog.Logger
}

func (h LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeCoreErrorJSON(w, core.NewError(core.ErrInvalidRequest, "method not allowed"), http.StatusMethodNotAllowed)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}

	if h.Config.MaxMessageBytes > 0 {
		conn.SetReadLimit(h.Config.MaxMessageBytes)
	}

	reqID, _ := mw.RequestIDFrom(r.Context())
	if h.Logger != nil {
		h.Logger.Debug("guest socket opened", "request_id", reqID, "remote", r.RemoteAddr)
	}

	h.Handler.Run(r.Context(), conn)

	if h.Logger != nil {
		h.Logger.Debug("guest socket closed", "request_id", reqID)
	}
}
