package handlers

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/core"
	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/gateway/call"
	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/gateway/mw"
	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/telephony/telnyx"
)

const maxWebhookBodyBytes = 1 << 20

// WebhookHandler receives Telnyx call-control and messaging webhooks and
// feeds the decoded events to the call controller. Telnyx retries on
// non-2xx, so anything past decode is acknowledged regardless of outcome.
type WebhookHandler struct {
	Controller *call.Controller
	Logger     *slog.Logger
}

func (h WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeCoreErrorJSON(w, core.NewError(core.ErrInvalidRequest, "method not allowed"), http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes))
	if err != nil {
		writeCoreErrorJSON(w, core.NewError(core.ErrInvalidRequest, "failed to read body"), http.StatusBadRequest)
		return
	}

	event, err := telnyx.DecodeEvent(body)
	if err != nil {
		if h.Logger != nil {
			reqID, _ := mw.RequestIDFrom(r.Context())
			h.Logger.Warn("malformed webhook", "request_id", reqID, "error", err)
		}
		writeCoreErrorJSON(w, core.NewError(core.ErrInvalidRequest, "malformed webhook payload"), http.StatusBadRequest)
		return
	}

	if h.Controller != nil {
		h.Controller.Handle(r.Context(), event)
	}
	w.WriteHeader(http.StatusOK)
}
