package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/core"
	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/gateway/bridge"
	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/gateway/call"
)

const (
	mediaWriteTimeout = 5 * time.Second
	// Telnyx dials the stream URL while the answer webhook is still being
	// processed, so the bridge may lag the socket by a moment.
	bridgeLookupWindow = 3 * time.Second
	bridgeLookupTick   = 50 * time.Millisecond
)

// mediaFrame is the Telnyx media streaming wire format, both directions.
type mediaFrame struct {
	Event string       `json:"event"`
	Media mediaPayload `json:"media,omitempty"`
}

type mediaPayload struct {
	Track   string `json:"track,omitempty"`
	Payload string `json:"payload"`
}

// MediaHandler carries the bidirectional audio of one phone call between the
// Telnyx media websocket and the call's AudioBridge. The route pattern binds
// the call control ID as {call_control_id}.
type MediaHandler struct {
	Controller *call.Controller
	Logger     *slog.Logger
}

func (h MediaHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Controller == nil {
		writeCoreErrorJSON(w, core.NewError(core.ErrNotFound, "telephony is not enabled"), http.StatusNotFound)
		return
	}
	callControlID := r.PathValue("call_control_id")
	if callControlID == "" {
		writeCoreErrorJSON(w, core.NewError(core.ErrInvalidRequest, "missing call_control_id"), http.StatusBadRequest)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	b, ok := h.waitForBridge(r.Context(), callControlID)
	if !ok {
		if h.Logger != nil {
			h.Logger.Warn("media socket for unknown call", "call_control_id", callControlID)
		}
		return
	}

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		h.readPump(conn, b)
	}()

	h.writePump(conn, b, readerDone)

	if h.Logger != nil {
		h.Logger.Debug("media socket closed", "call_control_id", callControlID)
	}
}

func (h MediaHandler) waitForBridge(ctx context.Context, callControlID string) (*bridge.Bridge, bool) {
	deadline := time.Now().Add(bridgeLookupWindow)
	for {
		if b, ok := h.Controller.Bridge(callControlID); ok {
			return b, true
		}
		if time.Now().After(deadline) {
			return nil, false
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(bridgeLookupTick):
		}
	}
}

// readPump decodes inbound Telnyx frames and feeds caller audio to the
// bridge. It returns when the socket errors or Telnyx signals stop.
func (h MediaHandler) readPump(conn *websocket.Conn, b *bridge.Bridge) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame mediaFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			if h.Logger != nil {
				h.Logger.Debug("malformed media frame", "error", err)
			}
			continue
		}
		switch frame.Event {
		case "media":
			chunk, err := base64.StdEncoding.DecodeString(frame.Media.Payload)
			if err != nil || len(chunk) == 0 {
				continue
			}
			b.PushInbound(chunk)
		case "stop":
			return
		default:
			// connected, start, dtmf and friends need no action.
		}
	}
}

// writePump streams provider audio back to Telnyx until the bridge or the
// socket goes away.
func (h MediaHandler) writePump(conn *websocket.Conn, b *bridge.Bridge, readerDone <-chan struct{}) {
	for {
		select {
		case <-readerDone:
			return
		case <-b.Done():
			h.flushOutbound(conn, b)
			return
		case <-b.Notify():
			if !h.flushOutbound(conn, b) {
				return
			}
		}
	}
}

func (h MediaHandler) flushOutbound(conn *websocket.Conn, b *bridge.Bridge) bool {
	for {
		chunk, ok := b.PopOutbound()
		if !ok {
			return true
		}
		frame := mediaFrame{
			Event: "media",
			Media: mediaPayload{Payload: base64.StdEncoding.EncodeToString(chunk)},
		}
		data, err := json.Marshal(frame)
		if err != nil {
			return true
		}
		_ = conn.SetWriteDeadline(time.Now().Add(mediaWriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return false
		}
	}
}
