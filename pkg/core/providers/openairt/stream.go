package openairt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/core"
	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/core/types"
)

// duplexStream implements core.DuplexStream over a realtime websocket.
type duplexStream struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	events  chan types.StreamEvent

	closeOnce sync.Once
	closed    chan struct{}
}

// OpenDuplex implements core.Provider. The returned stream's Events channel
// is closed after a StreamClosed event is delivered.
func (p *Provider) OpenDuplex(ctx context.Context, cfg core.DuplexConfig) (core.DuplexStream, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+p.apiKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	url := fmt.Sprintf("%s/v1/realtime?model=%s", p.wsBaseURL, p.realtimeModel)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return nil, core.NewRateLimitError("realtime session rejected", 0)
		}
		return nil, core.NewProviderError("openairt", err)
	}

	s := &duplexStream{
		conn:   conn,
		events: make(chan types.StreamEvent, 64),
		closed: make(chan struct{}),
	}

	if err := s.sendSessionUpdate(cfg); err != nil {
		_ = conn.Close()
		return nil, err
	}

	go s.receiveLoop()
	return s, nil
}

func (s *duplexStream) sendSessionUpdate(cfg core.DuplexConfig) error {
	tools := make([]map[string]any, 0, len(cfg.Tools))
	for _, tool := range cfg.Tools {
		tools = append(tools, map[string]any{
			"type":        "function",
			"name":        tool.Name,
			"description": tool.Description,
			"parameters":  tool.Parameters,
		})
	}
	return s.writeJSON(map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"instructions": cfg.Instructions,
			"voice":        cfg.Voice,
			"tools":        tools,
			"input_audio_transcription": map[string]any{
				"model": "whisper-1",
			},
		},
	})
}

// SendAudio implements core.DuplexStream.
func (s *duplexStream) SendAudio(ctx context.Context, chunk []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.writeJSON(map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(chunk),
	})
}

// SendText implements core.DuplexStream.
func (s *duplexStream) SendText(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.writeJSON(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type": "message",
			"role": "user",
			"content": []map[string]any{
				{"type": "input_text", "text": text},
			},
		},
	}); err != nil {
		return err
	}
	return s.writeJSON(map[string]any{"type": "response.create"})
}

// SendToolResult implements core.DuplexStream. The provider expects exactly
// one function_call_output per call id, followed by a response.create so
// generation continues.
func (s *duplexStream) SendToolResult(ctx context.Context, callID string, result any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	output, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("openairt: marshal tool result: %w", err)
	}
	if err := s.writeJSON(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  string(output),
		},
	}); err != nil {
		return err
	}
	return s.writeJSON(map[string]any{"type": "response.create"})
}

// Events implements core.DuplexStream.
func (s *duplexStream) Events() <-chan types.StreamEvent {
	return s.events
}

// Close implements core.DuplexStream.
func (s *duplexStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.conn.Close()
	})
	return err
}

func (s *duplexStream) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

func (s *duplexStream) receiveLoop() {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closed:
				s.emit(types.StreamClosed{})
			default:
				s.emit(types.StreamClosed{Err: err})
			}
			return
		}
		event, ok := decodeServerEvent(data)
		if !ok {
			continue
		}
		s.emit(event)
		if _, isClosed := event.(types.StreamClosed); isClosed {
			return
		}
	}
}

func (s *duplexStream) emit(event types.StreamEvent) {
	select {
	case s.events <- event:
	case <-s.closed:
	}
}

// serverEvent is the wire shape of realtime server events; only the fields
// the classifier needs are decoded.
type serverEvent struct {
	Type       string `json:"type"`
	Delta      string `json:"delta,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	CallID     string `json:"call_id,omitempty"`
	Name       string `json:"name,omitempty"`
	Arguments  string `json:"arguments,omitempty"`
	Error      *struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error,omitempty"`
}

// decodeServerEvent classifies one provider frame into a tagged variant. It
// returns ok=false for frames that carry no information for the bridge
// (acks, buffer commits, rate limit telemetry).
func decodeServerEvent(data []byte) (types.StreamEvent, bool) {
	var ev serverEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return types.UnknownEvent{Type: "unparseable"}, true
	}

	switch ev.Type {
	case "response.audio.delta":
		audio, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil {
			return types.UnknownEvent{Type: ev.Type}, true
		}
		return types.AudioChunk{Data: audio}, true
	case "response.audio_transcript.delta":
		return types.TextDelta{Role: types.RoleAssistant, Text: ev.Delta}, true
	case "response.audio_transcript.done":
		return types.TextDelta{Role: types.RoleAssistant, Text: ev.Transcript, Final: true}, true
	case "response.text.delta":
		return types.TextDelta{Role: types.RoleAssistant, Text: ev.Delta}, true
	case "conversation.item.input_audio_transcription.completed":
		return types.TextDelta{Role: types.RoleGuest, Text: ev.Transcript, Final: true}, true
	case "response.function_call_arguments.done":
		return types.FunctionCall{
			CallID:    ev.CallID,
			Name:      ev.Name,
			Arguments: json.RawMessage(ev.Arguments),
		}, true
	case "error":
		message := "provider stream error"
		if ev.Error != nil {
			message = ev.Error.Message
		}
		return types.StreamClosed{Err: &core.Error{Type: core.ErrProvider, Message: message}}, true
	case "session.created", "session.updated",
		"input_audio_buffer.speech_started", "input_audio_buffer.speech_stopped",
		"input_audio_buffer.committed",
		"conversation.item.created",
		"response.created", "response.done",
		"response.output_item.added", "response.output_item.done",
		"response.content_part.added", "response.content_part.done",
		"response.audio.done", "response.text.done",
		"rate_limits.updated":
		return nil, false
	default:
		return types.UnknownEvent{Type: ev.Type}, true
	}
}
