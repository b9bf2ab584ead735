package core

import (
	"context"

	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/core/types"
)

// ToolDefinition describes one local capability advertised to the provider.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// DuplexConfig configures one duplex streaming session.
type DuplexConfig struct {
	Instructions string
	Voice        string
	Tools        []ToolDefinition
}

// DuplexStream is a bidirectional channel to the AI provider: input turns go
// in, an ordered sequence of tagged events comes out.
type DuplexStream interface {
	SendAudio(ctx context.Context, chunk []byte) error
	SendText(ctx context.Context, text string) error
	SendToolResult(ctx context.Context, callID string, result any) error
	Events() <-chan types.StreamEvent
	Close() error
}

// CompletionRequest is a one-shot text request (text chat turns, transcript
// summaries).
type CompletionRequest struct {
	System    string
	Messages  []types.ConversationEntry
	MaxTokens int
}

// Provider is the AI backend contract. Implementations surface quota errors
// as *Error with type rate_limit_error so callers can classify them.
type Provider interface {
	OpenDuplex(ctx context.Context, cfg DuplexConfig) (DuplexStream, error)
	Complete(ctx context.Context, req CompletionRequest) (string, error)
	Embed(ctx context.Context, text string) ([]float32, error)
}
