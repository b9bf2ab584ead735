package types

import "encoding/json"

// StreamEvent is one decoded event from the AI provider's duplex channel.
// Provider payloads are classified into a tagged variant exactly once at the
// stream boundary; everything downstream dispatches on the concrete type.
type StreamEvent interface {
	streamEvent()
}

// AudioChunk carries synthesized assistant audio.
type AudioChunk struct {
	Data []byte
}

// TextDelta carries an incremental transcript fragment for either side of the
// conversation.
type TextDelta struct {
	Role  Role
	Text  string
	Final bool
}

// FunctionCall is a provider request to execute a named local capability and
// return exactly one result.
type FunctionCall struct {
	CallID    string
	Name      string
	Arguments json.RawMessage
}

// StreamClosed signals the provider closed the channel. Err is nil on a clean
// close.
type StreamClosed struct {
	Err error
}

// UnknownEvent is a provider event the decoder does not recognize. It is kept
// so the receive loop can log it instead of misrouting it.
type UnknownEvent struct {
	Type string
}

func (AudioChunk) streamEvent()   {}
func (TextDelta) streamEvent()    {}
func (FunctionCall) streamEvent() {}
func (StreamClosed) streamEvent() {}
func (UnknownEvent) streamEvent() {}
