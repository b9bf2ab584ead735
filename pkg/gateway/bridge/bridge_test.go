package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/core"
	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/core/types"
)

// fakeStream is an in-memory DuplexStream. Tests feed events through the
// events channel and inspect what the bridge sent.
type fakeStream struct {
	mu          sync.Mutex
	sentAudio   [][]byte
	sentText    []string
	toolResults map[string]any

	events       chan types.StreamEvent
	closeOnce    sync.Once
	blockOnClose bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		events:      make(chan types.StreamEvent, 16),
		toolResults: make(map[string]any),
	}
}

func (f *fakeStream) SendAudio(ctx context.Context, chunk []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentAudio = append(f.sentAudio, chunk)
	return nil
}

func (f *fakeStream) SendText(ctx context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentText = append(f.sentText, text)
	return nil
}

func (f *fakeStream) SendToolResult(ctx context.Context, callID string, result any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toolResults[callID] = result
	return nil
}

func (f *fakeStream) Events() <-chan types.StreamEvent { return f.events }

func (f *fakeStream) Close() error {
	if !f.blockOnClose {
		f.closeOnce.Do(func() { close(f.events) })
	}
	return nil
}

var _ core.DuplexStream = (*fakeStream)(nil)

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []types.FunctionCall
	reply any
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, call types.FunctionCall) any {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, call)
	return d.reply
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestBridgeRoutesAudioOutbound(t *testing.T) {
	stream := newFakeStream()
	b, err := New(Dependencies{Stream: stream})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b.Start()
	defer b.Close(context.Background())

	stream.events <- types.AudioChunk{Data: []byte("pcm-1")}
	stream.events <- types.AudioChunk{Data: []byte("pcm-2")}

	select {
	case <-b.Notify():
	case <-time.After(2 * time.Second):
		t.Fatal("no outbound notification")
	}

	var got [][]byte
	waitFor(t, func() bool {
		for {
			chunk, ok := b.PopOutbound()
			if !ok {
				break
			}
			got = append(got, chunk)
		}
		return len(got) == 2
	})
	if !bytes.Equal(got[0], []byte("pcm-1")) || !bytes.Equal(got[1], []byte("pcm-2")) {
		t.Errorf("outbound order = %q, %q", got[0], got[1])
	}
}

func TestBridgeInboundReachesStream(t *testing.T) {
	stream := newFakeStream()
	b, err := New(Dependencies{Stream: stream})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b.Start()
	defer b.Close(context.Background())

	b.PushInbound([]byte("mic-1"))
	b.PushInbound([]byte("mic-2"))

	waitFor(t, func() bool {
		stream.mu.Lock()
		defer stream.mu.Unlock()
		return len(stream.sentAudio) == 2
	})

	stream.mu.Lock()
	defer stream.mu.Unlock()
	if !bytes.Equal(stream.sentAudio[0], []byte("mic-1")) {
		t.Errorf("first inbound chunk = %q", stream.sentAudio[0])
	}
}

func TestBridgeTranscriptSink(t *testing.T) {
	stream := newFakeStream()
	var mu sync.Mutex
	var deltas []types.TextDelta
	b, err := New(Dependencies{
		Stream: stream,
		OnTranscript: func(d types.TextDelta) {
			mu.Lock()
			deltas = append(deltas, d)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b.Start()
	defer b.Close(context.Background())

	stream.events <- types.TextDelta{Role: types.RoleAssistant, Text: "Welcome in.", Final: true}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(deltas) == 1 && deltas[0].Text == "Welcome in."
	})
}

func TestBridgeDispatchesFunctionCalls(t *testing.T) {
	stream := newFakeStream()
	dispatcher := &fakeDispatcher{reply: map[string]any{"time": "14:02"}}
	b, err := New(Dependencies{Stream: stream, Dispatcher: dispatcher})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b.Start()
	defer b.Close(context.Background())

	stream.events <- types.FunctionCall{
		CallID:    "call-42",
		Name:      "get_current_time",
		Arguments: json.RawMessage(`{}`),
	}

	waitFor(t, func() bool {
		stream.mu.Lock()
		defer stream.mu.Unlock()
		_, ok := stream.toolResults["call-42"]
		return ok
	})

	dispatcher.mu.Lock()
	if len(dispatcher.calls) != 1 || dispatcher.calls[0].Name != "get_current_time" {
		t.Errorf("dispatcher calls = %+v", dispatcher.calls)
	}
	dispatcher.mu.Unlock()
}

func TestBridgeNoDispatcherStillReplies(t *testing.T) {
	stream := newFakeStream()
	b, err := New(Dependencies{Stream: stream})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b.Start()
	defer b.Close(context.Background())

	stream.events <- types.FunctionCall{CallID: "call-1", Name: "mystery"}
	// The stream must remain usable after an unroutable call.
	stream.events <- types.AudioChunk{Data: []byte("after")}

	waitFor(t, func() bool {
		stream.mu.Lock()
		defer stream.mu.Unlock()
		_, ok := stream.toolResults["call-1"]
		return ok
	})
	waitFor(t, func() bool {
		_, ok := b.PopOutbound()
		return ok
	})
}

func TestBridgeDropOldestOutbound(t *testing.T) {
	stream := newFakeStream()
	b, err := New(Dependencies{Stream: stream, OutboundQueueSize: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b.Start()
	defer b.Close(context.Background())

	for i := 0; i < 5; i++ {
		stream.events <- types.AudioChunk{Data: []byte{byte('a' + i)}}
	}

	// Newest chunks survive; the oldest were evicted.
	waitFor(t, func() bool {
		chunk, ok := b.PopOutbound()
		return ok && chunk[0] == 'd'
	})
	chunk, ok := b.PopOutbound()
	if !ok || chunk[0] != 'e' {
		t.Errorf("second surviving chunk = %v ok=%v, want 'e'", chunk, ok)
	}
}

func TestBridgeStreamClosedStopsLoop(t *testing.T) {
	stream := newFakeStream()
	b, err := New(Dependencies{Stream: stream})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b.Start()

	stream.events <- types.StreamClosed{Err: errors.New("upstream hangup")}

	select {
	case <-b.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("receive loop did not stop on stream close")
	}
	if err := b.Close(context.Background()); err != nil {
		t.Errorf("Close after stream end: %v", err)
	}
}

func TestBridgeCloseBounded(t *testing.T) {
	stream := newFakeStream()
	stream.blockOnClose = true // events channel never closes
	b, err := New(Dependencies{Stream: stream, CloseTimeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b.Start()

	start := time.Now()
	err = b.Close(context.Background())
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Close took %v, want bounded", elapsed)
	}
}
