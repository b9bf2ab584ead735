package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/core"
	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/core/types"
)

// ErrCloseTimeout reports that the background receive loop could not be
// stopped within the teardown bound. The session state is indeterminate at
// that point and callers must abort it forcibly.
var ErrCloseTimeout = errors.New("bridge receive loop did not stop within bound")

// ToolDispatcher executes a provider function call and always produces a
// result payload, error-shaped or not.
type ToolDispatcher interface {
	Dispatch(ctx context.Context, call types.FunctionCall) any
}

// Dependencies wires one Bridge. Stream is required; the rest degrade to
// no-ops.
type Dependencies struct {
	Stream       core.DuplexStream
	Dispatcher   ToolDispatcher
	OnTranscript func(delta types.TextDelta)
	Logger       *slog.Logger

	// OutboundQueueSize bounds provider->transport audio; oldest chunks are
	// dropped when the transport falls behind. InboundQueueSize bounds the
	// fire-and-forget transport->provider path.
	OutboundQueueSize int
	InboundQueueSize  int
	CloseTimeout      time.Duration
}

// Bridge pairs one transport's media with one provider duplex stream. It owns
// the inbound send path and the outbound queue for exactly one session.
type Bridge struct {
	stream       core.DuplexStream
	dispatcher   ToolDispatcher
	onTranscript func(delta types.TextDelta)
	logger       *slog.Logger
	closeTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	inbound  chan []byte
	outbound chan []byte
	notify   chan struct{}

	done chan struct{}
}

func New(deps Dependencies) (*Bridge, error) {
	if deps.Stream == nil {
		return nil, fmt.Errorf("duplex stream is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.OutboundQueueSize <= 0 {
		deps.OutboundQueueSize = 256
	}
	if deps.InboundQueueSize <= 0 {
		deps.InboundQueueSize = 64
	}
	if deps.CloseTimeout <= 0 {
		deps.CloseTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		stream:       deps.Stream,
		dispatcher:   deps.Dispatcher,
		onTranscript: deps.OnTranscript,
		logger:       deps.Logger,
		closeTimeout: deps.CloseTimeout,
		ctx:          ctx,
		cancel:       cancel,
		inbound:      make(chan []byte, deps.InboundQueueSize),
		outbound:     make(chan []byte, deps.OutboundQueueSize),
		notify:       make(chan struct{}, 1),
		done:         make(chan struct{}),
	}, nil
}

// Start launches the sender task and the duplex receive loop.
func (b *Bridge) Start() {
	go b.sendLoop()
	go b.receiveLoop()
}

// PushInbound forwards a transport chunk toward the provider. It never blocks
// the caller; when the send queue is full the chunk is dropped.
func (b *Bridge) PushInbound(chunk []byte) {
	select {
	case b.inbound <- chunk:
	default:
		b.logger.Debug("inbound audio dropped", "bytes", len(chunk))
	}
}

// PushText submits a guest text turn (stt result or typed message routed
// into an active call) to the provider.
func (b *Bridge) PushText(ctx context.Context, text string) error {
	return b.stream.SendText(ctx, text)
}

// PopOutbound returns the next provider audio chunk without blocking.
func (b *Bridge) PopOutbound() ([]byte, bool) {
	select {
	case chunk := <-b.outbound:
		return chunk, true
	default:
		return nil, false
	}
}

// Notify signals that outbound audio may be available; the transport polls
// PopOutbound after a tick.
func (b *Bridge) Notify() <-chan struct{} {
	return b.notify
}

// Done is closed when the receive loop exits.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// Close cancels the background tasks and awaits the receive loop within the
// teardown bound. Unconsumed outbound chunks are discarded, not flushed.
func (b *Bridge) Close(ctx context.Context) error {
	b.cancel()
	_ = b.stream.Close()

	bound := b.closeTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < bound {
			bound = until
		}
	}
	timer := time.NewTimer(bound)
	defer timer.Stop()
	select {
	case <-b.done:
		return nil
	case <-timer.C:
		return ErrCloseTimeout
	}
}

func (b *Bridge) sendLoop() {
	for {
		select {
		case <-b.ctx.Done():
			return
		case chunk := <-b.inbound:
			if err := b.stream.SendAudio(b.ctx, chunk); err != nil {
				if b.ctx.Err() == nil {
					b.logger.Warn("inbound audio send failed", "error", err)
				}
				return
			}
		}
	}
}

// receiveLoop classifies each provider event once and routes on the tag:
// audio to the outbound queue, text to the transcript sink, function calls
// through the dispatcher and back into the stream.
func (b *Bridge) receiveLoop() {
	defer close(b.done)
	for {
		select {
		case <-b.ctx.Done():
			return
		case event, ok := <-b.stream.Events():
			if !ok {
				return
			}
			switch ev := event.(type) {
			case types.AudioChunk:
				b.enqueueOutbound(ev.Data)
			case types.TextDelta:
				if b.onTranscript != nil {
					b.onTranscript(ev)
				}
			case types.FunctionCall:
				b.dispatch(ev)
			case types.StreamClosed:
				if ev.Err != nil {
					b.logger.Warn("provider stream closed", "error", ev.Err)
				}
				return
			case types.UnknownEvent:
				b.logger.Debug("unknown provider event", "type", ev.Type)
			}
		}
	}
}

func (b *Bridge) enqueueOutbound(chunk []byte) {
	for {
		select {
		case b.outbound <- chunk:
			select {
			case b.notify <- struct{}{}:
			default:
			}
			return
		default:
		}
		// Queue full: drop the oldest chunk to keep latency bounded.
		select {
		case <-b.outbound:
		default:
		}
	}
}

func (b *Bridge) dispatch(call types.FunctionCall) {
	var result any
	if b.dispatcher == nil {
		result = map[string]any{"error": fmt.Sprintf("no capability registered for %q", call.Name)}
	} else {
		result = b.dispatcher.Dispatch(b.ctx, call)
	}
	if err := b.stream.SendToolResult(b.ctx, call.CallID, result); err != nil {
		if b.ctx.Err() == nil {
			b.logger.Warn("tool result send failed", "tool", call.Name, "error", err)
		}
	}
}
