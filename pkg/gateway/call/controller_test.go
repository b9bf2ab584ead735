package call

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/core"
	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/core/types"
	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/gateway/sessions"
	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/store/guest"
	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/telephony/telnyx"
)

type fakeTransport struct {
	mu        sync.Mutex
	answers   []string
	streamURL string
	answerErr error
	hangups   []string
	messages  map[string]string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{messages: make(map[string]string)}
}

func (f *fakeTransport) Answer(ctx context.Context, callControlID, streamURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, callControlID)
	f.streamURL = streamURL
	return f.answerErr
}

func (f *fakeTransport) Hangup(ctx context.Context, callControlID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups = append(f.hangups, callControlID)
	return nil
}

func (f *fakeTransport) SendMessage(ctx context.Context, to, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[to] = text
	return nil
}

type fakeDuplex struct {
	events    chan types.StreamEvent
	closeOnce sync.Once
}

func newFakeDuplex() *fakeDuplex {
	return &fakeDuplex{events: make(chan types.StreamEvent, 16)}
}

func (f *fakeDuplex) SendAudio(ctx context.Context, chunk []byte) error { return nil }
func (f *fakeDuplex) SendText(ctx context.Context, text string) error   { return nil }
func (f *fakeDuplex) SendToolResult(ctx context.Context, callID string, result any) error {
	return nil
}
func (f *fakeDuplex) Events() <-chan types.StreamEvent { return f.events }
func (f *fakeDuplex) Close() error {
	f.closeOnce.Do(func() { close(f.events) })
	return nil
}

type fakeOpener struct {
	mu      sync.Mutex
	streams []*fakeDuplex
	openErr error
	lastCfg core.DuplexConfig
}

func (f *fakeOpener) OpenDuplex(ctx context.Context, cfg core.DuplexConfig) (core.DuplexStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastCfg = cfg
	if f.openErr != nil {
		return nil, f.openErr
	}
	s := newFakeDuplex()
	f.streams = append(f.streams, s)
	return s, nil
}

type stubGuestStore struct {
	reservation *guest.Reservation
	lookupErr   error
}

func (s *stubGuestStore) ResolveIdentity(ctx context.Context, token string) (*guest.Identity, error) {
	return nil, errors.New("not implemented")
}
func (s *stubGuestStore) GetProperty(ctx context.Context, id string) (*guest.Property, error) {
	return nil, errors.New("not implemented")
}
func (s *stubGuestStore) FindReservationByPhone(ctx context.Context, phone string) (*guest.Reservation, error) {
	if s.lookupErr != nil {
		return nil, s.lookupErr
	}
	return s.reservation, nil
}
func (s *stubGuestStore) GetReservation(ctx context.Context, id string) (*guest.Reservation, error) {
	return nil, errors.New("not implemented")
}
func (s *stubGuestStore) CreateConversation(ctx context.Context, propertyID, participant string) (string, error) {
	return "conv-1", nil
}
func (s *stubGuestStore) AppendEntry(ctx context.Context, conversationID string, entry types.ConversationEntry) error {
	return nil
}
func (s *stubGuestStore) FinalizeConversation(ctx context.Context, conversationID, summary string) error {
	return nil
}

func newTestController(t *testing.T, transport *fakeTransport, opener *fakeOpener, store guest.Store) (*Controller, *sessions.Registry) {
	t.Helper()
	registry := sessions.NewRegistry()
	c, err := NewController(Config{
		Transport:    transport,
		Provider:     opener,
		Store:        store,
		Registry:     registry,
		Logger:       slog.New(slog.DiscardHandler),
		MediaURLBase: "wss://gw.example/v1/telephony/media",
		Instructions: "You are a property concierge.",
		Voice:        "alloy",
	})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	return c, registry
}

func TestControllerAnswersInboundCall(t *testing.T) {
	transport := newFakeTransport()
	opener := &fakeOpener{}
	c, _ := newTestController(t, transport, opener, nil)

	c.Handle(context.Background(), telnyx.CallInitiated{
		CallControlID: "cc-1", From: "+15550001111", To: "+15550009999",
	})

	transport.mu.Lock()
	defer transport.mu.Unlock()
	if len(transport.answers) != 1 || transport.answers[0] != "cc-1" {
		t.Fatalf("answers = %v, want [cc-1]", transport.answers)
	}
	if transport.streamURL != "wss://gw.example/v1/telephony/media/cc-1" {
		t.Errorf("stream URL = %q", transport.streamURL)
	}
}

func TestControllerSuppressesDuplicateInitiated(t *testing.T) {
	transport := newFakeTransport()
	opener := &fakeOpener{}
	c, _ := newTestController(t, transport, opener, nil)

	ev := telnyx.CallInitiated{CallControlID: "cc-1", From: "+15550001111"}
	c.Handle(context.Background(), ev)
	c.Handle(context.Background(), ev)
	c.Handle(context.Background(), ev)

	transport.mu.Lock()
	defer transport.mu.Unlock()
	if len(transport.answers) != 1 {
		t.Errorf("answer attempts = %d, want 1", len(transport.answers))
	}
	if c.ActiveCalls() != 1 {
		t.Errorf("ActiveCalls = %d, want 1", c.ActiveCalls())
	}
}

func TestControllerAnswerRacesHangup(t *testing.T) {
	transport := newFakeTransport()
	transport.answerErr = telnyx.ErrCallEnded
	opener := &fakeOpener{}
	c, _ := newTestController(t, transport, opener, nil)

	c.Handle(context.Background(), telnyx.CallInitiated{CallControlID: "cc-1", From: "+1555"})

	// Record discarded silently; a later answered webhook finds nothing.
	if c.ActiveCalls() != 0 {
		t.Errorf("ActiveCalls = %d, want 0", c.ActiveCalls())
	}
	c.Handle(context.Background(), telnyx.CallAnswered{CallControlID: "cc-1"})
	if _, ok := c.Bridge("cc-1"); ok {
		t.Error("bridge exists for a discarded call")
	}
}

func TestControllerActivatesOnAnswered(t *testing.T) {
	transport := newFakeTransport()
	opener := &fakeOpener{}
	store := &stubGuestStore{reservation: &guest.Reservation{
		ID: "res-1", PropertyID: "prop-1", GuestName: "Dana", GuestPhone: "+15550001111",
	}}
	c, registry := newTestController(t, transport, opener, store)

	c.Handle(context.Background(), telnyx.CallInitiated{CallControlID: "cc-1", From: "+15550001111"})
	c.Handle(context.Background(), telnyx.CallAnswered{CallControlID: "cc-1"})

	if _, ok := c.Bridge("cc-1"); !ok {
		t.Fatal("no bridge after answered")
	}
	s, ok := registry.Get("cc-1")
	if !ok {
		t.Fatal("no session after answered")
	}
	if s.GuestName != "Dana" || s.PropertyID != "prop-1" || s.ReservationID != "res-1" {
		t.Errorf("session context = %q/%q/%q", s.GuestName, s.PropertyID, s.ReservationID)
	}
	opener.mu.Lock()
	if opener.lastCfg.Instructions == "You are a property concierge." {
		t.Error("instructions missing guest context")
	}
	opener.mu.Unlock()
}

func TestControllerAnonymousCallerStillAnswered(t *testing.T) {
	transport := newFakeTransport()
	opener := &fakeOpener{}
	store := &stubGuestStore{lookupErr: errors.New("supabase down")}
	c, registry := newTestController(t, transport, opener, store)

	c.Handle(context.Background(), telnyx.CallInitiated{CallControlID: "cc-1", From: "+15550007777"})
	c.Handle(context.Background(), telnyx.CallAnswered{CallControlID: "cc-1"})

	s, ok := registry.Get("cc-1")
	if !ok {
		t.Fatal("no session for anonymous caller")
	}
	if s.GuestName != "Guest" {
		t.Errorf("GuestName = %q, want Guest", s.GuestName)
	}
}

func TestControllerDuplexFailureAborts(t *testing.T) {
	transport := newFakeTransport()
	opener := &fakeOpener{openErr: errors.New("provider offline")}
	c, registry := newTestController(t, transport, opener, nil)

	c.Handle(context.Background(), telnyx.CallInitiated{CallControlID: "cc-1", From: "+1555"})
	c.Handle(context.Background(), telnyx.CallAnswered{CallControlID: "cc-1"})

	if c.ActiveCalls() != 0 {
		t.Errorf("ActiveCalls = %d, want 0", c.ActiveCalls())
	}
	if registry.Count() != 0 {
		t.Errorf("registry count = %d, want 0", registry.Count())
	}
	transport.mu.Lock()
	defer transport.mu.Unlock()
	if len(transport.hangups) != 1 {
		t.Errorf("hangups = %v, want one", transport.hangups)
	}
}

func TestControllerHangupIdempotent(t *testing.T) {
	transport := newFakeTransport()
	opener := &fakeOpener{}
	c, registry := newTestController(t, transport, opener, nil)

	c.Handle(context.Background(), telnyx.CallInitiated{CallControlID: "cc-1", From: "+1555"})
	c.Handle(context.Background(), telnyx.CallAnswered{CallControlID: "cc-1"})
	if c.ActiveCalls() != 1 {
		t.Fatalf("ActiveCalls = %d, want 1", c.ActiveCalls())
	}

	hangup := telnyx.CallHangup{CallControlID: "cc-1", Cause: "normal_clearing"}
	c.Handle(context.Background(), hangup)
	c.Handle(context.Background(), hangup)
	c.Handle(context.Background(), hangup)

	if c.ActiveCalls() != 0 {
		t.Errorf("ActiveCalls = %d, want 0", c.ActiveCalls())
	}
	if registry.Count() != 0 {
		t.Errorf("registry count = %d, want 0", registry.Count())
	}
}

func TestControllerHangupBeforeAnswered(t *testing.T) {
	transport := newFakeTransport()
	opener := &fakeOpener{}
	c, _ := newTestController(t, transport, opener, nil)

	c.Handle(context.Background(), telnyx.CallInitiated{CallControlID: "cc-1", From: "+1555"})
	c.Handle(context.Background(), telnyx.CallHangup{CallControlID: "cc-1", Cause: "originator_cancel"})

	if c.ActiveCalls() != 0 {
		t.Errorf("ActiveCalls = %d, want 0", c.ActiveCalls())
	}
	// A stale answered webhook after hangup must not build a bridge.
	c.Handle(context.Background(), telnyx.CallAnswered{CallControlID: "cc-1"})
	if _, ok := c.Bridge("cc-1"); ok {
		t.Error("bridge built for hung-up call")
	}
}

func TestControllerTranscriptAppended(t *testing.T) {
	transport := newFakeTransport()
	opener := &fakeOpener{}
	c, registry := newTestController(t, transport, opener, nil)

	c.Handle(context.Background(), telnyx.CallInitiated{CallControlID: "cc-1", From: "+1555"})
	c.Handle(context.Background(), telnyx.CallAnswered{CallControlID: "cc-1"})

	opener.mu.Lock()
	stream := opener.streams[0]
	opener.mu.Unlock()

	stream.events <- types.TextDelta{Role: types.RoleAssistant, Text: "partial", Final: false}
	stream.events <- types.TextDelta{Role: types.RoleAssistant, Text: "Welcome to the flat.", Final: true}

	deadline := time.Now().Add(2 * time.Second)
	for {
		var entries []types.ConversationEntry
		_ = registry.Update("cc-1", func(s *sessions.Session) {
			entries = append(entries, s.History...)
		})
		if len(entries) == 1 {
			if entries[0].Role != types.RoleAssistant || entries[0].Text != "Welcome to the flat." {
				t.Errorf("transcript = %s %q, want assistant entry", entries[0].Role, entries[0].Text)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("final transcript never appended")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestControllerSMSAck(t *testing.T) {
	transport := newFakeTransport()
	opener := &fakeOpener{}
	c, _ := newTestController(t, transport, opener, nil)

	c.Handle(context.Background(), telnyx.MessageReceived{
		MessageID: "msg-1", From: "+15550001111", Text: "is the pool open?",
	})

	transport.mu.Lock()
	defer transport.mu.Unlock()
	if transport.messages["+15550001111"] == "" {
		t.Error("no SMS acknowledgement sent")
	}
}
