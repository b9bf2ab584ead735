package recorder

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/core"
	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/core/types"
	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/store/guest"
)

type memStore struct {
	mu        sync.Mutex
	nextID    string
	createErr error
	appendErr error

	entries   map[string][]types.ConversationEntry
	summaries map[string]string
}

func newMemStore() *memStore {
	return &memStore{
		nextID:    "conv-1",
		entries:   make(map[string][]types.ConversationEntry),
		summaries: make(map[string]string),
	}
}

func (m *memStore) ResolveIdentity(ctx context.Context, token string) (*guest.Identity, error) {
	return nil, errors.New("not implemented")
}
func (m *memStore) GetProperty(ctx context.Context, id string) (*guest.Property, error) {
	return nil, errors.New("not implemented")
}
func (m *memStore) FindReservationByPhone(ctx context.Context, phone string) (*guest.Reservation, error) {
	return nil, errors.New("not implemented")
}
func (m *memStore) GetReservation(ctx context.Context, id string) (*guest.Reservation, error) {
	return nil, errors.New("not implemented")
}

func (m *memStore) CreateConversation(ctx context.Context, propertyID, participant string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return "", m.createErr
	}
	return m.nextID, nil
}

func (m *memStore) AppendEntry(ctx context.Context, conversationID string, entry types.ConversationEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	m.entries[conversationID] = append(m.entries[conversationID], entry)
	return nil
}

func (m *memStore) FinalizeConversation(ctx context.Context, conversationID, summary string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summaries[conversationID] = summary
	return nil
}

type fakeSummarizer struct {
	reply   string
	err     error
	calls   int
	lastReq core.CompletionRequest
}

func (f *fakeSummarizer) Complete(ctx context.Context, req core.CompletionRequest) (string, error) {
	f.calls++
	f.lastReq = req
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func sampleHistory() []types.ConversationEntry {
	return []types.ConversationEntry{
		{Role: types.RoleGuest, Text: "Where do I park?", Timestamp: time.Now()},
		{Role: types.RoleAssistant, Text: "Use the garage on the left.", Timestamp: time.Now()},
	}
}

func TestRecorderBeginAndRecord(t *testing.T) {
	store := newMemStore()
	r := New(Config{Store: store, Logger: testLogger()})

	id := r.Begin(context.Background(), "prop-1", "+15550001111")
	if id != "conv-1" {
		t.Fatalf("Begin = %q, want conv-1", id)
	}

	for _, entry := range sampleHistory() {
		r.Record(context.Background(), id, entry)
	}
	if len(store.entries["conv-1"]) != 2 {
		t.Errorf("persisted %d entries, want 2", len(store.entries["conv-1"]))
	}
}

func TestRecorderBeginFailureDisablesRecording(t *testing.T) {
	store := newMemStore()
	store.createErr = errors.New("supabase down")
	r := New(Config{Store: store, Logger: testLogger()})

	id := r.Begin(context.Background(), "prop-1", "guest")
	if id != "" {
		t.Fatalf("Begin = %q, want empty on failure", id)
	}

	// No-ops, must not panic or write.
	r.Record(context.Background(), id, sampleHistory()[0])
	r.Finalize(id, sampleHistory())
	if len(store.entries) != 0 || len(store.summaries) != 0 {
		t.Error("disabled recorder still wrote to the store")
	}
}

func TestRecorderRecordFailureIsSwallowed(t *testing.T) {
	store := newMemStore()
	store.appendErr = errors.New("write refused")
	r := New(Config{Store: store, Logger: testLogger()})

	id := r.Begin(context.Background(), "prop-1", "guest")
	r.Record(context.Background(), id, sampleHistory()[0]) // must not panic
}

func TestRecorderFinalizeStoresSummary(t *testing.T) {
	store := newMemStore()
	summarizer := &fakeSummarizer{reply: "Guest asked about parking; resolved."}
	r := New(Config{Store: store, Summarizer: summarizer, Logger: testLogger()})

	r.Finalize("conv-1", sampleHistory())

	if got := store.summaries["conv-1"]; got != "Guest asked about parking; resolved." {
		t.Errorf("summary = %q", got)
	}
	if summarizer.calls != 1 {
		t.Errorf("summarizer calls = %d, want 1", summarizer.calls)
	}
	if len(summarizer.lastReq.Messages) != 1 || summarizer.lastReq.Messages[0].Text != Transcript(sampleHistory()) {
		t.Errorf("summary request messages = %+v, want the rendered transcript", summarizer.lastReq.Messages)
	}
}

func TestRecorderFinalizeFallbackSummary(t *testing.T) {
	store := newMemStore()
	summarizer := &fakeSummarizer{err: errors.New("model offline")}
	r := New(Config{Store: store, Summarizer: summarizer, Logger: testLogger()})

	r.Finalize("conv-1", sampleHistory())

	if got := store.summaries["conv-1"]; got != "summary unavailable" {
		t.Errorf("summary = %q, want fallback", got)
	}
}

func TestRecorderFinalizeEmptyHistory(t *testing.T) {
	store := newMemStore()
	summarizer := &fakeSummarizer{reply: "should not be called"}
	r := New(Config{Store: store, Summarizer: summarizer, Logger: testLogger()})

	r.Finalize("conv-1", nil)

	if summarizer.calls != 0 {
		t.Errorf("summarizer called %d times for empty history", summarizer.calls)
	}
	if got := store.summaries["conv-1"]; got != "summary unavailable" {
		t.Errorf("summary = %q, want fallback", got)
	}
}

func TestTranscript(t *testing.T) {
	got := Transcript(sampleHistory())
	want := "guest: Where do I park?\nassistant: Use the garage on the left.\n"
	if got != want {
		t.Errorf("Transcript = %q, want %q", got, want)
	}
}
