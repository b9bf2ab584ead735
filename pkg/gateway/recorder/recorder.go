// Package recorder persists finalized conversation turns and produces an
// end-of-session summary. Every operation is best effort: persistence
// failures are logged and swallowed so recording can never stall or fail a
// live session.
package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/core"
	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/core/types"
	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/gateway/ratelimit"
	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/store/guest"
)

const (
	// summaryUnavailable is stored when the provider cannot produce a
	// summary before teardown completes.
	summaryUnavailable = "summary unavailable"

	summarySystemPrompt = "Summarize this guest conversation in two or three sentences. " +
		"Note any unresolved requests so the host can follow up."
)

// Summarizer produces a completion from a transcript. The provider layer
// satisfies this.
type Summarizer interface {
	Complete(ctx context.Context, req core.CompletionRequest) (string, error)
}

// Config wires one Recorder.
type Config struct {
	Store      guest.Store
	Summarizer Summarizer
	Limiter    *ratelimit.Limiter
	Logger     *slog.Logger

	// WriteTimeout bounds each persistence call. Default 5s.
	WriteTimeout time.Duration
	// SummaryTimeout bounds the summary completion, retries included.
	// Default 30s.
	SummaryTimeout time.Duration
	// SummaryRetries is passed to the rate limiter's retry wrapper.
	SummaryRetries int
}

// Recorder writes conversation entries and summaries for ended sessions.
type Recorder struct {
	store          guest.Store
	summarizer     Summarizer
	limiter        *ratelimit.Limiter
	logger         *slog.Logger
	writeTimeout   time.Duration
	summaryTimeout time.Duration
	summaryRetries int
}

func New(cfg Config) *Recorder {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.SummaryTimeout <= 0 {
		cfg.SummaryTimeout = 30 * time.Second
	}
	if cfg.SummaryRetries <= 0 {
		cfg.SummaryRetries = 2
	}
	return &Recorder{
		store:          cfg.Store,
		summarizer:     cfg.Summarizer,
		limiter:        cfg.Limiter,
		logger:         cfg.Logger,
		writeTimeout:   cfg.WriteTimeout,
		summaryTimeout: cfg.SummaryTimeout,
		summaryRetries: cfg.SummaryRetries,
	}
}

// Begin opens a conversation record. An empty id means recording is disabled
// for this session; Record and Finalize treat that as a no-op.
func (r *Recorder) Begin(ctx context.Context, propertyID, participant string) string {
	if r.store == nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, r.writeTimeout)
	defer cancel()

	id, err := r.store.CreateConversation(ctx, propertyID, participant)
	if err != nil {
		r.logger.Warn("conversation record not created",
			"property_id", propertyID, "error", err)
		return ""
	}
	return id
}

// Record persists one finalized turn.
func (r *Recorder) Record(ctx context.Context, conversationID string, entry types.ConversationEntry) {
	if r.store == nil || conversationID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, r.writeTimeout)
	defer cancel()

	if err := r.store.AppendEntry(ctx, conversationID, entry); err != nil {
		r.logger.Warn("conversation entry not persisted",
			"conversation_id", conversationID, "role", entry.Role, "error", err)
	}
}

// Finalize summarizes the transcript and closes the conversation record.
// It is called during session teardown; it uses its own deadline rather than
// the (typically already canceled) session context.
func (r *Recorder) Finalize(conversationID string, history []types.ConversationEntry) {
	if r.store == nil || conversationID == "" {
		return
	}

	summary := r.summarize(history)

	ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
	defer cancel()
	if err := r.store.FinalizeConversation(ctx, conversationID, summary); err != nil {
		r.logger.Warn("conversation not finalized",
			"conversation_id", conversationID, "error", err)
	}
}

func (r *Recorder) summarize(history []types.ConversationEntry) string {
	if r.summarizer == nil || len(history) == 0 {
		return summaryUnavailable
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.summaryTimeout)
	defer cancel()

	op := func(ctx context.Context) (string, error) {
		return r.summarizer.Complete(ctx, core.CompletionRequest{
			System: summarySystemPrompt,
			Messages: []types.ConversationEntry{
				{Role: types.RoleGuest, Text: Transcript(history)},
			},
		})
	}

	var summary string
	var err error
	if r.limiter != nil {
		summary, err = ratelimit.Call(ctx, r.limiter, r.summaryRetries, op)
	} else {
		summary, err = op(ctx)
	}
	if err != nil {
		r.logger.Warn("summary generation failed", "turns", len(history), "error", err)
		return summaryUnavailable
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return summaryUnavailable
	}
	return summary
}

// Transcript renders history as plain text, one line per turn. Used by hosts
// exporting conversations and by the summary prompt itself.
func Transcript(history []types.ConversationEntry) string {
	var b strings.Builder
	for _, entry := range history {
		fmt.Fprintf(&b, "%s: %s\n", entry.Role, entry.Text)
	}
	return b.String()
}
