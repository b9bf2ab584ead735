// Package call runs the telephony side of the gateway: one CallRecord per
// inbound call, driven by Telnyx webhook events that may arrive duplicated,
// reordered against media, or racing the caller hanging up.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/core"
	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/core/types"
	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/gateway/bridge"
	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/gateway/ratelimit"
	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/gateway/recorder"
	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/gateway/sessions"
	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/gateway/tools"
	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/store/guest"
	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/telephony/telnyx"
)

// recordState is the CallRecord lifecycle phase.
type recordState string

const (
	recordInitiated recordState = "initiated"
	recordAnswering recordState = "answering"
	recordActive    recordState = "active"
)

const defaultSMSAck = "Thanks for your message. For immediate help, please call this number and our concierge will assist you."

// Transport is the outbound call-control surface. telnyx.Client satisfies it.
type Transport interface {
	Answer(ctx context.Context, callControlID, streamURL string) error
	Hangup(ctx context.Context, callControlID string) error
	SendMessage(ctx context.Context, to, text string) error
}

// DuplexOpener opens the provider side of a call. The provider layer
// satisfies it.
type DuplexOpener interface {
	OpenDuplex(ctx context.Context, cfg core.DuplexConfig) (core.DuplexStream, error)
}

// Config wires one Controller.
type Config struct {
	Transport Transport
	Provider  DuplexOpener
	Store     guest.Store
	Limiter   *ratelimit.Limiter
	Registry  *sessions.Registry
	Recorder  *recorder.Recorder
	Logger    *slog.Logger

	// Toolset builds the capability dispatcher scoped to one property.
	Toolset func(propertyID string) *tools.Dispatcher

	// MediaURLBase is the externally reachable websocket base for call media,
	// e.g. "wss://gw.example.com/v1/telephony/media". The call control id is
	// appended per call.
	MediaURLBase string

	// Instructions is the base system prompt for voice sessions.
	Instructions string
	Voice        string
	SMSAck       string

	TeardownTimeout time.Duration
}

type record struct {
	state          recordState
	caller         string
	propertyID     string
	reservationID  string
	guestName      string
	conversationID string
	bridge         *bridge.Bridge
}

// Controller owns every telephony CallRecord in the process.
type Controller struct {
	cfg Config

	mu      sync.Mutex
	records map[string]*record
}

func NewController(cfg Config) (*Controller, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if cfg.Provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("session registry is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SMSAck == "" {
		cfg.SMSAck = defaultSMSAck
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = 5 * time.Second
	}
	return &Controller{
		cfg:     cfg,
		records: make(map[string]*record),
	}, nil
}

// Handle routes one decoded webhook event. It always returns quickly; the
// webhook contract only needs acknowledgement.
func (c *Controller) Handle(ctx context.Context, event telnyx.Event) {
	switch ev := event.(type) {
	case telnyx.CallInitiated:
		c.handleInitiated(ctx, ev)
	case telnyx.CallAnswered:
		c.handleAnswered(ctx, ev)
	case telnyx.CallHangup:
		c.handleHangup(ev)
	case telnyx.MessageReceived:
		c.handleMessage(ctx, ev)
	case telnyx.UnknownWebhook:
		c.cfg.Logger.Debug("ignoring webhook", "type", ev.Type)
	}
}

// Bridge returns the media bridge for an active call. The media websocket
// handler uses this to pair the Telnyx media stream with the provider.
func (c *Controller) Bridge(callControlID string) (*bridge.Bridge, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[callControlID]
	if !ok || rec.state != recordActive || rec.bridge == nil {
		return nil, false
	}
	return rec.bridge, true
}

// ActiveCalls reports the number of live call records.
func (c *Controller) ActiveCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

func (c *Controller) handleInitiated(ctx context.Context, ev telnyx.CallInitiated) {
	c.mu.Lock()
	if _, ok := c.records[ev.CallControlID]; ok {
		c.mu.Unlock()
		// Telnyx redelivers webhooks; exactly one record and one answer
		// attempt per call.
		c.cfg.Logger.Debug("duplicate call.initiated suppressed", "call_control_id", ev.CallControlID)
		return
	}
	rec := &record{state: recordInitiated, caller: ev.From, guestName: "Guest"}
	c.records[ev.CallControlID] = rec
	c.mu.Unlock()

	c.resolveCaller(ctx, rec, ev.From)

	c.mu.Lock()
	if _, ok := c.records[ev.CallControlID]; !ok {
		// Hangup raced the lookup.
		c.mu.Unlock()
		return
	}
	rec.state = recordAnswering
	c.mu.Unlock()

	streamURL := c.cfg.MediaURLBase + "/" + ev.CallControlID
	if err := c.cfg.Transport.Answer(ctx, ev.CallControlID, streamURL); err != nil {
		if !errors.Is(err, telnyx.ErrCallEnded) {
			c.cfg.Logger.Warn("answer failed", "call_control_id", ev.CallControlID, "error", err)
		}
		c.discard(ev.CallControlID)
	}
}

// resolveCaller attaches reservation context when the caller's number matches
// an active reservation. Lookup failure leaves the call anonymous.
func (c *Controller) resolveCaller(ctx context.Context, rec *record, caller string) {
	if c.cfg.Store == nil {
		return
	}
	lookupCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	reservation, err := c.cfg.Store.FindReservationByPhone(lookupCtx, caller)
	if err != nil {
		c.cfg.Logger.Debug("no reservation for caller", "error", err)
		return
	}
	c.mu.Lock()
	rec.reservationID = reservation.ID
	rec.propertyID = reservation.PropertyID
	if reservation.GuestName != "" {
		rec.guestName = reservation.GuestName
	}
	c.mu.Unlock()
}

func (c *Controller) handleAnswered(ctx context.Context, ev telnyx.CallAnswered) {
	c.mu.Lock()
	rec, ok := c.records[ev.CallControlID]
	if !ok || rec.state != recordAnswering {
		c.mu.Unlock()
		c.cfg.Logger.Debug("call.answered without pending record", "call_control_id", ev.CallControlID)
		return
	}
	propertyID := rec.propertyID
	guestName := rec.guestName
	caller := rec.caller
	c.mu.Unlock()

	var dispatcher *tools.Dispatcher
	if c.cfg.Toolset != nil {
		dispatcher = c.cfg.Toolset(propertyID)
	}

	session, err := c.cfg.Registry.Create(ev.CallControlID, sessions.TransportTelephony, propertyID)
	if err != nil {
		c.cfg.Logger.Warn("session registration failed", "call_control_id", ev.CallControlID, "error", err)
		c.abortCall(ctx, ev.CallControlID)
		return
	}
	session.State = sessions.StateInExchange
	session.CallerIdentity = caller
	session.GuestName = guestName
	session.ReservationID = c.reservationFor(ev.CallControlID)

	stream, err := c.openDuplex(ctx, guestName, dispatcher)
	if err != nil {
		c.cfg.Logger.Warn("duplex open failed", "call_control_id", ev.CallControlID, "error", err)
		c.cfg.Registry.Remove(ev.CallControlID)
		c.abortCall(ctx, ev.CallControlID)
		return
	}

	var conversationID string
	if c.cfg.Recorder != nil {
		conversationID = c.cfg.Recorder.Begin(ctx, propertyID, caller)
	}

	b, err := bridge.New(bridge.Dependencies{
		Stream:       stream,
		Dispatcher:   dispatcher,
		Logger:       c.cfg.Logger,
		CloseTimeout: c.cfg.TeardownTimeout,
		OnTranscript: func(delta types.TextDelta) {
			c.onTranscript(ev.CallControlID, conversationID, delta)
		},
	})
	if err != nil {
		c.cfg.Logger.Warn("bridge build failed", "call_control_id", ev.CallControlID, "error", err)
		_ = stream.Close()
		c.cfg.Registry.Remove(ev.CallControlID)
		c.abortCall(ctx, ev.CallControlID)
		return
	}
	b.Start()
	session.Bridge = b

	c.mu.Lock()
	rec, ok = c.records[ev.CallControlID]
	if !ok {
		// Hangup raced bring-up; unwind everything we just built.
		c.mu.Unlock()
		_ = b.Close(context.Background())
		c.cfg.Registry.Remove(ev.CallControlID)
		return
	}
	rec.state = recordActive
	rec.bridge = b
	rec.conversationID = conversationID
	c.mu.Unlock()

	c.cfg.Logger.Info("call active",
		"call_control_id", ev.CallControlID,
		"property_id", propertyID,
		"guest", guestName)
}

func (c *Controller) openDuplex(ctx context.Context, guestName string, dispatcher *tools.Dispatcher) (core.DuplexStream, error) {
	cfg := core.DuplexConfig{
		Instructions: c.cfg.Instructions,
		Voice:        c.cfg.Voice,
	}
	if guestName != "" && guestName != "Guest" {
		cfg.Instructions += "\nThe guest you are speaking with is " + guestName + "."
	}
	if dispatcher != nil {
		cfg.Tools = dispatcher.Definitions(nil)
	}

	open := func(ctx context.Context) (core.DuplexStream, error) {
		return c.cfg.Provider.OpenDuplex(ctx, cfg)
	}
	if c.cfg.Limiter != nil {
		return ratelimit.Call(ctx, c.cfg.Limiter, 2, open)
	}
	return open(ctx)
}

func (c *Controller) onTranscript(callControlID, conversationID string, delta types.TextDelta) {
	if !delta.Final || delta.Text == "" {
		return
	}
	entry := types.ConversationEntry{
		Role:      delta.Role,
		Text:      delta.Text,
		Timestamp: time.Now(),
	}
	_ = c.cfg.Registry.Update(callControlID, func(s *sessions.Session) {
		s.Append(entry)
	})
	if c.cfg.Recorder != nil {
		c.cfg.Recorder.Record(context.Background(), conversationID, entry)
	}
}

// handleHangup tears the call down from whatever state it reached. Teardown
// steps are independently guarded; a second hangup is a no-op.
func (c *Controller) handleHangup(ev telnyx.CallHangup) {
	c.mu.Lock()
	rec, ok := c.records[ev.CallControlID]
	if ok {
		delete(c.records, ev.CallControlID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	if rec.bridge != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.TeardownTimeout)
		if err := rec.bridge.Close(ctx); err != nil {
			c.cfg.Logger.Error("bridge teardown exceeded bound",
				"call_control_id", ev.CallControlID, "error", err)
		}
		cancel()
	}

	if c.cfg.Recorder != nil && rec.conversationID != "" {
		var history []types.ConversationEntry
		if s, found := c.cfg.Registry.Get(ev.CallControlID); found {
			history = s.History
		}
		c.cfg.Recorder.Finalize(rec.conversationID, history)
	}

	c.cfg.Registry.Remove(ev.CallControlID)
	c.cfg.Logger.Info("call ended",
		"call_control_id", ev.CallControlID, "cause", ev.Cause)
}

// handleMessage acknowledges inbound SMS with a canned pointer to the voice
// line. Sending is best effort.
func (c *Controller) handleMessage(ctx context.Context, ev telnyx.MessageReceived) {
	if err := c.cfg.Transport.SendMessage(ctx, ev.From, c.cfg.SMSAck); err != nil {
		c.cfg.Logger.Warn("sms acknowledgement failed", "to", ev.From, "error", err)
	}
}

func (c *Controller) discard(callControlID string) {
	c.mu.Lock()
	delete(c.records, callControlID)
	c.mu.Unlock()
}

// abortCall discards the record and hangs up best effort. Used when bring-up
// fails after the call was answered.
func (c *Controller) abortCall(ctx context.Context, callControlID string) {
	c.discard(callControlID)
	if err := c.cfg.Transport.Hangup(ctx, callControlID); err != nil && !errors.Is(err, telnyx.ErrCallEnded) {
		c.cfg.Logger.Warn("hangup failed", "call_control_id", callControlID, "error", err)
	}
}

func (c *Controller) reservationFor(callControlID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.records[callControlID]; ok {
		return rec.reservationID
	}
	return ""
}
