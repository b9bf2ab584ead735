// Package live runs guest-facing socket sessions: identity handshake, text
// exchanges with knowledge retrieval, and optional voice calls bridged to the
// AI provider.
package live

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/core"
	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/core/types"
	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/gateway/bridge"
	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/gateway/live/protocol"
	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/gateway/ratelimit"
	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/gateway/recorder"
	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/gateway/sessions"
	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/gateway/tools"
	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/store/guest"
)

const (
	maxGuestNameLen = 100

	// quotaApology is the degraded reply when provider quota is exhausted
	// after retries. The session stays alive.
	quotaApology = "I'm sorry, I'm having trouble answering right now. Please try again in a moment."
)

// Conn is the socket surface the session needs. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Provider is the AI surface used by socket sessions.
type Provider interface {
	OpenDuplex(ctx context.Context, cfg core.DuplexConfig) (core.DuplexStream, error)
	Complete(ctx context.Context, req core.CompletionRequest) (string, error)
}

// Config wires socket session handling.
type Config struct {
	Registry  *sessions.Registry
	Store     guest.Store
	Knowledge tools.KnowledgeSearcher
	Provider  Provider
	Limiter   *ratelimit.Limiter
	Recorder  *recorder.Recorder
	Logger    *slog.Logger

	// Toolset builds the capability dispatcher scoped to one property.
	Toolset func(propertyID string) *tools.Dispatcher

	Instructions string
	Voice        string

	// HistoryWindow bounds how many trailing turns feed prompt assembly.
	HistoryWindow int
	// KnowledgeLimit bounds retrieval per exchange.
	KnowledgeLimit int

	// IdleTimeout ends sessions with no client frames. Zero disables it.
	IdleTimeout time.Duration

	WriteTimeout    time.Duration
	PingInterval    time.Duration
	TeardownTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = 20
	}
	if c.KnowledgeLimit <= 0 {
		c.KnowledgeLimit = 4
	}
	if c.TeardownTimeout <= 0 {
		c.TeardownTimeout = 5 * time.Second
	}
}

// Handler runs one socket session per connection.
type Handler struct {
	cfg Config
}

func NewHandler(cfg Config) *Handler {
	cfg.applyDefaults()
	return &Handler{cfg: cfg}
}

// socketSession is the per-connection state machine.
type socketSession struct {
	id     string
	cfg    Config
	conn   Conn
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	priority chan []byte
	normal   chan []byte

	// owned by the run loop
	session        *sessions.Session
	dispatcher     *tools.Dispatcher
	conversationID string

	teardownOnce sync.Once
}

// Run drives one connection to completion. It returns when the client
// disconnects, the session is torn down, or the server drains.
func (h *Handler) Run(ctx context.Context, conn Conn) {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(ctx)
	s := &socketSession{
		id:       id,
		cfg:      h.cfg,
		conn:     conn,
		logger:   h.cfg.Logger.With("session_id", id),
		ctx:      ctx,
		cancel:   cancel,
		priority: make(chan []byte, 16),
		normal:   make(chan []byte, 256),
	}
	s.run()
}

func (s *socketSession) run() {
	writerDone := make(chan struct{})
	defer func() {
		s.teardown()
		// teardown cancels the context; the writer flushes priority frames
		// and closes the socket on its way out.
		<-writerDone
	}()
	writer := &outboundWriter{
		ws:           s.conn,
		ctx:          s.ctx,
		pingInterval: s.cfg.PingInterval,
		writeTimeout: s.cfg.WriteTimeout,
		priority:     s.priority,
		normal:       s.normal,
	}
	go func() {
		defer close(writerDone)
		if err := writer.Run(); err != nil {
			s.logger.Debug("socket writer stopped", "error", err)
			s.cancel()
		}
	}()

	frames := make(chan []byte, 16)
	go s.readPump(frames)

	for {
		select {
		case <-s.ctx.Done():
			return
		case data, ok := <-frames:
			if !ok {
				return
			}
			if done := s.handleFrame(data); done {
				return
			}
		}
	}
}

func (s *socketSession) readPump(frames chan<- []byte) {
	defer close(frames)
	for {
		if s.cfg.IdleTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.Debug("socket read ended", "error", err)
			}
			return
		}
		select {
		case frames <- data:
		case <-s.ctx.Done():
			return
		}
	}
}

// handleFrame decodes and routes one client frame. It returns true when the
// session should end.
func (s *socketSession) handleFrame(data []byte) bool {
	msg, err := protocol.DecodeClientMessage(data)
	if err != nil {
		s.sendPriority(protocol.GeneralError("bad_request", err.Error(), false))
		return false
	}

	switch m := msg.(type) {
	case protocol.ClientConnect:
		return s.handleConnect(m)
	case protocol.ClientAuth:
		s.handleAuth(m)
	case protocol.ClientStartCall:
		s.handleStartCall(m)
	case protocol.ClientEndCall:
		s.handleEndCall()
	case protocol.ClientAudioChunk:
		s.handleAudio(m)
	case protocol.ClientSTTResult:
		if m.IsFinal {
			s.handleGuestText(m.Text)
		}
	case protocol.ClientTextMessage:
		s.handleGuestText(m.Text)
	case protocol.ClientConfigureTools:
		s.handleConfigureTools(m)
	case protocol.ClientUpdateGuestName:
		s.handleUpdateGuestName(m)
	case protocol.ClientUpdateSystemPrompt:
		s.handleUpdateSystemPrompt(m)
	case protocol.ClientDisconnect:
		return true
	}
	return false
}

func (s *socketSession) handleConnect(msg protocol.ClientConnect) bool {
	if s.session != nil {
		s.sendPriority(protocol.GeneralError("already_connected", "session already established", false))
		return false
	}

	identity, err := s.resolveIdentity(msg.Token)
	if err != nil {
		s.sendPriority(protocol.ConnectionError("authentication_failed", "identity token rejected"))
		s.logger.Info("connection rejected", "error", err)
		return true
	}

	session, err := s.cfg.Registry.Create(s.id, sessions.TransportSocket, "")
	if err != nil {
		s.sendPriority(protocol.ConnectionError("internal", "session could not be registered"))
		return true
	}
	session.State = sessions.StateAuthenticated
	session.CallerIdentity = identity.UserID
	if identity.GuestName != "" {
		session.GuestName = identity.GuestName
	}
	s.session = session
	s.cfg.Registry.SetCancel(s.id, s.cancel)

	s.send(protocol.ConnectionSuccess(s.id, session.GuestName))
	s.logger.Info("socket session connected", "user_id", identity.UserID)
	return false
}

func (s *socketSession) resolveIdentity(token string) (*guest.Identity, error) {
	if s.cfg.Store == nil {
		return nil, core.NewError(core.ErrAuthentication, "identity store unavailable")
	}
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	return s.cfg.Store.ResolveIdentity(ctx, token)
}

func (s *socketSession) handleAuth(msg protocol.ClientAuth) {
	if s.session == nil {
		s.sendPriority(protocol.AuthError("not_connected", "connect first"))
		return
	}
	err := s.cfg.Registry.Update(s.id, func(sess *sessions.Session) {
		if msg.PropertyID != "" {
			sess.PropertyID = msg.PropertyID
		}
		if msg.GuestName != "" {
			sess.GuestName = msg.GuestName
		}
		if msg.ReservationID != "" {
			sess.ReservationID = msg.ReservationID
		}
		if msg.Phone != "" {
			sess.CallerIdentity = msg.Phone
		}
		if msg.SystemPrompt != "" {
			sess.SystemPrompt = msg.SystemPrompt
		}
	})
	if err != nil {
		s.sendPriority(protocol.AuthError("session_gone", "session no longer active"))
		return
	}
	s.send(protocol.AuthSuccess())
}

func (s *socketSession) handleStartCall(msg protocol.ClientStartCall) {
	if s.session == nil {
		s.sendPriority(protocol.CallError("not_connected", "connect first"))
		return
	}
	if s.session.Bridge != nil {
		s.sendPriority(protocol.CallError("call_in_progress", "a call is already active"))
		return
	}

	propertyID := s.session.PropertyID
	if msg.PropertyID != "" {
		propertyID = msg.PropertyID
	}
	if propertyID == "" {
		s.sendPriority(protocol.CallError("unknown_property", "no property for this session"))
		return
	}

	if s.cfg.Toolset != nil {
		s.dispatcher = s.cfg.Toolset(propertyID)
	}

	stream, err := s.openDuplex(propertyID)
	if err != nil {
		s.logger.Warn("duplex open failed", "error", err)
		s.sendPriority(protocol.CallError("provider_unavailable", "voice backend unavailable"))
		return
	}

	b, err := bridge.New(bridge.Dependencies{
		Stream:       stream,
		Dispatcher:   s.dispatcher,
		Logger:       s.logger,
		CloseTimeout: s.cfg.TeardownTimeout,
		OnTranscript: s.onCallTranscript,
	})
	if err != nil {
		_ = stream.Close()
		s.sendPriority(protocol.CallError("internal", "call setup failed"))
		return
	}
	b.Start()
	go s.pumpCallAudio(b)

	_ = s.cfg.Registry.Update(s.id, func(sess *sessions.Session) {
		sess.PropertyID = propertyID
		sess.Bridge = b
		sess.State = sessions.StateInExchange
	})
	s.ensureConversation()

	s.send(protocol.CallStarted(propertyID))
	s.logger.Info("voice call started", "property_id", propertyID)
}

func (s *socketSession) openDuplex(propertyID string) (core.DuplexStream, error) {
	cfg := core.DuplexConfig{
		Instructions: s.instructions(),
		Voice:        s.cfg.Voice,
	}
	if s.dispatcher != nil {
		cfg.Tools = s.dispatcher.Definitions(s.session.ToolEnabled)
	}

	open := func(ctx context.Context) (core.DuplexStream, error) {
		return s.cfg.Provider.OpenDuplex(ctx, cfg)
	}
	if s.cfg.Limiter != nil {
		return ratelimit.Call(s.ctx, s.cfg.Limiter, 2, open)
	}
	return open(s.ctx)
}

// pumpCallAudio forwards provider audio chunks to the client until the
// bridge ends.
func (s *socketSession) pumpCallAudio(b *bridge.Bridge) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-b.Done():
			// Drain whatever is left, then tell the client the call ended.
			for {
				chunk, ok := b.PopOutbound()
				if !ok {
					break
				}
				s.send(protocol.AudioChunk(base64.StdEncoding.EncodeToString(chunk)))
			}
			s.send(protocol.CallEnded())
			return
		case <-b.Notify():
			for {
				chunk, ok := b.PopOutbound()
				if !ok {
					break
				}
				s.send(protocol.AudioChunk(base64.StdEncoding.EncodeToString(chunk)))
			}
		}
	}
}

func (s *socketSession) onCallTranscript(delta types.TextDelta) {
	if delta.Text == "" {
		return
	}
	s.send(protocol.TextMessage(delta.Text, delta.Final))
	if !delta.Final {
		return
	}
	entry := types.ConversationEntry{Role: delta.Role, Text: delta.Text, Timestamp: time.Now()}
	_ = s.cfg.Registry.Update(s.id, func(sess *sessions.Session) {
		sess.Append(entry)
	})
	if s.cfg.Recorder != nil {
		s.cfg.Recorder.Record(s.ctx, s.conversationID, entry)
	}
}

// handleEndCall acknowledges even when no call is active. With a live call the
// ended frame comes from pumpCallAudio once the bridge drains, so the client
// sees it exactly once. "Call active" is bridge presence; the lifecycle phase
// never moves backwards.
func (s *socketSession) handleEndCall() {
	if s.session == nil || s.session.Bridge == nil {
		s.send(protocol.CallEnded())
		return
	}
	s.closeBridge()
	_ = s.cfg.Registry.Update(s.id, func(sess *sessions.Session) {
		sess.Bridge = nil
	})
}

func (s *socketSession) closeBridge() {
	b := s.session.Bridge
	if b == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.TeardownTimeout)
	defer cancel()
	if err := b.Close(ctx); err != nil {
		s.logger.Error("call bridge teardown exceeded bound", "error", err)
	}
}

func (s *socketSession) handleAudio(msg protocol.ClientAudioChunk) {
	if s.session == nil || s.session.Bridge == nil {
		s.logger.Debug("audio chunk outside a call dropped")
		return
	}
	chunk, err := base64.StdEncoding.DecodeString(msg.DataB64)
	if err != nil {
		s.sendPriority(protocol.GeneralError("bad_request", "audio chunk is not valid base64", false))
		return
	}
	s.session.Bridge.PushInbound(chunk)
}

// handleGuestText runs one text exchange: retrieval, prompt assembly, one
// limiter-wrapped completion, transcript bookkeeping.
func (s *socketSession) handleGuestText(text string) {
	if s.session == nil {
		s.sendPriority(protocol.GeneralError("not_connected", "connect first", false))
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	// During an active call the text joins the call instead of the text path.
	if s.session.Bridge != nil {
		if err := s.session.Bridge.PushText(s.ctx, text); err != nil {
			s.logger.Warn("text forward into call failed", "error", err)
			s.sendPriority(protocol.GeneralError("call_send_failed", "message could not join the call", false))
		}
		return
	}

	s.ensureConversation()

	contextItems := s.lookupKnowledge(text)
	guestEntry := types.ConversationEntry{
		Role:        types.RoleGuest,
		Text:        text,
		Timestamp:   time.Now(),
		ContextUsed: contextItems,
	}
	s.appendEntry(guestEntry)

	reply := s.complete(text, contextItems)
	assistantEntry := types.ConversationEntry{
		Role:      types.RoleAssistant,
		Text:      reply,
		Timestamp: time.Now(),
	}
	s.appendEntry(assistantEntry)

	s.send(protocol.TextMessage(reply, true))
}

func (s *socketSession) lookupKnowledge(query string) []types.KnowledgeItem {
	if s.cfg.Knowledge == nil || s.session.PropertyID == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()

	items, err := s.cfg.Knowledge.Search(ctx, query, s.session.PropertyID, s.cfg.KnowledgeLimit)
	if err != nil {
		s.logger.Warn("knowledge lookup failed", "error", err)
		return nil
	}

	results := make([]protocol.RAGResult, len(items))
	for i, item := range items {
		results[i] = protocol.RAGResult{Text: item.Text, Similarity: item.Similarity}
	}
	s.send(protocol.RAGResults(query, results))
	return items
}

func (s *socketSession) complete(text string, contextItems []types.KnowledgeItem) string {
	system := s.instructions()
	if len(contextItems) > 0 {
		var b strings.Builder
		b.WriteString(system)
		b.WriteString("\n\nRelevant property information:\n")
		for _, item := range contextItems {
			b.WriteString("- ")
			b.WriteString(item.Text)
			b.WriteString("\n")
		}
		system = b.String()
	}

	req := core.CompletionRequest{
		System:   system,
		Messages: s.session.HistoryWindow(s.cfg.HistoryWindow),
	}

	op := func(ctx context.Context) (string, error) {
		return s.cfg.Provider.Complete(ctx, req)
	}

	var reply string
	var err error
	if s.cfg.Limiter != nil {
		reply, err = ratelimit.Call(s.ctx, s.cfg.Limiter, 2, op)
	} else {
		reply, err = op(s.ctx)
	}
	if err != nil {
		if core.IsQuota(err) {
			s.logger.Warn("completion quota exhausted", "error", err)
		} else {
			s.logger.Warn("completion failed", "error", err)
		}
		return quotaApology
	}
	return reply
}

func (s *socketSession) instructions() string {
	base := s.cfg.Instructions
	if s.session.SystemPrompt != "" {
		base = s.session.SystemPrompt
	}
	if s.session.GuestName != "" && s.session.GuestName != "Guest" {
		base += "\nThe guest you are speaking with is " + s.session.GuestName + "."
	}
	return base
}

func (s *socketSession) appendEntry(entry types.ConversationEntry) {
	_ = s.cfg.Registry.Update(s.id, func(sess *sessions.Session) {
		sess.Append(entry)
	})
	if s.cfg.Recorder != nil {
		s.cfg.Recorder.Record(s.ctx, s.conversationID, entry)
	}
}

func (s *socketSession) ensureConversation() {
	if s.conversationID != "" || s.cfg.Recorder == nil {
		return
	}
	s.conversationID = s.cfg.Recorder.Begin(s.ctx, s.session.PropertyID, s.session.CallerIdentity)
}

func (s *socketSession) handleConfigureTools(msg protocol.ClientConfigureTools) {
	if s.session == nil {
		s.sendPriority(protocol.GeneralError("not_connected", "connect first", false))
		return
	}
	_ = s.cfg.Registry.Update(s.id, func(sess *sessions.Session) {
		if sess.ToolConfig == nil {
			sess.ToolConfig = make(map[string]bool, len(msg.Tools))
		}
		for name, enabled := range msg.Tools {
			sess.ToolConfig[name] = enabled
		}
	})
	s.send(protocol.ToolsConfigured(msg.Tools))
}

func (s *socketSession) handleUpdateGuestName(msg protocol.ClientUpdateGuestName) {
	if s.session == nil {
		s.sendPriority(protocol.GeneralError("not_connected", "connect first", false))
		return
	}
	name := strings.TrimSpace(msg.GuestName)
	if len(name) > maxGuestNameLen {
		s.sendPriority(protocol.GuestNameUpdateError("guest name is too long"))
		return
	}
	_ = s.cfg.Registry.Update(s.id, func(sess *sessions.Session) {
		sess.GuestName = name
	})
	s.send(protocol.GuestNameUpdated(name))
}

func (s *socketSession) handleUpdateSystemPrompt(msg protocol.ClientUpdateSystemPrompt) {
	if s.session == nil {
		s.sendPriority(protocol.GeneralError("not_connected", "connect first", false))
		return
	}
	_ = s.cfg.Registry.Update(s.id, func(sess *sessions.Session) {
		sess.SystemPrompt = msg.SystemPrompt
	})
	s.send(protocol.SystemPromptUpdated())
}

// teardown unwinds the session. Each step is independently guarded so a
// failure in one cannot skip the others; teardown never panics past itself.
func (s *socketSession) teardown() {
	s.teardownOnce.Do(func() {
		if s.session != nil && s.session.Bridge != nil {
			s.closeBridge()
		}
		if s.cfg.Recorder != nil && s.conversationID != "" && s.session != nil {
			var history []types.ConversationEntry
			_ = s.cfg.Registry.Update(s.id, func(sess *sessions.Session) {
				history = append(history, sess.History...)
			})
			s.cfg.Recorder.Finalize(s.conversationID, history)
		}
		if s.session != nil {
			s.cfg.Registry.Remove(s.id)
		}
		s.cancel()
		s.logger.Info("socket session ended")
	})
}

func (s *socketSession) send(v any) {
	s.enqueue(s.normal, v)
}

func (s *socketSession) sendPriority(v any) {
	s.enqueue(s.priority, v)
}

func (s *socketSession) enqueue(queue chan []byte, v any) {
	data, err := encodeFrame(v)
	if err != nil {
		s.logger.Warn("outbound frame encode failed", "error", err)
		return
	}
	select {
	case queue <- data:
	default:
		s.logger.Debug("outbound frame dropped", "bytes", len(data))
	}
}

func encodeFrame(v any) ([]byte, error) {
	return json.Marshal(v)
}
