package sessions

import (
	"time"

	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/core/types"
	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/gateway/bridge"
)

// TransportKind distinguishes the two inbound transports.
type TransportKind string

const (
	TransportTelephony TransportKind = "telephony"
	TransportSocket    TransportKind = "socket"
)

// State is the socket session lifecycle phase. Transitions are monotonic.
type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StateAuthenticated   State = "authenticated"
	StateInExchange      State = "in_exchange"
	StateEnded           State = "ended"
)

const defaultGuestName = "Guest"

// Session is the live state for one guest connection. A Session is owned by
// exactly one connection handler; cross-handler mutation goes through
// Registry.Update so it cannot race Remove.
type Session struct {
	ID             string
	TransportKind  TransportKind
	State          State
	PropertyID     string
	CallerIdentity string
	GuestName      string
	ReservationID  string
	SystemPrompt   string

	// Bridge is exclusively owned by the session: created on entering the
	// active state, destroyed on terminal transition, never shared.
	Bridge *bridge.Bridge

	// History is append-only while the session lives; prompt assembly reads
	// a bounded trailing window of it.
	History    []types.ConversationEntry
	ToolConfig map[string]bool

	CreatedAt      time.Time
	LastActivityAt time.Time
}

// Append records one transcript entry in arrival order.
func (s *Session) Append(entry types.ConversationEntry) {
	s.History = append(s.History, entry)
	s.LastActivityAt = entry.Timestamp
}

// HistoryWindow returns the trailing n entries for prompt assembly.
func (s *Session) HistoryWindow(n int) []types.ConversationEntry {
	return types.Window(s.History, n)
}

// ToolEnabled reports whether a capability is enabled for this session.
// A capability absent from ToolConfig defaults to enabled.
func (s *Session) ToolEnabled(name string) bool {
	if s.ToolConfig == nil {
		return true
	}
	enabled, ok := s.ToolConfig[name]
	if !ok {
		return true
	}
	return enabled
}
