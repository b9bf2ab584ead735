package guest

import (
	"context"
	"time"

	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/core/types"
)

// Property is a host property record.
type Property struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Address  string `json:"address"`
	Timezone string `json:"timezone"`
}

// Reservation links a guest to a property stay.
type Reservation struct {
	ID         string    `json:"id"`
	PropertyID string    `json:"property_id"`
	GuestName  string    `json:"guest_name"`
	GuestPhone string    `json:"guest_phone"`
	CheckIn    time.Time `json:"check_in"`
	CheckOut   time.Time `json:"check_out"`
}

// Identity is a resolved guest identity for a socket connection.
type Identity struct {
	UserID    string `json:"user_id"`
	GuestName string `json:"guest_name"`
}

// Store is the property/reservation/conversation persistence collaborator.
// All failures are CollaboratorUnavailable from the session core's point of
// view: callers log and continue with reduced context.
type Store interface {
	ResolveIdentity(ctx context.Context, token string) (*Identity, error)
	GetProperty(ctx context.Context, propertyID string) (*Property, error)
	FindReservationByPhone(ctx context.Context, phone string) (*Reservation, error)
	GetReservation(ctx context.Context, reservationID string) (*Reservation, error)

	CreateConversation(ctx context.Context, propertyID, participant string) (string, error)
	AppendEntry(ctx context.Context, conversationID string, entry types.ConversationEntry) error
	FinalizeConversation(ctx context.Context, conversationID, summary string) error
}
