package guest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/supabase-community/supabase-go"

	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/core"
	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/core/types"
)

// SupabaseConfig holds Supabase connection configuration.
type SupabaseConfig struct {
	URL    string
	APIKey string
}

// SupabaseStore implements Store against the Supabase REST API.
type SupabaseStore struct {
	client *supabase.Client
}

// NewSupabase creates a Supabase-backed guest store.
func NewSupabase(cfg SupabaseConfig) (*SupabaseStore, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("supabase URL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("supabase API key is required")
	}

	client, err := supabase.NewClient(cfg.URL, cfg.APIKey, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create supabase client: %w", err)
	}
	return &SupabaseStore{client: client}, nil
}

type identityRow struct {
	UserID    string `json:"user_id"`
	GuestName string `json:"guest_name"`
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

// ResolveIdentity looks up a guest identity token issued by the booking flow.
func (s *SupabaseStore) ResolveIdentity(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, core.NewError(core.ErrAuthentication, "empty identity token")
	}

	var rows []identityRow
	_, err := s.client.From("guest_tokens").
		Select("*", "", false).
		Eq("token", token).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve identity: %w", err)
	}
	if len(rows) == 0 {
		return nil, core.NewError(core.ErrAuthentication, "unknown identity token")
	}

	row := rows[0]
	if row.ExpiresAt != "" {
		expires, perr := time.Parse(time.RFC3339, row.ExpiresAt)
		if perr == nil && time.Now().After(expires) {
			return nil, core.NewError(core.ErrAuthentication, "identity token expired")
		}
	}
	return &Identity{UserID: row.UserID, GuestName: row.GuestName}, nil
}

// GetProperty retrieves a property by ID.
func (s *SupabaseStore) GetProperty(ctx context.Context, propertyID string) (*Property, error) {
	var property Property
	_, err := s.client.From("properties").
		Select("*", "", false).
		Eq("id", propertyID).
		Single().
		ExecuteTo(&property)
	if err != nil {
		return nil, fmt.Errorf("failed to get property: %w", err)
	}
	return &property, nil
}

// PropertyLocation reports the address and IANA timezone of a property.
// Satisfies the tool layer's property locator.
func (s *SupabaseStore) PropertyLocation(ctx context.Context, propertyID string) (string, string, error) {
	property, err := s.GetProperty(ctx, propertyID)
	if err != nil {
		return "", "", err
	}
	return property.Address, property.Timezone, nil
}

type reservationRow struct {
	ID         string `json:"id"`
	PropertyID string `json:"property_id"`
	GuestName  string `json:"guest_name"`
	GuestPhone string `json:"guest_phone"`
	CheckIn    string `json:"check_in"`
	CheckOut   string `json:"check_out"`
}

func (r reservationRow) toReservation() *Reservation {
	res := &Reservation{
		ID:         r.ID,
		PropertyID: r.PropertyID,
		GuestName:  r.GuestName,
		GuestPhone: r.GuestPhone,
	}
	if t, err := time.Parse(time.RFC3339, r.CheckIn); err == nil {
		res.CheckIn = t
	}
	if t, err := time.Parse(time.RFC3339, r.CheckOut); err == nil {
		res.CheckOut = t
	}
	return res
}

// FindReservationByPhone matches an active reservation to a caller's number.
// Phone comparisons are on normalized E.164 strings.
func (s *SupabaseStore) FindReservationByPhone(ctx context.Context, phone string) (*Reservation, error) {
	phone = normalizePhone(phone)
	if phone == "" {
		return nil, core.NewError(core.ErrNotFound, "empty phone number")
	}

	var rows []reservationRow
	_, err := s.client.From("reservations").
		Select("*", "", false).
		Eq("guest_phone", phone).
		Eq("status", "active").
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to find reservation by phone: %w", err)
	}
	if len(rows) == 0 {
		return nil, core.NewError(core.ErrNotFound, "no reservation for caller")
	}
	return rows[0].toReservation(), nil
}

// GetReservation retrieves a reservation by ID.
func (s *SupabaseStore) GetReservation(ctx context.Context, reservationID string) (*Reservation, error) {
	var row reservationRow
	_, err := s.client.From("reservations").
		Select("*", "", false).
		Eq("id", reservationID).
		Single().
		ExecuteTo(&row)
	if err != nil {
		return nil, fmt.Errorf("failed to get reservation: %w", err)
	}
	return row.toReservation(), nil
}

type conversationRow struct {
	ID          string `json:"id"`
	PropertyID  string `json:"property_id"`
	Participant string `json:"participant"`
	StartedAt   string `json:"started_at"`
}

// CreateConversation opens a conversation record and returns its ID.
func (s *SupabaseStore) CreateConversation(ctx context.Context, propertyID, participant string) (string, error) {
	row := conversationRow{
		ID:          uuid.NewString(),
		PropertyID:  propertyID,
		Participant: participant,
		StartedAt:   time.Now().UTC().Format(time.RFC3339),
	}
	_, _, err := s.client.From("conversations").
		Insert(row, false, "", "", "").
		Execute()
	if err != nil {
		return "", fmt.Errorf("failed to create conversation: %w", err)
	}
	return row.ID, nil
}

type entryRow struct {
	ConversationID string `json:"conversation_id"`
	Role           string `json:"role"`
	Text           string `json:"text"`
	Timestamp      string `json:"timestamp"`
	ContextUsed    any    `json:"context_used,omitempty"`
}

// AppendEntry persists one finalized conversation entry.
func (s *SupabaseStore) AppendEntry(ctx context.Context, conversationID string, entry types.ConversationEntry) error {
	row := entryRow{
		ConversationID: conversationID,
		Role:           string(entry.Role),
		Text:           entry.Text,
		Timestamp:      entry.Timestamp.UTC().Format(time.RFC3339),
	}
	if len(entry.ContextUsed) > 0 {
		row.ContextUsed = entry.ContextUsed
	}
	_, _, err := s.client.From("conversation_entries").
		Insert(row, false, "", "", "").
		Execute()
	if err != nil {
		return fmt.Errorf("failed to append conversation entry: %w", err)
	}
	return nil
}

// FinalizeConversation stamps a conversation with its summary and end time.
func (s *SupabaseStore) FinalizeConversation(ctx context.Context, conversationID, summary string) error {
	patch := map[string]any{
		"summary":  summary,
		"ended_at": time.Now().UTC().Format(time.RFC3339),
	}
	_, _, err := s.client.From("conversations").
		Update(patch, "", "").
		Eq("id", conversationID).
		Execute()
	if err != nil {
		return fmt.Errorf("failed to finalize conversation: %w", err)
	}
	return nil
}

// normalizePhone strips formatting characters, keeping a leading plus.
func normalizePhone(phone string) string {
	var b strings.Builder
	for i, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		} else if r == '+' && i == 0 {
			b.WriteRune(r)
		}
	}
	return b.String()
}

var _ Store = (*SupabaseStore)(nil)
