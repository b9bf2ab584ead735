// Package cache wraps the guest store with a Redis read-through cache.
// Property records and phone-to-reservation lookups are hot on every call
// initiation, so they are cached with a short TTL. Writes pass through.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/core/types"
	"github.com/aborov/guestrix-portfolio-archive-sub004/pkg/store/guest"
)

const (
	propertyKeyPrefix    = "concierge:property:"
	reservationKeyPrefix = "concierge:reservation:phone:"
	defaultTTL           = 5 * time.Minute
)

// Store is a guest.Store decorator. Cache misses and Redis failures fall
// through to the inner store; a broken cache never breaks a call.
type Store struct {
	inner  guest.Store
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// New wraps inner with a Redis read-through cache.
func New(inner guest.Store, client *redis.Client, ttl time.Duration, logger *slog.Logger) *Store {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{inner: inner, client: client, ttl: ttl, logger: logger}
}

func (s *Store) ResolveIdentity(ctx context.Context, token string) (*guest.Identity, error) {
	// Tokens are single-use-ish and expire server-side; never cached.
	return s.inner.ResolveIdentity(ctx, token)
}

func (s *Store) GetProperty(ctx context.Context, propertyID string) (*guest.Property, error) {
	key := propertyKeyPrefix + propertyID
	var cached guest.Property
	if s.getJSON(ctx, key, &cached) {
		return &cached, nil
	}

	property, err := s.inner.GetProperty(ctx, propertyID)
	if err != nil {
		return nil, err
	}
	s.setJSON(ctx, key, property)
	return property, nil
}

// PropertyLocation satisfies the tool layer's property locator using the
// cached property record.
func (s *Store) PropertyLocation(ctx context.Context, propertyID string) (string, string, error) {
	property, err := s.GetProperty(ctx, propertyID)
	if err != nil {
		return "", "", err
	}
	return property.Address, property.Timezone, nil
}

func (s *Store) FindReservationByPhone(ctx context.Context, phone string) (*guest.Reservation, error) {
	key := reservationKeyPrefix + phone
	var cached guest.Reservation
	if s.getJSON(ctx, key, &cached) {
		return &cached, nil
	}

	reservation, err := s.inner.FindReservationByPhone(ctx, phone)
	if err != nil {
		return nil, err
	}
	s.setJSON(ctx, key, reservation)
	return reservation, nil
}

func (s *Store) GetReservation(ctx context.Context, reservationID string) (*guest.Reservation, error) {
	return s.inner.GetReservation(ctx, reservationID)
}

func (s *Store) CreateConversation(ctx context.Context, propertyID, participant string) (string, error) {
	return s.inner.CreateConversation(ctx, propertyID, participant)
}

func (s *Store) AppendEntry(ctx context.Context, conversationID string, entry types.ConversationEntry) error {
	return s.inner.AppendEntry(ctx, conversationID, entry)
}

func (s *Store) FinalizeConversation(ctx context.Context, conversationID, summary string) error {
	return s.inner.FinalizeConversation(ctx, conversationID, summary)
}

func (s *Store) getJSON(ctx context.Context, key string, out any) bool {
	if s.client == nil {
		return false
	}
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false
	}
	if err != nil {
		s.logger.Debug("cache read failed", "key", key, "error", err)
		return false
	}
	if err := json.Unmarshal([]byte(val), out); err != nil {
		s.logger.Debug("cache entry corrupt", "key", key, "error", err)
		return false
	}
	return true
}

func (s *Store) setJSON(ctx context.Context, key string, value any) {
	if s.client == nil {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := s.client.Set(ctx, key, data, s.ttl).Err(); err != nil {
		s.logger.Debug("cache write failed", "key", key, "error", err)
	}
}

var _ guest.Store = (*Store)(nil)
