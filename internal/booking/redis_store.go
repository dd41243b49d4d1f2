package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Snapshot is a saved wizard position.
type Snapshot struct {
	TripID  int       `json:"trip_id"`
	Step    int       `json:"step"`
	Draft   Draft     `json:"draft"`
	SavedAt time.Time `json:"saved_at"`
}

// RedisDraftStore persists draft snapshots per wizard session so a restarted
// process can pick a booking back up.
type RedisDraftStore struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewRedisDraftStore creates a snapshot store with the given expiry.
func NewRedisDraftStore(client *redis.Client, ttl time.Duration) *RedisDraftStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisDraftStore{redis: client, ttl: ttl}
}

func draftKey(sessionID string) string {
	return fmt.Sprintf("booking:draft:%s", sessionID)
}

// Save writes the snapshot and refreshes its expiry.
func (s *RedisDraftStore) Save(ctx context.Context, sessionID string, snap Snapshot) error {
	if snap.SavedAt.IsZero() {
		snap.SavedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("booking: encode draft: %w", err)
	}
	if err := s.redis.Set(ctx, draftKey(sessionID), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("booking: save draft %s: %w", sessionID, err)
	}
	return nil
}

// Load returns the saved snapshot, or nil when nothing is stored.
func (s *RedisDraftStore) Load(ctx context.Context, sessionID string) (*Snapshot, error) {
	raw, err := s.redis.Get(ctx, draftKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("booking: load draft %s: %w", sessionID, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("booking: decode draft %s: %w", sessionID, err)
	}
	return &snap, nil
}

// Delete drops the snapshot.
func (s *RedisDraftStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.redis.Del(ctx, draftKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("booking: delete draft %s: %w", sessionID, err)
	}
	return nil
}
