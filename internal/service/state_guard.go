package service

import (
	"context"
	"fmt"
	"time"

	"github.com/prperemyshlev/ledger-connections/pkg/database"
)

// ReplayGuard marks state identifiers as consumed so a captured callback URL
// cannot complete the flow a second time
type ReplayGuard interface {
	// Consume marks jti as used. Returns false if it was already consumed.
	Consume(ctx context.Context, jti string, ttl time.Duration) (bool, error)
}

// StateReplayGuard tracks consumed state identifiers in Redis. Entries keep
// the state's own TTL: after expiry the signature check rejects the state
// anyway, so nothing older needs to be remembered.
type StateReplayGuard struct {
	redis *database.Redis
}

// NewStateReplayGuard creates a new state replay guard
func NewStateReplayGuard(redis *database.Redis) *StateReplayGuard {
	return &StateReplayGuard{redis: redis}
}

// Consume marks a state jti as used, atomically via SETNX
func (g *StateReplayGuard) Consume(ctx context.Context, jti string, ttl time.Duration) (bool, error) {
	key := fmt.Sprintf("oauth:state:%s", jti)
	ok, err := g.redis.Client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to consume state: %w", err)
	}
	return ok, nil
}
