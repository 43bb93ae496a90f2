package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// StateStore remembers issued authorize states until the callback consumes them.
type StateStore interface {
	Save(ctx context.Context, state string) error
	Consume(ctx context.Context, state string) (bool, error)
}

// NewState returns an opaque per-call state token.
func NewState() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// RedisStateStore keeps states as keys with a TTL.
type RedisStateStore struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewRedisStateStore(rdb redis.Cmdable, ttl time.Duration) *RedisStateStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisStateStore{rdb: rdb, ttl: ttl}
}

func stateKey(state string) string {
	return "auth:state:" + state
}

func (s *RedisStateStore) Save(ctx context.Context, state string) error {
	ok, err := s.rdb.SetNX(ctx, stateKey(state), 1, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	if !ok {
		return fmt.Errorf("save state: %q already issued", state)
	}
	return nil
}

// Consume reports whether state was issued and not yet used, and forgets it.
func (s *RedisStateStore) Consume(ctx context.Context, state string) (bool, error) {
	if state == "" {
		return false, nil
	}
	err := s.rdb.GetDel(ctx, stateKey(state)).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("consume state: %w", err)
	}
	return true, nil
}
