package ledger

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// CursorStore persists the last ledger block the poller has processed, so a
// restart resumes from where it left off instead of re-emitting history.
type CursorStore interface {
	Load(ctx context.Context) (uint64, bool, error)
	Save(ctx context.Context, block uint64) error
}

const cursorKey = "aidchain:ledger:cursor"

type redisCursorStore struct {
	client *redis.Client
}

// NewRedisCursorStore persists the poll cursor in Redis.
func NewRedisCursorStore(client *redis.Client) CursorStore {
	return &redisCursorStore{client: client}
}

func (s *redisCursorStore) Load(ctx context.Context) (uint64, bool, error) {
	val, err := s.client.Get(ctx, cursorKey).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to load poll cursor: %w", err)
	}
	block, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt poll cursor %q: %w", val, err)
	}
	return block, true, nil
}

func (s *redisCursorStore) Save(ctx context.Context, block uint64) error {
	if err := s.client.Set(ctx, cursorKey, strconv.FormatUint(block, 10), 0).Err(); err != nil {
		return fmt.Errorf("failed to save poll cursor: %w", err)
	}
	return nil
}
