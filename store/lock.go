package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const lockKeyPrefix = "lock"

// Lock is a named advisory mutex over the store's conditional-set
// primitive. It is not load-bearing for task delivery - that safety comes
// from the queue's atomic pop - but lets nodes serialize one-off work such
// as report cleanup.
type Lock struct {
	store  *Store
	nodeID string
}

// NewLock creates a lock handle owned by the given node.
func NewLock(s *Store, nodeID string) *Lock {
	return &Lock{store: s, nodeID: nodeID}
}

// Acquire attempts a conditional set-if-absent with expiry. It returns
// false when the lock is already held by someone else. The TTL bounds how
// long a crashed holder can block others.
func (l *Lock) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ok, err := l.store.client.SetNX(ctx, l.store.Key(lockKeyPrefix, name), l.nodeID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	return ok, nil
}

// Release deletes the lock only if this node still holds it. The
// read-then-delete pair is not atomic: if the TTL expires between the two
// steps another node's fresh lock could be deleted. The window is
// harmless for an advisory lock and accepted here.
func (l *Lock) Release(ctx context.Context, name string) error {
	key := l.store.Key(lockKeyPrefix, name)
	holder, err := l.store.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read lock %s: %w", name, err)
	}
	if holder != l.nodeID {
		return nil
	}
	if err := l.store.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", name, err)
	}
	return nil
}
