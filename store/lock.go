package store

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// releaseScript deletes the lock only when the caller still owns it, so an
// expired-and-reacquired lock is never released by the previous holder.
const releaseScript = `if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('del', KEYS[1]) else return 0 end`

// SequenceLocker hands out short-lived processing leases keyed by sequence
// ID. Only one queue-processor pass may work on a given sequence at a time;
// overlapping passes skip sequences whose lease is held.
type SequenceLocker struct {
	client *redis.Client
	ttl    time.Duration
}

func NewSequenceLocker(client *redis.Client, ttl time.Duration) *SequenceLocker {
	return &SequenceLocker{client: client, ttl: ttl}
}

func lockKey(sequenceID string) string {
	return "sequence:lock:" + sequenceID
}

// Acquire tries to take the lease. It returns a release function on success
// and ok=false when another holder has it.
func (l *SequenceLocker) Acquire(ctx context.Context, sequenceID string) (release func(), ok bool, err error) {
	token := uuid.NewString()
	ok, err = l.client.SetNX(ctx, lockKey(sequenceID), token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock for %s: %w", sequenceID, err)
	}
	if !ok {
		return nil, false, nil
	}

	release = func() {
		// Best effort: a lease that cannot be released expires on its own.
		l.client.Eval(ctx, releaseScript, []string{lockKey(sequenceID)}, token)
	}
	return release, true, nil
}
