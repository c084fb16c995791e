package store

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// SentCounter tracks per-sender delivery counts with single-key atomic
// increments.
type SentCounter struct {
	client *redis.Client
}

func NewSentCounter(client *redis.Client) *SentCounter {
	return &SentCounter{client: client}
}

func sentCountKey(senderID uint) string {
	return fmt.Sprintf("sender:%d:sequences_sent", senderID)
}

// Increment bumps the sender's sent count by one.
func (c *SentCounter) Increment(ctx context.Context, senderID uint) error {
	if err := c.client.Incr(ctx, sentCountKey(senderID)).Err(); err != nil {
		return fmt.Errorf("increment sent count for sender %d: %w", senderID, err)
	}
	return nil
}

// Count returns the sender's total sent count. A sender that never sent
// reads as zero.
func (c *SentCounter) Count(ctx context.Context, senderID uint) (int64, error) {
	n, err := c.client.Get(ctx, sentCountKey(senderID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read sent count for sender %d: %w", senderID, err)
	}
	return n, nil
}
