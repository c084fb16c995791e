package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

const scheduleKey = "sequence:schedule"

// DueTimeIndex is the ordered schedule mapping fire time to sequence ID,
// backed by a Redis sorted set with the unix fire time as score. ZADD
// overwrites the score for an existing member, so a sequence can never hold
// more than one entry.
type DueTimeIndex struct {
	client *redis.Client
}

func NewDueTimeIndex(client *redis.Client) *DueTimeIndex {
	return &DueTimeIndex{client: client}
}

// Add schedules the sequence to fire at the given time.
func (d *DueTimeIndex) Add(ctx context.Context, sequenceID string, at time.Time) error {
	err := d.client.ZAdd(ctx, scheduleKey, &redis.Z{
		Score:  float64(at.Unix()),
		Member: sequenceID,
	}).Err()
	if err != nil {
		return fmt.Errorf("schedule sequence %s: %w", sequenceID, err)
	}
	return nil
}

// Remove drops the sequence from the schedule. Removing an absent member is
// a no-op.
func (d *DueTimeIndex) Remove(ctx context.Context, sequenceID string) error {
	if err := d.client.ZRem(ctx, scheduleKey, sequenceID).Err(); err != nil {
		return fmt.Errorf("unschedule sequence %s: %w", sequenceID, err)
	}
	return nil
}

// Due returns every sequence ID with a fire time at or before now, earliest
// first.
func (d *DueTimeIndex) Due(ctx context.Context, now time.Time) ([]string, error) {
	ids, err := d.client.ZRangeByScore(ctx, scheduleKey, &redis.ZRangeBy{
		Min: "0",
		Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("read due sequences: %w", err)
	}
	return ids, nil
}

// FireTime returns the scheduled fire time for the sequence, or ok=false when
// it holds no entry.
func (d *DueTimeIndex) FireTime(ctx context.Context, sequenceID string) (time.Time, bool, error) {
	score, err := d.client.ZScore(ctx, scheduleKey, sequenceID).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read fire time for %s: %w", sequenceID, err)
	}
	return time.Unix(int64(score), 0).UTC(), true, nil
}
