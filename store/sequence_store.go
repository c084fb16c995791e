package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"salesdash/models"
)

// ErrSequenceNotFound is returned when a sequence ID has no record.
var ErrSequenceNotFound = fmt.Errorf("sequence not found")

// SequenceStore persists Sequence documents in Redis and maintains a
// per-sender secondary index for listing.
type SequenceStore struct {
	client *redis.Client
}

func NewSequenceStore(client *redis.Client) *SequenceStore {
	return &SequenceStore{client: client}
}

func sequenceKey(id string) string {
	return "sequence:" + id
}

func senderIndexKey(senderID uint) string {
	return fmt.Sprintf("sequences:sender:%d", senderID)
}

// Save writes the sequence document and registers it in the sender index.
func (s *SequenceStore) Save(ctx context.Context, seq *models.Sequence) error {
	payload, err := json.Marshal(seq)
	if err != nil {
		return fmt.Errorf("marshal sequence %s: %w", seq.ID, err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, sequenceKey(seq.ID), payload, 0)
	pipe.SAdd(ctx, senderIndexKey(seq.SenderID), seq.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save sequence %s: %w", seq.ID, err)
	}
	return nil
}

// Get loads one sequence. A missing record returns ErrSequenceNotFound.
func (s *SequenceStore) Get(ctx context.Context, id string) (*models.Sequence, error) {
	payload, err := s.client.Get(ctx, sequenceKey(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrSequenceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load sequence %s: %w", id, err)
	}

	var seq models.Sequence
	if err := json.Unmarshal(payload, &seq); err != nil {
		return nil, fmt.Errorf("decode sequence %s: %w", id, err)
	}
	return &seq, nil
}

// Delete removes the record and its sender index entry. Deleting an unknown
// ID is a no-op.
func (s *SequenceStore) Delete(ctx context.Context, id string, senderID uint) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, sequenceKey(id))
	pipe.SRem(ctx, senderIndexKey(senderID), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete sequence %s: %w", id, err)
	}
	return nil
}

// ListBySender returns every stored sequence for the sender. IDs left in the
// index after a hard delete elsewhere are skipped, not surfaced as errors.
func (s *SequenceStore) ListBySender(ctx context.Context, senderID uint) ([]*models.Sequence, error) {
	ids, err := s.client.SMembers(ctx, senderIndexKey(senderID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list sequences for sender %d: %w", senderID, err)
	}

	sequences := make([]*models.Sequence, 0, len(ids))
	for _, id := range ids {
		seq, err := s.Get(ctx, id)
		if err == ErrSequenceNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		sequences = append(sequences, seq)
	}
	return sequences, nil
}
