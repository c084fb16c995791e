package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SequenceStatus is the closed set of lifecycle states for a sequence.
type SequenceStatus string

const (
	SequenceActive    SequenceStatus = "active"
	SequencePaused    SequenceStatus = "paused"
	SequenceCompleted SequenceStatus = "completed"
	SequenceCancelled SequenceStatus = "cancelled"
)

// Terminal reports whether no further transitions are accepted from s.
func (s SequenceStatus) Terminal() bool {
	return s == SequenceCompleted || s == SequenceCancelled
}

// Valid reports whether s is one of the known statuses.
func (s SequenceStatus) Valid() bool {
	switch s {
	case SequenceActive, SequencePaused, SequenceCompleted, SequenceCancelled:
		return true
	}
	return false
}

// SequenceStep is one message in a sequence. Subject and body arrive fully
// rendered; variable substitution happens before the sequence is created.
type SequenceStep struct {
	DayOffset int    `json:"day_offset"` // day 1 = immediately
	Subject   string `json:"subject"`
	Body      string `json:"body"`

	// ScheduledAt is set while this step is the pending step, nil otherwise.
	// SentAt is set exactly once, when delivery succeeds.
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
}

// Sequence is one outreach run for one recipient. Stored as a JSON document
// in Redis, keyed by ID.
type Sequence struct {
	ID         string `json:"id"`
	UserID     uint   `json:"user_id"`
	TemplateID string `json:"template_id"` // opaque reference to the content template

	RecipientID    string `json:"recipient_id"`
	RecipientEmail string `json:"recipient_email"`
	RecipientName  string `json:"recipient_name"`

	SenderID   uint   `json:"sender_id"`
	SenderName string `json:"sender_name"`

	Status      SequenceStatus `json:"status"`
	CurrentStep int            `json:"current_step"` // zero-based index into Steps
	Steps       []SequenceStep `json:"steps"`

	// Failure bookkeeping so stalled sequences are discoverable. A stalled
	// sequence is still "active" but holds no schedule entry until resumed.
	LastError  string `json:"last_error,omitempty"`
	RetryCount int    `json:"retry_count,omitempty"`

	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSequence builds an active sequence at step zero. Steps are fixed at
// creation time and never reordered afterwards.
func NewSequence(userID uint, templateID, recipientID, recipientEmail, recipientName string, senderID uint, senderName string, steps []SequenceStep, now time.Time) (*Sequence, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("sequence needs at least one step")
	}
	for i, step := range steps {
		if step.DayOffset < 1 {
			return nil, fmt.Errorf("step %d: day offset must be >= 1, got %d", i, step.DayOffset)
		}
		if step.ScheduledAt != nil || step.SentAt != nil {
			return nil, fmt.Errorf("step %d: scheduling timestamps are managed by the engine", i)
		}
	}

	return &Sequence{
		ID:             uuid.NewString(),
		UserID:         userID,
		TemplateID:     templateID,
		RecipientID:    recipientID,
		RecipientEmail: recipientEmail,
		RecipientName:  recipientName,
		SenderID:       senderID,
		SenderName:     senderName,
		Status:         SequenceActive,
		CurrentStep:    0,
		Steps:          steps,
		StartedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// PendingStep returns the step at CurrentStep, or nil when the sequence has
// advanced past its last step.
func (s *Sequence) PendingStep() *SequenceStep {
	if s.CurrentStep < 0 || s.CurrentStep >= len(s.Steps) {
		return nil
	}
	return &s.Steps[s.CurrentStep]
}

// Exhausted reports whether every step has been advanced past.
func (s *Sequence) Exhausted() bool {
	return s.CurrentStep >= len(s.Steps)
}
