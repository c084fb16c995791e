package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"salesdash/models"
	"salesdash/store"
)

// StartSequenceInput carries everything needed to create one outreach run.
// Subject/body are fully rendered by the caller.
type StartSequenceInput struct {
	UserID         uint
	TemplateID     string
	RecipientID    string
	RecipientEmail string
	RecipientName  string
	SenderID       uint
	SenderName     string
	Steps          []models.SequenceStep
}

// Engine is the sequence lifecycle manager: it owns every user-driven state
// transition and keeps the sequence record and the due-time index consistent
// with each other.
type Engine struct {
	sequences *store.SequenceStore
	schedule  *store.DueTimeIndex
	counters  *store.SentCounter
	sendHour  int
	logger    *log.Logger

	// Clock is overridable so tests can drive simulated time.
	Clock func() time.Time
}

func NewEngine(sequences *store.SequenceStore, schedule *store.DueTimeIndex, counters *store.SentCounter, sendHourUTC int, logger *log.Logger) *Engine {
	return &Engine{
		sequences: sequences,
		schedule:  schedule,
		counters:  counters,
		sendHour:  sendHourUTC,
		logger:    logger,
		Clock:     time.Now,
	}
}

// Start creates an active sequence at step zero, schedules the first step and
// returns the created record.
func (e *Engine) Start(ctx context.Context, input StartSequenceInput) (*models.Sequence, error) {
	now := e.Clock().UTC()

	seq, err := models.NewSequence(
		input.UserID, input.TemplateID,
		input.RecipientID, input.RecipientEmail, input.RecipientName,
		input.SenderID, input.SenderName,
		input.Steps, now,
	)
	if err != nil {
		return nil, err
	}

	due := StepDueTime(seq.StartedAt, seq.Steps[0].DayOffset, e.sendHour, now)
	seq.Steps[0].ScheduledAt = &due

	if err := e.sequences.Save(ctx, seq); err != nil {
		return nil, err
	}
	if err := e.schedule.Add(ctx, seq.ID, due); err != nil {
		return nil, err
	}

	e.logger.Printf("Started sequence %s for %s (%d steps, first due %s)",
		seq.ID, seq.RecipientEmail, len(seq.Steps), due.Format(time.RFC3339))
	return seq, nil
}

// Pause takes an active sequence off the schedule without touching its steps
// or position.
func (e *Engine) Pause(ctx context.Context, id string) (*models.Sequence, error) {
	seq, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if seq.Status != models.SequenceActive {
		return nil, &InvalidStateError{SequenceID: id, Status: seq.Status, Op: "pause"}
	}

	// Removal first: pausing is effective the moment the entry is gone.
	if err := e.schedule.Remove(ctx, id); err != nil {
		return nil, err
	}

	seq.Status = models.SequencePaused
	seq.UpdatedAt = e.Clock().UTC()
	if err := e.sequences.Save(ctx, seq); err != nil {
		return nil, err
	}

	e.logger.Printf("Paused sequence %s at step %d", id, seq.CurrentStep)
	return seq, nil
}

// Resume puts a paused sequence back on the schedule in the near future
// rather than at its original multi-day slot, so resuming acts promptly.
func (e *Engine) Resume(ctx context.Context, id string) (*models.Sequence, error) {
	seq, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if seq.Status != models.SequencePaused {
		return nil, &InvalidStateError{SequenceID: id, Status: seq.Status, Op: "resume"}
	}

	now := e.Clock().UTC()

	if seq.Exhausted() {
		// Paused at the end with nothing left to send; close it out.
		seq.Status = models.SequenceCompleted
		seq.UpdatedAt = now
		if err := e.sequences.Save(ctx, seq); err != nil {
			return nil, err
		}
		return seq, nil
	}

	due := now.Add(PromptDelay)
	seq.Status = models.SequenceActive
	seq.Steps[seq.CurrentStep].ScheduledAt = &due
	seq.LastError = ""
	seq.RetryCount = 0
	seq.UpdatedAt = now

	if err := e.sequences.Save(ctx, seq); err != nil {
		return nil, err
	}
	if err := e.schedule.Add(ctx, seq.ID, due); err != nil {
		return nil, err
	}

	e.logger.Printf("Resumed sequence %s, step %d due %s", id, seq.CurrentStep, due.Format(time.RFC3339))
	return seq, nil
}

// Cancel terminates an active or paused sequence. Terminal: no further
// transitions are accepted afterwards.
func (e *Engine) Cancel(ctx context.Context, id string) (*models.Sequence, error) {
	seq, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if seq.Status != models.SequenceActive && seq.Status != models.SequencePaused {
		return nil, &InvalidStateError{SequenceID: id, Status: seq.Status, Op: "cancel"}
	}

	if err := e.schedule.Remove(ctx, id); err != nil {
		return nil, err
	}

	if step := seq.PendingStep(); step != nil {
		step.ScheduledAt = nil
	}
	seq.Status = models.SequenceCancelled
	seq.UpdatedAt = e.Clock().UTC()
	if err := e.sequences.Save(ctx, seq); err != nil {
		return nil, err
	}

	e.logger.Printf("Cancelled sequence %s at step %d", id, seq.CurrentStep)
	return seq, nil
}

// Delete hard-removes the sequence record, its schedule entry and its
// secondary indexes. Administrative; safe on an already-deleted ID.
func (e *Engine) Delete(ctx context.Context, id string) error {
	if err := e.schedule.Remove(ctx, id); err != nil {
		return err
	}

	seq, err := e.sequences.Get(ctx, id)
	if errors.Is(err, store.ErrSequenceNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := e.sequences.Delete(ctx, id, seq.SenderID); err != nil {
		return err
	}
	e.logger.Printf("Deleted sequence %s", id)
	return nil
}

// Get loads one sequence, mapping a storage miss to the typed not-found
// error callers switch on.
func (e *Engine) Get(ctx context.Context, id string) (*models.Sequence, error) {
	seq, err := e.sequences.Get(ctx, id)
	if errors.Is(err, store.ErrSequenceNotFound) {
		return nil, &NotFoundError{SequenceID: id}
	}
	if err != nil {
		return nil, err
	}
	return seq, nil
}

// ListActive returns the sender's currently active sequences, stalled ones
// included (LastError marks those).
func (e *Engine) ListActive(ctx context.Context, senderID uint) ([]*models.Sequence, error) {
	all, err := e.sequences.ListBySender(ctx, senderID)
	if err != nil {
		return nil, err
	}

	active := make([]*models.Sequence, 0, len(all))
	for _, seq := range all {
		if seq.Status == models.SequenceActive {
			active = append(active, seq)
		}
	}
	return active, nil
}

// SentCount returns how many sequence emails the sender has delivered.
func (e *Engine) SentCount(ctx context.Context, senderID uint) (int64, error) {
	n, err := e.counters.Count(ctx, senderID)
	if err != nil {
		return 0, fmt.Errorf("sent count for sender %d: %w", senderID, err)
	}
	return n, nil
}
