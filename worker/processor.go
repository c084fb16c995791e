package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"salesdash/models"
	"salesdash/store"
	"salesdash/utils"
)

// TokenProvider supplies a currently valid send credential for a sender.
type TokenProvider interface {
	ValidToken(ctx context.Context, senderID uint) (string, error)
}

// SenderDirectory is the slice of the sender store the processor needs: the
// From identity for outgoing mail and the usage counters.
type SenderDirectory interface {
	Get(ctx context.Context, senderID uint) (*models.Sender, error)
	IncrementUsage(ctx context.Context, senderID uint) error
}

// CycleResult aggregates one queue-processor invocation. Per-item problems
// land in Errors; they never fail the cycle.
type CycleResult struct {
	Processed int      `json:"processed"`
	Sent      int      `json:"sent"`
	Errors    []string `json:"errors,omitempty"`
}

// Processor is the scheduling core. It is invoked by an external periodic
// trigger, drains everything due, sends the pending step per sequence and
// advances state. There is no internal timer loop; overlapping invocations
// are safe because every item is worked under a per-sequence lease.
type Processor struct {
	sequences *store.SequenceStore
	schedule  *store.DueTimeIndex
	counters  *store.SentCounter
	locks     *store.SequenceLocker
	senders   SenderDirectory
	tokens    TokenProvider
	mailer    utils.Mailer
	retry     RetryPolicy
	alerts    *utils.AlertMailer
	sendHour  int
	logger    *log.Logger

	// Clock is overridable so tests can drive simulated time.
	Clock func() time.Time
}

func NewProcessor(
	sequences *store.SequenceStore,
	schedule *store.DueTimeIndex,
	counters *store.SentCounter,
	locks *store.SequenceLocker,
	senders SenderDirectory,
	tokens TokenProvider,
	mailer utils.Mailer,
	retry RetryPolicy,
	alerts *utils.AlertMailer,
	sendHourUTC int,
	logger *log.Logger,
) *Processor {
	if retry == nil {
		retry = ManualResume{}
	}
	return &Processor{
		sequences: sequences,
		schedule:  schedule,
		counters:  counters,
		locks:     locks,
		senders:   senders,
		tokens:    tokens,
		mailer:    mailer,
		retry:     retry,
		alerts:    alerts,
		sendHour:  sendHourUTC,
		logger:    logger,
		Clock:     time.Now,
	}
}

// ProcessOnce runs one cycle: read everything due, handle each item
// independently, report aggregate counts. Only a failure to enumerate the
// due list is a hard error.
func (p *Processor) ProcessOnce(ctx context.Context) (*CycleResult, error) {
	now := p.Clock().UTC()

	due, err := p.schedule.Due(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("enumerate due sequences: %w", err)
	}

	result := &CycleResult{}
	if len(due) == 0 {
		return result, nil
	}

	p.logger.Printf("Processing %d due sequence(s)", len(due))
	for _, id := range due {
		p.processItem(ctx, id, now, result)
	}

	if len(result.Errors) > 0 && p.alerts != nil && p.alerts.Enabled() {
		if err := p.alerts.SendCycleReport(result.Errors); err != nil {
			p.logger.Printf("Failed to send cycle alert: %v", err)
		}
	}
	return result, nil
}

func (p *Processor) processItem(ctx context.Context, id string, now time.Time, result *CycleResult) {
	release, ok, err := p.locks.Acquire(ctx, id)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("sequence %s: acquire lease: %v", id, err))
		return
	}
	if !ok {
		// Another pass owns this sequence; leave its entry for that pass.
		return
	}
	defer release()

	result.Processed++

	seq, err := p.sequences.Get(ctx, id)
	if errors.Is(err, store.ErrSequenceNotFound) {
		// Stale index entry for a deleted sequence.
		if err := p.schedule.Remove(ctx, id); err != nil {
			result.Errors = append(result.Errors, err.Error())
		}
		return
	}
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return
	}

	if seq.Status != models.SequenceActive {
		// Paused or cancelled since it was indexed; do not send.
		if err := p.schedule.Remove(ctx, id); err != nil {
			result.Errors = append(result.Errors, err.Error())
		}
		return
	}

	step := seq.PendingStep()
	if step == nil {
		// Indexed past its last step; treat as inconsistency and close out.
		if err := p.schedule.Remove(ctx, id); err != nil {
			result.Errors = append(result.Errors, err.Error())
		}
		seq.Status = models.SequenceCompleted
		seq.UpdatedAt = now
		if err := p.sequences.Save(ctx, seq); err != nil {
			result.Errors = append(result.Errors, err.Error())
		}
		return
	}

	sender, err := p.senders.Get(ctx, seq.SenderID)
	if err != nil {
		p.stallOrRetry(ctx, seq, step, now, fmt.Errorf("load sender %d: %w", seq.SenderID, err), result)
		return
	}

	token, err := p.tokens.ValidToken(ctx, seq.SenderID)
	if err != nil {
		p.stallOrRetry(ctx, seq, step, now, err, result)
		return
	}

	providerID, err := p.mailer.Send(ctx, token, utils.OutboundEmail{
		FromEmail:      sender.FromEmail,
		FromName:       seq.SenderName,
		To:             seq.RecipientEmail,
		Subject:        step.Subject,
		HTMLBody:       step.Body,
		IdempotencyKey: fmt.Sprintf("%s:%d", seq.ID, seq.CurrentStep),
	})
	if err != nil {
		p.stallOrRetry(ctx, seq, step, now, err, result)
		return
	}

	p.logger.Printf("Sequence %s step %d delivered to %s (message %s)",
		seq.ID, seq.CurrentStep, seq.RecipientEmail, providerID)

	// Counters are best effort; a failed increment never undoes a delivery.
	if err := p.counters.Increment(ctx, seq.SenderID); err != nil {
		result.Errors = append(result.Errors, err.Error())
	}
	if err := p.senders.IncrementUsage(ctx, seq.SenderID); err != nil {
		result.Errors = append(result.Errors, err.Error())
	}

	step.SentAt = &now
	step.ScheduledAt = nil
	seq.CurrentStep++
	seq.LastError = ""
	seq.RetryCount = 0
	seq.UpdatedAt = now

	// Old entry goes before any new one; a sequence never holds two.
	if err := p.schedule.Remove(ctx, seq.ID); err != nil {
		result.Errors = append(result.Errors, err.Error())
	}

	if seq.Exhausted() {
		seq.Status = models.SequenceCompleted
		p.logger.Printf("Sequence %s completed after %d step(s)", seq.ID, len(seq.Steps))
	} else {
		next := &seq.Steps[seq.CurrentStep]
		due := StepDueTime(seq.StartedAt, next.DayOffset, p.sendHour, now)
		next.ScheduledAt = &due
		if err := p.schedule.Add(ctx, seq.ID, due); err != nil {
			result.Errors = append(result.Errors, err.Error())
		}
	}

	if err := p.sequences.Save(ctx, seq); err != nil {
		// Delivery already happened; persisting is what makes it visible.
		// This is the documented at-least-once window.
		result.Errors = append(result.Errors, fmt.Sprintf("sequence %s: sent but not persisted: %v", seq.ID, err))
		return
	}

	result.Sent++
}

// stallOrRetry applies the failure policy for a step that could not be sent:
// either reschedule it after a backoff delay or drop it from the schedule
// without advancing, leaving the sequence active but unscheduled until it is
// manually resumed.
func (p *Processor) stallOrRetry(ctx context.Context, seq *models.Sequence, step *models.SequenceStep, now time.Time, cause error, result *CycleResult) {
	result.Errors = append(result.Errors, fmt.Sprintf("sequence %s step %d: %v", seq.ID, seq.CurrentStep, cause))

	attempt := seq.RetryCount + 1
	if delay, ok := p.retry.NextRetry(attempt); ok {
		due := now.Add(delay)
		seq.RetryCount = attempt
		seq.LastError = cause.Error()
		seq.UpdatedAt = now
		step.ScheduledAt = &due

		if err := p.schedule.Remove(ctx, seq.ID); err != nil {
			result.Errors = append(result.Errors, err.Error())
		}
		if err := p.schedule.Add(ctx, seq.ID, due); err != nil {
			result.Errors = append(result.Errors, err.Error())
		}
		if err := p.sequences.Save(ctx, seq); err != nil {
			result.Errors = append(result.Errors, err.Error())
		}
		p.logger.Printf("Sequence %s step %d retry %d scheduled in %s", seq.ID, seq.CurrentStep, attempt, delay)
		return
	}

	if err := p.schedule.Remove(ctx, seq.ID); err != nil {
		result.Errors = append(result.Errors, err.Error())
	}
	step.ScheduledAt = nil
	seq.LastError = cause.Error()
	seq.UpdatedAt = now
	if err := p.sequences.Save(ctx, seq); err != nil {
		result.Errors = append(result.Errors, err.Error())
	}
	p.logger.Printf("Sequence %s stalled at step %d: %v", seq.ID, seq.CurrentStep, cause)
}
