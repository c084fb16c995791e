package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"salesdash/models"
	"salesdash/utils"
)

type fakeSenders struct {
	sender *models.Sender
	getErr error
	usage  int
}

func (f *fakeSenders) Get(_ context.Context, _ uint) (*models.Sender, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.sender, nil
}

func (f *fakeSenders) IncrementUsage(_ context.Context, _ uint) error {
	f.usage++
	return nil
}

type fakeTokens struct {
	token string
	err   error
}

func (f *fakeTokens) ValidToken(_ context.Context, _ uint) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.token, nil
}

// fakeMailer records deliveries and suppresses replays of an idempotency key
// it has already seen, the way the send boundary is expected to.
type fakeMailer struct {
	sent       []utils.OutboundEmail
	err        error
	seen       map[string]string
	suppressed int
}

func newFakeMailer() *fakeMailer {
	return &fakeMailer{seen: map[string]string{}}
}

func (f *fakeMailer) Send(_ context.Context, _ string, email utils.OutboundEmail) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if id, ok := f.seen[email.IdempotencyKey]; ok {
		f.suppressed++
		return id, nil
	}
	id := "msg-" + email.IdempotencyKey
	f.seen[email.IdempotencyKey] = id
	f.sent = append(f.sent, email)
	return id, nil
}

type procEnv struct {
	stores    *testStores
	engine    *Engine
	processor *Processor
	senders   *fakeSenders
	tokens    *fakeTokens
	mailer    *fakeMailer
	now       *time.Time
}

func newProcEnv(t *testing.T, retry RetryPolicy) *procEnv {
	t.Helper()
	stores := newTestStores(t)
	now := time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC) // after the send hour

	senders := &fakeSenders{sender: &models.Sender{
		FromEmail: "sam@acme.com",
		FromName:  "Sam Rep",
	}}
	senders.sender.ID = 42
	tokens := &fakeTokens{token: "access-token"}
	mailer := newFakeMailer()

	engine := newTestEngine(t, stores, &now)
	processor := NewProcessor(
		stores.sequences, stores.schedule, stores.counters, stores.locks,
		senders, tokens, mailer, retry, nil, 9, testLogger(),
	)
	processor.Clock = engine.Clock

	return &procEnv{
		stores:    stores,
		engine:    engine,
		processor: processor,
		senders:   senders,
		tokens:    tokens,
		mailer:    mailer,
		now:       &now,
	}
}

func (env *procEnv) advanceTo(t *testing.T, seqID string) {
	t.Helper()
	fireAt, ok, err := env.stores.schedule.FireTime(context.Background(), seqID)
	require.NoError(t, err)
	require.True(t, ok, "sequence must hold a schedule entry to advance to")
	*env.now = fireAt.Add(time.Second)
}

func TestProcessor_EmptyCycle(t *testing.T) {
	env := newProcEnv(t, nil)

	result, err := env.processor.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Processed)
	assert.Equal(t, 0, result.Sent)
	assert.Empty(t, result.Errors)
}

func TestProcessor_FullRoundTrip(t *testing.T) {
	env := newProcEnv(t, nil)
	ctx := context.Background()

	seq, err := env.engine.Start(ctx, startInput(threeSteps()...))
	require.NoError(t, err)

	// Started after the send hour, so step 0 fires within the prompt delay.
	fireAt, ok, err := env.stores.schedule.FireTime(ctx, seq.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, !fireAt.After(env.now.Add(PromptDelay)))

	var sentTimes []time.Time
	for i := 0; i < 3; i++ {
		env.advanceTo(t, seq.ID)
		result, err := env.processor.ProcessOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Sent, "cycle %d", i)
		assert.Empty(t, result.Errors, "cycle %d", i)

		loaded, err := env.engine.Get(ctx, seq.ID)
		require.NoError(t, err)
		require.NotNil(t, loaded.Steps[i].SentAt)
		sentTimes = append(sentTimes, *loaded.Steps[i].SentAt)

		if i == 1 {
			// The day-3 step fired at its slot off the original start date.
			assert.Equal(t, time.Date(2025, 3, 12, 9, 0, 1, 0, time.UTC), sentTimes[1])
		}
	}

	final, err := env.engine.Get(ctx, seq.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SequenceCompleted, final.Status)
	assert.Equal(t, 3, final.CurrentStep)
	for i := 1; i < len(sentTimes); i++ {
		assert.True(t, sentTimes[i].After(sentTimes[i-1]), "sent times must increase")
	}

	_, ok, err = env.stores.schedule.FireTime(ctx, seq.ID)
	require.NoError(t, err)
	assert.False(t, ok, "completed sequence must hold no schedule entry")

	assert.Len(t, env.mailer.sent, 3)
	count, err := env.stores.counters.Count(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
	assert.Equal(t, 3, env.senders.usage)
}

func TestProcessor_ReschedulesNextStepFromOriginalStart(t *testing.T) {
	env := newProcEnv(t, nil)
	ctx := context.Background()

	seq, err := env.engine.Start(ctx, startInput(threeSteps()...))
	require.NoError(t, err)

	env.advanceTo(t, seq.ID)
	_, err = env.processor.ProcessOnce(ctx)
	require.NoError(t, err)

	// Day-3 step: start day + 2 days at the send hour.
	fireAt, ok, err := env.stores.schedule.FireTime(ctx, seq.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 3, 12, 9, 0, 0, 0, time.UTC), fireAt)

	loaded, err := env.engine.Get(ctx, seq.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.CurrentStep)
	require.NotNil(t, loaded.Steps[1].ScheduledAt)
	assert.Equal(t, fireAt, *loaded.Steps[1].ScheduledAt)
	assert.Nil(t, loaded.Steps[0].ScheduledAt, "sent step must drop its scheduled time")
}

func TestProcessor_CancelStopsFutureSends(t *testing.T) {
	env := newProcEnv(t, nil)
	ctx := context.Background()

	seq, err := env.engine.Start(ctx, startInput(threeSteps()...))
	require.NoError(t, err)

	env.advanceTo(t, seq.ID)
	_, err = env.processor.ProcessOnce(ctx)
	require.NoError(t, err)

	_, err = env.engine.Cancel(ctx, seq.ID)
	require.NoError(t, err)

	// Even far past the last step's slot, nothing more goes out.
	*env.now = env.now.AddDate(0, 0, 10)
	result, err := env.processor.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Sent)
	assert.Len(t, env.mailer.sent, 1)
}

func TestProcessor_RemovesStaleEntryForDeletedSequence(t *testing.T) {
	env := newProcEnv(t, nil)
	ctx := context.Background()

	require.NoError(t, env.stores.schedule.Add(ctx, "ghost", env.now.Add(-time.Minute)))

	result, err := env.processor.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 0, result.Sent)
	assert.Empty(t, result.Errors, "stale cleanup is not an error")

	_, ok, err := env.stores.schedule.FireTime(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProcessor_SkipsConcurrentlyPausedSequence(t *testing.T) {
	env := newProcEnv(t, nil)
	ctx := context.Background()

	seq, err := env.engine.Start(ctx, startInput(threeSteps()...))
	require.NoError(t, err)

	// Simulate a pause that landed after the entry was indexed: flip the
	// status but leave the entry behind.
	seq.Status = models.SequencePaused
	require.NoError(t, env.stores.sequences.Save(ctx, seq))

	env.advanceTo(t, seq.ID)
	result, err := env.processor.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Sent)
	assert.Empty(t, env.mailer.sent)

	_, ok, err := env.stores.schedule.FireTime(ctx, seq.ID)
	require.NoError(t, err)
	assert.False(t, ok, "entry for a non-active sequence must be dropped")
}

func TestProcessor_ClosesOutOverrunSequence(t *testing.T) {
	env := newProcEnv(t, nil)
	ctx := context.Background()

	seq, err := env.engine.Start(ctx, startInput(threeSteps()...))
	require.NoError(t, err)

	// Index entry pointing past the last step: a data inconsistency.
	seq.CurrentStep = len(seq.Steps)
	require.NoError(t, env.stores.sequences.Save(ctx, seq))

	env.advanceTo(t, seq.ID)
	result, err := env.processor.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Sent)

	loaded, err := env.engine.Get(ctx, seq.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SequenceCompleted, loaded.Status)

	_, ok, err := env.stores.schedule.FireTime(ctx, seq.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProcessor_CredentialFailureStallsSequence(t *testing.T) {
	env := newProcEnv(t, nil)
	env.tokens.err = &utils.ReauthRequiredError{SenderID: 42}
	ctx := context.Background()

	seq, err := env.engine.Start(ctx, startInput(threeSteps()...))
	require.NoError(t, err)

	env.advanceTo(t, seq.ID)
	result, err := env.processor.ProcessOnce(ctx)
	require.NoError(t, err, "per-item failures never fail the cycle")
	assert.Equal(t, 0, result.Sent)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "re-authenticate")

	loaded, err := env.engine.Get(ctx, seq.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SequenceActive, loaded.Status, "stalled sequence stays active")
	assert.Equal(t, 0, loaded.CurrentStep, "step must not advance on failure")
	assert.Nil(t, loaded.Steps[0].SentAt)
	assert.NotEmpty(t, loaded.LastError)

	_, ok, err := env.stores.schedule.FireTime(ctx, seq.ID)
	require.NoError(t, err)
	assert.False(t, ok, "stalled sequence is unscheduled until resumed")
}

func TestProcessor_StalledSequenceIsReDrivenByResume(t *testing.T) {
	env := newProcEnv(t, nil)
	env.mailer.err = &utils.SendFailureError{Provider: "gmail", StatusCode: 429, Body: "rate limited"}
	ctx := context.Background()

	seq, err := env.engine.Start(ctx, startInput(threeSteps()...))
	require.NoError(t, err)

	env.advanceTo(t, seq.ID)
	result, err := env.processor.ProcessOnce(ctx)
	require.NoError(t, err)
	require.Len(t, result.Errors, 1)

	// Manual intervention: pause then resume puts it back on the schedule.
	_, err = env.engine.Pause(ctx, seq.ID)
	require.NoError(t, err)
	_, err = env.engine.Resume(ctx, seq.ID)
	require.NoError(t, err)

	loaded, err := env.engine.Get(ctx, seq.ID)
	require.NoError(t, err)
	assert.Empty(t, loaded.LastError, "resume clears the stall marker")

	env.mailer.err = nil
	env.advanceTo(t, seq.ID)
	result, err = env.processor.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Sent)
}

func TestProcessor_BoundedBackoffRetriesBeforeStalling(t *testing.T) {
	env := newProcEnv(t, NewBoundedBackoff(2, 30*time.Second, 5*time.Minute))
	env.mailer.err = errors.New("provider down")
	ctx := context.Background()

	seq, err := env.engine.Start(ctx, startInput(threeSteps()...))
	require.NoError(t, err)

	// First failure: retry scheduled, entry still present.
	env.advanceTo(t, seq.ID)
	_, err = env.processor.ProcessOnce(ctx)
	require.NoError(t, err)

	loaded, err := env.engine.Get(ctx, seq.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.RetryCount)
	_, ok, err := env.stores.schedule.FireTime(ctx, seq.ID)
	require.NoError(t, err)
	assert.True(t, ok, "retry keeps the sequence scheduled")

	// Second failure: last allowed attempt.
	env.advanceTo(t, seq.ID)
	_, err = env.processor.ProcessOnce(ctx)
	require.NoError(t, err)

	loaded, err = env.engine.Get(ctx, seq.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.RetryCount)
	_, ok, err = env.stores.schedule.FireTime(ctx, seq.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	// Third failure exhausts the policy and stalls.
	env.advanceTo(t, seq.ID)
	_, err = env.processor.ProcessOnce(ctx)
	require.NoError(t, err)

	_, ok, err = env.stores.schedule.FireTime(ctx, seq.ID)
	require.NoError(t, err)
	assert.False(t, ok, "exhausted retries stall the sequence")
	assert.Empty(t, env.mailer.sent)
}

func TestProcessor_LeaseSkipsItemHeldByAnotherPass(t *testing.T) {
	env := newProcEnv(t, nil)
	ctx := context.Background()

	seq, err := env.engine.Start(ctx, startInput(threeSteps()...))
	require.NoError(t, err)
	env.advanceTo(t, seq.ID)

	// Another pass holds the lease.
	release, ok, err := env.stores.locks.Acquire(ctx, seq.ID)
	require.NoError(t, err)
	require.True(t, ok)
	defer release()

	result, err := env.processor.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Processed, "held item is skipped, not failed")
	assert.Equal(t, 0, result.Sent)
	assert.Empty(t, env.mailer.sent)

	_, ok, err = env.stores.schedule.FireTime(ctx, seq.ID)
	require.NoError(t, err)
	assert.True(t, ok, "skipped item keeps its entry for the owning pass")
}

// A send that succeeds but whose state never persists is re-attempted on the
// next pass: delivery is at-least-once, with the replay suppressed at the
// mailer boundary via the per-(sequence, step) idempotency key.
func TestProcessor_CrashReplayIsSuppressedByIdempotencyKey(t *testing.T) {
	env := newProcEnv(t, nil)
	ctx := context.Background()

	seq, err := env.engine.Start(ctx, startInput(threeSteps()...))
	require.NoError(t, err)

	// Snapshot the pre-send state, as a crash between send and persist
	// would leave it.
	snapshot, err := env.engine.Get(ctx, seq.ID)
	require.NoError(t, err)

	env.advanceTo(t, seq.ID)
	result, err := env.processor.ProcessOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Sent)

	// "Crash": restore the unadvanced record and its index entry.
	require.NoError(t, env.stores.sequences.Save(ctx, snapshot))
	require.NoError(t, env.stores.schedule.Add(ctx, seq.ID, env.now.Add(-time.Second)))

	result, err = env.processor.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Sent, "the replayed attempt still advances state")
	assert.Len(t, env.mailer.sent, 1, "the boundary must not deliver step 0 twice")
	assert.Equal(t, 1, env.mailer.suppressed)
}
