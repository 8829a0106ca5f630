package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curbpost/curbpost/api/schemas"
	"github.com/curbpost/curbpost/internal/config"
	"github.com/curbpost/curbpost/internal/store"
)

func testScheduler(t *testing.T, opts ...Option) (*Scheduler, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	cfg := config.SchedulerConfig{
		SweepInterval:   time.Minute,
		MaxReclaims:     2,
		RetryBackoff:    30 * time.Second,
		DefaultPriority: 5,
		ManualPriority:  10,
	}
	return New(mem, cfg, opts...), mem
}

func seedPattern(t *testing.T, mem *store.Memory, retryCount int) {
	t.Helper()
	require.NoError(t, mem.UpsertPattern(context.Background(), &schemas.Pattern{
		Name:       schemas.JobTypePostVehicle,
		Version:    1,
		RetryCount: retryCount,
		IsActive:   true,
		Steps: []schemas.Step{
			{Ordinal: 0, Type: schemas.StepNavigate, Value: "https://market.example/sell"},
		},
	}))
}

func TestEnqueueTakesRetryBudgetFromPattern(t *testing.T) {
	sched, mem := testScheduler(t)
	seedPattern(t, mem, 3)

	job, err := sched.Enqueue(context.Background(), &schemas.EnqueueRequest{
		AccountID: "acct",
		Payload:   map[string]any{"title": "2019 Honda Civic"},
	})
	require.NoError(t, err)
	assert.Equal(t, schemas.JobPending, job.Status)
	assert.Equal(t, schemas.JobTypePostVehicle, job.Type)
	assert.Equal(t, 3, job.RetriesLeft)
	assert.Equal(t, 5, job.Priority)
}

func TestEnqueueKeepsExplicitZeroPriority(t *testing.T) {
	sched, mem := testScheduler(t)
	seedPattern(t, mem, 0)

	floor := 0
	job, err := sched.Enqueue(context.Background(), &schemas.EnqueueRequest{
		AccountID: "acct",
		Priority:  &floor,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, job.Priority, "an explicit zero is not the same as unset")
}

func TestEnqueueWithoutPatternStillWorks(t *testing.T) {
	sched, _ := testScheduler(t)

	job, err := sched.Enqueue(context.Background(), &schemas.EnqueueRequest{AccountID: "acct"})
	require.NoError(t, err)
	assert.Equal(t, 0, job.RetriesLeft)
}

func TestClaimNextIsExclusive(t *testing.T) {
	sched, mem := testScheduler(t)
	seedPattern(t, mem, 0)
	ctx := context.Background()

	job, err := sched.Enqueue(ctx, &schemas.EnqueueRequest{AccountID: "acct"})
	require.NoError(t, err)

	const agents = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for i := 0; i < agents; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			claim, err := sched.ClaimNext(ctx, "acct", "acct-"+string(rune('a'+i)))
			if err != nil {
				assert.ErrorIs(t, err, ErrNoWork)
				return
			}
			mu.Lock()
			winners = append(winners, *claim.Job.AssignedAgent)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	require.Len(t, winners, 1, "exactly one agent may win a job")

	got, err := sched.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, schemas.JobProcessing, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

func TestClaimNextPrefersPriorityThenAge(t *testing.T) {
	sched, mem := testScheduler(t)
	seedPattern(t, mem, 0)
	ctx := context.Background()

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	sched.now = clock

	older, err := sched.Enqueue(ctx, &schemas.EnqueueRequest{AccountID: "acct"})
	require.NoError(t, err)
	now = now.Add(time.Second)
	_, err = sched.Enqueue(ctx, &schemas.EnqueueRequest{AccountID: "acct"})
	require.NoError(t, err)
	now = now.Add(time.Second)
	pri := 9
	urgent, err := sched.Enqueue(ctx, &schemas.EnqueueRequest{AccountID: "acct", Priority: &pri})
	require.NoError(t, err)

	claim, err := sched.ClaimNext(ctx, "acct", "acct-1")
	require.NoError(t, err)
	assert.Equal(t, urgent.ID, claim.Job.ID, "higher priority wins")

	claim, err = sched.ClaimNext(ctx, "acct", "acct-1")
	require.NoError(t, err)
	assert.Equal(t, older.ID, claim.Job.ID, "older job wins at equal priority")
}

func TestClaimNextReturnsActivePattern(t *testing.T) {
	sched, mem := testScheduler(t)
	seedPattern(t, mem, 1)
	// a heavier revision shadows version 1
	require.NoError(t, mem.UpsertPattern(context.Background(), &schemas.Pattern{
		Name: schemas.JobTypePostVehicle, Version: 2, Weight: 10, IsActive: true,
		Steps: []schemas.Step{
			{Ordinal: 0, Type: schemas.StepNavigate, Value: "https://market.example/v2"},
		},
	}))
	ctx := context.Background()

	_, err := sched.Enqueue(ctx, &schemas.EnqueueRequest{AccountID: "acct"})
	require.NoError(t, err)

	claim, err := sched.ClaimNext(ctx, "acct", "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 2, claim.Pattern.Version)
}

func TestClaimNextHonorsBackoffGate(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	sched, mem := testScheduler(t, WithClock(func() time.Time { return now }))
	seedPattern(t, mem, 2)
	ctx := context.Background()

	job, err := sched.Enqueue(ctx, &schemas.EnqueueRequest{AccountID: "acct"})
	require.NoError(t, err)

	claim, err := sched.ClaimNext(ctx, "acct", "acct-1")
	require.NoError(t, err)
	require.Equal(t, job.ID, claim.Job.ID)

	// a retryable failure requeues behind the backoff gate
	_, err = sched.Complete(ctx, job.ID, &schemas.JobStatusRequest{
		AgentID: "acct-1", Error: "selector-resolution (step 2): no selector matched",
	})
	require.NoError(t, err)

	_, err = sched.ClaimNext(ctx, "acct", "acct-1")
	assert.ErrorIs(t, err, ErrNoWork, "job must stay gated during backoff")

	now = now.Add(31 * time.Second)
	claim, err = sched.ClaimNext(ctx, "acct", "acct-1")
	require.NoError(t, err)
	assert.Equal(t, job.ID, claim.Job.ID)
	assert.Equal(t, 2, claim.Job.Attempts)
}

func TestCompleteSuccess(t *testing.T) {
	sched, mem := testScheduler(t)
	seedPattern(t, mem, 0)
	ctx := context.Background()

	job, err := sched.Enqueue(ctx, &schemas.EnqueueRequest{AccountID: "acct"})
	require.NoError(t, err)
	_, err = sched.ClaimNext(ctx, "acct", "acct-1")
	require.NoError(t, err)

	got, err := sched.Complete(ctx, job.ID, &schemas.JobStatusRequest{
		AgentID: "acct-1", Success: true, Result: []byte(`{"listing_url":"https://market.example/l/9"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, schemas.JobCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
}

func TestRetryBudgetAllowsExactlyRetryCountPlusOneAttempts(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	sched, mem := testScheduler(t, WithClock(func() time.Time { return now }))
	seedPattern(t, mem, 2)
	ctx := context.Background()

	job, err := sched.Enqueue(ctx, &schemas.EnqueueRequest{AccountID: "acct"})
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		now = now.Add(time.Minute)
		claim, err := sched.ClaimNext(ctx, "acct", "acct-1")
		require.NoError(t, err, "attempt %d must be claimable", attempt)
		require.Equal(t, attempt, claim.Job.Attempts)

		_, err = sched.Complete(ctx, job.ID, &schemas.JobStatusRequest{
			AgentID: "acct-1", Error: "timeout (step 1): step timed out",
		})
		require.NoError(t, err)
	}

	got, err := sched.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, schemas.JobFailed, got.Status, "budget of 2 retries means 3 attempts total")

	now = now.Add(time.Minute)
	_, err = sched.ClaimNext(ctx, "acct", "acct-1")
	assert.ErrorIs(t, err, ErrNoWork)
}

func TestPayloadFailureIsNeverRetried(t *testing.T) {
	sched, mem := testScheduler(t)
	seedPattern(t, mem, 5)
	ctx := context.Background()

	job, err := sched.Enqueue(ctx, &schemas.EnqueueRequest{AccountID: "acct"})
	require.NoError(t, err)
	_, err = sched.ClaimNext(ctx, "acct", "acct-1")
	require.NoError(t, err)

	got, err := sched.Complete(ctx, job.ID, &schemas.JobStatusRequest{
		AgentID: "acct-1", Error: "payload: required field \"vin\" missing",
	})
	require.NoError(t, err)
	assert.Equal(t, schemas.JobFailed, got.Status, "missing input cannot be fixed by retrying")
	require.NotNil(t, got.Error)
}

func TestAbortPatternFailsWithBudgetLeft(t *testing.T) {
	sched, mem := testScheduler(t)
	require.NoError(t, mem.UpsertPattern(context.Background(), &schemas.Pattern{
		Name:          schemas.JobTypePostVehicle,
		Version:       1,
		RetryCount:    2,
		FailureAction: schemas.FailAbort,
		IsActive:      true,
		Steps: []schemas.Step{
			{Ordinal: 0, Type: schemas.StepNavigate, Value: "https://market.example/sell"},
		},
	}))
	ctx := context.Background()

	job, err := sched.Enqueue(ctx, &schemas.EnqueueRequest{AccountID: "acct"})
	require.NoError(t, err)
	_, err = sched.ClaimNext(ctx, "acct", "acct-1")
	require.NoError(t, err)

	got, err := sched.Complete(ctx, job.ID, &schemas.JobStatusRequest{
		AgentID: "acct-1", Error: "selector-resolution (step 0): no selector matched",
	})
	require.NoError(t, err)
	assert.Equal(t, schemas.JobFailed, got.Status, "abort means the first failure is final")
}

func TestCompleteResultFatalClassKeepsMessage(t *testing.T) {
	sched, mem := testScheduler(t)
	seedPattern(t, mem, 3)
	ctx := context.Background()

	job, err := sched.Enqueue(ctx, &schemas.EnqueueRequest{AccountID: "acct"})
	require.NoError(t, err)
	_, err = sched.ClaimNext(ctx, "acct", "acct-1")
	require.NoError(t, err)

	got, err := sched.CompleteResult(ctx, job.ID, "acct-1", nil, &schemas.ClassifiedError{
		Class: schemas.ErrClassAuth, Ordinal: 0, Msg: "login challenge shown",
	})
	require.NoError(t, err)
	assert.Equal(t, schemas.JobFailed, got.Status, "authentication failures never retry")
	require.NotNil(t, got.Error)
	assert.Equal(t, "authentication (step 0): login challenge shown", *got.Error,
		"fatality travels on the flag, not by rewriting the message")
}

func TestCompleteResultClassifiedFailure(t *testing.T) {
	sched, mem := testScheduler(t)
	seedPattern(t, mem, 3)
	ctx := context.Background()

	job, err := sched.Enqueue(ctx, &schemas.EnqueueRequest{AccountID: "acct"})
	require.NoError(t, err)
	_, err = sched.ClaimNext(ctx, "acct", "acct-1")
	require.NoError(t, err)

	got, err := sched.CompleteResult(ctx, job.ID, "acct-1", nil, &schemas.ClassifiedError{
		Class: schemas.ErrClassPayload, Ordinal: 1, Field: "vin", Msg: "field missing",
	})
	require.NoError(t, err)
	assert.Equal(t, schemas.JobFailed, got.Status)
}

func TestCompleteOnTerminalJobIsRejected(t *testing.T) {
	sched, mem := testScheduler(t)
	seedPattern(t, mem, 0)
	ctx := context.Background()

	job, err := sched.Enqueue(ctx, &schemas.EnqueueRequest{AccountID: "acct"})
	require.NoError(t, err)
	_, err = sched.ClaimNext(ctx, "acct", "acct-1")
	require.NoError(t, err)
	_, err = sched.Complete(ctx, job.ID, &schemas.JobStatusRequest{AgentID: "acct-1", Success: true})
	require.NoError(t, err)

	_, err = sched.Complete(ctx, job.ID, &schemas.JobStatusRequest{AgentID: "acct-1", Success: true})
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
	_, err = sched.Complete(ctx, job.ID, &schemas.JobStatusRequest{AgentID: "acct-1", Error: "late"})
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
}

func TestManualTriggerSpecificVehicle(t *testing.T) {
	sched, mem := testScheduler(t)
	seedPattern(t, mem, 0)
	ctx := context.Background()

	require.NoError(t, mem.UpsertVehicle(ctx, &schemas.Vehicle{
		ID: "veh-7", AccountID: "acct",
		Fields: map[string]any{"title": "2021 Toyota Tacoma", "price": 31500},
	}))

	job, err := sched.ManualTrigger(ctx, "acct", "veh-7")
	require.NoError(t, err)
	assert.Equal(t, 10, job.Priority, "manual jobs jump the queue")
	assert.Equal(t, "veh-7", job.Payload["vehicle_id"])
	assert.Equal(t, "2021 Toyota Tacoma", job.Payload["title"])
}

func TestManualTriggerPicksMostRecentlyUpdatedIdleVehicle(t *testing.T) {
	sched, mem := testScheduler(t)
	seedPattern(t, mem, 0)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, mem.UpsertVehicle(ctx, &schemas.Vehicle{
		ID: "veh-old", AccountID: "acct", UpdatedAt: base,
		Fields: map[string]any{"title": "old"},
	}))
	require.NoError(t, mem.UpsertVehicle(ctx, &schemas.Vehicle{
		ID: "veh-new", AccountID: "acct", UpdatedAt: base.Add(time.Hour),
		Fields: map[string]any{"title": "new"},
	}))
	require.NoError(t, mem.UpsertVehicle(ctx, &schemas.Vehicle{
		ID: "veh-posted", AccountID: "acct", UpdatedAt: base.Add(2 * time.Hour),
		ActivePosting: true,
		Fields:        map[string]any{"title": "posted"},
	}))

	job, err := sched.ManualTrigger(ctx, "acct", "")
	require.NoError(t, err)
	assert.Equal(t, "veh-new", job.Payload["vehicle_id"])
}

func TestManualTriggerNoEligibleVehicle(t *testing.T) {
	sched, _ := testScheduler(t)
	_, err := sched.ManualTrigger(context.Background(), "acct", "")
	assert.ErrorIs(t, err, ErrNoVehicle)
}

func TestSweepReclaimsJobsFromOfflineAgents(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	sched, mem := testScheduler(t, WithClock(func() time.Time { return now }))
	seedPattern(t, mem, 0)
	ctx := context.Background()

	require.NoError(t, mem.CreateAgent(ctx, &schemas.Agent{
		ID: "acct-1", AccountID: "acct", Status: schemas.AgentWorking, LastHeartbeatAt: now,
	}))
	job, err := sched.Enqueue(ctx, &schemas.EnqueueRequest{AccountID: "acct"})
	require.NoError(t, err)
	_, err = sched.ClaimNext(ctx, "acct", "acct-1")
	require.NoError(t, err)

	// agent still live: nothing to reclaim
	requeued, failed, err := sched.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, requeued+failed)

	_, err = mem.MarkAgentsOffline(ctx, now.Add(time.Minute))
	require.NoError(t, err)

	requeued, failed, err = sched.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)
	assert.Zero(t, failed)

	got, err := sched.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, schemas.JobPending, got.Status)
	assert.Equal(t, 1, got.ReclaimCount)
	assert.Nil(t, got.AssignedAgent)
}

func TestSweepFailsJobPastMaxReclaims(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	sched, mem := testScheduler(t, WithClock(func() time.Time { return now }))
	seedPattern(t, mem, 0)
	ctx := context.Background()

	require.NoError(t, mem.CreateAgent(ctx, &schemas.Agent{
		ID: "acct-1", AccountID: "acct", Status: schemas.AgentOffline, LastHeartbeatAt: now,
	}))
	job, err := sched.Enqueue(ctx, &schemas.EnqueueRequest{AccountID: "acct"})
	require.NoError(t, err)

	// lose the agent three times; MaxReclaims is 2
	for cycle := 0; cycle < 3; cycle++ {
		now = now.Add(time.Minute)
		_, err = sched.ClaimNext(ctx, "acct", "acct-1")
		require.NoError(t, err)
		_, _, err = sched.Sweep(ctx)
		require.NoError(t, err)
		now = now.Add(time.Minute)
	}

	got, err := sched.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, schemas.JobFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, schemas.ReasonAgentLost, *got.Error)
	assert.Equal(t, 3, got.ReclaimCount)
}
