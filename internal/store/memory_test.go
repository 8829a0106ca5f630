package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curbpost/curbpost/api/schemas"
)

func pendingJob(id, accountID string, priority int, createdAt time.Time) *schemas.Job {
	return &schemas.Job{
		ID:        id,
		AccountID: accountID,
		Type:      schemas.JobTypePostVehicle,
		Status:    schemas.JobPending,
		Priority:  priority,
		Payload:   map[string]any{"make": "Honda"},
		NotBefore: createdAt,
		CreatedAt: createdAt,
	}
}

func TestMemoryJobRoundTrip(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

	want := pendingJob("job-1", "acct-1", 5, now)
	want.RetriesLeft = 2
	require.NoError(t, mem.CreateJob(ctx, want))

	got, err := mem.GetJob(ctx, "job-1")
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("job round trip mismatch (-want +got):\n%s", diff)
	}

	// The stored copy must be isolated from the caller's struct.
	want.Priority = 99
	got, err = mem.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 5, got.Priority)
}

func TestMemoryClaimOrdering(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

	require.NoError(t, mem.CreateJob(ctx, pendingJob("low", "acct-1", 1, now.Add(-3*time.Minute))))
	require.NoError(t, mem.CreateJob(ctx, pendingJob("high-old", "acct-1", 9, now.Add(-2*time.Minute))))
	require.NoError(t, mem.CreateJob(ctx, pendingJob("high-new", "acct-1", 9, now.Add(-time.Minute))))

	gated := pendingJob("gated", "acct-1", 99, now.Add(-time.Hour))
	gated.NotBefore = now.Add(time.Hour)
	require.NoError(t, mem.CreateJob(ctx, gated))

	// Highest priority first, FIFO within a priority, backoff gate honored.
	var order []string
	for i := 0; i < 3; i++ {
		job, err := mem.ClaimNextJob(ctx, "acct-1", "agent-1", now)
		require.NoError(t, err)
		order = append(order, job.ID)
	}
	assert.Equal(t, []string{"high-old", "high-new", "low"}, order)

	_, err := mem.ClaimNextJob(ctx, "acct-1", "agent-1", now)
	assert.ErrorIs(t, err, ErrNoJob)

	job, err := mem.ClaimNextJob(ctx, "acct-1", "agent-1", now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "gated", job.ID)
}

func TestMemoryClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	require.NoError(t, mem.CreateJob(ctx, pendingJob("job-1", "acct-1", 5, now)))

	const claimers = 24
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := mem.ClaimNextJob(ctx, "acct-1", "agent-1", now); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins, "exactly one claimer may win the job")

	job, err := mem.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, schemas.JobProcessing, job.Status)
	assert.Equal(t, 1, job.Attempts)
}

func TestMemoryClaimScopedToAccount(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	require.NoError(t, mem.CreateJob(ctx, pendingJob("job-1", "acct-1", 5, now)))

	_, err := mem.ClaimNextJob(ctx, "acct-2", "agent-2", now)
	assert.ErrorIs(t, err, ErrNoJob)
}

func TestMemoryReclaimBudget(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

	require.NoError(t, mem.CreateAgent(ctx, &schemas.Agent{
		ID:        "agent-1",
		AccountID: "acct-1",
		Status:    schemas.AgentOffline,
		Source:    schemas.SourcePooled,
	}))
	require.NoError(t, mem.CreateJob(ctx, pendingJob("job-1", "acct-1", 5, now)))

	agent := "agent-1"
	for cycle := 1; cycle <= 3; cycle++ {
		job, err := mem.GetJob(ctx, "job-1")
		require.NoError(t, err)
		job.Status = schemas.JobProcessing
		job.AssignedAgent = &agent
		require.NoError(t, mem.CreateJob(ctx, job)) // overwrite with processing state

		requeued, failed, err := mem.ReclaimLostJobs(ctx, 2, 30*time.Second, now)
		require.NoError(t, err)
		if cycle <= 2 {
			assert.Equal(t, 1, requeued, "cycle %d", cycle)
			assert.Equal(t, 0, failed, "cycle %d", cycle)
		} else {
			assert.Equal(t, 0, requeued)
			assert.Equal(t, 1, failed)
		}
	}

	job, err := mem.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, schemas.JobFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, schemas.ReasonAgentLost, *job.Error)
	assert.Equal(t, 3, job.ReclaimCount)
}

func TestMemoryActivePatternSelection(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()

	put := func(id string, version, weight int, isDefault, isActive bool) {
		t.Helper()
		require.NoError(t, mem.UpsertPattern(ctx, &schemas.Pattern{
			ID: id, Name: schemas.JobTypePostVehicle,
			Version: version, Weight: weight,
			IsDefault: isDefault, IsActive: isActive,
		}))
	}

	put("inactive-heavy", 9, 100, false, false)
	put("light", 1, 1, true, true)
	put("heavy-v1", 1, 10, false, true)
	put("heavy-v2", 2, 10, false, true)

	p, err := mem.ActivePatternForType(ctx, schemas.JobTypePostVehicle)
	require.NoError(t, err)
	assert.Equal(t, "heavy-v2", p.ID, "weight wins, then version breaks the tie")

	_, err = mem.ActivePatternForType(ctx, "unknown-type")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryNextEligibleVehicle(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

	require.NoError(t, mem.UpsertVehicle(ctx, &schemas.Vehicle{
		ID: "veh-posted", AccountID: "acct-1", ActivePosting: true, UpdatedAt: now,
	}))
	require.NoError(t, mem.UpsertVehicle(ctx, &schemas.Vehicle{
		ID: "veh-stale", AccountID: "acct-1", UpdatedAt: now.Add(-time.Hour),
	}))
	require.NoError(t, mem.UpsertVehicle(ctx, &schemas.Vehicle{
		ID: "veh-fresh", AccountID: "acct-1", UpdatedAt: now,
	}))

	v, err := mem.NextEligibleVehicle(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "veh-fresh", v.ID, "freshest vehicle without an active posting wins")

	_, err = mem.NextEligibleVehicle(ctx, "acct-2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryActivityLogIsAppendOnly(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

	for i, msg := range []string{"session opened", "captcha shown", "listing published"} {
		require.NoError(t, mem.AppendActivity(ctx, &schemas.ActivityEvent{
			ID:        string(rune('a' + i)),
			AgentID:   "agent-1",
			EventType: "navigation",
			Message:   msg,
			Timestamp: now.Add(time.Duration(i) * time.Second),
		}))
	}

	events := mem.ActivityEvents()
	require.Len(t, events, 3)
	assert.Equal(t, "session opened", events[0].Message)
	assert.Equal(t, "listing published", events[2].Message)
}
