package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/curbpost/curbpost/api/schemas"
	"github.com/curbpost/curbpost/internal/browser"
	"github.com/curbpost/curbpost/internal/browser/stealth"
	"github.com/curbpost/curbpost/internal/config"
	"github.com/curbpost/curbpost/internal/registry"
	"github.com/curbpost/curbpost/internal/scheduler"
	"github.com/curbpost/curbpost/internal/store"
)

const testSecret = "test-worker-secret"

type fixture struct {
	server *Server
	mem    *store.Memory
	now    time.Time
}

type nopRunner struct{}

func (nopRunner) Run(context.Context, time.Duration, ...chromedp.Action) error { return nil }
func (nopRunner) Close()                                                       {}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemory()

	f := &fixture{mem: mem, now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }

	reg := registry.New(mem, config.RegistryConfig{HeartbeatCadence: 30 * time.Second}, registry.WithClock(clock))
	sched := scheduler.New(mem, config.SchedulerConfig{
		MaxReclaims:     2,
		RetryBackoff:    30 * time.Second,
		DefaultPriority: 5,
		ManualPriority:  10,
	}, scheduler.WithClock(clock))
	pool := browser.NewPool(config.BrowserConfig{
		Capacity:      2,
		IdleTimeout:   time.Minute,
		ReapInterval:  time.Minute,
		ActionTimeout: time.Second,
	}, browser.WithSpawner(func(stealth.Persona, bool, bool, *zap.Logger) (browser.Runner, error) {
		return nopRunner{}, nil
	}))
	t.Cleanup(pool.Shutdown)

	f.server = NewServer(config.APIConfig{
		ListenAddr:    ":0",
		WorkerSecret:  testSecret,
		ActivityRate:  1,
		ActivityBurst: 2,
	}, reg, sched, pool, mem, WithClock(clock))
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any, secret string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if secret != "" {
		req.Header.Set(WorkerKeyHeader, secret)
	}
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func (f *fixture) register(t *testing.T) string {
	t.Helper()
	w := f.do(t, http.MethodPost, "/api/v1/agents/register", schemas.RegisterRequest{
		AccountID: "acct", Source: schemas.SourceExtension,
	}, testSecret)
	require.Equal(t, http.StatusOK, w.Code)
	return decode[schemas.RegisterResponse](t, w).AgentID
}

func (f *fixture) seedPattern(t *testing.T) {
	t.Helper()
	require.NoError(t, f.mem.UpsertPattern(context.Background(), &schemas.Pattern{
		Name: schemas.JobTypePostVehicle, Version: 1, RetryCount: 1, IsActive: true,
		Steps: []schemas.Step{
			{Ordinal: 0, Type: schemas.StepNavigate, Value: "https://market.example/sell"},
		},
	}))
}

func TestWorkerKeyRequired(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name   string
		secret string
	}{
		{"missing", ""},
		{"wrong", "nope"},
		{"prefix", testSecret[:len(testSecret)-1]},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/api/v1/agents/register", schemas.RegisterRequest{
				AccountID: "acct", Source: schemas.SourceExtension,
			}, tc.secret)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}

	// rejection must precede validation: garbage body, bad key, still 401
	w := f.do(t, http.MethodPost, "/api/v1/agents/register", "not-json", "bad")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHealthzIsUnauthenticated(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRegisterAndHeartbeatFlow(t *testing.T) {
	f := newFixture(t)
	agentID := f.register(t)
	assert.Equal(t, "acct-1", agentID)

	w := f.do(t, http.MethodPost, "/api/v1/agents/"+agentID+"/heartbeat",
		schemas.HeartbeatRequest{Status: schemas.AgentWorking}, testSecret)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, schemas.AgentWorking, decode[schemas.HeartbeatResponse](t, w).Status)

	w = f.do(t, http.MethodPost, "/api/v1/agents/ghost-9/heartbeat",
		schemas.HeartbeatRequest{}, testSecret)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestClaimAndReportLifecycle(t *testing.T) {
	f := newFixture(t)
	f.seedPattern(t)
	agentID := f.register(t)

	// empty queue polls cleanly
	w := f.do(t, http.MethodGet, "/api/v1/accounts/acct/jobs/next?agent_id="+agentID, nil, testSecret)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/jobs", schemas.EnqueueRequest{
		AccountID: "acct",
		Payload:   map[string]any{"title": "2019 Honda Civic"},
	}, testSecret)
	require.Equal(t, http.StatusCreated, w.Code)
	jobID := decode[schemas.EnqueueResponse](t, w).JobID

	w = f.do(t, http.MethodGet, "/api/v1/accounts/acct/jobs/next?agent_id="+agentID, nil, testSecret)
	require.Equal(t, http.StatusOK, w.Code)
	claim := decode[scheduler.Claim](t, w)
	assert.Equal(t, jobID, claim.Job.ID)
	assert.Equal(t, 1, claim.Pattern.Version)
	require.NotNil(t, claim.Job.AssignedAgent)
	assert.Equal(t, agentID, *claim.Job.AssignedAgent)

	w = f.do(t, http.MethodPost, "/api/v1/jobs/"+jobID+"/status", schemas.JobStatusRequest{
		AgentID: agentID, Success: true, DurationMs: 4200,
	}, testSecret)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, schemas.JobCompleted, decode[schemas.JobStatusResponse](t, w).Status)

	// the agent's counters settled with the terminal transition
	agent, err := f.mem.GetAgent(context.Background(), agentID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), agent.TasksCompleted)
	assert.Equal(t, "4200", agent.Metadata["last_task_duration_ms"])

	// duplicate report conflicts
	w = f.do(t, http.MethodPost, "/api/v1/jobs/"+jobID+"/status", schemas.JobStatusRequest{
		AgentID: agentID, Success: true,
	}, testSecret)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestFailureReportRequeuesUntilBudgetExhausted(t *testing.T) {
	f := newFixture(t)
	f.seedPattern(t) // retryCount 1: two attempts total
	agentID := f.register(t)

	w := f.do(t, http.MethodPost, "/api/v1/jobs", schemas.EnqueueRequest{
		AccountID: "acct", Payload: map[string]any{"title": "x"},
	}, testSecret)
	require.Equal(t, http.StatusCreated, w.Code)
	jobID := decode[schemas.EnqueueResponse](t, w).JobID

	w = f.do(t, http.MethodGet, "/api/v1/accounts/acct/jobs/next?agent_id="+agentID, nil, testSecret)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/jobs/"+jobID+"/status", schemas.JobStatusRequest{
		AgentID: agentID, Error: "timeout (step 0): navigation timed out",
	}, testSecret)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, schemas.JobPending, decode[schemas.JobStatusResponse](t, w).Status)

	// failed attempt that requeues must not move the agent counters
	agent, err := f.mem.GetAgent(context.Background(), agentID)
	require.NoError(t, err)
	assert.Zero(t, agent.TasksFailed)

	f.now = f.now.Add(time.Minute)
	w = f.do(t, http.MethodGet, "/api/v1/accounts/acct/jobs/next?agent_id="+agentID, nil, testSecret)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/jobs/"+jobID+"/status", schemas.JobStatusRequest{
		AgentID: agentID, Error: "timeout (step 0): navigation timed out",
	}, testSecret)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, schemas.JobFailed, decode[schemas.JobStatusResponse](t, w).Status)

	agent, err = f.mem.GetAgent(context.Background(), agentID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), agent.TasksFailed)
}

func TestActivityEndpointRateLimited(t *testing.T) {
	f := newFixture(t)
	agentID := f.register(t)
	body := schemas.LogActivityRequest{EventType: "navigation", Message: "opened listing form"}

	// burst of 2 admits two events
	for i := 0; i < 2; i++ {
		w := f.do(t, http.MethodPost, "/api/v1/agents/"+agentID+"/activity", body, testSecret)
		require.Equal(t, http.StatusAccepted, w.Code)
	}
	w := f.do(t, http.MethodPost, "/api/v1/agents/"+agentID+"/activity", body, testSecret)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// the bucket refills with time
	f.now = f.now.Add(2 * time.Second)
	w = f.do(t, http.MethodPost, "/api/v1/agents/"+agentID+"/activity", body, testSecret)
	assert.Equal(t, http.StatusAccepted, w.Code)

	// limits are per agent
	other := f.register(t)
	w = f.do(t, http.MethodPost, "/api/v1/agents/"+other+"/activity", body, testSecret)
	assert.Equal(t, http.StatusAccepted, w.Code)

	assert.NotEmpty(t, f.mem.ActivityEvents())
}

func TestManualTriggerViaJobsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.seedPattern(t)
	require.NoError(t, f.mem.UpsertVehicle(context.Background(), &schemas.Vehicle{
		ID: "veh-1", AccountID: "acct",
		Fields: map[string]any{"title": "2021 Toyota Tacoma"},
	}))

	w := f.do(t, http.MethodPost, "/api/v1/jobs", schemas.EnqueueRequest{AccountID: "acct"}, testSecret)
	require.Equal(t, http.StatusCreated, w.Code)
	jobID := decode[schemas.EnqueueResponse](t, w).JobID

	w = f.do(t, http.MethodGet, "/api/v1/jobs/"+jobID, nil, testSecret)
	require.Equal(t, http.StatusOK, w.Code)
	job := decode[schemas.Job](t, w)
	assert.Equal(t, 10, job.Priority)
	assert.Equal(t, "veh-1", job.Payload["vehicle_id"])
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/sessions", schemas.CreateSessionRequest{AccountID: "acct"}, testSecret)
	require.Equal(t, http.StatusCreated, w.Code)
	sessionID := decode[schemas.CreateSessionResponse](t, w).SessionID

	w = f.do(t, http.MethodPost, "/api/v1/sessions/"+sessionID+"/action", schemas.ActionSpec{
		Action: schemas.ActionNavigate, URL: "https://market.example/sell",
	}, testSecret)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[schemas.ActionResult](t, w).Success)

	w = f.do(t, http.MethodGet, "/api/v1/sessions/"+sessionID+"/state", nil, testSecret)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[schemas.SessionStateResponse](t, w).IsHealthy)

	w = f.do(t, http.MethodDelete, "/api/v1/sessions/"+sessionID, nil, testSecret)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/sessions/"+sessionID+"/state", nil, testSecret)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSessionPoolSaturationOverHTTP(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 2; i++ {
		w := f.do(t, http.MethodPost, "/api/v1/sessions", schemas.CreateSessionRequest{}, testSecret)
		require.Equal(t, http.StatusCreated, w.Code)
	}
	w := f.do(t, http.MethodPost, "/api/v1/sessions", schemas.CreateSessionRequest{}, testSecret)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "5", w.Header().Get("Retry-After"))
}
