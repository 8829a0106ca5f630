package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/curbpost/curbpost/api/schemas"
)

var (
	// ErrNoJob means no pending job matched the claim query. Normal.
	ErrNoJob = errors.New("no claimable job")
	// ErrNotFound covers missing agents, jobs, patterns and vehicles.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidTransition is returned when a status-guarded update found
	// the record in a different state than required.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Repository is the backend-of-record contract shared by the Postgres and
// in-memory implementations. The scheduler, registry and API server only
// ever talk to this interface.
type Repository interface {
	// Jobs. ClaimNextJob is the single atomic claim: it selects the
	// highest-priority eligible pending job for the account, flips it to
	// processing and stamps the agent, all in one conditional update.
	CreateJob(ctx context.Context, job *schemas.Job) error
	GetJob(ctx context.Context, id string) (*schemas.Job, error)
	ClaimNextJob(ctx context.Context, accountID, agentID string, now time.Time) (*schemas.Job, error)
	CompleteJob(ctx context.Context, id string, status schemas.JobStatus, result json.RawMessage, errMsg *string, now time.Time) (*schemas.Job, error)
	RequeueJob(ctx context.Context, id string, notBefore time.Time, decrementRetries bool) error
	ReclaimLostJobs(ctx context.Context, maxReclaims int, backoff time.Duration, now time.Time) (requeued, failed int, err error)

	// Agents.
	CreateAgent(ctx context.Context, agent *schemas.Agent) error
	GetAgent(ctx context.Context, id string) (*schemas.Agent, error)
	NextAgentSeq(ctx context.Context, accountID string) (int64, error)
	RefreshAgentMetadata(ctx context.Context, id string, metadata map[string]string) error
	MergeAgentMetadata(ctx context.Context, id string, metadata map[string]string) error
	Heartbeat(ctx context.Context, id string, at time.Time, status *schemas.AgentStatus, currentTask *string) (*schemas.Agent, error)
	RecordOutcome(ctx context.Context, id string, success bool) error
	SetAgentError(ctx context.Context, id, msg string, at time.Time) error
	MarkAgentsOffline(ctx context.Context, cutoff time.Time) ([]string, error)

	// Patterns and vehicles.
	UpsertPattern(ctx context.Context, p *schemas.Pattern) error
	ActivePatternForType(ctx context.Context, jobType string) (*schemas.Pattern, error)
	UpsertVehicle(ctx context.Context, v *schemas.Vehicle) error
	GetVehicle(ctx context.Context, id string) (*schemas.Vehicle, error)
	NextEligibleVehicle(ctx context.Context, accountID string) (*schemas.Vehicle, error)

	// Activity log (append-only).
	AppendActivity(ctx context.Context, ev *schemas.ActivityEvent) error

	Ping(ctx context.Context) error
}

// DBPool abstracts pgxpool.Pool to allow mocking with pgxmock in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is the PostgreSQL implementation of Repository.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

var _ Repository = (*Store)(nil)

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// Ping is a cheap connectivity probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
