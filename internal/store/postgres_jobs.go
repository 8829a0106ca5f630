package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/curbpost/curbpost/api/schemas"
)

const jobColumns = `id, account_id, type, status, priority, payload, assigned_agent,
	result, error, attempts, retries_left, reclaim_count, not_before,
	created_at, started_at, completed_at`

const sqlInsertJob = `
	INSERT INTO jobs (` + jobColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16);`

// sqlClaimJob implements the atomic claim. The inner SELECT picks the
// highest-priority eligible pending job (FIFO on ties); SKIP LOCKED keeps
// concurrent claimers from ever seeing the same row.
const sqlClaimJob = `
	UPDATE jobs SET
		status = 'processing',
		assigned_agent = $2,
		started_at = $3,
		attempts = attempts + 1
	WHERE id = (
		SELECT id FROM jobs
		WHERE account_id = $1 AND status = 'pending' AND not_before <= $3
		ORDER BY priority DESC, created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	)
	RETURNING ` + jobColumns + `;`

const sqlCompleteJob = `
	UPDATE jobs SET
		status = $2,
		result = $3,
		error = $4,
		completed_at = $5,
		assigned_agent = NULL
	WHERE id = $1 AND status = 'processing'
	RETURNING ` + jobColumns + `;`

const sqlRequeueJob = `
	UPDATE jobs SET
		status = 'pending',
		assigned_agent = NULL,
		started_at = NULL,
		not_before = $2,
		retries_left = retries_left - CASE WHEN $3 THEN 1 ELSE 0 END
	WHERE id = $1 AND status = 'processing';`

// sqlReclaimLostJobs returns processing jobs held by OFFLINE agents to
// pending, or fails them permanently once the reclaim budget is spent.
const sqlReclaimLostJobs = `
	UPDATE jobs SET
		status = CASE WHEN jobs.reclaim_count + 1 > $1 THEN 'failed' ELSE 'pending' END,
		error = CASE WHEN jobs.reclaim_count + 1 > $1 THEN 'agent-lost' ELSE jobs.error END,
		completed_at = CASE WHEN jobs.reclaim_count + 1 > $1 THEN $3::timestamptz ELSE NULL END,
		assigned_agent = NULL,
		started_at = NULL,
		reclaim_count = jobs.reclaim_count + 1,
		not_before = $3::timestamptz + $2::interval
	FROM agents
	WHERE jobs.status = 'processing'
	  AND agents.id = jobs.assigned_agent
	  AND agents.status = 'OFFLINE'
	RETURNING jobs.status;`

// CreateJob inserts a new job record.
func (s *Store) CreateJob(ctx context.Context, job *schemas.Job) error {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal job payload: %w", err)
	}

	_, err = s.pool.Exec(ctx, sqlInsertJob,
		job.ID, job.AccountID, job.Type, string(job.Status), job.Priority,
		payload, job.AssignedAgent, job.Result, job.Error,
		job.Attempts, job.RetriesLeft, job.ReclaimCount,
		job.NotBefore.UTC(), job.CreatedAt.UTC(), job.StartedAt, job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// GetJob fetches one job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*schemas.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1;`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

// ClaimNextJob atomically claims the next eligible pending job for the
// account. Returns ErrNoJob when nothing is claimable.
func (s *Store) ClaimNextJob(ctx context.Context, accountID, agentID string, now time.Time) (*schemas.Job, error) {
	row := s.pool.QueryRow(ctx, sqlClaimJob, accountID, agentID, now.UTC())
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoJob
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return job, nil
}

// CompleteJob moves a processing job to completed or failed. Any other
// starting state yields ErrInvalidTransition.
func (s *Store) CompleteJob(ctx context.Context, id string, status schemas.JobStatus, result json.RawMessage, errMsg *string, now time.Time) (*schemas.Job, error) {
	if status != schemas.JobCompleted && status != schemas.JobFailed {
		return nil, fmt.Errorf("complete: target status %q: %w", status, ErrInvalidTransition)
	}

	row := s.pool.QueryRow(ctx, sqlCompleteJob, id, string(status), result, errMsg, now.UTC())
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInvalidTransition
	}
	if err != nil {
		return nil, fmt.Errorf("failed to complete job: %w", err)
	}
	return job, nil
}

// RequeueJob returns a processing job to pending with a backoff gate.
func (s *Store) RequeueJob(ctx context.Context, id string, notBefore time.Time, decrementRetries bool) error {
	tag, err := s.pool.Exec(ctx, sqlRequeueJob, id, notBefore.UTC(), decrementRetries)
	if err != nil {
		return fmt.Errorf("failed to requeue job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// ReclaimLostJobs sweeps processing jobs whose assigned agent is OFFLINE.
func (s *Store) ReclaimLostJobs(ctx context.Context, maxReclaims int, backoff time.Duration, now time.Time) (requeued, failed int, err error) {
	rows, err := s.pool.Query(ctx, sqlReclaimLostJobs, maxReclaims, backoff, now.UTC())
	if err != nil {
		return 0, 0, fmt.Errorf("failed to reclaim lost jobs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return requeued, failed, fmt.Errorf("failed to scan reclaim row: %w", err)
		}
		if status == string(schemas.JobFailed) {
			failed++
		} else {
			requeued++
		}
	}
	if err := rows.Err(); err != nil {
		return requeued, failed, fmt.Errorf("error during reclaim iteration: %w", err)
	}
	return requeued, failed, nil
}

// scanJob reads one job row in jobColumns order.
func scanJob(row pgx.Row) (*schemas.Job, error) {
	var (
		j       schemas.Job
		status  string
		payload []byte
	)
	err := row.Scan(
		&j.ID, &j.AccountID, &j.Type, &status, &j.Priority, &payload,
		&j.AssignedAgent, &j.Result, &j.Error,
		&j.Attempts, &j.RetriesLeft, &j.ReclaimCount, &j.NotBefore,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Status = schemas.JobStatus(status)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &j.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job payload: %w", err)
		}
	}
	return &j, nil
}
