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

const agentColumns = `id, account_id, status, source, tasks_completed, tasks_failed,
	last_heartbeat_at, current_task, last_error, last_error_at, metadata, created_at`

const sqlInsertAgent = `
	INSERT INTO agents (` + agentColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12);`

// sqlNextAgentSeq hands out the per-account monotonic counter used to
// mint agent ids. The upsert makes first registration and the steady
// state one statement.
const sqlNextAgentSeq = `
	INSERT INTO agent_seq (account_id, n) VALUES ($1, 1)
	ON CONFLICT (account_id) DO UPDATE SET n = agent_seq.n + 1
	RETURNING n;`

// sqlHeartbeat refreshes liveness in one statement. An explicit status
// from the agent wins; otherwise OFFLINE self-heals to READY.
const sqlHeartbeat = `
	UPDATE agents SET
		last_heartbeat_at = $2,
		status = CASE
			WHEN $3 <> '' THEN $3
			WHEN status = 'OFFLINE' THEN 'READY'
			ELSE status
		END,
		current_task = CASE WHEN $4 THEN $5 ELSE current_task END
	WHERE id = $1
	RETURNING ` + agentColumns + `;`

// sqlRecordOutcome increments in SQL, not compute-then-write, so racing
// duplicate deliveries cannot lose counts.
const sqlRecordOutcome = `
	UPDATE agents SET
		tasks_completed = tasks_completed + CASE WHEN $2 THEN 1 ELSE 0 END,
		tasks_failed    = tasks_failed    + CASE WHEN $2 THEN 0 ELSE 1 END
	WHERE id = $1;`

const sqlMarkAgentsOffline = `
	UPDATE agents SET status = 'OFFLINE'
	WHERE status NOT IN ('OFFLINE', 'PAUSED') AND last_heartbeat_at < $1
	RETURNING id;`

// CreateAgent inserts a new agent record.
func (s *Store) CreateAgent(ctx context.Context, agent *schemas.Agent) error {
	metadata, err := json.Marshal(agent.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal agent metadata: %w", err)
	}

	_, err = s.pool.Exec(ctx, sqlInsertAgent,
		agent.ID, agent.AccountID, string(agent.Status), string(agent.Source),
		agent.TasksCompleted, agent.TasksFailed,
		agent.LastHeartbeatAt.UTC(), agent.CurrentTaskID,
		agent.LastError, agent.LastErrorAt, metadata, agent.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert agent: %w", err)
	}
	return nil
}

// GetAgent fetches one agent by id.
func (s *Store) GetAgent(ctx context.Context, id string) (*schemas.Agent, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1;`, id)
	agent, err := scanAgent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return agent, err
}

// NextAgentSeq returns the next value of the per-account id counter.
func (s *Store) NextAgentSeq(ctx context.Context, accountID string) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, sqlNextAgentSeq, accountID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to advance agent sequence: %w", err)
	}
	return n, nil
}

// RefreshAgentMetadata replaces the metadata blob on re-registration.
func (s *Store) RefreshAgentMetadata(ctx context.Context, id string, metadata map[string]string) error {
	blob, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal agent metadata: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `UPDATE agents SET metadata = $2 WHERE id = $1;`, id, blob)
	if err != nil {
		return fmt.Errorf("failed to refresh agent metadata: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MergeAgentMetadata folds keys into the existing metadata blob. Keys
// the update does not mention survive; heartbeat metrics must not wipe
// whatever the agent sent at registration.
func (s *Store) MergeAgentMetadata(ctx context.Context, id string, metadata map[string]string) error {
	blob, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal agent metadata: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE agents SET metadata = COALESCE(metadata, '{}'::jsonb) || $2 WHERE id = $1;`, id, blob)
	if err != nil {
		return fmt.Errorf("failed to merge agent metadata: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Heartbeat stamps liveness and applies optional status/current-task
// updates. setTask distinguishes "clear the task" from "leave it alone".
func (s *Store) Heartbeat(ctx context.Context, id string, at time.Time, status *schemas.AgentStatus, currentTask *string) (*schemas.Agent, error) {
	requested := ""
	if status != nil {
		requested = string(*status)
	}
	setTask := currentTask != nil
	var task *string
	if setTask && *currentTask != "" {
		task = currentTask
	}

	row := s.pool.QueryRow(ctx, sqlHeartbeat, id, at.UTC(), requested, setTask, task)
	agent, err := scanAgent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to record heartbeat: %w", err)
	}
	return agent, nil
}

// RecordOutcome bumps the agent's outcome counters atomically.
func (s *Store) RecordOutcome(ctx context.Context, id string, success bool) error {
	tag, err := s.pool.Exec(ctx, sqlRecordOutcome, id, success)
	if err != nil {
		return fmt.Errorf("failed to record outcome: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetAgentError stores the agent's last error with its timestamp.
func (s *Store) SetAgentError(ctx context.Context, id, msg string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agents SET last_error = $2, last_error_at = $3, status = 'ERROR' WHERE id = $1;`,
		id, msg, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to set agent error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkAgentsOffline flips agents whose heartbeat predates the cutoff and
// returns their ids. PAUSED agents are left alone.
func (s *Store) MarkAgentsOffline(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, sqlMarkAgentsOffline, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to mark agents offline: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan offline agent id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during offline sweep iteration: %w", err)
	}
	return ids, nil
}

// scanAgent reads one agent row in agentColumns order.
func scanAgent(row pgx.Row) (*schemas.Agent, error) {
	var (
		a              schemas.Agent
		status, source string
		metadata       []byte
	)
	err := row.Scan(
		&a.ID, &a.AccountID, &status, &source,
		&a.TasksCompleted, &a.TasksFailed,
		&a.LastHeartbeatAt, &a.CurrentTaskID,
		&a.LastError, &a.LastErrorAt, &metadata, &a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Status = schemas.AgentStatus(status)
	a.Source = schemas.ExecutionSource(source)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &a.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal agent metadata: %w", err)
		}
	}
	return &a, nil
}
