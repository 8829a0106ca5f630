package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/curbpost/curbpost/api/schemas"
	"github.com/curbpost/curbpost/internal/pattern"
)

const patternColumns = `id, name, version, steps, is_default, is_active, weight,
	timeout_ms, retry_count, failure_action, tags, metadata, created_at`

const sqlUpsertPattern = `
	INSERT INTO patterns (` + patternColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	ON CONFLICT (name, version) DO UPDATE SET
		steps = EXCLUDED.steps,
		is_default = EXCLUDED.is_default,
		is_active = EXCLUDED.is_active,
		weight = EXCLUDED.weight,
		timeout_ms = EXCLUDED.timeout_ms,
		retry_count = EXCLUDED.retry_count,
		failure_action = EXCLUDED.failure_action,
		tags = EXCLUDED.tags,
		metadata = EXCLUDED.metadata;`

// sqlActivePattern selects the winning pattern for a job type: highest
// weight, then most recent version, with is_default breaking a last-resort
// tie against non-defaults.
const sqlActivePattern = `
	SELECT ` + patternColumns + ` FROM patterns
	WHERE name = $1 AND is_active
	ORDER BY weight DESC, version DESC, is_default DESC
	LIMIT 1;`

// UpsertPattern writes a pattern version. Steps are validated before
// storage so malformed scripts are rejected at load time, not mid-run.
func (s *Store) UpsertPattern(ctx context.Context, p *schemas.Pattern) error {
	steps, err := pattern.EncodeSteps(p.Steps)
	if err != nil {
		return fmt.Errorf("failed to encode pattern steps: %w", err)
	}
	tags, err := json.Marshal(p.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal pattern tags: %w", err)
	}
	metadata, err := json.Marshal(p.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal pattern metadata: %w", err)
	}

	_, err = s.pool.Exec(ctx, sqlUpsertPattern,
		p.ID, p.Name, p.Version, steps, p.IsDefault, p.IsActive, p.Weight,
		p.TimeoutMs, p.RetryCount, string(p.FailureAction), tags, metadata,
		p.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert pattern: %w", err)
	}
	return nil
}

// ActivePatternForType returns the best active pattern for a job type.
func (s *Store) ActivePatternForType(ctx context.Context, jobType string) (*schemas.Pattern, error) {
	row := s.pool.QueryRow(ctx, sqlActivePattern, jobType)
	p, err := scanPattern(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func scanPattern(row pgx.Row) (*schemas.Pattern, error) {
	var (
		p             schemas.Pattern
		steps         []byte
		failureAction string
		tags          []byte
		metadata      []byte
	)
	err := row.Scan(
		&p.ID, &p.Name, &p.Version, &steps, &p.IsDefault, &p.IsActive, &p.Weight,
		&p.TimeoutMs, &p.RetryCount, &failureAction, &tags, &metadata, &p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.FailureAction = schemas.FailureAction(failureAction)

	// Decode re-validates; a row corrupted out-of-band fails loudly here
	// instead of surfacing as a mystery mid-run.
	p.Steps, err = pattern.DecodeSteps(steps)
	if err != nil {
		return nil, fmt.Errorf("stored pattern %s is invalid: %w", p.ID, err)
	}
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &p.Tags); err != nil {
			return nil, fmt.Errorf("failed to unmarshal pattern tags: %w", err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &p.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal pattern metadata: %w", err)
		}
	}
	return &p, nil
}

// -- Vehicles --

const vehicleColumns = `id, account_id, fields, active_posting, updated_at`

const sqlUpsertVehicle = `
	INSERT INTO vehicles (` + vehicleColumns + `)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (id) DO UPDATE SET
		fields = EXCLUDED.fields,
		active_posting = EXCLUDED.active_posting,
		updated_at = EXCLUDED.updated_at;`

// sqlNextEligibleVehicle mirrors the manual-trigger business rule: the
// most recently updated vehicle not already actively posted.
const sqlNextEligibleVehicle = `
	SELECT ` + vehicleColumns + ` FROM vehicles
	WHERE account_id = $1 AND NOT active_posting
	ORDER BY updated_at DESC
	LIMIT 1;`

// UpsertVehicle writes an inventory record (ingestion itself is external).
func (s *Store) UpsertVehicle(ctx context.Context, v *schemas.Vehicle) error {
	fields, err := json.Marshal(v.Fields)
	if err != nil {
		return fmt.Errorf("failed to marshal vehicle fields: %w", err)
	}
	_, err = s.pool.Exec(ctx, sqlUpsertVehicle,
		v.ID, v.AccountID, fields, v.ActivePosting, v.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert vehicle: %w", err)
	}
	return nil
}

// GetVehicle fetches one vehicle by id.
func (s *Store) GetVehicle(ctx context.Context, id string) (*schemas.Vehicle, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+vehicleColumns+` FROM vehicles WHERE id = $1;`, id)
	v, err := scanVehicle(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return v, err
}

// NextEligibleVehicle picks the manual trigger's default target.
func (s *Store) NextEligibleVehicle(ctx context.Context, accountID string) (*schemas.Vehicle, error) {
	row := s.pool.QueryRow(ctx, sqlNextEligibleVehicle, accountID)
	v, err := scanVehicle(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return v, err
}

func scanVehicle(row pgx.Row) (*schemas.Vehicle, error) {
	var (
		v      schemas.Vehicle
		fields []byte
	)
	if err := row.Scan(&v.ID, &v.AccountID, &fields, &v.ActivePosting, &v.UpdatedAt); err != nil {
		return nil, err
	}
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &v.Fields); err != nil {
			return nil, fmt.Errorf("failed to unmarshal vehicle fields: %w", err)
		}
	}
	return &v, nil
}

// -- Activity Log --

const sqlAppendActivity = `
	INSERT INTO activity_log (id, agent_id, event_type, message, details, task_id, vehicle_id, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8);`

// AppendActivity writes one append-only observability event.
func (s *Store) AppendActivity(ctx context.Context, ev *schemas.ActivityEvent) error {
	details, err := json.Marshal(ev.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal activity details: %w", err)
	}
	_, err = s.pool.Exec(ctx, sqlAppendActivity,
		ev.ID, ev.AgentID, ev.EventType, ev.Message, details,
		ev.TaskID, ev.VehicleID, ev.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("failed to append activity event: %w", err)
	}
	return nil
}
