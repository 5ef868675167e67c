package sagasdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"payflow/internal/saga"

	"github.com/google/uuid"
)

// PostgresStore persists sagas and their step history in Postgres.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// NewPostgresStoreWithSchema initializes the schema then returns the store.
func NewPostgresStoreWithSchema(ctx context.Context, db *sql.DB) (*PostgresStore, error) {
	store := NewPostgresStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates saga tables if they do not exist.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS payment_sagas (
			saga_id UUID PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			request_key TEXT NOT NULL DEFAULT '',
			attributes JSONB NOT NULL,
			state TEXT NOT NULL,
			current_step INT NOT NULL DEFAULT 0,
			step_plan JSONB NOT NULL DEFAULT '[]',
			target JSONB,
			failure_reason TEXT NOT NULL DEFAULT '',
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expires_at TIMESTAMPTZ,
			version BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS payment_sagas_stale_idx ON payment_sagas (state, updated_at)`,
		`CREATE TABLE IF NOT EXISTS payment_saga_steps (
			saga_id UUID NOT NULL REFERENCES payment_sagas(saga_id) ON DELETE RESTRICT,
			seq INT NOT NULL,
			step TEXT NOT NULL,
			direction TEXT NOT NULL,
			attempt INT NOT NULL,
			idempotency_key TEXT NOT NULL,
			outcome TEXT NOT NULL,
			exhausted BOOLEAN NOT NULL DEFAULT FALSE,
			replayed BOOLEAN NOT NULL DEFAULT FALSE,
			started_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ NOT NULL,
			error_detail TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (saga_id, seq)
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	return nil
}

// Create inserts a new saga. It fails with saga.ErrAlreadyExists when the id is taken.
func (s *PostgresStore) Create(ctx context.Context, inst *saga.Instance) error {
	attrs, err := json.Marshal(inst.Attributes)
	if err != nil {
		return err
	}
	plan, target, err := encodePlan(inst)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_sagas (saga_id, tenant_id, request_key, attributes, state, current_step, step_plan, target, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (saga_id) DO NOTHING`,
		inst.ID, inst.TenantID, inst.RequestKey, string(attrs), string(inst.State),
		inst.CurrentStepIndex, plan, target, inst.Version, inst.CreatedAt, inst.UpdatedAt,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return saga.ErrAlreadyExists
	}
	return nil
}

// Get loads a saga with its full history.
func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*saga.Instance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT saga_id, tenant_id, request_key, attributes, state, current_step, step_plan, target,
			failure_reason, lease_owner, lease_expires_at, version, created_at, updated_at
		FROM payment_sagas
		WHERE saga_id = $1`,
		id,
	)

	var (
		inst   saga.Instance
		state  string
		attrs  []byte
		plan   []byte
		target sql.NullString
		lease  sql.NullTime
	)
	if err := row.Scan(&inst.ID, &inst.TenantID, &inst.RequestKey, &attrs, &state, &inst.CurrentStepIndex, &plan, &target,
		&inst.FailureReason, &inst.LeaseOwner, &lease, &inst.Version, &inst.CreatedAt, &inst.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, saga.ErrNotFound
		}
		return nil, err
	}
	inst.State = saga.State(state)
	if lease.Valid {
		inst.LeaseExpiresAt = lease.Time
	}
	if err := json.Unmarshal(attrs, &inst.Attributes); err != nil {
		return nil, fmt.Errorf("decode attributes: %w", err)
	}
	if len(plan) > 0 {
		if err := json.Unmarshal(plan, &inst.StepPlan); err != nil {
			return nil, fmt.Errorf("decode step plan: %w", err)
		}
	}
	if target.Valid && target.String != "" {
		inst.Target = &saga.Target{}
		if err := json.Unmarshal([]byte(target.String), inst.Target); err != nil {
			return nil, fmt.Errorf("decode target: %w", err)
		}
	}

	history, err := s.history(ctx, id)
	if err != nil {
		return nil, err
	}
	inst.History = history
	return &inst, nil
}

func (s *PostgresStore) history(ctx context.Context, id uuid.UUID) ([]saga.StepRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, step, direction, attempt, idempotency_key, outcome, exhausted, replayed, started_at, completed_at, error_detail
		FROM payment_saga_steps
		WHERE saga_id = $1
		ORDER BY seq`,
		id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []saga.StepRecord
	for rows.Next() {
		var rec saga.StepRecord
		var dir, outcome string
		if err := rows.Scan(&rec.Seq, &rec.StepName, &dir, &rec.AttemptNumber, &rec.IdempotencyKey, &outcome,
			&rec.Exhausted, &rec.Replayed, &rec.StartedAt, &rec.CompletedAt, &rec.ErrorDetail); err != nil {
			return nil, err
		}
		rec.Direction = saga.Direction(dir)
		rec.Outcome = saga.Outcome(outcome)
		history = append(history, rec)
	}
	return history, rows.Err()
}

// Update writes the saga row guarded by its version and appends step records
// in the same transaction.
func (s *PostgresStore) Update(ctx context.Context, inst *saga.Instance, appended ...saga.StepRecord) (err error) {
	plan, target, err := encodePlan(inst)
	if err != nil {
		return err
	}
	var lease any
	if !inst.LeaseExpiresAt.IsZero() {
		lease = inst.LeaseExpiresAt
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `
		UPDATE payment_sagas
		SET state = $2, current_step = $3, step_plan = $4, target = $5, failure_reason = $6,
			lease_owner = $7, lease_expires_at = $8, updated_at = $9, version = version + 1
		WHERE saga_id = $1 AND version = $10`,
		inst.ID, string(inst.State), inst.CurrentStepIndex, plan, target, inst.FailureReason,
		inst.LeaseOwner, lease, inst.UpdatedAt, inst.Version,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return saga.ErrVersionConflict
	}

	records := number(inst.History, appended)
	for _, rec := range records {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO payment_saga_steps (saga_id, seq, step, direction, attempt, idempotency_key, outcome, exhausted, replayed, started_at, completed_at, error_detail)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			inst.ID, rec.Seq, rec.StepName, string(rec.Direction), rec.AttemptNumber, rec.IdempotencyKey,
			string(rec.Outcome), rec.Exhausted, rec.Replayed, rec.StartedAt, rec.CompletedAt, rec.ErrorDetail,
		); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return err
	}
	inst.History = append(inst.History, records...)
	inst.Version++
	return nil
}

// ListStale returns ids of sagas in the given states that were last updated
// before the threshold and are not leased, oldest first.
func (s *PostgresStore) ListStale(ctx context.Context, q saga.StaleQuery) ([]uuid.UUID, error) {
	if len(q.States) == 0 {
		return nil, nil
	}

	args := make([]any, 0, len(q.States)+3)
	placeholders := make([]string, 0, len(q.States))
	for _, st := range q.States {
		args = append(args, string(st))
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
	}
	args = append(args, q.UpdatedBefore, q.Now)
	query := fmt.Sprintf(`
		SELECT saga_id
		FROM payment_sagas
		WHERE state IN (%s) AND updated_at < $%d AND (lease_expires_at IS NULL OR lease_expires_at < $%d)
		ORDER BY updated_at`,
		strings.Join(placeholders, ", "), len(args)-1, len(args),
	)
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func encodePlan(inst *saga.Instance) (string, any, error) {
	plan := inst.StepPlan
	if plan == nil {
		plan = []string{}
	}
	rawPlan, err := json.Marshal(plan)
	if err != nil {
		return "", nil, err
	}
	if inst.Target == nil {
		return string(rawPlan), nil, nil
	}
	rawTarget, err := json.Marshal(inst.Target)
	if err != nil {
		return "", nil, err
	}
	return string(rawPlan), string(rawTarget), nil
}

// number assigns sequence numbers following the existing history.
func number(history, appended []saga.StepRecord) []saga.StepRecord {
	if len(appended) == 0 {
		return nil
	}
	next := 1
	if n := len(history); n > 0 {
		next = history[n-1].Seq + 1
	}
	out := make([]saga.StepRecord, len(appended))
	for i, rec := range appended {
		rec.Seq = next + i
		out[i] = rec
	}
	return out
}
