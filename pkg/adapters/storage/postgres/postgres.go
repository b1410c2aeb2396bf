package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aescanero/dagflow/pkg/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const schema = `
CREATE TABLE IF NOT EXISTS dagflow_workflows (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	state       TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS dagflow_workflow_steps (
	id              TEXT PRIMARY KEY,
	workflow_id     TEXT NOT NULL REFERENCES dagflow_workflows(id) ON DELETE CASCADE,
	name            TEXT NOT NULL,
	callable_ref    TEXT NOT NULL DEFAULT '',
	step_type       TEXT NOT NULL,
	predecessor_ids TEXT[] NOT NULL DEFAULT '{}',
	state           TEXT NOT NULL,
	result          BYTEA,
	metadata        BYTEA,
	error           TEXT NOT NULL DEFAULT '',
	failed_reason   TEXT NOT NULL,
	position        INT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL,
	UNIQUE (workflow_id, name)
);

CREATE INDEX IF NOT EXISTS dagflow_workflow_steps_workflow_idx
	ON dagflow_workflow_steps (workflow_id, position);
`

const stepColumns = `id, workflow_id, name, callable_ref, step_type, predecessor_ids, state,
	result, metadata, error, failed_reason, created_at, updated_at`

// Store implements ports.Store on PostgreSQL
type Store struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewStore creates a store on an existing pool
func NewStore(db *pgxpool.Pool, logger *zap.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger,
	}
}

// Connect opens a pool and checks the connection
func Connect(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return pool, nil
}

// Migrate creates the tables when they do not exist
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	s.logger.Info("postgres schema migrated")
	return nil
}

// CreateWorkflow inserts the workflow and its steps in one transaction
func (s *Store) CreateWorkflow(ctx context.Context, wf *domain.Workflow, steps []*domain.WorkflowStep) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO dagflow_workflows (id, name, description, state, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			wf.ID, wf.Name, wf.Description, string(wf.State), wf.CreatedAt, wf.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert workflow: %w", err)
		}

		batch := &pgx.Batch{}
		for i, step := range steps {
			preds := step.PredecessorIDs
			if preds == nil {
				preds = []string{}
			}
			batch.Queue(
				`INSERT INTO dagflow_workflow_steps (`+stepColumns+`, position)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
				step.ID, step.WorkflowID, step.Name, step.CallableRef, string(step.StepType), preds,
				string(step.State), step.Result, step.Metadata, step.Error, string(step.FailedReason),
				step.CreatedAt, step.UpdatedAt, i)
		}

		results := tx.SendBatch(ctx, batch)
		for _, step := range steps {
			if _, err := results.Exec(); err != nil {
				results.Close()
				return fmt.Errorf("failed to insert step %s: %w", step.Name, err)
			}
		}
		if err := results.Close(); err != nil {
			return fmt.Errorf("failed to insert steps: %w", err)
		}

		s.logger.Debug("workflow created",
			zap.String("workflow_id", wf.ID),
			zap.Int("steps", len(steps)))
		return nil
	})
}

// GetWorkflow retrieves a workflow by ID
func (s *Store) GetWorkflow(ctx context.Context, id string) (*domain.Workflow, error) {
	row := s.db.QueryRow(ctx,
		`SELECT id, name, description, state, created_at, updated_at
		 FROM dagflow_workflows WHERE id = $1`, id)

	wf, err := scanWorkflow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("workflow %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	return wf, nil
}

// ListWorkflows returns every workflow, oldest first
func (s *Store) ListWorkflows(ctx context.Context) ([]*domain.Workflow, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, name, description, state, created_at, updated_at
		 FROM dagflow_workflows ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	var workflows []*domain.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		workflows = append(workflows, wf)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	return workflows, nil
}

// UpdateWorkflowState sets the state of a workflow
func (s *Store) UpdateWorkflowState(ctx context.Context, id string, state domain.WorkflowState) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE dagflow_workflows SET state = $1, updated_at = $2 WHERE id = $3`,
		string(state), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update workflow state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("workflow %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// DeleteWorkflow removes a workflow; its steps go with it
func (s *Store) DeleteWorkflow(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM dagflow_workflows WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("workflow %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// ListSteps returns the steps of a workflow in creation order
func (s *Store) ListSteps(ctx context.Context, workflowID string) ([]*domain.WorkflowStep, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+stepColumns+` FROM dagflow_workflow_steps
		 WHERE workflow_id = $1 ORDER BY position`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	var steps []*domain.WorkflowStep
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}

	if len(steps) == 0 {
		if _, err := s.GetWorkflow(ctx, workflowID); err != nil {
			return nil, err
		}
	}
	return steps, nil
}

// GetStep retrieves a step by ID
func (s *Store) GetStep(ctx context.Context, id string) (*domain.WorkflowStep, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+stepColumns+` FROM dagflow_workflow_steps WHERE id = $1`, id)

	step, err := scanStep(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("step %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get step: %w", err)
	}
	return step, nil
}

// UpdateSteps writes the mutable fields of the given steps in one
// transaction
func (s *Store) UpdateSteps(ctx context.Context, steps ...*domain.WorkflowStep) error {
	if len(steps) == 0 {
		return nil
	}
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		for _, step := range steps {
			tag, err := tx.Exec(ctx,
				`UPDATE dagflow_workflow_steps
				 SET state = $1, result = $2, error = $3, failed_reason = $4, updated_at = $5
				 WHERE id = $6`,
				string(step.State), step.Result, step.Error, string(step.FailedReason), step.UpdatedAt, step.ID)
			if err != nil {
				return fmt.Errorf("failed to update step %s: %w", step.ID, err)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("step %s: %w", step.ID, domain.ErrNotFound)
			}
		}
		return nil
	})
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row scanner) (*domain.Workflow, error) {
	var (
		wf    domain.Workflow
		state string
	)
	if err := row.Scan(&wf.ID, &wf.Name, &wf.Description, &state, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
		return nil, err
	}
	wf.State = domain.WorkflowState(state)
	return &wf, nil
}

func scanStep(row scanner) (*domain.WorkflowStep, error) {
	var (
		step                    domain.WorkflowStep
		stepType, state, reason string
	)
	err := row.Scan(&step.ID, &step.WorkflowID, &step.Name, &step.CallableRef, &stepType,
		&step.PredecessorIDs, &state, &step.Result, &step.Metadata, &step.Error, &reason,
		&step.CreatedAt, &step.UpdatedAt)
	if err != nil {
		return nil, err
	}
	step.StepType = domain.StepType(stepType)
	step.State = domain.WorkflowState(state)
	step.FailedReason = domain.FailedReason(reason)
	return &step, nil
}
