package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aescanero/dagflow/pkg/domain"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const workflowKeyPrefix = "dagflow:workflow:"

// Store implements ports.Store using Redis. A workflow is kept as a JSON
// string, its steps as a hash of JSON rows plus a list holding creation
// order, and each step has an index key pointing back at its workflow.
type Store struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewStore creates a new Redis store. A zero ttl keeps keys forever.
func NewStore(client *redis.Client, ttl time.Duration, logger *zap.Logger) *Store {
	return &Store{
		client: client,
		logger: logger,
		ttl:    ttl,
	}
}

// CreateWorkflow writes the workflow and all of its steps in one MULTI/EXEC
func (s *Store) CreateWorkflow(ctx context.Context, wf *domain.Workflow, steps []*domain.WorkflowStep) error {
	exists, err := s.client.Exists(ctx, getWorkflowKey(wf.ID)).Result()
	if err != nil {
		return fmt.Errorf("failed to check existence: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("workflow already exists: %s", wf.ID)
	}

	data, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow: %w", err)
	}

	rows := make([]interface{}, 0, 2*len(steps))
	order := make([]interface{}, 0, len(steps))
	for _, step := range steps {
		row, err := json.Marshal(step)
		if err != nil {
			return fmt.Errorf("failed to marshal step %s: %w", step.Name, err)
		}
		rows = append(rows, step.ID, row)
		order = append(order, step.ID)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, getWorkflowKey(wf.ID), data, s.ttl)
		if len(steps) == 0 {
			return nil
		}
		pipe.HSet(ctx, getStepsKey(wf.ID), rows...)
		pipe.RPush(ctx, getStepOrderKey(wf.ID), order...)
		for _, step := range steps {
			pipe.Set(ctx, getStepIndexKey(step.ID), wf.ID, s.ttl)
		}
		if s.ttl > 0 {
			pipe.Expire(ctx, getStepsKey(wf.ID), s.ttl)
			pipe.Expire(ctx, getStepOrderKey(wf.ID), s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save workflow: %w", err)
	}

	s.logger.Debug("workflow saved",
		zap.String("workflow_id", wf.ID),
		zap.Int("steps", len(steps)))
	return nil
}

// GetWorkflow retrieves a workflow by ID
func (s *Store) GetWorkflow(ctx context.Context, id string) (*domain.Workflow, error) {
	data, err := s.client.Get(ctx, getWorkflowKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("workflow %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}

	var wf domain.Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow: %w", err)
	}
	return &wf, nil
}

// ListWorkflows scans for workflow keys and returns them oldest first
func (s *Store) ListWorkflows(ctx context.Context) ([]*domain.Workflow, error) {
	var cursor uint64
	var keys []string

	for {
		var batch []string
		var err error

		batch, cursor, err = s.client.Scan(ctx, cursor, workflowKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan keys: %w", err)
		}

		keys = append(keys, batch...)

		if cursor == 0 {
			break
		}
	}

	workflows := make([]*domain.Workflow, 0, len(keys))
	for _, key := range keys {
		data, err := s.client.Get(ctx, key).Bytes()
		if err != nil {
			// expired between SCAN and GET
			continue
		}

		var wf domain.Workflow
		if err := json.Unmarshal(data, &wf); err != nil {
			s.logger.Warn("skipping unreadable workflow",
				zap.String("key", key),
				zap.Error(err))
			continue
		}
		workflows = append(workflows, &wf)
	}

	sort.Slice(workflows, func(i, j int) bool {
		if workflows[i].CreatedAt.Equal(workflows[j].CreatedAt) {
			return workflows[i].ID < workflows[j].ID
		}
		return workflows[i].CreatedAt.Before(workflows[j].CreatedAt)
	})
	return workflows, nil
}

// UpdateWorkflowState sets the state of a workflow, keeping its TTL
func (s *Store) UpdateWorkflowState(ctx context.Context, id string, state domain.WorkflowState) error {
	key := getWorkflowKey(id)
	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("workflow %s: %w", id, domain.ErrNotFound)
			}
			return fmt.Errorf("failed to get workflow: %w", err)
		}

		var wf domain.Workflow
		if err := json.Unmarshal(data, &wf); err != nil {
			return fmt.Errorf("failed to unmarshal workflow: %w", err)
		}
		wf.State = state
		wf.UpdatedAt = time.Now().UTC()

		updated, err := json.Marshal(&wf)
		if err != nil {
			return fmt.Errorf("failed to marshal workflow: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, redis.KeepTTL)
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to update workflow state: %w", err)
		}
		return nil
	}, key)
}

// DeleteWorkflow removes a workflow with its steps and index keys
func (s *Store) DeleteWorkflow(ctx context.Context, id string) error {
	order, err := s.client.LRange(ctx, getStepOrderKey(id), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("failed to list steps: %w", err)
	}

	keys := []string{getWorkflowKey(id), getStepsKey(id), getStepOrderKey(id)}
	for _, stepID := range order {
		keys = append(keys, getStepIndexKey(stepID))
	}

	deleted, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}
	if deleted == 0 {
		return fmt.Errorf("workflow %s: %w", id, domain.ErrNotFound)
	}

	s.logger.Debug("workflow deleted",
		zap.String("workflow_id", id))
	return nil
}

// ListSteps returns the steps of a workflow in creation order
func (s *Store) ListSteps(ctx context.Context, workflowID string) ([]*domain.WorkflowStep, error) {
	var (
		orderCmd *redis.StringSliceCmd
		rowsCmd  *redis.MapStringStringCmd
		existCmd *redis.IntCmd
	)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		existCmd = pipe.Exists(ctx, getWorkflowKey(workflowID))
		orderCmd = pipe.LRange(ctx, getStepOrderKey(workflowID), 0, -1)
		rowsCmd = pipe.HGetAll(ctx, getStepsKey(workflowID))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	if existCmd.Val() == 0 {
		return nil, fmt.Errorf("workflow %s: %w", workflowID, domain.ErrNotFound)
	}

	rows := rowsCmd.Val()
	steps := make([]*domain.WorkflowStep, 0, len(rows))
	for _, id := range orderCmd.Val() {
		row, ok := rows[id]
		if !ok {
			return nil, fmt.Errorf("step %s missing from workflow %s", id, workflowID)
		}
		step, err := unmarshalStep(row)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// GetStep retrieves a step by ID through its index key
func (s *Store) GetStep(ctx context.Context, id string) (*domain.WorkflowStep, error) {
	workflowID, err := s.client.Get(ctx, getStepIndexKey(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("step %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get step index: %w", err)
	}

	row, err := s.client.HGet(ctx, getStepsKey(workflowID), id).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("step %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get step: %w", err)
	}
	return unmarshalStep(row)
}

// UpdateSteps writes the mutable fields of the given steps. The step
// hashes are watched, so a concurrent writer makes the whole batch fail
// instead of interleaving.
func (s *Store) UpdateSteps(ctx context.Context, steps ...*domain.WorkflowStep) error {
	if len(steps) == 0 {
		return nil
	}

	byWorkflow := make(map[string][]*domain.WorkflowStep)
	keys := make([]string, 0, 1)
	for _, step := range steps {
		key := getStepsKey(step.WorkflowID)
		if _, ok := byWorkflow[key]; !ok {
			keys = append(keys, key)
		}
		byWorkflow[key] = append(byWorkflow[key], step)
	}

	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		updates := make(map[string][]interface{}, len(byWorkflow))
		for key, batch := range byWorkflow {
			ids := make([]string, len(batch))
			for i, step := range batch {
				ids[i] = step.ID
			}
			current, err := tx.HMGet(ctx, key, ids...).Result()
			if err != nil {
				return fmt.Errorf("failed to read steps: %w", err)
			}

			for i, raw := range current {
				row, ok := raw.(string)
				if !ok {
					return fmt.Errorf("step %s: %w", batch[i].ID, domain.ErrNotFound)
				}
				stored, err := unmarshalStep(row)
				if err != nil {
					return err
				}
				stored.State = batch[i].State
				stored.Result = batch[i].Result
				stored.Error = batch[i].Error
				stored.FailedReason = batch[i].FailedReason
				stored.UpdatedAt = batch[i].UpdatedAt

				data, err := json.Marshal(stored)
				if err != nil {
					return fmt.Errorf("failed to marshal step %s: %w", stored.ID, err)
				}
				updates[key] = append(updates[key], stored.ID, data)
			}
		}

		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for key, values := range updates {
				pipe.HSet(ctx, key, values...)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to update steps: %w", err)
		}
		return nil
	}, keys...)
}

func unmarshalStep(row string) (*domain.WorkflowStep, error) {
	var step domain.WorkflowStep
	if err := json.Unmarshal([]byte(row), &step); err != nil {
		return nil, fmt.Errorf("failed to unmarshal step: %w", err)
	}
	return &step, nil
}

func getWorkflowKey(workflowID string) string {
	return workflowKeyPrefix + workflowID
}

func getStepsKey(workflowID string) string {
	return fmt.Sprintf("dagflow:steps:%s", workflowID)
}

func getStepOrderKey(workflowID string) string {
	return fmt.Sprintf("dagflow:steporder:%s", workflowID)
}

func getStepIndexKey(stepID string) string {
	return fmt.Sprintf("dagflow:stepidx:%s", stepID)
}
