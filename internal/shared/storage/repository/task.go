package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"fleet-coordinator/internal/shared/model"
	"fleet-coordinator/internal/shared/storage/dbutil"
)

const taskColumns = `id, type, priority, status, payload, target_agent_id, labels, role, agent_id,
	execution_id, action_index, result, error, attempts, history,
	created_at, assigned_at, started_at, finished_at, updated_at`

// taskRow 任务写入参数（JSON 列已编码）
type taskRow struct {
	payload, labels, history string
	result                   sql.NullString
	actionIndex              sql.NullInt64
}

func encodeTask(task *model.Task) (*taskRow, error) {
	payload, err := dbutil.ToJSON(task.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	labels, err := marshalMap(task.Labels)
	if err != nil {
		return nil, err
	}
	history := "[]"
	if len(task.History) > 0 {
		if history, err = dbutil.ToJSON(task.History); err != nil {
			return nil, err
		}
	}
	row := &taskRow{payload: payload, labels: labels, history: history}
	if len(task.Result) > 0 {
		row.result = sql.NullString{String: string(task.Result), Valid: true}
	}
	if task.ActionIndex != nil {
		row.actionIndex = sql.NullInt64{Int64: int64(*task.ActionIndex), Valid: true}
	}
	return row, nil
}

// CreateTask 插入任务
func (s *Store) CreateTask(ctx context.Context, task *model.Task) error {
	row, err := encodeTask(task)
	if err != nil {
		return err
	}
	return s.insert(ctx, `
		INSERT INTO tasks (id, type, priority, status, payload, target_agent_id, labels, role, agent_id,
			execution_id, action_index, result, error, attempts, history,
			created_at, assigned_at, started_at, finished_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		task.ID, task.Type, task.Priority, task.Status, row.payload, task.TargetAgentID, row.labels, task.Role,
		nullString(task.AgentID), task.ExecutionID, row.actionIndex, row.result, task.Error, task.Attempts,
		row.history, task.CreatedAt, task.AssignedAt, task.StartedAt, task.FinishedAt, task.UpdatedAt)
}

// GetTask 获取任务，不存在返回 nil
func (s *Store) GetTask(ctx context.Context, id string) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+taskColumns+` FROM tasks WHERE id = $1`), id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return task, err
}

// ListTasks 按条件列出任务（created_at 降序）
func (s *Store) ListTasks(ctx context.Context, filter model.TaskFilter) ([]*model.Task, error) {
	var conditions []string
	var args []interface{}
	next := func() string { return fmt.Sprintf("$%d", len(args)) }

	if filter.Status != "" {
		args = append(args, filter.Status)
		conditions = append(conditions, "status = "+next())
	}
	if filter.AgentID != "" {
		args = append(args, filter.AgentID)
		p1 := next()
		args = append(args, filter.AgentID)
		conditions = append(conditions, fmt.Sprintf("(agent_id = %s OR target_agent_id = %s)", p1, next()))
	}
	if filter.ExecutionID != "" {
		args = append(args, filter.ExecutionID)
		conditions = append(conditions, "execution_id = "+next())
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, id ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += " LIMIT " + next()
		if filter.Offset > 0 {
			args = append(args, filter.Offset)
			query += " OFFSET " + next()
		}
	}
	return s.queryTasks(ctx, query, args...)
}

// ListPendingTasks 待调度任务：priority 降序、created_at 升序
func (s *Store) ListPendingTasks(ctx context.Context, limit int) ([]*model.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE status = 'pending'
		ORDER BY priority DESC, created_at ASC, id ASC
		LIMIT $1`, limit)
}

// UpdateTaskIfStatus 条件写回任务
func (s *Store) UpdateTaskIfStatus(ctx context.Context, task *model.Task, expected ...model.TaskStatus) error {
	return s.updateTask(ctx, task, "", expected)
}

// UpdateTaskIfHeld 条件写回任务，并要求 agent_id 未变
func (s *Store) UpdateTaskIfHeld(ctx context.Context, task *model.Task, agentID string, expected ...model.TaskStatus) error {
	if agentID == "" {
		return fmt.Errorf("holder agent id required")
	}
	return s.updateTask(ctx, task, agentID, expected)
}

func (s *Store) updateTask(ctx context.Context, task *model.Task, holder string, expected []model.TaskStatus) error {
	if len(expected) == 0 {
		return fmt.Errorf("expected status required")
	}
	row, err := encodeTask(task)
	if err != nil {
		return err
	}
	args := []interface{}{
		task.Priority, task.Status, row.payload, nullString(task.AgentID), row.result, task.Error,
		task.Attempts, row.history, task.AssignedAt, task.StartedAt, task.FinishedAt, task.UpdatedAt,
		task.ID,
	}
	query := `
		UPDATE tasks SET priority = $1, status = $2, payload = $3, agent_id = $4, result = $5, error = $6,
			attempts = $7, history = $8, assigned_at = $9, started_at = $10, finished_at = $11, updated_at = $12
		WHERE id = $13`
	if holder != "" {
		args = append(args, holder)
		query += fmt.Sprintf(" AND agent_id = $%d", len(args))
	}
	first := len(args) + 1
	for _, st := range expected {
		args = append(args, st)
	}
	query += ` AND status IN (` + dbutil.PlaceholderList(first, len(expected)) + `)`
	return s.conditionalUpdate(ctx, "tasks", task.ID, query, args...)
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...interface{}) ([]*model.Task, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func scanTask(row rowScanner) (*model.Task, error) {
	task := &model.Task{}
	var payload, labels, agentID, result, history sql.NullString
	var actionIndex sql.NullInt64
	if err := row.Scan(&task.ID, &task.Type, &task.Priority, &task.Status, &payload, &task.TargetAgentID,
		&labels, &task.Role, &agentID, &task.ExecutionID, &actionIndex, &result, &task.Error,
		&task.Attempts, &history, &task.CreatedAt, &task.AssignedAt, &task.StartedAt,
		&task.FinishedAt, &task.UpdatedAt); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(payload, &task.Payload); err != nil {
		return nil, fmt.Errorf("decode payload of task %s: %w", task.ID, err)
	}
	if err := unmarshalJSON(labels, &task.Labels); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(history, &task.History); err != nil {
		return nil, err
	}
	task.AgentID = stringPtr(agentID)
	if actionIndex.Valid {
		idx := int(actionIndex.Int64)
		task.ActionIndex = &idx
	}
	if result.Valid && result.String != "" {
		task.Result = []byte(result.String)
	}
	return task, nil
}
