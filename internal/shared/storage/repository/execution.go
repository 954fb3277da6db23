package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"fleet-coordinator/internal/shared/model"
	"fleet-coordinator/internal/shared/storage/dbutil"
)

const executionColumns = `id, scenario_id, scenario_name, target, role_map, variables, status, timeline,
	executed_actions, action_tasks, error, owner, lease_expires_at, created_at, started_at, finished_at, updated_at`

type executionRow struct {
	roleMap, variables, timeline, executed, actionTasks string
}

func encodeExecution(e *model.Execution) (*executionRow, error) {
	row := &executionRow{}
	var err error
	if row.roleMap, err = marshalMap(e.RoleMap); err != nil {
		return nil, err
	}
	if row.variables, err = marshalMap(e.Variables); err != nil {
		return nil, err
	}
	if row.timeline, err = encodeTimeline(e.Timeline); err != nil {
		return nil, err
	}
	executed := e.ExecutedActions
	if executed == nil {
		executed = []int{}
	}
	if row.executed, err = dbutil.ToJSON(executed); err != nil {
		return nil, err
	}
	tasks := e.ActionTasks
	if tasks == nil {
		tasks = []string{}
	}
	if row.actionTasks, err = dbutil.ToJSON(tasks); err != nil {
		return nil, err
	}
	return row, nil
}

// CreateExecution 插入执行记录
func (s *Store) CreateExecution(ctx context.Context, e *model.Execution) error {
	row, err := encodeExecution(e)
	if err != nil {
		return err
	}
	return s.insert(ctx, `
		INSERT INTO executions (id, scenario_id, scenario_name, target, role_map, variables, status, timeline,
			executed_actions, action_tasks, error, owner, lease_expires_at, created_at, started_at, finished_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		e.ID, e.ScenarioID, e.ScenarioName, e.Target, row.roleMap, row.variables, e.Status, row.timeline,
		row.executed, row.actionTasks, e.Error, e.Owner, e.LeaseExpiresAt, e.CreatedAt, e.StartedAt, e.FinishedAt,
		e.UpdatedAt)
}

// GetExecution 获取执行记录，不存在返回 nil
func (s *Store) GetExecution(ctx context.Context, id string) (*model.Execution, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+executionColumns+` FROM executions WHERE id = $1`), id)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

// ListExecutions 列出执行记录（created_at 升序），status 为空时返回全部
func (s *Store) ListExecutions(ctx context.Context, status model.ExecutionStatus) ([]*model.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpdateExecutionIfStatus 条件写回执行记录
func (s *Store) UpdateExecutionIfStatus(ctx context.Context, e *model.Execution, expected ...model.ExecutionStatus) error {
	if len(expected) == 0 {
		return fmt.Errorf("expected status required")
	}
	row, err := encodeExecution(e)
	if err != nil {
		return err
	}
	args := []interface{}{
		e.Status, row.executed, row.actionTasks, e.Error, e.Owner, e.LeaseExpiresAt,
		e.StartedAt, e.FinishedAt, e.UpdatedAt, e.ID,
	}
	for _, st := range expected {
		args = append(args, st)
	}
	query := `
		UPDATE executions SET status = $1, executed_actions = $2, action_tasks = $3, error = $4,
			owner = $5, lease_expires_at = $6, started_at = $7, finished_at = $8, updated_at = $9
		WHERE id = $10 AND status IN (` + dbutil.PlaceholderList(11, len(expected)) + `)`
	return s.conditionalUpdate(ctx, "executions", e.ID, query, args...)
}

func scanExecution(row rowScanner) (*model.Execution, error) {
	e := &model.Execution{}
	var roleMap, variables, timeline, executed, actionTasks sql.NullString
	if err := row.Scan(&e.ID, &e.ScenarioID, &e.ScenarioName, &e.Target, &roleMap, &variables, &e.Status,
		&timeline, &executed, &actionTasks, &e.Error, &e.Owner, &e.LeaseExpiresAt, &e.CreatedAt, &e.StartedAt,
		&e.FinishedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	for _, f := range []struct {
		raw sql.NullString
		dst interface{}
	}{
		{roleMap, &e.RoleMap},
		{variables, &e.Variables},
		{timeline, &e.Timeline},
		{executed, &e.ExecutedActions},
		{actionTasks, &e.ActionTasks},
	} {
		if err := unmarshalJSON(f.raw, f.dst); err != nil {
			return nil, fmt.Errorf("decode execution %s: %w", e.ID, err)
		}
	}
	return e, nil
}
