package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"fleet-coordinator/internal/shared/model"
)

const agentColumns = `id, status, current_task_id, last_active_at, credential_hash, metadata, registered_at, updated_at`

// CreateAgent 插入 Agent
func (s *Store) CreateAgent(ctx context.Context, agent *model.Agent) error {
	metadata, err := marshalMap(agent.Metadata)
	if err != nil {
		return err
	}
	return s.insert(ctx, `
		INSERT INTO agents (id, status, current_task_id, last_active_at, credential_hash, metadata, registered_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		agent.ID, agent.Status, nullString(agent.CurrentTaskID), agent.LastActiveAt,
		agent.CredentialHash, metadata, agent.RegisteredAt, agent.UpdatedAt)
}

// GetAgent 获取 Agent，不存在返回 nil
func (s *Store) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+agentColumns+` FROM agents WHERE id = $1`), id)
	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return agent, err
}

// ListAgents 列出全部 Agent
func (s *Store) ListAgents(ctx context.Context) ([]*model.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []*model.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// UpdateAgentRegistration 重新注册
func (s *Store) UpdateAgentRegistration(ctx context.Context, agent *model.Agent) error {
	metadata, err := marshalMap(agent.Metadata)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE agents SET credential_hash = $1, metadata = $2, last_active_at = $3, updated_at = $4,
			status = CASE WHEN current_task_id IS NULL THEN 'online' ELSE status END
		WHERE id = $5`),
		agent.CredentialHash, metadata, agent.LastActiveAt, agent.UpdatedAt, agent.ID)
	return requireRow(res, err)
}

// RecordHeartbeat 刷新活跃时间；未持有任务时采用上报状态
func (s *Store) RecordHeartbeat(ctx context.Context, id string, reported model.AgentStatus, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE agents SET last_active_at = $1, updated_at = $2,
			status = CASE WHEN current_task_id IS NULL AND $3 <> '' THEN $4 ELSE status END
		WHERE id = $5`),
		at, at, string(reported), string(reported), id)
	return requireRow(res, err)
}

// MarkAgentOffline 条件标记离线
func (s *Store) MarkAgentOffline(ctx context.Context, id string, cutoff, at time.Time) error {
	return s.conditionalUpdate(ctx, "agents", id, `
		UPDATE agents SET status = 'offline', updated_at = $1
		WHERE id = $2 AND last_active_at < $3`,
		at, id, cutoff)
}

// ClaimAgent 条件占用
func (s *Store) ClaimAgent(ctx context.Context, id, taskID string, at time.Time) error {
	return s.conditionalUpdate(ctx, "agents", id, `
		UPDATE agents SET current_task_id = $1, status = 'busy', updated_at = $2
		WHERE id = $3 AND status = 'online' AND current_task_id IS NULL`,
		taskID, at, id)
}

// ReleaseAgent 条件释放
func (s *Store) ReleaseAgent(ctx context.Context, id, taskID string, at time.Time) error {
	return s.conditionalUpdate(ctx, "agents", id, `
		UPDATE agents SET current_task_id = NULL, updated_at = $1,
			status = CASE WHEN status = 'busy' THEN 'online' ELSE status END
		WHERE id = $2 AND current_task_id = $3`,
		at, id, taskID)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAgent(row rowScanner) (*model.Agent, error) {
	agent := &model.Agent{}
	var currentTask, metadata sql.NullString
	if err := row.Scan(&agent.ID, &agent.Status, &currentTask, &agent.LastActiveAt,
		&agent.CredentialHash, &metadata, &agent.RegisteredAt, &agent.UpdatedAt); err != nil {
		return nil, err
	}
	agent.CurrentTaskID = stringPtr(currentTask)
	if err := unmarshalJSON(metadata, &agent.Metadata); err != nil {
		return nil, err
	}
	return agent, nil
}
