// Package memstore 进程内存储实现
//
// 所有读写在同一把锁下完成并返回深拷贝，条件写入与 SQL / Mongo 实现语义一致。
// 用于单机开发和测试，进程退出后数据丢失。
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"fleet-coordinator/internal/shared/model"
	"fleet-coordinator/internal/shared/storage"
)

// Store 内存存储
type Store struct {
	mu         sync.RWMutex
	agents     map[string]*model.Agent
	tasks      map[string]*model.Task
	scenarios  map[string]*model.Scenario
	executions map[string]*model.Execution
}

var _ storage.PersistentStore = (*Store)(nil)

// New 创建内存存储
func New() *Store {
	return &Store{
		agents:     make(map[string]*model.Agent),
		tasks:      make(map[string]*model.Task),
		scenarios:  make(map[string]*model.Scenario),
		executions: make(map[string]*model.Execution),
	}
}

// Close 无资源需要释放
func (s *Store) Close() error { return nil }

// ============================================================================
// Agent
// ============================================================================

func (s *Store) CreateAgent(ctx context.Context, agent *model.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[agent.ID]; ok {
		return storage.ErrDuplicate
	}
	s.agents[agent.ID] = agent.Clone()
	return nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.agents[id].Clone(), nil
}

func (s *Store) ListAgents(ctx context.Context) ([]*model.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpdateAgentRegistration(ctx context.Context, agent *model.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.agents[agent.ID]
	if !ok {
		return storage.ErrNotFound
	}
	cur.CredentialHash = agent.CredentialHash
	cur.Metadata = agent.Clone().Metadata
	cur.LastActiveAt = agent.LastActiveAt
	cur.UpdatedAt = agent.UpdatedAt
	if cur.CurrentTaskID == nil {
		cur.Status = model.AgentStatusOnline
	}
	return nil
}

func (s *Store) RecordHeartbeat(ctx context.Context, id string, reported model.AgentStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.agents[id]
	if !ok {
		return storage.ErrNotFound
	}
	cur.LastActiveAt = at
	cur.UpdatedAt = at
	if cur.CurrentTaskID == nil && reported != "" {
		cur.Status = reported
	}
	return nil
}

func (s *Store) MarkAgentOffline(ctx context.Context, id string, cutoff, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.agents[id]
	if !ok {
		return storage.ErrNotFound
	}
	if !cur.LastActiveAt.Before(cutoff) {
		return storage.ErrConflict
	}
	cur.Status = model.AgentStatusOffline
	cur.UpdatedAt = at
	return nil
}

func (s *Store) ClaimAgent(ctx context.Context, id, taskID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.agents[id]
	if !ok {
		return storage.ErrNotFound
	}
	if !cur.IsIdle() {
		return storage.ErrConflict
	}
	tid := taskID
	cur.CurrentTaskID = &tid
	cur.Status = model.AgentStatusBusy
	cur.UpdatedAt = at
	return nil
}

func (s *Store) ReleaseAgent(ctx context.Context, id, taskID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.agents[id]
	if !ok {
		return storage.ErrNotFound
	}
	if !cur.HoldsTask(taskID) {
		return storage.ErrConflict
	}
	cur.CurrentTaskID = nil
	if cur.Status == model.AgentStatusBusy {
		cur.Status = model.AgentStatusOnline
	}
	cur.UpdatedAt = at
	return nil
}

// ============================================================================
// Task
// ============================================================================

func (s *Store) CreateTask(ctx context.Context, task *model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; ok {
		return storage.ErrDuplicate
	}
	s.tasks[task.ID] = task.Clone()
	return nil
}

func (s *Store) UpdateTaskIfHeld(ctx context.Context, task *model.Task, agentID string, expected ...model.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[task.ID]
	if !ok {
		return storage.ErrNotFound
	}
	if !containsStatus(expected, cur.Status) || !cur.HeldBy(agentID) {
		return storage.ErrConflict
	}
	s.tasks[task.ID] = task.Clone()
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tasks[id].Clone(), nil
}

func (s *Store) ListTasks(ctx context.Context, filter model.TaskFilter) ([]*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Task
	for _, t := range s.tasks {
		if filter.Matches(t) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return paginate(out, filter.Offset, filter.Limit), nil
}

func (s *Store) ListPendingTasks(ctx context.Context, limit int) ([]*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Task
	for _, t := range s.tasks {
		if t.Status == model.TaskStatusPending {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return paginate(out, 0, limit), nil
}

func (s *Store) UpdateTaskIfStatus(ctx context.Context, task *model.Task, expected ...model.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[task.ID]
	if !ok {
		return storage.ErrNotFound
	}
	if !containsStatus(expected, cur.Status) {
		return storage.ErrConflict
	}
	s.tasks[task.ID] = task.Clone()
	return nil
}

// ============================================================================
// Scenario
// ============================================================================

func (s *Store) CreateScenario(ctx context.Context, scenario *model.Scenario) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.scenarios[scenario.ID]; ok {
		return storage.ErrDuplicate
	}
	s.scenarios[scenario.ID] = scenario.Clone()
	return nil
}

func (s *Store) GetScenario(ctx context.Context, id string) (*model.Scenario, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scenarios[id].Clone(), nil
}

func (s *Store) ListScenarios(ctx context.Context) ([]*model.Scenario, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Scenario, 0, len(s.scenarios))
	for _, sc := range s.scenarios {
		out = append(out, sc.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) UpdateScenario(ctx context.Context, scenario *model.Scenario) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.scenarios[scenario.ID]; !ok {
		return storage.ErrNotFound
	}
	s.scenarios[scenario.ID] = scenario.Clone()
	return nil
}

func (s *Store) DeleteScenario(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.scenarios[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.scenarios, id)
	return nil
}

// ============================================================================
// Execution
// ============================================================================

func (s *Store) CreateExecution(ctx context.Context, exec *model.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[exec.ID]; ok {
		return storage.ErrDuplicate
	}
	s.executions[exec.ID] = exec.Clone()
	return nil
}

func (s *Store) GetExecution(ctx context.Context, id string) (*model.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.executions[id].Clone(), nil
}

func (s *Store) ListExecutions(ctx context.Context, status model.ExecutionStatus) ([]*model.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Execution
	for _, e := range s.executions {
		if status == "" || e.Status == status {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) UpdateExecutionIfStatus(ctx context.Context, exec *model.Execution, expected ...model.ExecutionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.executions[exec.ID]
	if !ok {
		return storage.ErrNotFound
	}
	match := false
	for _, st := range expected {
		if cur.Status == st {
			match = true
			break
		}
	}
	if !match {
		return storage.ErrConflict
	}
	s.executions[exec.ID] = exec.Clone()
	return nil
}

func containsStatus(list []model.TaskStatus, st model.TaskStatus) bool {
	for _, v := range list {
		if v == st {
			return true
		}
	}
	return false
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
