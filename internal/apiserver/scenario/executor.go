package scenario

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"fleet-coordinator/internal/apiserver/dispatcher"
	"fleet-coordinator/internal/apiserver/metrics"
	"fleet-coordinator/internal/apiserver/registry"
	"fleet-coordinator/internal/config"
	"fleet-coordinator/internal/shared/clock"
	"fleet-coordinator/internal/shared/eventbus"
	"fleet-coordinator/internal/shared/model"
	"fleet-coordinator/internal/shared/storage"
)

// TaskRunner 执行器对调度器的依赖
type TaskRunner interface {
	Submit(ctx context.Context, req *dispatcher.SubmitRequest) (*model.Task, error)
	Get(ctx context.Context, taskID string) (*model.Task, error)
	Cancel(ctx context.Context, taskID string) (*model.Task, error)
}

// AgentLookup 校验角色映射的 Agent 是否已注册，并在执行中检测 Agent 离线
type AgentLookup interface {
	Get(ctx context.Context, agentID string) (*model.Agent, error)
}

// ExecutorDeps 执行器依赖；Events、Metrics 可为 nil
//
// Owner 标识本实例，写入执行的归属租约；为空时随机生成。
type ExecutorDeps struct {
	Owner      string
	Scenarios  *Service
	Executions storage.ExecutionStore
	Tasks      TaskRunner
	Agents     AgentLookup
	Events     eventbus.EventBus
	Clock      clock.Clock
	Metrics    *metrics.Metrics
}

// Executor 场景时间线执行器
//
// 每个执行一个 goroutine。状态写入都在 e.mu 下通过条件更新完成，
// 取消与执行循环之间的竞争以存储中的状态为准：先进入终态的一方生效。
//
// 运行中的执行带有归属租约（Owner + LeaseExpiresAt），由运行循环所在实例续约；
// Recover 只接管租约已过期或已释放的执行。租约用墙上时间计时，与时间线时钟无关。
type Executor struct {
	cfg        config.ExecutorConfig
	owner      string
	scenarios  *Service
	executions storage.ExecutionStore
	tasks      TaskRunner
	agents     AgentLookup
	events     eventbus.EventBus
	clock      clock.Clock
	metrics    *metrics.Metrics

	mu     sync.Mutex
	runs   map[string]context.CancelFunc
	closed bool
	wg     sync.WaitGroup

	baseCtx context.Context
	stop    context.CancelFunc
}

// StartRequest 启动执行请求
type StartRequest struct {
	ScenarioID string            `json:"scenario_id"`
	Target     string            `json:"target"`
	RoleMap    map[string]string `json:"role_map"`
	Variables  map[string]string `json:"variables,omitempty"`
}

// RecoveryResult 启动恢复的结果
type RecoveryResult struct {
	Resumed   []string `json:"resumed"`
	Restarted []string `json:"restarted"`
	Failed    []string `json:"failed"`
	Skipped   []string `json:"skipped"` // 由其他存活实例持有
}

// NewExecutor 创建执行器
func NewExecutor(cfg config.ExecutorConfig, deps ExecutorDeps) *Executor {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.TaskPriority == 0 {
		cfg.TaskPriority = model.DefaultTaskPriority
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	if deps.Owner == "" {
		deps.Owner = "executor-" + uuid.NewString()[:8]
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Executor{
		cfg:        cfg,
		owner:      deps.Owner,
		scenarios:  deps.Scenarios,
		executions: deps.Executions,
		tasks:      deps.Tasks,
		agents:     deps.Agents,
		events:     deps.Events,
		clock:      deps.Clock,
		metrics:    deps.Metrics,
		runs:       make(map[string]context.CancelFunc),
		baseCtx:    ctx,
		stop:       stop,
	}
}

// ============================================================================
// 启动与查询
// ============================================================================

// Start 校验角色映射并启动一次执行
//
// 时间线中每个角色都必须映射到已注册的 Agent，否则返回 ErrUnmappedRole，不创建执行。
// 执行由本实例运行并持有租约。
func (e *Executor) Start(ctx context.Context, req *StartRequest) (*model.Execution, error) {
	sc, err := e.scenarios.Get(ctx, req.ScenarioID)
	if err != nil {
		return nil, err
	}
	if !sc.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrScenarioDisabled, sc.ID)
	}
	if req.Target == "" {
		return nil, fmt.Errorf("%w: target is required", ErrInvalidRequest)
	}

	declared := make(map[string]bool, len(sc.Roles))
	for _, role := range sc.Roles {
		declared[role] = true
	}
	for role := range req.RoleMap {
		if len(declared) > 0 && !declared[role] {
			log.Printf("[executor.start] WARNING: scenario_id=%s role_map entry %q is not a declared role", sc.ID, role)
		}
	}
	for _, role := range sc.TimelineRoles() {
		if len(declared) > 0 && !declared[role] {
			return nil, fmt.Errorf("%w: role %q is not declared by scenario %s", ErrInvalidRequest, role, sc.ID)
		}
		agentID := req.RoleMap[role]
		if agentID == "" {
			return nil, fmt.Errorf("%w: role %q has no agent", ErrUnmappedRole, role)
		}
		if _, err := e.agents.Get(ctx, agentID); err != nil {
			if errors.Is(err, registry.ErrUnknownAgent) {
				return nil, fmt.Errorf("%w: role %q mapped to unknown agent %q", ErrUnmappedRole, role, agentID)
			}
			return nil, err
		}
	}

	now := e.clock.Now()
	lease := time.Now().Add(e.cfg.LeaseTTL)
	exec := &model.Execution{
		ID:              uuid.NewString(),
		ScenarioID:      sc.ID,
		ScenarioName:    sc.Name,
		Target:          req.Target,
		RoleMap:         copyMap(req.RoleMap),
		Variables:       copyMap(req.Variables),
		Status:          model.ExecutionStatusPending,
		Timeline:        model.CloneTimeline(sc.Timeline),
		ExecutedActions: []int{},
		ActionTasks:     []string{},
		Owner:           e.owner,
		LeaseExpiresAt:  &lease,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.executions.CreateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}

	exec.Status = model.ExecutionStatusRunning
	exec.StartedAt = &now
	if err := e.executions.UpdateExecutionIfStatus(ctx, exec, model.ExecutionStatusPending); err != nil {
		return nil, fmt.Errorf("start execution: %w", err)
	}

	log.Printf("[executor.started] execution_id=%s scenario_id=%s actions=%d target=%s",
		exec.ID, sc.ID, len(exec.Timeline), exec.Target)
	e.publish(ctx, exec, eventbus.ExecutionStarted, nil, "", "")
	e.launch(exec.ID)
	return exec.Clone(), nil
}

// Get 获取执行
func (e *Executor) Get(ctx context.Context, id string) (*model.Execution, error) {
	exec, err := e.executions.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if exec == nil {
		return nil, ErrExecutionNotFound
	}
	return exec, nil
}

// List 按状态列出执行；status 为空时列出全部
func (e *Executor) List(ctx context.Context, status model.ExecutionStatus) ([]*model.Execution, error) {
	return e.executions.ListExecutions(ctx, status)
}

// Active 当前实例上正在运行的执行数
func (e *Executor) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.runs)
}

// ============================================================================
// 取消、恢复与停止
// ============================================================================

// Cancel 取消执行：标记 cancelled，停止循环，并取消进行中的任务（建议性）
func (e *Executor) Cancel(ctx context.Context, id string) (*model.Execution, error) {
	exec, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if exec.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s", ErrExecutionFinished, exec.Status)
	}

	finished, err := e.finish(ctx, id, model.ExecutionStatusCancelled, "")
	if err != nil {
		return nil, err
	}
	if finished == nil {
		return nil, ErrExecutionFinished
	}

	e.mu.Lock()
	if cancel, ok := e.runs[id]; ok {
		cancel()
	}
	e.mu.Unlock()

	if taskID := finished.TaskFor(finished.NextAction()); taskID != "" {
		if _, err := e.tasks.Cancel(ctx, taskID); err != nil && !errors.Is(err, dispatcher.ErrInvalidTransition) {
			log.Printf("[executor.cancel] WARNING: cancel task execution_id=%s task_id=%s: %v", id, taskID, err)
		}
	}
	return finished, nil
}

// Recover 接管遗留的执行（仅 leader 调用：当选时一次，之后按租约周期重复）
//
// 本实例正在运行、或由其他实例持有未过期租约的执行不受影响。其余：
//   - running 且已有进度：从下一个动作继续，已提交的任务重新等待结果而不是重新提交
//   - running 无进度、启动时间在恢复窗口内：从第 0 个动作开始，保留原始开始时间
//   - running 无进度、超出恢复窗口：标记 failed，避免重放产生重复的外部效果
//   - pending：从未开始，标记 failed
func (e *Executor) Recover(ctx context.Context) (*RecoveryResult, error) {
	res := &RecoveryResult{}
	now := e.clock.Now()
	wall := time.Now()

	running, err := e.executions.ListExecutions(ctx, model.ExecutionStatusRunning)
	if err != nil {
		return nil, fmt.Errorf("list running executions: %w", err)
	}
	for _, exec := range running {
		if e.isRunning(exec.ID) {
			continue
		}
		if exec.LeaseHeldByOther(e.owner, wall) {
			res.Skipped = append(res.Skipped, exec.ID)
			continue
		}

		switch {
		case exec.HasProgress():
			if !e.adopt(ctx, exec.ID) {
				continue
			}
			log.Printf("[executor.recover.resume] execution_id=%s next_action=%d previous_owner=%q",
				exec.ID, exec.NextAction(), exec.Owner)
			e.publish(ctx, exec, eventbus.ExecutionResumed, nil, "", "")
			e.launch(exec.ID)
			res.Resumed = append(res.Resumed, exec.ID)

		case now.Sub(startedAt(exec)) > e.cfg.RecoveryWindow:
			msg := fmt.Sprintf("no progress within recovery window %s", e.cfg.RecoveryWindow)
			if _, err := e.finish(ctx, exec.ID, model.ExecutionStatusFailed, msg); err != nil {
				log.Printf("[executor.recover] ERROR: execution_id=%s: %v", exec.ID, err)
				continue
			}
			if taskID := exec.TaskFor(0); taskID != "" {
				if _, err := e.tasks.Cancel(ctx, taskID); err != nil && !errors.Is(err, dispatcher.ErrInvalidTransition) {
					log.Printf("[executor.recover] WARNING: cancel task task_id=%s: %v", taskID, err)
				}
			}
			res.Failed = append(res.Failed, exec.ID)

		default:
			if !e.adopt(ctx, exec.ID) {
				continue
			}
			log.Printf("[executor.recover.restart] execution_id=%s previous_owner=%q", exec.ID, exec.Owner)
			e.publish(ctx, exec, eventbus.ExecutionResumed, nil, "", "restarted")
			e.launch(exec.ID)
			res.Restarted = append(res.Restarted, exec.ID)
		}
	}

	pending, err := e.executions.ListExecutions(ctx, model.ExecutionStatusPending)
	if err != nil {
		return nil, fmt.Errorf("list pending executions: %w", err)
	}
	for _, exec := range pending {
		// Start 写入 pending 与置为 running 之间，租约已生效
		if exec.LeaseExpiresAt != nil && wall.Before(*exec.LeaseExpiresAt) {
			res.Skipped = append(res.Skipped, exec.ID)
			continue
		}
		if _, err := e.finish(ctx, exec.ID, model.ExecutionStatusFailed, "interrupted before start"); err != nil {
			log.Printf("[executor.recover] ERROR: execution_id=%s: %v", exec.ID, err)
			continue
		}
		res.Failed = append(res.Failed, exec.ID)
	}

	log.Printf("[executor.recover] resumed=%d restarted=%d failed=%d skipped=%d",
		len(res.Resumed), len(res.Restarted), len(res.Failed), len(res.Skipped))
	return res, nil
}

// WatchOrphans 按租约周期重复 Recover，接管持有实例已退出的执行，直到 ctx 取消
func (e *Executor) WatchOrphans(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.LeaseTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.Recover(ctx); err != nil && ctx.Err() == nil {
				log.Printf("[executor.recover] ERROR: %v", err)
			}
		}
	}
}

// Shutdown 停止全部执行循环并释放租约；执行保持 running，由 leader 的 Recover 接管
func (e *Executor) Shutdown() {
	e.mu.Lock()
	e.closed = true
	ids := make([]string, 0, len(e.runs))
	for id := range e.runs {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	e.stop()
	e.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, id := range ids {
		e.releaseLease(ctx, id)
	}
}

// ============================================================================
// 归属租约
// ============================================================================

// adopt 将遗留执行的租约转到本实例；执行已不在 running 时返回 false
func (e *Executor) adopt(ctx context.Context, id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	exec, err := e.Get(ctx, id)
	if err != nil {
		log.Printf("[executor.lease.adopt] ERROR: execution_id=%s: %v", id, err)
		return false
	}
	if exec.Status != model.ExecutionStatusRunning || exec.LeaseHeldByOther(e.owner, time.Now()) {
		return false
	}
	lease := time.Now().Add(e.cfg.LeaseTTL)
	exec.Owner = e.owner
	exec.LeaseExpiresAt = &lease
	if err := e.executions.UpdateExecutionIfStatus(ctx, exec, model.ExecutionStatusRunning); err != nil {
		if !errors.Is(err, storage.ErrConflict) {
			log.Printf("[executor.lease.adopt] ERROR: execution_id=%s: %v", id, err)
		}
		return false
	}
	return true
}

// renewLease 周期续约；发现租约已被其他实例接管时停止本地循环
func (e *Executor) renewLease(ctx context.Context, id string, stopRun context.CancelFunc) {
	ticker := time.NewTicker(e.cfg.LeaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		switch err := e.extendLease(ctx, id); {
		case err == nil:
		case errors.Is(err, errLeaseLost):
			log.Printf("[executor.lease.lost] execution_id=%s owner=%s", id, e.owner)
			stopRun()
			return
		case errors.Is(err, errStopped):
			return
		default:
			if ctx.Err() == nil {
				log.Printf("[executor.lease.renew] WARNING: execution_id=%s: %v", id, err)
			}
		}
	}
}

func (e *Executor) extendLease(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	exec, err := e.Get(ctx, id)
	if err != nil {
		return err
	}
	if exec.Status != model.ExecutionStatusRunning {
		return errStopped
	}
	now := time.Now()
	if exec.LeaseHeldByOther(e.owner, now) {
		return errLeaseLost
	}
	lease := now.Add(e.cfg.LeaseTTL)
	exec.Owner = e.owner
	exec.LeaseExpiresAt = &lease
	if err := e.executions.UpdateExecutionIfStatus(ctx, exec, model.ExecutionStatusRunning); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return errStopped
		}
		return err
	}
	return nil
}

// releaseLease 清空本实例持有的租约，便于 leader 立即接管
func (e *Executor) releaseLease(ctx context.Context, id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	exec, err := e.Get(ctx, id)
	if err != nil || exec.Status != model.ExecutionStatusRunning || exec.Owner != e.owner {
		return
	}
	exec.LeaseExpiresAt = nil
	if err := e.executions.UpdateExecutionIfStatus(ctx, exec, model.ExecutionStatusRunning); err != nil &&
		!errors.Is(err, storage.ErrConflict) {
		log.Printf("[executor.lease.release] WARNING: execution_id=%s: %v", id, err)
	}
}

func (e *Executor) isRunning(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.runs[id]
	return ok
}

func (e *Executor) launch(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if _, ok := e.runs[id]; ok {
		return
	}

	ctx, cancel := context.WithCancel(e.baseCtx)
	e.runs[id] = cancel
	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.renewLease(ctx, id, cancel)
	}()
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.runs, id)
			e.mu.Unlock()
			cancel()
		}()
		e.run(ctx, id)
	}()
}

// ============================================================================
// 执行循环
// ============================================================================

// run 按时间线依次执行动作，直到完成、失败、取消或 ctx 结束
func (e *Executor) run(ctx context.Context, id string) {
	for {
		exec, err := e.Get(ctx, id)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("[executor.run] ERROR: load execution_id=%s: %v", id, err)
			}
			return
		}
		if exec.Status != model.ExecutionStatusRunning {
			return
		}

		i := exec.NextAction()
		if i >= len(exec.Timeline) {
			e.finishRun(ctx, id, model.ExecutionStatusCompleted, "")
			return
		}

		// 等待 start + time_offset；已过期的动作立即执行
		if !e.sleepUntil(ctx, startedAt(exec).Add(exec.Timeline[i].Offset())) {
			return
		}

		taskID := exec.TaskFor(i)
		if taskID == "" {
			taskID, err = e.dispatchAction(ctx, id, i)
			if err != nil {
				if errors.Is(err, errStopped) || ctx.Err() != nil {
					return
				}
				e.finishRun(ctx, id, model.ExecutionStatusFailed, fmt.Sprintf("%v: action %d: %v", ErrActionFailed, i, err))
				return
			}
		}

		task, err := e.awaitTask(ctx, id, i, taskID, exec.RoleMap[exec.Timeline[i].Role])
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.finishRun(ctx, id, model.ExecutionStatusFailed, fmt.Sprintf("%v: action %d: %v", ErrActionFailed, i, err))
			return
		}

		switch task.Status {
		case model.TaskStatusCompleted:
			if err := e.commitAction(ctx, id, i, taskID); err != nil {
				if !errors.Is(err, errStopped) {
					log.Printf("[executor.run] ERROR: commit execution_id=%s action=%d: %v", id, i, err)
				}
				return
			}
		default:
			reason := task.Error
			if reason == "" {
				reason = "task " + string(task.Status)
			}
			e.finishRun(ctx, id, model.ExecutionStatusFailed, fmt.Sprintf("%v: action %d: %s", ErrActionFailed, i, reason))
			return
		}
	}
}

// finishRun 执行循环内的终态写入；失败只记录日志，执行保持 running 由恢复流程处理
func (e *Executor) finishRun(ctx context.Context, id string, status model.ExecutionStatus, msg string) {
	if _, err := e.finish(ctx, id, status, msg); err != nil && ctx.Err() == nil {
		log.Printf("[executor.run] ERROR: finish execution_id=%s status=%s: %v", id, status, err)
	}
}

// sleepUntil 等到时钟到达 at；ctx 结束时返回 false
func (e *Executor) sleepUntil(ctx context.Context, at time.Time) bool {
	if ctx.Err() != nil {
		return false
	}
	d := at.Sub(e.clock.Now())
	if d <= 0 {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case <-e.clock.After(d):
		return true
	}
}

// dispatchAction 将动作 i 提交为固定到映射 Agent 的任务，并记录任务 ID
func (e *Executor) dispatchAction(ctx context.Context, id string, i int) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	exec, err := e.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if exec.Status != model.ExecutionStatusRunning {
		return "", errStopped
	}
	if taskID := exec.TaskFor(i); taskID != "" {
		return taskID, nil
	}

	action := exec.Timeline[i]
	index := i
	priority := e.cfg.TaskPriority
	task, err := e.tasks.Submit(ctx, &dispatcher.SubmitRequest{
		Priority:      &priority,
		Payload:       action.BuildPayload(exec.Target, exec.Variables),
		TargetAgentID: exec.RoleMap[action.Role],
		Role:          action.Role,
		ExecutionID:   id,
		ActionIndex:   &index,
	})
	if err != nil {
		return "", err
	}

	exec.SetTask(i, task.ID)
	exec.UpdatedAt = e.clock.Now()
	if err := e.executions.UpdateExecutionIfStatus(ctx, exec, model.ExecutionStatusRunning); err != nil {
		if _, cerr := e.tasks.Cancel(ctx, task.ID); cerr != nil {
			log.Printf("[executor.dispatch] WARNING: cancel orphan task_id=%s: %v", task.ID, cerr)
		}
		if errors.Is(err, storage.ErrConflict) {
			return "", errStopped
		}
		return "", err
	}

	log.Printf("[executor.action.dispatched] execution_id=%s action=%d role=%s agent_id=%s task_id=%s",
		id, i, action.Role, exec.RoleMap[action.Role], task.ID)
	e.publish(ctx, exec, eventbus.ActionDispatched, &index, task.ID, "")
	return task.ID, nil
}

// awaitTask 等待任务进入终态
//
// 主路径是订阅本执行的任务事件；事件是尽力而为的，因此同时按 poll_interval 轮询任务状态。
// 每次检查时确认映射的 Agent 仍在线：离线时发布 action.waiting_agent 事件，
// 离线超过 agent_loss_timeout 时取消任务并返回错误。
func (e *Executor) awaitTask(ctx context.Context, id string, i int, taskID, agentID string) (*model.Task, error) {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var events <-chan *eventbus.TaskEvent
	if e.events != nil {
		ch, err := e.events.SubscribeTaskEvents(subCtx, id)
		if err != nil {
			log.Printf("[executor.await] WARNING: subscribe execution_id=%s: %v", id, err)
		} else {
			events = ch
		}
	}

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	var lostSince time.Time
	for {
		task, err := e.tasks.Get(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if task.Status.IsTerminal() {
			return task, nil
		}

		if agentID != "" {
			if err := e.checkAgent(ctx, id, i, taskID, agentID, &lostSince); err != nil {
				return nil, err
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.TaskID != taskID || !ev.To.IsTerminal() {
				continue
			}
		case <-ticker.C:
		}
	}
}

// checkAgent 检测动作所固定的 Agent 是否离线；lostSince 记录首次发现离线的时间
func (e *Executor) checkAgent(ctx context.Context, id string, i int, taskID, agentID string, lostSince *time.Time) error {
	agent, err := e.agents.Get(ctx, agentID)
	lost := errors.Is(err, registry.ErrUnknownAgent) || (err == nil && agent.Status == model.AgentStatusOffline)
	if err != nil && !lost {
		log.Printf("[executor.await] WARNING: lookup agent_id=%s: %v", agentID, err)
		return nil
	}

	now := e.clock.Now()
	switch {
	case !lost:
		if !lostSince.IsZero() {
			log.Printf("[executor.action.agent_back] execution_id=%s action=%d agent_id=%s", id, i, agentID)
			*lostSince = time.Time{}
		}
		return nil
	case lostSince.IsZero():
		*lostSince = now
		log.Printf("[executor.action.waiting_agent] execution_id=%s action=%d agent_id=%s task_id=%s",
			id, i, agentID, taskID)
		index := i
		e.publish(ctx, &model.Execution{ID: id, Status: model.ExecutionStatusRunning},
			eventbus.ActionWaitingAgent, &index, taskID, "agent "+agentID+" offline")
		return nil
	case e.cfg.AgentLossTimeout > 0 && now.Sub(*lostSince) >= e.cfg.AgentLossTimeout:
		if _, err := e.tasks.Cancel(ctx, taskID); err != nil && !errors.Is(err, dispatcher.ErrInvalidTransition) {
			log.Printf("[executor.await] WARNING: cancel task_id=%s: %v", taskID, err)
		}
		return fmt.Errorf("%w: %s offline for %s", ErrAgentLost, agentID, now.Sub(*lostSince))
	}
	return nil
}

// commitAction 记录动作 i 已完成
func (e *Executor) commitAction(ctx context.Context, id string, i int, taskID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	exec, err := e.Get(ctx, id)
	if err != nil {
		return err
	}
	if exec.Status != model.ExecutionStatusRunning {
		return errStopped
	}
	if !exec.MarkExecuted(i) {
		return fmt.Errorf("action %d is not next (executed=%v)", i, exec.ExecutedActions)
	}
	exec.UpdatedAt = e.clock.Now()
	if err := e.executions.UpdateExecutionIfStatus(ctx, exec, model.ExecutionStatusRunning); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return errStopped
		}
		return err
	}

	log.Printf("[executor.action.completed] execution_id=%s action=%d task_id=%s", id, i, taskID)
	index := i
	e.publish(ctx, exec, eventbus.ActionCompleted, &index, taskID, "")
	return nil
}

// finish 进入终态；执行已是终态时返回 (nil, nil)
func (e *Executor) finish(ctx context.Context, id string, status model.ExecutionStatus, msg string) (*model.Execution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	exec, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if exec.Status.IsTerminal() {
		return nil, nil
	}

	now := e.clock.Now()
	exec.Finish(status, msg, now)
	if err := e.executions.UpdateExecutionIfStatus(ctx, exec,
		model.ExecutionStatusPending, model.ExecutionStatusRunning); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, nil
		}
		return nil, err
	}

	log.Printf("[executor.finished] execution_id=%s status=%s executed=%v error=%q",
		id, status, exec.ExecutedActions, msg)
	e.metrics.RecordExecutionFinished(string(status), now.Sub(startedAt(exec)))

	eventType := eventbus.ExecutionFailed
	switch status {
	case model.ExecutionStatusCompleted:
		eventType = eventbus.ExecutionCompleted
	case model.ExecutionStatusCancelled:
		eventType = eventbus.ExecutionCancelled
	}
	e.publish(ctx, exec, eventType, nil, "", msg)
	return exec, nil
}

// ============================================================================
// 工具
// ============================================================================

func (e *Executor) publish(ctx context.Context, exec *model.Execution, typ eventbus.ExecutionEventType, index *int, taskID, msg string) {
	if e.events == nil {
		return
	}
	event := &eventbus.ExecutionEvent{
		ExecutionID: exec.ID,
		Type:        typ,
		ActionIndex: index,
		TaskID:      taskID,
		Status:      exec.Status,
		Message:     msg,
		Timestamp:   e.clock.Now(),
	}
	if err := e.events.PublishExecutionEvent(ctx, event); err != nil {
		log.Printf("[executor.event.publish_failed] execution_id=%s type=%s error=%v", exec.ID, typ, err)
	}
}

func startedAt(exec *model.Execution) time.Time {
	if exec.StartedAt != nil {
		return *exec.StartedAt
	}
	return exec.CreatedAt
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
