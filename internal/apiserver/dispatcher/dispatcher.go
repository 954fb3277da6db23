// Package dispatcher 任务队列与调度器
//
// 调度器负责将 pending 状态的任务分配给空闲的 Agent。
// 架构：调度唤醒队列（Redis Streams 或进程内 channel）+ 定时保底轮询
//
// 主路径：消费唤醒信号（任务提交、Agent 空闲、任务结束、任务回收）
// 保底路径：按 tick_interval 周期执行 DispatchTick
//
// 所有改变任务状态的操作都在 d.mu 下串行执行；Agent 的占用与释放通过存储层条件写入完成，
// 因此多实例部署时即使两个调度器同时运行也不会把同一 Agent 分配两次。
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"fleet-coordinator/internal/apiserver/metrics"
	"fleet-coordinator/internal/apiserver/registry"
	"fleet-coordinator/internal/config"
	"fleet-coordinator/internal/shared/clock"
	"fleet-coordinator/internal/shared/eventbus"
	"fleet-coordinator/internal/shared/model"
	"fleet-coordinator/internal/shared/queue"
	"fleet-coordinator/internal/shared/storage"
)

// 任务历史中记录的迁移原因
const (
	ReasonSubmitted = "submitted"
	ReasonStarted   = "started"
	ReasonReported  = "reported"
	ReasonCancelled = "cancelled"
)

// CommandSender 通知 Agent 放弃已取消的任务（由邮箱服务实现）
type CommandSender interface {
	CancelTask(ctx context.Context, agentID, taskID string) error
}

// Deps 调度器依赖；Queue、Events、Commands、Metrics 可为 nil
type Deps struct {
	Tasks    storage.TaskStore
	Agents   storage.AgentStore
	Registry *registry.Registry
	Queue    queue.DispatchQueue
	Events   eventbus.TaskEventBus
	Commands CommandSender
	Clock    clock.Clock
	Metrics  *metrics.Metrics
}

// Dispatcher 任务调度器
type Dispatcher struct {
	cfg      config.DispatcherConfig
	tasks    storage.TaskStore
	agents   storage.AgentStore
	registry *registry.Registry
	queue    queue.DispatchQueue
	events   eventbus.TaskEventBus
	commands CommandSender
	clock    clock.Clock
	metrics  *metrics.Metrics
	chain    *StrategyChain

	mu sync.Mutex // 串行化所有任务状态迁移
}

// SubmitRequest 提交任务请求
type SubmitRequest struct {
	Priority      *int              `json:"priority,omitempty"`
	Payload       model.Payload     `json:"payload"`
	TargetAgentID string            `json:"agent_id,omitempty"`
	Labels        map[string]string `json:"labels,omitempty"`
	Role          string            `json:"role,omitempty"`

	// 场景执行产生的任务
	ExecutionID string `json:"-"`
	ActionIndex *int   `json:"-"`
}

// TickResult 一次调度周期的结果
type TickResult struct {
	Pending  int `json:"pending"`
	Assigned int `json:"assigned"`
	Waiting  int `json:"waiting"` // 本轮没有合适 Agent、继续等待的任务数
}

// New 创建调度器，并将自身注册为注册表的任务回收器
func New(cfg config.DispatcherConfig, deps Deps) *Dispatcher {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	d := &Dispatcher{
		cfg:      cfg,
		tasks:    deps.Tasks,
		agents:   deps.Agents,
		registry: deps.Registry,
		queue:    deps.Queue,
		events:   deps.Events,
		commands: deps.Commands,
		clock:    deps.Clock,
		metrics:  deps.Metrics,
		chain:    BuildStrategyChain(cfg.Strategy.Chain),
	}
	if d.registry != nil {
		d.registry.SetReleaser(d)
	}
	return d
}

// SetStrategyChain 设置自定义策略链
func (d *Dispatcher) SetStrategyChain(chain *StrategyChain) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.chain = chain
}

// ============================================================================
// 提交与查询
// ============================================================================

// Submit 提交任务，进入 pending 并唤醒调度
func (d *Dispatcher) Submit(ctx context.Context, req *SubmitRequest) (*model.Task, error) {
	if err := req.Payload.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}
	if req.TargetAgentID != "" {
		if _, err := d.registry.Get(ctx, req.TargetAgentID); err != nil {
			return nil, err
		}
	}

	priority := model.DefaultTaskPriority
	if req.Priority != nil {
		priority = *req.Priority
	}

	now := d.clock.Now()
	task := &model.Task{
		ID:            uuid.NewString(),
		Type:          req.Payload.Type,
		Priority:      priority,
		Payload:       req.Payload.Clone(),
		TargetAgentID: req.TargetAgentID,
		Labels:        req.Labels,
		Role:          req.Role,
		ExecutionID:   req.ExecutionID,
		ActionIndex:   req.ActionIndex,
		CreatedAt:     now,
	}
	task.Transition(model.TaskStatusPending, "", ReasonSubmitted, now)

	if err := d.tasks.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	log.Printf("[dispatcher.task.submitted] task_id=%s type=%s priority=%d target=%s execution_id=%s",
		task.ID, task.Type, task.Priority, task.TargetAgentID, task.ExecutionID)
	d.publishTransition(ctx, task)
	d.notify(ctx, queue.ReasonTaskSubmitted)
	return task, nil
}

// Get 获取任务
func (d *Dispatcher) Get(ctx context.Context, taskID string) (*model.Task, error) {
	task, err := d.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, ErrTaskNotFound
	}
	return task, nil
}

// List 按过滤条件列出任务
func (d *Dispatcher) List(ctx context.Context, filter model.TaskFilter) ([]*model.Task, error) {
	return d.tasks.ListTasks(ctx, filter)
}

// ============================================================================
// 调度
// ============================================================================

// DispatchTick 执行一次调度
//
// 先执行存活扫描，再按 (priority 降序, created_at 升序) 遍历 pending 任务，
// 为每个任务用策略链在空闲 Agent 中选择一个；找不到时任务保持 pending，继续处理下一个。
func (d *Dispatcher) DispatchTick(ctx context.Context) (*TickResult, error) {
	start := time.Now()
	defer func() { d.metrics.RecordDispatchTick(time.Since(start)) }()

	// 扫描在锁外执行：回收任务会回调 RequeueTask
	if d.registry != nil {
		if _, err := d.registry.Sweep(ctx); err != nil {
			log.Printf("[dispatcher.tick] WARNING: sweep failed: %v", err)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	tasks, err := d.tasks.ListPendingTasks(ctx, d.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("list pending tasks: %w", err)
	}
	res := &TickResult{Pending: len(tasks)}
	if len(tasks) == 0 {
		return res, nil
	}

	available, err := d.registry.ListAvailable(ctx)
	if err != nil {
		return nil, fmt.Errorf("list available agents: %w", err)
	}

	excluded := make(map[string]bool)
	for i, task := range tasks {
		if len(available) == len(excluded) {
			res.Waiting += len(tasks) - i
			break
		}
		agent, err := d.assign(ctx, task, available, excluded)
		if err != nil {
			log.Printf("[dispatcher.task.assign_failed] task_id=%s error=%v", task.ID, err)
			res.Waiting++
			continue
		}
		if agent == nil {
			res.Waiting++
			continue
		}
		excluded[agent.ID] = true
		res.Assigned++
	}

	if res.Waiting > 0 {
		log.Printf("[dispatcher.tick] %v: waiting=%d assigned=%d", ErrNoEligibleAgent, res.Waiting, res.Assigned)
	}
	return res, nil
}

// assign 为单个任务选择并占用 Agent；没有合适 Agent 时返回 (nil, nil)
//
// 占用失败（Agent 已被其他实例占用或刚下线）时换下一个候选；
// 任务写回失败（已被取消）时撤销占用。
func (d *Dispatcher) assign(ctx context.Context, task *model.Task, available []*model.Agent, excluded map[string]bool) (*model.Agent, error) {
	for {
		candidates := eligible(task, available)
		candidates = filterExcluded(candidates, excluded)
		agent, reason := d.chain.SelectAgent(ctx, &ScheduleRequest{Task: task, Candidates: candidates})
		if agent == nil {
			return nil, nil
		}

		now := d.clock.Now()
		if err := d.agents.ClaimAgent(ctx, agent.ID, task.ID, now); err != nil {
			if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrNotFound) {
				log.Printf("[dispatcher.agent.claim_conflict] task_id=%s agent_id=%s", task.ID, agent.ID)
				excluded[agent.ID] = true
				continue
			}
			return nil, fmt.Errorf("claim agent %s: %w", agent.ID, err)
		}

		agentID := agent.ID
		task.AgentID = &agentID
		task.AssignedAt = &now
		task.Attempts++
		task.Transition(model.TaskStatusAssigned, agentID, reason, now)

		if err := d.tasks.UpdateTaskIfStatus(ctx, task, model.TaskStatusPending); err != nil {
			if rerr := d.agents.ReleaseAgent(ctx, agentID, task.ID, now); rerr != nil {
				log.Printf("[dispatcher.agent.release_failed] agent_id=%s task_id=%s error=%v", agentID, task.ID, rerr)
			}
			if errors.Is(err, storage.ErrConflict) {
				log.Printf("[dispatcher.task.skip] task_id=%s reason=no_longer_pending", task.ID)
				return nil, nil
			}
			return nil, fmt.Errorf("update task: %w", err)
		}

		log.Printf("[dispatcher.task.assigned] task_id=%s agent_id=%s reason=%s priority=%d",
			task.ID, agentID, reason, task.Priority)
		d.metrics.RecordAssignment(reason)
		d.publishTransition(ctx, task)
		return agent, nil
	}
}

func filterExcluded(agents []*model.Agent, excluded map[string]bool) []*model.Agent {
	if len(excluded) == 0 {
		return agents
	}
	out := make([]*model.Agent, 0, len(agents))
	for _, a := range agents {
		if !excluded[a.ID] {
			out = append(out, a)
		}
	}
	return out
}

// ============================================================================
// Agent 侧操作
// ============================================================================

// CurrentTask 返回 Agent 当前持有的任务；首次获取时 assigned → in_progress
func (d *Dispatcher) CurrentTask(ctx context.Context, agentID string) (*model.Task, error) {
	agent, err := d.agents.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, registry.ErrUnknownAgent
	}
	if agent.CurrentTaskID == nil {
		return nil, nil
	}

	taskID := *agent.CurrentTaskID
	if err := d.MarkStarted(ctx, taskID, agentID); err != nil {
		if errors.Is(err, ErrTaskNotFound) || errors.Is(err, ErrInvalidTransition) {
			log.Printf("[dispatcher.task.fetch] WARNING: agent_id=%s task_id=%s: %v", agentID, taskID, err)
			return nil, nil
		}
		return nil, err
	}
	return d.Get(ctx, taskID)
}

// MarkStarted Agent 确认开始执行：assigned → in_progress；已是 in_progress 时无操作
func (d *Dispatcher) MarkStarted(ctx context.Context, taskID, agentID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	task, err := d.tasks.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return ErrTaskNotFound
	}
	if !task.HeldBy(agentID) {
		return ErrAgentMismatch
	}
	switch task.Status {
	case model.TaskStatusInProgress:
		return nil
	case model.TaskStatusAssigned:
	default:
		return fmt.Errorf("%w: %s", ErrInvalidTransition, task.Status)
	}

	now := d.clock.Now()
	task.StartedAt = &now
	task.Transition(model.TaskStatusInProgress, agentID, ReasonStarted, now)
	if err := d.tasks.UpdateTaskIfHeld(ctx, task, agentID, model.TaskStatusAssigned); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return fmt.Errorf("%w: changed concurrently", ErrInvalidTransition)
		}
		return err
	}

	log.Printf("[dispatcher.task.started] task_id=%s agent_id=%s", taskID, agentID)
	d.publishTransition(ctx, task)
	return nil
}

// ReportResult 处理 Agent 上报的结果
//
// 只接受当前持有任务的 Agent 的上报；任务已取消时返回 (false, nil)，结果被忽略。
func (d *Dispatcher) ReportResult(ctx context.Context, agentID string, report *model.TaskReport) (bool, error) {
	if report.Status != model.TaskStatusCompleted && report.Status != model.TaskStatusFailed {
		return false, fmt.Errorf("%w: %q", ErrInvalidResult, report.Status)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	taskID := report.TaskID
	if taskID == "" {
		agent, err := d.agents.GetAgent(ctx, agentID)
		if err != nil {
			return false, err
		}
		if agent == nil {
			return false, registry.ErrUnknownAgent
		}
		if agent.CurrentTaskID == nil {
			return false, ErrAgentMismatch
		}
		taskID = *agent.CurrentTaskID
	}

	task, err := d.tasks.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, ErrTaskNotFound
	}

	switch {
	case task.Status == model.TaskStatusCancelled:
		log.Printf("[dispatcher.task.late_result] task_id=%s agent_id=%s status=%s ignored=true",
			taskID, agentID, report.Status)
		return false, nil
	case task.Status.IsTerminal():
		if lastActor(task) == agentID {
			return false, nil
		}
		return false, ErrAgentMismatch
	case !task.HeldBy(agentID):
		log.Printf("[dispatcher.task.result_rejected] task_id=%s agent_id=%s reason=agent_mismatch", taskID, agentID)
		return false, ErrAgentMismatch
	}

	now := d.clock.Now()
	task.Result = report.Result
	task.Error = report.Error
	task.FinishedAt = &now
	task.AgentID = nil
	task.Transition(report.Status, agentID, ReasonReported, now)

	// 以持有者为写入前提：其他实例回收并重新分配后，旧持有者的迟到结果不能覆盖新分配
	if err := d.tasks.UpdateTaskIfHeld(ctx, task, agentID, model.TaskStatusAssigned, model.TaskStatusInProgress); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			cur, gerr := d.tasks.GetTask(ctx, taskID)
			switch {
			case gerr != nil || cur == nil:
			case cur.Status == model.TaskStatusCancelled:
				return false, nil
			case !cur.HeldBy(agentID):
				log.Printf("[dispatcher.task.result_rejected] task_id=%s agent_id=%s reason=holder_changed status=%s",
					taskID, agentID, cur.Status)
				return false, ErrAgentMismatch
			}
			return false, fmt.Errorf("%w: changed concurrently", ErrInvalidTransition)
		}
		return false, err
	}
	d.release(ctx, agentID, taskID, now)

	log.Printf("[dispatcher.task.finished] task_id=%s agent_id=%s status=%s", taskID, agentID, report.Status)
	d.metrics.RecordTaskResult(string(report.Status))
	d.publishTransition(ctx, task)
	d.notify(ctx, queue.ReasonTaskFinished)
	return true, nil
}

// NotifyIdle Agent 心跳报告空闲时触发调度
func (d *Dispatcher) NotifyIdle(ctx context.Context, agentID string) {
	d.notify(ctx, queue.ReasonAgentIdle)
}

// ============================================================================
// 取消与回收
// ============================================================================

// Cancel 取消任务
//
// pending / assigned / in_progress 都可取消。进行中的任务只做建议性通知（cancel_task 指令），
// 协调器立即释放 Agent，之后到达的结果被忽略。
func (d *Dispatcher) Cancel(ctx context.Context, taskID string) (*model.Task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	task, err := d.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, ErrTaskNotFound
	}
	if task.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: task is %s", ErrInvalidTransition, task.Status)
	}

	from := task.Status
	holder := ""
	if task.AgentID != nil {
		holder = *task.AgentID
	}

	now := d.clock.Now()
	task.AgentID = nil
	task.FinishedAt = &now
	task.Transition(model.TaskStatusCancelled, holder, ReasonCancelled, now)
	if err := d.tasks.UpdateTaskIfStatus(ctx, task, model.TaskStatusPending, model.TaskStatusAssigned, model.TaskStatusInProgress); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, fmt.Errorf("%w: changed concurrently", ErrInvalidTransition)
		}
		return nil, err
	}

	if holder != "" {
		d.release(ctx, holder, taskID, now)
		if d.commands != nil {
			if err := d.commands.CancelTask(ctx, holder, taskID); err != nil {
				log.Printf("[dispatcher.task.cancel] WARNING: notify agent_id=%s: %v", holder, err)
			}
		}
		d.notify(ctx, queue.ReasonAgentIdle)
	}

	log.Printf("[dispatcher.task.cancelled] task_id=%s from=%s agent_id=%s", taskID, from, holder)
	d.publishTransition(ctx, task)
	return task, nil
}

// RequeueTask 将离线 Agent 持有的任务放回 pending（注册表扫描时调用）
//
// 任务已不在活动状态或不再由该 Agent 持有时，只清理 Agent 侧的悬空引用并返回 false。
func (d *Dispatcher) RequeueTask(ctx context.Context, taskID, agentID, reason string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	task, err := d.tasks.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	if task == nil || !task.Status.IsActive() || !task.HeldBy(agentID) {
		d.release(ctx, agentID, taskID, now)
		return false, nil
	}

	from := task.Status
	task.AgentID = nil
	task.AssignedAt = nil
	task.StartedAt = nil
	task.Transition(model.TaskStatusPending, agentID, reason, now)
	if err := d.tasks.UpdateTaskIfHeld(ctx, task, agentID, model.TaskStatusAssigned, model.TaskStatusInProgress); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return false, nil
		}
		return false, err
	}
	d.release(ctx, agentID, taskID, now)

	log.Printf("[dispatcher.task.requeued] task_id=%s agent_id=%s from=%s reason=%s", taskID, agentID, from, reason)
	d.publishTransition(ctx, task)
	d.notify(ctx, queue.ReasonTaskRequeued)
	return true, nil
}

// release 清空 Agent 的 current_task_id；Agent 已不持有该任务时忽略
func (d *Dispatcher) release(ctx context.Context, agentID, taskID string, at time.Time) {
	if err := d.agents.ReleaseAgent(ctx, agentID, taskID, at); err != nil && !errors.Is(err, storage.ErrConflict) {
		log.Printf("[dispatcher.agent.release_failed] agent_id=%s task_id=%s error=%v", agentID, taskID, err)
	}
}

// ============================================================================
// 运行循环
// ============================================================================

// Run 启动调度器，直到 ctx 取消
//
// 运行两个并行循环：
//  1. 唤醒信号消费循环（主路径，实时响应）
//  2. 定时保底轮询循环（处理丢失的信号与超时回收）
func (d *Dispatcher) Run(ctx context.Context) {
	log.Printf("[dispatcher.start] node_id=%s queue_enabled=%v strategies=%v",
		d.cfg.NodeID, d.queue != nil, d.chain.Names())

	var wg sync.WaitGroup

	if d.queue != nil {
		if err := d.queue.CreateDispatchConsumerGroup(ctx); err != nil {
			log.Printf("[dispatcher.queue.group.failed] error=%v", err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			d.consumeSignals(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.fallbackPolling(ctx)
	}()

	wg.Wait()
	log.Printf("[dispatcher.stopped] node_id=%s", d.cfg.NodeID)
}

// consumeSignals 消费调度唤醒信号
func (d *Dispatcher) consumeSignals(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		signals, err := d.queue.ConsumeDispatchSignals(ctx, d.cfg.NodeID,
			int64(d.cfg.Redis.ReadCount), d.cfg.Redis.ReadTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[dispatcher.queue.consume.failed] error=%v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if len(signals) == 0 {
			continue
		}

		d.tick(ctx, "signal:"+signals[0].Reason)
		for _, sig := range signals {
			if err := d.queue.AckDispatchSignal(ctx, sig.ID); err != nil {
				log.Printf("[dispatcher.queue.ack.failed] signal_id=%s error=%v", sig.ID, err)
			}
		}
	}
}

// fallbackPolling 保底轮询
func (d *Dispatcher) fallbackPolling(ctx context.Context) {
	// 启动时立即执行一次
	d.tick(ctx, "startup")

	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick(ctx, "poll")
		}
	}
}

func (d *Dispatcher) tick(ctx context.Context, source string) {
	res, err := d.DispatchTick(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("[dispatcher.tick.failed] source=%s error=%v", source, err)
		}
		return
	}
	if res.Assigned > 0 {
		log.Printf("[dispatcher.tick] source=%s pending=%d assigned=%d", source, res.Pending, res.Assigned)
	}
}

// ============================================================================
// 事件与唤醒
// ============================================================================

func (d *Dispatcher) notify(ctx context.Context, reason string) {
	if d.queue == nil {
		return
	}
	if err := d.queue.NotifyDispatch(ctx, reason); err != nil {
		log.Printf("[dispatcher.queue.notify.failed] reason=%s error=%v", reason, err)
	}
}

// publishTransition 发布任务最近一次状态迁移
func (d *Dispatcher) publishTransition(ctx context.Context, task *model.Task) {
	if d.events == nil || len(task.History) == 0 {
		return
	}
	tr := task.History[len(task.History)-1]
	event := &eventbus.TaskEvent{
		ID:          uuid.NewString(),
		TaskID:      task.ID,
		ExecutionID: task.ExecutionID,
		AgentID:     tr.AgentID,
		From:        tr.From,
		To:          tr.To,
		Reason:      tr.Reason,
		Timestamp:   tr.At,
	}
	if err := d.events.PublishTaskEvent(ctx, event); err != nil {
		log.Printf("[dispatcher.event.publish_failed] task_id=%s error=%v", task.ID, err)
	}
}

// lastActor 最近一次迁移的 Agent
func lastActor(task *model.Task) string {
	if len(task.History) == 0 {
		return ""
	}
	return task.History[len(task.History)-1].AgentID
}

var _ registry.TaskReleaser = (*Dispatcher)(nil)
var _ registry.HeartbeatHooks = (*Dispatcher)(nil)
