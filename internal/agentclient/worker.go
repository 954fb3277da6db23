package agentclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"fleet-coordinator/internal/apiserver/mailbox"
	"fleet-coordinator/internal/config"
	"fleet-coordinator/internal/shared/model"
)

// Worker 模拟 Agent：注册、心跳、拉取任务、模拟执行并回报结果
//
// 心跳响应中的指令只记录日志；cancel_task 会中断正在模拟的同名任务。
type Worker struct {
	client     *Client
	cfg        config.AgentConfig
	credential string
	agent      *AgentClient

	randMu sync.Mutex
	rand   *rand.Rand

	mu            sync.Mutex
	currentTask   string
	cancelCurrent context.CancelFunc

	// OnCommand 每条指令处理后回调（可为 nil）
	OnCommand func(cmd *model.Command)
}

// NewWorker 创建模拟 Agent；credential 为空时使用协调器签发的凭证
func NewWorker(client *Client, cfg config.AgentConfig, credential string) *Worker {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	return &Worker{
		client:     client,
		cfg:        cfg,
		credential: credential,
		rand:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Register 向协调器注册
func (w *Worker) Register(ctx context.Context) error {
	resp, err := w.client.Register(ctx, &model.RegisterRequest{
		AgentID:    w.cfg.ID,
		Credential: w.credential,
		Metadata:   w.cfg.Metadata,
	})
	if err != nil {
		return fmt.Errorf("register %s: %w", w.cfg.ID, err)
	}
	if resp.IssuedCredential != "" {
		w.credential = resp.IssuedCredential
	}
	w.agent = w.client.ForAgent(w.cfg.ID, w.credential)
	log.Printf("[agent.registered] agent_id=%s issued=%v", w.cfg.ID, resp.IssuedCredential != "")
	return nil
}

// Credential 当前使用的凭证
func (w *Worker) Credential() string {
	return w.credential
}

// Run 注册后运行心跳与任务循环，直到 ctx 取消
func (w *Worker) Run(ctx context.Context) error {
	if err := w.Register(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		w.loop(ctx, w.cfg.HeartbeatInterval, func() error { return w.Heartbeat(ctx) })
	}()
	go func() {
		defer wg.Done()
		w.loop(ctx, w.cfg.PollInterval, func() error {
			_, err := w.PollOnce(ctx)
			return err
		})
	}()
	wg.Wait()
	log.Printf("[agent.stopped] agent_id=%s", w.cfg.ID)
	return nil
}

func (w *Worker) loop(ctx context.Context, interval time.Duration, fn func() error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := fn(); err != nil && ctx.Err() == nil {
			log.Printf("[agent.loop] ERROR: agent_id=%s: %v", w.cfg.ID, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Heartbeat 发送一次心跳并处理返回的指令
func (w *Worker) Heartbeat(ctx context.Context) error {
	w.mu.Lock()
	current := w.currentTask
	w.mu.Unlock()

	req := &model.HeartbeatRequest{Status: model.AgentStatusOnline, Timestamp: time.Now()}
	if current != "" {
		req.Status = model.AgentStatusBusy
		req.CurrentTaskID = &current
	}
	resp, err := w.agent.Heartbeat(ctx, req)
	if err != nil {
		return err
	}
	for _, cmd := range resp.Commands {
		w.handleCommand(cmd)
	}
	return nil
}

func (w *Worker) handleCommand(cmd *model.Command) {
	switch cmd.Kind {
	case model.CommandCancelTask:
		taskID := cmd.Args[mailbox.ArgTaskID]
		w.mu.Lock()
		if taskID != "" && taskID == w.currentTask && w.cancelCurrent != nil {
			w.cancelCurrent()
		}
		w.mu.Unlock()
		log.Printf("[agent.command.cancel_task] agent_id=%s task_id=%s", w.cfg.ID, taskID)
	case model.CommandReloadScript:
		log.Printf("[agent.command.reload_script] agent_id=%s url=%s", w.cfg.ID, cmd.Args[mailbox.ArgURL])
	default:
		log.Printf("[agent.command] agent_id=%s kind=%s args=%v", w.cfg.ID, cmd.Kind, cmd.Args)
	}
	if w.OnCommand != nil {
		w.OnCommand(cmd)
	}
}

// PollOnce 拉取并执行一个任务；没有任务时返回 false
func (w *Worker) PollOnce(ctx context.Context) (bool, error) {
	task, err := w.agent.FetchTask(ctx)
	if err != nil || task == nil {
		return false, err
	}

	taskCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.currentTask = task.ID
	w.cancelCurrent = cancel
	w.mu.Unlock()
	defer func() {
		cancel()
		w.mu.Lock()
		w.currentTask = ""
		w.cancelCurrent = nil
		w.mu.Unlock()
	}()

	log.Printf("[agent.task.started] agent_id=%s task_id=%s type=%s", w.cfg.ID, task.ID, task.Type)
	report := w.simulate(taskCtx, task)
	if taskCtx.Err() != nil && ctx.Err() == nil {
		// 被 cancel_task 中断，协调器侧已是终态
		log.Printf("[agent.task.aborted] agent_id=%s task_id=%s", w.cfg.ID, task.ID)
		return true, nil
	}

	accepted, err := w.agent.ReportResult(ctx, report)
	if err != nil {
		return true, fmt.Errorf("report task %s: %w", task.ID, err)
	}
	log.Printf("[agent.task.reported] agent_id=%s task_id=%s status=%s accepted=%v",
		w.cfg.ID, task.ID, report.Status, accepted)
	return true, nil
}

// simulate 按任务类型模拟执行
func (w *Worker) simulate(ctx context.Context, task *model.TaskView) *model.TaskReport {
	report := &model.TaskReport{TaskID: task.ID, Status: model.TaskStatusCompleted}

	if task.Payload.Wait != nil && task.Payload.Wait.Seconds > 0 {
		select {
		case <-ctx.Done():
			report.Status = model.TaskStatusFailed
			report.Error = "interrupted"
			return report
		case <-time.After(time.Duration(task.Payload.Wait.Seconds) * time.Second):
		}
	}

	if w.shouldFail() {
		report.Status = model.TaskStatusFailed
		report.Error = "simulated failure"
		return report
	}
	report.Result, _ = json.Marshal(map[string]interface{}{
		"agent_id":  w.cfg.ID,
		"type":      task.Type,
		"simulated": true,
	})
	return report
}

func (w *Worker) shouldFail() bool {
	if w.cfg.FailRate <= 0 {
		return false
	}
	w.randMu.Lock()
	defer w.randMu.Unlock()
	return w.rand.Float64() < w.cfg.FailRate
}
