// Package mailbox Agent 命令邮箱服务
//
// 运维方（或调度器取消任务时）向指定 Agent 投递控制指令，指令在该 Agent 下一次心跳响应中
// 一次性送达。投递为至多一次：心跳响应丢失时指令随之丢失，需要调用方重新投递。
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"fleet-coordinator/internal/apiserver/metrics"
	"fleet-coordinator/internal/apiserver/registry"
	"fleet-coordinator/internal/shared/cache"
	"fleet-coordinator/internal/shared/clock"
	"fleet-coordinator/internal/shared/model"
	"fleet-coordinator/internal/shared/objstore"
)

// reload_script 指令参数
const (
	ArgScript = "script" // 对象存储中的脚本名，投递时解析为 ArgURL
	ArgURL    = "url"    // 脚本下载地址
	ArgTaskID = "task_id"
)

var (
	// ErrInvalidCommand 指令类型或参数不合法
	ErrInvalidCommand = errors.New("invalid command")

	// ErrScriptStoreDisabled 未配置对象存储，无法解析脚本名
	ErrScriptStoreDisabled = errors.New("script store is not configured")
)

// AgentLookup 校验目标 Agent 是否已注册
type AgentLookup interface {
	Get(ctx context.Context, agentID string) (*model.Agent, error)
}

// Service 命令邮箱服务
type Service struct {
	agents  AgentLookup
	mailbox cache.CommandMailbox
	scripts objstore.ScriptStore
	clock   clock.Clock
	metrics *metrics.Metrics
}

// New 创建邮箱服务；scripts 为 nil 时 reload_script 只接受直接给出的 URL
func New(agents AgentLookup, mb cache.CommandMailbox, scripts objstore.ScriptStore, clk clock.Clock, m *metrics.Metrics) *Service {
	if clk == nil {
		clk = clock.New()
	}
	return &Service{agents: agents, mailbox: mb, scripts: scripts, clock: clk, metrics: m}
}

// Scripts 返回脚本存储（未配置时为 nil）
func (s *Service) Scripts() objstore.ScriptStore {
	return s.scripts
}

// Enqueue 向 Agent 投递一条指令
func (s *Service) Enqueue(ctx context.Context, agentID string, kind model.CommandKind, args map[string]string) (*model.Command, error) {
	if !kind.IsValid() {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidCommand, kind)
	}
	if _, err := s.agents.Get(ctx, agentID); err != nil {
		return nil, err
	}

	cmdArgs := make(map[string]string, len(args))
	for k, v := range args {
		cmdArgs[k] = v
	}
	if kind == model.CommandReloadScript {
		if err := s.resolveScript(ctx, cmdArgs); err != nil {
			return nil, err
		}
	}

	cmd := &model.Command{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Kind:      kind,
		Args:      cmdArgs,
		CreatedAt: s.clock.Now(),
	}
	if err := s.mailbox.PushCommand(ctx, agentID, cmd); err != nil {
		return nil, fmt.Errorf("push command: %w", err)
	}

	s.metrics.RecordCommand(string(kind))
	log.Printf("[mailbox.command.enqueued] agent_id=%s command_id=%s kind=%s", agentID, cmd.ID, kind)
	return cmd, nil
}

// resolveScript 将脚本名解析为预签名 URL
func (s *Service) resolveScript(ctx context.Context, args map[string]string) error {
	if args[ArgURL] != "" {
		return nil
	}
	name := args[ArgScript]
	if name == "" {
		return fmt.Errorf("%w: reload_script requires %q or %q", ErrInvalidCommand, ArgURL, ArgScript)
	}
	if s.scripts == nil {
		return ErrScriptStoreDisabled
	}
	url, err := s.scripts.PresignScript(ctx, name)
	if err != nil {
		return err
	}
	args[ArgURL] = url
	return nil
}

// Drain 取出并清空 Agent 的全部指令（按投递顺序）
func (s *Service) Drain(ctx context.Context, agentID string) ([]*model.Command, error) {
	cmds, err := s.mailbox.DrainCommands(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if len(cmds) > 0 {
		log.Printf("[mailbox.command.drained] agent_id=%s count=%d", agentID, len(cmds))
	}
	return cmds, nil
}

// Pending 待送达指令数
func (s *Service) Pending(ctx context.Context, agentID string) (int64, error) {
	if _, err := s.agents.Get(ctx, agentID); err != nil {
		return 0, err
	}
	return s.mailbox.PendingCommands(ctx, agentID)
}

// CancelTask 通知 Agent 放弃已取消的任务（建议性）
func (s *Service) CancelTask(ctx context.Context, agentID, taskID string) error {
	_, err := s.Enqueue(ctx, agentID, model.CommandCancelTask, map[string]string{ArgTaskID: taskID})
	if errors.Is(err, registry.ErrUnknownAgent) {
		return nil
	}
	return err
}
