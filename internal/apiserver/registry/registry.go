// Package registry Agent 注册表
//
// 负责 Agent 的注册、心跳与存活扫描：
//   - Register：首次注册签发凭证（只保存 bcrypt 哈希），相同凭证重复注册视为幂等
//   - Heartbeat：无条件刷新 last_active_at；协调器持有任务时以协调器视图为准
//   - Sweep：心跳超时的 Agent 标记为 offline，其持有的任务交回调度器重新排队
//   - ListAvailable / FindAvailable：供调度器选取空闲 Agent
//
// 注册表本身不持有任何内存状态，所有判断都基于存储层的条件写入，多实例部署时语义一致。
package registry

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"fleet-coordinator/internal/apiserver/metrics"
	"fleet-coordinator/internal/config"
	"fleet-coordinator/internal/shared/clock"
	"fleet-coordinator/internal/shared/model"
	"fleet-coordinator/internal/shared/storage"

	"golang.org/x/crypto/bcrypt"
)

// ReasonAgentOffline 扫描回收任务时记录的原因
const ReasonAgentOffline = "agent_offline"

// TaskReleaser 回收离线 Agent 持有的任务（由调度器实现）
//
// 返回 false 表示任务已不在活动状态，无需回收。
type TaskReleaser interface {
	RequeueTask(ctx context.Context, taskID, agentID, reason string) (bool, error)
}

// SweepResult 一次扫描的结果
type SweepResult struct {
	Offline   []string `json:"offline"`
	Reclaimed []string `json:"reclaimed"`
}

// Registry Agent 注册表
type Registry struct {
	store   storage.AgentStore
	clock   clock.Clock
	cfg     config.RegistryConfig
	metrics *metrics.Metrics

	releaserMu sync.RWMutex
	releaser   TaskReleaser

	sweepMu sync.Mutex

	// 已验证凭证的摘要缓存，避免每次心跳都做 bcrypt 比较
	verifiedMu sync.Mutex
	verified   map[string]verifiedCredential
}

type verifiedCredential struct {
	hash   string
	digest [sha256.Size]byte
}

// New 创建注册表
func New(store storage.AgentStore, clk clock.Clock, cfg config.RegistryConfig, m *metrics.Metrics) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.BcryptCost <= 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	return &Registry{
		store:    store,
		clock:    clk,
		cfg:      cfg,
		metrics:  m,
		verified: make(map[string]verifiedCredential),
	}
}

// SetReleaser 设置任务回收器（调度器创建后注入）
func (r *Registry) SetReleaser(rel TaskReleaser) {
	r.releaserMu.Lock()
	defer r.releaserMu.Unlock()
	r.releaser = rel
}

func (r *Registry) taskReleaser() TaskReleaser {
	r.releaserMu.RLock()
	defer r.releaserMu.RUnlock()
	return r.releaser
}

// HeartbeatTimeout 心跳超时时长
func (r *Registry) HeartbeatTimeout() time.Duration {
	return r.cfg.HeartbeatTimeout
}

// ============================================================================
// 注册
// ============================================================================

// Register 注册 Agent
//
// 未提供凭证时签发随机凭证并在响应中返回；同 ID 不同凭证返回 ErrDuplicateRegistration。
func (r *Registry) Register(ctx context.Context, req *model.RegisterRequest) (*model.RegisterResponse, error) {
	if err := validateAgentID(req.AgentID); err != nil {
		return nil, err
	}

	existing, err := r.store.GetAgent(ctx, req.AgentID)
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	if existing != nil {
		return r.reregister(ctx, existing, req)
	}

	credential, issued := req.Credential, ""
	if credential == "" {
		if credential, err = generateCredential(); err != nil {
			return nil, err
		}
		issued = credential
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(credential), r.cfg.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash credential: %w", err)
	}

	now := r.clock.Now()
	agent := &model.Agent{
		ID:             req.AgentID,
		Status:         model.AgentStatusOnline,
		LastActiveAt:   now,
		CredentialHash: string(hash),
		Metadata:       req.Metadata,
		RegisteredAt:   now,
		UpdatedAt:      now,
	}
	if err := r.store.CreateAgent(ctx, agent); err != nil {
		if !errors.Is(err, storage.ErrDuplicate) {
			return nil, fmt.Errorf("create agent: %w", err)
		}
		// 并发注册同一 ID：按重复注册处理
		existing, gerr := r.store.GetAgent(ctx, req.AgentID)
		if gerr != nil || existing == nil {
			return nil, fmt.Errorf("create agent: %w", err)
		}
		return r.reregister(ctx, existing, req)
	}

	log.Printf("[registry.agent.registered] agent_id=%s issued_credential=%t roles=%v",
		agent.ID, issued != "", agent.Roles())
	return &model.RegisterResponse{Accepted: true, IssuedCredential: issued}, nil
}

func (r *Registry) reregister(ctx context.Context, existing *model.Agent, req *model.RegisterRequest) (*model.RegisterResponse, error) {
	if req.Credential == "" || !r.checkCredential(existing, req.Credential) {
		log.Printf("[registry.agent.register_rejected] agent_id=%s reason=credential_mismatch", existing.ID)
		return nil, ErrDuplicateRegistration
	}

	now := r.clock.Now()
	prev := existing.Status
	if req.Metadata != nil {
		existing.Metadata = req.Metadata
	}
	existing.LastActiveAt = now
	existing.UpdatedAt = now
	if err := r.store.UpdateAgentRegistration(ctx, existing); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrUnknownAgent
		}
		return nil, fmt.Errorf("update registration: %w", err)
	}

	log.Printf("[registry.agent.reregistered] agent_id=%s previous_status=%s", existing.ID, prev)
	return &model.RegisterResponse{Accepted: true}, nil
}

// Authenticate 校验 Agent 凭证
func (r *Registry) Authenticate(ctx context.Context, agentID, credential string) (*model.Agent, error) {
	agent, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	if agent == nil {
		return nil, ErrUnknownAgent
	}
	if credential == "" || !r.checkCredential(agent, credential) {
		return nil, ErrInvalidCredential
	}
	return agent, nil
}

func (r *Registry) checkCredential(agent *model.Agent, credential string) bool {
	digest := sha256.Sum256([]byte(credential))

	r.verifiedMu.Lock()
	cached, ok := r.verified[agent.ID]
	r.verifiedMu.Unlock()
	if ok && cached.hash == agent.CredentialHash {
		return subtle.ConstantTimeCompare(cached.digest[:], digest[:]) == 1
	}

	if bcrypt.CompareHashAndPassword([]byte(agent.CredentialHash), []byte(credential)) != nil {
		return false
	}
	r.verifiedMu.Lock()
	r.verified[agent.ID] = verifiedCredential{hash: agent.CredentialHash, digest: digest}
	r.verifiedMu.Unlock()
	return true
}

// ============================================================================
// 心跳
// ============================================================================

// Heartbeat 处理 Agent 心跳
//
// last_active_at 以协调器时钟为准；上报状态为空时视为 online。
// 协调器持有任务时忽略上报状态（存储层保证），上报的 current_task_id 与协调器不一致时只记录日志。
func (r *Registry) Heartbeat(ctx context.Context, agentID string, req *model.HeartbeatRequest) (*model.Agent, error) {
	reported := req.Status
	if reported == "" {
		reported = model.AgentStatusOnline
	}
	if !reported.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, req.Status)
	}

	now := r.clock.Now()
	if err := r.store.RecordHeartbeat(ctx, agentID, reported, now); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrUnknownAgent
		}
		return nil, fmt.Errorf("record heartbeat: %w", err)
	}

	agent, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	if agent == nil {
		return nil, ErrUnknownAgent
	}

	if held, claimed := derefTaskID(agent.CurrentTaskID), derefTaskID(req.CurrentTaskID); held != claimed {
		log.Printf("[registry.heartbeat.task_mismatch] agent_id=%s coordinator_task=%q reported_task=%q",
			agentID, held, claimed)
	}
	if !req.Timestamp.IsZero() {
		if skew := now.Sub(req.Timestamp); skew > r.cfg.HeartbeatTimeout || -skew > r.cfg.HeartbeatTimeout {
			log.Printf("[registry.heartbeat.clock_skew] agent_id=%s skew=%s", agentID, skew)
		}
	}
	return agent, nil
}

// ============================================================================
// 存活扫描
// ============================================================================

// Sweep 将心跳超时的 Agent 标记为离线并回收其任务
//
// 幂等：连续执行两次、期间无心跳，结果与执行一次相同。
func (r *Registry) Sweep(ctx context.Context) (*SweepResult, error) {
	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()

	now := r.clock.Now()
	cutoff := now.Add(-r.cfg.HeartbeatTimeout)

	agents, err := r.store.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}

	res := &SweepResult{}
	releaser := r.taskReleaser()
	for _, a := range agents {
		if !a.LastActiveAt.Before(cutoff) {
			continue
		}

		if a.Status != model.AgentStatusOffline {
			if err := r.store.MarkAgentOffline(ctx, a.ID, cutoff, now); err != nil {
				if !errors.Is(err, storage.ErrConflict) {
					log.Printf("[registry.sweep] ERROR: mark offline agent_id=%s: %v", a.ID, err)
				}
				continue
			}
			res.Offline = append(res.Offline, a.ID)
			log.Printf("[registry.sweep.offline] agent_id=%s last_active_at=%s",
				a.ID, a.LastActiveAt.Format(time.RFC3339))
		}

		if a.CurrentTaskID == nil || releaser == nil {
			continue
		}
		taskID := *a.CurrentTaskID
		requeued, err := releaser.RequeueTask(ctx, taskID, a.ID, ReasonAgentOffline)
		if err != nil {
			log.Printf("[registry.sweep.reclaim] ERROR: agent_id=%s task_id=%s: %v", a.ID, taskID, err)
			continue
		}
		if requeued {
			res.Reclaimed = append(res.Reclaimed, taskID)
			log.Printf("[registry.sweep.reclaim] agent_id=%s task_id=%s from=assigned to=pending", a.ID, taskID)
		}
	}

	r.metrics.RecordSweep(len(res.Offline), len(res.Reclaimed))
	return res, nil
}

// Run 按 sweep_interval 周期扫描，直到 ctx 取消
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	log.Printf("[registry.sweeper.started] interval=%s timeout=%s", r.cfg.SweepInterval, r.cfg.HeartbeatTimeout)
	for {
		select {
		case <-ctx.Done():
			log.Println("[registry.sweeper.stopped]")
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				log.Printf("[registry.sweep] ERROR: %v", err)
			}
		}
	}
}

// ============================================================================
// 查询
// ============================================================================

// Get 获取 Agent，不存在返回 ErrUnknownAgent
func (r *Registry) Get(ctx context.Context, agentID string) (*model.Agent, error) {
	agent, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, ErrUnknownAgent
	}
	return agent, nil
}

// List 列出全部 Agent
func (r *Registry) List(ctx context.Context) ([]*model.Agent, error) {
	return r.store.ListAgents(ctx)
}

// ListAvailable 返回在线且空闲、未超时的 Agent，空闲最久的在前
func (r *Registry) ListAvailable(ctx context.Context) ([]*model.Agent, error) {
	agents, err := r.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := r.clock.Now().Add(-r.cfg.HeartbeatTimeout)
	available := make([]*model.Agent, 0, len(agents))
	for _, a := range agents {
		if a.IsIdle() && !a.LastActiveAt.Before(cutoff) {
			available = append(available, a)
		}
	}
	model.SortAgentsByLastActive(available)
	return available, nil
}

// FindAvailable 返回第一个满足 match 的空闲 Agent；match 为 nil 时不过滤。没有时返回 nil
func (r *Registry) FindAvailable(ctx context.Context, match func(*model.Agent) bool) (*model.Agent, error) {
	agents, err := r.ListAvailable(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range agents {
		if match == nil || match(a) {
			return a, nil
		}
	}
	return nil, nil
}

// ============================================================================
// 工具函数
// ============================================================================

func validateAgentID(id string) error {
	if id == "" || len(id) > 128 || strings.ContainsAny(id, "/?# \t\r\n") {
		return fmt.Errorf("%w: %q", ErrInvalidAgentID, id)
	}
	return nil
}

// generateCredential 生成 32 字节随机凭证（hex 编码）
func generateCredential() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate credential: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func derefTaskID(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
