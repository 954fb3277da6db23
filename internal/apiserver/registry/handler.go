package registry

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"fleet-coordinator/internal/shared/model"
)

// HeartbeatHooks 心跳后由调度器执行的动作
type HeartbeatHooks interface {
	// MarkStarted Agent 确认正在执行协调器分配的任务：assigned → in_progress
	MarkStarted(ctx context.Context, taskID, agentID string) error
	// NotifyIdle Agent 空闲，触发一次调度
	NotifyIdle(ctx context.Context, agentID string)
}

// CommandDrainer 取出 Agent 邮箱中的全部指令
type CommandDrainer interface {
	Drain(ctx context.Context, agentID string) ([]*model.Command, error)
}

// Handler Agent 注册与心跳 HTTP 处理器
type Handler struct {
	registry *Registry
	hooks    HeartbeatHooks
	drainer  CommandDrainer
}

// NewHandler 创建处理器；hooks 可为 nil
func NewHandler(reg *Registry, hooks HeartbeatHooks, drainer CommandDrainer) *Handler {
	return &Handler{registry: reg, hooks: hooks, drainer: drainer}
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Agent 侧
	mux.HandleFunc("POST /agents/register", h.Register)
	mux.HandleFunc("POST /agents/{id}/heartbeat", RequireAgent(h.registry, h.Heartbeat))

	// 运维侧（只读）
	mux.HandleFunc("GET /api/v1/agents", h.List)
	mux.HandleFunc("GET /api/v1/agents/{id}", h.Get)
}

// AgentHandlerFunc 已通过凭证校验的 Agent 请求处理函数
type AgentHandlerFunc func(w http.ResponseWriter, r *http.Request, agent *model.Agent)

// RequireAgent 校验路径中的 Agent ID 与 X-Agent-Credential 头
func RequireAgent(reg *Registry, next AgentHandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agentID := r.PathValue("id")
		agent, err := reg.Authenticate(r.Context(), agentID, r.Header.Get(model.HeaderAgentCredential))
		if err != nil {
			if errors.Is(err, ErrInvalidCredential) {
				log.Printf("[registry.auth] rejected agent_id=%s remote=%s", agentID, r.RemoteAddr)
			}
			WriteError(w, err)
			return
		}
		next(w, r, agent)
	}
}

// ============================================================================
// Agent 侧
// ============================================================================

// Register 注册 Agent
// POST /agents/register
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req model.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := h.registry.Register(r.Context(), &req)
	if err != nil {
		if errors.Is(err, ErrDuplicateRegistration) {
			writeJSON(w, http.StatusConflict, &model.RegisterResponse{Accepted: false, Error: err.Error()})
			return
		}
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Heartbeat 处理心跳，响应中携带邮箱内的全部指令
// POST /agents/{id}/heartbeat
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request, _ *model.Agent) {
	agentID := r.PathValue("id")
	var req model.HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx := r.Context()
	agent, err := h.registry.Heartbeat(ctx, agentID, &req)
	if err != nil {
		WriteError(w, err)
		return
	}

	if h.hooks != nil {
		if req.CurrentTaskID != nil && agent.HoldsTask(*req.CurrentTaskID) {
			if err := h.hooks.MarkStarted(ctx, *req.CurrentTaskID, agentID); err != nil {
				log.Printf("[registry.heartbeat] WARNING: mark started task_id=%s agent_id=%s: %v",
					*req.CurrentTaskID, agentID, err)
			}
		}
		if agent.IsIdle() {
			h.hooks.NotifyIdle(ctx, agentID)
		}
	}

	commands := []*model.Command{}
	if h.drainer != nil {
		if commands, err = h.drainer.Drain(ctx, agentID); err != nil {
			log.Printf("[registry.heartbeat] ERROR: drain mailbox agent_id=%s: %v", agentID, err)
			writeError(w, http.StatusInternalServerError, "failed to drain commands")
			return
		}
	}
	writeJSON(w, http.StatusOK, &model.HeartbeatResponse{Status: "ok", Commands: commands})
}

// ============================================================================
// 运维侧
// ============================================================================

// List 列出全部 Agent
// GET /api/v1/agents
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	agents, err := h.registry.List(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}
	if agents == nil {
		agents = []*model.Agent{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"agents": agents, "count": len(agents)})
}

// Get 获取 Agent
// GET /api/v1/agents/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	agent, err := h.registry.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

// ============================================================================
// 响应工具
// ============================================================================

// WriteError 按注册表错误类型写入 HTTP 错误
func WriteError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrUnknownAgent):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrDuplicateRegistration):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidCredential):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, ErrInvalidAgentID), errors.Is(err, ErrInvalidStatus):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		log.Printf("[registry.http] ERROR: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// writeJSON 写入 JSON 响应
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError 写入错误响应
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
