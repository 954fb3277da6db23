package dispatcher

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"fleet-coordinator/internal/apiserver/registry"
	"fleet-coordinator/internal/shared/model"
)

// Handler 任务 HTTP 处理器
type Handler struct {
	dispatcher *Dispatcher
	registry   *registry.Registry
}

// NewHandler 创建处理器
func NewHandler(d *Dispatcher, reg *registry.Registry) *Handler {
	return &Handler{dispatcher: d, registry: reg}
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Agent 侧
	mux.HandleFunc("GET /agents/{id}/task", registry.RequireAgent(h.registry, h.FetchTask))
	mux.HandleFunc("POST /agents/{id}/task/result", registry.RequireAgent(h.registry, h.ReportResult))

	// 运维侧
	mux.HandleFunc("GET /api/v1/tasks", h.List)
	mux.HandleFunc("POST /api/v1/tasks", h.Submit)
	mux.HandleFunc("GET /api/v1/tasks/{id}", h.Get)
	mux.HandleFunc("POST /api/v1/tasks/{id}/cancel", h.Cancel)
	mux.HandleFunc("POST /api/v1/dispatch/tick", h.Tick)
}

// ============================================================================
// Agent 侧
// ============================================================================

// FetchTask 获取分配给自己的任务，没有任务时 task 为 null
// GET /agents/{id}/task
func (h *Handler) FetchTask(w http.ResponseWriter, r *http.Request, agent *model.Agent) {
	task, err := h.dispatcher.CurrentTask(r.Context(), agent.ID)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	resp := model.TaskFetchResponse{}
	if task != nil {
		resp.Task = task.View()
	}
	writeJSON(w, http.StatusOK, resp)
}

// ReportResult 上报任务结果
// POST /agents/{id}/task/result
func (h *Handler) ReportResult(w http.ResponseWriter, r *http.Request, agent *model.Agent) {
	var report model.TaskReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	accepted, err := h.dispatcher.ReportResult(r.Context(), agent.ID, &report)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model.ResultResponse{Accepted: accepted})
}

// ============================================================================
// 运维侧
// ============================================================================

// Submit 提交任务
// POST /api/v1/tasks
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	task, err := h.dispatcher.Submit(r.Context(), &req)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

// List 列出任务
// GET /api/v1/tasks?status=pending&agent_id=a1&execution_id=e1&limit=50&offset=0
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.TaskFilter{
		Status:      model.TaskStatus(q.Get("status")),
		AgentID:     q.Get("agent_id"),
		ExecutionID: q.Get("execution_id"),
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			filter.Offset = n
		}
	}

	tasks, err := h.dispatcher.List(r.Context(), filter)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*model.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks, "count": len(tasks)})
}

// Get 获取任务
// GET /api/v1/tasks/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	task, err := h.dispatcher.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// Cancel 取消任务
// POST /api/v1/tasks/{id}/cancel
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	task, err := h.dispatcher.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// Tick 手动触发一次调度
// POST /api/v1/dispatch/tick
func (h *Handler) Tick(w http.ResponseWriter, r *http.Request) {
	res, err := h.dispatcher.DispatchTick(r.Context())
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ============================================================================
// 响应工具
// ============================================================================

func writeDispatchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrTaskNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidTask), errors.Is(err, ErrInvalidResult):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrAgentMismatch), errors.Is(err, ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, registry.ErrUnknownAgent):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		log.Printf("[dispatcher.http] ERROR: %v", err)
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
