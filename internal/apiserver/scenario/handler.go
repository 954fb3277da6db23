package scenario

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"fleet-coordinator/internal/shared/model"
)

// Handler 场景与执行 HTTP 处理器
type Handler struct {
	scenarios *Service
	executor  *Executor
}

// NewHandler 创建处理器
func NewHandler(scenarios *Service, executor *Executor) *Handler {
	return &Handler{scenarios: scenarios, executor: executor}
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Scenarios
	mux.HandleFunc("GET /api/v1/scenarios", h.ListScenarios)
	mux.HandleFunc("POST /api/v1/scenarios", h.CreateScenario)
	mux.HandleFunc("GET /api/v1/scenarios/{id}", h.GetScenario)
	mux.HandleFunc("PUT /api/v1/scenarios/{id}", h.UpdateScenario)
	mux.HandleFunc("DELETE /api/v1/scenarios/{id}", h.DeleteScenario)
	mux.HandleFunc("POST /api/v1/scenarios/{id}/enable", h.EnableScenario)
	mux.HandleFunc("POST /api/v1/scenarios/{id}/disable", h.DisableScenario)

	// Executions
	mux.HandleFunc("GET /api/v1/executions", h.ListExecutions)
	mux.HandleFunc("POST /api/v1/executions", h.StartExecution)
	mux.HandleFunc("GET /api/v1/executions/{id}", h.GetExecution)
	mux.HandleFunc("POST /api/v1/executions/{id}/cancel", h.CancelExecution)
}

// ============================================================================
// Scenario
// ============================================================================

func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	scenarios, err := h.scenarios.List(r.Context())
	if err != nil {
		writeScenarioError(w, err)
		return
	}
	if scenarios == nil {
		scenarios = []*model.Scenario{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"scenarios": scenarios, "count": len(scenarios)})
}

func (h *Handler) CreateScenario(w http.ResponseWriter, r *http.Request) {
	var req ScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sc, err := h.scenarios.Create(r.Context(), &req)
	if err != nil {
		writeScenarioError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sc)
}

func (h *Handler) GetScenario(w http.ResponseWriter, r *http.Request) {
	sc, err := h.scenarios.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeScenarioError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (h *Handler) UpdateScenario(w http.ResponseWriter, r *http.Request) {
	var req ScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sc, err := h.scenarios.Update(r.Context(), r.PathValue("id"), &req)
	if err != nil {
		writeScenarioError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (h *Handler) DeleteScenario(w http.ResponseWriter, r *http.Request) {
	if err := h.scenarios.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeScenarioError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) EnableScenario(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, true)
}

func (h *Handler) DisableScenario(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, false)
}

func (h *Handler) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	sc, err := h.scenarios.SetEnabled(r.Context(), r.PathValue("id"), enabled)
	if err != nil {
		writeScenarioError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

// ============================================================================
// Execution
// ============================================================================

// ListExecutions 列出执行
// GET /api/v1/executions?status=running
func (h *Handler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	status := model.ExecutionStatus(r.URL.Query().Get("status"))
	execs, err := h.executor.List(r.Context(), status)
	if err != nil {
		writeScenarioError(w, err)
		return
	}
	if execs == nil {
		execs = []*model.Execution{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"executions": execs, "count": len(execs)})
}

// StartExecution 启动执行
// POST /api/v1/executions
func (h *Handler) StartExecution(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	exec, err := h.executor.Start(r.Context(), &req)
	if err != nil {
		writeScenarioError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, exec)
}

func (h *Handler) GetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := h.executor.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeScenarioError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (h *Handler) CancelExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := h.executor.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		writeScenarioError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// ============================================================================
// 响应工具
// ============================================================================

func writeScenarioError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrScenarioNotFound), errors.Is(err, ErrExecutionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrScenarioDisabled), errors.Is(err, ErrExecutionFinished):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrUnmappedRole):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, model.ErrInvalidScenario):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		log.Printf("[scenario.http] ERROR: %v", err)
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
