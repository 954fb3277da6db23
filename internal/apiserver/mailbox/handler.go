package mailbox

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"fleet-coordinator/internal/apiserver/registry"
	"fleet-coordinator/internal/shared/model"
	"fleet-coordinator/internal/shared/objstore"
)

// maxScriptSize 单个脚本上传上限
const maxScriptSize = 8 << 20

// Handler 邮箱与脚本 HTTP 处理器
type Handler struct {
	svc *Service
}

// NewHandler 创建处理器
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/agents/{id}/commands", h.Enqueue)
	mux.HandleFunc("GET /api/v1/agents/{id}/commands/pending", h.Pending)
	mux.HandleFunc("PUT /api/v1/scripts/{name}", h.UploadScript)
}

// EnqueueRequest 投递指令请求体
type EnqueueRequest struct {
	Kind model.CommandKind `json:"kind"`
	Args map[string]string `json:"args,omitempty"`
}

// Enqueue 投递指令
// POST /api/v1/agents/{id}/commands
func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	cmd, err := h.svc.Enqueue(r.Context(), r.PathValue("id"), req.Kind, req.Args)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cmd)
}

// Pending 查询待送达指令数
// GET /api/v1/agents/{id}/commands/pending
func (h *Handler) Pending(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.Pending(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"pending": n})
}

// UploadScript 上传脚本，请求体即脚本内容
// PUT /api/v1/scripts/{name}
func (h *Handler) UploadScript(w http.ResponseWriter, r *http.Request) {
	if h.svc.scripts == nil {
		writeError(w, http.StatusServiceUnavailable, ErrScriptStoreDisabled.Error())
		return
	}
	name := r.PathValue("name")
	if r.ContentLength > maxScriptSize {
		writeError(w, http.StatusRequestEntityTooLarge, "script too large")
		return
	}

	body := http.MaxBytesReader(w, r.Body, maxScriptSize)
	if err := h.svc.scripts.UploadScript(r.Context(), name, body, r.ContentLength); err != nil {
		writeServiceError(w, err)
		return
	}
	log.Printf("[mailbox.script.uploaded] name=%s size=%d", name, r.ContentLength)
	writeJSON(w, http.StatusCreated, map[string]string{"name": name})
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidCommand), errors.Is(err, objstore.ErrInvalidScriptName):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, objstore.ErrScriptNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrScriptStoreDisabled):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		registry.WriteError(w, err)
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
