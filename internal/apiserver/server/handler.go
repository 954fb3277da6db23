package server

import (
	"net/http"

	"fleet-coordinator/internal/apiserver/dispatcher"
	"fleet-coordinator/internal/apiserver/mailbox"
	"fleet-coordinator/internal/apiserver/registry"
	"fleet-coordinator/internal/apiserver/scenario"
)

// Router 返回配置好的 HTTP 路由
//
// 路由规则：
//
// 健康检查与指标:
//   - GET /health
//   - GET /metrics
//
// Agent 侧（除注册外需要 X-Agent-Credential）:
//   - POST /agents/register
//   - POST /agents/{id}/heartbeat
//   - GET  /agents/{id}/task
//   - POST /agents/{id}/task/result
//
// 运维侧:
//   - GET  /api/v1/agents, /api/v1/agents/{id}
//   - POST /api/v1/agents/{id}/commands
//   - GET/POST /api/v1/tasks, GET /api/v1/tasks/{id}, POST /api/v1/tasks/{id}/cancel
//   - GET/POST /api/v1/scenarios 及 /api/v1/scenarios/{id}/...
//   - GET/POST /api/v1/executions 及 /api/v1/executions/{id}/...
//   - PUT  /api/v1/scripts/{name}
//   - GET  /api/v1/monitor/stats
//
// WebSocket:
//   - GET /ws/executions/{id}/events - 执行事件实时推送
func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()

	// 健康检查
	mux.HandleFunc("GET /health", h.Health)

	// Prometheus 指标端点
	mux.Handle("GET /metrics", h.metrics.Handler())

	// Agent 注册与心跳；心跳响应携带邮箱中的指令
	registry.NewHandler(h.registry, h.dispatcher, h.mailbox).RegisterRoutes(mux)

	// 命令邮箱与脚本上传
	mailbox.NewHandler(h.mailbox).RegisterRoutes(mux)

	// 任务提交、取消与 Agent 取任务 / 回报结果
	dispatcher.NewHandler(h.dispatcher, h.registry).RegisterRoutes(mux)

	// 场景与执行
	scenario.NewHandler(h.scenarios, h.executor).RegisterRoutes(mux)

	// 监控
	mux.HandleFunc("GET /api/v1/monitor/stats", h.GetMonitorStats)

	// 应用指标中间件到 REST API
	apiHandler := h.metrics.Middleware(mux)

	// 应用 CORS 中间件
	corsHandler := corsMiddleware(apiHandler)

	// 创建顶层路由，WebSocket 绕过 metrics 中间件（避免 http.Hijacker 问题）
	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /ws/executions/{id}/events", h.gateway.HandleWebSocket)
	topMux.Handle("/", corsHandler)

	return topMux
}

// corsMiddleware 添加 CORS 头支持跨域请求
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Agent-Credential")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
