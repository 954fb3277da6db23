// Package server 协调器 HTTP 入口与进程生命周期
//
// 本包把各领域包装配成一个协调器进程：
//   - common.go: Handler 定义与依赖装配
//   - handler.go: 路由与中间件
//   - events.go: 执行事件 WebSocket 网关
//   - monitor.go: 实体统计与指标刷新
//   - runs.go: 选主与后台循环
package server

import (
	"encoding/json"
	"net/http"
	"sync/atomic"

	"github.com/google/uuid"

	"fleet-coordinator/internal/apiserver/dispatcher"
	"fleet-coordinator/internal/apiserver/mailbox"
	"fleet-coordinator/internal/apiserver/metrics"
	"fleet-coordinator/internal/apiserver/registry"
	"fleet-coordinator/internal/apiserver/scenario"
	"fleet-coordinator/internal/config"
	"fleet-coordinator/internal/shared/clock"
	"fleet-coordinator/internal/shared/infra"
	"fleet-coordinator/internal/shared/lock"
	"fleet-coordinator/internal/shared/objstore"
	"fleet-coordinator/internal/shared/storage"
)

// Deps 协调器依赖
//
// Scripts、Leader、Clock、Metrics 可为 nil：未配置 MinIO 时不启用脚本存储，
// 未配置 etcd 时单实例永远是 leader。
type Deps struct {
	Config  *config.Config
	Store   storage.PersistentStore
	Infra   *infra.Infrastructure
	Scripts objstore.ScriptStore
	Leader  lock.Leadership
	Clock   clock.Clock
	Metrics *metrics.Metrics
}

// Handler 协调器入口
//
// 持有全部领域服务，负责路由请求和运行后台循环。
type Handler struct {
	cfg     *config.Config
	store   storage.PersistentStore
	infra   *infra.Infrastructure
	clock   clock.Clock
	metrics *metrics.Metrics

	leader  lock.Leadership
	leading atomic.Bool

	registry   *registry.Registry
	mailbox    *mailbox.Service
	dispatcher *dispatcher.Dispatcher
	scenarios  *scenario.Service
	executor   *scenario.Executor
	gateway    *EventGateway
}

// NewHandler 装配全部领域服务
func NewHandler(deps Deps) *Handler {
	cfg := deps.Config
	if cfg == nil {
		cfg = &config.Config{}
	}
	cfg.Validate()

	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	leader := deps.Leader
	if leader == nil {
		leader = lock.NewLocal()
	}
	inf := deps.Infra
	if inf == nil {
		inf = infra.NewMemoryInfra()
	}

	h := &Handler{
		cfg:     cfg,
		store:   deps.Store,
		infra:   inf,
		clock:   clk,
		metrics: deps.Metrics,
		leader:  leader,
	}

	h.registry = registry.New(deps.Store, clk, cfg.Registry, deps.Metrics)
	h.mailbox = mailbox.New(h.registry, inf.Cache, deps.Scripts, clk, deps.Metrics)
	h.dispatcher = dispatcher.New(cfg.Dispatcher, dispatcher.Deps{
		Tasks:    deps.Store,
		Agents:   deps.Store,
		Registry: h.registry,
		Queue:    inf.Queue,
		Events:   inf.EventBus,
		Commands: h.mailbox,
		Clock:    clk,
		Metrics:  deps.Metrics,
	})
	h.scenarios = scenario.NewService(deps.Store, clk)
	// node_id 可能在多个实例间重复，追加随机后缀区分执行归属
	h.executor = scenario.NewExecutor(cfg.Executor, scenario.ExecutorDeps{
		Owner:      cfg.Dispatcher.NodeID + "/" + uuid.NewString()[:8],
		Scenarios:  h.scenarios,
		Executions: deps.Store,
		Tasks:      h.dispatcher,
		Agents:     h.registry,
		Events:     inf.EventBus,
		Clock:      clk,
		Metrics:    deps.Metrics,
	})
	h.gateway = NewEventGateway(h.executor, inf.EventBus, deps.Metrics)
	return h
}

// Registry 返回 Agent 注册表
func (h *Handler) Registry() *registry.Registry { return h.registry }

// Dispatcher 返回任务调度器
func (h *Handler) Dispatcher() *dispatcher.Dispatcher { return h.dispatcher }

// Scenarios 返回场景管理服务
func (h *Handler) Scenarios() *scenario.Service { return h.scenarios }

// Executor 返回场景执行器
func (h *Handler) Executor() *scenario.Executor { return h.executor }

// Mailbox 返回命令邮箱服务
func (h *Handler) Mailbox() *mailbox.Service { return h.mailbox }

// IsLeader 当前实例是否持有 leader 身份
func (h *Handler) IsLeader() bool {
	return h.leading.Load()
}

// writeJSON 将数据以 JSON 格式写入 HTTP 响应
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError 将错误信息以 JSON 格式写入 HTTP 响应
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// Health 健康检查接口
//
// 路由: GET /health
//
// 所有实例都返回 200；leader 字段标识当前实例是否运行后台循环。
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "ok",
		"leader":            h.IsLeader(),
		"backend":           h.infra.Backend,
		"active_executions": h.executor.Active(),
	})
}
