package server

import (
	"context"
	"log"
	"net/http"
	"time"

	"fleet-coordinator/internal/shared/model"
)

// MonitorStats 监控统计
type MonitorStats struct {
	Agents           map[string]int `json:"agents"`
	Tasks            map[string]int `json:"tasks"`
	Executions       map[string]int `json:"executions"`
	ActiveExecutions int            `json:"active_executions"` // 本实例正在运行的执行循环
	WSConnections    int            `json:"ws_connections"`
	Leader           bool           `json:"leader"`
	CollectedAt      time.Time      `json:"collected_at"`
}

// GetMonitorStats 获取监控统计
//
// 路由: GET /api/v1/monitor/stats
func (h *Handler) GetMonitorStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.collectStats(r.Context())
	if err != nil {
		log.Printf("[monitor.stats] ERROR: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to collect stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// collectStats 按状态统计 Agent、任务与执行
func (h *Handler) collectStats(ctx context.Context) (*MonitorStats, error) {
	stats := &MonitorStats{
		Agents:           map[string]int{},
		Tasks:            map[string]int{},
		Executions:       map[string]int{},
		ActiveExecutions: h.executor.Active(),
		WSConnections:    h.gateway.Connections(),
		Leader:           h.IsLeader(),
		CollectedAt:      h.clock.Now(),
	}

	agents, err := h.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range agents {
		stats.Agents[string(a.Status)]++
	}

	tasks, err := h.store.ListTasks(ctx, model.TaskFilter{})
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		stats.Tasks[string(t.Status)]++
	}

	execs, err := h.store.ListExecutions(ctx, "")
	if err != nil {
		return nil, err
	}
	for _, e := range execs {
		stats.Executions[string(e.Status)]++
	}
	return stats, nil
}

// refreshGauges 把统计写入 Prometheus gauge
func (h *Handler) refreshGauges(ctx context.Context) {
	stats, err := h.collectStats(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("[monitor.gauges] ERROR: %v", err)
		}
		return
	}
	h.metrics.SetAgentsCount(stats.Agents)
	h.metrics.SetTasksCount(stats.Tasks)
	h.metrics.SetExecutionsCount(stats.Executions)
}

// runGaugeRefresher 周期刷新 gauge，直到 ctx 取消
func (h *Handler) runGaugeRefresher(ctx context.Context, interval time.Duration) {
	if h.metrics == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	h.refreshGauges(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.refreshGauges(ctx)
		}
	}
}
