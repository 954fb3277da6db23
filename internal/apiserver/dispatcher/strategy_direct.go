package dispatcher

import (
	"context"

	"fleet-coordinator/internal/shared/model"
)

// DirectStrategy 直接指定 Agent 调度策略
//
// 任务提交时指定了 agent_id（场景任务总是如此），只会分配给该 Agent。
type DirectStrategy struct{}

// NewDirectStrategy 创建直接指定策略
func NewDirectStrategy() *DirectStrategy {
	return &DirectStrategy{}
}

// Name 返回策略名称
func (s *DirectStrategy) Name() string {
	return "direct"
}

// SelectAgent 选择直接指定的 Agent
func (s *DirectStrategy) SelectAgent(ctx context.Context, req *ScheduleRequest) (*model.Agent, string) {
	if req.Task == nil || req.Task.TargetAgentID == "" {
		return nil, ""
	}
	for _, a := range req.Candidates {
		if a.ID == req.Task.TargetAgentID {
			return a, "direct"
		}
	}
	return nil, "direct_agent_unavailable"
}
