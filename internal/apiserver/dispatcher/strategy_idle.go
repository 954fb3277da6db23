package dispatcher

import (
	"context"

	"fleet-coordinator/internal/shared/model"
)

// IdleLongestStrategy 空闲最久调度策略
//
// 在候选 Agent 中选择 last_active_at 最早的一个，使工作在账号之间均匀分布。
// 这是默认链的兜底策略。
type IdleLongestStrategy struct{}

// NewIdleLongestStrategy 创建空闲最久策略
func NewIdleLongestStrategy() *IdleLongestStrategy {
	return &IdleLongestStrategy{}
}

// Name 返回策略名称
func (s *IdleLongestStrategy) Name() string {
	return "idle_longest"
}

// SelectAgent 选择空闲最久的 Agent
func (s *IdleLongestStrategy) SelectAgent(ctx context.Context, req *ScheduleRequest) (*model.Agent, string) {
	var best *model.Agent
	for _, a := range req.Candidates {
		if best == nil || a.LastActiveAt.Before(best.LastActiveAt) {
			best = a
		}
	}
	if best == nil {
		return nil, ""
	}
	return best, "idle_longest"
}
