package dispatcher

import (
	"context"

	"fleet-coordinator/internal/shared/model"
)

// AffinityStrategy 角色亲和调度策略
//
// 任务带有 role 时，优先选择元数据 roles 中声明了该角色的 Agent。
// 没有匹配时不拒绝，交给链中后续策略。
type AffinityStrategy struct{}

// NewAffinityStrategy 创建亲和性策略
func NewAffinityStrategy() *AffinityStrategy {
	return &AffinityStrategy{}
}

// Name 返回策略名称
func (s *AffinityStrategy) Name() string {
	return "affinity"
}

// SelectAgent 选择声明了任务角色、空闲最久的 Agent
func (s *AffinityStrategy) SelectAgent(ctx context.Context, req *ScheduleRequest) (*model.Agent, string) {
	if req.Task == nil || req.Task.Role == "" {
		return nil, ""
	}
	for _, a := range req.Candidates {
		if a.HasRole(req.Task.Role) {
			return a, "affinity"
		}
	}
	return nil, "affinity_no_match"
}
