package dispatcher

import (
	"context"
	"math/rand"

	"fleet-coordinator/internal/shared/model"
)

// RandomStrategy 随机调度策略
//
// 从所有候选 Agent 中随机选择一个，适用于测试环境。
type RandomStrategy struct{}

// NewRandomStrategy 创建随机策略
func NewRandomStrategy() *RandomStrategy {
	return &RandomStrategy{}
}

// Name 返回策略名称
func (s *RandomStrategy) Name() string {
	return "random"
}

// SelectAgent 随机选择一个 Agent
func (s *RandomStrategy) SelectAgent(ctx context.Context, req *ScheduleRequest) (*model.Agent, string) {
	if len(req.Candidates) == 0 {
		return nil, ""
	}
	return req.Candidates[rand.Intn(len(req.Candidates))], "random"
}
