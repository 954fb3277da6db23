package dispatcher

import (
	"context"
	"sort"
	"sync"

	"fleet-coordinator/internal/shared/model"
)

// RoundRobinStrategy 轮询调度策略
//
// 按 Agent ID 排序后依次选择，记住上一次选中的 ID。
// 候选集合变化时从上次位置之后的第一个 ID 继续。
type RoundRobinStrategy struct {
	mu   sync.Mutex
	last string
}

// NewRoundRobinStrategy 创建轮询策略
func NewRoundRobinStrategy() *RoundRobinStrategy {
	return &RoundRobinStrategy{}
}

// Name 返回策略名称
func (s *RoundRobinStrategy) Name() string {
	return "round_robin"
}

// SelectAgent 选择上次选中 Agent 之后的下一个
func (s *RoundRobinStrategy) SelectAgent(ctx context.Context, req *ScheduleRequest) (*model.Agent, string) {
	if len(req.Candidates) == 0 {
		return nil, ""
	}

	sorted := make([]*model.Agent, len(req.Candidates))
	copy(sorted, req.Candidates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	s.mu.Lock()
	defer s.mu.Unlock()

	selected := sorted[0]
	for _, a := range sorted {
		if a.ID > s.last {
			selected = a
			break
		}
	}
	s.last = selected.ID
	return selected, "round_robin"
}
