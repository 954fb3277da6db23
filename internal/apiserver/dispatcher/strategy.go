// 调度策略接口和策略链

package dispatcher

import (
	"context"
	"log"

	"fleet-coordinator/internal/shared/model"
)

// Strategy 调度策略接口
//
// 所有调度策略必须实现此接口。策略负责从候选 Agent 列表中选择最合适的一个。
// 策略可以组合成策略链，按优先级依次尝试。
type Strategy interface {
	// Name 返回策略名称（用于日志和配置）
	Name() string

	// SelectAgent 从候选 Agent 中选择一个
	//
	// 返回：
	//   - 选中的 Agent，没有合适的返回 nil（交给链中下一个策略）
	//   - 选择原因（记录到任务历史与日志）
	SelectAgent(ctx context.Context, req *ScheduleRequest) (*model.Agent, string)
}

// ScheduleRequest 调度请求
type ScheduleRequest struct {
	Task *model.Task // 待调度的任务

	// Candidates 已过滤的候选 Agent：在线、空闲、满足任务标签与指定 Agent 约束，
	// 按 last_active_at 升序（空闲最久的在前）
	Candidates []*model.Agent
}

// StrategyChain 策略链
//
// 按优先级组织多个策略，依次尝试直到找到合适的 Agent。
// 默认顺序：直接指定 → 角色亲和 → 标签匹配 → 空闲最久
type StrategyChain struct {
	strategies []Strategy
}

// NewStrategyChain 创建策略链
func NewStrategyChain(strategies ...Strategy) *StrategyChain {
	return &StrategyChain{strategies: strategies}
}

// SelectAgent 按策略链顺序选择 Agent
func (c *StrategyChain) SelectAgent(ctx context.Context, req *ScheduleRequest) (*model.Agent, string) {
	if len(req.Candidates) == 0 {
		return nil, "no_candidates"
	}
	for _, strategy := range c.strategies {
		if agent, reason := strategy.SelectAgent(ctx, req); agent != nil {
			return agent, reason
		}
	}
	return nil, "no_strategy_matched"
}

// Add 添加策略到链尾
func (c *StrategyChain) Add(s Strategy) {
	c.strategies = append(c.strategies, s)
}

// Prepend 添加策略到链首
func (c *StrategyChain) Prepend(s Strategy) {
	c.strategies = append([]Strategy{s}, c.strategies...)
}

// Strategies 返回当前策略列表（只读）
func (c *StrategyChain) Strategies() []Strategy {
	result := make([]Strategy, len(c.strategies))
	copy(result, c.strategies)
	return result
}

// Names 返回策略名称列表
func (c *StrategyChain) Names() []string {
	names := make([]string, 0, len(c.strategies))
	for _, s := range c.strategies {
		names = append(names, s.Name())
	}
	return names
}

// BuildStrategyChain 根据配置的名称列表构建策略链
//
// 未知名称记录日志后跳过；链为空时使用空闲最久策略。
func BuildStrategyChain(names []string) *StrategyChain {
	chain := NewStrategyChain()

	for _, name := range names {
		switch name {
		case "direct":
			chain.Add(NewDirectStrategy())
		case "affinity":
			chain.Add(NewAffinityStrategy())
		case "label_match":
			chain.Add(NewLabelMatchStrategy())
		case "idle_longest":
			chain.Add(NewIdleLongestStrategy())
		case "round_robin":
			chain.Add(NewRoundRobinStrategy())
		case "random":
			chain.Add(NewRandomStrategy())
		default:
			log.Printf("[dispatcher.strategy] WARNING: unknown strategy %q ignored", name)
		}
	}

	if len(chain.strategies) == 0 {
		chain.Add(NewIdleLongestStrategy())
	}
	return chain
}

// eligible 过滤满足任务硬约束的 Agent：指定 Agent 与标签子集匹配
func eligible(task *model.Task, agents []*model.Agent) []*model.Agent {
	out := make([]*model.Agent, 0, len(agents))
	for _, a := range agents {
		if task.TargetAgentID != "" && a.ID != task.TargetAgentID {
			continue
		}
		if !a.MatchLabels(task.Labels) {
			continue
		}
		out = append(out, a)
	}
	return out
}
