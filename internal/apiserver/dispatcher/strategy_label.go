package dispatcher

import (
	"context"

	"fleet-coordinator/internal/shared/model"
)

// LabelMatchStrategy 标签匹配调度策略
//
// 根据任务的标签要求，选择元数据包含全部标签的 Agent。
// 匹配规则：Task labels 必须是 Agent metadata 的子集。
//
// 场景：
//   - 任务要求 region=eu，只调度到欧洲号码
//   - 任务要求 platform=telegram，只调度到对应平台的账号
type LabelMatchStrategy struct{}

// NewLabelMatchStrategy 创建标签匹配策略
func NewLabelMatchStrategy() *LabelMatchStrategy {
	return &LabelMatchStrategy{}
}

// Name 返回策略名称
func (s *LabelMatchStrategy) Name() string {
	return "label_match"
}

// SelectAgent 选择标签匹配的 Agent；任务无标签时跳过
func (s *LabelMatchStrategy) SelectAgent(ctx context.Context, req *ScheduleRequest) (*model.Agent, string) {
	if req.Task == nil || len(req.Task.Labels) == 0 {
		return nil, ""
	}
	for _, a := range req.Candidates {
		if a.MatchLabels(req.Task.Labels) {
			return a, "label_match"
		}
	}
	return nil, ""
}
