package model

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrInvalidScenario 场景定义不合法
var ErrInvalidScenario = errors.New("invalid scenario")

// ============================================================================
// Scenario - 场景剧本
// ============================================================================

// Scenario 按时间线编排、由多个角色分别执行的剧本
//
// Roles 是声明的角色（有序、不重复），时间线中的每个动作都必须引用其中之一。
type Scenario struct {
	ID          string           `json:"id" bson:"_id"`
	Name        string           `json:"name" bson:"name"`
	Description string           `json:"description,omitempty" bson:"description,omitempty"`
	Roles       []string         `json:"roles" bson:"roles"`
	Timeline    []TimelineAction `json:"timeline" bson:"timeline"`
	Enabled     bool             `json:"enabled" bson:"enabled"`
	CreatedAt   time.Time        `json:"created_at" bson:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at" bson:"updated_at"`
}

// TimelineAction 时间线上的一个动作
//
// TimeOffset 为相对执行开始的秒数；Kind 为空时按 send_message 处理，
// Payload 为空时由 Content 与执行目标补全。
type TimelineAction struct {
	TimeOffset float64  `json:"time_offset" bson:"time_offset"`
	Role       string   `json:"role" bson:"role"`
	Content    string   `json:"content,omitempty" bson:"content,omitempty"`
	Kind       TaskType `json:"kind,omitempty" bson:"kind,omitempty"`
	Payload    *Payload `json:"payload,omitempty" bson:"payload,omitempty"`
}

// Offset 返回时间偏移
func (a TimelineAction) Offset() time.Duration {
	return time.Duration(a.TimeOffset * float64(time.Second))
}

// TaskType 返回动作对应的任务类型
func (a TimelineAction) TaskType() TaskType {
	if a.Kind != "" {
		return a.Kind
	}
	if a.Payload != nil && a.Payload.Type != "" {
		return a.Payload.Type
	}
	return TaskTypeSendMessage
}

// BuildPayload 根据执行上下文生成任务载荷
func (a TimelineAction) BuildPayload(target string, vars map[string]string) Payload {
	var p Payload
	if a.Payload != nil {
		p = a.Payload.Clone()
	}
	p.Type = a.TaskType()
	return p.Bind(Binding{Target: target, Content: a.Content, Variables: vars})
}

// Normalize 按 TimeOffset 稳定排序时间线；未声明角色时按时间线出现顺序补全
func (s *Scenario) Normalize() {
	sort.SliceStable(s.Timeline, func(i, j int) bool {
		return s.Timeline[i].TimeOffset < s.Timeline[j].TimeOffset
	})
	if len(s.Roles) == 0 {
		s.Roles = timelineRoles(s.Timeline)
	}
}

// Validate 校验场景定义
//
// 动作载荷按占位目标渲染后校验，缺少必填字段的动作在创建时即被拒绝，
// 而不是在执行到该动作时才失败。
func (s *Scenario) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidScenario)
	}
	declared := make(map[string]bool, len(s.Roles))
	for _, r := range s.Roles {
		if r == "" {
			return fmt.Errorf("%w: empty role name", ErrInvalidScenario)
		}
		if declared[r] {
			return fmt.Errorf("%w: duplicate role %q", ErrInvalidScenario, r)
		}
		declared[r] = true
	}
	for i, a := range s.Timeline {
		if a.Role == "" {
			return fmt.Errorf("%w: action %d has no role", ErrInvalidScenario, i)
		}
		if !declared[a.Role] {
			return fmt.Errorf("%w: action %d references undeclared role %q", ErrInvalidScenario, i, a.Role)
		}
		if a.TimeOffset < 0 {
			return fmt.Errorf("%w: action %d has negative offset", ErrInvalidScenario, i)
		}
		known := false
		for _, t := range TaskTypes {
			if a.TaskType() == t {
				known = true
				break
			}
		}
		if !known {
			return fmt.Errorf("%w: action %d has unknown kind %q", ErrInvalidScenario, i, a.TaskType())
		}
		if err := a.BuildPayload(validationTarget, nil).Validate(); err != nil {
			return fmt.Errorf("%w: action %d: %v", ErrInvalidScenario, i, err)
		}
	}
	return nil
}

// validationTarget 校验时代替真实执行目标
const validationTarget = "target"

// TimelineRoles 返回时间线实际引用的角色（去重，按出现顺序）
func (s *Scenario) TimelineRoles() []string {
	return timelineRoles(s.Timeline)
}

func timelineRoles(timeline []TimelineAction) []string {
	seen := make(map[string]bool)
	var roles []string
	for _, a := range timeline {
		if !seen[a.Role] {
			seen[a.Role] = true
			roles = append(roles, a.Role)
		}
	}
	return roles
}

// CloneTimeline 深拷贝时间线
func CloneTimeline(timeline []TimelineAction) []TimelineAction {
	if timeline == nil {
		return nil
	}
	out := make([]TimelineAction, len(timeline))
	for i, a := range timeline {
		out[i] = a
		if a.Payload != nil {
			p := a.Payload.Clone()
			out[i].Payload = &p
		}
	}
	return out
}

// Clone 深拷贝
func (s *Scenario) Clone() *Scenario {
	if s == nil {
		return nil
	}
	c := *s
	if s.Roles != nil {
		c.Roles = append([]string{}, s.Roles...)
	}
	c.Timeline = CloneTimeline(s.Timeline)
	return &c
}
