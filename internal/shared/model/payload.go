package model

import (
	"errors"
	"fmt"
	"strings"
)

// ============================================================================
// TaskType - 任务类型
// ============================================================================

// TaskType 任务类型，同时作为 Payload 的判别字段
type TaskType string

const (
	TaskTypeSendMessage TaskType = "send_message"
	TaskTypeJoinGroup   TaskType = "join_group"
	TaskTypeLeaveGroup  TaskType = "leave_group"
	TaskTypeRunScript   TaskType = "run_script"
	TaskTypeWait        TaskType = "wait"
)

// TaskTypes 全部已知任务类型
var TaskTypes = []TaskType{
	TaskTypeSendMessage,
	TaskTypeJoinGroup,
	TaskTypeLeaveGroup,
	TaskTypeRunScript,
	TaskTypeWait,
}

// ErrInvalidPayload 载荷与类型不匹配或缺少必填字段
var ErrInvalidPayload = errors.New("invalid payload")

// ============================================================================
// Payload - 按类型区分的任务载荷
// ============================================================================

// Payload 任务载荷
//
// Type 决定哪个分支有效，其余分支必须为空。JSON 形如：
//
//	{"type": "send_message", "send_message": {"destination": "...", "content": "..."}}
type Payload struct {
	Type        TaskType            `json:"type" bson:"type"`
	SendMessage *SendMessagePayload `json:"send_message,omitempty" bson:"send_message,omitempty"`
	JoinGroup   *JoinGroupPayload   `json:"join_group,omitempty" bson:"join_group,omitempty"`
	LeaveGroup  *LeaveGroupPayload  `json:"leave_group,omitempty" bson:"leave_group,omitempty"`
	RunScript   *RunScriptPayload   `json:"run_script,omitempty" bson:"run_script,omitempty"`
	Wait        *WaitPayload        `json:"wait,omitempty" bson:"wait,omitempty"`
}

// SendMessagePayload 发送消息
type SendMessagePayload struct {
	Destination string `json:"destination" bson:"destination"`
	Content     string `json:"content" bson:"content"`
	MediaURL    string `json:"media_url,omitempty" bson:"media_url,omitempty"`
}

// JoinGroupPayload 加入群组
type JoinGroupPayload struct {
	Group      string `json:"group" bson:"group"`
	InviteLink string `json:"invite_link,omitempty" bson:"invite_link,omitempty"`
}

// LeaveGroupPayload 退出群组
type LeaveGroupPayload struct {
	Group string `json:"group" bson:"group"`
}

// RunScriptPayload 执行 Agent 本地脚本
type RunScriptPayload struct {
	Script string            `json:"script" bson:"script"`
	Args   map[string]string `json:"args,omitempty" bson:"args,omitempty"`
}

// WaitPayload 在 Agent 侧停顿
type WaitPayload struct {
	Seconds int `json:"seconds" bson:"seconds"`
}

// NewSendMessage 构造发送消息载荷
func NewSendMessage(destination, content string) Payload {
	return Payload{Type: TaskTypeSendMessage, SendMessage: &SendMessagePayload{Destination: destination, Content: content}}
}

// NewJoinGroup 构造加群载荷
func NewJoinGroup(group string) Payload {
	return Payload{Type: TaskTypeJoinGroup, JoinGroup: &JoinGroupPayload{Group: group}}
}

// NewLeaveGroup 构造退群载荷
func NewLeaveGroup(group string) Payload {
	return Payload{Type: TaskTypeLeaveGroup, LeaveGroup: &LeaveGroupPayload{Group: group}}
}

// NewRunScript 构造脚本载荷
func NewRunScript(script string, args map[string]string) Payload {
	return Payload{Type: TaskTypeRunScript, RunScript: &RunScriptPayload{Script: script, Args: args}}
}

// NewWait 构造等待载荷
func NewWait(seconds int) Payload {
	return Payload{Type: TaskTypeWait, Wait: &WaitPayload{Seconds: seconds}}
}

// branches 返回已设置的分支数
func (p Payload) branches() int {
	n := 0
	if p.SendMessage != nil {
		n++
	}
	if p.JoinGroup != nil {
		n++
	}
	if p.LeaveGroup != nil {
		n++
	}
	if p.RunScript != nil {
		n++
	}
	if p.Wait != nil {
		n++
	}
	return n
}

// Validate 校验载荷：分支唯一且与 Type 一致，必填字段非空
func (p Payload) Validate() error {
	if p.branches() != 1 {
		return fmt.Errorf("%w: exactly one branch must be set for type %q", ErrInvalidPayload, p.Type)
	}
	switch p.Type {
	case TaskTypeSendMessage:
		if p.SendMessage == nil {
			return fmt.Errorf("%w: send_message branch missing", ErrInvalidPayload)
		}
		if p.SendMessage.Destination == "" || p.SendMessage.Content == "" {
			return fmt.Errorf("%w: send_message requires destination and content", ErrInvalidPayload)
		}
	case TaskTypeJoinGroup:
		if p.JoinGroup == nil || p.JoinGroup.Group == "" {
			return fmt.Errorf("%w: join_group requires group", ErrInvalidPayload)
		}
	case TaskTypeLeaveGroup:
		if p.LeaveGroup == nil || p.LeaveGroup.Group == "" {
			return fmt.Errorf("%w: leave_group requires group", ErrInvalidPayload)
		}
	case TaskTypeRunScript:
		if p.RunScript == nil || p.RunScript.Script == "" {
			return fmt.Errorf("%w: run_script requires script", ErrInvalidPayload)
		}
	case TaskTypeWait:
		if p.Wait == nil || p.Wait.Seconds < 0 {
			return fmt.Errorf("%w: wait requires non-negative seconds", ErrInvalidPayload)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidPayload, p.Type)
	}
	return nil
}

// Clone 深拷贝
func (p Payload) Clone() Payload {
	c := Payload{Type: p.Type}
	if p.SendMessage != nil {
		v := *p.SendMessage
		c.SendMessage = &v
	}
	if p.JoinGroup != nil {
		v := *p.JoinGroup
		c.JoinGroup = &v
	}
	if p.LeaveGroup != nil {
		v := *p.LeaveGroup
		c.LeaveGroup = &v
	}
	if p.RunScript != nil {
		v := *p.RunScript
		v.Args = cloneStringMap(p.RunScript.Args)
		c.RunScript = &v
	}
	if p.Wait != nil {
		v := *p.Wait
		c.Wait = &v
	}
	return c
}

// ============================================================================
// Binding - 时间线动作到具体任务的绑定
// ============================================================================

// Binding 渲染载荷时使用的上下文
type Binding struct {
	Target    string            // 场景目标（群组或会话）
	Content   string            // 动作文本
	Variables map[string]string // 执行级变量
}

// Render 替换 {{name}} 占位符；{{target}} 指向 Binding.Target，未知变量保持原样
func (b Binding) Render(s string) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	pairs := make([]string, 0, 2*len(b.Variables)+2)
	for k, v := range b.Variables {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	if _, ok := b.Variables["target"]; !ok {
		pairs = append(pairs, "{{target}}", b.Target)
	}
	return strings.NewReplacer(pairs...).Replace(s)
}

// Bind 生成最终下发的载荷：渲染变量，并以 Target/Content 补全缺省字段
func (p Payload) Bind(b Binding) Payload {
	c := p.Clone()
	switch c.Type {
	case TaskTypeSendMessage:
		if c.SendMessage == nil {
			c.SendMessage = &SendMessagePayload{}
		}
		if c.SendMessage.Destination == "" {
			c.SendMessage.Destination = b.Target
		}
		if c.SendMessage.Content == "" {
			c.SendMessage.Content = b.Content
		}
		c.SendMessage.Destination = b.Render(c.SendMessage.Destination)
		c.SendMessage.Content = b.Render(c.SendMessage.Content)
		c.SendMessage.MediaURL = b.Render(c.SendMessage.MediaURL)
	case TaskTypeJoinGroup:
		if c.JoinGroup == nil {
			c.JoinGroup = &JoinGroupPayload{}
		}
		if c.JoinGroup.Group == "" {
			c.JoinGroup.Group = b.Target
		}
		c.JoinGroup.Group = b.Render(c.JoinGroup.Group)
		c.JoinGroup.InviteLink = b.Render(c.JoinGroup.InviteLink)
	case TaskTypeLeaveGroup:
		if c.LeaveGroup == nil {
			c.LeaveGroup = &LeaveGroupPayload{}
		}
		if c.LeaveGroup.Group == "" {
			c.LeaveGroup.Group = b.Target
		}
		c.LeaveGroup.Group = b.Render(c.LeaveGroup.Group)
	case TaskTypeRunScript:
		if c.RunScript == nil {
			c.RunScript = &RunScriptPayload{}
		}
		c.RunScript.Script = b.Render(c.RunScript.Script)
		for k, v := range c.RunScript.Args {
			c.RunScript.Args[k] = b.Render(v)
		}
	case TaskTypeWait:
		if c.Wait == nil {
			c.Wait = &WaitPayload{}
		}
	}
	return c
}
