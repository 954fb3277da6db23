package dispatcher

import "errors"

var (
	// ErrTaskNotFound 任务不存在
	ErrTaskNotFound = errors.New("task not found")

	// ErrInvalidTask 提交的任务不合法
	ErrInvalidTask = errors.New("invalid task")

	// ErrInvalidTransition 任务当前状态不允许该操作
	ErrInvalidTransition = errors.New("invalid task transition")

	// ErrAgentMismatch 上报结果的 Agent 并未持有该任务
	ErrAgentMismatch = errors.New("agent_mismatch")

	// ErrInvalidResult 上报的结果状态不是 completed / failed
	ErrInvalidResult = errors.New("invalid result status")

	// ErrNoEligibleAgent 本轮没有可用 Agent；只作为重试条件记录，不返回给 HTTP 调用方
	ErrNoEligibleAgent = errors.New("no_eligible_agent")
)
