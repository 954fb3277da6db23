package scenario

import "errors"

var (
	// ErrScenarioNotFound 场景不存在
	ErrScenarioNotFound = errors.New("scenario not found")

	// ErrScenarioDisabled 场景已停用，不能启动
	ErrScenarioDisabled = errors.New("scenario_disabled")

	// ErrExecutionNotFound 执行不存在
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrExecutionFinished 执行已处于终态
	ErrExecutionFinished = errors.New("execution already finished")

	// ErrUnmappedRole 时间线中的角色没有映射到已注册的 Agent；启动失败，不创建执行
	ErrUnmappedRole = errors.New("unmapped_role")

	// ErrActionFailed 时间线动作对应的任务失败，执行中止
	ErrActionFailed = errors.New("action_failed")

	// ErrAgentLost 动作固定的 Agent 离线超过 agent_loss_timeout
	ErrAgentLost = errors.New("agent_lost")

	// ErrInvalidRequest 请求参数不合法
	ErrInvalidRequest = errors.New("invalid request")

	// errStopped 执行已不在 running 状态（被取消或已结束），循环退出
	errStopped = errors.New("execution stopped")

	// errLeaseLost 执行已被其他实例接管
	errLeaseLost = errors.New("execution lease lost")
)
