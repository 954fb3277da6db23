package registry

import "errors"

var (
	// ErrUnknownAgent 引用了未注册的 Agent
	ErrUnknownAgent = errors.New("unknown_agent")

	// ErrDuplicateRegistration 相同 ID 使用了不同凭证注册
	ErrDuplicateRegistration = errors.New("duplicate_registration_conflict")

	// ErrInvalidCredential 凭证校验失败
	ErrInvalidCredential = errors.New("invalid_credential")

	// ErrInvalidAgentID Agent ID 为空或包含非法字符
	ErrInvalidAgentID = errors.New("invalid agent id")

	// ErrInvalidStatus 上报了未知的状态值
	ErrInvalidStatus = errors.New("invalid agent status")
)
