// Package lock 协调器选主
//
// 只有 leader 运行调度循环、存活扫描与执行恢复；HTTP 接口在所有实例上提供服务。
// 未配置 etcd 时使用 Local，单实例永远是 leader。
package lock

import (
	"context"
	"sync"
)

// Leadership 选主接口
type Leadership interface {
	// Campaign 阻塞直到成为 leader 或 ctx 取消
	Campaign(ctx context.Context) error
	// Resign 主动放弃 leader 身份
	Resign(ctx context.Context) error
	// Done 在失去 leader 身份时关闭
	Done() <-chan struct{}
	Close() error
}

// Local 单进程 leader
type Local struct {
	mu   sync.Mutex
	done chan struct{}
}

// NewLocal 创建单进程 leader
func NewLocal() *Local {
	return &Local{}
}

// Campaign 立即成为 leader
func (l *Local) Campaign(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done == nil {
		l.done = make(chan struct{})
	}
	return nil
}

// Resign 放弃 leader 身份
func (l *Local) Resign(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done != nil {
		close(l.done)
		l.done = nil
	}
	return nil
}

// Done 返回当前任期的结束信号；未当选时返回已关闭的 channel
func (l *Local) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return l.done
}

// Close 等同于 Resign
func (l *Local) Close() error {
	return l.Resign(context.Background())
}

var _ Leadership = (*Local)(nil)
