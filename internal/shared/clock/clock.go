// Package clock 时间源抽象
//
// 协调器中所有与时间相关的判断（心跳超时、时间线等待、恢复窗口）都通过 Clock 获取时间，
// 测试中使用 Fake 精确推进时间。
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock 时间源
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Real 系统时钟（UTC）
type Real struct{}

// New 返回系统时钟
func New() Clock { return Real{} }

func (Real) Now() time.Time { return time.Now().UTC() }

func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

// ============================================================================
// Fake - 测试用可控时钟
// ============================================================================

// Fake 手动推进的时钟
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*waiter
}

type waiter struct {
	until time.Time
	ch    chan time.Time
}

// NewFake 以指定时间创建可控时钟
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// After 在时钟推进 d 之后触发；d <= 0 立即触发
func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- f.now
		return ch
	}
	f.waiters = append(f.waiters, &waiter{until: f.now.Add(d), ch: ch})
	return ch
}

// Advance 推进时间并触发到期的等待者
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)

	sort.SliceStable(f.waiters, func(i, j int) bool { return f.waiters[i].until.Before(f.waiters[j].until) })
	kept := f.waiters[:0]
	for _, w := range f.waiters {
		if !w.until.After(f.now) {
			w.ch <- f.now
			continue
		}
		kept = append(kept, w)
	}
	f.waiters = kept
}

// Set 将时间设置为 t（只能前进）
func (f *Fake) Set(t time.Time) {
	d := t.Sub(f.Now())
	if d > 0 {
		f.Advance(d)
	}
}

// Waiters 当前未触发的等待者数量
func (f *Fake) Waiters() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.waiters)
}
