// Package debounce 提供可取消的延迟执行器：多次 Schedule 只有最后一次会在 delay 后执行。
package debounce

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Scheduler 为单个 key 的防抖执行器，并发安全。
type Scheduler struct {
	clock clockwork.Clock
	delay time.Duration

	mu    sync.Mutex
	timer clockwork.Timer
	seq   uint64
}

// New 创建防抖执行器，clock 为 nil 时使用真实时钟。
func New(clock clockwork.Clock, delay time.Duration) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{clock: clock, delay: delay}
}

// Schedule 取消尚未执行的任务，并在 delay 后执行 fn。
func (s *Scheduler) Schedule(fn func()) {
	s.ScheduleAfter(s.delay, fn)
}

// ScheduleAfter 与 Schedule 相同，但使用指定的延迟。
func (s *Scheduler) ScheduleAfter(delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
	s.seq++
	seq := s.seq
	s.timer = s.clock.AfterFunc(delay, func() {
		s.mu.Lock()
		// 已被新的 Schedule 或 Cancel 取代
		if seq != s.seq || s.timer == nil {
			s.mu.Unlock()
			return
		}
		s.timer = nil
		s.mu.Unlock()
		fn()
	})
}

// Cancel 取消尚未执行的任务，返回是否确实取消了任务。
func (s *Scheduler) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := s.timer != nil
	s.stopLocked()
	s.seq++
	return pending
}

// Pending 返回是否存在等待执行的任务。
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

func (s *Scheduler) stopLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
