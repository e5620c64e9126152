package lifecycle

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Class 为重连策略的类别，同时用作指标标签。
type Class string

const (
	ClassInitFailure  Class = "init_failure"
	ClassAuthConflict Class = "auth_conflict"
	ClassGeneric      Class = "generic"
)

// Policy 为线性增长、带上限与次数上限的重连策略。
//
// 第 k 次尝试的等待时间为 min(Step*k, Max)，Max 为 0 表示不封顶；
// k 超过 Ceiling 时放弃。
type Policy struct {
	Class   Class
	Step    time.Duration
	Max     time.Duration
	Ceiling int
}

// InitFailurePolicy 用于初始化失败：5s*k，最多 3 次。
func InitFailurePolicy() Policy {
	return Policy{Class: ClassInitFailure, Step: 5 * time.Second, Ceiling: 3}
}

// AuthConflictPolicy 用于会话被其他设备顶替：min(15s*k, 45s)，最多 3 次。
func AuthConflictPolicy() Policy {
	return Policy{Class: ClassAuthConflict, Step: 15 * time.Second, Max: 45 * time.Second, Ceiling: 3}
}

// GenericPolicy 用于其他可恢复的断开：min(5s*k, 25s)，最多 5 次。
func GenericPolicy() Policy {
	return Policy{Class: ClassGeneric, Step: 5 * time.Second, Max: 25 * time.Second, Ceiling: 5}
}

// Delay 返回第 attempt 次尝试前的等待时间。
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Step * time.Duration(attempt)
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	return d
}

// Next 根据已有尝试次数计算下一次尝试。
// 超过上限时 delay 为 backoff.Stop，调用方不得保存返回的 attempt。
func (p Policy) Next(attempts int) (attempt int, delay time.Duration) {
	b := p.BackOff(attempts)
	delay = b.NextBackOff()
	return b.attempt, delay
}

// BackOff 返回从第 attempts 次之后继续计数的 backoff.BackOff。
func (p Policy) BackOff(attempts int) *LinearBackOff {
	return &LinearBackOff{policy: p, attempt: attempts}
}

// LinearBackOff 以 backoff.BackOff 的形式暴露 Policy。
type LinearBackOff struct {
	policy  Policy
	attempt int
}

var _ backoff.BackOff = (*LinearBackOff)(nil)

func (b *LinearBackOff) NextBackOff() time.Duration {
	b.attempt++
	if b.attempt > b.policy.Ceiling {
		return backoff.Stop
	}
	return b.policy.Delay(b.attempt)
}

func (b *LinearBackOff) Reset() {
	b.attempt = 0
}

// Attempt 返回最近一次 NextBackOff 对应的尝试序号。
func (b *LinearBackOff) Attempt() int {
	return b.attempt
}

// Timings 为控制器使用的固定时间参数，构造后不再变化。
type Timings struct {
	StartupDelay      time.Duration
	QRTimeout         time.Duration
	ConnectTimeout    time.Duration
	RetryRequestDelay time.Duration
	MaxMsgRetryCount  int
	KeepAliveInterval time.Duration

	// PersistDebounce 为凭证更新后写快照前的静默时间。
	PersistDebounce time.Duration
	// PersistRateLimit 为两次快照写入的最小间隔。
	PersistRateLimit time.Duration
	// PersistAttempts 为单次快照写入的最多尝试次数。
	PersistAttempts uint
}

func DefaultTimings() Timings {
	return Timings{
		StartupDelay:      3 * time.Second,
		QRTimeout:         40 * time.Second,
		ConnectTimeout:    60 * time.Second,
		RetryRequestDelay: 2 * time.Second,
		MaxMsgRetryCount:  3,
		KeepAliveInterval: 30 * time.Second,
		PersistDebounce:   5 * time.Second,
		PersistRateLimit:  10 * time.Second,
		PersistAttempts:   3,
	}
}
