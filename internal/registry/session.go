package registry

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/lk2023060901/firm-gateway-go/internal/protocol"
	"github.com/lk2023060901/firm-gateway-go/pkg/util/debounce"
)

// Phase 为租户连接所处的生命周期阶段。
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseInitializing
	PhaseAwaitingLogin
	PhaseConnected
	PhaseClosing
	PhaseReconnecting
	PhaseTerminated
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseInitializing:
		return "initializing"
	case PhaseAwaitingLogin:
		return "awaiting_login"
	case PhaseConnected:
		return "connected"
	case PhaseClosing:
		return "closing"
	case PhaseReconnecting:
		return "reconnecting"
	case PhaseTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Active 表示该阶段下已有连接或连接正在建立。
func (p Phase) Active() bool {
	switch p {
	case PhaseInitializing, PhaseAwaitingLogin, PhaseConnected:
		return true
	default:
		return false
	}
}

// State 为 FirmSession 的可变状态。
type State struct {
	// Conn 为当前连接，未连接时为 nil。
	Conn      protocol.Client
	Connected bool
	// LoginCode 为最近一次下发的登录码，没有时为空。
	LoginCode         string
	ReconnectAttempts int
	LastPersistedAt   time.Time
	Phase             Phase
	// Generation 在每次挂载新连接时递增，旧连接的事件据此丢弃。
	Generation uint64
}

// FirmSession 为单个租户的内存会话记录。
//
// 所有状态变更通过 Update 串行执行；回调中不得执行 I/O。
type FirmSession struct {
	tenantID string

	mu    sync.Mutex
	state State

	// storeMu 串行化快照写入与终止时的清除。
	storeMu sync.Mutex

	persist   *debounce.Scheduler
	reconnect *debounce.Scheduler
}

func newFirmSession(tenantID string, clock clockwork.Clock, persistDelay time.Duration) *FirmSession {
	return &FirmSession{
		tenantID:  tenantID,
		persist:   debounce.New(clock, persistDelay),
		reconnect: debounce.New(clock, 0),
	}
}

func (s *FirmSession) TenantID() string {
	return s.tenantID
}

// Update 在会话锁内执行 fn，返回更新后的状态副本。
// 已连接的会话不会保留登录码。
func (s *FirmSession) Update(fn func(st *State)) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.state)
	if s.state.Connected {
		s.state.LoginCode = ""
	}
	return s.state
}

// Snapshot 返回当前状态副本。
func (s *FirmSession) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *FirmSession) Connected() bool {
	return s.Snapshot().Connected
}

func (s *FirmSession) LoginCode() string {
	return s.Snapshot().LoginCode
}

func (s *FirmSession) Phase() Phase {
	return s.Snapshot().Phase
}

func (s *FirmSession) Generation() uint64 {
	return s.Snapshot().Generation
}

// PersistScheduler 返回该租户的快照防抖任务。
func (s *FirmSession) PersistScheduler() *debounce.Scheduler {
	return s.persist
}

// ReconnectScheduler 返回该租户的重连定时任务。
func (s *FirmSession) ReconnectScheduler() *debounce.Scheduler {
	return s.reconnect
}

// WithPersistLock 在存储写入锁内执行 fn。
// 终止路径在此锁内清除快照，进行中的快照写入结束后才会执行清除。
func (s *FirmSession) WithPersistLock(fn func()) {
	s.storeMu.Lock()
	defer s.storeMu.Unlock()
	fn()
}

// CancelTimers 取消所有等待中的定时任务。
func (s *FirmSession) CancelTimers() {
	s.persist.Cancel()
	s.reconnect.Cancel()
}
