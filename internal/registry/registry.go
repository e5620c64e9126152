// Package registry 维护进程内所有租户会话的索引。
package registry

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/lk2023060901/firm-gateway-go/pkg/metrics"
	"github.com/lk2023060901/firm-gateway-go/pkg/util/typeutil"
)

// Registry 提供基于内存 map 的租户会话索引。
//
// 特性：
//   - 使用读写锁保证并发安全；
//   - 每个租户 ID 至多对应一个 FirmSession；
//   - Range 在遍历前复制一份会话切片，避免在持锁情况下执行用户回调。
type Registry struct {
	clock        clockwork.Clock
	persistDelay time.Duration

	mu       sync.RWMutex
	sessions map[string]*FirmSession
}

// New 创建一个空的 Registry，persistDelay 为每个会话的快照防抖间隔。
func New(clock clockwork.Clock, persistDelay time.Duration) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Registry{
		clock:        clock,
		persistDelay: persistDelay,
		sessions:     make(map[string]*FirmSession),
	}
}

// GetOrCreate 返回租户会话，不存在时创建，返回值不为 nil。
func (r *Registry) GetOrCreate(tenantID string) *FirmSession {
	r.mu.RLock()
	sess, ok := r.sessions[tenantID]
	r.mu.RUnlock()
	if ok {
		return sess
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok = r.sessions[tenantID]; ok {
		return sess
	}
	sess = newFirmSession(tenantID, r.clock, r.persistDelay)
	r.sessions[tenantID] = sess
	metrics.RegisteredFirms.Set(float64(len(r.sessions)))
	return sess
}

// Get 查找租户会话，不会创建。
func (r *Registry) Get(tenantID string) (*FirmSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[tenantID]
	return sess, ok
}

// Remove 移除租户会话。
//
// 仅删除索引，调用方需先释放连接并取消定时任务。
func (r *Registry) Remove(tenantID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[tenantID]; !ok {
		return false
	}
	r.removeLocked(tenantID)
	return true
}

// CompareAndRemove 仅当登记的仍是 sess 时才移除，避免误删重新创建的会话。
func (r *Registry) CompareAndRemove(sess *FirmSession) bool {
	if sess == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[sess.tenantID]; !ok || cur != sess {
		return false
	}
	r.removeLocked(sess.tenantID)
	return true
}

func (r *Registry) removeLocked(tenantID string) {
	delete(r.sessions, tenantID)
	metrics.RegisteredFirms.Set(float64(len(r.sessions)))
}

// ListConnected 返回当前已连接租户的快照。
func (r *Registry) ListConnected() typeutil.Set[string] {
	out := typeutil.NewSet[string]()
	r.Range(func(sess *FirmSession) bool {
		if sess.Connected() {
			out.Insert(sess.tenantID)
		}
		return true
	})
	return out
}

// Range 遍历当前所有会话，fn 返回 false 时中断遍历。
func (r *Registry) Range(fn func(sess *FirmSession) bool) {
	if fn == nil {
		return
	}

	r.mu.RLock()
	snapshot := make([]*FirmSession, 0, len(r.sessions))
	for _, sess := range r.sessions {
		snapshot = append(snapshot, sess)
	}
	r.mu.RUnlock()

	for _, sess := range snapshot {
		if !fn(sess) {
			return
		}
	}
}

// Count 返回当前登记的会话数量。
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
