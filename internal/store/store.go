// Package store 定义租户会话记录的持久化接口。
//
// 每个租户在外部存储中对应一行记录，保存连接状态与可选的凭证快照 blob。
// 写入语义为“后写者胜”。
package store

import (
	"context"
	"time"
)

// 记录中的状态取值，控制器也可能写入其他字符串。
const (
	StatusDisconnected = "disconnected"
	StatusQRGenerated  = "qr_generated"
	StatusConnected    = "connected"
)

// 后端类型。
const (
	KindMemory = "memory"
	KindEtcd   = "etcd"
)

// Record 为一个租户的持久化会话记录。
type Record struct {
	TenantID    string    `json:"tenantId"`
	Status      string    `json:"status"`
	Snapshot    []byte    `json:"snapshot,omitempty"`
	QRAvailable bool      `json:"qrAvailable"`
	Connected   bool      `json:"connected"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Clone 返回深拷贝。
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	if r.Snapshot != nil {
		out.Snapshot = append([]byte(nil), r.Snapshot...)
	}
	return &out
}

// HasSnapshot 判断记录是否持有快照。
func (r *Record) HasSnapshot() bool {
	return r != nil && len(r.Snapshot) > 0
}

// StatusUpdate 为只更新状态字段的写入，不影响快照。
type StatusUpdate struct {
	Status      string
	QRAvailable bool
	Connected   bool
	Timestamp   time.Time
}

// SessionStore 为会话记录存储。
type SessionStore interface {
	// Load 返回租户记录，不存在时返回 nil, nil。
	Load(ctx context.Context, tenantID string) (*Record, error)
	// SaveSnapshot 写入状态与快照，blob 为 nil 时清除快照并复位连接标志，记录本身保留。
	SaveSnapshot(ctx context.Context, tenantID string, status string, blob []byte) error
	// SaveStatus 只更新状态字段，保留已有快照。
	SaveStatus(ctx context.Context, tenantID string, update StatusUpdate) error
	// List 返回全部记录。
	List(ctx context.Context) ([]*Record, error)
}

// ApplySnapshot 按 SaveSnapshot 语义修改记录，供各后端复用。
func ApplySnapshot(rec *Record, status string, blob []byte, now time.Time) {
	rec.Status = status
	if blob == nil {
		rec.Snapshot = nil
		rec.Connected = false
		rec.QRAvailable = false
	} else {
		rec.Snapshot = append([]byte(nil), blob...)
	}
	rec.UpdatedAt = now
}

// ApplyStatus 按 SaveStatus 语义修改记录，供各后端复用。
func ApplyStatus(rec *Record, update StatusUpdate, now time.Time) {
	rec.Status = update.Status
	rec.QRAvailable = update.QRAvailable
	rec.Connected = update.Connected
	rec.UpdatedAt = update.Timestamp
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
}
