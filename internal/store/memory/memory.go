// Package memory 提供进程内的 SessionStore 实现，用于单机部署与测试。
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/lk2023060901/firm-gateway-go/internal/store"
	"github.com/lk2023060901/firm-gateway-go/pkg/util/merr"
)

var _ store.SessionStore = (*Store)(nil)

type Store struct {
	clock clockwork.Clock

	mu      sync.RWMutex
	records map[string]*store.Record
}

type Option func(*Store)

// WithClock 指定生成 UpdatedAt 使用的时钟。
func WithClock(clock clockwork.Clock) Option {
	return func(s *Store) {
		s.clock = clock
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		clock:   clockwork.NewRealClock(),
		records: make(map[string]*store.Record),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Load(ctx context.Context, tenantID string) (*store.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records[tenantID].Clone(), nil
}

func (s *Store) SaveSnapshot(ctx context.Context, tenantID string, status string, blob []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if tenantID == "" {
		return merr.WrapErrParameterMissing("tenantId")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	store.ApplySnapshot(s.getOrInit(tenantID), status, blob, s.clock.Now())
	return nil
}

func (s *Store) SaveStatus(ctx context.Context, tenantID string, update store.StatusUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if tenantID == "" {
		return merr.WrapErrParameterMissing("tenantId")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	store.ApplyStatus(s.getOrInit(tenantID), update, s.clock.Now())
	return nil
}

func (s *Store) List(ctx context.Context) ([]*store.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*store.Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out, nil
}

func (s *Store) getOrInit(tenantID string) *store.Record {
	rec, ok := s.records[tenantID]
	if !ok {
		rec = &store.Record{TenantID: tenantID, Status: store.StatusDisconnected}
		s.records[tenantID] = rec
	}
	return rec
}
