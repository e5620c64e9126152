package store

import (
	"context"
	"time"

	"github.com/lk2023060901/firm-gateway-go/pkg/metrics"
)

type instrumented struct {
	backend string
	inner   SessionStore
}

// Instrument 为 SessionStore 增加耗时指标。
func Instrument(backend string, inner SessionStore) SessionStore {
	return &instrumented{backend: backend, inner: inner}
}

func (s *instrumented) observe(op string, start time.Time) {
	metrics.StoreLatency.WithLabelValues(s.backend, op).Observe(float64(time.Since(start).Milliseconds()))
}

func (s *instrumented) Load(ctx context.Context, tenantID string) (*Record, error) {
	defer s.observe("load", time.Now())
	return s.inner.Load(ctx, tenantID)
}

func (s *instrumented) SaveSnapshot(ctx context.Context, tenantID string, status string, blob []byte) error {
	defer s.observe("save_snapshot", time.Now())
	return s.inner.SaveSnapshot(ctx, tenantID, status, blob)
}

func (s *instrumented) SaveStatus(ctx context.Context, tenantID string, update StatusUpdate) error {
	defer s.observe("save_status", time.Now())
	return s.inner.SaveStatus(ctx, tenantID, update)
}

func (s *instrumented) List(ctx context.Context) ([]*Record, error) {
	defer s.observe("list", time.Now())
	return s.inner.List(ctx)
}
