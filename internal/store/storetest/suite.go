// Package storetest 提供 SessionStore 各后端共用的行为测试。
package storetest

import (
	"context"
	"fmt"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/lk2023060901/firm-gateway-go/internal/store"
)

// Suite 校验 SessionStore 的通用语义，NewStore 每次返回一个空存储。
type Suite struct {
	suite.Suite
	NewStore func() store.SessionStore
}

func (s *Suite) TestLoadAbsent() {
	st := s.NewStore()
	rec, err := st.Load(context.Background(), "absent")
	s.NoError(err)
	s.Nil(rec)
}

func (s *Suite) TestSaveSnapshotAndClear() {
	ctx := context.Background()
	st := s.NewStore()

	s.NoError(st.SaveSnapshot(ctx, "firm-a", store.StatusConnected, []byte(`{"credentials":{}}`)))
	rec, err := st.Load(ctx, "firm-a")
	s.Require().NoError(err)
	s.Require().NotNil(rec)
	s.Equal("firm-a", rec.TenantID)
	s.Equal(store.StatusConnected, rec.Status)
	s.True(rec.HasSnapshot())
	s.False(rec.UpdatedAt.IsZero())

	s.NoError(st.SaveSnapshot(ctx, "firm-a", store.StatusDisconnected, nil))
	rec, err = st.Load(ctx, "firm-a")
	s.Require().NoError(err)
	s.Require().NotNil(rec)
	s.Equal(store.StatusDisconnected, rec.Status)
	s.False(rec.HasSnapshot())
}

func (s *Suite) TestClearResetsConnectionFlags() {
	ctx := context.Background()
	st := s.NewStore()

	s.NoError(st.SaveSnapshot(ctx, "firm-f", store.StatusConnected, []byte(`{"credentials":{}}`)))
	s.NoError(st.SaveStatus(ctx, "firm-f", store.StatusUpdate{Status: store.StatusConnected, Connected: true, QRAvailable: true}))

	s.NoError(st.SaveSnapshot(ctx, "firm-f", store.StatusDisconnected, nil))
	rec, err := st.Load(ctx, "firm-f")
	s.Require().NoError(err)
	s.Require().NotNil(rec)
	s.Equal(store.StatusDisconnected, rec.Status)
	s.False(rec.Connected)
	s.False(rec.QRAvailable)
	s.False(rec.HasSnapshot())
}

func (s *Suite) TestSaveStatusPreservesSnapshot() {
	ctx := context.Background()
	st := s.NewStore()
	blob := []byte(`{"credentials":{"a":1}}`)

	s.NoError(st.SaveSnapshot(ctx, "firm-b", store.StatusConnected, blob))
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s.NoError(st.SaveStatus(ctx, "firm-b", store.StatusUpdate{
		Status:      store.StatusQRGenerated,
		QRAvailable: true,
		Timestamp:   ts,
	}))

	rec, err := st.Load(ctx, "firm-b")
	s.Require().NoError(err)
	s.Equal(store.StatusQRGenerated, rec.Status)
	s.True(rec.QRAvailable)
	s.False(rec.Connected)
	s.True(ts.Equal(rec.UpdatedAt))
	s.Equal(blob, rec.Snapshot)
}

func (s *Suite) TestSaveStatusCreatesRecord() {
	ctx := context.Background()
	st := s.NewStore()

	s.NoError(st.SaveStatus(ctx, "firm-c", store.StatusUpdate{Status: store.StatusConnected, Connected: true}))
	rec, err := st.Load(ctx, "firm-c")
	s.Require().NoError(err)
	s.Require().NotNil(rec)
	s.True(rec.Connected)
	s.False(rec.HasSnapshot())
}

func (s *Suite) TestLoadReturnsCopy() {
	ctx := context.Background()
	st := s.NewStore()
	s.NoError(st.SaveSnapshot(ctx, "firm-d", store.StatusConnected, []byte("abc")))

	rec, err := st.Load(ctx, "firm-d")
	s.Require().NoError(err)
	rec.Snapshot[0] = 'x'
	rec.Status = "mutated"

	again, err := st.Load(ctx, "firm-d")
	s.Require().NoError(err)
	s.Equal([]byte("abc"), again.Snapshot)
	s.Equal(store.StatusConnected, again.Status)
}

func (s *Suite) TestList() {
	ctx := context.Background()
	st := s.NewStore()
	for i := 0; i < 3; i++ {
		s.NoError(st.SaveSnapshot(ctx, fmt.Sprintf("firm-%d", i), store.StatusConnected, []byte("x")))
	}
	records, err := st.List(ctx)
	s.Require().NoError(err)
	s.Len(records, 3)
	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.TenantID)
	}
	s.ElementsMatch([]string{"firm-0", "firm-1", "firm-2"}, ids)
}

func (s *Suite) TestCanceledContext() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	st := s.NewStore()
	s.Error(st.SaveSnapshot(ctx, "firm-e", store.StatusConnected, nil))
}
