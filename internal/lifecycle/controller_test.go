package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"

	"github.com/lk2023060901/firm-gateway-go/internal/authstate"
	"github.com/lk2023060901/firm-gateway-go/internal/json"
	"github.com/lk2023060901/firm-gateway-go/internal/protocol"
	"github.com/lk2023060901/firm-gateway-go/internal/protocol/protocoltest"
	"github.com/lk2023060901/firm-gateway-go/internal/registry"
	"github.com/lk2023060901/firm-gateway-go/internal/snapshot"
	"github.com/lk2023060901/firm-gateway-go/internal/store"
	"github.com/lk2023060901/firm-gateway-go/internal/store/memory"
	"github.com/lk2023060901/firm-gateway-go/pkg/metrics"
	"github.com/lk2023060901/firm-gateway-go/pkg/util/merr"
)

const (
	tenant  = "firm-1"
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
)

// gate 让一次存储写入停在 entered 与 release 之间。
type gate struct {
	entered chan struct{}
	release chan struct{}
}

func newGate() *gate {
	return &gate{entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gate) pass() {
	close(g.entered)
	<-g.release
}

// gatedStore 在 memory.Store 上按需阻塞下一次快照或状态写入。
type gatedStore struct {
	*memory.Store

	mu       sync.Mutex
	snapshot *gate
	status   *gate
}

func (g *gatedStore) holdNextSnapshot() *gate {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.snapshot = newGate()
	return g.snapshot
}

func (g *gatedStore) holdNextStatus() *gate {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.status = newGate()
	return g.status
}

func (g *gatedStore) SaveSnapshot(ctx context.Context, tenantID string, status string, blob []byte) error {
	g.mu.Lock()
	held := g.snapshot
	if blob != nil {
		g.snapshot = nil
	} else {
		held = nil
	}
	g.mu.Unlock()
	if held != nil {
		held.pass()
	}
	return g.Store.SaveSnapshot(ctx, tenantID, status, blob)
}

func (g *gatedStore) SaveStatus(ctx context.Context, tenantID string, update store.StatusUpdate) error {
	g.mu.Lock()
	held := g.status
	g.status = nil
	g.mu.Unlock()
	if held != nil {
		held.pass()
	}
	return g.Store.SaveStatus(ctx, tenantID, update)
}

func waitGate(s *ControllerSuite, g *gate) {
	select {
	case <-g.entered:
	case <-time.After(waitFor):
		s.FailNow("store write not reached")
	}
}

type ControllerSuite struct {
	suite.Suite

	ctx     context.Context
	clock   *clockwork.FakeClock
	timings Timings
	reg     *registry.Registry
	store   *memory.Store
	gated   *gatedStore
	auth    *authstate.MemoryFactory
	dialer  *protocoltest.Dialer
	ctrl    *Controller
}

func (s *ControllerSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = clockwork.NewFakeClock()
	s.timings = DefaultTimings()
	s.timings.StartupDelay = 0
	s.reg = registry.New(s.clock, s.timings.PersistDebounce)
	s.store = memory.New(memory.WithClock(s.clock))
	s.gated = &gatedStore{Store: s.store}
	s.auth = authstate.NewMemoryFactory()
	s.dialer = protocoltest.NewDialer()
	s.ctrl = NewController(s.reg, s.gated, s.auth, s.dialer,
		WithClock(s.clock), WithTimings(s.timings), WithPoolSize(4))
}

func (s *ControllerSuite) TearDownTest() {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	s.NoError(s.ctrl.Stop(ctx))
}

func (s *ControllerSuite) nextClient() *protocoltest.Client {
	select {
	case c := <-s.dialer.Dialed():
		return c
	case <-time.After(waitFor):
		s.FailNow("no connection dialed")
		return nil
	}
}

func (s *ControllerSuite) assertNoDial() {
	select {
	case <-s.dialer.Dialed():
		s.FailNow("unexpected dial")
	case <-time.After(50 * time.Millisecond):
	}
}

func (s *ControllerSuite) session() *registry.FirmSession {
	sess, ok := s.reg.Get(tenant)
	s.Require().True(ok)
	return sess
}

func (s *ControllerSuite) connect() *protocoltest.Client {
	_, err := s.ctrl.RequestLoginCode(s.ctx, tenant)
	s.Require().NoError(err)
	client := s.nextClient()
	client.EmitOpened()
	s.Eventually(func() bool { return s.ctrl.Status(tenant).IsConnected }, waitFor, tick)
	s.Eventually(func() bool {
		rec := s.record()
		return rec != nil && rec.Connected
	}, waitFor, tick)
	return client
}

func (s *ControllerSuite) seedSnapshot(creds string, keys map[string]json.RawMessage) {
	blob, err := snapshot.Marshal(&snapshot.Snapshot{Credentials: json.RawMessage(creds), Keys: keys})
	s.Require().NoError(err)
	s.Require().NoError(s.store.SaveSnapshot(s.ctx, tenant, store.StatusConnected, blob))
}

func (s *ControllerSuite) record() *store.Record {
	rec, err := s.store.Load(s.ctx, tenant)
	s.Require().NoError(err)
	return rec
}

// waitReconnect 等待重连任务就绪后推进时钟并返回新连接。
func (s *ControllerSuite) waitReconnect(delay time.Duration) *protocoltest.Client {
	sess := s.session()
	s.Eventually(sess.ReconnectScheduler().Pending, waitFor, tick)
	s.clock.Advance(delay)
	return s.nextClient()
}

func (s *ControllerSuite) TestInitializeWithoutTenant() {
	s.NoError(s.ctrl.Initialize(s.ctx, ""))
	s.Equal(0, s.reg.Count())
	s.Equal(0, s.dialer.DialCount())

	_, err := s.ctrl.RequestLoginCode(s.ctx, "")
	s.ErrorIs(err, merr.ErrParameterMissing)
}

func (s *ControllerSuite) TestLoginFlow() {
	status, err := s.ctrl.RequestLoginCode(s.ctx, tenant)
	s.Require().NoError(err)
	s.Equal(Status{}, status)

	client := s.nextClient()
	s.Equal(tenant, client.Opts.TenantID)
	s.Equal(s.timings.QRTimeout, client.Opts.QRTimeout)
	s.Equal(s.timings.MaxMsgRetryCount, client.Opts.MaxMsgRetryCount)

	client.EmitLoginCode("qr-1")
	s.Eventually(func() bool { return s.ctrl.Status(tenant).HasLoginCode }, waitFor, tick)
	code, err := s.ctrl.LoginCode(tenant)
	s.NoError(err)
	s.Equal("qr-1", code)
	s.Equal(registry.PhaseAwaitingLogin, s.session().Phase())
	s.Eventually(func() bool {
		rec := s.record()
		return rec != nil && rec.Status == store.StatusQRGenerated && rec.QRAvailable
	}, waitFor, tick)

	// 已在等待扫码时不会重复拨号
	status, err = s.ctrl.RequestLoginCode(s.ctx, tenant)
	s.NoError(err)
	s.Equal(Status{HasLoginCode: true}, status)
	s.Equal(1, s.dialer.DialCount())

	client.EmitOpened()
	s.Eventually(func() bool { return s.ctrl.Status(tenant).IsConnected }, waitFor, tick)
	s.Equal(Status{IsConnected: true}, s.ctrl.Status(tenant))
	_, err = s.ctrl.LoginCode(tenant)
	s.ErrorIs(err, merr.ErrLoginCodeNotFound)
	s.Eventually(func() bool {
		rec := s.record()
		return rec.Status == store.StatusConnected && rec.Connected
	}, waitFor, tick)
	s.True(s.reg.ListConnected().Contain(tenant))

	s.NoError(s.ctrl.SendText(s.ctx, tenant, "+1 555 000", "hello"))
	sent := client.Sent()
	s.Require().Len(sent, 1)
	s.Equal("1555000@"+protocol.UserServer, sent[0].JID)
	s.Equal("hello", sent[0].Text)
}

func (s *ControllerSuite) TestConnectedNeverHoldsLoginCode() {
	client := s.connect()
	client.EmitLoginCode("late")
	client.EmitCredentials(`{"me":"a"}`)
	s.Eventually(func() bool {
		creds, _ := s.auth.Get(tenant).ReadCredentials(s.ctx)
		return creds != nil
	}, waitFor, tick)

	st := s.session().Snapshot()
	s.True(st.Connected)
	s.Empty(st.LoginCode)
	s.False(s.ctrl.Status(tenant).HasLoginCode)
}

func (s *ControllerSuite) TestSendWithoutConnection() {
	err := s.ctrl.SendText(s.ctx, "unknown", "1555", "x")
	s.ErrorIs(err, merr.ErrFirmNotConnected)
	s.Equal(400, merr.HTTPStatus(err))

	_, err = s.ctrl.RequestLoginCode(s.ctx, tenant)
	s.Require().NoError(err)
	client := s.nextClient()
	client.EmitLoginCode("qr")
	s.Eventually(func() bool { return s.ctrl.Status(tenant).HasLoginCode }, waitFor, tick)

	err = s.ctrl.SendDocument(s.ctx, tenant, "1555", protocol.Document{FileName: "a.pdf"})
	s.ErrorIs(err, merr.ErrFirmNotConnected)
	s.Empty(client.Sent())

	// 未连接时先报告未连接，不校验号码
	err = s.ctrl.SendText(s.ctx, tenant, "abc", "x")
	s.ErrorIs(err, merr.ErrFirmNotConnected)
	err = s.ctrl.SendText(s.ctx, "unknown", "abc", "x")
	s.ErrorIs(err, merr.ErrFirmNotConnected)
}

func (s *ControllerSuite) TestSendInvalidNumber() {
	client := s.connect()
	err := s.ctrl.SendText(s.ctx, tenant, "abc", "x")
	s.ErrorIs(err, merr.ErrParameterInvalid)
	s.Empty(client.Sent())
}

func (s *ControllerSuite) TestSendProtocolError() {
	client := s.connect()
	client.SetSendError(errors.New("socket broken"))
	err := s.ctrl.SendText(s.ctx, tenant, "1555", "x")
	s.ErrorIs(err, merr.ErrProtocol)
	s.Equal(500, merr.HTTPStatus(err))
}

func (s *ControllerSuite) TestLoggedOutTerminates() {
	s.seedSnapshot(`{"me":"a"}`, map[string]json.RawMessage{"k1": json.RawMessage(`{"v":1}`)})
	client := s.connect()
	s.False(s.auth.Get(tenant).Empty())

	client.EmitClosed(protocol.ReasonLoggedOut)
	s.Eventually(func() bool {
		_, ok := s.reg.Get(tenant)
		return !ok
	}, waitFor, tick)
	s.Eventually(func() bool { return !s.record().HasSnapshot() }, waitFor, tick)
	s.Eventually(s.auth.Get(tenant).Empty, waitFor, tick)
	rec := s.record()
	s.Equal(store.StatusDisconnected, rec.Status)
	s.False(rec.Connected)
	s.False(rec.QRAvailable)

	s.clock.Advance(time.Minute)
	s.assertNoDial()
}

func (s *ControllerSuite) TestGenericCloseCeiling() {
	s.seedSnapshot(`{"me":"a"}`, nil)
	client := s.connect()
	sess := s.session()
	policy := GenericPolicy()

	for k := 1; k <= policy.Ceiling; k++ {
		client.EmitClosed(protocol.ReasonConnectionClosed)
		s.Eventually(func() bool { return sess.Snapshot().ReconnectAttempts == k }, waitFor, tick)
		s.False(s.ctrl.Status(tenant).IsConnected)
		s.Equal(registry.PhaseReconnecting, sess.Phase())

		s.Eventually(sess.ReconnectScheduler().Pending, waitFor, tick)
		s.clock.Advance(policy.Delay(k) - time.Millisecond)
		s.assertNoDial()
		s.clock.Advance(time.Millisecond)
		client = s.nextClient()
		s.LessOrEqual(sess.Snapshot().ReconnectAttempts, policy.Ceiling)
	}

	client.EmitClosed(protocol.ReasonConnectionClosed)
	s.Eventually(func() bool {
		_, ok := s.reg.Get(tenant)
		return !ok
	}, waitFor, tick)
	s.Equal(0, sess.Snapshot().ReconnectAttempts)
	s.Eventually(func() bool { return !s.record().HasSnapshot() }, waitFor, tick)
	s.False(s.record().Connected)
	// 只有注销才删除本地材料
	s.False(s.auth.Get(tenant).Empty())

	s.clock.Advance(time.Minute)
	s.assertNoDial()
}

func (s *ControllerSuite) TestAuthConflictCeiling() {
	s.seedSnapshot(`{"me":"a"}`, nil)
	client := s.connect()
	sess := s.session()

	for k, delay := range []time.Duration{15 * time.Second, 30 * time.Second, 45 * time.Second} {
		client.EmitClosed(protocol.ReasonConnectionReplaced)
		s.Eventually(func() bool { return sess.Snapshot().ReconnectAttempts == k+1 }, waitFor, tick)
		client = s.waitReconnect(delay)
	}

	client.EmitClosed(protocol.ReasonConnectionReplaced)
	s.Eventually(func() bool {
		_, ok := s.reg.Get(tenant)
		return !ok
	}, waitFor, tick)
	s.Equal(3, sess.Snapshot().ReconnectAttempts)
	s.Eventually(func() bool { return !s.record().HasSnapshot() }, waitFor, tick)
}

func (s *ControllerSuite) TestOpenedResetsAttempts() {
	client := s.connect()
	sess := s.session()

	client.EmitClosed(protocol.ReasonTimedOut)
	s.Eventually(func() bool { return sess.Snapshot().ReconnectAttempts == 1 }, waitFor, tick)
	client = s.waitReconnect(5 * time.Second)
	client.EmitClosed(protocol.ReasonBadSession)
	s.Eventually(func() bool { return sess.Snapshot().ReconnectAttempts == 2 }, waitFor, tick)
	client = s.waitReconnect(10 * time.Second)

	client.EmitOpened()
	s.Eventually(func() bool { return sess.Snapshot().ReconnectAttempts == 0 }, waitFor, tick)
	s.True(sess.Connected())
}

func (s *ControllerSuite) TestInitFailureRetry() {
	s.dialer.FailNext(1, errors.New("bridge down"))
	err := s.ctrl.Initialize(s.ctx, tenant)
	s.Error(err)

	sess := s.session()
	s.Equal(1, sess.Snapshot().ReconnectAttempts)
	s.Equal(registry.PhaseReconnecting, sess.Phase())
	s.waitReconnect(5 * time.Second)
	s.Eventually(func() bool { return sess.Snapshot().Conn != nil }, waitFor, tick)
}

func (s *ControllerSuite) TestInitFailureAbandoned() {
	s.dialer.FailNext(4, errors.New("bridge down"))
	s.Error(s.ctrl.Initialize(s.ctx, tenant))
	sess := s.session()

	for k, delay := range []time.Duration{5 * time.Second, 10 * time.Second} {
		s.Eventually(func() bool {
			return sess.Snapshot().ReconnectAttempts == k+1 && sess.ReconnectScheduler().Pending()
		}, waitFor, tick)
		s.clock.Advance(delay)
	}
	s.Eventually(func() bool {
		return sess.Snapshot().ReconnectAttempts == 3 && sess.ReconnectScheduler().Pending()
	}, waitFor, tick)
	s.clock.Advance(15 * time.Second)

	s.Eventually(func() bool {
		st := sess.Snapshot()
		return st.ReconnectAttempts == 0 && st.Phase == registry.PhaseIdle
	}, waitFor, tick)
	s.False(sess.ReconnectScheduler().Pending())
	_, ok := s.reg.Get(tenant)
	s.True(ok)
	s.Equal(0, s.dialer.DialCount())
}

func (s *ControllerSuite) TestCredentialsDebounceAndRateLimit() {
	client := s.connect()
	sess := s.session()
	local := s.auth.Get(tenant)
	s.Require().NoError(local.WriteKey(s.ctx, "k1", json.RawMessage(`{"v":1}`)))

	for _, creds := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		client.EmitCredentials(creds)
	}
	s.Eventually(func() bool {
		creds, _ := local.ReadCredentials(s.ctx)
		return string(creds) == `{"n":3}` && sess.PersistScheduler().Pending()
	}, waitFor, tick)

	s.clock.Advance(5 * time.Second)
	s.Eventually(func() bool { return s.record().HasSnapshot() }, waitFor, tick)
	snap, err := snapshot.Parse(s.record().Snapshot)
	s.Require().NoError(err)
	s.JSONEq(`{"n":3}`, string(snap.Credentials))
	s.Contains(snap.Keys, "k1")
	s.Eventually(func() bool { return !sess.Snapshot().LastPersistedAt.IsZero() }, waitFor, tick)
	persistedAt := sess.Snapshot().LastPersistedAt
	s.Equal(store.StatusConnected, s.record().Status)

	// 距上次写入不足 10s，跳过且不更新时间
	skipped := testutil.ToFloat64(metrics.SnapshotPersist.WithLabelValues(metrics.SkipLabel))
	client.EmitCredentials(`{"n":4}`)
	s.Eventually(sess.PersistScheduler().Pending, waitFor, tick)
	s.clock.Advance(5 * time.Second)
	s.Eventually(func() bool {
		return testutil.ToFloat64(metrics.SnapshotPersist.WithLabelValues(metrics.SkipLabel)) == skipped+1
	}, waitFor, tick)
	s.Equal(persistedAt, sess.Snapshot().LastPersistedAt)
	s.False(sess.PersistScheduler().Pending())
	snap, err = snapshot.Parse(s.record().Snapshot)
	s.Require().NoError(err)
	s.JSONEq(`{"n":3}`, string(snap.Credentials))

	client.EmitCredentials(`{"n":5}`)
	s.Eventually(sess.PersistScheduler().Pending, waitFor, tick)
	s.clock.Advance(5 * time.Second)
	s.Eventually(func() bool {
		snap, err := snapshot.Parse(s.record().Snapshot)
		return err == nil && string(snap.Credentials) == `{"n":5}`
	}, waitFor, tick)
	s.Eventually(func() bool { return sess.Snapshot().LastPersistedAt.After(persistedAt) }, waitFor, tick)
}

func (s *ControllerSuite) TestLogoutWaitsForInflightPersist() {
	client := s.connect()
	sess := s.session()
	s.Require().NoError(s.auth.Get(tenant).WriteKey(s.ctx, "k1", json.RawMessage(`{"v":1}`)))

	client.EmitCredentials(`{"n":1}`)
	s.Eventually(sess.PersistScheduler().Pending, waitFor, tick)
	held := s.gated.holdNextSnapshot()
	s.clock.Advance(s.timings.PersistDebounce)
	waitGate(s, held)

	client.EmitClosed(protocol.ReasonLoggedOut)
	s.Eventually(func() bool {
		_, ok := s.reg.Get(tenant)
		return !ok
	}, waitFor, tick)
	close(held.release)

	s.Eventually(func() bool {
		rec := s.record()
		return !rec.HasSnapshot() && !rec.Connected && s.auth.Get(tenant).Empty()
	}, waitFor, tick)
	s.Never(func() bool { return s.record().HasSnapshot() }, 100*time.Millisecond, tick)
}

func (s *ControllerSuite) TestDisconnectWaitsForInflightPersist() {
	client := s.connect()
	sess := s.session()

	client.EmitCredentials(`{"n":1}`)
	s.Eventually(sess.PersistScheduler().Pending, waitFor, tick)
	held := s.gated.holdNextSnapshot()
	s.clock.Advance(s.timings.PersistDebounce)
	waitGate(s, held)

	done := make(chan error, 1)
	go func() { done <- s.ctrl.Disconnect(s.ctx, tenant) }()
	s.Eventually(func() bool {
		_, ok := s.reg.Get(tenant)
		return !ok
	}, waitFor, tick)
	close(held.release)

	select {
	case err := <-done:
		s.NoError(err)
	case <-time.After(waitFor):
		s.FailNow("disconnect did not finish")
	}
	rec := s.record()
	s.False(rec.HasSnapshot())
	s.False(rec.Connected)
}

func (s *ControllerSuite) TestSaturatedPoolDropsStatusWrites() {
	reg := registry.New(s.clock, s.timings.PersistDebounce)
	ctrl := NewController(reg, s.gated, s.auth, s.dialer,
		WithClock(s.clock), WithTimings(s.timings), WithPoolSize(1))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		s.NoError(ctrl.Stop(ctx))
	}()

	_, err := ctrl.RequestLoginCode(s.ctx, "firm-pool")
	s.Require().NoError(err)
	client := s.nextClient()

	held := s.gated.holdNextStatus()
	client.EmitLoginCode("qr-1")
	waitGate(s, held)

	dropped := testutil.ToFloat64(metrics.AsyncTasksDropped)
	client.EmitLoginCode("qr-2")
	s.Eventually(func() bool {
		code, err := ctrl.LoginCode("firm-pool")
		return err == nil && code == "qr-2"
	}, waitFor, tick)
	s.Eventually(func() bool {
		return testutil.ToFloat64(metrics.AsyncTasksDropped) == dropped+1
	}, waitFor, tick)
	close(held.release)
}

func (s *ControllerSuite) TestDisconnect() {
	s.seedSnapshot(`{"me":"a"}`, nil)
	client := s.connect()

	s.NoError(s.ctrl.Disconnect(s.ctx, tenant))
	s.True(client.LoggedOut())
	s.True(client.Closed())
	_, ok := s.reg.Get(tenant)
	s.False(ok)
	rec := s.record()
	s.False(rec.HasSnapshot())
	s.False(rec.Connected)
	s.Equal(store.StatusDisconnected, rec.Status)
	s.True(s.auth.Get(tenant).Empty())
	s.False(s.reg.ListConnected().Contain(tenant))

	s.clock.Advance(time.Minute)
	s.assertNoDial()

	s.ErrorIs(s.ctrl.Disconnect(s.ctx, ""), merr.ErrParameterMissing)
	s.NoError(s.ctrl.Disconnect(s.ctx, "never-seen"))
}

func (s *ControllerSuite) TestReinitializeDropsStaleEvents() {
	first := s.connect()
	sess := s.session()

	s.Require().NoError(s.ctrl.Initialize(s.ctx, tenant))
	second := s.nextClient()
	s.True(first.Closed())
	s.NotSame(first, second)

	second.EmitLoginCode("qr-2")
	s.Eventually(func() bool { return sess.LoginCode() == "qr-2" }, waitFor, tick)
	s.Equal(0, sess.Snapshot().ReconnectAttempts)
	s.False(sess.ReconnectScheduler().Pending())
}

func (s *ControllerSuite) TestRestoreSnapshot() {
	s.seedSnapshot(`{"me":"a"}`, map[string]json.RawMessage{"k1": json.RawMessage(`{"v":1}`)})
	s.Require().NoError(s.store.SaveStatus(s.ctx, "firm-2", store.StatusUpdate{Status: store.StatusDisconnected}))

	s.Require().NoError(s.ctrl.Restore(s.ctx))
	client := s.nextClient()
	s.Equal(tenant, client.Opts.TenantID)
	s.Equal(1, s.dialer.DialCount())

	creds, err := s.auth.Get(tenant).ReadCredentials(s.ctx)
	s.NoError(err)
	s.JSONEq(`{"me":"a"}`, string(creds))
	keys, err := s.auth.Get(tenant).ReadKeys(s.ctx)
	s.NoError(err)
	s.Contains(keys, "k1")
}

func (s *ControllerSuite) TestCorruptSnapshotCleared() {
	s.Require().NoError(s.store.SaveSnapshot(s.ctx, tenant, store.StatusConnected, []byte(`{"credentials":null}`)))

	s.Require().NoError(s.ctrl.Initialize(s.ctx, tenant))
	s.nextClient()
	s.False(s.record().HasSnapshot())
	s.True(s.auth.Get(tenant).Empty())
}

func (s *ControllerSuite) TestStop() {
	client := s.connect()

	ctx, cancel := context.WithTimeout(s.ctx, waitFor)
	defer cancel()
	s.NoError(s.ctrl.Stop(ctx))
	s.True(client.Closed())
	s.False(client.LoggedOut())
	s.False(s.ctrl.Status(tenant).IsConnected)

	s.ErrorIs(s.ctrl.Initialize(s.ctx, tenant), merr.ErrServiceNotReady)
}

func TestController(t *testing.T) {
	suite.Run(t, new(ControllerSuite))
}

func TestStartupDelay(t *testing.T) {
	clock := clockwork.NewFakeClock()
	timings := DefaultTimings()
	dialer := protocoltest.NewDialer()
	ctrl := NewController(registry.New(clock, timings.PersistDebounce), memory.New(), authstate.NewMemoryFactory(),
		dialer, WithClock(clock), WithTimings(timings))
	defer ctrl.Stop(context.Background())

	done := make(chan error, 1)
	go func() { done <- ctrl.Initialize(context.Background(), tenant) }()

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if dialer.DialCount() != 0 {
		t.Fatal("dialed before startup delay")
	}
	clock.Advance(timings.StartupDelay)
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(waitFor):
		t.Fatal("initialize did not finish")
	}
	if dialer.DialCount() != 1 {
		t.Fatalf("expected one dial, got %d", dialer.DialCount())
	}
}
