// Package lifecycle 实现租户连接的生命周期控制：初始化、事件处理、重连退避与凭证快照持久化。
//
// 同一租户的状态变更都通过 registry.FirmSession.Update 串行执行，
// 存储写入、拨号与消息发送均在锁外进行。
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	ants "github.com/panjf2000/ants/v2"

	"github.com/jonboulle/clockwork"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/lk2023060901/firm-gateway-go/internal/authstate"
	"github.com/lk2023060901/firm-gateway-go/internal/protocol"
	"github.com/lk2023060901/firm-gateway-go/internal/registry"
	"github.com/lk2023060901/firm-gateway-go/internal/store"
	"github.com/lk2023060901/firm-gateway-go/pkg/log"
	"github.com/lk2023060901/firm-gateway-go/pkg/metrics"
	"github.com/lk2023060901/firm-gateway-go/pkg/util/conc"
	"github.com/lk2023060901/firm-gateway-go/pkg/util/merr"
	"github.com/lk2023060901/firm-gateway-go/pkg/util/typeutil"
)

const (
	defaultPoolSize       = 64
	defaultRestoreWorkers = 8
	poolWorkerExpiry      = time.Minute
)

// Option 用于调整 Controller。
type Option func(c *Controller)

// WithClock 指定定时器使用的时钟，测试中传入 clockwork.FakeClock。
func WithClock(clock clockwork.Clock) Option {
	return func(c *Controller) {
		c.clock = clock
	}
}

// WithTimings 覆盖默认时间参数。
func WithTimings(t Timings) Option {
	return func(c *Controller) {
		c.timings = t
	}
}

// WithPoolSize 设置异步写入协程池大小。
func WithPoolSize(size int) Option {
	return func(c *Controller) {
		c.poolSize = size
	}
}

// WithLogger 指定控制器使用的 Logger。
func WithLogger(logger *log.MLogger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.log = logger
		}
	}
}

// Status 为租户连接状态的对外视图。
type Status struct {
	HasLoginCode bool `json:"hasLoginCode"`
	IsConnected  bool `json:"isConnected"`
}

// Controller 负责所有租户连接的生命周期。
type Controller struct {
	reg    *registry.Registry
	store  store.SessionStore
	auth   authstate.Factory
	dialer protocol.Dialer

	clock    clockwork.Clock
	timings  Timings
	poolSize int

	pool    *conc.Pool[struct{}]
	flights singleflight.Group
	log     *log.MLogger

	ctx     context.Context
	cancel  context.CancelFunc
	pumps   sync.WaitGroup
	stopped atomic.Bool
}

func NewController(reg *registry.Registry, st store.SessionStore, auth authstate.Factory, dialer protocol.Dialer, opts ...Option) *Controller {
	c := &Controller{
		reg:      reg,
		store:    st,
		auth:     auth,
		dialer:   dialer,
		clock:    clockwork.NewRealClock(),
		timings:  DefaultTimings(),
		poolSize: defaultPoolSize,
		log:      log.With(log.FieldModule("lifecycle")),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.timings.PersistAttempts == 0 {
		c.timings.PersistAttempts = 1
	}
	if c.poolSize <= 0 {
		c.poolSize = defaultPoolSize
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.pool = conc.NewPool[struct{}](c.poolSize,
		conc.WithConcealPanic(true),
		conc.WithNonBlocking(true),
		conc.WithExpiryDuration(poolWorkerExpiry),
	)
	return c
}

// Registry 返回控制器使用的会话索引。
func (c *Controller) Registry() *registry.Registry {
	return c.reg
}

func (c *Controller) firmLogger(tenantID string) *log.MLogger {
	return c.log.With(log.FieldFirm(tenantID))
}

// ListConnected 返回当前已连接的租户。
func (c *Controller) ListConnected() typeutil.Set[string] {
	return c.reg.ListConnected()
}

// Status 返回租户当前状态，未登记的租户视为未连接。
func (c *Controller) Status(tenantID string) Status {
	sess, ok := c.reg.Get(tenantID)
	if !ok {
		return Status{}
	}
	st := sess.Snapshot()
	return Status{
		HasLoginCode: st.LoginCode != "",
		IsConnected:  st.Connected,
	}
}

// LoginCode 返回租户待扫描的登录码。
func (c *Controller) LoginCode(tenantID string) (string, error) {
	if tenantID == "" {
		return "", merr.WrapErrParameterMissing("tenantId")
	}
	sess, ok := c.reg.Get(tenantID)
	if !ok {
		return "", merr.WrapErrLoginCodeNotFound(tenantID)
	}
	code := sess.LoginCode()
	if code == "" {
		return "", merr.WrapErrLoginCodeNotFound(tenantID)
	}
	return code, nil
}

// RequestLoginCode 在租户尚无连接时发起初始化，返回调用结束时的状态。
func (c *Controller) RequestLoginCode(ctx context.Context, tenantID string) (Status, error) {
	if tenantID == "" {
		return Status{}, merr.WrapErrParameterMissing("tenantId")
	}
	if sess, ok := c.reg.Get(tenantID); ok {
		st := sess.Snapshot()
		if st.Connected || (st.Conn != nil && st.Phase.Active()) {
			return c.Status(tenantID), nil
		}
	}
	if err := c.Initialize(ctx, tenantID); err != nil {
		return c.Status(tenantID), err
	}
	return c.Status(tenantID), nil
}

// SendText 通过租户的已打开连接发送文本消息。
func (c *Controller) SendText(ctx context.Context, tenantID string, number string, text string) error {
	client, jid, err := c.openConn(tenantID, number)
	if err != nil {
		return err
	}
	if err := client.SendText(ctx, jid, text); err != nil {
		return merr.WrapErrProtocol("send-text", err)
	}
	return nil
}

// SendDocument 通过租户的已打开连接发送文件。
func (c *Controller) SendDocument(ctx context.Context, tenantID string, number string, doc protocol.Document) error {
	client, jid, err := c.openConn(tenantID, number)
	if err != nil {
		return err
	}
	if err := client.SendDocument(ctx, jid, doc); err != nil {
		return merr.WrapErrProtocol("send-document", err)
	}
	return nil
}

func (c *Controller) openConn(tenantID string, number string) (protocol.Client, string, error) {
	if tenantID == "" {
		return nil, "", merr.WrapErrParameterMissing("tenantId")
	}
	sess, ok := c.reg.Get(tenantID)
	if !ok {
		return nil, "", merr.WrapErrFirmNotConnected(tenantID)
	}
	st := sess.Snapshot()
	if !st.Connected || st.Conn == nil {
		return nil, "", merr.WrapErrFirmNotConnected(tenantID)
	}
	jid, err := protocol.JID(number)
	if err != nil {
		return nil, "", err
	}
	return st.Conn, jid, nil
}

// Disconnect 注销并关闭租户连接，清除持久化快照与本地材料，并移出索引。
func (c *Controller) Disconnect(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return merr.WrapErrParameterMissing("tenantId")
	}
	logger := c.firmLogger(tenantID)

	if sess, ok := c.reg.Get(tenantID); ok {
		sess.CancelTimers()
		conn := c.detach(sess, registry.PhaseTerminated)
		if conn != nil {
			if err := conn.Logout(ctx); err != nil {
				logger.Warn("logout failed during disconnect", zap.Error(err))
			}
			if err := conn.Close(); err != nil {
				logger.Warn("close connection failed during disconnect", zap.Error(err))
			}
		}
		c.reg.CompareAndRemove(sess)
		c.refreshConnectedGauge()
		sess.WithPersistLock(func() {
			c.clearPersisted(ctx, tenantID)
		})
	} else {
		c.clearPersisted(ctx, tenantID)
	}
	c.clearLocal(ctx, tenantID)
	metrics.FirmTerminated.WithLabelValues("disconnect").Inc()
	logger.Info("firm disconnected")
	return nil
}

// detach 使当前连接失效并返回它，旧连接随后产生的事件都会被丢弃。
func (c *Controller) detach(sess *registry.FirmSession, phase registry.Phase) protocol.Client {
	var conn protocol.Client
	sess.Update(func(st *registry.State) {
		conn = st.Conn
		st.Conn = nil
		st.Connected = false
		st.LoginCode = ""
		st.Phase = phase
		st.Generation++
	})
	return conn
}

// Restore 为所有仍保存快照的租户发起初始化。
func (c *Controller) Restore(ctx context.Context) error {
	records, err := c.store.List(ctx)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(defaultRestoreWorkers)
	restored := 0
	for _, rec := range records {
		if !rec.HasSnapshot() {
			continue
		}
		tenantID := rec.TenantID
		restored++
		g.Go(func() error {
			if err := c.Initialize(gctx, tenantID); err != nil {
				c.firmLogger(tenantID).Warn("restore firm failed", zap.Error(err))
			}
			return nil
		})
	}
	err = g.Wait()
	c.log.Info("restore firms finished", zap.Int("total", len(records)), zap.Int("restored", restored))
	return err
}

// Stop 取消全部定时任务并关闭所有连接，不会注销登录。
func (c *Controller) Stop(ctx context.Context) error {
	if !c.stopped.CompareAndSwap(false, true) {
		return nil
	}
	c.cancel()

	c.reg.Range(func(sess *registry.FirmSession) bool {
		sess.CancelTimers()
		if conn := c.detach(sess, registry.PhaseIdle); conn != nil {
			if err := conn.Close(); err != nil {
				c.firmLogger(sess.TenantID()).Warn("close connection failed during stop", zap.Error(err))
			}
		}
		return true
	})
	c.refreshConnectedGauge()

	done := make(chan struct{})
	go func() {
		c.pumps.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	c.pool.Release()
	c.log.Info("lifecycle controller stopped")
	return err
}

func (c *Controller) refreshConnectedGauge() {
	metrics.ConnectedFirms.Set(float64(c.reg.ListConnected().Len()))
}

// submit 在协程池中执行不关心结果的任务，池满时丢弃任务，不阻塞事件处理。
func (c *Controller) submit(fn func()) bool {
	if c.stopped.Load() {
		return false
	}
	future := c.pool.Submit(func() (struct{}, error) {
		fn()
		return struct{}{}, nil
	})
	select {
	case <-future.Inner():
		if err := future.Err(); err != nil && errors.Is(err, ants.ErrPoolOverload) {
			metrics.AsyncTasksDropped.Inc()
			c.log.WithRateGroup("lifecycle.pool", 1, 30).
				RatedWarn(1, "async task dropped, pool saturated", zap.Int("cap", c.pool.Cap()))
			return false
		}
	default:
	}
	return true
}
