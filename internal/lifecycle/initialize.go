package lifecycle

import (
	"context"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/lk2023060901/firm-gateway-go/internal/authstate"
	"github.com/lk2023060901/firm-gateway-go/internal/protocol"
	"github.com/lk2023060901/firm-gateway-go/internal/registry"
	"github.com/lk2023060901/firm-gateway-go/internal/snapshot"
	"github.com/lk2023060901/firm-gateway-go/pkg/log"
	"github.com/lk2023060901/firm-gateway-go/pkg/metrics"
	"github.com/lk2023060901/firm-gateway-go/pkg/util/merr"
)

// Initialize 为租户建立连接并开始消费其事件。
//
// 同一租户的并发调用会合并为一次。失败时按初始化失败策略安排重试，
// 超过上限后放弃并把租户留在 Idle 阶段。
func (c *Controller) Initialize(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		log.Ctx(ctx).Warn("initialize called without tenant id, skipped")
		return nil
	}
	if c.stopped.Load() {
		return merr.WrapErrServiceNotReady("stopped")
	}
	// 请求结束不应中断连接建立
	runCtx := context.WithoutCancel(ctx)
	_, err, _ := c.flights.Do(tenantID, func() (any, error) {
		return nil, c.initialize(runCtx, tenantID)
	})
	return err
}

func (c *Controller) initialize(ctx context.Context, tenantID string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	logger := c.firmLogger(tenantID)
	sess := c.reg.GetOrCreate(tenantID)
	sess.ReconnectScheduler().Cancel()

	var (
		prev protocol.Client
		gen  uint64
	)
	sess.Update(func(st *registry.State) {
		prev = st.Conn
		st.Conn = nil
		st.Connected = false
		st.LoginCode = ""
		st.Phase = registry.PhaseInitializing
		st.Generation++
		gen = st.Generation
	})
	if prev != nil {
		_ = prev.Close()
		c.refreshConnectedGauge()
	}
	logger.Info("initializing firm connection", zap.Uint64("generation", gen))

	local, err := c.auth.ForFirm(tenantID)
	if err != nil {
		return c.initFailed(sess, gen, errors.Wrap(err, "open local auth state"))
	}
	if err := c.restoreSnapshot(ctx, tenantID, local); err != nil {
		return c.initFailed(sess, gen, err)
	}

	if d := c.timings.StartupDelay; d > 0 {
		select {
		case <-c.clock.After(d):
		case <-ctx.Done():
			return c.initFailed(sess, gen, ctx.Err())
		}
	}
	if !c.current(sess, gen) {
		logger.Info("initialization superseded before dialing", zap.Uint64("generation", gen))
		return nil
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, c.timings.ConnectTimeout)
	defer dialCancel()
	client, err := c.dialer.Dial(dialCtx, protocol.Options{
		TenantID:          tenantID,
		Auth:              local,
		QRTimeout:         c.timings.QRTimeout,
		ConnectTimeout:    c.timings.ConnectTimeout,
		RetryRequestDelay: c.timings.RetryRequestDelay,
		MaxMsgRetryCount:  c.timings.MaxMsgRetryCount,
		KeepAliveInterval: c.timings.KeepAliveInterval,
	})
	if err != nil {
		return c.initFailed(sess, gen, err)
	}

	attached := false
	sess.Update(func(st *registry.State) {
		if st.Generation == gen && st.Phase == registry.PhaseInitializing {
			st.Conn = client
			attached = true
		}
	})
	if !attached || !c.current(sess, gen) {
		logger.Info("initialization superseded after dialing", zap.Uint64("generation", gen))
		_ = client.Close()
		return nil
	}

	c.pumps.Add(1)
	go c.pump(sess, gen, client)
	return nil
}

// current 判断 sess 仍登记在索引中且 gen 为最新一代连接。
func (c *Controller) current(sess *registry.FirmSession, gen uint64) bool {
	cur, ok := c.reg.Get(sess.TenantID())
	return ok && cur == sess && sess.Generation() == gen
}

// restoreSnapshot 将持久化快照恢复到本地材料。
// 损坏的快照被记录并从存储中清除，视为不存在。
func (c *Controller) restoreSnapshot(ctx context.Context, tenantID string, local authstate.Store) error {
	logger := c.firmLogger(tenantID)
	rec, err := c.store.Load(ctx, tenantID)
	if err != nil {
		return errors.Wrap(err, "load persisted session")
	}
	if !rec.HasSnapshot() {
		return nil
	}
	if err := snapshot.Decode(ctx, rec.Snapshot, local); err != nil {
		logger.Warn("discard unusable credential snapshot", zap.Error(err))
		if errors.Is(err, merr.ErrSnapshotInvalid) {
			c.clearPersisted(ctx, tenantID)
		}
		return nil
	}
	logger.Info("credential snapshot restored")
	return nil
}

// initFailed 记录一次初始化失败，并安排重试或放弃。
func (c *Controller) initFailed(sess *registry.FirmSession, gen uint64, cause error) error {
	tenantID := sess.TenantID()
	logger := c.firmLogger(tenantID)
	policy := InitFailurePolicy()

	var (
		stale     bool
		abandoned bool
		attempt   int
		delay     = backoff.Stop
	)
	sess.Update(func(st *registry.State) {
		if st.Generation != gen {
			stale = true
			return
		}
		attempt, delay = policy.Next(st.ReconnectAttempts)
		if delay == backoff.Stop {
			st.ReconnectAttempts = 0
			st.Phase = registry.PhaseIdle
			abandoned = true
			return
		}
		st.ReconnectAttempts = attempt
		st.Phase = registry.PhaseReconnecting
	})
	switch {
	case stale:
		logger.Info("initialization failed for superseded connection", zap.Error(cause))
	case abandoned:
		logger.Error("initialization abandoned after retry ceiling", zap.Int("ceiling", policy.Ceiling), zap.Error(cause))
		metrics.FirmTerminated.WithLabelValues(string(ClassInitFailure)).Inc()
	default:
		logger.Warn("initialization failed, retry scheduled",
			zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(cause))
		c.scheduleReconnect(sess, policy.Class, delay)
	}
	return cause
}
