package lifecycle

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/lk2023060901/firm-gateway-go/internal/protocol"
	"github.com/lk2023060901/firm-gateway-go/internal/registry"
	"github.com/lk2023060901/firm-gateway-go/internal/store"
	"github.com/lk2023060901/firm-gateway-go/pkg/metrics"
)

// 终止原因，用作指标标签。
const (
	terminateLoggedOut       = "logged_out"
	terminateConflictCeiling = "auth_conflict_ceiling"
	terminateGenericCeiling  = "generic_ceiling"
)

// pump 消费一条连接的全部事件，直到 channel 关闭。
func (c *Controller) pump(sess *registry.FirmSession, gen uint64, client protocol.Client) {
	defer c.pumps.Done()
	for ev := range client.Events() {
		c.handle(sess, gen, ev)
	}
}

// handle 为单个事件的状态转换入口，来自旧连接的事件被丢弃。
func (c *Controller) handle(sess *registry.FirmSession, gen uint64, ev protocol.Event) {
	if sess.Generation() != gen {
		c.firmLogger(sess.TenantID()).Debug("drop event from stale connection",
			zap.Stringer("kind", ev.Kind), zap.Uint64("generation", gen))
		return
	}
	switch ev.Kind {
	case protocol.EventLoginCode:
		c.onLoginCode(sess, gen, ev.LoginCode)
	case protocol.EventOpened:
		c.onOpened(sess, gen)
	case protocol.EventClosed:
		c.onClosed(sess, gen, ev)
	case protocol.EventCredentialsUpdated:
		c.onCredentialsUpdated(sess, ev)
	default:
		c.firmLogger(sess.TenantID()).Warn("ignore unknown connection event", zap.Stringer("kind", ev.Kind))
	}
}

func (c *Controller) onLoginCode(sess *registry.FirmSession, gen uint64, code string) {
	logger := c.firmLogger(sess.TenantID())
	applied := false
	sess.Update(func(st *registry.State) {
		if st.Generation != gen || st.Connected {
			return
		}
		st.LoginCode = code
		st.Phase = registry.PhaseAwaitingLogin
		applied = true
	})
	if !applied {
		logger.Debug("ignore login code for connected session")
		return
	}
	logger.Info("login code issued")
	c.writeStatusAsync(sess, store.StatusUpdate{
		Status:      store.StatusQRGenerated,
		QRAvailable: true,
		Timestamp:   c.clock.Now(),
	})
}

func (c *Controller) onOpened(sess *registry.FirmSession, gen uint64) {
	applied := false
	sess.Update(func(st *registry.State) {
		if st.Generation != gen || st.Conn == nil {
			return
		}
		st.Connected = true
		st.LoginCode = ""
		st.ReconnectAttempts = 0
		st.Phase = registry.PhaseConnected
		applied = true
	})
	if !applied {
		return
	}
	c.refreshConnectedGauge()
	c.firmLogger(sess.TenantID()).Info("firm connection opened")
	c.writeStatusAsync(sess, store.StatusUpdate{
		Status:    store.StatusConnected,
		Connected: true,
		Timestamp: c.clock.Now(),
	})
}

type closeOutcome struct {
	stale     bool
	terminate string
	class     Class
	attempt   int
	delay     time.Duration
}

func (c *Controller) onClosed(sess *registry.FirmSession, gen uint64, ev protocol.Event) {
	logger := c.firmLogger(sess.TenantID())

	var out closeOutcome
	sess.Update(func(st *registry.State) {
		if st.Generation != gen {
			out.stale = true
			return
		}
		st.Connected = false
		st.LoginCode = ""
		st.Conn = nil
		st.Phase = registry.PhaseClosing

		switch ev.Reason {
		case protocol.ReasonLoggedOut:
			st.ReconnectAttempts = 0
			st.Phase = registry.PhaseTerminated
			out.terminate = terminateLoggedOut
			return
		case protocol.ReasonConnectionReplaced:
			out.class = ClassAuthConflict
		default:
			out.class = ClassGeneric
		}

		policy := AuthConflictPolicy()
		if out.class == ClassGeneric {
			policy = GenericPolicy()
		}
		out.attempt, out.delay = policy.Next(st.ReconnectAttempts)
		if out.delay == backoff.Stop {
			if out.class == ClassGeneric {
				st.ReconnectAttempts = 0
				out.terminate = terminateGenericCeiling
			} else {
				out.terminate = terminateConflictCeiling
			}
			st.Phase = registry.PhaseTerminated
			return
		}
		st.ReconnectAttempts = out.attempt
		st.Phase = registry.PhaseReconnecting
	})
	if out.stale {
		return
	}
	c.refreshConnectedGauge()

	if out.terminate != "" {
		logger.Warn("firm connection closed, terminating",
			zap.Stringer("reason", ev.Reason), zap.String("terminate", out.terminate), zap.Error(ev.Err))
		c.terminate(sess, out.terminate)
		return
	}
	logger.Info("firm connection closed, reconnect scheduled",
		zap.Stringer("reason", ev.Reason),
		zap.String("class", string(out.class)),
		zap.Int("attempt", out.attempt),
		zap.Duration("delay", out.delay),
		zap.Error(ev.Err))
	c.scheduleReconnect(sess, out.class, out.delay)
}

// terminate 清除租户的持久化快照并移出索引，注销时同时删除本地材料。
func (c *Controller) terminate(sess *registry.FirmSession, reason string) {
	tenantID := sess.TenantID()
	sess.CancelTimers()
	c.reg.CompareAndRemove(sess)

	ctx := c.ctx
	sess.WithPersistLock(func() {
		c.clearPersisted(ctx, tenantID)
	})
	if reason == terminateLoggedOut {
		c.clearLocal(ctx, tenantID)
	}
	metrics.FirmTerminated.WithLabelValues(reason).Inc()
}

// scheduleReconnect 在 delay 后重新初始化，已安排的重连会被替换。
func (c *Controller) scheduleReconnect(sess *registry.FirmSession, class Class, delay time.Duration) {
	metrics.ReconnectScheduled.WithLabelValues(string(class)).Inc()
	tenantID := sess.TenantID()
	sess.ReconnectScheduler().ScheduleAfter(delay, func() {
		if c.stopped.Load() {
			return
		}
		if cur, ok := c.reg.Get(tenantID); !ok || cur != sess {
			return
		}
		if err := c.Initialize(c.ctx, tenantID); err != nil {
			c.firmLogger(tenantID).Debug("scheduled reconnect failed", zap.Error(err))
		}
	})
}

func (c *Controller) onCredentialsUpdated(sess *registry.FirmSession, ev protocol.Event) {
	tenantID := sess.TenantID()
	logger := c.firmLogger(tenantID)

	local, err := c.auth.ForFirm(tenantID)
	if err != nil {
		logger.Warn("open local auth state failed", zap.Error(err))
		return
	}
	// 快照任务从本地读取，必须先落盘
	if err := local.WriteCredentials(c.ctx, ev.Credentials); err != nil {
		logger.Warn("write local credentials failed", zap.Error(err))
		return
	}
	sess.PersistScheduler().Schedule(func() {
		c.submit(func() { c.persistSnapshot(sess) })
	})
}

// writeStatusAsync 异步写入状态字段，失败只记录日志。会话已终止时不再写入。
func (c *Controller) writeStatusAsync(sess *registry.FirmSession, update store.StatusUpdate) {
	tenantID := sess.TenantID()
	c.submit(func() {
		var err error
		written := false
		sess.WithPersistLock(func() {
			if cur, ok := c.reg.Get(tenantID); !ok || cur != sess {
				return
			}
			written = true
			err = c.store.SaveStatus(c.ctx, tenantID, update)
		})
		if !written {
			return
		}
		result := metrics.SuccessLabel
		if err != nil {
			result = metrics.FailLabel
			c.firmLogger(tenantID).WithRateGroup("lifecycle.status", 1, 30).
				RatedWarn(1, "persist session status failed", zap.String("status", update.Status), zap.Error(err))
		}
		metrics.StatusWrites.WithLabelValues(update.Status, result).Inc()
	})
}

// clearPersisted 清除持久化快照，保留记录本身。
func (c *Controller) clearPersisted(ctx context.Context, tenantID string) {
	if err := c.store.SaveSnapshot(ctx, tenantID, store.StatusDisconnected, nil); err != nil {
		c.firmLogger(tenantID).Warn("clear persisted snapshot failed", zap.Error(err))
	}
}

func (c *Controller) clearLocal(ctx context.Context, tenantID string) {
	local, err := c.auth.ForFirm(tenantID)
	if err == nil {
		err = local.Clear(ctx)
	}
	if err != nil {
		c.firmLogger(tenantID).Warn("clear local auth state failed", zap.Error(err))
	}
}
