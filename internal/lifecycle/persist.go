package lifecycle

import (
	"go.uber.org/zap"

	"github.com/lk2023060901/firm-gateway-go/internal/registry"
	"github.com/lk2023060901/firm-gateway-go/internal/snapshot"
	"github.com/lk2023060901/firm-gateway-go/internal/store"
	"github.com/lk2023060901/firm-gateway-go/pkg/metrics"
	"github.com/lk2023060901/firm-gateway-go/pkg/util/merr"
	"github.com/lk2023060901/firm-gateway-go/pkg/util/retry"
)

// persistSnapshot 在防抖到期时把本地材料写入存储。
//
// 距上次成功写入不足 PersistRateLimit 时直接跳过且不重新安排；
// 本地既无凭证也无密钥条目时不写入。
func (c *Controller) persistSnapshot(sess *registry.FirmSession) {
	sess.WithPersistLock(func() {
		c.persistSnapshotLocked(sess)
	})
}

// persistSnapshotLocked 要求持有会话的存储写入锁，会话已移出索引时不写入。
func (c *Controller) persistSnapshotLocked(sess *registry.FirmSession) {
	tenantID := sess.TenantID()
	logger := c.firmLogger(tenantID).WithRateGroup("lifecycle.persist", 1, 30)

	if cur, ok := c.reg.Get(tenantID); !ok || cur != sess {
		return
	}
	st := sess.Snapshot()
	now := c.clock.Now()
	if !st.LastPersistedAt.IsZero() && now.Sub(st.LastPersistedAt) < c.timings.PersistRateLimit {
		metrics.SnapshotPersist.WithLabelValues(metrics.SkipLabel).Inc()
		logger.RatedDebug(1, "skip snapshot persist within rate limit",
			zap.Time("lastPersistedAt", st.LastPersistedAt))
		return
	}

	local, err := c.auth.ForFirm(tenantID)
	if err != nil {
		metrics.SnapshotPersist.WithLabelValues(metrics.FailLabel).Inc()
		logger.RatedWarn(1, "open local auth state failed", zap.Error(err))
		return
	}
	snap, err := snapshot.Encode(c.ctx, local)
	if err != nil {
		metrics.SnapshotPersist.WithLabelValues(metrics.FailLabel).Inc()
		logger.RatedWarn(1, "encode credential snapshot failed", zap.Error(err))
		return
	}
	if snap.Empty() {
		metrics.SnapshotPersist.WithLabelValues(metrics.SkipLabel).Inc()
		return
	}
	blob, err := snapshot.Marshal(snap)
	if err != nil {
		metrics.SnapshotPersist.WithLabelValues(metrics.FailLabel).Inc()
		logger.RatedWarn(1, "marshal credential snapshot failed", zap.Error(err))
		return
	}

	status := statusOf(st)
	err = retry.Do(c.ctx, func() error {
		return c.store.SaveSnapshot(c.ctx, tenantID, status, blob)
	}, retry.Attempts(c.timings.PersistAttempts))
	if err != nil {
		metrics.SnapshotPersist.WithLabelValues(metrics.FailLabel).Inc()
		logger.RatedWarn(1, "persist credential snapshot failed", zap.Error(merr.WrapErrPersistFailed(tenantID, err)))
		return
	}

	persistedAt := c.clock.Now()
	sess.Update(func(st *registry.State) {
		st.LastPersistedAt = persistedAt
	})
	metrics.SnapshotPersist.WithLabelValues(metrics.SuccessLabel).Inc()
	logger.Debug("credential snapshot persisted", zap.Int("keys", len(snap.Keys)), zap.Int("bytes", len(blob)))
}

func statusOf(st registry.State) string {
	switch {
	case st.Connected:
		return store.StatusConnected
	case st.LoginCode != "":
		return store.StatusQRGenerated
	default:
		return store.StatusDisconnected
	}
}
