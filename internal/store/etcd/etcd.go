// Package etcd 基于 etcd v3 实现 SessionStore。
//
// 每个租户一个 key：<root>/firm-session/<tenantId>，value 为 JSON 编码的 store.Record。
// 读-改-写通过 ModRevision 比较的事务保护，冲突时重试。
package etcd

import (
	"context"
	"path"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/lk2023060901/firm-gateway-go/internal/json"
	"github.com/lk2023060901/firm-gateway-go/internal/store"
	"github.com/lk2023060901/firm-gateway-go/pkg/log"
	"github.com/lk2023060901/firm-gateway-go/pkg/util/merr"
	"github.com/lk2023060901/firm-gateway-go/pkg/util/retry"
)

const (
	sessionPrefix = "firm-session"

	defaultRequestTimeout = 5 * time.Second
	defaultTxnAttempts    = 5
)

var _ store.SessionStore = (*Store)(nil)

type Store struct {
	cli            *clientv3.Client
	root           string
	clock          clockwork.Clock
	requestTimeout time.Duration
	txnAttempts    uint
}

type Option func(*Store)

func WithClock(clock clockwork.Clock) Option {
	return func(s *Store) {
		s.clock = clock
	}
}

func WithRequestTimeout(d time.Duration) Option {
	return func(s *Store) {
		s.requestTimeout = d
	}
}

// WithTxnAttempts 设置事务冲突时的最大尝试次数。
func WithTxnAttempts(n uint) Option {
	return func(s *Store) {
		s.txnAttempts = n
	}
}

func New(cli *clientv3.Client, root string, opts ...Option) *Store {
	s := &Store{
		cli:            cli,
		root:           root,
		clock:          clockwork.NewRealClock(),
		requestTimeout: defaultRequestTimeout,
		txnAttempts:    defaultTxnAttempts,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect 使用给定的 endpoints 创建 etcd 客户端。
func Connect(endpoints []string, dialTimeout time.Duration) (*clientv3.Client, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
		Logger:      log.L().Named("etcd-client").WithOptions(zap.IncreaseLevel(zap.WarnLevel)),
	})
	if err != nil {
		return nil, errors.Wrap(err, "connect etcd")
	}
	return cli, nil
}

func (s *Store) key(tenantID string) string {
	return path.Join(s.root, sessionPrefix, tenantID)
}

func (s *Store) prefix() string {
	return path.Join(s.root, sessionPrefix) + "/"
}

func (s *Store) Load(ctx context.Context, tenantID string) (*store.Record, error) {
	rec, _, err := s.get(ctx, tenantID)
	return rec, err
}

func (s *Store) get(ctx context.Context, tenantID string) (*store.Record, int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	key := s.key(tenantID)
	resp, err := s.cli.Get(ctx, key)
	if err != nil {
		return nil, 0, merr.WrapErrIoFailed(key, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, 0, nil
	}
	kv := resp.Kvs[0]
	rec, err := decodeRecord(kv)
	if err != nil {
		return nil, 0, err
	}
	return rec, kv.ModRevision, nil
}

func decodeRecord(kv *mvccpb.KeyValue) (*store.Record, error) {
	rec := &store.Record{}
	if err := json.Unmarshal(kv.Value, rec); err != nil {
		return nil, errors.Wrapf(err, "decode session record %s", kv.Key)
	}
	return rec, nil
}

func (s *Store) SaveSnapshot(ctx context.Context, tenantID string, status string, blob []byte) error {
	return s.update(ctx, tenantID, func(rec *store.Record, now time.Time) {
		store.ApplySnapshot(rec, status, blob, now)
	})
}

func (s *Store) SaveStatus(ctx context.Context, tenantID string, update store.StatusUpdate) error {
	return s.update(ctx, tenantID, func(rec *store.Record, now time.Time) {
		store.ApplyStatus(rec, update, now)
	})
}

func (s *Store) update(ctx context.Context, tenantID string, mutate func(rec *store.Record, now time.Time)) error {
	if tenantID == "" {
		return merr.WrapErrParameterMissing("tenantId")
	}
	key := s.key(tenantID)
	return retry.Do(ctx, func() error {
		rec, rev, err := s.get(ctx, tenantID)
		if err != nil {
			return err
		}
		if rec == nil {
			rec = &store.Record{TenantID: tenantID, Status: store.StatusDisconnected}
		}
		mutate(rec, s.clock.Now())
		value, err := json.Marshal(rec)
		if err != nil {
			return retry.Unrecoverable(err)
		}

		txnCtx, cancel := context.WithTimeout(ctx, s.requestTimeout)
		defer cancel()
		resp, err := s.cli.Txn(txnCtx).If(
			clientv3.Compare(clientv3.ModRevision(key), "=", rev),
		).Then(clientv3.OpPut(key, string(value))).Commit()
		if err != nil {
			return merr.WrapErrIoFailed(key, err)
		}
		if !resp.Succeeded {
			return merr.WrapErrStoreConflict(key)
		}
		return nil
	}, retry.Attempts(s.txnAttempts), retry.Sleep(20*time.Millisecond), retry.MaxSleepTime(200*time.Millisecond))
}

func (s *Store) List(ctx context.Context) ([]*store.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	resp, err := s.cli.Get(ctx, s.prefix(), clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, merr.WrapErrIoFailed(s.prefix(), err)
	}
	records := make([]*store.Record, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		rec, err := decodeRecord(kv)
		if err != nil {
			log.Ctx(ctx).Warn("skip undecodable session record", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}
