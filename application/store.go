package application

import (
	"context"

	"github.com/cockroachdb/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/lk2023060901/firm-gateway-go/internal/store"
	etcdstore "github.com/lk2023060901/firm-gateway-go/internal/store/etcd"
	"github.com/lk2023060901/firm-gateway-go/internal/store/memory"
	zlog "github.com/lk2023060901/firm-gateway-go/pkg/log"
	"github.com/lk2023060901/firm-gateway-go/pkg/util/etcd"
	"github.com/lk2023060901/firm-gateway-go/pkg/util/merr"
)

// buildStore 按配置创建会话记录存储，返回的 close 函数释放后端资源。
func (a *Application) buildStore(ctx context.Context) (store.SessionStore, func(), error) {
	sc := a.conf.Store
	switch sc.Type {
	case "", store.KindMemory:
		zlog.Warn("using in-memory session store, persisted sessions are lost on restart")
		return store.Instrument(store.KindMemory, memory.New()), func() {}, nil

	case store.KindEtcd:
		cli, err := a.connectEtcd(ctx, sc.Etcd)
		if err != nil {
			return nil, nil, err
		}
		st := etcdstore.New(cli, sc.Etcd.Root, etcdstore.WithRequestTimeout(sc.Etcd.RequestTimeout))
		closeFn := func() {
			if err := cli.Close(); err != nil {
				zlog.Warn("close etcd client failed", zap.Error(err))
			}
			etcd.StopEtcdServer()
		}
		return store.Instrument(store.KindEtcd, st), closeFn, nil

	default:
		return nil, nil, merr.WrapErrParameterInvalidMsg("unknown store type %q", sc.Type)
	}
}

func (a *Application) connectEtcd(ctx context.Context, ec EtcdConfig) (*clientv3.Client, error) {
	if ec.UseEmbed {
		err := etcd.InitEtcdServer(true, etcd.ServerConfig{
			ConfigPath: ec.ConfigPath,
			DataDir:    ec.DataDir,
			LogPath:    ec.LogPath,
			LogLevel:   ec.LogLevel,
		})
		if err != nil {
			return nil, errors.Wrap(err, "start embedded etcd")
		}
		return etcd.GetEmbedEtcdClient()
	}

	if len(ec.Endpoints) == 0 {
		return nil, merr.WrapErrParameterMissing("store.etcd.endpoints")
	}
	cli, err := etcdstore.Connect(ec.Endpoints, ec.DialTimeout)
	if err != nil {
		return nil, err
	}
	statusCtx, cancel := context.WithTimeout(ctx, ec.DialTimeout)
	defer cancel()
	if _, err := cli.Status(statusCtx, ec.Endpoints[0]); err != nil {
		_ = cli.Close()
		return nil, merr.WrapErrServiceUnavailable("etcd", err.Error())
	}
	return cli, nil
}
