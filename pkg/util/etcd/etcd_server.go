package etcd

import (
	"net/url"
	"sync"

	"github.com/cockroachdb/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/server/v3/embed"
	"go.etcd.io/etcd/server/v3/etcdserver/api/v3client"
	"go.uber.org/zap"

	"github.com/lk2023060901/firm-gateway-go/pkg/log"
)

// 嵌入式 etcd 单例。
var (
	initOnce   sync.Once
	closeOnce  sync.Once
	etcdServer *embed.Etcd
)

// ServerConfig 描述嵌入式 etcd 的启动参数。
type ServerConfig struct {
	// ConfigPath 非空时从文件加载 embed.Config，其余字段覆盖文件中的值。
	ConfigPath string
	DataDir    string
	LogPath    string
	LogLevel   string
	// ClientURL/PeerURL 留空时使用 etcd 缺省地址。
	ClientURL string
	PeerURL   string
}

// GetEmbedEtcdClient 返回嵌入式 etcd 服务对应的 v3 客户端。
func GetEmbedEtcdClient() (*clientv3.Client, error) {
	if etcdServer == nil {
		return nil, errors.New("embedded etcd server not started")
	}
	return v3client.New(etcdServer.Server), nil
}

// InitEtcdServer 初始化嵌入式 etcd 单例服务，并等待其就绪。
func InitEtcdServer(useEmbedEtcd bool, sc ServerConfig) error {
	if !useEmbedEtcd {
		return nil
	}
	var initError error
	initOnce.Do(func() {
		cfg, err := buildConfig(sc)
		if err != nil {
			initError = err
			return
		}
		e, err := embed.StartEtcd(cfg)
		if err != nil {
			log.Error("failed to init embedded Etcd server", zap.Error(err))
			initError = err
			return
		}
		<-e.Server.ReadyNotify()
		etcdServer = e
		log.Info("finish init Etcd config", zap.String("path", sc.ConfigPath), zap.String("data", sc.DataDir))
	})
	return initError
}

func buildConfig(sc ServerConfig) (*embed.Config, error) {
	var cfg *embed.Config
	if len(sc.ConfigPath) > 0 {
		cfgFromFile, err := embed.ConfigFromFile(sc.ConfigPath)
		if err != nil {
			return nil, errors.Wrap(err, "load embedded etcd config")
		}
		cfg = cfgFromFile
	} else {
		cfg = embed.NewConfig()
	}
	cfg.Dir = sc.DataDir
	if sc.LogPath != "" {
		cfg.LogOutputs = []string{sc.LogPath}
	}
	if sc.LogLevel != "" {
		cfg.LogLevel = sc.LogLevel
	}
	if sc.ClientURL != "" {
		u, err := url.Parse(sc.ClientURL)
		if err != nil {
			return nil, errors.Wrap(err, "parse client url")
		}
		cfg.ListenClientUrls = []url.URL{*u}
		cfg.AdvertiseClientUrls = []url.URL{*u}
	}
	if sc.PeerURL != "" {
		u, err := url.Parse(sc.PeerURL)
		if err != nil {
			return nil, errors.Wrap(err, "parse peer url")
		}
		cfg.ListenPeerUrls = []url.URL{*u}
		cfg.AdvertisePeerUrls = []url.URL{*u}
		cfg.InitialCluster = cfg.InitialClusterFromName(cfg.Name)
	}
	return cfg, nil
}

func HasServer() bool {
	return etcdServer != nil
}

// StopEtcdServer 关闭嵌入式 etcd 单例。
func StopEtcdServer() {
	if etcdServer != nil {
		closeOnce.Do(func() {
			etcdServer.Close()
		})
	}
}
