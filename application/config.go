package application

import (
	"time"

	"github.com/lk2023060901/firm-gateway-go/internal/httpserver"
	"github.com/lk2023060901/firm-gateway-go/internal/store"
	zviper "github.com/lk2023060901/firm-gateway-go/pkg/util/viper"
)

// Config 为进程级配置，对应 YAML 顶层 key。
type Config struct {
	HTTP      httpserver.Config `mapstructure:"http"`
	Store     StoreConfig       `mapstructure:"store"`
	AuthState AuthStateConfig   `mapstructure:"authstate"`
	Firm      FirmConfig        `mapstructure:"firm"`
	Bridge    BridgeConfig      `mapstructure:"bridge"`
}

// StoreConfig 选择会话记录存储后端。
type StoreConfig struct {
	// Type 为 memory 或 etcd。
	Type string     `mapstructure:"type"`
	Etcd EtcdConfig `mapstructure:"etcd"`
}

type EtcdConfig struct {
	Endpoints      []string      `mapstructure:"endpoints"`
	Root           string        `mapstructure:"root"`
	DialTimeout    time.Duration `mapstructure:"dial-timeout"`
	RequestTimeout time.Duration `mapstructure:"request-timeout"`

	// UseEmbed 为 true 时在进程内启动单节点 etcd。
	UseEmbed   bool   `mapstructure:"use-embed"`
	ConfigPath string `mapstructure:"config-path"`
	DataDir    string `mapstructure:"data-dir"`
	LogPath    string `mapstructure:"log-path"`
	LogLevel   string `mapstructure:"log-level"`
}

// AuthStateConfig 为本地认证材料目录。
type AuthStateConfig struct {
	Root string `mapstructure:"root"`
}

type FirmConfig struct {
	// RestoreOnStart 为 true 时启动后恢复所有持有快照的租户。
	RestoreOnStart bool `mapstructure:"restore-on-start"`
}

// BridgeConfig 为协议桥接服务地址。
type BridgeConfig struct {
	URL          string        `mapstructure:"url"`
	WriteTimeout time.Duration `mapstructure:"write-timeout"`
}

func setDefaults(cfg *zviper.Config) {
	cfg.SetDefault("http.listen", ":3000")
	cfg.SetDefault("http.read-header-timeout", "10s")
	cfg.SetDefault("http.shutdown-timeout", "10s")
	cfg.SetDefault("http.max-upload-bytes", 32<<20)

	cfg.SetDefault("store.type", store.KindMemory)
	cfg.SetDefault("store.etcd.endpoints", []string{"127.0.0.1:2379"})
	cfg.SetDefault("store.etcd.root", "firmgw")
	cfg.SetDefault("store.etcd.dial-timeout", "5s")
	cfg.SetDefault("store.etcd.request-timeout", "5s")
	cfg.SetDefault("store.etcd.use-embed", false)
	cfg.SetDefault("store.etcd.data-dir", "./data/etcd")
	cfg.SetDefault("store.etcd.log-level", "warn")

	cfg.SetDefault("authstate.root", "./auth_info")
	cfg.SetDefault("firm.restore-on-start", true)

	cfg.SetDefault("bridge.url", "ws://127.0.0.1:8090/ws")
	cfg.SetDefault("bridge.write-timeout", "10s")
}
