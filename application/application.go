package application

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lk2023060901/firm-gateway-go/internal/authstate"
	"github.com/lk2023060901/firm-gateway-go/internal/httpserver"
	"github.com/lk2023060901/firm-gateway-go/internal/lifecycle"
	"github.com/lk2023060901/firm-gateway-go/internal/protocol/wsclient"
	"github.com/lk2023060901/firm-gateway-go/internal/registry"
	zlog "github.com/lk2023060901/firm-gateway-go/pkg/log"
	"github.com/lk2023060901/firm-gateway-go/pkg/metrics"
	zviper "github.com/lk2023060901/firm-gateway-go/pkg/util/viper"
)

const (
	defaultConfigPath = "./config.yaml"
	envConfigPath     = "FIRMGW_CONFIG_FILE_PATH"
	envPrefix         = "FIRMGW"
	stopTimeout       = 15 * time.Second
)

// Application 为网关进程的运行时容器，负责配置、日志与各组件的装配。
type Application struct {
	configPath string
	cfg        *zviper.Config
	conf       Config
	loggers    map[string]*zlog.MLogger
}

// Option 用于调整 Application。
type Option func(a *Application)

// WithConfigPath 指定配置文件路径，优先级高于环境变量。
func WithConfigPath(path string) Option {
	return func(a *Application) {
		a.configPath = path
	}
}

// New creates a new Application instance.
func New(opts ...Option) *Application {
	a := &Application{}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run 加载配置与日志，启动 HTTP 服务和生命周期控制器，直到 ctx 结束。
//
// 配置文件路径优先级：
//  1. Default: ./config.yaml
//  2. Env: FIRMGW_CONFIG_FILE_PATH
//  3. CLI: --config <path>
func (a *Application) Run(ctx context.Context) error {
	if err := a.Init(); err != nil {
		return err
	}
	defer zlog.Sync()

	metrics.Register(prometheus.DefaultRegisterer)

	sessions, closeStore, err := a.buildStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	timings := lifecycle.DefaultTimings()
	ctrl := lifecycle.NewController(
		registry.New(nil, timings.PersistDebounce),
		sessions,
		authstate.NewFileFactory(a.conf.AuthState.Root),
		wsclient.NewDialer(wsclient.Config{
			URL:          a.conf.Bridge.URL,
			WriteTimeout: a.conf.Bridge.WriteTimeout,
		}),
		lifecycle.WithTimings(timings),
		lifecycle.WithLogger(a.Logger("lifecycle")),
	)
	srv := httpserver.New(a.conf.HTTP, ctrl,
		httpserver.WithGatherer(prometheus.DefaultGatherer),
		httpserver.WithLogger(a.Logger("httpserver")),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})
	if a.conf.Firm.RestoreOnStart {
		g.Go(func() error {
			if err := ctrl.Restore(gctx); err != nil {
				zlog.Warn("restore firms failed", zap.Error(err))
			}
			return nil
		})
	}
	zlog.Info("firm gateway started",
		zap.String("listen", a.conf.HTTP.Listen),
		zap.String("store", a.conf.Store.Type),
		zap.String("bridge", a.conf.Bridge.URL))

	runErr := g.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := ctrl.Stop(stopCtx); err != nil {
		zlog.Warn("stop lifecycle controller failed", zap.Error(err))
	}
	zlog.Info("firm gateway stopped", zap.Error(runErr))
	return runErr
}

// Init 加载配置并初始化日志，不启动任何服务。
func (a *Application) Init() error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	a.cfg = cfg
	if err := cfg.Unmarshal(&a.conf); err != nil {
		return errors.Wrap(err, "decode config")
	}
	return a.initLogging()
}

// Config returns the loaded configuration, if any.
func (a *Application) Config() *zviper.Config {
	return a.cfg
}

// Settings 返回解码后的配置。
func (a *Application) Settings() Config {
	return a.conf
}

// Logger returns a named logger created from configuration.
// If the name is unknown, it falls back to the global logger.
func (a *Application) Logger(name string) *zlog.MLogger {
	if lg, ok := a.loggers[name]; ok && lg != nil {
		return lg.With(zlog.FieldModule(name))
	}
	return zlog.With(zlog.FieldModule(name))
}

// loadConfig 解析配置文件路径并加载；使用默认路径且文件不存在时只使用缺省值。
func (a *Application) loadConfig() (*zviper.Config, error) {
	configPath, explicit := defaultConfigPath, false
	if envPath := strings.TrimSpace(os.Getenv(envConfigPath)); envPath != "" {
		configPath, explicit = envPath, true
	}
	if a.configPath != "" {
		configPath, explicit = a.configPath, true
	}

	cfg := zviper.New()
	setDefaults(cfg)
	cfg.AutomaticEnv(envPrefix)

	if _, err := os.Stat(configPath); err != nil && !explicit && os.IsNotExist(err) {
		return cfg, nil
	}
	if err := cfg.LoadFile(configPath); err != nil {
		return nil, errors.Wrapf(err, "failed to load config file %q", configPath)
	}
	return cfg, nil
}

// initLogging initializes global and module-level loggers.
func (a *Application) initLogging() error {
	if err := a.initGlobalLoggerFromEnv(); err != nil {
		return err
	}
	return a.initModuleLoggersFromConfig()
}

// initGlobalLoggerFromEnv configures the process-wide logger based on FIRMGW_LOG_* env vars.
//
// Priority:
//   - FIRMGW_LOG_ENABLE: "1"/"true" to enable outputs; others treated as disabled.
//   - FIRMGW_LOG_LEVEL: log level (default "info").
//   - FIRMGW_LOG_STDOUT: whether to log to stdout (default true).
//   - FIRMGW_LOG_FILE_DIR: log directory.
//   - FIRMGW_LOG_FILE: log file name (empty means no file).
//   - FIRMGW_LOG_FORMAT: log format ("text", "console" or "json", default "text").
func (a *Application) initGlobalLoggerFromEnv() error {
	enabled := getenvBool("FIRMGW_LOG_ENABLE", true)

	cfg := &zlog.Config{
		Level:               getenvDefault("FIRMGW_LOG_LEVEL", "info"),
		Format:              getenvDefault("FIRMGW_LOG_FORMAT", "text"),
		Stdout:              getenvBool("FIRMGW_LOG_STDOUT", true),
		DisableErrorVerbose: true,
		File: zlog.FileLogConfig{
			RootPath: getenvDefault("FIRMGW_LOG_FILE_DIR", ""),
			Filename: getenvDefault("FIRMGW_LOG_FILE", ""),
		},
	}

	// When not enabled, direct all outputs to a discarded sink.
	if !enabled {
		cfg.Stdout = false
		cfg.File.Filename = ""
	}

	logger, props, err := zlog.InitLogger(cfg)
	if err != nil {
		return errors.Wrap(err, "init global logger from env")
	}
	zlog.ReplaceGlobals(logger, props)
	return nil
}

// initModuleLoggersFromConfig creates named loggers from YAML config under "logging" key.
//
// Example:
//
//	logging:
//	  lifecycle:
//	    level: debug
//	    stdout: true
//	    file:
//	      rootpath: ./logs
//	      filename: lifecycle.log
func (a *Application) initModuleLoggersFromConfig() error {
	if a.cfg == nil {
		return nil
	}

	raw := make(map[string]zlog.Config)
	if err := a.cfg.UnmarshalKey("logging", &raw); err != nil {
		return errors.Wrap(err, "decode logging config")
	}
	if len(raw) == 0 {
		return nil
	}

	a.loggers = make(map[string]*zlog.MLogger, len(raw))
	for name, lc := range raw {
		cfgCopy := lc
		logger, _, err := zlog.InitLogger(&cfgCopy)
		if err != nil {
			return errors.Wrapf(err, "init module logger %q", name)
		}
		a.loggers[name] = &zlog.MLogger{Logger: logger}
	}
	return nil
}

func getenvDefault(key, def string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	return val
}

func getenvBool(key string, def bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}
