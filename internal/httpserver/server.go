// Package httpserver 提供租户连接管理的 HTTP 接口。
package httpserver

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lk2023060901/firm-gateway-go/internal/lifecycle"
	"github.com/lk2023060901/firm-gateway-go/internal/protocol"
	"github.com/lk2023060901/firm-gateway-go/pkg/log"
	"github.com/lk2023060901/firm-gateway-go/pkg/util/typeutil"
)

const (
	defaultMaxUploadBytes = 32 << 20
	maxJSONBodyBytes      = 1 << 20
)

// Firms 为 HTTP 层依赖的租户连接操作。
type Firms interface {
	RequestLoginCode(ctx context.Context, tenantID string) (lifecycle.Status, error)
	Status(tenantID string) lifecycle.Status
	LoginCode(tenantID string) (string, error)
	SendText(ctx context.Context, tenantID string, number string, text string) error
	SendDocument(ctx context.Context, tenantID string, number string, doc protocol.Document) error
	Disconnect(ctx context.Context, tenantID string) error
	ListConnected() typeutil.Set[string]
}

var _ Firms = (*lifecycle.Controller)(nil)

// Config 为 HTTP 服务配置。
type Config struct {
	Listen            string        `mapstructure:"listen"`
	ReadHeaderTimeout time.Duration `mapstructure:"read-header-timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown-timeout"`
	MaxUploadBytes    int64         `mapstructure:"max-upload-bytes"`
}

func (c *Config) fillDefaults() {
	if c.Listen == "" {
		c.Listen = ":3000"
	}
	if c.ReadHeaderTimeout <= 0 {
		c.ReadHeaderTimeout = 10 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = defaultMaxUploadBytes
	}
}

// Server 为 HTTP 服务。
type Server struct {
	cfg      Config
	firms    Firms
	qr       *QRRenderer
	gatherer prometheus.Gatherer
	handler  http.Handler
	server   *http.Server

	log.Binder
}

// Option 用于调整 Server。
type Option func(s *Server)

// WithGatherer 指定 /metrics 暴露的指标来源。
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithQRRenderer 指定登录码图片渲染器。
func WithQRRenderer(r *QRRenderer) Option {
	return func(s *Server) {
		s.qr = r
	}
}

// WithLogger 指定服务使用的 Logger。
func WithLogger(logger *log.MLogger) Option {
	return func(s *Server) {
		if logger != nil {
			s.SetLogger(logger)
		}
	}
}

func New(cfg Config, firms Firms, opts ...Option) *Server {
	cfg.fillDefaults()
	s := &Server{
		cfg:      cfg,
		firms:    firms,
		qr:       NewQRRenderer(),
		gatherer: prometheus.DefaultGatherer,
	}
	s.SetLogger(log.With(log.FieldModule("httpserver")))
	for _, opt := range opts {
		opt(s)
	}
	s.handler = s.routes()
	return s
}

// Handler 返回包含全部路由的 http.Handler。
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	s.handle(mux, http.MethodPost, "/login-code", s.handleLoginCode)
	s.handle(mux, http.MethodGet, "/status", s.handleStatus)
	s.handle(mux, http.MethodGet, "/login-code-image", s.handleLoginCodeImage)
	s.handle(mux, http.MethodPost, "/send-message", s.handleSendMessage)
	s.handle(mux, http.MethodPost, "/send-document", s.handleSendDocument)
	s.handle(mux, http.MethodPost, "/disconnect", s.handleDisconnect)
	s.handle(mux, http.MethodGet, "/firms", s.handleFirms)
	s.handle(mux, http.MethodGet, "/health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

func (s *Server) handle(mux *http.ServeMux, method string, path string, fn http.HandlerFunc) {
	mux.Handle(method+" "+path, s.instrument(path, fn))
}

// ListenAndServe 监听并处理请求，直到 ctx 结束后优雅关闭。
func (s *Server) ListenAndServe(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", s.cfg.Listen)
	}
	return s.Serve(ctx, lis)
}

// Serve 在 lis 上处理请求，直到 ctx 结束后优雅关闭。
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.Logger().Info("http server listening", zap.String("addr", lis.Addr().String()))
		errCh <- s.server.Serve(lis)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		s.Logger().Warn("http server shutdown failed", zap.Error(err))
		return err
	}
	s.Logger().Info("http server stopped")
	return nil
}
