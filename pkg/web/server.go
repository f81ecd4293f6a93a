// Package web 基于 gin 的入站 HTTP 服务
package web

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/restbank/gateway/pkg/config"
	"github.com/restbank/gateway/pkg/logger"
	"github.com/restbank/gateway/pkg/security"
	"github.com/restbank/gateway/pkg/util/conc"
)

// Server Web 服务
type Server struct {
	engine  *gin.Engine
	config  *Config
	logger  logger.Logger
	server  *http.Server
	tls     *tls.Config
	started atomic.Bool
}

// NewServer 创建 Web 服务，中间件由调用方通过 Use 挂载
func NewServer(cfg *Config, l logger.Logger) (*Server, error) {
	merged, err := config.MergeConfig(DefaultConfig(), cfg)
	if err != nil {
		return nil, err
	}
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	if l == nil {
		l = logger.Default()
	}

	s := &Server{
		config: merged,
		logger: l.Named("web.server"),
	}
	if merged.TLSEnabled() {
		s.tls, err = security.NewServerTLSConfig(&merged.TLS)
		if err != nil {
			return nil, errors.Wrap(err, "server tls")
		}
	}

	gin.SetMode(merged.Mode)
	s.engine = gin.New()
	s.server = &http.Server{
		Handler:        s.engine,
		ReadTimeout:    merged.ReadTimeout,
		WriteTimeout:   merged.WriteTimeout,
		IdleTimeout:    merged.IdleTimeout,
		MaxHeaderBytes: merged.MaxHeaderBytes,
		TLSConfig:      s.tls,
	}
	return s, nil
}

// Use 挂载全局中间件
func (s *Server) Use(mw ...gin.HandlerFunc) {
	s.engine.Use(mw...)
}

// Router 返回 gin 引擎
func (s *Server) Router() *gin.Engine {
	return s.engine
}

// Handler 返回 http.Handler
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Serve 在给定监听器上提供服务，直到 Shutdown
func (s *Server) Serve(ln net.Listener) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrServerAlreadyStarted
	}

	var err error
	if s.tls != nil {
		s.logger.Info("starting https server", "addr", ln.Addr().String())
		err = s.server.Serve(tls.NewListener(ln, s.tls))
	} else {
		s.logger.Info("starting http server", "addr", ln.Addr().String())
		err = s.server.Serve(ln)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "serve")
	}
	return nil
}

// Shutdown 优雅关闭
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "server forced to shutdown")
	}
	s.logger.Info("server exited")
	return nil
}

// Run 监听配置地址，收到信号或 ctx 结束时优雅关闭
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", s.config.Addr)
	}

	serving := conc.Go(func() (struct{}, error) {
		return struct{}{}, s.Serve(ln)
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-serving.Inner():
		return serving.Err()
	case sig := <-quit:
		s.logger.Info("shutting down server", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return serving.Err()
}
