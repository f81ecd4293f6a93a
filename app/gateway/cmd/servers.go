package main

import (
	"context"

	"github.com/restbank/gateway/pkg/registry"
	"github.com/restbank/gateway/pkg/util/conc"
	"github.com/restbank/gateway/pkg/web"
)

// registryServer 把注册中心刷新循环接入应用生命周期
type registryServer struct {
	client *registry.Client
}

func (r *registryServer) Start() error {
	return r.client.Start(context.Background())
}

func (r *registryServer) Stop(context.Context) error {
	r.client.Stop()
	return nil
}

// webServer 在后台运行入站 HTTP 服务
type webServer struct {
	srv    *web.Server
	cancel context.CancelFunc
	done   *conc.Future[struct{}]
}

func newWebServer(srv *web.Server) *webServer {
	return &webServer{srv: srv}
}

func (w *webServer) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = conc.Go(func() (struct{}, error) {
		return struct{}{}, w.srv.Run(ctx)
	})
	return nil
}

func (w *webServer) Stop(ctx context.Context) error {
	w.cancel()
	select {
	case <-w.done.Inner():
		return w.done.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
