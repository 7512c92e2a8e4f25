package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/crazyfrankie/zhttp"
	"github.com/crazyfrankie/zhttp/contrib/tracing"
	"github.com/crazyfrankie/zhttp/discovery/etcd"
	"github.com/crazyfrankie/zhttp/internal/config"
	"github.com/crazyfrankie/zhttp/protocol"
	"github.com/crazyfrankie/zhttp/stats/metrics"
	"github.com/crazyfrankie/zhttp/transport"
)

var servePattern string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run an echo server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, cleanup, err := setup()
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServe(ctx, cfg)
	},
}

func init() {
	serveCmd.Flags().StringVar(&servePattern, "pattern", "*", "path pattern the echo handler is registered at")
}

func serverOptions(cfg *config.Config, reg prometheus.Registerer) ([]zhttp.ServerOption, error) {
	policy, err := protocol.ParseVersionPolicy(cfg.Server.Policy)
	if err != nil {
		return nil, err
	}
	opts := []zhttp.ServerOption{
		zhttp.WithVersionPolicy(policy),
		zhttp.WithReadTimeout(cfg.Server.ReadTimeout),
		zhttp.WithWriteTimeout(cfg.Server.WriteTimeout),
		zhttp.WithGracePeriod(cfg.Server.GracePeriod),
		zhttp.WithMaxConcurrentStreams(cfg.Server.MaxStreams),
		zhttp.WithStatsHandler(metrics.New("zhttp", reg)),
		zhttp.WithStatsHandler(tracing.NewServerHandler(tracing.WithFilter(tracing.HealthCheckFilter()))),
	}
	if cfg.Server.WorkerPool > 0 {
		opts = append(opts,
			zhttp.WithWorkerPool(cfg.Server.WorkerPool),
			zhttp.WithTaskQueueSize(cfg.Server.TaskQueueSize))
	}

	switch {
	case len(cfg.TLS.AutocertHosts) > 0:
		opts = append(opts, zhttp.WithTLSStrategy(transport.NewAutocertStrategy(cfg.TLS.AutocertCache, cfg.TLS.AutocertHosts...)))
	case cfg.TLS.CertFile != "":
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load key pair: %w", err)
		}
		opts = append(opts, zhttp.WithTLSConfig(&tls.Config{Certificates: []tls.Certificate{cert}}))
	}
	return opts, nil
}

func runServe(ctx context.Context, cfg *config.Config) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts, err := serverOptions(cfg, reg)
	if err != nil {
		return err
	}
	srv := zhttp.NewServer(opts...)
	srv.Register(servePattern, zhttp.NewEchoHandler)
	srv.Start()

	var endpoints []*zhttp.ListenerEndpoint
	for _, addr := range cfg.Server.Listen {
		le, err := srv.Listen(ctx, addr, nil).Get(ctx)
		if err != nil {
			srv.Close(zhttp.CloseImmediate)
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		endpoints = append(endpoints, le)
	}

	if len(cfg.Etcd.Endpoints) > 0 {
		regs := make([]*etcd.Registry, 0, len(endpoints))
		for _, le := range endpoints {
			r, err := etcd.RegisterService(cfg.Etcd.Endpoints, cfg.Etcd.Service, le.Address().String(),
				map[string]string{"scheme": scheme(le)}, cfg.Etcd.TTL)
			if err != nil {
				zap.L().Error("etcd registration failed", zap.String("addr", le.String()), zap.Error(err))
				continue
			}
			regs = append(regs, r)
		}
		defer func() {
			for _, r := range regs {
				if err := r.Unregister(); err != nil {
					zap.L().Warn("etcd unregister", zap.Error(err))
				}
			}
		}()
	}

	var admin *adminServer
	if cfg.Admin.Listen != "" {
		admin = newAdminServer(cfg.Admin.Listen, srv, reg)
		go func() {
			if err := admin.run(); err != nil {
				zap.L().Error("admin server stopped", zap.Error(err))
			}
		}()
	}

	<-ctx.Done()
	zap.L().Info("shutting down", zap.Duration("grace", cfg.Server.GracePeriod))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracePeriod+5*time.Second)
	defer cancel()
	if admin != nil {
		admin.shutdown(shutdownCtx)
	}
	srv.Close(zhttp.CloseGraceful)
	if err := srv.AwaitTermination(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func scheme(le *zhttp.ListenerEndpoint) string {
	if le.Secure() {
		return "https"
	}
	return "http"
}
