// Command skyindex-indexer consumes the repository event stream into Postgres.
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/and161185/skyindex/internal/app"
	"github.com/and161185/skyindex/internal/config"
	grpcserver "github.com/and161185/skyindex/internal/server/grpc"
	"github.com/and161185/skyindex/internal/subscription"
	"github.com/and161185/skyindex/internal/telemetry"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfgPath := flag.String("config", "", "path to YAML config (env SKYINDEX_* overrides)")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
	)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if cfg.Subscription.URL == "" {
		logger.Fatal("missing subscription url (subscription.url)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		logger.Fatal("tracing setup", zap.Error(err))
	}

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("init pipeline", zap.Error(err))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(a.Metrics, collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: cfg.Telemetry.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", zap.Error(err))
		}
	}()

	hs := grpcserver.NewHealth(logger.Named("health"))
	lis, err := net.Listen("tcp", cfg.Telemetry.HealthAddr)
	if err != nil {
		logger.Fatal("listen", zap.Error(err))
	}
	go func() {
		if err := hs.Serve(lis); err != nil {
			logger.Error("health server", zap.Error(err))
		}
	}()

	transport := subscription.NewWSTransport(subscription.WSOptions{
		URL:       cfg.Subscription.URL,
		Dialer:    websocket.DefaultDialer,
		RetryBase: cfg.Subscription.RetryBase,
		RetryMax:  cfg.Subscription.RetryMax,
	}, logger.Named("transport"))
	runner := subscription.NewRunner(subscription.Options{
		Service:    cfg.Subscription.Service,
		MaxPending: cfg.Subscription.MaxPending,
	}, a.Service, transport, a.Cursors, a.Queue, logger.Named("subscription"), a.Metrics)

	errCh := make(chan error, 1)
	go func() { errCh <- runner.Run(ctx) }()
	hs.SetServing(true)

	exit := 0
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			logger.Error("subscription stopped", zap.Error(err))
			exit = 1
		}
	}

	// Wait for stop
	hs.SetServing(false)
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := runner.Destroy(sctx); err != nil {
		logger.Error("drain subscription", zap.Error(err))
		exit = 1
	}
	if err := a.Close(sctx); err != nil {
		logger.Error("close pipeline", zap.Error(err))
		exit = 1
	}
	hs.Stop(sctx)
	_ = metricsSrv.Shutdown(sctx)
	if err := shutdownTracing(sctx); err != nil {
		logger.Warn("flush traces", zap.Error(err))
	}

	logger.Info("shutdown complete", zap.Int64("cursor", runner.Cursor()))
	if exit != 0 {
		_ = logger.Sync()
		os.Exit(exit)
	}
}
