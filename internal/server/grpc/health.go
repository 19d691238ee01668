// Package grpcserver exposes the indexer's gRPC health endpoint.
package grpcserver

import (
	"context"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// IndexerService is the health service name reported for the subscription.
const IndexerService = "skyindex.Indexer"

// Health serves grpc.health.v1 for the process and the indexer service.
type Health struct {
	srv    *grpc.Server
	health *health.Server
	log    *zap.Logger
}

// NewHealth starts in NOT_SERVING for the indexer until SetServing(true).
func NewHealth(log *zap.Logger) *Health {
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(RecoverUnary(log), LoggingUnary(log)),
		grpc.ChainStreamInterceptor(RecoverStream(log), LoggingStream(log)),
	)
	hs := health.NewServer()
	hs.SetServingStatus(IndexerService, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	return &Health{srv: srv, health: hs, log: log}
}

// SetServing reports the indexer as serving or not.
func (h *Health) SetServing(ok bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		st = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus(IndexerService, st)
}

// Serve blocks serving lis until Stop.
func (h *Health) Serve(lis net.Listener) error {
	h.log.Info("health listening", zap.String("addr", lis.Addr().String()))
	return h.srv.Serve(lis)
}

// Stop marks everything NOT_SERVING and stops gracefully, forcing the stop
// when ctx ends first.
func (h *Health) Stop(ctx context.Context) {
	h.health.Shutdown()
	done := make(chan struct{})
	go func() {
		h.srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		h.srv.Stop()
	}
}
