package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"canteiro.app/internal/obs"
)

// HealthServer publishes datastore readiness over the standard gRPC health
// protocol, both for the whole server and for the securityd service name.
type HealthServer struct {
	health   *health.Server
	ready    ReadyProbe
	interval time.Duration
}

// NewHealthServer creates a health server that reports NOT_SERVING until the
// first successful probe.
func NewHealthServer(ready ReadyProbe, interval time.Duration) *HealthServer {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(serviceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return &HealthServer{health: hs, ready: ready, interval: interval}
}

// NewGRPCServer builds a gRPC server with logging and panic recovery and the
// health service registered.
func NewGRPCServer(hs *HealthServer, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(recoverUnary, logUnary))
	srv := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(srv, hs.health)
	return srv
}

// Run probes readiness until ctx ends.
func (h *HealthServer) Run(ctx context.Context) error {
	h.probe(ctx)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.probe(ctx)
		}
	}
}

// Shutdown marks every service NOT_SERVING and ignores later updates.
func (h *HealthServer) Shutdown() {
	h.health.Shutdown()
}

func (h *HealthServer) probe(ctx context.Context) {
	st := healthpb.HealthCheckResponse_SERVING
	if h.ready != nil {
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := h.ready.Ping(pctx)
		cancel()
		if err != nil {
			st = healthpb.HealthCheckResponse_NOT_SERVING
			obs.Warn("readiness probe failed", map[string]any{"error": err})
		}
	}
	h.health.SetServingStatus("", st)
	h.health.SetServingStatus(serviceName, st)
}

func logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	entry := map[string]any{
		"method":      info.FullMethod,
		"code":        status.Code(err).String(),
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if err != nil {
		entry["error"] = err
	}
	obs.Info("grpc_request", entry)
	return resp, err
}

func recoverUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	defer func() {
		if p := recover(); p != nil {
			obs.Error("grpc handler panic", map[string]any{"method": info.FullMethod, "panic": p})
			err = status.Error(codes.Internal, "internal error")
		}
	}()
	return handler(ctx, req)
}
