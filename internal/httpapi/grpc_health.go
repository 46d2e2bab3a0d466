package httpapi

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthReporter publishes readiness over the standard gRPC health protocol.
// The overall status ("") and the named service track the same probe.
type HealthReporter struct {
	server   *health.Server
	probe    ReadyProbe
	interval time.Duration
	logger   *slog.Logger
}

// NewHealthReporter starts in NOT_SERVING until the first probe passes.
func NewHealthReporter(probe ReadyProbe, interval time.Duration, logger *slog.Logger) *HealthReporter {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(serviceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return &HealthReporter{server: hs, probe: probe, interval: interval, logger: logger}
}

// Register attaches the health service to s.
func (h *HealthReporter) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.server)
}

// Update runs the probe once and publishes the result.
func (h *HealthReporter) Update(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if err := h.probe.Check(ctx); err != nil {
		h.logger.WarnContext(ctx, "health.not_ready", "error", err)
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.server.SetServingStatus("", status)
	h.server.SetServingStatus(serviceName, status)
	return status
}

// Run refreshes status every interval until ctx is done, then marks the
// service as shutting down.
func (h *HealthReporter) Run(ctx context.Context) {
	h.Update(ctx)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.server.Shutdown()
			return
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, h.interval)
			h.Update(probeCtx)
			cancel()
		}
	}
}
