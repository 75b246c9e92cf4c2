package main

import (
	"context"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/banshee-data/safety.report/internal/monitoring"
	"github.com/banshee-data/safety.report/internal/timeutil"
)

// healthService is the service name reported alongside the overall ("") status.
const healthService = "sentinel.Engine"

// healthReporter mirrors engine saturation into the gRPC health service so
// load balancers stop routing frames to a full engine.
type healthReporter struct {
	server    *health.Server
	saturated func() bool
	interval  time.Duration
	clock     timeutil.Clock

	last healthpb.HealthCheckResponse_ServingStatus
}

func newHealthReporter(saturated func() bool, interval time.Duration, clock timeutil.Clock) *healthReporter {
	if interval <= 0 {
		interval = time.Second
	}
	return &healthReporter{
		server:    health.NewServer(),
		saturated: saturated,
		interval:  interval,
		clock:     timeutil.OrReal(clock),
	}
}

func (h *healthReporter) update() {
	status := healthpb.HealthCheckResponse_SERVING
	if h.saturated() {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	if status == h.last {
		return
	}
	h.last = status
	h.server.SetServingStatus("", status)
	h.server.SetServingStatus(healthService, status)
	monitoring.Named("health").Infof("engine health: %s", status)
}

// run polls saturation until ctx is done, then marks everything NOT_SERVING.
func (h *healthReporter) run(ctx context.Context) error {
	h.update()
	t := h.clock.NewTicker(h.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			h.server.Shutdown()
			return nil
		case <-t.C():
			h.update()
		}
	}
}

// serveGRPC serves srv on lis until ctx is done, then stops it gracefully.
func serveGRPC(ctx context.Context, srv *grpc.Server, lis net.Listener) error {
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(lis) }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		srv.GracefulStop()
		<-errc
		return nil
	}
}
