// Package health exposes link health over the standard gRPC health protocol.
// Each link is a service ("motion", "pump/<name>"); the empty service name is
// SERVING only while every link is.
package health

import (
	"context"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/banshee-data/armctl/internal/events"
	"github.com/banshee-data/armctl/internal/monitoring"
)

// Reporter tracks link health from controller events.
type Reporter struct {
	srv  *health.Server
	logf func(format string, v ...interface{})

	mu      sync.Mutex
	serving map[string]bool
}

// New returns a reporter with every link NOT_SERVING.
func New(links []string) *Reporter {
	r := &Reporter{
		srv:     health.NewServer(),
		logf:    monitoring.Prefixed("health"),
		serving: make(map[string]bool, len(links)),
	}
	for _, l := range links {
		r.serving[l] = false
		r.srv.SetServingStatus(l, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	r.srv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return r
}

// Handle applies one event.
func (r *Reporter) Handle(e events.Event) {
	switch e.Kind {
	case events.LinkState:
		r.set(e.Link, e.State == "connected")
	case events.WatchdogBitten:
		r.set(e.Link, false)
	}
}

func (r *Reporter) set(link string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, known := r.serving[link]
	if known && prev == ok {
		return
	}
	r.serving[link] = ok
	r.srv.SetServingStatus(link, toStatus(ok))

	all := true
	for _, v := range r.serving {
		all = all && v
	}
	r.srv.SetServingStatus("", toStatus(all))
	r.logf("%s: %s", link, toStatus(ok))
}

func toStatus(ok bool) healthpb.HealthCheckResponse_ServingStatus {
	if ok {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// Serving reports whether link is healthy. The empty name asks about all
// links.
func (r *Reporter) Serving(link string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if link != "" {
		return r.serving[link]
	}
	for _, v := range r.serving {
		if !v {
			return false
		}
	}
	return len(r.serving) > 0
}

// Run feeds events from bus into the reporter until ctx is done.
func (r *Reporter) Run(ctx context.Context, bus *events.Bus) {
	id, ch := bus.Subscribe()
	defer bus.Unsubscribe(id)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			r.Handle(e)
		}
	}
}

// Serve runs a gRPC server with the health service on lis until ctx is done.
func (r *Reporter) Serve(ctx context.Context, lis net.Listener) error {
	server := grpc.NewServer()
	healthpb.RegisterHealthServer(server, r.srv)

	go func() {
		<-ctx.Done()
		r.srv.Shutdown()
		server.GracefulStop()
	}()

	r.logf("gRPC health listening on %s", lis.Addr())
	if err := server.Serve(lis); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
