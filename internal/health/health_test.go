package health

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/banshee-data/armctl/internal/events"
	"github.com/banshee-data/armctl/internal/monitoring"
)

func init() {
	monitoring.SetLogger(nil)
}

func TestHandle_TracksLinks(t *testing.T) {
	r := New([]string{"motion", "pump/p0"})
	assert.False(t, r.Serving(""))

	r.Handle(events.Event{Kind: events.LinkState, Link: "motion", State: "connected"})
	assert.True(t, r.Serving("motion"))
	assert.False(t, r.Serving(""))

	r.Handle(events.Event{Kind: events.LinkState, Link: "pump/p0", State: "connected"})
	assert.True(t, r.Serving(""))

	r.Handle(events.Event{Kind: events.WatchdogBitten, Link: "pump/p0"})
	assert.False(t, r.Serving("pump/p0"))
	assert.False(t, r.Serving(""))

	// unrelated kinds are ignored
	r.Handle(events.Event{Kind: events.CommandSent, Link: "pump/p0"})
	assert.False(t, r.Serving("pump/p0"))
}

func TestServe_AnswersHealthChecks(t *testing.T) {
	r := New([]string{"motion"})
	lis := bufconn.Listen(1 << 16)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Serve(ctx, lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	check := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		cctx, ccancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer ccancel()
		resp, err := client.Check(cctx, &healthpb.HealthCheckRequest{Service: service})
		require.NoError(t, err)
		return resp.GetStatus()
	}

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check("motion"))
	r.Handle(events.Event{Kind: events.LinkState, Link: "motion", State: "connected"})
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check("motion"))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(""))

	cancel()
	require.NoError(t, <-done)
}

func TestRun_FollowsBus(t *testing.T) {
	r := New([]string{"motion"})
	bus := events.NewBus(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx, bus)

	require.Eventually(t, func() bool {
		bus.Publish(events.Event{Kind: events.LinkState, Link: "motion", State: "connected"})
		return r.Serving("motion")
	}, time.Second, 5*time.Millisecond)
}
