package monitor

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func status(t *testing.T, s *Server, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := s.Health().Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.GetStatus()
}

func overall(s *Server) healthpb.HealthCheckResponse_ServingStatus {
	resp, err := s.Health().Check(context.Background(), &healthpb.HealthCheckRequest{})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN
	}
	return resp.GetStatus()
}

func TestReportEmployer(t *testing.T) {
	s := New(zaptest.NewLogger(t))

	assert.Equal(t, "scrape.acme-corp", ServiceName("Acme  Corp"))

	s.ReportEmployer("Acme Corp", true)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status(t, s, "scrape.acme-corp"))

	s.ReportEmployer("Acme Corp", false)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status(t, s, "scrape.acme-corp"))

	_, err := s.Health().Check(context.Background(), &healthpb.HealthCheckRequest{Service: "scrape.unknown"})
	assert.Error(t, err)
}

type flakyPinger struct {
	fail atomic.Bool
}

func (p *flakyPinger) Ping(context.Context) error {
	if p.fail.Load() {
		return errors.New("connection refused")
	}
	return nil
}

func TestWatchStore(t *testing.T) {
	s := New(zaptest.NewLogger(t))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status(t, s, ""))

	p := &flakyPinger{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.WatchStore(ctx, p, 5*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		return overall(s) == healthpb.HealthCheckResponse_SERVING
	}, time.Second, 5*time.Millisecond)

	p.fail.Store(true)
	assert.Eventually(t, func() bool {
		return overall(s) == healthpb.HealthCheckResponse_NOT_SERVING
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestServeOverGRPC(t *testing.T) {
	s := New(zaptest.NewLogger(t))
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = s.ServeListener(lis) }()
	t.Cleanup(s.Stop)

	s.SetReady(true)

	conn, err := grpc.Dial(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}
