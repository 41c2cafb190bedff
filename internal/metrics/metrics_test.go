package metrics

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.SetConnState("connected")
	m.ReconnectScheduled()
	m.ObserveRTT(time.Second)
	m.InboundEvent("new_message")
	m.DroppedEvent("malformed")
	m.DuplicateIgnored()
	m.SendResult("confirmed")
	m.BusDropped("message.upserted")
}

func TestConnStateIsOneHot(t *testing.T) {
	m := New()
	m.SetConnState("connecting")
	m.SetConnState("connected")
	if got := testutil.ToFloat64(m.connState.WithLabelValues("connected")); got != 1 {
		t.Errorf("connected = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.connState.WithLabelValues("connecting")); got != 0 {
		t.Errorf("connecting = %v, want 0", got)
	}
}

func TestCounters(t *testing.T) {
	m := New()
	m.ReconnectScheduled()
	m.ReconnectScheduled()
	m.DuplicateIgnored()
	m.BusDropped("message.upserted")
	m.BusDropped("message.replaced")

	if got := testutil.ToFloat64(m.reconnects); got != 2 {
		t.Errorf("reconnects = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.duplicates); got != 1 {
		t.Errorf("duplicates = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.busDropped.WithLabelValues("message")); got != 2 {
		t.Errorf("bus dropped[message] = %v, want 2", got)
	}
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New()
	m.SendResult("confirmed")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `chatsync_sends_total{result="confirmed"} 1`) {
		t.Errorf("metrics output missing send counter:\n%s", rec.Body.String())
	}
}

func TestUnaryServerInterceptor(t *testing.T) {
	m := New()
	icpt := m.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/chatsync.v1.Control/Status"}

	_, _ = icpt(context.Background(), nil, info, func(ctx context.Context, req any) (any, error) {
		return nil, nil
	})
	_, _ = icpt(context.Background(), nil, info, func(ctx context.Context, req any) (any, error) {
		return nil, grpcstatus.Error(codes.Unavailable, "down")
	})
	_, _ = icpt(context.Background(), nil, info, func(ctx context.Context, req any) (any, error) {
		return nil, errors.New("plain")
	})

	if got := testutil.ToFloat64(m.grpcHandledTotal.WithLabelValues("Status", "OK")); got != 1 {
		t.Errorf("OK = %v", got)
	}
	if got := testutil.ToFloat64(m.grpcHandledTotal.WithLabelValues("Status", "Unavailable")); got != 1 {
		t.Errorf("Unavailable = %v", got)
	}
	if got := testutil.ToFloat64(m.grpcHandledTotal.WithLabelValues("Status", "Unknown")); got != 1 {
		t.Errorf("Unknown = %v", got)
	}
}
