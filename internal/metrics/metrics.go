// Package metrics holds the prometheus collectors of the sync engine.
// Every method is safe on a nil *Metrics so components can run without
// instrumentation in tests.
package metrics

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	grpcstatus "google.golang.org/grpc/status"
)

// ConnStates lists the label values of the connection state gauge.
var ConnStates = []string{"disconnected", "connecting", "connected", "reconnecting", "failed"}

type Metrics struct {
	registry *prometheus.Registry

	connState        *prometheus.GaugeVec
	reconnects       prometheus.Counter
	rtt              prometheus.Histogram
	inboundEvents    *prometheus.CounterVec
	droppedEvents    *prometheus.CounterVec
	duplicates       prometheus.Counter
	sends            *prometheus.CounterVec
	busDropped       *prometheus.CounterVec
	grpcHandledTotal *prometheus.CounterVec
}

// New builds the collectors on a private registry, plus the Go runtime
// and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "chatsync_connection_state",
				Help: "1 for the current connection state, 0 otherwise.",
			},
			[]string{"state"},
		),
		reconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "chatsync_reconnect_attempts_total",
				Help: "Total number of scheduled reconnect attempts.",
			},
		),
		rtt: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "chatsync_liveness_rtt_seconds",
				Help:    "Round-trip time of liveness probes.",
				Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
		),
		inboundEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_inbound_events_total",
				Help: "Total number of decoded inbound events.",
			},
			[]string{"kind"},
		),
		droppedEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_inbound_dropped_total",
				Help: "Inbound frames logged and dropped.",
			},
			[]string{"reason"},
		),
		duplicates: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "chatsync_duplicates_ignored_total",
				Help: "Duplicate confirmations absorbed by idempotent merges.",
			},
		),
		sends: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_sends_total",
				Help: "Send attempts by outcome.",
			},
			[]string{"result"},
		),
		busDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_bus_dropped_total",
				Help: "Notifications skipped because a subscriber was full.",
			},
			[]string{"kind"},
		),
		grpcHandledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_grpc_handled_total",
				Help: "Control requests handled, by method and code.",
			},
			[]string{"grpc_method", "grpc_code"},
		),
	}
	m.registry.MustRegister(
		m.connState,
		m.reconnects,
		m.rtt,
		m.inboundEvents,
		m.droppedEvents,
		m.duplicates,
		m.sends,
		m.busDropped,
		m.grpcHandledTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) SetConnState(state string) {
	if m == nil {
		return
	}
	for _, s := range ConnStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.connState.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) ReconnectScheduled() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) ObserveRTT(d time.Duration) {
	if m == nil {
		return
	}
	m.rtt.Observe(d.Seconds())
}

func (m *Metrics) InboundEvent(kind string) {
	if m == nil {
		return
	}
	m.inboundEvents.WithLabelValues(kind).Inc()
}

// DroppedEvent counts an inbound frame that was discarded. reason is
// one of "unknown_kind", "malformed", "stale" or "overflow".
func (m *Metrics) DroppedEvent(reason string) {
	if m == nil {
		return
	}
	m.droppedEvents.WithLabelValues(reason).Inc()
}

func (m *Metrics) DuplicateIgnored() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

// SendResult counts a send outcome: "confirmed", "retry", "failed".
func (m *Metrics) SendResult(result string) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(result).Inc()
}

func (m *Metrics) BusDropped(kind string) {
	if m == nil {
		return
	}
	// Keep label cardinality at the namespace level.
	if i := strings.IndexByte(kind, '.'); i > 0 {
		kind = kind[:i]
	}
	m.busDropped.WithLabelValues(kind).Inc()
}

// UnaryServerInterceptor counts every control request by method and
// status code.
func (m *Metrics) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		if m != nil {
			method := info.FullMethod
			if i := strings.LastIndexByte(method, '/'); i >= 0 {
				method = method[i+1:]
			}
			m.grpcHandledTotal.WithLabelValues(method, grpcstatus.Code(err).String()).Inc()
		}
		return resp, err
	}
}
