package output

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var childThreads = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "meteor_loader_child_threads",
	Help: "Number of threads of the supervised application",
})

var childAlive = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "meteor_loader_child_alive",
	Help: "1 while the supervised application is running",
})

var probeAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "meteor_loader_probe_attempts_total",
	Help: "Port probes issued, by phase and result",
}, []string{"phase", "result"})

var supervisorState = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "meteor_loader_state",
	Help: "Supervisor state (0 starting, 1 ready, 2 terminating, 3 done)",
})

var readySeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
	Name:    "meteor_loader_ready_seconds",
	Help:    "Time from spawn until the application accepted connections",
	Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
})

var outputLines = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "meteor_loader_child_output_lines_total",
	Help: "Lines forwarded from the application, by stream",
}, []string{"stream"})

var lokiDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "meteor_loader_loki_dropped_lines_total",
	Help: "Output lines not sent to Loki because the push queue was full",
}, []string{"stream"})

func init() {
	prometheus.MustRegister(childThreads)
	prometheus.MustRegister(childAlive)
	prometheus.MustRegister(probeAttempts)
	prometheus.MustRegister(supervisorState)
	prometheus.MustRegister(readySeconds)
	prometheus.MustRegister(outputLines)
	prometheus.MustRegister(lokiDropped)
}

func UpdateChildThreads(count int) {
	childThreads.Set(float64(count))
}

func SetChildAlive(alive bool) {
	if alive {
		childAlive.Set(1)
		return
	}
	childAlive.Set(0)
}

// ObserveProbe counts a probe; phase is "port_search" or "readiness".
func ObserveProbe(phase string, listening bool) {
	result := "free"
	if listening {
		result = "listening"
	}
	probeAttempts.WithLabelValues(phase, result).Inc()
}

func SetState(state int) {
	supervisorState.Set(float64(state))
}

func ObserveReady(seconds float64) {
	readySeconds.Observe(seconds)
}

func IncrementOutputLines(stream string) {
	outputLines.WithLabelValues(stream).Inc()
}

func IncrementLokiDropped(stream string) {
	lokiDropped.WithLabelValues(stream).Inc()
}

// MetricsServer exposes /metrics on localhost.
type MetricsServer struct {
	srv *http.Server
	ln  net.Listener
}

// StartMetricsServer binds the port synchronously and serves in the
// background. A port of 0 or less disables it and returns nil.
func StartMetricsServer(port int) (*MetricsServer, error) {
	if port <= 0 {
		return nil, nil
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, fmt.Errorf("listen metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	m := &MetricsServer{srv: &http.Server{Handler: mux}, ln: ln}
	go func() {
		if err := m.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server failed", "error", err)
		}
	}()
	return m, nil
}

func (m *MetricsServer) Addr() string {
	if m == nil {
		return ""
	}
	return m.ln.Addr().String()
}

func (m *MetricsServer) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	return m.srv.Shutdown(ctx)
}
