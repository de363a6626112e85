package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	logx "jobsman/pkg/logx"
)

type Config struct {
	Enabled bool
	Listen  string // host:port for /metrics
}

// Metrics collects scheduler counters. All methods are safe on a nil receiver
// so callers never have to branch on "metrics disabled".
type Metrics struct {
	registry *prometheus.Registry

	dispatches  *prometheus.CounterVec
	runOutcomes *prometheus.CounterVec
	misfires    *prometheus.CounterVec
	skips       prometheus.Counter
	reloads     *prometheus.CounterVec
	runDuration prometheus.Histogram
	jobsLoaded  prometheus.Gauge
	inFlight    prometheus.Gauge
}

func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Job dispatches by job id",
		}, []string{"job"}),
		runOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Completed job runs by outcome",
		}, []string{"job", "status"}),
		misfires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "misfires_total",
			Help:      "Fires that missed their grace window",
		}, []string{"job"}),
		skips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skips_total",
			Help:      "Fires skipped because max_instances was reached",
		}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reloads_total",
			Help:      "Reload attempts by result",
		}, []string{"result"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of job command runs",
			Buckets:   []float64{.1, .5, 1, 5, 10, 30, 60, 120, 300},
		}),
		jobsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_loaded",
			Help:      "Jobs in the active schedule",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_in_flight",
			Help:      "Currently executing job runs",
		}),
	}
	reg.MustRegister(
		m.dispatches, m.runOutcomes, m.misfires, m.skips,
		m.reloads, m.runDuration, m.jobsLoaded, m.inFlight,
	)
	return m
}

func (m *Metrics) Dispatched(job string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(job).Inc()
	m.inFlight.Inc()
}

func (m *Metrics) RunDone(job, status string, took time.Duration) {
	if m == nil {
		return
	}
	m.runOutcomes.WithLabelValues(job, status).Inc()
	m.runDuration.Observe(took.Seconds())
	m.inFlight.Dec()
}

func (m *Metrics) Misfired(job string) {
	if m == nil {
		return
	}
	m.misfires.WithLabelValues(job).Inc()
}

func (m *Metrics) Skipped() {
	if m == nil {
		return
	}
	m.skips.Inc()
}

func (m *Metrics) Reload(result string) {
	if m == nil {
		return
	}
	m.reloads.WithLabelValues(result).Inc()
}

func (m *Metrics) SetJobsLoaded(n int) {
	if m == nil {
		return
	}
	m.jobsLoaded.Set(float64(n))
}

// Serve exposes /metrics on cfg.Listen until ctx is canceled.
func (m *Metrics) Serve(ctx context.Context, cfg Config, log logx.Logger) error {
	if m == nil || !cfg.Enabled {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return err
	}
	log.Info("metrics listening", logx.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
