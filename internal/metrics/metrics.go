package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FetchRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tally_fetch_requests_total",
			Help: "Total number of HTTP fetches executed",
		},
		[]string{"domain", "status", "blocked", "blocked_by"},
	)

	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tally_fetch_duration_seconds",
			Help:    "Duration of HTTP fetches in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"domain"},
	)

	FetchBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tally_fetch_bytes_total",
			Help: "Total bytes downloaded across all fetches",
		},
		[]string{"domain"},
	)

	ProxyFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tally_proxy_failures_total",
			Help: "Total number of proxy failures during fetches",
		},
		[]string{"proxy_url"},
	)

	LoadMoreTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tally_load_more_total",
			Help: "Load-more triggers by kind (proactive, reactive) and result",
		},
		[]string{"listing", "trigger", "result"},
	)

	RecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tally_records_total",
			Help: "Extraction outcomes per listing index",
		},
		[]string{"listing", "outcome"},
	)

	SessionOpensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tally_session_opens_total",
			Help: "Listing session open attempts by result",
		},
		[]string{"listing", "result"},
	)

	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tally_runs_total",
			Help: "Finished scrape runs by status and reason",
		},
		[]string{"status", "reason"},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tally_run_duration_seconds",
			Help:    "Wall time of scrape runs in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 900},
		},
		[]string{"status"},
	)
)

// RecordFetch updates fetch metrics. status 0 means the request never got a response.
func RecordFetch(domain string, status int, blockedBy string, d time.Duration, bytes int) {
	statusStr := strconv.Itoa(status)
	if status == 0 {
		statusStr = "error"
	}
	blocked := strconv.FormatBool(blockedBy != "")

	FetchRequestsTotal.WithLabelValues(domain, statusStr, blocked, blockedBy).Inc()
	FetchDuration.WithLabelValues(domain).Observe(d.Seconds())
	FetchBytesTotal.WithLabelValues(domain).Add(float64(bytes))
}

// RecordLoadMore counts one load-more attempt.
func RecordLoadMore(listing, trigger, result string) {
	LoadMoreTotal.WithLabelValues(listing, trigger, result).Inc()
}

// RecordOutcome counts one extraction outcome (extracted, malformed, mismatch, pending).
func RecordOutcome(listing, outcome string) {
	RecordsTotal.WithLabelValues(listing, outcome).Inc()
}

// RecordOpen counts one session open attempt.
func RecordOpen(listing, result string) {
	SessionOpensTotal.WithLabelValues(listing, result).Inc()
}

// RecordRun counts a finished run and observes its duration.
func RecordRun(status, reason string, d time.Duration) {
	RunsTotal.WithLabelValues(status, reason).Inc()
	RunDuration.WithLabelValues(status).Observe(d.Seconds())
}

// Server encapsulates an HTTP server for Prometheus metrics.
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// Start listens on port (0 picks a free one) and serves /metrics.
func Start(port int, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("metrics: listen: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "err", err)
		}
	}()

	logger.Info("metrics server listening", "addr", ln.Addr().String())
	return &Server{srv: srv, ln: ln}, nil
}

// Addr is the address the server listens on.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) error {
	if s == nil || s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
