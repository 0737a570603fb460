package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Tracking metrics
	SourcesTracked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "occutrack_sources_tracked",
			Help: "Number of presence sources currently tracked",
		},
	)

	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "occutrack_events_total",
			Help: "Total source change notifications processed",
		},
		[]string{"value"},
	)

	ReconcileRuns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "occutrack_reconcile_runs_total",
			Help: "Total reconciliation passes",
		},
	)

	ReconcileErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "occutrack_reconcile_errors_total",
			Help: "Reconciliation passes that failed to obtain a snapshot",
		},
	)

	// Accrual metrics
	OccupancySeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "occutrack_occupancy_seconds",
			Help: "Cumulative accrued on-time per source in seconds",
		},
		[]string{"source"},
	)

	OccupancyActivations = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "occutrack_occupancy_activations",
			Help: "Cumulative on-transitions per source",
		},
		[]string{"source"},
	)

	// Persistence metrics
	StateSaves = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "occutrack_state_saves_total",
			Help: "Successful debounced state flushes",
		},
	)

	StateSaveErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "occutrack_state_save_errors_total",
			Help: "Failed state flushes",
		},
	)
)

func init() {
	prometheus.MustRegister(
		SourcesTracked,
		EventsTotal,
		ReconcileRuns,
		ReconcileErrors,
		OccupancySeconds,
		OccupancyActivations,
		StateSaves,
		StateSaveErrors,
	)
}

// Server is the metrics HTTP server. It also serves the derived readings
// JSON endpoint when one is provided.
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server.
func NewServer(addr string, readings http.Handler, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	if readings != nil {
		mux.Handle("/readings", readings)
	}

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation.
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
