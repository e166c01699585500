package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Session metrics
	SessionsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kcafe_sessions_started_total",
			Help: "Total sessions started",
		},
		[]string{"forced"},
	)

	SessionsStopped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kcafe_sessions_stopped_total",
			Help: "Total sessions stopped",
		},
	)

	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kcafe_active_sessions",
			Help: "Number of occupied PCs seen by the last broadcast tick",
		},
	)

	// Billing metrics
	BillingOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kcafe_billing_outcomes_total",
			Help: "Session billing results",
		},
		[]string{"outcome"}, // paid, unpaid, no_rate, error
	)

	AmountBilled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kcafe_amount_billed_total",
			Help: "Total wallet money debited by session billing",
		},
	)

	GrantHoursConsumed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kcafe_grant_hours_consumed_total",
			Help: "Total prepaid grant hours consumed by session billing",
		},
	)

	CoinsCredited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kcafe_coins_credited_total",
			Help: "Total loyalty coins credited",
		},
	)

	// Realtime metrics
	NotificationsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kcafe_notifications_sent_total",
			Help: "Realtime messages delivered, by kind",
		},
		[]string{"kind"},
	)

	NotificationFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kcafe_notification_failures_total",
			Help: "Realtime messages that failed on at least one connection, by kind",
		},
		[]string{"kind"},
	)

	ConnectedChannels = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kcafe_connected_channels",
			Help: "Open realtime connections",
		},
		[]string{"role"}, // pc, admin
	)

	// Broadcaster metrics
	BroadcastTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kcafe_broadcast_tick_duration_seconds",
			Help:    "Duration of one time-left broadcast pass",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	BroadcastErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kcafe_broadcast_errors_total",
			Help: "PCs skipped by the broadcaster because of storage errors",
		},
	)

	// API metrics
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kcafe_api_requests_total",
			Help: "Total API requests processed",
		},
		[]string{"method", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kcafe_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Housekeeping metrics
	AuditEntriesPurged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kcafe_audit_entries_purged_total",
			Help: "Audit entries removed by retention housekeeping",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		SessionsStarted,
		SessionsStopped,
		ActiveSessions,
		BillingOutcomes,
		AmountBilled,
		GrantHoursConsumed,
		CoinsCredited,
		NotificationsSent,
		NotificationFailures,
		ConnectedChannels,
		BroadcastTickDuration,
		BroadcastErrors,
		RequestsTotal,
		RequestDuration,
		AuditEntriesPurged,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
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

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
