package metrics

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connection metrics
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "connections_active",
		Help: "The current number of active WebSocket connections.",
	})
	TotalConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "connections_total",
		Help: "The total number of WebSocket connections accepted.",
	})

	// Session metrics
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sessions_active",
		Help: "The current number of logged-in user sessions.",
	})
	Logins = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "logins_total",
		Help: "The total number of login attempts, by result.",
	}, []string{"result"})
	SessionsEvicted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sessions_evicted_total",
		Help: "The total number of evicted sessions, by trigger.",
	}, []string{"reason"})

	// Routing metrics
	MessagesRelayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "messages_relayed_total",
		Help: "The total number of private messages accepted for relay.",
	})
	MessagesDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "messages_delivered_total",
		Help: "The total number of message events pushed to connections.",
	})
	Searches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "searches_total",
		Help: "The total number of user searches, by result.",
	}, []string{"result"})
)

// StartServer starts the HTTP server exposing Prometheus metrics.
func StartServer(logger *slog.Logger, addr, path string) {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())

	logger.Info("Starting metrics server", slog.String("addr", addr), slog.String("path", path))
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("Metrics server failed", slog.Any("error", err))
		}
	}()
}
