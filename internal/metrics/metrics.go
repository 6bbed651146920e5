package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Reconciler Metrics
	BurnsConfirmedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crumbz_burns_confirmed_total",
		Help: "The total number of burns confirmed on the ledger",
	})
	BurnsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crumbz_burns_failed_total",
		Help: "The total number of burn attempts that did not produce credit",
	}, []string{"reason"})
	CreditedUnitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crumbz_credited_units_total",
		Help: "The total number of base units credited to users",
	})
	BurnLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "crumbz_burn_latency_seconds",
		Help:    "Time from burn submission to confirmation",
		Buckets: prometheus.DefBuckets,
	})

	// Watcher Metrics
	WatcherNotificationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crumbz_watcher_notifications_total",
		Help: "The total number of account change notifications received",
	})
	WatcherSubscribeAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crumbz_watcher_subscribe_attempts_total",
		Help: "The total number of account subscription attempts",
	})
	WatcherState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "crumbz_watcher_state",
		Help: "1 for the watcher's current state, 0 otherwise",
	}, []string{"state"})

	// Store Metrics
	StoreWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crumbz_store_writes_total",
		Help: "The total number of user record writes by backend",
	}, []string{"backend"})
	StoreErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crumbz_store_errors_total",
		Help: "The total number of user record read or write failures",
	}, []string{"backend", "op"})

	// Relay Metrics
	RelaySessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crumbz_relay_sessions",
		Help: "The number of open relay sessions",
	})
	RelaySubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crumbz_relay_subscriptions",
		Help: "The number of signature watches currently held by the relay",
	})
	RelayMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crumbz_relay_messages_total",
		Help: "The total number of messages delivered to relay sessions",
	}, []string{"type"})

	// Audit Metrics
	AuditPublishErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crumbz_audit_publish_errors_total",
		Help: "The total number of audit events that failed to publish",
	}, []string{"event"})
)

// SetWatcherState marks state as the only active watcher state.
func SetWatcherState(state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		WatcherState.WithLabelValues(s).Set(v)
	}
}
