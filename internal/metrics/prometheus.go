package metrics

import (
	"errors"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DatastoreOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qotdbot_datastore_operations_total",
			Help: "Total number of data operations by outcome",
		},
		[]string{"outcome"},
	)

	DatastoreRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "qotdbot_datastore_retries_total",
			Help: "Total number of operation retries after a connection-class failure",
		},
	)

	DatastoreReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qotdbot_datastore_reconnects_total",
			Help: "Total number of connect cycles by result",
		},
		[]string{"result"},
	)

	TunnelState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "qotdbot_datastore_tunnel_state",
			Help: "Tunnel state (0=down, 1=connecting, 2=active)",
		},
	)

	Firings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qotdbot_scheduler_firings_total",
			Help: "Total number of trigger firings by outcome",
		},
		[]string{"outcome"},
	)

	TriggersArmed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "qotdbot_scheduler_triggers",
			Help: "Number of armed per-tenant triggers",
		},
	)

	DeliveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "qotdbot_delivery_duration_seconds",
			Help:    "Duration of delivery callbacks",
			Buckets: prometheus.DefBuckets,
		},
	)
)

var initOnce sync.Once

// Init registers metrics with the default Prometheus registry. Safe to call
// more than once.
func Init() {
	initOnce.Do(func() {
		_ = Register(prometheus.DefaultRegisterer)
	})
}

// Register registers all collectors with reg. Collectors already present are
// not reported as errors.
func Register(reg prometheus.Registerer) error {
	var errs []error
	for _, c := range []prometheus.Collector{
		DatastoreOperations,
		DatastoreRetries,
		DatastoreReconnects,
		TunnelState,
		Firings,
		TriggersArmed,
		DeliveryDuration,
	} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
