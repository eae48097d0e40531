// Package metrics defines the Prometheus metrics for invoxia-ha. It is
// the single source of truth for metric names, labels, and help
// strings. Metrics register with the default registry on package init
// via promauto and are served by the status API on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "invoxia"

// ── Coordinator metrics ──────────────────────────────────────────────────────

// RefreshTotal counts refresh cycles.
// Labels:
//   - result: "success" or "failed"
var RefreshTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "refresh_total",
		Help:      "Total number of tracker refresh cycles, by result.",
	},
	[]string{"result"},
)

// RefreshDuration measures how long a refresh cycle takes, including
// both concurrent fetches.
var RefreshDuration = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "refresh_duration_seconds",
		Help:      "Duration of tracker refresh cycles.",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
	},
)

// TrackerBattery is the last reported battery level per tracker.
// Label:
//   - tracker: the tracker's numeric ID
var TrackerBattery = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tracker_battery_percent",
		Help:      "Last reported battery level of each tracker.",
	},
	[]string{"tracker"},
)

// TrackerAvailable is 1 when the last refresh of a tracker succeeded.
// Label:
//   - tracker: the tracker's numeric ID
var TrackerAvailable = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tracker_available",
		Help:      "Whether the last refresh of each tracker succeeded (1) or failed (0).",
	},
	[]string{"tracker"},
)

// ── MQTT metrics ─────────────────────────────────────────────────────────────

// MQTTPublishErrors counts failed MQTT publishes.
// Label:
//   - kind: "discovery", "attributes", "availability", or "cleanup"
var MQTTPublishErrors = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "mqtt_publish_errors_total",
		Help:      "Total number of failed MQTT publishes, by message kind.",
	},
	[]string{"kind"},
)

// ── Health metrics ───────────────────────────────────────────────────────────

// ServiceUp is 1 while a watched external service is reachable.
// Label:
//   - service: "invoxia" or "mqtt"
var ServiceUp = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "service_up",
		Help:      "Whether each watched external service is reachable (1) or not (0).",
	},
	[]string{"service"},
)

// ── Event stream metrics ─────────────────────────────────────────────────────

// EventsDropped counts events not delivered to a subscriber whose
// buffer was full.
var EventsDropped = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_dropped_total",
		Help:      "Total number of bus events dropped for slow subscribers.",
	},
)

// ObserveRefresh records the outcome of one refresh cycle.
func ObserveRefresh(tracker string, start time.Time, err error, battery int) {
	RefreshDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		RefreshTotal.WithLabelValues("failed").Inc()
		TrackerAvailable.WithLabelValues(tracker).Set(0)
		return
	}
	RefreshTotal.WithLabelValues("success").Inc()
	TrackerAvailable.WithLabelValues(tracker).Set(1)
	TrackerBattery.WithLabelValues(tracker).Set(float64(battery))
}
