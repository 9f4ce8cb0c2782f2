package metrics

import (
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registry = prometheus.NewRegistry()

	spawns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procsup",
		Name:      "spawns_total",
		Help:      "Spawn attempts partitioned by result (ok, not_found, permission_denied, failed).",
	}, []string{"result"})

	resolves = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procsup",
		Name:      "resolve_total",
		Help:      "Descendant resolutions partitioned by outcome (hint, root, earliest, none).",
	}, []string{"outcome"})

	resolveDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "procsup",
		Name:      "resolve_duration_seconds",
		Help:      "Wall time spent resolving the real worker behind a wrapper.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	})

	terminations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procsup",
		Name:      "terminations_total",
		Help:      "Tree terminations partitioned by outcome.",
	}, []string{"outcome"})

	relayLines = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procsup",
		Name:      "relay_lines_total",
		Help:      "Lines read from child output streams.",
	}, []string{"stream"})

	relayDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procsup",
		Name:      "relay_dropped_total",
		Help:      "Lines discarded because the sink could not keep up.",
	}, []string{"stream"})

	sinkFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "procsup",
		Name:      "sink_failures_total",
		Help:      "Log sink deliveries that returned an error or panicked.",
	})

	buildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "procsup",
		Name:      "build_info",
		Help:      "Build metadata for the running procsup binary.",
	}, []string{"go_version", "vcs", "vcs_revision", "vcs_time", "vcs_modified"})

	buildInfoOnce sync.Once
)

func init() {
	registry.MustRegister(spawns, resolves, resolveDuration, terminations, relayLines, relayDropped, sinkFailures, buildInfo)
}

// Registry returns the Prometheus registry containing all procsup metrics.
func Registry() *prometheus.Registry {
	return registry
}

// RecordSpawn counts a spawn attempt.
func RecordSpawn(result string) {
	if result == "" {
		result = "unknown"
	}
	spawns.WithLabelValues(result).Inc()
}

// ObserveResolve records the outcome and duration of a resolution.
func ObserveResolve(outcome string, d time.Duration) {
	if outcome == "" {
		outcome = "none"
	}
	resolves.WithLabelValues(outcome).Inc()
	resolveDuration.Observe(d.Seconds())
}

// RecordTermination counts a terminate call.
func RecordTermination(outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	terminations.WithLabelValues(outcome).Inc()
}

// AddRelayLines increments the relayed line counter for a stream.
func AddRelayLines(stream string, n int) {
	if stream == "" || n <= 0 {
		return
	}
	relayLines.WithLabelValues(stream).Add(float64(n))
}

// AddRelayDropped increments the dropped line counter for a stream.
func AddRelayDropped(stream string, n int) {
	if stream == "" || n <= 0 {
		return
	}
	relayDropped.WithLabelValues(stream).Add(float64(n))
}

// IncrementSinkFailure counts a failed sink delivery.
func IncrementSinkFailure() {
	sinkFailures.Inc()
}

// EmitBuildInfo publishes build metadata about the running binary.
func EmitBuildInfo() {
	buildInfoOnce.Do(func() {
		labels := prometheus.Labels{
			"go_version":   runtime.Version(),
			"vcs":          "",
			"vcs_revision": "",
			"vcs_time":     "",
			"vcs_modified": "",
		}
		if info, ok := debug.ReadBuildInfo(); ok {
			if info.GoVersion != "" {
				labels["go_version"] = info.GoVersion
			}
			for _, setting := range info.Settings {
				switch setting.Key {
				case "vcs":
					labels["vcs"] = setting.Value
				case "vcs.revision":
					labels["vcs_revision"] = setting.Value
				case "vcs.time":
					labels["vcs_time"] = setting.Value
				case "vcs.modified":
					labels["vcs_modified"] = setting.Value
				}
			}
		}
		buildInfo.With(labels).Set(1)
	})
}
