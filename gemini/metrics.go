package gemini

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const MetricsSubsystem = "gemini"

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of responses received, by status code.
	Requests metrics.Counter
	// Time spent dialing and completing the TLS handshake.
	HandshakeSeconds metrics.Histogram
	// Number of redirects followed.
	Redirects metrics.Counter
	// Number of trust decisions, by outcome.
	TofuOutcomes metrics.Counter
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
// Optionally, labels can be provided along with their values ("foo",
// "fooValue").
func PrometheusMetrics(namespace string, labelsAndValues ...string) *Metrics {
	labels := []string{}
	for i := 0; i < len(labelsAndValues); i += 2 {
		labels = append(labels, labelsAndValues[i])
	}
	return &Metrics{
		Requests: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "requests",
			Help:      "Number of responses received, by status code.",
		}, append(labels, "status")).With(labelsAndValues...),
		HandshakeSeconds: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "handshake_seconds",
			Help:      "Time spent dialing and completing the TLS handshake.",
			Buckets:   stdprometheus.ExponentialBuckets(0.01, 2, 11),
		}, labels).With(labelsAndValues...),
		Redirects: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "redirects",
			Help:      "Number of redirects followed.",
		}, labels).With(labelsAndValues...),
		TofuOutcomes: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "tofu_outcomes",
			Help:      "Number of trust decisions, by outcome.",
		}, append(labels, "outcome")).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Requests:         discard.NewCounter(),
		HandshakeSeconds: discard.NewHistogram(),
		Redirects:        discard.NewCounter(),
		TofuOutcomes:     discard.NewCounter(),
	}
}
