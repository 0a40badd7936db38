package main

import (
	"time"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
)

// Hook receives events from the query pipeline. Implementations must be safe for concurrent
// use since every query task reports through the same Hook.
type Hook interface {
	// QueryAnswered reports the response code of one response message.
	QueryAnswered(rcode int)
	// DatagramDropped reports an inbound datagram that got no response.
	DatagramDropped(reason string)
	// ModelAttempt reports the outcome of one completion request.
	ModelAttempt(model, outcome string, latency time.Duration)
	// AnswerChunked reports how many TXT strings an answer became.
	AnswerChunked(chunks int, truncated bool)
}

type noopHook struct{}

func NewNoopHook() Hook { return noopHook{} }

func (noopHook) QueryAnswered(int)                          {}
func (noopHook) DatagramDropped(string)                     {}
func (noopHook) ModelAttempt(string, string, time.Duration) {}
func (noopHook) AnswerChunked(int, bool)                    {}

type promHook struct {
	queries     *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	attempts    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	chunks      prometheus.Histogram
	truncations prometheus.Counter
}

// NewPrometheusHook registers the pipeline collectors with reg.
func NewPrometheusHook(reg prometheus.Registerer) (Hook, error) {
	h := &promHook{
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmdns",
			Name:      "responses_total",
			Help:      "DNS responses sent, by response code.",
		}, []string{"rcode"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmdns",
			Name:      "datagrams_dropped_total",
			Help:      "Inbound datagrams that were not answered.",
		}, []string{"reason"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmdns",
			Name:      "model_attempts_total",
			Help:      "Completion requests, by model and outcome.",
		}, []string{"model", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "llmdns",
			Name:      "model_latency_seconds",
			Help:      "Completion request latency.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30},
		}, []string{"model"}),
		chunks: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "llmdns",
			Name:      "answer_chunks",
			Help:      "TXT strings per answer.",
			Buckets:   prometheus.LinearBuckets(1, 2, 9),
		}),
		truncations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "llmdns",
			Name:      "answer_truncations_total",
			Help:      "Answers cut down to the total size limit.",
		}),
	}

	for _, c := range []prometheus.Collector{h.queries, h.dropped, h.attempts, h.latency, h.chunks, h.truncations} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func (h *promHook) QueryAnswered(rcode int) {
	name, ok := dns.RcodeToString[rcode]
	if !ok {
		name = "UNKNOWN"
	}
	h.queries.WithLabelValues(name).Inc()
}

func (h *promHook) DatagramDropped(reason string) {
	h.dropped.WithLabelValues(reason).Inc()
}

func (h *promHook) ModelAttempt(model, outcome string, latency time.Duration) {
	h.attempts.WithLabelValues(model, outcome).Inc()
	h.latency.WithLabelValues(model).Observe(latency.Seconds())
}

func (h *promHook) AnswerChunked(chunks int, truncated bool) {
	h.chunks.Observe(float64(chunks))
	if truncated {
		h.truncations.Inc()
	}
}
