package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	chunks   prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dify_llm",
			Name:      "http_requests_total",
			Help:      "Proxy requests by path and status code.",
		}, []string{"path", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dify_llm",
			Name:      "http_request_duration_seconds",
			Help:      "Proxy request duration, including the whole stream.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"path"}),
		chunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dify_llm",
			Name:      "stream_chunks_total",
			Help:      "Text chunks relayed to streaming clients.",
		}),
	}
	reg.MustRegister(m.requests, m.duration, m.chunks)
	return m
}
