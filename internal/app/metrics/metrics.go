package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "spendledger",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spendledger",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "spendledger",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	spendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spendledger",
			Subsystem: "spending",
			Name:      "spends_total",
			Help:      "Total number of spend attempts.",
		},
		[]string{"mode", "result"},
	)

	spendVolume = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "spendledger",
			Subsystem: "spending",
			Name:      "volume_usd_cents_total",
			Help:      "Total settled spend volume in USD cents.",
		},
	)

	limitRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "spendledger",
			Subsystem: "spending",
			Name:      "limit_rejections_total",
			Help:      "Spends rejected by the rolling limit check.",
		},
	)

	withdrawalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spendledger",
			Subsystem: "withdrawals",
			Name:      "events_total",
			Help:      "Withdrawal lifecycle events.",
		},
		[]string{"event"},
	)

	cashbackDistributed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spendledger",
			Subsystem: "cashback",
			Name:      "distributed_usd_cents_total",
			Help:      "Cashback distributed in USD cents, by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		spendsTotal,
		spendVolume,
		limitRejections,
		withdrawalsTotal,
		cashbackDistributed,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordSpend records the outcome of a spend attempt.
func RecordSpend(mode string, totalUSD int64, err error) {
	result := "settled"
	if err != nil {
		result = "rejected"
	}
	if mode == "" {
		mode = "unknown"
	}
	spendsTotal.WithLabelValues(mode, result).Inc()
	if err == nil {
		spendVolume.Add(float64(totalUSD))
	}
}

// RecordLimitRejection counts a spend rejected by the rolling limits.
func RecordLimitRejection() {
	limitRejections.Inc()
}

// RecordWithdrawalEvent counts a withdrawal lifecycle event: requested,
// processed, or cancelled.
func RecordWithdrawalEvent(event string) {
	withdrawalsTotal.WithLabelValues(event).Inc()
}

// RecordCashback records distributed cashback by outcome (paid or deferred).
func RecordCashback(outcome string, amountUSD int64) {
	if amountUSD <= 0 {
		return
	}
	cashbackDistributed.WithLabelValues(outcome).Add(float64(amountUSD))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if parts[0] != "safes" {
		return "/" + parts[0]
	}
	if len(parts) == 1 {
		return "/safes"
	}
	if len(parts) == 2 {
		return "/safes/:safe"
	}
	return "/safes/:safe/" + strings.Join(parts[2:], "/")
}
