package obs

import (
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	appInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "pw",
			Subsystem: "app",
			Name:      "info",
			Help:      "Static app info for deployment verification.",
		},
		[]string{"service", "version"},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pw",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"method", "route", "code"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pw",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	uploadPollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pw",
			Subsystem: "upload",
			Name:      "polls_total",
			Help:      "Job-status polls issued by the upload coordinator.",
		},
		[]string{"result"},
	)
	uploadOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pw",
			Subsystem: "upload",
			Name:      "outcomes_total",
			Help:      "Terminal upload outcomes by kind.",
		},
		[]string{"kind"},
	)
	uploadAttemptDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "pw",
			Subsystem: "upload",
			Name:      "attempt_duration_seconds",
			Help:      "Commit-to-terminal-outcome duration in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 40, 80, 160, 320},
		},
	)
)

func init() {
	prometheus.MustRegister(appInfo, httpRequestsTotal, httpRequestDuration,
		uploadPollsTotal, uploadOutcomesTotal, uploadAttemptDuration)
}

func SetAppInfo(service string) {
	svc := strings.TrimSpace(service)
	if svc == "" {
		svc = "csvwizard"
	}
	ver := strings.TrimSpace(os.Getenv("APP_VERSION"))
	if ver == "" {
		ver = "dev"
	}
	appInfo.WithLabelValues(svc, ver).Set(1)
}

// MetricsMiddleware records request count/latency.
// NOTE: route label is best-effort (path without query) with session ids
// collapsed to keep cardinality low.
func MetricsMiddleware(next http.Handler) http.Handler {
	if next == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		route := normalizeRouteLabel(r.URL.Path)
		code := strconv.Itoa(rec.code)
		httpRequestsTotal.WithLabelValues(r.Method, route, code).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.code = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// RecordPoll counts one coordinator poll; result is the reported job status
// or "error".
func RecordPoll(result string) {
	if strings.TrimSpace(result) == "" {
		result = "unknown"
	}
	uploadPollsTotal.WithLabelValues(result).Inc()
}

// RecordUploadOutcome counts one terminal outcome and its attempt duration.
func RecordUploadOutcome(kind string, start time.Time) {
	if strings.TrimSpace(kind) == "" {
		kind = "unknown"
	}
	uploadOutcomesTotal.WithLabelValues(kind).Inc()
	uploadAttemptDuration.Observe(time.Since(start).Seconds())
}

func normalizeRouteLabel(path string) string {
	p := strings.TrimSpace(path)
	if p == "" {
		return "/"
	}
	// Collapse session ids:
	// /wizard/sessions/{id}
	// /wizard/sessions/{id}/file | step | mapping | ...
	if strings.HasPrefix(p, "/wizard/sessions/") {
		rest := strings.TrimPrefix(p, "/wizard/sessions/")
		parts := strings.Split(rest, "/")
		if len(parts) == 1 {
			return "/wizard/sessions/:id"
		}
		return "/wizard/sessions/:id/" + strings.Join(parts[1:], "/")
	}
	return p
}
