// Package metrics exposes Prometheus collectors for the dispatcher, the
// execution engine and the HTTP API.
package metrics

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors owns every collector the service exports. A nil *Collectors is
// valid and records nothing.
type Collectors struct {
	attempts         *prometheus.CounterVec
	attemptDuration  *prometheus.HistogramVec
	decisions        *prometheus.CounterVec
	jobsInFlight     prometheus.Gauge
	submissions      *prometheus.CounterVec
	pages            *prometheus.CounterVec
	rateLimitDelays  *prometheus.HistogramVec
	httpRequests     *prometheus.CounterVec
	httpRequestDelay *prometheus.HistogramVec
}

// New registers the collectors against reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) (*Collectors, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collectors{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawltask_attempts_total",
			Help: "Crawl attempts partitioned by site and outcome.",
		}, []string{"site", "outcome"}),
		attemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawltask_attempt_duration_seconds",
			Help:    "Wall time per crawl attempt.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 15, 30, 60, 120, 300},
		}, []string{"outcome"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawltask_decisions_total",
			Help: "Retry decisions partitioned by kind.",
		}, []string{"decision"}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawltask_jobs_in_flight",
			Help: "Deliveries currently being processed by workers.",
		}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawltask_submissions_total",
			Help: "Job submissions partitioned by result.",
		}, []string{"result"}),
		pages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawltask_pages_total",
			Help: "Pages fetched by the spider, labeled by site and status.",
		}, []string{"site", "status"}),
		rateLimitDelays: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawltask_rate_limit_delay_seconds",
			Help:    "Histogram of politeness wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"site"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		}, []string{"method", "code"}),
		httpRequestDelay: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"method", "route"}),
	}
	for _, collector := range []prometheus.Collector{
		c.attempts,
		c.attemptDuration,
		c.decisions,
		c.jobsInFlight,
		c.submissions,
		c.pages,
		c.rateLimitDelays,
		c.httpRequests,
		c.httpRequestDelay,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return c, nil
}

// SanitizeSite extracts a lowercase hostname from rawURL.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler exposes the given gatherer. A nil gatherer uses the default registry.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// ObserveAttempt records one finished attempt.
func (c *Collectors) ObserveAttempt(target, outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.attempts.WithLabelValues(SanitizeSite(target), outcome).Inc()
	c.attemptDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveDecision counts a retry decision.
func (c *Collectors) ObserveDecision(decision string) {
	if c == nil {
		return
	}
	c.decisions.WithLabelValues(decision).Inc()
}

// ObserveSubmission counts a Submit call by result ("accepted", "rejected", "queue_unavailable").
func (c *Collectors) ObserveSubmission(result string) {
	if c == nil {
		return
	}
	c.submissions.WithLabelValues(result).Inc()
}

// ObservePage counts a page fetched by the spider.
func (c *Collectors) ObservePage(pageURL string, status int) {
	if c == nil {
		return
	}
	c.pages.WithLabelValues(SanitizeSite(pageURL), strconv.Itoa(status)).Inc()
}

// ObserveRateLimitDelay records the duration of a politeness wait.
func (c *Collectors) ObserveRateLimitDelay(site string, duration time.Duration) {
	if c == nil {
		return
	}
	c.rateLimitDelays.WithLabelValues(site).Observe(duration.Seconds())
}

// ObserveHTTPRequest records an API request.
func (c *Collectors) ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(method, strconv.Itoa(code)).Inc()
	c.httpRequestDelay.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncInFlight increments the in-flight gauge.
func (c *Collectors) IncInFlight() {
	if c == nil {
		return
	}
	c.jobsInFlight.Inc()
}

// DecInFlight decrements the in-flight gauge.
func (c *Collectors) DecInFlight() {
	if c == nil {
		return
	}
	c.jobsInFlight.Dec()
}
