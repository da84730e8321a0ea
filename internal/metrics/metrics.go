// Package metrics exposes Prometheus collectors for the harvester.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Download outcomes used as label values.
const (
	OutcomeOK      = "ok"
	OutcomeSkipped = "skipped"
	OutcomeError   = "error"
	OutcomeEmpty   = "empty"
)

var (
	harvesterDownloadsTotal       *prometheus.CounterVec
	harvesterDownloadBytesTotal   *prometheus.CounterVec
	harvesterPageFetchesTotal     *prometheus.CounterVec
	harvesterDatasetsTotal        *prometheus.CounterVec
	harvesterConversionsTotal     *prometheus.CounterVec
	harvesterCSVOutputsTotal      *prometheus.CounterVec
	harvesterPauseSeconds         *prometheus.HistogramVec
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec
	harvesterLastRunTimestampSecs *prometheus.GaugeVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		harvesterDownloadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_downloads_total",
				Help: "Total number of download attempts, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		harvesterDownloadBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_download_bytes_total",
				Help: "Total number of bytes written by successful downloads, labeled by site.",
			},
			[]string{"site"},
		)

		harvesterPageFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_page_fetches_total",
				Help: "Total number of HTML and API page fetches, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		harvesterDatasetsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_datasets_total",
				Help: "Total number of datasets processed, labeled by source and outcome.",
			},
			[]string{"source", "outcome"},
		)

		harvesterConversionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_conversions_total",
				Help: "Total number of artifact conversions, labeled by format and outcome.",
			},
			[]string{"format", "outcome"},
		)

		harvesterCSVOutputsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_csv_outputs_total",
				Help: "Total number of CSV files written, labeled by source format.",
			},
			[]string{"format"},
		)

		harvesterPauseSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_pause_seconds",
				Help:    "Histogram of courtesy pauses between downloads to the same host.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"domain"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		harvesterLastRunTimestampSecs = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "harvester_last_run_timestamp_seconds",
				Help: "Unix time at which each command last completed.",
			},
			[]string{"command"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
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

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// OutcomeFromMessage maps a downloader message onto a metric outcome label.
func OutcomeFromMessage(ok bool, message string) string {
	switch {
	case ok:
		return OutcomeOK
	case strings.HasPrefix(message, "skipped"):
		return OutcomeSkipped
	default:
		return OutcomeError
	}
}

// ObserveDownload records one download attempt.
func ObserveDownload(site, outcome string, bytesWritten int64) {
	Init()
	sanitizedSite := SanitizeSite(site)
	harvesterDownloadsTotal.WithLabelValues(sanitizedSite, outcome).Inc()
	if outcome == OutcomeOK && bytesWritten > 0 {
		harvesterDownloadBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesWritten))
	}
}

// ObservePageFetch records an HTML or API fetch.
func ObservePageFetch(site string, status int) {
	Init()
	harvesterPageFetchesTotal.WithLabelValues(SanitizeSite(site), strconv.Itoa(status)).Inc()
}

// ObserveDataset increments the dataset counter for a source ("catalog", "ckan").
func ObserveDataset(source, outcome string) {
	Init()
	harvesterDatasetsTotal.WithLabelValues(source, outcome).Inc()
}

// ObserveConversion records one converted artifact and the number of CSVs it produced.
func ObserveConversion(format, outcome string, outputs int) {
	Init()
	harvesterConversionsTotal.WithLabelValues(format, outcome).Inc()
	if outputs > 0 {
		harvesterCSVOutputsTotal.WithLabelValues(format).Add(float64(outputs))
	}
}

// ObservePause records the duration of a courtesy pause.
func ObservePause(domain string, duration time.Duration) {
	Init()
	harvesterPauseSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// MarkRunCompleted stamps the completion time of a command.
func MarkRunCompleted(command string, at time.Time) {
	Init()
	harvesterLastRunTimestampSecs.WithLabelValues(command).Set(float64(at.Unix()))
}
