package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "review",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "review",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 30},
	}, []string{"method", "path"})

	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "review",
		Name:      "active_sessions",
		Help:      "Number of currently active review transcode sessions.",
	})

	ActiveDownloads = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "review",
		Name:      "active_downloads",
		Help:      "Number of in-flight source downloads.",
	})

	DownloadBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "review",
		Name:      "download_bytes_total",
		Help:      "Total bytes fetched from the object store.",
	})

	SourceCacheSizeBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "review",
		Name:      "source_cache_size_bytes",
		Help:      "Current total size of the local source cache in bytes.",
	})

	SourceCacheEvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "review",
		Name:      "source_cache_evictions_total",
		Help:      "Total number of source cache files evicted.",
	})

	TranscodeStartsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "review",
		Name:      "transcode_starts_total",
		Help:      "Total number of HLS transcode sessions started.",
	})

	TranscodeFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "review",
		Name:      "transcode_failures_total",
		Help:      "Total number of HLS transcode failures by phase.",
	}, []string{"phase"})

	ReadinessWaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "review",
		Name:      "readiness_wait_seconds",
		Help:      "Time from transcode start to first playable playlist.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 60},
	})

	AnalysisRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "review",
		Name:      "analysis_runs_total",
		Help:      "Total analysis runs by kind and outcome.",
	}, []string{"kind", "outcome"})

	AnalysisDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "review",
		Name:      "analysis_duration_seconds",
		Help:      "Duration of analysis runs in seconds.",
		Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
	}, []string{"kind"})

	SegmentsServedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "review",
		Name:      "segments_served_total",
		Help:      "Total number of HLS segments served.",
	})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ActiveSessions,
		ActiveDownloads,
		DownloadBytesTotal,
		SourceCacheSizeBytes,
		SourceCacheEvictionsTotal,
		TranscodeStartsTotal,
		TranscodeFailuresTotal,
		ReadinessWaitSeconds,
		AnalysisRunsTotal,
		AnalysisDuration,
		SegmentsServedTotal,
	)
}
