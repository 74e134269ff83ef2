package moderation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	scansRun = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reef_scans_run_total",
		Help: "Total number of scheduled moderation scans executed",
	})
	scansSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reef_scans_skipped_total",
		Help: "Total number of scan ticks skipped because a scan was still running",
	})
	scanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "reef_scan_duration_seconds",
		Help:    "Duration of scheduled moderation scans",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})
	postsFlagged = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reef_posts_flagged_total",
		Help: "Total number of posts flagged for review, by kind",
	}, []string{"kind"})
	classifierCalls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reef_classifier_calls_total",
		Help: "Total number of classifier API calls attempted",
	})
	classifierErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reef_classifier_errors_total",
		Help: "Total number of classifier API calls that failed or timed out",
	})
	secondsToNextScan = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reef_seconds_to_next_scan",
		Help: "Wall-clock seconds until the next scheduled scan",
	})
	moderationPaused = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reef_moderation_paused",
		Help: "Whether scheduled moderation is currently paused (1) or active (0)",
	})
)
