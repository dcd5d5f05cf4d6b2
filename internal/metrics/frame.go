package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesProcessed tracks frames passed through Session.Pack/Feed.
	FramesProcessed = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frames",
			Name:      "processed_total",
			Help:      "Total number of frames processed",
		},
		[]string{"direction", "status"}, // outbound/inbound, success/failure
	)

	// FrameAuthFailures tracks frames that failed Poly1305 tag
	// verification in Session.feedPayload (spec section 8 scenario 5).
	FrameAuthFailures = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frames",
			Name:      "auth_failures_total",
			Help:      "Total number of frames that failed tag verification",
		},
	)

	// BadFrameSizes tracks frames whose decrypted size prefix fell
	// outside [minMessage, MaxMessage] (spec section 8 scenario 4).
	BadFrameSizes = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frames",
			Name:      "bad_size_total",
			Help:      "Total number of frames rejected for an out-of-bounds size prefix",
		},
	)

	// FrameProcessingDuration tracks Pack/Feed-per-frame latency.
	FrameProcessingDuration = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "frames",
			Name:      "processing_duration_seconds",
			Help:      "Frame processing duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 12), // 0.1ms to 204.8ms
		},
	)

	// FrameSize tracks frame sizes on the wire (size prefix + payload +
	// tag).
	FrameSize = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "frames",
			Name:      "size_bytes",
			Help:      "Frame size in bytes",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 10), // 64B to 16MB
		},
	)
)
