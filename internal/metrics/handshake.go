package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HandshakesInitiated tracks handshakes started, by which side of the
	// Session built the first EncInit.
	HandshakesInitiated = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "handshakes",
			Name:      "initiated_total",
			Help:      "Total number of handshakes initiated",
		},
		[]string{"role"}, // initiator, responder
	)

	// HandshakesCompleted tracks handshakes that reached all four flags.
	HandshakesCompleted = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "handshakes",
			Name:      "completed_total",
			Help:      "Total number of handshakes completed",
		},
		[]string{"status"}, // success, timeout
	)

	// HandshakesFailed tracks protocol-violation errors returned by the
	// handshake methods (BuildEncInit/OnEncInit/BuildEncAck/OnEncAck).
	HandshakesFailed = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "handshakes",
			Name:      "failed_total",
			Help:      "Total number of failed handshake steps by error type",
		},
		[]string{"error_type"}, // cipher_mismatch, already_init_sent, already_init_recv, already_ack_sent, already_ack_recv, init_not_sent, output_not_initialized, handshake_completed, handshake_not_done
	)

	// HandshakeDuration tracks the wall-clock time from Session creation
	// to handshake completion.
	HandshakeDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "handshakes",
			Name:      "duration_seconds",
			Help:      "Handshake duration in seconds, from Session creation to completion",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to 2s
		},
		[]string{"stage"}, // the step that completed the handshake: build_encack, on_encack
	)

	// RekeysTriggered tracks re-key events by cause.
	RekeysTriggered = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "handshakes",
			Name:      "rekeys_triggered_total",
			Help:      "Total number of re-key events by trigger",
		},
		[]string{"cause"}, // automatic (Pack's high-water-mark/time check), signal
	)
)
