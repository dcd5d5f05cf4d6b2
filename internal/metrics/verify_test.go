package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRegistration(t *testing.T) {
	assert.NotNil(t, HandshakesInitiated)
	assert.NotNil(t, HandshakesCompleted)
	assert.NotNil(t, HandshakesFailed)
	assert.NotNil(t, HandshakeDuration)
	assert.NotNil(t, RekeysTriggered)

	assert.NotNil(t, SessionsCreated)
	assert.NotNil(t, SessionsActive)
	assert.NotNil(t, SessionsExpired)
	assert.NotNil(t, SessionsClosed)
	assert.NotNil(t, SessionDuration)

	assert.NotNil(t, CryptoOperations)
	assert.NotNil(t, CryptoErrors)
	assert.NotNil(t, CryptoOperationDuration)

	assert.NotNil(t, FramesProcessed)
	assert.NotNil(t, FrameAuthFailures)
	assert.NotNil(t, BadFrameSizes)
	assert.NotNil(t, FrameProcessingDuration)
	assert.NotNil(t, FrameSize)
}

func TestMetricsIncrement(t *testing.T) {
	HandshakesInitiated.WithLabelValues("initiator").Inc()
	HandshakesCompleted.WithLabelValues("success").Inc()
	HandshakesFailed.WithLabelValues("cipher_mismatch").Inc()
	HandshakeDuration.WithLabelValues("build_encinit").Observe(0.001)
	RekeysTriggered.WithLabelValues("high_water_mark").Inc()

	SessionsCreated.WithLabelValues("success").Inc()
	SessionsActive.Inc()
	SessionsExpired.Inc()
	SessionsClosed.Inc()
	SessionDuration.WithLabelValues("pack").Observe(0.0005)

	CryptoOperations.WithLabelValues("encrypt", "chacha20poly1305").Inc()
	CryptoOperations.WithLabelValues("ecdh", "secp256k1").Inc()

	FramesProcessed.WithLabelValues("outbound", "success").Inc()
	FrameAuthFailures.Inc()
	BadFrameSizes.Inc()
	FrameProcessingDuration.Observe(0.0002)
	FrameSize.Observe(128)

	assert.NotZero(t, testutil.CollectAndCount(HandshakesInitiated))
	assert.NotZero(t, testutil.CollectAndCount(SessionsCreated))
	assert.NotZero(t, testutil.CollectAndCount(CryptoOperations))
	assert.NotZero(t, testutil.CollectAndCount(FramesProcessed))
}

func TestBrontideCollectorSnapshot(t *testing.T) {
	c := NewBrontideCollector()

	c.RecordHandshakeStarted()
	c.RecordHandshakeCompleted(true, 5*time.Millisecond)
	c.RecordRekey()
	c.RecordPack(100 * time.Microsecond)
	c.RecordFeed(false, 150*time.Microsecond)
	c.RecordFeed(true, 80*time.Microsecond)

	snap := c.Snapshot()
	assert.Equal(t, int64(1), snap.HandshakesStarted)
	assert.Equal(t, int64(1), snap.HandshakesSucceeded)
	assert.Equal(t, int64(1), snap.RekeysTriggered)
	assert.Equal(t, int64(1), snap.FramesPacked)
	assert.Equal(t, int64(2), snap.FramesFed)
	assert.Equal(t, int64(1), snap.FrameAuthFailures)
	assert.InDelta(t, 50.0, snap.FrameAuthFailureRate(), 0.01)
	assert.InDelta(t, 100.0, snap.HandshakeSuccessRate(), 0.01)

	c.Reset()
	snap = c.Snapshot()
	assert.Zero(t, snap.HandshakesStarted)
	assert.Zero(t, snap.FramesFed)
}

func TestGetGlobalCollectorReturnsSingleton(t *testing.T) {
	a := GetGlobalCollector()
	b := GetGlobalCollector()
	assert.Same(t, a, b)
}
