package session

import (
	"encoding/binary"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sage-x-project/brontide/pkg/brontide/stream"
)

// recordingHandler captures every event fired by a Session so tests can
// assert on call counts and payloads without racing a real event loop.
type recordingHandler struct {
	mu         sync.Mutex
	handshakes int
	rekeys     int
	packets    []capturedPacket
	errors     []error
}

type capturedPacket struct {
	cmd  string
	body []byte
}

func (h *recordingHandler) OnHandshake() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handshakes++
}

func (h *recordingHandler) OnRekey() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rekeys++
}

func (h *recordingHandler) OnPacket(cmd string, body []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cp := make([]byte, len(body))
	copy(cp, body)
	h.packets = append(h.packets, capturedPacket{cmd: cmd, body: cp})
}

func (h *recordingHandler) OnError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errors = append(h.errors, err)
}

func (h *recordingHandler) snapshot() (handshakes, rekeys int, packets []capturedPacket, errs []error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.handshakes, h.rekeys, append([]capturedPacket{}, h.packets...), append([]error{}, h.errors...)
}

// performHandshake drives the exact message sequence of end-to-end
// scenario 1: A and B exchange EncInit/EncAck in the order the protocol
// design specifies, and both handshake events must fire exactly once.
func performHandshake(t *testing.T, a, b *Session) {
	t.Helper()

	encInitA, err := a.BuildEncInit()
	require.NoError(t, err)
	require.NoError(t, b.OnEncInit(encInitA))

	encAckB, err := b.BuildEncAck()
	require.NoError(t, err)
	require.NoError(t, a.OnEncAck(encAckB))

	encInitB, err := b.BuildEncInit()
	require.NoError(t, err)
	require.NoError(t, a.OnEncInit(encInitB))

	encAckA, err := a.BuildEncAck()
	require.NoError(t, err)
	require.NoError(t, b.OnEncAck(encAckA))

	require.True(t, a.HandshakeDone())
	require.True(t, b.HandshakeDone())
}

func newHandshakingPair(t *testing.T, opts ...Option) (*Session, *recordingHandler, *Session, *recordingHandler) {
	t.Helper()

	ha := &recordingHandler{}
	hb := &recordingHandler{}

	a, err := New(append([]Option{WithEventHandler(ha)}, opts...)...)
	require.NoError(t, err)
	b, err := New(append([]Option{WithEventHandler(hb)}, opts...)...)
	require.NoError(t, err)

	performHandshake(t, a, b)
	return a, ha, b, hb
}

// TestHappyHandshake covers end-to-end scenario 1.
func TestHappyHandshake(t *testing.T) {
	a, ha, b, hb := newHandshakingPair(t)

	handshakesA, _, _, _ := ha.snapshot()
	handshakesB, _, _, _ := hb.snapshot()
	assert.Equal(t, 1, handshakesA)
	assert.Equal(t, 1, handshakesB)

	assert.Equal(t, a.Input().SID(), b.Output().SID())
	assert.Equal(t, a.Output().SID(), b.Input().SID())
}

// TestRoundTripPing covers end-to-end scenario 2.
func TestRoundTripPing(t *testing.T) {
	a, _, b, hb := newHandshakingPair(t)

	body := make([]byte, 8)
	binary.LittleEndian.PutUint64(body, 1)

	frame, err := a.Pack("ping", body)
	require.NoError(t, err)

	b.Feed(frame)

	_, _, packets, errs := hb.snapshot()
	require.Empty(t, errs)
	require.Len(t, packets, 1)
	assert.Equal(t, "ping", packets[0].cmd)
	assert.Equal(t, body, packets[0].body)
}

// TestRekeyRoundTrip covers end-to-end scenario 3.
func TestRekeyRoundTrip(t *testing.T) {
	t.Run("desyncs without local output rekey", func(t *testing.T) {
		a, _, b, hb := newHandshakingPair(t)

		rekeyMsg, err := a.BuildRekey()
		require.NoError(t, err)
		require.True(t, rekeyMsg.IsRekey())
		require.NoError(t, b.OnEncAck(rekeyMsg))

		frame, err := a.Pack("ping", []byte("x"))
		require.NoError(t, err)

		b.Feed(frame)

		_, _, packets, errs := hb.snapshot()
		assert.Empty(t, packets)
		require.Len(t, errs, 1)
		assert.Contains(t, errs[0].Error(), "Bad tag")
	})

	t.Run("succeeds when caller also rekeys local output", func(t *testing.T) {
		a, _, b, hb := newHandshakingPair(t)

		rekeyMsg, err := a.BuildRekey()
		require.NoError(t, err)
		require.NoError(t, b.OnEncAck(rekeyMsg))
		require.NoError(t, a.Output().Rekey(nil, nil))

		frame, err := a.Pack("ping", []byte("y"))
		require.NoError(t, err)

		b.Feed(frame)

		_, _, packets, errs := hb.snapshot()
		require.Empty(t, errs)
		require.Len(t, packets, 1)
		assert.Equal(t, []byte("y"), packets[0].body)
	})
}

// TestBadPacketSize covers end-to-end scenario 4: a frame whose
// decrypted size is below the 6-byte floor.
func TestBadPacketSize(t *testing.T) {
	a, _, b, hb := newHandshakingPair(t)

	// cmd="" encodes to a 1-byte varstring, so payload_size = 1 + 4 + 0 = 5.
	frame, err := a.Pack("", nil)
	require.NoError(t, err)

	b.Feed(frame)

	_, _, packets, errs := hb.snapshot()
	assert.Empty(t, packets)
	require.Len(t, errs, 1)
	assert.Equal(t, "Bad packet size: 5.", errs[0].Error())
}

// TestTagTampering covers end-to-end scenario 5.
func TestTagTampering(t *testing.T) {
	a, _, b, hb := newHandshakingPair(t)

	frame, err := a.Pack("ping", []byte("12345678"))
	require.NoError(t, err)

	tampered := append([]byte{}, frame...)
	tampered[len(tampered)-1] ^= 0x01

	b.Feed(tampered)

	_, _, packets, errs := hb.snapshot()
	assert.Empty(t, packets)
	require.Len(t, errs, 1)
	assert.True(t, strings.HasPrefix(errs[0].Error(), "Bad tag:"))

	// The parser is poisoned: a subsequent, otherwise-valid frame must
	// not be decoded.
	nextFrame, err := a.Pack("ping", []byte("87654321"))
	require.NoError(t, err)
	b.Feed(nextFrame)

	_, _, packets, errs = hb.snapshot()
	assert.Empty(t, packets)
	assert.Len(t, errs, 1, "poisoned parser must not process further frames")
}

// TestHandshakeTimeout covers end-to-end scenario 6.
func TestHandshakeTimeout(t *testing.T) {
	a, err := New()
	require.NoError(t, err)

	start := time.Now()
	err = a.Wait(50 * time.Millisecond)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrHandshakeTimeout)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)

	// A second Wait call must not block or re-settle the future.
	err = a.Wait(50 * time.Millisecond)
	assert.ErrorIs(t, err, ErrWaitAlreadyCalled)

	// After the timeout the Session is completed: a late EncAck is refused
	// and must not resolve the already-rejected promise.
	b, err := New()
	require.NoError(t, err)
	encInitA, err := a.BuildEncInit()
	require.NoError(t, err)
	require.NoError(t, b.OnEncInit(encInitA))
	encAckB, err := b.BuildEncAck()
	require.NoError(t, err)
	assert.ErrorIs(t, a.OnEncAck(encAckB), ErrHandshakeCompleted)
	assert.False(t, a.HandshakeDone())
}

func TestDestroyRejectsOutstandingWait(t *testing.T) {
	a, err := New()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- a.Wait(time.Second)
	}()

	time.Sleep(10 * time.Millisecond)
	a.Destroy()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrStreamDestroyed)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Destroy")
	}
}

func TestHandshakeProtocolViolations(t *testing.T) {
	a, err := New()
	require.NoError(t, err)

	_, err = a.BuildEncInit()
	require.NoError(t, err)
	_, err = a.BuildEncInit()
	assert.ErrorIs(t, err, ErrAlreadyInitSent)

	_, err = a.BuildEncAck()
	assert.ErrorIs(t, err, ErrOutputNotInitialized)
}

func TestAutomaticRekeyFiresOnHighWaterMark(t *testing.T) {
	ha := &recordingHandler{}
	hb := &recordingHandler{}

	a, err := New(WithEventHandler(ha), WithStreamOptions(stream.WithRekeyHighWaterMark(8)))
	require.NoError(t, err)
	b, err := New(WithEventHandler(hb), WithStreamOptions(stream.WithRekeyHighWaterMark(8)))
	require.NoError(t, err)

	performHandshake(t, a, b)

	_, err = a.Pack("ping", []byte("01234567"))
	require.NoError(t, err)

	_, rekeys, _, _ := ha.snapshot()
	assert.GreaterOrEqual(t, rekeys, 1)
}
