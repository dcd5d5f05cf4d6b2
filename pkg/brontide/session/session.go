// Package session implements the Session half of the brontide
// link-encryption engine: the four-flag handshake state machine, the
// two-phase inbound frame parser, and outbound framing, as described in
// sections 4.2-4.3 of the protocol design. A Session aggregates one input
// and one output Stream (package stream) and drives them from a single
// caller-owned event loop; there is no internal locking (section 5).
package session

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sage-x-project/brontide/internal/logger"
	"github.com/sage-x-project/brontide/internal/metrics"
	"github.com/sage-x-project/brontide/pkg/brontide/authsidecar"
	"github.com/sage-x-project/brontide/pkg/brontide/stream"
	"github.com/sage-x-project/brontide/pkg/brontide/wire"
)

// MaxMessage is the largest payload_size a frame may declare (spec
// section 6).
const MaxMessage = 12_000_000

// minMessage is the smallest payload_size a frame may declare: a
// zero-length varstring command (1 byte) plus a 4-byte body length plus
// nothing else would be 5, so 6 is the floor the spec fixes explicitly.
const minMessage = 6

// Option configures a new Session.
type Option func(*sessionConfig)

type sessionConfig struct {
	handler      EventHandler
	authSidecar  authsidecar.AuthSidecar
	logger       logger.Logger
	streamOpts   []stream.Option
	auditHook    func(event AuditEvent)
}

// WithEventHandler sets the callback sink for handshake/rekey/packet/error
// events. If omitted, a NoopEventHandler is used.
func WithEventHandler(h EventHandler) Option {
	return func(c *sessionConfig) { c.handler = h }
}

// WithAuthSidecar attaches the optional identity-authenticated
// collaborator that may intercept rekey side-effects.
func WithAuthSidecar(a authsidecar.AuthSidecar) Option {
	return func(c *sessionConfig) { c.authSidecar = a }
}

// WithLogger overrides the package default logger.
func WithLogger(l logger.Logger) Option {
	return func(c *sessionConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithStreamOptions forwards options (e.g. shortened re-key thresholds)
// to both the input and output Streams.
func WithStreamOptions(opts ...stream.Option) Option {
	return func(c *sessionConfig) { c.streamOpts = append(c.streamOpts, opts...) }
}

// AuditEvent describes a handshake-completed or rekey occurrence, handed
// to an optional best-effort audit hook (see pkg/storage/postgres).
type AuditEvent struct {
	SessionID string
	Kind      string // "handshake" or "rekey"
	At        time.Time
}

// WithAuditHook registers a best-effort callback invoked after handshake
// and rekey events. It must never block Pack/Feed; the hook is called
// synchronously but is expected to be cheap (e.g. enqueue) or to manage
// its own background dispatch.
func WithAuditHook(hook func(event AuditEvent)) Option {
	return func(c *sessionConfig) { c.auditHook = hook }
}

func defaultConfig() *sessionConfig {
	return &sessionConfig{
		handler: NoopEventHandler{},
		logger:  logger.GetDefaultLogger(),
	}
}

// Session wraps the two directional Streams, the handshake flags, the
// inbound parser state and the handshake-completion future described in
// the protocol's data model (section 3).
type Session struct {
	id        string
	createdAt time.Time

	input  *stream.Stream
	output *stream.Stream

	initSent, initRecv, ackSent, ackRecv bool
	handshakeDone                        bool
	completed                            bool

	pending        pendingQueue
	waiting        int
	hasSize        bool
	poisoned       bool
	feedAuthFailed bool

	completion *handshakeWait
	waitCalled bool

	authSidecar authsidecar.AuthSidecar
	handler     EventHandler
	auditHook   func(event AuditEvent)
	logger      logger.Logger
}

// New creates an idle Session: both Streams have fresh ephemeral
// keypairs but are not yet initialized, and no handshake flag is set.
func New(opts ...Option) (*Session, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	input, err := stream.New(cfg.streamOpts...)
	if err != nil {
		return nil, fmt.Errorf("session: create input stream: %w", err)
	}
	output, err := stream.New(cfg.streamOpts...)
	if err != nil {
		return nil, fmt.Errorf("session: create output stream: %w", err)
	}

	metrics.SessionsCreated.WithLabelValues("success").Inc()
	metrics.SessionsActive.Inc()
	metrics.GetGlobalCollector().RecordHandshakeStarted()

	return &Session{
		id:          uuid.NewString(),
		createdAt:   time.Now(),
		input:       input,
		output:      output,
		waiting:     4,
		completion:  newHandshakeWait(),
		authSidecar: cfg.authSidecar,
		handler:     cfg.handler,
		auditHook:   cfg.auditHook,
		logger:      cfg.logger,
	}, nil
}

// ID returns the Session's correlation id (used in logs, metrics labels
// and audit rows; not part of the wire protocol).
func (s *Session) ID() string { return s.id }

// Input returns the Stream used to decrypt inbound frames.
func (s *Session) Input() *stream.Stream { return s.input }

// Output returns the Stream used to encrypt outbound frames.
func (s *Session) Output() *stream.Stream { return s.output }

// HandshakeDone reports whether all four handshake flags are set.
func (s *Session) HandshakeDone() bool { return s.handshakeDone }

func (s *Session) allFlagsSet() bool {
	return s.initSent && s.initRecv && s.ackSent && s.ackRecv
}

// BuildEncInit emits the local EncInit message: the input Stream's own
// public key and cipher id. Precondition: build_encinit not already
// called.
func (s *Session) BuildEncInit() (wire.EncInit, error) {
	if s.initSent {
		metrics.HandshakesFailed.WithLabelValues("already_init_sent").Inc()
		return wire.EncInit{}, ErrAlreadyInitSent
	}
	s.initSent = true

	// A Session that already received the peer's EncInit before building
	// its own is responding to a handshake the peer opened first.
	role := "initiator"
	if s.initRecv {
		role = "responder"
	}
	metrics.HandshakesInitiated.WithLabelValues(role).Inc()

	msg := wire.EncInit{
		PubKey: s.input.OwnPublicKey(),
		Cipher: byte(s.input.CipherID()),
	}
	s.logger.Info("build_encinit", logger.String("session_id", s.id))
	return msg, nil
}

// OnEncInit handles a peer's EncInit: validates the cipher id matches,
// then initializes the output Stream with the peer's public key.
func (s *Session) OnEncInit(msg wire.EncInit) error {
	if s.initRecv {
		metrics.HandshakesFailed.WithLabelValues("already_init_recv").Inc()
		return ErrAlreadyInitRecv
	}
	if s.completed {
		metrics.HandshakesFailed.WithLabelValues("handshake_completed").Inc()
		return ErrHandshakeCompleted
	}
	if stream.CipherID(msg.Cipher) != s.output.CipherID() {
		metrics.HandshakesFailed.WithLabelValues("cipher_mismatch").Inc()
		return ErrCipherMismatch
	}

	s.initRecv = true
	if err := s.output.Init(msg.PubKey); err != nil {
		return fmt.Errorf("on_encinit: %w", err)
	}
	return nil
}

// BuildEncAck emits the local EncAck message: the output Stream's own
// public key. Precondition: output.SID is set (Init already ran) and
// build_encack not already called. If this completes all four flags, the
// handshake event fires.
func (s *Session) BuildEncAck() (wire.EncAck, error) {
	if !s.output.Initialized() {
		metrics.HandshakesFailed.WithLabelValues("output_not_initialized").Inc()
		return wire.EncAck{}, ErrOutputNotInitialized
	}
	if s.ackSent {
		metrics.HandshakesFailed.WithLabelValues("already_ack_sent").Inc()
		return wire.EncAck{}, ErrAlreadyAckSent
	}
	s.ackSent = true

	msg := wire.EncAck{PubKey: s.output.OwnPublicKey()}

	if s.allFlagsSet() {
		s.markHandshakeDone("build_encack")
	}

	s.logger.Info("build_encack", logger.String("session_id", s.id))
	return msg, nil
}

// OnEncAck handles a peer's EncAck. An all-zero PubKey is the re-key
// signal: the input Stream (or the auth sidecar, if authenticated) is
// rekeyed and ack_recv is left untouched. Otherwise it completes the
// handshake's ack_recv leg.
func (s *Session) OnEncAck(msg wire.EncAck) error {
	if msg.IsRekey() {
		if !s.handshakeDone {
			metrics.HandshakesFailed.WithLabelValues("handshake_not_done").Inc()
			return ErrHandshakeNotDone
		}
		if err := s.applyInputRekey(); err != nil {
			return fmt.Errorf("on_encack rekey: %w", err)
		}
		s.logger.Info("input rekeyed via on_encack", logger.String("session_id", s.id))
		s.emitRekey("signal")
		return nil
	}

	if !s.initSent {
		metrics.HandshakesFailed.WithLabelValues("init_not_sent").Inc()
		return ErrInitNotSent
	}
	if s.ackRecv {
		metrics.HandshakesFailed.WithLabelValues("already_ack_recv").Inc()
		return ErrAlreadyAckRecv
	}
	if s.completed {
		metrics.HandshakesFailed.WithLabelValues("handshake_completed").Inc()
		return ErrHandshakeCompleted
	}

	s.ackRecv = true
	if err := s.input.Init(msg.PubKey); err != nil {
		return fmt.Errorf("on_encack: %w", err)
	}

	if s.allFlagsSet() {
		s.markHandshakeDone("on_encack")
	}
	return nil
}

// BuildRekey emits the zero-pubkey EncAck re-key signal. It does NOT
// rekey the local output Stream itself: per the protocol's testable
// scenario 3, the caller is responsible for also calling
// Output().Rekey(nil, nil) to stay in sync with what the peer's
// OnEncAck(rekey) will do to its input Stream.
func (s *Session) BuildRekey() (wire.EncAck, error) {
	if !s.handshakeDone {
		metrics.HandshakesFailed.WithLabelValues("handshake_not_done").Inc()
		return wire.EncAck{}, ErrHandshakeNotDone
	}
	return wire.EncAck{}, nil
}

func (s *Session) markHandshakeDone(stage string) {
	s.handshakeDone = true
	s.completed = true
	if !s.completion.resolve() {
		s.logger.Error("handshake resolved twice", logger.String("session_id", s.id))
	}
	metrics.HandshakesCompleted.WithLabelValues("success").Inc()
	metrics.HandshakeDuration.WithLabelValues(stage).Observe(time.Since(s.createdAt).Seconds())
	metrics.GetGlobalCollector().RecordHandshakeCompleted(true, time.Since(s.createdAt))
	if s.handler != nil {
		s.handler.OnHandshake()
	}
	if s.auditHook != nil {
		s.auditHook(AuditEvent{SessionID: s.id, Kind: "handshake", At: time.Now()})
	}
	s.logger.Info("handshake complete", logger.String("session_id", s.id))
}

func (s *Session) emitRekey(cause string) {
	metrics.RekeysTriggered.WithLabelValues(cause).Inc()
	metrics.GetGlobalCollector().RecordRekey()
	if s.handler != nil {
		s.handler.OnRekey()
	}
	if s.auditHook != nil {
		s.auditHook(AuditEvent{SessionID: s.id, Kind: "rekey", At: time.Now()})
	}
}

func (s *Session) applyInputRekey() error {
	if s.authSidecar != nil && s.authSidecar.Authenticated() {
		return s.authSidecar.RekeyInput()
	}
	return s.input.Rekey(nil, nil)
}

func (s *Session) applyOutputRekey() error {
	if s.authSidecar != nil && s.authSidecar.Authenticated() {
		return s.authSidecar.RekeyOutput()
	}
	return s.output.Rekey(nil, nil)
}

// Wait blocks until the handshake completes or timeout elapses, per the
// one-shot handshake-completion future in section 4.2. Calling Wait more
// than once on the same Session is a programmer error: the second call
// returns ErrWaitAlreadyCalled without touching the future.
func (s *Session) Wait(timeout time.Duration) error {
	if s.waitCalled {
		s.logger.Error("wait called twice", logger.String("session_id", s.id))
		return ErrWaitAlreadyCalled
	}
	s.waitCalled = true

	err := s.completion.Wait(timeout)
	if err != nil {
		s.completed = true
		if err == ErrHandshakeTimeout {
			metrics.HandshakesCompleted.WithLabelValues("timeout").Inc()
			metrics.GetGlobalCollector().RecordHandshakeCompleted(false, time.Since(s.createdAt))
		}
	}
	return err
}

// Destroy cancels any outstanding handshake wait with a stream-destroyed
// error and zeroizes both Streams' key material.
func (s *Session) Destroy() {
	s.completed = true
	s.completion.reject(ErrStreamDestroyed)
	s.input.Reset()
	s.output.Reset()
	metrics.SessionsClosed.Inc()
	metrics.SessionsActive.Dec()
	s.logger.Info("session destroyed", logger.String("session_id", s.id))
}

// Pack frames cmd and body as an outbound ciphertext frame, per section
// 4.3: write the plaintext layout, check the automatic re-key trigger,
// then encrypt the size prefix, encrypt+tag the payload, and advance the
// sequence counter.
func (s *Session) Pack(cmd string, body []byte) ([]byte, error) {
	start := time.Now()
	defer func() {
		elapsed := time.Since(start)
		metrics.FrameProcessingDuration.Observe(elapsed.Seconds())
		metrics.SessionDuration.WithLabelValues("pack").Observe(elapsed.Seconds())
		metrics.GetGlobalCollector().RecordPack(elapsed)
	}()

	cmdBytes := wire.PutVarString(nil, cmd)
	v := len(cmdBytes)

	payloadSize := v + 4 + len(body)
	frameSize := 4 + payloadSize + stream.TagSize
	frame := make([]byte, frameSize)

	binary.LittleEndian.PutUint32(frame[0:4], uint32(payloadSize))
	offset := 4
	copy(frame[offset:], cmdBytes)
	offset += v
	binary.LittleEndian.PutUint32(frame[offset:offset+4], uint32(len(body)))
	offset += 4
	copy(frame[offset:], body)

	if s.output.ShouldRekey(frameSize) {
		s.emitRekey("automatic")
		if err := s.applyOutputRekey(); err != nil {
			return nil, fmt.Errorf("pack: automatic rekey: %w", err)
		}
	}

	if err := s.output.EncryptSize(frame[0:4]); err != nil {
		return nil, fmt.Errorf("pack: encrypt size: %w", err)
	}
	if err := s.output.Encrypt(frame[4 : 4+payloadSize]); err != nil {
		return nil, fmt.Errorf("pack: encrypt payload: %w", err)
	}

	tag := s.output.Final()
	copy(frame[4+payloadSize:], tag[:])

	if err := s.output.Sequence(); err != nil {
		return nil, fmt.Errorf("pack: advance sequence: %w", err)
	}

	metrics.FramesProcessed.WithLabelValues("outbound", "success").Inc()
	metrics.FrameSize.Observe(float64(frameSize))

	return frame, nil
}

// Feed appends data to the pending-bytes queue and drives the two-phase
// frame parser, emitting zero or more packet/error events synchronously
// before returning. Once an error has poisoned the stream, Feed becomes a
// no-op; the caller is expected to destroy the Session.
func (s *Session) Feed(data []byte) {
	if s.poisoned {
		s.logger.Debug("feed called on poisoned session", logger.String("session_id", s.id))
		return
	}

	start := time.Now()
	s.feedAuthFailed = false
	defer func() {
		elapsed := time.Since(start)
		metrics.FrameProcessingDuration.Observe(elapsed.Seconds())
		metrics.SessionDuration.WithLabelValues("feed").Observe(elapsed.Seconds())
		metrics.GetGlobalCollector().RecordFeed(s.feedAuthFailed, elapsed)
	}()

	s.pending.Push(data)

	for {
		chunk, ok := s.pending.Read(s.waiting)
		if !ok {
			return
		}

		if !s.hasSize {
			if !s.feedSize(chunk) {
				return
			}
			continue
		}

		if !s.feedPayload(chunk) {
			return
		}
	}
}

// feedSize handles Phase A: decrypt the 4-byte size prefix and validate
// it against the protocol bounds. Returns false if the stream has been
// poisoned and the caller should stop looping.
func (s *Session) feedSize(chunk []byte) bool {
	size, err := s.input.DecryptSize(chunk)
	if err != nil {
		s.fail(newSessionError(ErrCodeBadFrameSize, "decrypt size", err))
		return false
	}

	if size < minMessage || size > MaxMessage {
		metrics.BadFrameSizes.Inc()
		s.fail(newSessionError(ErrCodeBadFrameSize, fmt.Sprintf("Bad packet size: %d.", size), nil))
		return false
	}

	s.hasSize = true
	s.waiting = int(size) + stream.TagSize
	return true
}

// feedPayload handles Phase B: authenticate before decrypting, verify
// the tag, and on success decode the inner ⟨cmd, body⟩ messages. Returns
// false if the stream has been poisoned and the caller should stop
// looping.
func (s *Session) feedPayload(chunk []byte) bool {
	size := s.waiting - stream.TagSize
	payload := chunk[:size]
	tagBytes := chunk[size : size+stream.TagSize]

	s.hasSize = false
	s.waiting = 4

	if err := s.input.Auth(payload); err != nil {
		s.fail(newSessionError(ErrCodeBadTag, "auth payload", err))
		return false
	}

	var tag stream.Tag
	copy(tag[:], tagBytes)
	s.input.Final()

	if !s.input.Verify(tag) {
		_ = s.input.Sequence()
		metrics.FrameAuthFailures.Inc()
		s.feedAuthFailed = true
		s.fail(newSessionError(ErrCodeBadTag, fmt.Sprintf("Bad tag: %x.", tagBytes), nil))
		return false
	}

	if err := s.input.Decrypt(payload); err != nil {
		s.fail(newSessionError(ErrCodeBadTag, "decrypt payload", err))
		return false
	}
	if err := s.input.Sequence(); err != nil {
		s.fail(newSessionError(ErrCodeProtocol, "advance sequence", err))
		return false
	}

	if err := s.emitPackets(payload); err != nil {
		s.fail(err)
		return false
	}

	metrics.FramesProcessed.WithLabelValues("inbound", "success").Inc()
	return true
}

// emitPackets decodes payload as a concatenation of one or more inner
// ⟨varstring(cmd), u32_le(len), body⟩ messages, emitting one packet event
// per message in order.
func (s *Session) emitPackets(payload []byte) error {
	for len(payload) > 0 {
		cmd, n, err := wire.ReadVarString(payload)
		if err != nil {
			return fmt.Errorf("parse inner message command: %w", err)
		}
		payload = payload[n:]

		if len(payload) < 4 {
			return fmt.Errorf("parse inner message: truncated body length")
		}
		bodyLen := binary.LittleEndian.Uint32(payload[:4])
		payload = payload[4:]

		if uint64(len(payload)) < uint64(bodyLen) {
			return fmt.Errorf("parse inner message: body length %d exceeds remaining %d bytes", bodyLen, len(payload))
		}
		body := payload[:bodyLen]
		payload = payload[bodyLen:]

		if s.handler != nil {
			s.handler.OnPacket(cmd, body)
		}
	}
	return nil
}

// fail poisons the Session and emits an error event. Per the propagation
// policy, all inbound parsing errors surface this way and the parser
// becomes a no-op afterward.
func (s *Session) fail(err error) {
	s.poisoned = true
	metrics.FramesProcessed.WithLabelValues("inbound", "failure").Inc()
	s.logger.Warn("feed error", logger.String("session_id", s.id), logger.Error(err))
	if s.handler != nil {
		s.handler.OnError(err)
	}
}
