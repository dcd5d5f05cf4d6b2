// Package stream implements the per-direction cipher state of the
// brontide link-encryption engine: secp256k1 ECDH, the HKDF key schedule,
// and the SSH-style split ChaCha20 size cipher / ChaCha20-Poly1305 AEAD
// payload cipher described in section 4.1 of the protocol design.
package stream

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/poly1305"

	"github.com/sage-x-project/brontide/internal/logger"
	"github.com/sage-x-project/brontide/internal/metrics"
)

const cipherAlgorithm = "chacha20poly1305"

// CipherID identifies the AEAD/size-cipher construction negotiated during
// the handshake. Only CipherChaChaPoly is defined by this protocol version.
type CipherID byte

// CipherChaChaPoly is the only cipher suite this protocol version
// understands: ChaCha20-Poly1305 payload AEAD with a raw ChaCha20 size
// cipher, the SSH chacha20-poly1305@openssh.com construction.
const CipherChaChaPoly CipherID = 0

const (
	// PublicKeySize is the length of a compressed secp256k1 point.
	PublicKeySize = 33
	// TagSize is the length of the Poly1305 authentication tag.
	TagSize = 16

	hkdfSalt = "bitcoinecdh"
	hkdfInfoK1  = "BitcoinK1"
	hkdfInfoK2  = "BitcoinK2"
	hkdfInfoSID = "BitcoinSessionID"

	// DefaultRekeyInterval is the time-based re-key trigger (spec section 6).
	DefaultRekeyInterval = 10 * time.Second
	// DefaultRekeyHighWaterMark is the byte-based re-key trigger: 1 GiB.
	DefaultRekeyHighWaterMark uint64 = 1 << 30
)

var (
	// ErrUnsupportedCipher is returned when a Stream is asked to use
	// anything other than CipherChaChaPoly.
	ErrUnsupportedCipher = errors.New("stream: unsupported cipher id")
	// ErrNotInitialized is returned by operations that require init() to
	// have already run.
	ErrNotInitialized = errors.New("stream: not initialized")
	// ErrBadBufferSize is returned by encrypt_size/decrypt_size when the
	// supplied buffer is not exactly 4 bytes.
	ErrBadBufferSize = errors.New("stream: buffer must be exactly 4 bytes")
)

// PublicKey is a 33-byte compressed secp256k1 point.
type PublicKey [PublicKeySize]byte

// IsZero reports whether pk is the all-zero re-key sentinel.
func (pk PublicKey) IsZero() bool {
	var zero PublicKey
	return pk == zero
}

// Tag is a 16-byte Poly1305 authentication tag.
type Tag [TagSize]byte

// Option configures a new Stream.
type Option func(*Stream)

// WithLogger overrides the package default logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Stream) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRekeyInterval overrides the default 10s time-based re-key trigger.
// Tests use this to shorten scenarios that would otherwise need to sleep
// for real wall-clock time.
func WithRekeyInterval(d time.Duration) Option {
	return func(s *Stream) {
		if d > 0 {
			s.rekeyInterval = d
		}
	}
}

// WithRekeyHighWaterMark overrides the default 1 GiB byte-based re-key
// trigger.
func WithRekeyHighWaterMark(n uint64) Option {
	return func(s *Stream) {
		if n > 0 {
			s.rekeyHighWaterMark = n
		}
	}
}

// Stream is one direction (input or output) of a Session's encrypted
// link: an ephemeral keypair, the derived key schedule, and the size +
// AEAD cipher state keyed off it. It is not safe for concurrent use; the
// owning Session drives it from a single event loop (section 5).
type Stream struct {
	privateKey *secp256k1.PrivateKey
	publicKey  PublicKey
	cipherID   CipherID

	peerPublicKey PublicKey
	havePeer      bool

	k1, k2, sid [32]byte
	initialized bool

	iv  [8]byte
	seq uint32

	sizeCipher    *chacha20.Cipher
	payloadCipher *chacha20.Cipher
	mac           *poly1305.MAC
	tag           Tag

	processed          uint64
	lastRekey          time.Time
	rekeyInterval      time.Duration
	rekeyHighWaterMark uint64

	logger logger.Logger
}

// New generates a fresh ephemeral secp256k1 keypair and returns an
// uninitialized Stream (init() must be called with the peer's public key
// before any cipher operation is valid).
func New(opts ...Option) (*Stream, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("stream: generate private key: %w", err)
	}

	s := &Stream{
		privateKey:         priv,
		cipherID:           CipherChaChaPoly,
		rekeyInterval:      DefaultRekeyInterval,
		rekeyHighWaterMark: DefaultRekeyHighWaterMark,
		logger:             logger.GetDefaultLogger(),
	}
	copy(s.publicKey[:], priv.PubKey().SerializeCompressed())

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// OwnPublicKey returns the compressed public key derived from this
// Stream's ephemeral private key.
func (s *Stream) OwnPublicKey() PublicKey {
	return s.publicKey
}

// CipherID returns the negotiated cipher id (always CipherChaChaPoly).
func (s *Stream) CipherID() CipherID {
	return s.cipherID
}

// Initialized reports whether init() has completed successfully.
func (s *Stream) Initialized() bool {
	return s.initialized
}

// SID returns the derived session identifier. Only meaningful after init.
func (s *Stream) SID() [32]byte {
	return s.sid
}

// Init runs the ECDH + HKDF key schedule against the peer's public key
// (section 4.1 step 1-7): derive K1/K2/SID, reset the sequence counter,
// and initialize both ciphers.
func (s *Stream) Init(peerPub PublicKey) error {
	start := time.Now()

	pub, err := secp256k1.ParsePubKey(peerPub[:])
	if err != nil {
		metrics.CryptoErrors.WithLabelValues("ecdh").Inc()
		return fmt.Errorf("stream: parse peer public key: %w", err)
	}

	secret := ecdh(s.privateKey, pub)
	metrics.CryptoOperations.WithLabelValues("ecdh", "secp256k1").Inc()
	metrics.CryptoOperationDuration.WithLabelValues("ecdh", "secp256k1").Observe(time.Since(start).Seconds())

	ikm := make([]byte, 0, len(secret)+1)
	ikm = append(ikm, secret[:]...)
	ikm = append(ikm, byte(s.cipherID))

	prk := hkdfExtract(ikm)
	s.k1 = hkdfExpand(prk, []byte(hkdfInfoK1))
	s.k2 = hkdfExpand(prk, []byte(hkdfInfoK2))
	s.sid = hkdfExpand(prk, []byte(hkdfInfoSID))

	s.peerPublicKey = peerPub
	s.havePeer = true
	s.seq = 0
	s.updateIV()

	if err := s.initCiphers(); err != nil {
		return err
	}

	s.lastRekey = time.Now()
	s.processed = 0
	s.initialized = true

	s.logger.Debug("stream initialized", logger.String("sid", fmt.Sprintf("%x", s.sid[:8])))

	return nil
}

// ecdh computes the raw 32-byte X coordinate of the shared point, per the
// design note in spec section 9: NOT the 33-byte compressed serialization.
func ecdh(priv *secp256k1.PrivateKey, peerPub *secp256k1.PublicKey) [32]byte {
	var peerPoint secp256k1.JacobianPoint
	peerPub.AsJacobian(&peerPoint)

	var shared secp256k1.JacobianPoint
	secp256k1.ScalarMultNonConst(&priv.Key, &peerPoint, &shared)
	shared.ToAffine()

	return shared.X.Bytes()
}

func hkdfExtract(ikm []byte) []byte {
	return hkdf.Extract(sha256.New, ikm, []byte(hkdfSalt))
}

func hkdfExpand(prk, info []byte) [32]byte {
	var out [32]byte
	r := hkdf.Expand(sha256.New, prk, info)
	if _, err := r.Read(out[:]); err != nil {
		// hkdf.Expand only fails if asked for more output than RFC 5869
		// allows; 32 bytes is always within range, so this is unreachable.
		panic(fmt.Sprintf("stream: hkdf expand: %v", err))
	}
	return out
}

func sha256d(b []byte) [32]byte {
	first := sha256.Sum256(b)
	return sha256.Sum256(first[:])
}

// ShouldRekey accounts frameBytes against the byte high-water-mark and
// checks the time-based trigger; it resets both counters when either
// fires. Call this once per frame, before encrypting/after decrypting it.
func (s *Stream) ShouldRekey(frameBytes int) bool {
	s.processed += uint64(frameBytes)

	if time.Since(s.lastRekey) >= s.rekeyInterval || s.processed >= s.rekeyHighWaterMark {
		s.processed = 0
		s.lastRekey = time.Now()
		return true
	}
	return false
}

// Rekey derives new K1/K2 from the existing SID (SHA256d(SID || Kn)) when
// no explicit keys are supplied, then reinitializes both ciphers with the
// current IV (the sequence counter is preserved).
func (s *Stream) Rekey(k1, k2 *[32]byte) error {
	if !s.initialized {
		return ErrNotInitialized
	}

	if k1 == nil && k2 == nil {
		s.k1 = sha256d(append(append([]byte{}, s.sid[:]...), s.k1[:]...))
		s.k2 = sha256d(append(append([]byte{}, s.sid[:]...), s.k2[:]...))
	} else {
		if k1 != nil {
			s.k1 = *k1
		}
		if k2 != nil {
			s.k2 = *k2
		}
	}

	s.logger.Info("stream rekeyed")
	metrics.CryptoOperations.WithLabelValues("rekey", cipherAlgorithm).Inc()

	return s.initCiphers()
}

// Sequence increments the 32-bit sequence counter (wrapping at 2^32),
// rewrites the low 4 bytes of the IV, and reinitializes both ciphers with
// the new IV while keeping the current keys.
func (s *Stream) Sequence() error {
	if !s.initialized {
		return ErrNotInitialized
	}

	s.seq++ // uint32 wraps to 0 after 2^32-1 increments
	s.updateIV()

	return s.initCiphers()
}

func (s *Stream) updateIV() {
	binary.LittleEndian.PutUint32(s.iv[0:4], s.seq)
	s.iv[4], s.iv[5], s.iv[6], s.iv[7] = 0, 0, 0, 0
}

// nonce maps the protocol's 8-byte IV onto the 12-byte nonce required by
// golang.org/x/crypto/chacha20, prepending four zero bytes (the same
// zero-extension OpenSSH's chacha20-poly1305@openssh.com uses for its
// 8-byte sequence number).
func (s *Stream) nonce() []byte {
	n := make([]byte, 4, 12)
	n = append(n, s.iv[:]...)
	return n
}

func (s *Stream) initCiphers() error {
	nonce := s.nonce()

	sizeCipher, err := chacha20.NewUnauthenticatedCipher(s.k1[:], nonce)
	if err != nil {
		return fmt.Errorf("stream: init size cipher: %w", err)
	}
	s.sizeCipher = sizeCipher

	payloadCipher, mac, err := deriveAEAD(s.k2, nonce)
	if err != nil {
		return fmt.Errorf("stream: init aead cipher: %w", err)
	}
	s.payloadCipher = payloadCipher
	s.mac = mac

	return nil
}

// deriveAEAD implements the RFC 8439 ChaCha20-Poly1305 key derivation by
// hand (rather than via golang.org/x/crypto/chacha20poly1305's combined
// Seal/Open) because the protocol needs encrypt, auth and final as
// separable steps: block 0 of the ChaCha20 keystream yields the one-time
// Poly1305 key, and the cipher is left positioned at block 1 for payload
// encryption.
func deriveAEAD(key [32]byte, nonce []byte) (*chacha20.Cipher, *poly1305.MAC, error) {
	c, err := chacha20.NewUnauthenticatedCipher(key[:], nonce)
	if err != nil {
		return nil, nil, err
	}

	var block [64]byte
	c.XORKeyStream(block[:], block[:])

	var polyKey [32]byte
	copy(polyKey[:], block[:32])

	return c, poly1305.New(&polyKey), nil
}

// EncryptSize XORs the 4-byte payload_size prefix in place under the raw
// ChaCha20 size cipher.
func (s *Stream) EncryptSize(buf []byte) error {
	if len(buf) != 4 {
		return ErrBadBufferSize
	}
	if !s.initialized {
		return ErrNotInitialized
	}
	s.sizeCipher.XORKeyStream(buf, buf)
	return nil
}

// DecryptSize XORs the 4-byte payload_size prefix in place and returns it
// as a little-endian uint32.
func (s *Stream) DecryptSize(buf []byte) (uint32, error) {
	if len(buf) != 4 {
		return 0, ErrBadBufferSize
	}
	if !s.initialized {
		return 0, ErrNotInitialized
	}
	s.sizeCipher.XORKeyStream(buf, buf)
	return binary.LittleEndian.Uint32(buf), nil
}

// Encrypt enciphers payload in place under the payload AEAD cipher and
// feeds the resulting ciphertext into the Poly1305 MAC. Use on the
// sending side, where the ciphertext produced here is exactly what
// final() should tag.
func (s *Stream) Encrypt(payload []byte) error {
	if !s.initialized {
		return ErrNotInitialized
	}
	s.payloadCipher.XORKeyStream(payload, payload)
	s.mac.Write(payload)
	metrics.CryptoOperations.WithLabelValues("encrypt", cipherAlgorithm).Inc()
	return nil
}

// Decrypt deciphers payload in place under the payload AEAD cipher. It
// does not touch the MAC; call Auth first to authenticate ciphertext
// before Decrypt converts it to plaintext.
func (s *Stream) Decrypt(payload []byte) error {
	if !s.initialized {
		return ErrNotInitialized
	}
	s.payloadCipher.XORKeyStream(payload, payload)
	metrics.CryptoOperations.WithLabelValues("decrypt", cipherAlgorithm).Inc()
	return nil
}

// Auth feeds ciphertext into the Poly1305 MAC without altering cipher
// state. Use on the receiving side to authenticate a frame before
// Decrypt runs.
func (s *Stream) Auth(payload []byte) error {
	if !s.initialized {
		return ErrNotInitialized
	}
	s.mac.Write(payload)
	return nil
}

// Final computes the Poly1305 tag over everything fed via Encrypt/Auth
// since the last Sequence/Init/Rekey call.
func (s *Stream) Final() Tag {
	sum := s.mac.Sum(nil)
	copy(s.tag[:], sum)
	return s.tag
}

// Verify performs a constant-time comparison of tag against the tag
// produced by the last Final call.
func (s *Stream) Verify(tag Tag) bool {
	ok := subtle.ConstantTimeCompare(s.tag[:], tag[:]) == 1
	if !ok {
		metrics.CryptoErrors.WithLabelValues("verify").Inc()
	}
	return ok
}

// Reset zeroizes key material before the Stream is released, per the
// zeroization requirement in spec section 9.
func (s *Stream) Reset() {
	if s.privateKey != nil {
		s.privateKey.Zero()
	}
	zero32(&s.k1)
	zero32(&s.k2)
	zero32(&s.sid)
	s.initialized = false
}

func zero32(b *[32]byte) {
	for i := range b {
		b[i] = 0
	}
}
