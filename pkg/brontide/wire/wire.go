// Package wire implements the Bitcoin-style compact-size varint/varstring
// encoding used by the framing codec, and the EncInit/EncAck handshake
// messages negotiated out-of-band by the surrounding peer protocol
// (spec section 6).
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrTruncated is returned when a buffer ends before a complete varint,
// varstring, or handshake message could be read from it.
var ErrTruncated = errors.New("wire: truncated input")

// PutVarInt appends a Bitcoin-style compact-size unsigned integer to buf
// and returns the extended slice.
func PutVarInt(buf []byte, n uint64) []byte {
	switch {
	case n < 0xfd:
		return append(buf, byte(n))
	case n <= 0xffff:
		out := append(buf, 0xfd, 0, 0)
		binary.LittleEndian.PutUint16(out[len(out)-2:], uint16(n))
		return out
	case n <= 0xffffffff:
		out := append(buf, 0xfe, 0, 0, 0, 0)
		binary.LittleEndian.PutUint32(out[len(out)-4:], uint32(n))
		return out
	default:
		out := append(buf, 0xff, 0, 0, 0, 0, 0, 0, 0, 0)
		binary.LittleEndian.PutUint64(out[len(out)-8:], n)
		return out
	}
}

// VarIntSize returns the number of bytes PutVarInt would write for n.
func VarIntSize(n uint64) int {
	switch {
	case n < 0xfd:
		return 1
	case n <= 0xffff:
		return 3
	case n <= 0xffffffff:
		return 5
	default:
		return 9
	}
}

// ReadVarInt reads a compact-size integer from the front of buf and
// returns its value plus the number of bytes consumed.
func ReadVarInt(buf []byte) (uint64, int, error) {
	if len(buf) < 1 {
		return 0, 0, ErrTruncated
	}

	switch prefix := buf[0]; {
	case prefix < 0xfd:
		return uint64(prefix), 1, nil
	case prefix == 0xfd:
		if len(buf) < 3 {
			return 0, 0, ErrTruncated
		}
		return uint64(binary.LittleEndian.Uint16(buf[1:3])), 3, nil
	case prefix == 0xfe:
		if len(buf) < 5 {
			return 0, 0, ErrTruncated
		}
		return uint64(binary.LittleEndian.Uint32(buf[1:5])), 5, nil
	default:
		if len(buf) < 9 {
			return 0, 0, ErrTruncated
		}
		return binary.LittleEndian.Uint64(buf[1:9]), 9, nil
	}
}

// VarStringSize returns the encoded length of s as a varstring: the
// compact-size length prefix plus len(s) bytes.
func VarStringSize(s string) int {
	return VarIntSize(uint64(len(s))) + len(s)
}

// PutVarString appends s as a Bitcoin varstring (compact-size length
// prefix + ASCII bytes) to buf and returns the extended slice.
func PutVarString(buf []byte, s string) []byte {
	buf = PutVarInt(buf, uint64(len(s)))
	return append(buf, s...)
}

// ReadVarString reads a varstring from the front of buf and returns its
// value plus the number of bytes consumed.
func ReadVarString(buf []byte) (string, int, error) {
	length, n, err := ReadVarInt(buf)
	if err != nil {
		return "", 0, err
	}
	if uint64(len(buf)-n) < length {
		return "", 0, ErrTruncated
	}
	s := string(buf[n : n+int(length)])
	return s, n + int(length), nil
}

// EncInit is the handshake message announcing an ephemeral public key and
// the cipher suite the sender intends to use for its outbound stream.
type EncInit struct {
	PubKey [33]byte
	Cipher byte
}

// Encode serializes an EncInit message: 33-byte compressed pubkey
// followed by a single cipher-id byte.
func (m EncInit) Encode() []byte {
	out := make([]byte, 0, 34)
	out = append(out, m.PubKey[:]...)
	out = append(out, m.Cipher)
	return out
}

// DecodeEncInit parses an EncInit message from buf.
func DecodeEncInit(buf []byte) (EncInit, error) {
	if len(buf) != 34 {
		return EncInit{}, fmt.Errorf("wire: EncInit must be 34 bytes, got %d", len(buf))
	}
	var m EncInit
	copy(m.PubKey[:], buf[:33])
	m.Cipher = buf[33]
	return m, nil
}

// EncAck is the handshake acknowledgement carrying an ephemeral public
// key. An all-zero PubKey is reserved to mean "re-key" (spec section 6).
type EncAck struct {
	PubKey [33]byte
}

// IsRekey reports whether this EncAck is the all-zero re-key signal.
func (m EncAck) IsRekey() bool {
	var zero [33]byte
	return m.PubKey == zero
}

// Encode serializes an EncAck message: the 33-byte compressed pubkey.
func (m EncAck) Encode() []byte {
	out := make([]byte, 33)
	copy(out, m.PubKey[:])
	return out
}

// DecodeEncAck parses an EncAck message from buf.
func DecodeEncAck(buf []byte) (EncAck, error) {
	if len(buf) != 33 {
		return EncAck{}, fmt.Errorf("wire: EncAck must be 33 bytes, got %d", len(buf))
	}
	var m EncAck
	copy(m.PubKey[:], buf)
	return m, nil
}
