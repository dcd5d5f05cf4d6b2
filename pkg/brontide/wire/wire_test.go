package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVarIntRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 252, 253, 0xfd, 0xffff, 0x10000, 0xffffffff, 0x100000000, 1<<63 - 1}

	for _, v := range values {
		buf := PutVarInt(nil, v)
		got, n, err := ReadVarInt(buf)
		require.NoError(t, err)
		assert.Equal(t, v, got)
		assert.Equal(t, len(buf), n)
		assert.Equal(t, VarIntSize(v), len(buf))
	}
}

func TestReadVarIntTruncated(t *testing.T) {
	_, _, err := ReadVarInt(nil)
	assert.ErrorIs(t, err, ErrTruncated)

	_, _, err = ReadVarInt([]byte{0xfd, 0x01})
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestVarStringRoundTrip(t *testing.T) {
	cases := []string{"", "ping", "verack", "encinit"}

	for _, s := range cases {
		buf := PutVarString(nil, s)
		got, n, err := ReadVarString(buf)
		require.NoError(t, err)
		assert.Equal(t, s, got)
		assert.Equal(t, len(buf), n)
		assert.Equal(t, VarStringSize(s), len(buf))
	}
}

func TestReadVarStringTruncatedBody(t *testing.T) {
	buf := []byte{4, 'p', 'i'} // claims 4 bytes, only has 2
	_, _, err := ReadVarString(buf)
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestEncInitEncodeDecode(t *testing.T) {
	var pub [33]byte
	for i := range pub {
		pub[i] = byte(i + 1)
	}

	msg := EncInit{PubKey: pub, Cipher: 0}
	encoded := msg.Encode()
	assert.Len(t, encoded, 34)

	decoded, err := DecodeEncInit(encoded)
	require.NoError(t, err)
	assert.Equal(t, msg, decoded)
}

func TestDecodeEncInitRejectsWrongLength(t *testing.T) {
	_, err := DecodeEncInit(make([]byte, 10))
	assert.Error(t, err)
}

func TestEncAckRekeySentinel(t *testing.T) {
	rekey := EncAck{}
	assert.True(t, rekey.IsRekey())

	var pub [33]byte
	pub[0] = 0x02
	normal := EncAck{PubKey: pub}
	assert.False(t, normal.IsRekey())

	encoded := normal.Encode()
	decoded, err := DecodeEncAck(encoded)
	require.NoError(t, err)
	assert.Equal(t, normal, decoded)
}
