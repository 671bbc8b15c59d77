package rtp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func basicPacket() *Packet {
	return &Packet{
		PayloadType:    125,
		SequenceNumber: 4242,
		Timestamp:      123456789,
		SSRC:           0xdeadbeef,
		Payload:        []byte("hello world"),
	}
}

func TestMarshalParseRoundTripNoExtensions(t *testing.T) {
	p := basicPacket()
	buf, err := p.Marshal()
	require.NoError(t, err)

	got, err := Parse(buf)
	require.NoError(t, err)
	assert.Equal(t, p.PayloadType, got.PayloadType)
	assert.Equal(t, p.SequenceNumber, got.SequenceNumber)
	assert.Equal(t, p.Timestamp, got.Timestamp)
	assert.Equal(t, p.SSRC, got.SSRC)
	assert.Equal(t, p.Payload, got.Payload)
}

func TestSetExtensionThenGetReturnsSameValue(t *testing.T) {
	p := basicPacket()
	pi := PacketInfo{FirstPacketInFrame: true, Keyframe: true, GlobalSequence: 7}
	require.NoError(t, p.SetPacketInfo(pi))

	got, ok, err := p.PacketInfo()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, pi, got)
}

func TestExtensionSurvivesMarshalParseRoundTrip(t *testing.T) {
	p := basicPacket()
	pi := PacketInfo{LastPacketInFrame: true, Retransmit: true, GlobalSequence: 99}
	fi := FrameInfo{FrameID: 55, EncodeDuration: 12}
	require.NoError(t, p.SetPacketInfo(pi))
	require.NoError(t, p.SetFrameInfo(fi))

	buf, err := p.Marshal()
	require.NoError(t, err)

	got, err := Parse(buf)
	require.NoError(t, err)

	gotPi, ok, err := got.PacketInfo()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, pi, gotPi)

	gotFi, ok, err := got.FrameInfo()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, fi, gotFi)

	assert.Equal(t, p.Payload, got.Payload)
}

func TestExtensionDoesNotAlterPayload(t *testing.T) {
	p := basicPacket()
	before := append([]byte(nil), p.Payload...)
	require.NoError(t, p.SetPacketInfo(PacketInfo{GlobalSequence: 1}))
	assert.Equal(t, before, p.Payload)
}

func TestPromotionToTwoByteIsMonotonic(t *testing.T) {
	p := basicPacket()
	require.NoError(t, p.SetExtension(3, []byte{1, 2, 3}))
	assert.Equal(t, oneByte, p.profile)

	// id 20 exceeds the one-byte id range (max 14), forcing promotion.
	require.NoError(t, p.SetExtension(20, []byte{9}))
	assert.Equal(t, twoByte, p.profile)

	// Further edits that would fit in one-byte form must not demote.
	require.NoError(t, p.SetExtension(3, []byte{1}))
	assert.Equal(t, twoByte, p.profile)

	buf, err := p.Marshal()
	require.NoError(t, err)
	got, err := Parse(buf)
	require.NoError(t, err)
	assert.Equal(t, twoByte, got.profile)

	v, ok := got.GetExtension(20)
	require.True(t, ok)
	assert.Equal(t, []byte{9}, v)
}

func TestPromotionByOversizedValue(t *testing.T) {
	p := basicPacket()
	longValue := make([]byte, 20) // exceeds the one-byte 16-byte max
	require.NoError(t, p.SetExtension(5, longValue))
	assert.Equal(t, twoByte, p.profile)
}

func TestExtensionBitAndPaddingBit(t *testing.T) {
	p := basicPacket()
	buf, err := p.Marshal()
	require.NoError(t, err)
	assert.Equal(t, byte(0), buf[0]&0x10, "X bit must be clear with no extensions")

	require.NoError(t, p.SetPacketInfo(PacketInfo{GlobalSequence: 1}))
	buf, err = p.Marshal()
	require.NoError(t, err)
	assert.NotEqual(t, byte(0), buf[0]&0x10, "X bit must be set once an extension exists")
}

func TestRejectsReservedExtensionID(t *testing.T) {
	p := basicPacket()
	assert.Error(t, p.SetExtension(0, []byte{1}))
	assert.Error(t, p.SetExtension(15, []byte{1}))
}

func TestParseRejectsTruncatedHeader(t *testing.T) {
	_, err := Parse([]byte{0x80, 0x7d, 0x00})
	assert.Error(t, err)
}

func TestParseRejectsBadVersion(t *testing.T) {
	p := basicPacket()
	buf, err := p.Marshal()
	require.NoError(t, err)
	buf[0] = 0x00 // version 0
	_, err = Parse(buf)
	assert.Error(t, err)
}
