package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendFrameProducesOneRTPPacketPerCall(t *testing.T) {
	var sent [][]byte
	s := NewSendStream(SendStreamParams{
		SSRC: 55,
		Send: func(pkt []byte) error {
			sent = append(sent, pkt)
			return nil
		},
	})

	require.NoError(t, s.SendFrame([]byte("pcm-samples-1"), 1000))
	require.NoError(t, s.SendFrame([]byte("pcm-samples-2"), 1960))
	require.Len(t, sent, 2)
}

func TestReceiveStreamDeliversPayloadVerbatim(t *testing.T) {
	var gotPayload []byte
	var gotTS uint32
	r := NewReceiveStream(ReceiveStreamParams{
		SSRC: 55,
		OnFrame: func(payload []byte, rtpTimestamp uint32) {
			gotPayload = payload
			gotTS = rtpTimestamp
		},
	})

	s := NewSendStream(SendStreamParams{
		SSRC: 55,
		Send: func(pkt []byte) error { return r.HandleRTPPacket(pkt) },
	})

	require.NoError(t, s.SendFrame([]byte("abc123"), 4242))
	assert.Equal(t, []byte("abc123"), gotPayload)
	assert.Equal(t, uint32(4242), gotTS)
}

func TestReceiveStreamRejectsMismatchedSSRC(t *testing.T) {
	r := NewReceiveStream(ReceiveStreamParams{SSRC: 1})

	var buf []byte
	s := NewSendStream(SendStreamParams{SSRC: 2, Send: func(pkt []byte) error { buf = pkt; return nil }})
	require.NoError(t, s.SendFrame([]byte("x"), 1))

	err := r.HandleRTPPacket(buf)
	assert.Error(t, err)
}

func TestReceiveStreamAcceptsAnySSRCWhenUnset(t *testing.T) {
	var got []byte
	r := NewReceiveStream(ReceiveStreamParams{SSRC: -1, OnFrame: func(p []byte, ts uint32) { got = p }})
	s := NewSendStream(SendStreamParams{SSRC: 123, Send: func(pkt []byte) error { return r.HandleRTPPacket(pkt) }})
	require.NoError(t, s.SendFrame([]byte("y"), 1))
	assert.Equal(t, []byte("y"), got)
}
