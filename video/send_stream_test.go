package video

import (
	"sync"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanthing-oss/rtc2/pacer"
	"github.com/lanthing-oss/rtc2/rtp"
)

func TestSendFrameSplitsAcrossMTU(t *testing.T) {
	p := pacer.New(1<<30, 1<<30)
	defer p.Close()

	var mu sync.Mutex
	var sent [][]byte
	var wg sync.WaitGroup

	s := NewSendStream(SendStreamParams{
		SSRC:  42,
		MTU:   100,
		Pacer: p,
		Send: func(pkt []byte) error {
			mu.Lock()
			sent = append(sent, append([]byte(nil), pkt...))
			mu.Unlock()
			wg.Done()
			return nil
		},
	})

	payload := make([]byte, 250)
	for i := range payload {
		payload[i] = byte(i)
	}
	wg.Add(3) // expect 3 packets: MTU 100 minus small per-packet overhead
	require.NoError(t, s.SendFrame(payload, 1_000_000, true, 7, 33_000))

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("packets never sent")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, sent, 3)

	var parsed []*rtp.Packet
	for _, buf := range sent {
		pkt, err := rtp.Parse(buf)
		require.NoError(t, err)
		parsed = append(parsed, pkt)
	}

	// Sequence numbers assigned in transmit order must be contiguous.
	for i := 1; i < len(parsed); i++ {
		assert.Equal(t, parsed[i-1].SequenceNumber+1, parsed[i].SequenceNumber)
	}

	firstPI, ok, err := parsed[0].PacketInfo()
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, firstPI.FirstPacketInFrame)
	assert.False(t, firstPI.LastPacketInFrame)
	assert.True(t, firstPI.Keyframe)

	lastPI, ok, err := parsed[len(parsed)-1].PacketInfo()
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, lastPI.LastPacketInFrame)

	fi, ok, err := parsed[0].FrameInfo()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint16(7), fi.FrameID)
	assert.Equal(t, uint16(220), fi.EncodeDuration) // 33_000us / 150

	for _, pkt := range parsed {
		assert.Equal(t, uint32(42), pkt.SSRC)
		assert.Equal(t, uint8(payloadTypeVideo), pkt.PayloadType)
	}
}

func TestHandleRTCPTriggersKeyframeCallback(t *testing.T) {
	var called bool
	s := NewSendStream(SendStreamParams{
		SSRC:              99,
		OnKeyframeRequest: func() { called = true },
	})

	pli := &rtcp.PictureLossIndication{MediaSSRC: 99}
	buf, err := rtcp.Marshal([]rtcp.Packet{pli})
	require.NoError(t, err)

	require.NoError(t, s.HandleRTCP(buf))
	assert.True(t, called)
}

func TestHandleRTCPIgnoresOtherSSRC(t *testing.T) {
	var called bool
	s := NewSendStream(SendStreamParams{
		SSRC:              99,
		OnKeyframeRequest: func() { called = true },
	})

	pli := &rtcp.PictureLossIndication{MediaSSRC: 1}
	buf, err := rtcp.Marshal([]rtcp.Packet{pli})
	require.NoError(t, err)

	require.NoError(t, s.HandleRTCP(buf))
	assert.False(t, called)
}
