// Package audio implements the degenerate send/receive streams used for
// audio: one RTP packet per call, no header extensions, no reassembly.
package audio

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/lanthing-oss/rtc2/rtp"
)

const payloadTypeAudio = 111

// SendStreamParams configures a SendStream.
type SendStreamParams struct {
	SSRC uint32
	Send func(pkt []byte) error
}

// SendStream packetizes one audio frame per SendFrame call into exactly
// one RTP packet: no splitting, no header extensions.
type SendStream struct {
	params SendStreamParams

	mu      sync.Mutex
	nextSeq uint16
}

// NewSendStream creates a SendStream for the given SSRC.
func NewSendStream(params SendStreamParams) *SendStream {
	return &SendStream{params: params}
}

// SendFrame wraps payload in one RTP packet and transmits it immediately;
// audio has no pacer stage since each call is already one wire packet.
func (s *SendStream) SendFrame(payload []byte, rtpTimestamp uint32) error {
	s.mu.Lock()
	seq := s.nextSeq
	s.nextSeq++
	s.mu.Unlock()

	p := &rtp.Packet{
		PayloadType:    payloadTypeAudio,
		SequenceNumber: seq,
		Timestamp:      rtpTimestamp,
		SSRC:           s.params.SSRC,
		Payload:        payload,
	}
	buf, err := p.Marshal()
	if err != nil {
		return errors.Wrap(err, "audio: marshal rtp packet")
	}
	return s.params.Send(buf)
}

// ReceiveStreamParams configures a ReceiveStream.
type ReceiveStreamParams struct {
	SSRC    int64 // -1 accepts any ssrc, matching how a stream is bound before its first packet
	OnFrame func(payload []byte, rtpTimestamp uint32)
}

// ReceiveStream delivers decoded payload bytes verbatim; it does not
// reorder or reassemble, since every packet already is one whole frame.
type ReceiveStream struct {
	params ReceiveStreamParams
}

// NewReceiveStream creates a ReceiveStream.
func NewReceiveStream(params ReceiveStreamParams) *ReceiveStream {
	return &ReceiveStream{params: params}
}

// HandleRTPPacket parses raw and delivers its payload to OnFrame.
func (s *ReceiveStream) HandleRTPPacket(raw []byte) error {
	p, err := rtp.Parse(raw)
	if err != nil {
		return errors.Wrap(err, "audio: parse rtp packet")
	}
	if s.params.SSRC >= 0 && uint32(s.params.SSRC) != p.SSRC {
		return errors.Errorf("audio: ssrc %d does not match stream ssrc %d", p.SSRC, s.params.SSRC)
	}
	if s.params.OnFrame != nil {
		s.params.OnFrame(p.Payload, p.Timestamp)
	}
	return nil
}
