package video

import (
	"sync"

	"github.com/pion/rtcp"
	"github.com/pkg/errors"

	"github.com/lanthing-oss/rtc2/pacer"
	"github.com/lanthing-oss/rtc2/rtp"
)

const (
	payloadTypeVideo = 125

	// fixedHeaderSize is the fixed RTP header length (no CSRC, no extension).
	fixedHeaderSize = 12

	// mtuBudget assumes the common case of an IPv4/UDP path; the caller may
	// override via SendStreamParams.MTU for paths with extra encapsulation
	// (e.g. a relay adding its own header).
	mtuBudget = 1450 - 20 /* ip */ - 8 /* udp */
)

// SendStreamParams configures a SendStream. Send transmits one fully
// framed RTP packet; it's invoked from the pacer's drain goroutine, not the
// caller's SendFrame goroutine.
type SendStreamParams struct {
	SSRC uint32
	MTU  int // 0 means mtuBudget

	Pacer *pacer.Pacer
	Send  func(pkt []byte) error

	OnKeyframeRequest   func()
	OnBandwidthEstimate func(bitsPerSecond uint64)
}

// SendStream owns one outbound SSRC: it packetizes encoded frames into RTP,
// assigns sequence numbers at pacer-drain time, and handles the RTCP
// feedback the peer sends back about this SSRC.
type SendStream struct {
	params SendStreamParams

	mu            sync.Mutex
	nextSeq       uint16
	nextGlobalSeq uint16
}

// NewSendStream creates a SendStream for the given SSRC.
func NewSendStream(params SendStreamParams) *SendStream {
	return &SendStream{params: params}
}

// SendFrame packetizes and enqueues one encoded frame. encodeTimestampUs is
// the encoder's capture/encode timestamp in microseconds; it becomes the
// RTP timestamp truncated to milliseconds, with no resampling. frameID and
// encodeDurationUs describe the frame as a whole and are only carried on
// the first packet via LtFrameInfo.
func (s *SendStream) SendFrame(payload []byte, encodeTimestampUs int64, keyframe bool, frameID uint16, encodeDurationUs uint32) error {
	mtu := s.params.MTU
	if mtu == 0 {
		mtu = mtuBudget
	}

	packets := s.packetize(payload, mtu, uint32(encodeTimestampUs/1000), keyframe, frameID, encodeDurationUs)
	if len(packets) == 0 {
		return errors.New("video: empty frame")
	}

	enqueued := make([]pacer.Packet, len(packets))
	for i, p := range packets {
		p := p
		enqueued[i] = pacer.Packet{
			Size: len(payload)/len(packets) + fixedHeaderSize,
			Send: func() { s.transmit(p) },
		}
	}
	s.params.Pacer.Enqueue(enqueued...)
	return nil
}

// packetize splits payload into RTP packets under the given MTU, attaching
// LtPacketInfo to every packet and LtFrameInfo to the first. Sequence
// numbers are left at zero; transmit assigns them at drain time so that
// assignment order matches wire order exactly.
func (s *SendStream) packetize(payload []byte, mtu int, rtpTimestamp uint32, keyframe bool, frameID uint16, encodeDurationUs uint32) []*rtp.Packet {
	perPacketOverhead := fixedHeaderSize + 3     // rtp header + LtPacketInfo
	firstPacketOverhead := perPacketOverhead + 4 // + LtFrameInfo

	firstChunk := mtu - firstPacketOverhead
	restChunk := mtu - perPacketOverhead
	if firstChunk <= 0 || restChunk <= 0 {
		return nil
	}

	var chunks [][]byte
	for len(payload) > 0 {
		budget := restChunk
		if len(chunks) == 0 {
			budget = firstChunk
		}
		if budget > len(payload) {
			budget = len(payload)
		}
		chunks = append(chunks, payload[:budget])
		payload = payload[budget:]
	}

	globalSeq := s.allocGlobalSeq(len(chunks))

	packets := make([]*rtp.Packet, len(chunks))
	for i, chunk := range chunks {
		p := &rtp.Packet{
			PayloadType: payloadTypeVideo,
			Timestamp:   rtpTimestamp,
			SSRC:        s.params.SSRC,
			Payload:     chunk,
		}
		pi := rtp.PacketInfo{
			FirstPacketInFrame: i == 0,
			LastPacketInFrame:  i == len(chunks)-1,
			Keyframe:           keyframe,
			Retransmit:         false,
			GlobalSequence:     globalSeq + uint16(i),
		}
		_ = p.SetPacketInfo(pi) // never errors: id 1, well-formed value
		if i == 0 {
			_ = p.SetFrameInfo(rtp.FrameInfo{FrameID: frameID, EncodeDuration: uint16(encodeDurationUs / 150)})
		}
		packets[i] = p
	}
	return packets
}

func (s *SendStream) allocGlobalSeq(n int) uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := s.nextGlobalSeq
	s.nextGlobalSeq += uint16(n)
	return start
}

// transmit assigns this packet's RTP sequence number and hands it to Send.
// Called from the pacer's single drain goroutine, so sequence assignment
// needs no locking against itself, only against concurrent SendFrame
// callers racing allocGlobalSeq (a separate counter).
func (s *SendStream) transmit(p *rtp.Packet) {
	s.mu.Lock()
	p.SequenceNumber = s.nextSeq
	s.nextSeq++
	s.mu.Unlock()

	buf, err := p.Marshal()
	if err != nil {
		log.Error("marshal outbound rtp packet: %v", err)
		return
	}
	if err := s.params.Send(buf); err != nil {
		log.Warn("send outbound rtp packet: %v", err)
	}
}

// HandleRTCP processes one RTCP compound packet addressed to this stream's
// SSRC: PLI/FIR trigger OnKeyframeRequest and REMB feeds
// OnBandwidthEstimate. Other RTCP packets, receiver reports included, are
// ignored.
func (s *SendStream) HandleRTCP(pkt []byte) error {
	packets, err := rtcp.Unmarshal(pkt)
	if err != nil {
		return errors.Wrap(err, "video: unmarshal rtcp")
	}
	for _, p := range packets {
		switch v := p.(type) {
		case *rtcp.PictureLossIndication:
			if v.MediaSSRC == s.params.SSRC && s.params.OnKeyframeRequest != nil {
				s.params.OnKeyframeRequest()
			}
		case *rtcp.FullIntraRequest:
			for _, e := range v.FIR {
				if e.SSRC == s.params.SSRC && s.params.OnKeyframeRequest != nil {
					s.params.OnKeyframeRequest()
				}
			}
		case *rtcp.ReceiverEstimatedMaximumBitrate:
			if s.params.OnBandwidthEstimate != nil {
				s.params.OnBandwidthEstimate(uint64(v.Bitrate))
			}
		}
	}
	return nil
}
