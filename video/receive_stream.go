package video

import (
	"time"

	"github.com/pion/rtcp"
	"github.com/pkg/errors"

	"github.com/lanthing-oss/rtc2/rtp"
)

// incompleteFrameLimit bounds how many packets can arrive without any
// frame completing before the stream gives up waiting and asks for a
// keyframe; this is the "diverged beyond recovery" case.
const incompleteFrameLimit = 300

// Frame is one reassembled frame handed to ReceiveStreamParams.OnFrame.
type Frame struct {
	Packets         []Packet
	FrameID         uint16
	EncodeDurationUs uint32
	CaptureTime     time.Time
}

// ReceiveStreamParams configures a ReceiveStream.
type ReceiveStreamParams struct {
	SSRC uint32

	OnFrame func(Frame)

	// SendRTCP transmits a compound RTCP packet to the peer, e.g. a
	// keyframe request.
	SendRTCP func(pkt []byte) error
}

// ReceiveStream reassembles inbound RTP for one SSRC into frames via a
// frame Assembler, estimates each frame's capture time from the RTP
// timestamp, and requests keyframes via RTCP when the assembler can't
// recover on its own.
type ReceiveStream struct {
	params    ReceiveStreamParams
	assembler *Assembler

	haveReference bool
	referenceTime time.Time
	referenceTs   uint32

	packetsSinceFrame int
}

// NewReceiveStream creates a ReceiveStream for the given SSRC.
func NewReceiveStream(params ReceiveStreamParams) *ReceiveStream {
	return &ReceiveStream{
		params:    params,
		assembler: New(),
	}
}

// HandleRTPPacket parses raw and feeds it through the assembler, delivering
// any frames it completes.
func (s *ReceiveStream) HandleRTPPacket(raw []byte) error {
	rp, err := rtp.Parse(raw)
	if err != nil {
		return errors.Wrap(err, "video: parse rtp packet")
	}
	if rp.SSRC != s.params.SSRC {
		return errors.Errorf("video: ssrc %d does not match stream ssrc %d", rp.SSRC, s.params.SSRC)
	}

	vp, err := NewPacket(rp)
	if err != nil {
		return err
	}

	s.updateCaptureReference(rp.Timestamp)

	result := s.assembler.Insert(vp)
	if result.Cleared {
		s.packetsSinceFrame = 0
		s.requestKeyframe()
		return nil
	}

	if len(result.Frames) == 0 {
		s.packetsSinceFrame++
		if s.packetsSinceFrame >= incompleteFrameLimit {
			s.packetsSinceFrame = 0
			s.requestKeyframe()
		}
		return nil
	}
	s.packetsSinceFrame = 0

	for _, frame := range result.Frames {
		s.deliver(frame)
	}
	return nil
}

func (s *ReceiveStream) deliver(packets []Packet) {
	if s.params.OnFrame == nil || len(packets) == 0 {
		return
	}
	first := packets[0]
	s.params.OnFrame(Frame{
		Packets:          packets,
		FrameID:          first.FrameID,
		EncodeDurationUs: uint32(first.EncodeDuration) * 150,
		CaptureTime:      s.captureTime(first.RTP.Timestamp),
	})
}

// updateCaptureReference anchors the capture-time estimate to the first
// packet seen; every later estimate is this reference offset by the
// 32-bit (millisecond) timestamp delta, handling wraparound the same way
// RTP sequence numbers do.
func (s *ReceiveStream) updateCaptureReference(ts uint32) {
	if s.haveReference {
		return
	}
	s.haveReference = true
	s.referenceTime = time.Now()
	s.referenceTs = ts
}

func (s *ReceiveStream) captureTime(ts uint32) time.Time {
	deltaMs := int32(ts - s.referenceTs)
	return s.referenceTime.Add(time.Duration(deltaMs) * time.Millisecond)
}

func (s *ReceiveStream) requestKeyframe() {
	if s.params.SendRTCP == nil {
		return
	}
	pkt := &rtcp.PictureLossIndication{MediaSSRC: s.params.SSRC}
	buf, err := rtcp.Marshal([]rtcp.Packet{pkt})
	if err != nil {
		log.Error("marshal keyframe request: %v", err)
		return
	}
	if err := s.params.SendRTCP(buf); err != nil {
		log.Warn("send keyframe request: %v", err)
	}
}
