package rtp

import "github.com/pkg/errors"

const (
	flagFirstPacketInFrame = 0x01
	flagLastPacketInFrame  = 0x02
	flagKeyframe           = 0x04
	flagRetransmit         = 0x08
)

// PacketInfo is the 3-byte LtPacketInfo extension, present on every video
// RTP packet: four flag bits and a 16-bit global packet sequence number
// (distinct from the RTP sequence number; this one numbers packets across
// the whole stream's lifetime regardless of retransmits).
type PacketInfo struct {
	FirstPacketInFrame bool
	LastPacketInFrame  bool
	Keyframe           bool
	Retransmit         bool
	GlobalSequence     uint16
}

// Encode renders the 3-byte wire form.
func (pi PacketInfo) Encode() []byte {
	var flags byte
	if pi.FirstPacketInFrame {
		flags |= flagFirstPacketInFrame
	}
	if pi.LastPacketInFrame {
		flags |= flagLastPacketInFrame
	}
	if pi.Keyframe {
		flags |= flagKeyframe
	}
	if pi.Retransmit {
		flags |= flagRetransmit
	}
	return []byte{flags, byte(pi.GlobalSequence), byte(pi.GlobalSequence >> 8)}
}

// DecodePacketInfo parses the 3-byte wire form.
func DecodePacketInfo(b []byte) (PacketInfo, error) {
	if len(b) != 3 {
		return PacketInfo{}, errors.Errorf("rtp: packet-info extension is %d bytes, want 3", len(b))
	}
	return PacketInfo{
		FirstPacketInFrame: b[0]&flagFirstPacketInFrame != 0,
		LastPacketInFrame:  b[0]&flagLastPacketInFrame != 0,
		Keyframe:           b[0]&flagKeyframe != 0,
		Retransmit:         b[0]&flagRetransmit != 0,
		GlobalSequence:     uint16(b[1]) | uint16(b[2])<<8,
	}, nil
}

// FrameInfo is the 4-byte LtFrameInfo extension, present only on the first
// packet of a frame: the frame id and the encode duration in 150µs units
// (so the 16-bit field covers up to roughly 9.83 seconds).
type FrameInfo struct {
	FrameID        uint16
	EncodeDuration uint16 // units of 150µs
}

// Encode renders the 4-byte wire form.
func (fi FrameInfo) Encode() []byte {
	return []byte{
		byte(fi.FrameID), byte(fi.FrameID >> 8),
		byte(fi.EncodeDuration), byte(fi.EncodeDuration >> 8),
	}
}

// DecodeFrameInfo parses the 4-byte wire form.
func DecodeFrameInfo(b []byte) (FrameInfo, error) {
	if len(b) != 4 {
		return FrameInfo{}, errors.Errorf("rtp: frame-info extension is %d bytes, want 4", len(b))
	}
	return FrameInfo{
		FrameID:        uint16(b[0]) | uint16(b[1])<<8,
		EncodeDuration: uint16(b[2]) | uint16(b[3])<<8,
	}, nil
}

// SetPacketInfo attaches a LtPacketInfo extension to the packet.
func (p *Packet) SetPacketInfo(pi PacketInfo) error {
	return p.SetExtension(ExtIDPacketInfo, pi.Encode())
}

// PacketInfo reads the packet's LtPacketInfo extension, if present.
func (p *Packet) PacketInfo() (PacketInfo, bool, error) {
	raw, ok := p.GetExtension(ExtIDPacketInfo)
	if !ok {
		return PacketInfo{}, false, nil
	}
	pi, err := DecodePacketInfo(raw)
	return pi, true, err
}

// SetFrameInfo attaches a LtFrameInfo extension to the packet.
func (p *Packet) SetFrameInfo(fi FrameInfo) error {
	return p.SetExtension(ExtIDFrameInfo, fi.Encode())
}

// FrameInfo reads the packet's LtFrameInfo extension, if present.
func (p *Packet) FrameInfo() (FrameInfo, bool, error) {
	raw, ok := p.GetExtension(ExtIDFrameInfo)
	if !ok {
		return FrameInfo{}, false, nil
	}
	fi, err := DecodeFrameInfo(raw)
	return fi, true, err
}
