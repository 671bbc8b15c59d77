// Package video assembles encoded video frames out of reordered RTP
// packets, and implements the send/receive stream halves that sit either
// side of the assembler.
package video

import (
	"github.com/pkg/errors"

	"github.com/lanthing-oss/rtc2/internal/logging"
	"github.com/lanthing-oss/rtc2/rtp"
)

var log = logging.DefaultLogger.WithTag("frame")

const (
	startCapacity = 512
	maxCapacity   = 2048
	missingWindow = 1000
)

// Packet augments a parsed RTP packet with the decoded flags from its
// LtPacketInfo/LtFrameInfo extensions.
type Packet struct {
	RTP *rtp.Packet

	Continuous           bool
	FirstPacketInFrame   bool
	LastPacketInFrame    bool
	Keyframe             bool
	Retransmit           bool
	GlobalSequenceNumber uint16
	FrameID              uint16
	EncodeDuration       uint16 // units of 150µs
}

// NewPacket builds a Packet from a parsed RTP packet. LtPacketInfo is
// mandatory on every video packet; its absence is a protocol violation.
func NewPacket(p *rtp.Packet) (Packet, error) {
	pi, ok, err := p.PacketInfo()
	if err != nil {
		return Packet{}, errors.Wrap(err, "video: packet-info extension")
	}
	if !ok {
		return Packet{}, errors.New("video: rtp packet missing mandatory packet-info extension")
	}

	vp := Packet{
		RTP:                  p,
		FirstPacketInFrame:   pi.FirstPacketInFrame,
		LastPacketInFrame:    pi.LastPacketInFrame,
		Keyframe:             pi.Keyframe,
		Retransmit:           pi.Retransmit,
		GlobalSequenceNumber: pi.GlobalSequence,
	}
	if fi, ok, err := p.FrameInfo(); err != nil {
		return Packet{}, errors.Wrap(err, "video: frame-info extension")
	} else if ok {
		vp.FrameID = fi.FrameID
		vp.EncodeDuration = fi.EncodeDuration
	}
	return vp, nil
}

// seqAhead reports whether a is ahead of b in the RFC 1982 serial-number
// sense used for 16-bit RTP sequence number arithmetic.
func seqAhead(a, b uint16) bool {
	return a != b && uint16(a-b) < 0x8000
}

type slot struct {
	occupied bool
	seq      uint16
	packet   Packet
}

// Result reports the outcome of an Insert call.
type Result struct {
	// Frames holds zero or more frames completed by this insert, each a
	// contiguous run of Packets in sequence-number order. Delivery order
	// matches completion order, not necessarily sequence order.
	Frames [][]Packet
	// Cleared reports that a ring-buffer slot collision forced a full
	// reset; the caller should request a keyframe.
	Cleared bool
}

// Assembler reassembles frames from a stream of (possibly reordered,
// possibly duplicated) video packets.
type Assembler struct {
	buffer []slot

	firstPacketReceived bool
	firstSeqNum         uint16

	hasNewest       bool
	newestInserted  uint16
	missing         map[uint16]struct{}
}

// New creates an Assembler starting at the 512-entry ring buffer size and
// capable of doubling up to 2048 entries.
func New() *Assembler {
	return &Assembler{
		buffer:  make([]slot, startCapacity),
		missing: make(map[uint16]struct{}),
	}
}

// Insert adds one packet to the assembler and runs frame-completion
// detection starting at its sequence number.
func (a *Assembler) Insert(p Packet) Result {
	seq := p.RTP.SequenceNumber
	idx := int(seq) % len(a.buffer)

	if !a.firstPacketReceived {
		a.firstSeqNum = seq
		a.firstPacketReceived = true
	} else if seqAhead(a.firstSeqNum, seq) {
		a.firstSeqNum = seq
	}

	if a.buffer[idx].occupied {
		if a.buffer[idx].seq == seq {
			return Result{} // duplicate
		}
		for a.expand() && a.buffer[int(seq)%len(a.buffer)].occupied {
		}
		idx = int(seq) % len(a.buffer)
		if a.buffer[idx].occupied {
			log.Warn("ring buffer collision at max capacity, clearing")
			a.clearInternal()
			return Result{Cleared: true}
		}
	}

	a.buffer[idx] = slot{occupied: true, seq: seq, packet: p}
	a.updateMissing(seq)

	frames := a.findFrames(seq)
	return Result{Frames: frames}
}

func (a *Assembler) expand() bool {
	if len(a.buffer) >= maxCapacity {
		log.Warn("ring buffer already at max capacity %d", maxCapacity)
		return false
	}
	newSize := len(a.buffer) * 2
	if newSize > maxCapacity {
		newSize = maxCapacity
	}
	newBuffer := make([]slot, newSize)
	for _, s := range a.buffer {
		if s.occupied {
			newBuffer[int(s.seq)%newSize] = s
		}
	}
	a.buffer = newBuffer
	return true
}

func (a *Assembler) clearInternal() {
	for i := range a.buffer {
		a.buffer[i] = slot{}
	}
	a.missing = make(map[uint16]struct{})
	a.hasNewest = false
	// firstSeqNum is deliberately preserved across a clear.
}

func (a *Assembler) updateMissing(seq uint16) {
	if !a.hasNewest {
		a.hasNewest = true
		a.newestInserted = seq
		return
	}
	if seqAhead(seq, a.newestInserted) {
		oldSeqNum := seq - missingWindow
		for k := range a.missing {
			if !seqAhead(k, oldSeqNum) {
				delete(a.missing, k)
			}
		}
		next := a.newestInserted
		if seqAhead(oldSeqNum, next) {
			next = oldSeqNum
		}
		next++
		for seqAhead(seq, next) {
			a.missing[next] = struct{}{}
			next++
		}
		a.newestInserted = seq
	} else {
		delete(a.missing, seq)
	}
}

func (a *Assembler) hasMissingAtOrBefore(seq uint16) bool {
	for k := range a.missing {
		if k == seq || seqAhead(seq, k) {
			return true
		}
	}
	return false
}

func (a *Assembler) findFrames(seq uint16) [][]Packet {
	var frames [][]Packet
	n := len(a.buffer)
	for i := 0; i < n && a.potentialNewFrame(seq); i++ {
		idx := int(seq) % n
		a.buffer[idx].packet.Continuous = true

		if a.buffer[idx].packet.LastPacketInFrame {
			startSeq := seq
			startIdx := idx
			tested := 0
			for {
				tested++
				if a.buffer[startIdx].packet.FirstPacketInFrame {
					break
				}
				if tested == n {
					break
				}
				if startIdx == 0 {
					startIdx = n - 1
				} else {
					startIdx--
				}
				startSeq--
			}

			if !a.buffer[idx].packet.Keyframe && a.hasMissingAtOrBefore(startSeq) {
				return frames
			}

			var frame []Packet
			endSeq := seq + 1
			for j := startSeq; j != endSeq; j++ {
				frame = append(frame, a.buffer[int(j)%n].packet)
			}
			if len(frame) > 0 {
				frames = append(frames, frame)
			}

			for k := range a.missing {
				if k == seq || seqAhead(seq, k) {
					delete(a.missing, k)
				}
			}
		}
		seq++
	}
	return frames
}

func (a *Assembler) potentialNewFrame(seq uint16) bool {
	n := len(a.buffer)
	idx := int(seq) % n
	prevIdx := n - 1
	if idx > 0 {
		prevIdx = idx - 1
	}
	entry := a.buffer[idx]
	prev := a.buffer[prevIdx]

	if !entry.occupied || entry.seq != seq {
		return false
	}
	if entry.packet.FirstPacketInFrame {
		return true
	}
	if !prev.occupied || prev.seq != seq-1 {
		return false
	}
	if prev.packet.RTP.Timestamp != entry.packet.RTP.Timestamp {
		return false
	}
	return prev.packet.Continuous
}
