// Package rtp implements the RTP fixed header (RFC 3550) plus this
// transport's two private header extensions, with one-byte/two-byte
// profile promotion per RFC 8285.
//
// Rather than rewriting bytes in place the way a buffer-oriented C++
// implementation does, a parsed Packet keeps its extensions as a decoded,
// ordered element list and only re-serializes them in Marshal. Promotion
// from the one-byte to the two-byte profile is then just flipping a flag:
// Marshal already knows how to emit either profile from the same element
// list, so there's no header-shifting to get right by hand.
package rtp

import (
	"github.com/pkg/errors"

	"github.com/lanthing-oss/rtc2/internal/packet"
)

const (
	fixedHeaderSize = 12

	oneByteProfile = 0xBEDE
	twoByteProfile = 0x1000

	oneByteMaxID  = 14 // 15 is reserved, 0 is padding
	oneByteMaxLen = 16 // length field is 4 bits, value 0..15 means len 1..16
)

// Extension ids used by this transport's two private extensions. These are
// assigned directly (not negotiated via SDP), mirroring the original
// implementation's fixed extension-type enum.
const (
	ExtIDPacketInfo uint8 = 1
	ExtIDFrameInfo  uint8 = 2
)

// extProfile is which RFC 8285 header-extension profile a packet uses.
type extProfile int

const (
	noExtensions extProfile = iota
	oneByte
	twoByte
)

type extElement struct {
	id    uint8
	value []byte
}

// Packet is a parsed RTP packet: fixed header fields, CSRC list, header
// extensions (as a decoded element list), and payload.
type Packet struct {
	Padding        bool
	Marker         bool
	PayloadType    uint8
	SequenceNumber uint16
	Timestamp      uint32
	SSRC           uint32
	CSRC           []uint32
	Payload        []byte

	profile  extProfile
	elements []extElement
}

// Parse decodes buf into a Packet. buf is not retained: Payload and any
// extension values are copied out.
func Parse(buf []byte) (*Packet, error) {
	r := packet.NewReader(buf)
	if err := r.CheckRemaining(fixedHeaderSize); err != nil {
		return nil, errors.Wrap(err, "rtp: truncated header")
	}

	b0 := r.ReadByte()
	version := b0 >> 6
	if version != 2 {
		return nil, errors.Errorf("rtp: unsupported version %d", version)
	}
	padding := b0&0x20 != 0
	hasExtension := b0&0x10 != 0
	csrcCount := int(b0 & 0x0f)

	b1 := r.ReadByte()
	marker := b1&0x80 != 0
	payloadType := b1 & 0x7f

	seq := r.ReadUint16()
	ts := r.ReadUint32()
	ssrc := r.ReadUint32()

	if err := r.CheckRemaining(csrcCount * 4); err != nil {
		return nil, errors.Wrap(err, "rtp: truncated csrc list")
	}
	csrc := make([]uint32, csrcCount)
	for i := range csrc {
		csrc[i] = r.ReadUint32()
	}

	p := &Packet{
		Padding:        padding,
		Marker:         marker,
		PayloadType:    payloadType,
		SequenceNumber: seq,
		Timestamp:      ts,
		SSRC:           ssrc,
		CSRC:           csrc,
	}

	if hasExtension {
		if err := p.parseExtensions(r); err != nil {
			return nil, err
		}
	}

	rest := r.ReadRemaining()
	if padding && len(rest) > 0 {
		padLen := int(rest[len(rest)-1])
		if padLen > 0 && padLen <= len(rest) {
			rest = rest[:len(rest)-padLen]
		}
	}
	p.Payload = append([]byte(nil), rest...)
	return p, nil
}

func (p *Packet) parseExtensions(r *packet.Reader) error {
	if err := r.CheckRemaining(4); err != nil {
		return errors.Wrap(err, "rtp: truncated extension header")
	}
	magic := r.ReadUint16()
	switch magic {
	case oneByteProfile:
		p.profile = oneByte
	case twoByteProfile:
		p.profile = twoByte
	default:
		return errors.Errorf("rtp: unknown extension profile %#x", magic)
	}
	lengthWords := r.ReadUint16()
	extBytes := int(lengthWords) * 4
	if err := r.CheckRemaining(extBytes); err != nil {
		return errors.Wrap(err, "rtp: truncated extension block")
	}
	block := r.ReadSlice(extBytes)

	i := 0
	for i < len(block) {
		if block[i] == 0 {
			// padding byte between elements
			i++
			continue
		}
		var id uint8
		var length int
		var headerLen int
		if p.profile == oneByte {
			id = block[i] >> 4
			length = int(block[i]&0x0f) + 1
			headerLen = 1
			if id == 15 {
				break // reserved id terminates the walk
			}
		} else {
			if i+1 >= len(block) {
				return errors.New("rtp: truncated two-byte extension header")
			}
			id = block[i]
			length = int(block[i+1])
			headerLen = 2
		}
		if i+headerLen+length > len(block) {
			return errors.New("rtp: oversized header extension element")
		}
		value := append([]byte(nil), block[i+headerLen:i+headerLen+length]...)
		p.elements = append(p.elements, extElement{id: id, value: value})
		i += headerLen + length
	}
	return nil
}

// GetExtension returns the raw value of the extension with the given id, if
// present.
func (p *Packet) GetExtension(id uint8) ([]byte, bool) {
	for _, e := range p.elements {
		if e.id == id {
			return e.value, true
		}
	}
	return nil, false
}

// SetExtension inserts or replaces the extension with the given id.
// Promotion to the two-byte profile happens automatically, and is
// monotonic: once a packet is two-byte, it never reverts to one-byte even
// if every remaining extension would fit in the one-byte form.
func (p *Packet) SetExtension(id uint8, value []byte) error {
	if id == 0 || id == 15 {
		return errors.Errorf("rtp: reserved extension id %d", id)
	}
	if p.profile == noExtensions {
		p.profile = oneByte
	}
	if p.profile == oneByte && (id > oneByteMaxID || len(value) > oneByteMaxLen) {
		p.profile = twoByte
	}

	for i, e := range p.elements {
		if e.id == id {
			p.elements[i].value = value
			return nil
		}
	}
	p.elements = append(p.elements, extElement{id: id, value: value})
	return nil
}

// Marshal serializes the packet, including current extensions and padding.
func (p *Packet) Marshal() ([]byte, error) {
	size := fixedHeaderSize + 4*len(p.CSRC)
	extBlock, extWords := p.encodeExtensions()
	if len(extBlock) > 0 {
		size += 4 + len(extBlock)
	}
	size += len(p.Payload)
	if p.Padding {
		size++ // pad-length trailer byte; no actual pad bytes added here
	}

	w := packet.NewWriterSize(size)

	b0 := byte(2) << 6
	if p.Padding {
		b0 |= 0x20
	}
	if len(extBlock) > 0 {
		b0 |= 0x10
	}
	b0 |= byte(len(p.CSRC) & 0x0f)
	w.WriteByte(b0)

	b1 := p.PayloadType & 0x7f
	if p.Marker {
		b1 |= 0x80
	}
	w.WriteByte(b1)

	w.WriteUint16(p.SequenceNumber)
	w.WriteUint32(p.Timestamp)
	w.WriteUint32(p.SSRC)
	for _, c := range p.CSRC {
		w.WriteUint32(c)
	}

	if len(extBlock) > 0 {
		if p.profile == twoByte {
			w.WriteUint16(twoByteProfile)
		} else {
			w.WriteUint16(oneByteProfile)
		}
		w.WriteUint16(extWords)
		if err := w.WriteSlice(extBlock); err != nil {
			return nil, errors.Wrap(err, "rtp: write extension block")
		}
	}

	if err := w.WriteSlice(p.Payload); err != nil {
		return nil, errors.Wrap(err, "rtp: write payload")
	}
	if p.Padding {
		w.WriteByte(1)
	}
	return w.Bytes(), nil
}

// encodeExtensions renders the current element list in the packet's
// profile, zero-padded to a 4-byte boundary, and returns the 16-bit
// length-in-words field alongside it.
func (p *Packet) encodeExtensions() ([]byte, uint16) {
	if len(p.elements) == 0 {
		return nil, 0
	}
	var buf []byte
	if p.profile == twoByte {
		for _, e := range p.elements {
			buf = append(buf, e.id, byte(len(e.value)))
			buf = append(buf, e.value...)
		}
	} else {
		for _, e := range p.elements {
			buf = append(buf, (e.id<<4)|byte(len(e.value)-1))
			buf = append(buf, e.value...)
		}
	}
	for len(buf)%4 != 0 {
		buf = append(buf, 0)
	}
	return buf, uint16(len(buf) / 4)
}
