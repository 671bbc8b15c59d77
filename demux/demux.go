// Package demux classifies datagrams arriving on the one shared UDP socket
// and gives the DTLS engine a net.Conn-shaped view of its slice of that
// traffic, the same way the teacher's internal/mux hands out net.Conn
// Endpoints backed by a single underlying connection.
package demux

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/lanthing-oss/rtc2/address"
	"github.com/lanthing-oss/rtc2/netio"
)

// Kind classifies one inbound datagram.
type Kind int

const (
	Unknown Kind = iota
	DTLSRecord
	RTPOrRTCP
)

// Classify implements the byte-pattern checks a demultiplexer runs before
// handing a datagram to any component: a DTLS record has its first byte in
// [20,63] and is at least 13 bytes long; an RTP/RTCP packet has version 2 in
// its first byte's top two bits and is at least 12 bytes long (the RTP fixed
// header size).
func Classify(pkt []byte) Kind {
	if len(pkt) == 0 {
		return Unknown
	}
	b0 := pkt[0]
	if len(pkt) >= 13 && b0 >= 20 && b0 <= 63 {
		return DTLSRecord
	}
	if len(pkt) >= 12 && (b0>>6) == 2 {
		return RTPOrRTCP
	}
	return Unknown
}

// Conn presents the DTLS engine's slice of the shared socket as a net.Conn
// fixed to a single remote peer. Deliver is called by the owning
// Connection's read-path dispatch whenever Classify reports DTLSRecord for
// a datagram from that peer; Read/Write satisfy pion/dtls/v3's net.Conn
// requirement.
type Conn struct {
	socket *netio.Socket
	peer   address.Address

	mu      sync.Mutex
	queue   [][]byte
	notify  chan struct{}
	closed  chan struct{}
	closeOn sync.Once
}

// NewConn builds a Conn bound to a fixed peer address. The underlying socket
// is not owned by Conn: closing Conn never closes the socket.
func NewConn(socket *netio.Socket, peer address.Address) *Conn {
	return &Conn{
		socket: socket,
		peer:   peer,
		notify: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

// Deliver hands a classified DTLS-record datagram to the conn's read queue.
// Never blocks: a long queue (the handshake stalled, or the peer is
// flooding) drops the oldest entry rather than applying backpressure to the
// network thread.
func (c *Conn) Deliver(pkt []byte) {
	cp := make([]byte, len(pkt))
	copy(cp, pkt)

	c.mu.Lock()
	const maxQueued = 64
	if len(c.queue) >= maxQueued {
		c.queue = c.queue[1:]
	}
	c.queue = append(c.queue, cp)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Conn) Read(p []byte) (int, error) {
	for {
		c.mu.Lock()
		if len(c.queue) > 0 {
			pkt := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()
			return copy(p, pkt), nil
		}
		c.mu.Unlock()

		select {
		case <-c.closed:
			return 0, io.EOF
		case <-c.notify:
		}
	}
}

func (c *Conn) Write(p []byte) (int, error) {
	if err := c.socket.SendTo(p, c.peer); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *Conn) Close() error {
	c.closeOn.Do(func() { close(c.closed) })
	return nil
}

func (c *Conn) LocalAddr() net.Addr  { return udpAddr(address.Address{}) }
func (c *Conn) RemoteAddr() net.Addr { return udpAddr(c.peer) }

func udpAddr(a address.Address) net.Addr {
	if !a.IsValid() {
		return &net.UDPAddr{}
	}
	return a.UDPAddr()
}

func (c *Conn) SetDeadline(t time.Time) error      { return nil }
func (c *Conn) SetReadDeadline(t time.Time) error  { return nil }
func (c *Conn) SetWriteDeadline(t time.Time) error { return nil }
