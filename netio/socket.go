// Package netio owns the single UDP socket each Connection binds, and the
// goroutine that reads it. Every other component — DTLS, RTP, the
// connectivity check — receives packets through the OnRead callback instead
// of touching the socket directly, so there is exactly one reader per
// five-tuple.
package netio

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/lanthing-oss/rtc2/address"
	"github.com/lanthing-oss/rtc2/internal/logging"
)

var log = logging.DefaultLogger.WithTag("netio")

const maxDatagramSize = 1500

// OnRead is invoked once per received datagram, from the socket's own read
// goroutine. recvTime is when the read syscall returned.
type OnRead func(pkt []byte, from address.Address, recvTime time.Time)

// Socket is a bound, connectionless UDP endpoint. It owns a background
// goroutine that reads datagrams until Close is called.
type Socket struct {
	conn *net.UDPConn
	port uint16

	mu     sync.Mutex
	onRead OnRead
	closed bool

	done chan struct{}
}

// Listen opens a UDP socket bound to bindAddr. Port 0 asks the OS to choose
// an ephemeral port; callers read it back via Port.
func Listen(bindAddr address.Address) (*Socket, error) {
	conn, err := net.ListenUDP("udp", bindAddr.UDPAddr())
	if err != nil {
		return nil, errors.Wrap(err, "netio: listen")
	}
	local, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		conn.Close()
		return nil, errors.New("netio: unexpected local addr type")
	}
	s := &Socket{
		conn: conn,
		port: uint16(local.Port),
		done: make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// SetOnRead installs the datagram callback. Must be called before packets
// of interest arrive; there is no buffering of pre-callback reads.
func (s *Socket) SetOnRead(cb OnRead) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRead = cb
}

// Port returns the locally bound UDP port.
func (s *Socket) Port() uint16 {
	return s.port
}

// SendTo writes a single datagram to addr. Matches the teacher's one-error-
// return style rather than panicking on partial writes, since UDP datagram
// writes are all-or-nothing from Go's net package.
func (s *Socket) SendTo(pkt []byte, addr address.Address) error {
	_, err := s.conn.WriteToUDP(pkt, addr.UDPAddr())
	if err != nil {
		return errors.Wrap(err, "netio: sendto")
	}
	return nil
}

// SendBuffers writes a gather list of buffers as a single datagram, mirroring
// the original transport's vectored sendmsg so that callers assembling a
// packet header and payload separately need not copy them together first.
func (s *Socket) SendBuffers(bufs [][]byte, addr address.Address) error {
	total := 0
	for _, b := range bufs {
		total += len(b)
	}
	pkt := make([]byte, 0, total)
	for _, b := range bufs {
		pkt = append(pkt, b...)
	}
	return s.SendTo(pkt, addr)
}

// Close stops the read loop and releases the underlying file descriptor.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.conn.Close()
	<-s.done
	return err
}

func (s *Socket) readLoop() {
	defer close(s.done)
	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := s.conn.ReadFromUDP(buf)
		recvTime := time.Now()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			log.Warn("read failed: %v", err)
			continue
		}
		addr, ok := address.FromUDPAddr(from)
		if !ok {
			continue
		}

		s.mu.Lock()
		cb := s.onRead
		s.mu.Unlock()
		if cb == nil {
			continue
		}

		// Copy out of the shared read buffer before handing to the
		// callback: the next iteration overwrites buf immediately.
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		cb(pkt, addr, recvTime)
	}
}
