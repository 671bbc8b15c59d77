// Package dtls drives the DTLS 1.2 handshake and application-data channel
// that carries the reliable message channel, using certificate-digest
// pinning instead of CA-chain verification (see KeyAndCert).
package dtls

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"net"
	"sync"

	piondtls "github.com/pion/dtls/v3"
	"github.com/pkg/errors"

	"github.com/lanthing-oss/rtc2/internal/logging"
	"github.com/lanthing-oss/rtc2/rtcerr"
)

var log = logging.DefaultLogger.WithTag("dtls")

// State is the DTLS session's lifecycle state.
type State int

const (
	New State = iota
	Connecting
	Connected
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case New:
		return "new"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// cipherSuites restricts negotiation to ECDHE/RSA AEAD modes.
var cipherSuites = []piondtls.CipherSuiteID{
	piondtls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
}

// Role selects which side of the handshake this peer plays. The caller
// picks it: session.NewHost plays RoleServer and session.NewViewer plays
// RoleClient; the connectivity check does not assign roles.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// Channel wraps a pion/dtls/v3 connection over a net.Conn (typically a
// demux.Conn fixed to the nominated peer address).
type Channel struct {
	mu    sync.Mutex
	state State
	conn  *piondtls.Conn

	onStateChange func(State)
}

// Params configures a Channel.
type Params struct {
	Local         *KeyAndCert
	PeerDigest    [sha256.Size]byte
	Role          Role
	OnStateChange func(State)
}

// Handshake blocks until the DTLS handshake over netConn completes,
// fails, or ctx is cancelled. It is meant to run on its own goroutine off
// the network thread's hot path, since pion/dtls's handshake itself drives
// reads/writes synchronously.
func Handshake(ctx context.Context, netConn net.Conn, params Params) (*Channel, error) {
	ch := &Channel{state: New, onStateChange: params.OnStateChange}
	ch.setState(Connecting)

	verify := func(rawCerts [][]byte, _ [][]byte) error {
		if len(rawCerts) == 0 {
			return errors.New("dtls: peer presented no certificate")
		}
		if !VerifyDigest(params.PeerDigest, rawCerts[0]) {
			return errors.New("dtls: peer certificate digest mismatch")
		}
		return nil
	}

	config := &piondtls.Config{
		Certificates: []tls.Certificate{params.Local.Certificate},
		CipherSuites: cipherSuites,
		// Verification is pinned-digest only; the standard chain-of-trust
		// check would reject these self-signed certificates.
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: verify,
		ClientAuth:            piondtls.RequireAnyClientCert,
	}

	var conn *piondtls.Conn
	var err error
	if params.Role == RoleServer {
		conn, err = piondtls.ServerWithContext(ctx, netConn, config)
	} else {
		conn, err = piondtls.ClientWithContext(ctx, netConn, config)
	}
	if err != nil {
		ch.setState(Failed)
		return nil, rtcerr.Wrap(rtcerr.HandshakeFailed, err)
	}

	ch.mu.Lock()
	ch.conn = conn
	ch.mu.Unlock()
	ch.setState(Connected)
	return ch, nil
}

// Send writes application data. Only valid in the Connected state.
func (c *Channel) Send(data []byte) error {
	c.mu.Lock()
	state := c.state
	conn := c.conn
	c.mu.Unlock()

	if state != Connected {
		return rtcerr.New(rtcerr.HandshakeFailed, "dtls: send while not connected")
	}
	_, err := conn.Write(data)
	return err
}

// Recv blocks for the next application-data record.
func (c *Channel) Recv(buf []byte) (int, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return 0, errors.New("dtls: not connected")
	}
	n, err := conn.Read(buf)
	if err != nil {
		c.setState(Closed)
		return n, err
	}
	return n, nil
}

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close tears down the DTLS association, sending close-notify if connected.
func (c *Channel) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		c.setState(Closed)
		return nil
	}
	err := conn.Close()
	c.setState(Closed)
	return err
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	cb := c.onStateChange
	c.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}
