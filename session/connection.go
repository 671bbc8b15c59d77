// Package session binds the address/netio/gather/p2p/dtls/demux/rtp/video/
// audio/pacer/reliable packages into one Connection façade: the aggregate
// owner described for this transport, with lifecycle create → start →
// (streaming) → drop and a single on_error callback funneling every fatal
// condition regardless of which component raised it.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/lanthing-oss/rtc2/address"
	"github.com/lanthing-oss/rtc2/audio"
	"github.com/lanthing-oss/rtc2/demux"
	"github.com/lanthing-oss/rtc2/dtls"
	"github.com/lanthing-oss/rtc2/gather"
	"github.com/lanthing-oss/rtc2/internal/logging"
	"github.com/lanthing-oss/rtc2/netio"
	"github.com/lanthing-oss/rtc2/p2p"
	"github.com/lanthing-oss/rtc2/pacer"
	"github.com/lanthing-oss/rtc2/reliable"
	"github.com/lanthing-oss/rtc2/rtcerr"
	"github.com/lanthing-oss/rtc2/video"
)

var log = logging.DefaultLogger.WithTag("session")

const (
	pacerDefaultRate  = 4 << 20 // 4 MB/s starting budget; a congestion controller may SetRate later
	pacerDefaultBurst = 64 << 10

	rtcpPayloadTypeLow  = 192
	rtcpPayloadTypeHigh = 223
)

// Params configures a Connection. Create validates these synchronously and
// returns ConfigurationInvalid on the spot rather than surfacing it later
// via OnError.
type Params struct {
	LocalAddr   address.Address
	StunServer  address.Address
	RelayServer address.Address
	RelayUser   string
	RelayPass   string

	// Username/Password are the short-term credential pair both peers use
	// for STUN MESSAGE-INTEGRITY during the P2P connectivity check.
	Username string
	Password string

	// PeerDigest pins the peer's DTLS certificate; DTLSRole picks which
	// side plays client vs server in the handshake.
	PeerDigest [sha256.Size]byte
	DTLSRole   dtls.Role

	// IsServerGathering is not read by Connection: for every role,
	// gathering begins in Start, not in Create.
	IsServerGathering bool

	SendSignaling  func(key, value string) error
	OnError        func(*rtcerr.Error)
	OnConnected    func()
	OnDisconnected func()
	OnData         func(data []byte, reliable bool)
}

// Connection is the aggregate owner: one UDP socket, one gatherer, one
// connectivity check, one DTLS channel, one pacer, one reliable channel,
// and a set of video/audio streams keyed by SSRC.
type Connection struct {
	params    Params
	localCert *dtls.KeyAndCert

	mu               sync.Mutex
	socket           *netio.Socket
	gatherer         *gather.Gatherer
	check            *p2p.Check
	localCandidates  []gather.EndpointInfo
	remoteCandidates []gather.EndpointInfo

	peerAddr    address.Address
	dtlsConn    *demux.Conn
	dtlsChannel *dtls.Channel
	pacerInst   *pacer.Pacer
	reliableCh  *reliable.Channel

	videoSend map[uint32]*video.SendStream
	videoRecv map[uint32]*video.ReceiveStream
	audioSend map[uint32]*audio.SendStream
	audioRecv map[uint32]*audio.ReceiveStream

	closeOnce sync.Once
}

// Create validates params and generates the local DTLS certificate.
// Sockets are not opened and the other components are not built yet; call
// Start to build them and begin gathering and listening.
func Create(params Params) (*Connection, error) {
	if params.SendSignaling == nil || params.OnError == nil {
		return nil, rtcerr.New(rtcerr.ConfigurationInvalid, "session: SendSignaling and OnError callbacks are required")
	}
	if params.Username == "" || params.Password == "" {
		return nil, rtcerr.New(rtcerr.ConfigurationInvalid, "session: Username/Password short-term credentials are required")
	}

	cert, err := dtls.NewKeyAndCert()
	if err != nil {
		return nil, rtcerr.Wrap(rtcerr.ConfigurationInvalid, err)
	}

	c := &Connection{
		params:    params,
		localCert: cert,
		videoSend: make(map[uint32]*video.SendStream),
		videoRecv: make(map[uint32]*video.ReceiveStream),
		audioSend: make(map[uint32]*audio.SendStream),
		audioRecv: make(map[uint32]*audio.ReceiveStream),
	}
	return c, nil
}

// LocalDigest returns this Connection's own DTLS certificate digest, to be
// exchanged out of band alongside endpoint candidates.
func (c *Connection) LocalDigest() [sha256.Size]byte {
	return c.localCert.Digest
}

// Start opens the UDP socket, begins candidate gathering, and readies the
// connectivity check. Video/audio streams may be registered before or
// after Start; they only become usable once DTLS completes.
func (c *Connection) Start() error {
	socket, err := netio.Listen(c.params.LocalAddr)
	if err != nil {
		return rtcerr.Wrap(rtcerr.ConfigurationInvalid, err)
	}
	c.socket = socket
	c.pacerInst = pacer.New(pacerDefaultRate, pacerDefaultBurst)

	c.check = p2p.New(p2p.Params{
		Socket:      socket,
		Username:    c.params.Username,
		Password:    c.params.Password,
		OnNominated: c.onNominated,
	})
	c.gatherer = gather.New(gather.Params{
		Socket:      socket,
		StunServer:  c.params.StunServer,
		RelayServer: c.params.RelayServer,
		RelayUser:   c.params.RelayUser,
		RelayPass:   c.params.RelayPass,
		OnGathered:  c.onGathered,
	})

	socket.SetOnRead(c.onPacket)

	if err := c.gatherer.Start(); err != nil {
		c.params.OnError(rtcerr.Wrap(rtcerr.GatheringFailed, err))
		return nil
	}
	return nil
}

// onPacket is the network thread's read dispatch: every inbound datagram
// passes through STUN consumers first (gathering, then connectivity
// check), then the DTLS/RTP classifier.
func (c *Connection) onPacket(pkt []byte, from address.Address, recvTime time.Time) {
	if c.gatherer.HandlePacket(pkt, from) {
		return
	}
	if c.check.HandlePacket(pkt, from) {
		return
	}

	switch demux.Classify(pkt) {
	case demux.DTLSRecord:
		c.mu.Lock()
		conn := c.dtlsConn
		peer := c.peerAddr
		c.mu.Unlock()
		if conn != nil && from.Equal(peer) {
			conn.Deliver(pkt)
		}
	case demux.RTPOrRTCP:
		c.handleMediaPacket(pkt)
	default:
		log.Warn("dropping unclassifiable packet from %s (%d bytes)", from, len(pkt))
	}
}

func (c *Connection) handleMediaPacket(pkt []byte) {
	if len(pkt) < 2 {
		return
	}
	pt := pkt[1]
	if pt >= rtcpPayloadTypeLow && pt <= rtcpPayloadTypeHigh {
		c.handleRTCP(pkt)
		return
	}
	if len(pkt) < 12 {
		return
	}
	ssrc := uint32(pkt[8])<<24 | uint32(pkt[9])<<16 | uint32(pkt[10])<<8 | uint32(pkt[11])

	c.mu.Lock()
	vrecv := c.videoRecv[ssrc]
	arecv := c.audioRecv[ssrc]
	c.mu.Unlock()

	switch {
	case vrecv != nil:
		if err := vrecv.HandleRTPPacket(pkt); err != nil {
			log.Warn("video ssrc %d: %v", ssrc, err)
		}
	case arecv != nil:
		if err := arecv.HandleRTPPacket(pkt); err != nil {
			log.Warn("audio ssrc %d: %v", ssrc, err)
		}
	default:
		log.Warn("rtp packet for unregistered ssrc %d", ssrc)
	}
}

func (c *Connection) handleRTCP(pkt []byte) {
	c.mu.Lock()
	streams := make([]*video.SendStream, 0, len(c.videoSend))
	for _, s := range c.videoSend {
		streams = append(streams, s)
	}
	c.mu.Unlock()

	for _, s := range streams {
		if err := s.HandleRTCP(pkt); err != nil {
			log.Warn("rtcp: %v", err)
		}
	}
}

func (c *Connection) onGathered(info gather.EndpointInfo) {
	c.mu.Lock()
	c.localCandidates = append(c.localCandidates, info)
	remotes := append([]gather.EndpointInfo(nil), c.remoteCandidates...)
	c.mu.Unlock()

	for _, remote := range remotes {
		c.check.AddPair(p2p.Pair{Local: info, Remote: remote})
	}
	if err := c.params.SendSignaling("candidate", info.Encode()); err != nil {
		log.Warn("send signaling candidate: %v", err)
	}
}

// OnSignalingMessage accepts a peer's out-of-band message. Candidates
// arrive under the "epinfo" or "candidate" key (onGathered sends under
// "candidate") in the EndpointInfo wire form.
// "digest" carries the peer's hex-encoded DTLS certificate digest — a
// key this implementation adds on top of the core's "epinfo"/"candidate"
// set, since something has to carry the pinned-digest exchange over the
// same opaque pipe before nomination completes. Any other key is logged
// and ignored.
func (c *Connection) OnSignalingMessage(key, value string) error {
	switch key {
	case "candidate", "epinfo":
		return c.onCandidateMessage(value)
	case "digest":
		return c.onDigestMessage(value)
	default:
		log.Warn("unknown signaling key %q", key)
		return nil
	}
}

func (c *Connection) onCandidateMessage(value string) error {
	remote, err := gather.Decode(value)
	if err != nil {
		return errors.Wrap(err, "session: decode signaling candidate")
	}

	c.mu.Lock()
	c.remoteCandidates = append(c.remoteCandidates, remote)
	locals := append([]gather.EndpointInfo(nil), c.localCandidates...)
	c.mu.Unlock()

	for _, local := range locals {
		c.check.AddPair(p2p.Pair{Local: local, Remote: remote})
	}
	return nil
}

func (c *Connection) onDigestMessage(value string) error {
	raw, err := hex.DecodeString(value)
	if err != nil {
		return errors.Wrap(err, "session: decode signaling digest")
	}
	if len(raw) != sha256.Size {
		return rtcerr.New(rtcerr.ConfigurationInvalid, "session: peer digest must be 32 bytes")
	}
	var digest [sha256.Size]byte
	copy(digest[:], raw)

	c.mu.Lock()
	c.params.PeerDigest = digest
	c.mu.Unlock()
	return nil
}

// LocalDigestHex returns LocalDigest hex-encoded, the wire form sent over
// the "digest" signaling key.
func (c *Connection) LocalDigestHex() string {
	digest := c.LocalDigest()
	return hex.EncodeToString(digest[:])
}

func (c *Connection) onNominated(local, remote address.Address, usedTime time.Duration) {
	log.Info("nominated %s <-> %s after %s", local, remote, usedTime)

	c.mu.Lock()
	c.peerAddr = remote
	conn := demux.NewConn(c.socket, remote)
	c.dtlsConn = conn
	c.mu.Unlock()

	go c.runHandshake(conn)
}

func (c *Connection) runHandshake(conn *demux.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c.mu.Lock()
	peerDigest := c.params.PeerDigest
	dtlsRole := c.params.DTLSRole
	c.mu.Unlock()

	channel, err := dtls.Handshake(ctx, conn, dtls.Params{
		Local:      c.localCert,
		PeerDigest: peerDigest,
		Role:       dtlsRole,
	})
	if err != nil {
		c.params.OnError(rtcerr.Wrap(rtcerr.HandshakeFailed, err))
		if c.params.OnDisconnected != nil {
			c.params.OnDisconnected()
		}
		return
	}

	c.mu.Lock()
	c.dtlsChannel = channel
	c.reliableCh = reliable.New(reliable.Params{
		Transport: channel,
		OnMessage: func(payload []byte) {
			if c.params.OnData != nil {
				c.params.OnData(payload, true)
			}
		},
	})
	c.mu.Unlock()

	go c.recvLoop(channel)

	if c.params.OnConnected != nil {
		c.params.OnConnected()
	}
}

func (c *Connection) recvLoop(channel *dtls.Channel) {
	buf := make([]byte, 2048)
	for {
		n, err := channel.Recv(buf)
		if err != nil {
			if c.params.OnDisconnected != nil {
				c.params.OnDisconnected()
			}
			return
		}
		c.mu.Lock()
		rc := c.reliableCh
		c.mu.Unlock()
		if rc == nil {
			continue
		}
		if err := rc.Deliver(append([]byte(nil), buf[:n]...)); err != nil {
			log.Warn("reliable channel deliver: %v", err)
		}
	}
}

// SendData delegates to the reliable message channel. The half-reliable
// path is currently an alias of the reliable one, per this transport's
// data model.
func (c *Connection) SendData(data []byte, reliable_ bool) error {
	c.mu.Lock()
	rc := c.reliableCh
	c.mu.Unlock()
	if rc == nil {
		return errors.New("session: reliable channel not yet connected")
	}
	return rc.SendMessage(data)
}

// AddVideoSendStream registers a video send stream for ssrc, wiring its
// RTCP feedback hooks.
func (c *Connection) AddVideoSendStream(ssrc uint32, onKeyframeRequest func(), onBandwidthEstimate func(uint64)) *video.SendStream {
	s := video.NewSendStream(video.SendStreamParams{
		SSRC:                ssrc,
		Pacer:               c.pacerInst,
		Send:                func(pkt []byte) error { return c.socket.SendTo(pkt, c.remotePeer()) },
		OnKeyframeRequest:   onKeyframeRequest,
		OnBandwidthEstimate: onBandwidthEstimate,
	})
	c.mu.Lock()
	c.videoSend[ssrc] = s
	c.mu.Unlock()
	return s
}

// AddVideoReceiveStream registers a video receive stream for ssrc.
func (c *Connection) AddVideoReceiveStream(ssrc uint32, onFrame func(video.Frame)) *video.ReceiveStream {
	s := video.NewReceiveStream(video.ReceiveStreamParams{
		SSRC:     ssrc,
		OnFrame:  onFrame,
		SendRTCP: func(pkt []byte) error { return c.socket.SendTo(pkt, c.remotePeer()) },
	})
	c.mu.Lock()
	c.videoRecv[ssrc] = s
	c.mu.Unlock()
	return s
}

// AddAudioSendStream registers an audio send stream for ssrc.
func (c *Connection) AddAudioSendStream(ssrc uint32) *audio.SendStream {
	s := audio.NewSendStream(audio.SendStreamParams{
		SSRC: ssrc,
		Send: func(pkt []byte) error { return c.socket.SendTo(pkt, c.remotePeer()) },
	})
	c.mu.Lock()
	c.audioSend[ssrc] = s
	c.mu.Unlock()
	return s
}

// AddAudioReceiveStream registers an audio receive stream for ssrc.
func (c *Connection) AddAudioReceiveStream(ssrc uint32, onFrame func(payload []byte, rtpTimestamp uint32)) *audio.ReceiveStream {
	s := audio.NewReceiveStream(audio.ReceiveStreamParams{SSRC: int64(ssrc), OnFrame: onFrame})
	c.mu.Lock()
	c.audioRecv[ssrc] = s
	c.mu.Unlock()
	return s
}

// SendVideo packetizes and sends one frame on the named send stream,
// returning false if no stream was registered for ssrc.
func (c *Connection) SendVideo(ssrc uint32, payload []byte, encodeTimestampUs int64, keyframe bool, frameID uint16, encodeDurationUs uint32) bool {
	c.mu.Lock()
	s := c.videoSend[ssrc]
	c.mu.Unlock()
	if s == nil {
		return false
	}
	if err := s.SendFrame(payload, encodeTimestampUs, keyframe, frameID, encodeDurationUs); err != nil {
		log.Warn("send video ssrc %d: %v", ssrc, err)
	}
	return true
}

// SendAudio sends one audio frame on the named send stream, returning
// false if no stream was registered for ssrc.
func (c *Connection) SendAudio(ssrc uint32, payload []byte, rtpTimestamp uint32) bool {
	c.mu.Lock()
	s := c.audioSend[ssrc]
	c.mu.Unlock()
	if s == nil {
		return false
	}
	if err := s.SendFrame(payload, rtpTimestamp); err != nil {
		log.Warn("send audio ssrc %d: %v", ssrc, err)
	}
	return true
}

func (c *Connection) remotePeer() address.Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerAddr
}

// Close tears down every component in reverse dependency order: streams,
// pacer, reliable channel, DTLS, P2P, gatherer, then the network thread's
// socket.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.videoSend = nil
		c.videoRecv = nil
		c.audioSend = nil
		c.audioRecv = nil
		pacerInst := c.pacerInst
		rc := c.reliableCh
		channel := c.dtlsChannel
		check := c.check
		gatherer := c.gatherer
		socket := c.socket
		c.mu.Unlock()

		if pacerInst != nil {
			pacerInst.Close()
		}
		if rc != nil {
			rc.Close()
		}
		if channel != nil {
			_ = channel.Close()
		}
		if check != nil {
			check.Stop()
		}
		if gatherer != nil {
			gatherer.Stop()
		}
		if socket != nil {
			_ = socket.Close()
		}
	})
	return nil
}
