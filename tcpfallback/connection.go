package tcpfallback

import (
	"net"
	"sync"

	"github.com/pkg/errors"

	"github.com/lanthing-oss/rtc2/internal/logging"
	"github.com/lanthing-oss/rtc2/rtcerr"
)

var log = logging.DefaultLogger.WithTag("tcpfallback")

// Params configures a Connection. Conn is an already-established TCP
// connection: dialing or accepting it is a signaling-layer concern (the
// `connect`/`address` keys from the opaque signaling pipe), not this
// package's.
type Params struct {
	Conn net.Conn

	OnData  func(data []byte)
	OnVideo func(VideoFrame)
	OnAudio func(AudioFrame)
	OnError func(*rtcerr.Error)
}

// Connection is the TCP-fallback variant of the connection façade: same
// send_data/send_video/send_audio operations as the UDP+DTLS+P2P path,
// but backed directly by one TCP stream's own reliable, ordered delivery
// instead of a pacer, RTP, and a sliding-window ARQ. There is nothing for
// the fallback path to re-implement there; TCP already gives it for free.
type Connection struct {
	params Params

	writeMu sync.Mutex
	done    chan struct{}
	closeOnce sync.Once
}

// Create validates params and returns a Connection ready for Start.
func Create(params Params) (*Connection, error) {
	if params.Conn == nil {
		return nil, rtcerr.New(rtcerr.ConfigurationInvalid, "tcpfallback: Conn is required")
	}
	if params.OnError == nil {
		return nil, rtcerr.New(rtcerr.ConfigurationInvalid, "tcpfallback: OnError callback is required")
	}
	return &Connection{params: params, done: make(chan struct{})}, nil
}

// Start spawns the read loop that demultiplexes inbound frames by type.
func (c *Connection) Start() error {
	go c.readLoop()
	return nil
}

func (c *Connection) readLoop() {
	for {
		typ, payload, err := ReadFrame(c.params.Conn)
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			c.params.OnError(rtcerr.Wrap(rtcerr.PeerClosed, err))
			return
		}

		switch typ {
		case FrameData:
			if c.params.OnData != nil {
				c.params.OnData(payload)
			}
		case FrameVideo:
			f, err := DecodeVideoFrame(payload)
			if err != nil {
				log.Warn("decode video frame: %v", err)
				continue
			}
			if c.params.OnVideo != nil {
				c.params.OnVideo(f)
			}
		case FrameAudio:
			f, err := DecodeAudioFrame(payload)
			if err != nil {
				log.Warn("decode audio frame: %v", err)
				continue
			}
			if c.params.OnAudio != nil {
				c.params.OnAudio(f)
			}
		default:
			log.Warn("dropping frame of unknown type %d", typ)
		}
	}
}

// SendData sends one reliable-channel-equivalent message. Every
// send_data call yields exactly one peer-side OnData delivery, same as
// the UDP path's reliable channel, but for free from TCP's own ordering.
func (c *Connection) SendData(data []byte) error {
	return c.writeFrame(FrameData, data)
}

// SendVideo sends one encoded video frame.
func (c *Connection) SendVideo(ssrc uint32, frameID uint16, keyframe bool, encodeDurationUs uint32, payload []byte) error {
	return c.writeFrame(FrameVideo, EncodeVideoFrame(VideoFrame{
		SSRC:             ssrc,
		FrameID:          frameID,
		Keyframe:         keyframe,
		EncodeDurationUs: encodeDurationUs,
		Payload:          payload,
	}))
}

// SendAudio sends one audio packet.
func (c *Connection) SendAudio(ssrc uint32, rtpTimestamp uint32, payload []byte) error {
	return c.writeFrame(FrameAudio, EncodeAudioFrame(AudioFrame{
		SSRC:         ssrc,
		RTPTimestamp: rtpTimestamp,
		Payload:      payload,
	}))
}

func (c *Connection) writeFrame(typ FrameType, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := WriteFrame(c.params.Conn, typ, payload); err != nil {
		return errors.Wrap(err, "tcpfallback: write frame")
	}
	return nil
}

// Close stops the read loop and closes the underlying TCP connection.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.params.Conn.Close()
	})
	return err
}
