// Command rtc2d runs one end of a peer-to-peer low-latency transport
// connection, rendezvousing through a signaling server to exchange
// candidates and the DTLS certificate digest, then exercising the
// reliable data channel. Video/audio capture and encode are external
// collaborators (spec OUT OF SCOPE), so this command demonstrates the
// connection and reliable-channel lifecycle with a periodic heartbeat
// instead of a real media pipeline.
package main

import (
	"fmt"
	stdlog "log"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/lanthing-oss/rtc2/address"
	"github.com/lanthing-oss/rtc2/internal/logging"
	"github.com/lanthing-oss/rtc2/rtcerr"
	"github.com/lanthing-oss/rtc2/session"
	"github.com/lanthing-oss/rtc2/signaling"
)

var log = logging.DefaultLogger.WithTag("rtc2d")

func main() {
	flag.Parse()

	if flagHelp {
		help()
		os.Exit(0)
	}
	if flagVersion {
		version()
		os.Exit(0)
	}

	if flagRole != "host" && flagRole != "viewer" {
		fmt.Fprintf(os.Stderr, "invalid --role %q: must be host or viewer\n", flagRole)
		os.Exit(1)
	}

	localAddr, err := address.Parse(flagLocalAddr)
	if err != nil {
		stdlog.Fatalf("parse --local-addr: %v", err)
	}
	var stunAddr, relayAddr address.Address
	if flagSTUNAddress != "" {
		stunAddr, err = address.Parse(flagSTUNAddress)
		if err != nil {
			stdlog.Fatalf("parse --stun-address: %v", err)
		}
	}
	if flagRelayAddress != "" {
		relayAddr, err = address.Parse(flagRelayAddress)
		if err != nil {
			stdlog.Fatalf("parse --relay-address: %v", err)
		}
	}

	sig, err := signaling.Dial(signaling.RoomURL(flagSignalingAddr, flagRoom))
	if err != nil {
		stdlog.Fatalf("dial signaling server: %v", err)
	}
	defer sig.Close()

	connectedCh := make(chan struct{})
	params := session.Params{
		LocalAddr:     localAddr,
		StunServer:    stunAddr,
		RelayServer:   relayAddr,
		RelayUser:     flagRelayUser,
		RelayPass:     flagRelayPass,
		Username:      flagUsername,
		Password:      flagPassword,
		SendSignaling:  func(key, value string) error { return sig.Send(key, value) },
		OnError:        func(e *rtcerr.Error) { log.Warn("connection error: %v", e) },
		OnConnected:    func() { close(connectedCh) },
		OnDisconnected: func() { log.Warn("peer disconnected") },
		OnData: func(data []byte, reliable bool) {
			log.Info("received %d reliable bytes: %q", len(data), data)
		},
	}

	var conn *session.Connection
	if flagRole == "host" {
		conn, err = session.NewHost(params)
	} else {
		conn, err = session.NewViewer(params)
	}
	if err != nil {
		stdlog.Fatalf("create connection: %v", err)
	}
	defer conn.Close()

	if err := sig.Send("digest", conn.LocalDigestHex()); err != nil {
		stdlog.Fatalf("send local digest: %v", err)
	}

	go relaySignaling(sig, conn)

	if err := conn.Start(); err != nil {
		stdlog.Fatalf("start connection: %v", err)
	}

	log.Info("waiting for peer over room %q via %s as %s", flagRoom, flagSignalingAddr, flagRole)
	select {
	case <-connectedCh:
		log.Info("connected")
	case <-time.After(30 * time.Second):
		stdlog.Fatalf("timed out waiting to connect")
	}

	heartbeat(conn)
}

func relaySignaling(sig *signaling.Conn, conn *session.Connection) {
	for {
		key, value, err := sig.Recv()
		if err != nil {
			log.Warn("signaling connection closed: %v", err)
			return
		}
		if err := conn.OnSignalingMessage(key, value); err != nil {
			log.Warn("handle signaling message %q: %v", key, err)
		}
	}
}

func heartbeat(conn *session.Connection) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for range ticker.C {
		msg := fmt.Sprintf("heartbeat from %s at %s", flagRole, time.Now().Format(time.RFC3339))
		if err := conn.SendData([]byte(msg), true); err != nil {
			log.Warn("send heartbeat: %v", err)
		}
	}
}
