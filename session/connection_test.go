package session

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lanthing-oss/rtc2/address"
	"github.com/lanthing-oss/rtc2/dtls"
	"github.com/lanthing-oss/rtc2/gather"
	"github.com/lanthing-oss/rtc2/p2p"
	"github.com/lanthing-oss/rtc2/rtcerr"
)

// TestConnectionHandshakeAndReliableDataOverLoopback exercises the full
// wiring path end to end: two Connections nominate a loopback pair
// directly (bypassing interface enumeration, which skips loopback
// addresses by design), complete a DTLS handshake, and exchange one
// reliable message each way.
func TestConnectionHandshakeAndReliableDataOverLoopback(t *testing.T) {
	loopback, err := address.Parse("127.0.0.1:0")
	require.NoError(t, err)

	var hostReceived, viewerReceived [][]byte
	var connectedHost, connectedViewer bool

	host, err := Create(Params{
		LocalAddr:     loopback,
		Username:      "shared-user",
		Password:      "shared-pass",
		SendSignaling: func(key, value string) error { return nil },
		OnError:       func(e *rtcerr.Error) { t.Logf("host error: %v", e) },
		OnConnected:   func() { connectedHost = true },
		OnData:        func(data []byte, reliable bool) { hostReceived = append(hostReceived, data) },
	})
	require.NoError(t, err)

	viewer, err := Create(Params{
		LocalAddr:     loopback,
		Username:      "shared-user",
		Password:      "shared-pass",
		SendSignaling: func(key, value string) error { return nil },
		OnError:       func(e *rtcerr.Error) { t.Logf("viewer error: %v", e) },
		OnConnected:   func() { connectedViewer = true },
		OnData:        func(data []byte, reliable bool) { viewerReceived = append(viewerReceived, data) },
	})
	require.NoError(t, err)

	// Pin each side's DTLS digest against the other's, then pick explicit
	// client/server roles the way NewHost/NewViewer would.
	host.params.PeerDigest = viewer.LocalDigest()
	host.params.DTLSRole = dtls.RoleServer
	viewer.params.PeerDigest = host.LocalDigest()
	viewer.params.DTLSRole = dtls.RoleClient

	require.NoError(t, host.Start())
	require.NoError(t, viewer.Start())
	defer host.Close()
	defer viewer.Close()

	hostEndpoint := gather.EndpointInfo{Type: gather.Host, Address: mustLocalEndpoint(t, host)}
	viewerEndpoint := gather.EndpointInfo{Type: gather.Host, Address: mustLocalEndpoint(t, viewer)}

	host.check.AddPair(p2p.Pair{Local: hostEndpoint, Remote: viewerEndpoint})
	viewer.check.AddPair(p2p.Pair{Local: viewerEndpoint, Remote: hostEndpoint})

	require.Eventually(t, func() bool {
		return connectedHost && connectedViewer
	}, 5*time.Second, 10*time.Millisecond, "both sides should complete the DTLS handshake")

	require.NoError(t, host.SendData([]byte("hello from host"), true))
	require.NoError(t, viewer.SendData([]byte("hello from viewer"), true))

	require.Eventually(t, func() bool {
		return len(viewerReceived) == 1 && len(hostReceived) == 1
	}, 5*time.Second, 10*time.Millisecond, "reliable messages should be delivered both ways")

	require.Equal(t, []byte("hello from host"), viewerReceived[0])
	require.Equal(t, []byte("hello from viewer"), hostReceived[0])
}

func mustLocalEndpoint(t *testing.T, c *Connection) address.Address {
	t.Helper()
	addr, err := address.Parse(fmt.Sprintf("127.0.0.1:%d", c.socket.Port()))
	require.NoError(t, err)
	return addr
}

// TestConnectionCreateRejectsMissingCallbacks checks the synchronous
// ConfigurationInvalid path.
func TestConnectionCreateRejectsMissingCallbacks(t *testing.T) {
	_, err := Create(Params{})
	require.Error(t, err)
	rerr, ok := err.(*rtcerr.Error)
	require.True(t, ok)
	require.Equal(t, rtcerr.ConfigurationInvalid, rerr.Code)
}

func TestConnectionSendDataBeforeHandshakeFails(t *testing.T) {
	loopback, err := address.Parse("127.0.0.1:0")
	require.NoError(t, err)
	c, err := Create(Params{
		LocalAddr:     loopback,
		Username:      "u",
		Password:      "p",
		SendSignaling: func(key, value string) error { return nil },
		OnError:       func(e *rtcerr.Error) {},
	})
	require.NoError(t, err)
	require.NoError(t, c.Start())
	defer c.Close()

	err = c.SendData([]byte("too early"), true)
	require.Error(t, err)
}
