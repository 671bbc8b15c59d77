package gather

import (
	"strconv"
	"testing"
	"time"

	"github.com/pion/stun/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanthing-oss/rtc2/address"
	"github.com/lanthing-oss/rtc2/netio"
)

func TestEndpointInfoEncodeDecodeRoundTrip(t *testing.T) {
	addr, err := address.Parse("203.0.113.5:40000")
	require.NoError(t, err)

	cases := []EndpointInfo{
		{Type: Host, Address: addr},
		{Type: ServerReflexive, Address: addr},
		{Type: Relay, Address: addr},
	}
	for _, info := range cases {
		decoded, err := Decode(info.Encode())
		require.NoError(t, err)
		assert.Equal(t, info, decoded)
	}
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode("garbage")
	assert.Error(t, err)
}

func TestGatherHostCandidates(t *testing.T) {
	loop, err := address.Parse("127.0.0.1:0")
	require.NoError(t, err)
	sock, err := netio.Listen(loop)
	require.NoError(t, err)
	defer sock.Close()

	var got []EndpointInfo
	g := New(Params{
		Socket:     sock,
		OnGathered: func(info EndpointInfo) { got = append(got, info) },
	})
	require.NoError(t, g.Start())

	// Loopback/link-local are excluded, so a loopback-only test environment
	// may legitimately gather zero host candidates; this just exercises
	// that Start does not error when no STUN/relay server is configured.
	for _, info := range got {
		assert.Equal(t, Host, info.Type)
	}
}

// TestServerReflexiveGathering runs a minimal fake STUN server on a second
// loopback socket that mirrors every Binding Request back as a Binding
// Success Response with the request's observed source as XOR-MAPPED-ADDRESS,
// then checks the gatherer turns that into a ServerReflexive candidate.
func TestServerReflexiveGathering(t *testing.T) {
	loop, err := address.Parse("127.0.0.1:0")
	require.NoError(t, err)

	serverSock, err := netio.Listen(loop)
	require.NoError(t, err)
	defer serverSock.Close()
	serverSock.SetOnRead(func(pkt []byte, from address.Address, _ time.Time) {
		if !stun.IsMessage(pkt) {
			return
		}
		m := &stun.Message{Raw: append([]byte(nil), pkt...)}
		if err := m.Decode(); err != nil {
			return
		}
		xorAddr := stun.XORMappedAddress{IP: from.IP().AsSlice(), Port: int(from.Port())}
		resp, err := stun.Build(m, stun.BindingSuccess, &xorAddr, stun.Fingerprint)
		if err != nil {
			return
		}
		_ = serverSock.SendTo(resp.Raw, from)
	})

	serverAddr, err := address.Parse("127.0.0.1:" + strconv.Itoa(int(serverSock.Port())))
	require.NoError(t, err)

	clientSock, err := netio.Listen(loop)
	require.NoError(t, err)
	defer clientSock.Close()

	done := make(chan EndpointInfo, 1)
	g := New(Params{
		Socket:     clientSock,
		StunServer: serverAddr,
		OnGathered: func(info EndpointInfo) {
			if info.Type == ServerReflexive {
				done <- info
			}
		},
	})
	clientSock.SetOnRead(func(pkt []byte, from address.Address, _ time.Time) {
		g.HandlePacket(pkt, from)
	})

	require.NoError(t, g.Start())

	select {
	case info := <-done:
		assert.Equal(t, ServerReflexive, info.Type)
		assert.True(t, info.Address.IsValid())
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for srflx candidate")
	}
}
