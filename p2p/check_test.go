package p2p

import (
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanthing-oss/rtc2/address"
	"github.com/lanthing-oss/rtc2/gather"
	"github.com/lanthing-oss/rtc2/netio"
)

func newLoopbackSocket(t *testing.T) *netio.Socket {
	a, err := address.Parse("127.0.0.1:0")
	require.NoError(t, err)
	s, err := netio.Listen(a)
	require.NoError(t, err)
	return s
}

func addrOf(t *testing.T, s *netio.Socket) address.Address {
	a, err := address.Parse("127.0.0.1:" + strconv.Itoa(int(s.Port())))
	require.NoError(t, err)
	return a
}

// TestNominatesFirstConnectedPair wires two Check instances back to back
// over loopback sockets (as if they were the two peers of a session) and
// confirms both sides nominate the same pair exactly once.
func TestNominatesFirstConnectedPair(t *testing.T) {
	sockA := newLoopbackSocket(t)
	defer sockA.Close()
	sockB := newLoopbackSocket(t)
	defer sockB.Close()

	const user, pass = "ufrag", "pwd"

	var mu sync.Mutex
	var nominatedA, nominatedB int

	checkA := New(Params{
		Socket:   sockA,
		Username: user,
		Password: pass,
		OnNominated: func(local, remote address.Address, used time.Duration) {
			mu.Lock()
			nominatedA++
			mu.Unlock()
		},
	})
	checkB := New(Params{
		Socket:   sockB,
		Username: user,
		Password: pass,
		OnNominated: func(local, remote address.Address, used time.Duration) {
			mu.Lock()
			nominatedB++
			mu.Unlock()
		},
	})

	sockA.SetOnRead(func(pkt []byte, from address.Address, _ time.Time) {
		checkA.HandlePacket(pkt, from)
	})
	sockB.SetOnRead(func(pkt []byte, from address.Address, _ time.Time) {
		checkB.HandlePacket(pkt, from)
	})

	pairAtoB := Pair{
		Local:  gather.EndpointInfo{Type: gather.Host, Address: addrOf(t, sockA)},
		Remote: gather.EndpointInfo{Type: gather.Host, Address: addrOf(t, sockB)},
	}
	pairBtoA := Pair{
		Local:  gather.EndpointInfo{Type: gather.Host, Address: addrOf(t, sockB)},
		Remote: gather.EndpointInfo{Type: gather.Host, Address: addrOf(t, sockA)},
	}

	checkA.AddPair(pairAtoB)
	checkB.AddPair(pairBtoA)

	require.Eventually(t, func() bool {
		return checkA.Nominated() && checkB.Nominated()
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, nominatedA)
	assert.Equal(t, 1, nominatedB)
}

func TestBadIntegrityRejected(t *testing.T) {
	sockA := newLoopbackSocket(t)
	defer sockA.Close()
	sockB := newLoopbackSocket(t)
	defer sockB.Close()

	checkA := New(Params{Socket: sockA, Username: "u", Password: "right"})
	checkB := New(Params{Socket: sockB, Username: "u", Password: "wrong"})

	var gotRequest bool
	var mu sync.Mutex
	sockA.SetOnRead(func(pkt []byte, from address.Address, _ time.Time) {
		mu.Lock()
		gotRequest = checkA.HandlePacket(pkt, from) || gotRequest
		mu.Unlock()
	})
	sockB.SetOnRead(func(pkt []byte, from address.Address, _ time.Time) {
		checkB.HandlePacket(pkt, from)
	})

	checkB.AddPair(Pair{
		Local:  gather.EndpointInfo{Type: gather.Host, Address: addrOf(t, sockB)},
		Remote: gather.EndpointInfo{Type: gather.Host, Address: addrOf(t, sockA)},
	})

	time.Sleep(200 * time.Millisecond)
	assert.False(t, checkA.Nominated())
	assert.False(t, checkB.Nominated())
}
