package reliable

import (
	"sync"
	"time"

	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pairedTransport wires two Channels back to back over direct function
// calls instead of a real socket, optionally dropping a fraction of frames
// to exercise retransmission.
type pairedTransport struct {
	mu       sync.Mutex
	peer     *Channel
	dropNth  int
	sentSeen int
}

func (t *pairedTransport) Send(data []byte) error {
	t.mu.Lock()
	t.sentSeen++
	drop := t.dropNth > 0 && t.sentSeen%t.dropNth == 0
	t.mu.Unlock()
	if drop {
		return nil
	}
	buf := append([]byte(nil), data...)
	go t.peer.Deliver(buf)
	return nil
}

func (t *pairedTransport) Recv(buf []byte) (int, error) {
	<-make(chan struct{}) // never used: Deliver is called directly
	return 0, nil
}

func TestSendMessageDeliversWholeMessage(t *testing.T) {
	var received [][]byte
	var mu sync.Mutex

	tA := &pairedTransport{}
	tB := &pairedTransport{}

	a := New(Params{Transport: tA})
	b := New(Params{Transport: tB, OnMessage: func(p []byte) {
		mu.Lock()
		received = append(received, p)
		mu.Unlock()
	}})
	defer a.Close()
	defer b.Close()

	tA.peer = b
	tB.peer = a

	require.NoError(t, a.SendMessage([]byte("hello")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []byte("hello"), received[0])
	mu.Unlock()
}

func TestSendMessageFragmentsLargePayload(t *testing.T) {
	var received [][]byte
	var mu sync.Mutex

	tA := &pairedTransport{}
	tB := &pairedTransport{}

	a := New(Params{Transport: tA, MTU: 64})
	b := New(Params{Transport: tB, OnMessage: func(p []byte) {
		mu.Lock()
		received = append(received, p)
		mu.Unlock()
	}})
	defer a.Close()
	defer b.Close()

	tA.peer = b
	tB.peer = a

	payload := make([]byte, 500)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, a.SendMessage(payload))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, payload, received[0])
	mu.Unlock()
}

func TestLostFragmentIsRetransmittedAndDelivered(t *testing.T) {
	var received [][]byte
	var mu sync.Mutex

	tA := &pairedTransport{dropNth: 2} // drop every second send from A, forcing a retransmit
	tB := &pairedTransport{}

	a := New(Params{Transport: tA})
	b := New(Params{Transport: tB, OnMessage: func(p []byte) {
		mu.Lock()
		received = append(received, p)
		mu.Unlock()
	}})
	defer a.Close()
	defer b.Close()

	tA.peer = b
	tB.peer = a

	require.NoError(t, a.SendMessage([]byte("message one")))
	require.NoError(t, a.SendMessage([]byte("message two")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	}, 2*time.Second, 10*time.Millisecond)
}
