package pacer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueuePreservesOrder(t *testing.T) {
	p := New(1<<20, 1<<20) // generous rate so ordering, not throttling, is under test
	defer p.Close()

	var mu sync.Mutex
	var got []int
	var wg sync.WaitGroup
	wg.Add(5)

	for i := 0; i < 5; i++ {
		i := i
		p.Enqueue(Packet{Size: 100, Send: func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			wg.Done()
		}})
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("packets never drained")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 5)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestSetRateLiftsThrottle(t *testing.T) {
	p := New(1, 1) // ~1 byte/sec, burst 1: the first packet uses the whole burst
	defer p.Close()

	var mu sync.Mutex
	var times []time.Time

	p.Enqueue(Packet{Size: 1, Send: func() {
		mu.Lock()
		times = append(times, time.Now())
		mu.Unlock()
	}})
	time.Sleep(50 * time.Millisecond)
	p.SetRate(1000, 1000) // lift the limit so the second packet drains promptly
	p.Enqueue(Packet{Size: 1, Send: func() {
		mu.Lock()
		times = append(times, time.Now())
		mu.Unlock()
	}})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(times) == 2
	}, 500*time.Millisecond, 10*time.Millisecond) // ~1s at the old rate
}
