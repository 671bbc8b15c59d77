// Package pacer smooths outbound packet bursts behind a token-bucket rate
// limit, so a stream's RTP sequence numbers are assigned in the same order
// packets actually hit the wire.
package pacer

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Packet is one unit of paced work: Send is invoked on the pacer's drain
// goroutine once the token budget admits it.
type Packet struct {
	Send func()
	Size int // bytes, consumed against the byte-rate limiter
}

// Pacer is a FIFO queue of Packets drained at a configurable rate. It does
// not reorder: packets enqueued by a single call to Enqueue are released in
// the order given, and packets from different streams interleave strictly
// in arrival order since there is one shared queue.
type Pacer struct {
	limiter *rate.Limiter

	mu     sync.Mutex
	queue  []Packet
	notify chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Pacer with the given initial rate (bytes/sec) and burst
// size. Use SetRate to adjust it later, e.g. from a congestion controller.
func New(bytesPerSecond, burst int) *Pacer {
	p := &Pacer{
		limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), burst),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.drainLoop(ctx)
	return p
}

// SetRate adjusts the token-bucket refill rate, e.g. in response to a
// bandwidth estimate update.
func (p *Pacer) SetRate(bytesPerSecond, burst int) {
	p.limiter.SetLimit(rate.Limit(bytesPerSecond))
	p.limiter.SetBurst(burst)
}

// Enqueue appends packets to the send queue in order.
func (p *Pacer) Enqueue(pkts ...Packet) {
	p.mu.Lock()
	p.queue = append(p.queue, pkts...)
	p.mu.Unlock()
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Close stops the drain goroutine. Queued packets are dropped.
func (p *Pacer) Close() {
	p.cancel()
	<-p.done
}

func (p *Pacer) drainLoop(ctx context.Context) {
	defer close(p.done)
	for {
		p.mu.Lock()
		var next *Packet
		if len(p.queue) > 0 {
			next = &p.queue[0]
		}
		p.mu.Unlock()

		if next == nil {
			select {
			case <-ctx.Done():
				return
			case <-p.notify:
				continue
			}
		}

		// A packet larger than the burst consumes the whole burst, since
		// WaitN rejects any n above it.
		cost := tokenCost(next.Size)
		if burst := p.limiter.Burst(); cost > burst {
			cost = burst
		}
		if err := p.limiter.WaitN(ctx, cost); err != nil {
			return // ctx cancelled
		}

		p.mu.Lock()
		if len(p.queue) > 0 {
			pkt := p.queue[0]
			p.queue = p.queue[1:]
			p.mu.Unlock()
			pkt.Send()
		} else {
			p.mu.Unlock()
		}
	}
}

// tokenCost floors at 1 so zero-length packets still consume a slot and
// can't starve the limiter's accounting.
func tokenCost(size int) int {
	if size < 1 {
		return 1
	}
	return size
}
