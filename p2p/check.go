// Package p2p runs the connectivity check that decides which of the
// gathered local/remote candidate pairs the session actually talks over.
// Unlike full ICE, there is no component/foundation grouping and no
// renomination: the first pair to prove bidirectional reachability wins and
// every later candidate is ignored.
package p2p

import (
	"sync"
	"time"

	"github.com/pion/stun/v3"

	"github.com/lanthing-oss/rtc2/address"
	"github.com/lanthing-oss/rtc2/gather"
	"github.com/lanthing-oss/rtc2/internal/logging"
	"github.com/lanthing-oss/rtc2/netio"
)

var log = logging.DefaultLogger.WithTag("p2p")

const retransmitInterval = 50 * time.Millisecond

// Pair is a candidate pair under test.
type Pair struct {
	Local  gather.EndpointInfo
	Remote gather.EndpointInfo
}

type pairState struct {
	pair             Pair
	receivedRequest  bool
	receivedResponse bool
	timer            *time.Timer
	startedAt        time.Time
}

func (s *pairState) connected() bool {
	return s.receivedRequest && s.receivedResponse
}

// Params configures a Check. It has no role field: unlike DTLS role
// selection, both sides run an identical symmetric check, so no
// tie-breaker is needed.
type Params struct {
	Socket       *netio.Socket
	Username     string
	Password     string
	OnNominated  func(local, remote address.Address, usedTime time.Duration)
}

// Check drives Binding Request/Response exchanges over every known
// candidate pair until one is nominated.
type Check struct {
	params Params

	mu         sync.Mutex
	pairs      map[[stun.TransactionIDSize]byte]*pairState
	byAddr     map[string]*pairState // keyed by remote.Address.String()
	nominated  bool
	startedAt  time.Time
}

// New constructs a Check. There is no separate start step: a pair is
// probed once AddPair registers it, and the usedTime reported on
// nomination is measured from when that pair was added or first heard from.
func New(params Params) *Check {
	return &Check{
		params:    params,
		pairs:     make(map[[stun.TransactionIDSize]byte]*pairState),
		byAddr:    make(map[string]*pairState),
		startedAt: time.Now(),
	}
}

// AddPair registers a new candidate pair and immediately sends its first
// Binding Request.
func (c *Check) AddPair(pair Pair) {
	c.mu.Lock()
	if c.nominated {
		c.mu.Unlock()
		return
	}
	key := pair.Remote.Address.String()
	if _, exists := c.byAddr[key]; exists {
		c.mu.Unlock()
		return
	}
	state := &pairState{pair: pair, startedAt: time.Now()}
	c.byAddr[key] = state
	c.mu.Unlock()

	c.sendRequest(state)
}

func (c *Check) sendRequest(state *pairState) {
	msg, err := stun.Build(stun.TransactionID, stun.BindingRequest,
		stun.NewUsername(c.params.Username),
		stun.NewShortTermIntegrity(c.params.Password),
		stun.Fingerprint,
	)
	if err != nil {
		log.Warn("build binding request: %v", err)
		return
	}

	c.mu.Lock()
	if c.nominated {
		c.mu.Unlock()
		return
	}
	c.pairs[msg.TransactionID] = state
	c.mu.Unlock()

	if err := c.params.Socket.SendTo(msg.Raw, state.pair.Remote.Address); err != nil {
		log.Warn("send binding request to %s: %v", state.pair.Remote.Address, err)
		return
	}

	state.timer = time.AfterFunc(retransmitInterval, func() {
		c.mu.Lock()
		done := c.nominated || state.connected()
		c.mu.Unlock()
		if done {
			return
		}
		c.sendRequest(state)
	})
}

// HandlePacket offers an inbound datagram to the check. It returns true if
// the packet was STUN traffic belonging to this check (a Binding Request
// from the peer, or a Binding Response to one of our own requests).
func (c *Check) HandlePacket(pkt []byte, from address.Address) bool {
	if !stun.IsMessage(pkt) {
		return false
	}
	m := &stun.Message{Raw: append([]byte(nil), pkt...)}
	if err := m.Decode(); err != nil {
		return false
	}

	switch m.Type.Class {
	case stun.ClassRequest:
		return c.handleBindingRequest(m, from)
	case stun.ClassSuccessResponse, stun.ClassErrorResponse:
		return c.handleBindingResponse(m)
	default:
		return false
	}
}

func (c *Check) handleBindingRequest(m *stun.Message, from address.Address) bool {
	integrity := stun.NewShortTermIntegrity(c.params.Password)
	if err := integrity.Check(m); err != nil {
		log.Warn("binding request from %s failed integrity check: %v", from, err)
		return true
	}

	resp, err := stun.Build(m, stun.BindingSuccess,
		&stun.XORMappedAddress{IP: from.IP().AsSlice(), Port: int(from.Port())},
		stun.NewShortTermIntegrity(c.params.Password),
		stun.Fingerprint,
	)
	if err != nil {
		log.Warn("build binding response: %v", err)
		return true
	}
	if err := c.params.Socket.SendTo(resp.Raw, from); err != nil {
		log.Warn("send binding response to %s: %v", from, err)
		return true
	}

	c.mu.Lock()
	state, ok := c.byAddr[from.String()]
	if !ok {
		state = &pairState{
			pair:      Pair{Remote: gather.EndpointInfo{Type: gather.PeerReflexive, Address: from}},
			startedAt: time.Now(),
		}
		c.byAddr[from.String()] = state
	}
	state.receivedRequest = true
	c.maybeNominate(state)
	c.mu.Unlock()
	return true
}

func (c *Check) handleBindingResponse(m *stun.Message) bool {
	c.mu.Lock()
	state, ok := c.pairs[m.TransactionID]
	if !ok {
		c.mu.Unlock()
		return false
	}
	delete(c.pairs, m.TransactionID)
	if state.timer != nil {
		state.timer.Stop()
	}
	if m.Type.Class == stun.ClassErrorResponse {
		c.mu.Unlock()
		log.Warn("binding request to %s refused", state.pair.Remote.Address)
		return true
	}
	state.receivedResponse = true
	c.maybeNominate(state)
	c.mu.Unlock()
	return true
}

// maybeNominate must be called with c.mu held.
func (c *Check) maybeNominate(state *pairState) {
	if c.nominated || !state.connected() {
		return
	}
	c.nominated = true
	usedTime := time.Since(state.startedAt)
	local := state.pair.Local.Address
	remote := state.pair.Remote.Address
	if c.params.OnNominated != nil {
		c.params.OnNominated(local, remote, usedTime)
	}
}

// Nominated reports whether a pair has already been chosen.
func (c *Check) Nominated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nominated
}

// Stop cancels every outstanding retransmit timer. Call it once the owning
// Connection tears down so pairState timers don't keep firing sendRequest
// against a socket that's about to close.
func (c *Check) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, state := range c.byAddr {
		if state.timer != nil {
			state.timer.Stop()
		}
	}
}
