// Package gather collects the local endpoints a Connection might be
// reachable at: host addresses, a server-reflexive address learned from a
// STUN server, and (if configured) a relayed address. Results stream out as
// they become available rather than as one batch, so the P2P connectivity
// check can start probing host candidates before the STUN round trip
// completes.
package gather

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pion/stun/v3"
	"github.com/pkg/errors"

	"github.com/lanthing-oss/rtc2/address"
	"github.com/lanthing-oss/rtc2/internal/logging"
	"github.com/lanthing-oss/rtc2/netio"
)

var log = logging.DefaultLogger.WithTag("gather")

// Type classifies an EndpointInfo by how it was discovered.
type Type int

const (
	Unknown Type = iota
	Host
	ServerReflexive
	Relay
	PeerReflexive
)

func (t Type) String() string {
	switch t {
	case Host:
		return "host"
	case ServerReflexive:
		return "srflx"
	case Relay:
		return "relay"
	case PeerReflexive:
		return "prflx"
	default:
		return "unknown"
	}
}

func parseType(s string) Type {
	switch s {
	case "host":
		return Host
	case "srflx":
		return ServerReflexive
	case "relay":
		return Relay
	case "prflx":
		return PeerReflexive
	default:
		return Unknown
	}
}

// EndpointInfo is a single candidate reachable address, tagged with how it
// was discovered.
type EndpointInfo struct {
	Type    Type
	Address address.Address
}

// Encode renders the signaling wire form "type <tag> addr <host:port>".
func (e EndpointInfo) Encode() string {
	return fmt.Sprintf("type %s addr %s", e.Type, e.Address)
}

// Decode parses the wire form produced by Encode. It is the symmetric
// inverse: Decode(e.Encode()) == e.
func Decode(s string) (EndpointInfo, error) {
	fields := strings.Fields(s)
	var typTok, addrTok string
	for i := 0; i+1 < len(fields); i += 2 {
		switch fields[i] {
		case "type":
			typTok = fields[i+1]
		case "addr":
			addrTok = fields[i+1]
		}
	}
	if typTok == "" || addrTok == "" {
		return EndpointInfo{}, errors.Errorf("gather: malformed endpoint info %q", s)
	}
	addr, err := address.Parse(addrTok)
	if err != nil {
		return EndpointInfo{}, errors.Wrapf(err, "gather: endpoint info %q", s)
	}
	return EndpointInfo{Type: parseType(typTok), Address: addr}, nil
}

const (
	stunRetransmitInterval = 500 * time.Millisecond
	stunMaxRetransmits     = 3
	stunShortTermPassword  = "" // gathering requests carry no long-term credential
)

// Params configures a Gatherer. Socket is the one UDP socket the owning
// Connection binds; gathering never opens sockets of its own.
type Params struct {
	Socket      *netio.Socket
	StunServer  address.Address // zero value: skip server-reflexive pass
	RelayServer address.Address // zero value: skip relay pass
	RelayUser   string
	RelayPass   string
	OnGathered  func(EndpointInfo)
}

// Gatherer runs the three-pass candidate collection described for this
// transport's gatherer component. All of its methods are expected to run on
// the owning Connection's network thread; there is no internal locking
// beyond what's needed for the retransmit timer.
type Gatherer struct {
	params Params

	mu      sync.Mutex
	pending map[[stun.TransactionIDSize]byte]*pendingRequest
}

type pendingRequest struct {
	dest    address.Address
	typ     Type
	tries   int
	timer   *time.Timer
}

// New constructs a Gatherer. It does not gather anything until Start is
// called.
func New(params Params) *Gatherer {
	return &Gatherer{
		params:  params,
		pending: make(map[[stun.TransactionIDSize]byte]*pendingRequest),
	}
}

// Start runs the host pass synchronously (it's local and instantaneous) and
// kicks off the server-reflexive and relay passes, which complete
// asynchronously as their STUN round trips resolve.
func (g *Gatherer) Start() error {
	if err := g.gatherHost(); err != nil {
		return err
	}
	if g.params.StunServer.IsValid() {
		if err := g.sendBindingRequest(g.params.StunServer, ServerReflexive); err != nil {
			return errors.Wrap(err, "gather: srflx request")
		}
	}
	if g.params.RelayServer.IsValid() {
		if err := g.sendBindingRequest(g.params.RelayServer, Relay); err != nil {
			return errors.Wrap(err, "gather: relay request")
		}
	}
	return nil
}

func (g *Gatherer) gatherHost() error {
	ifaces, err := net.InterfaceAddrs()
	if err != nil {
		return errors.Wrap(err, "gather: enumerate interfaces")
	}
	port := g.params.Socket.Port()
	for _, ifaceAddr := range ifaces {
		ipNet, ok := ifaceAddr.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipNet.IP.To4()
		if ip == nil {
			// Only IPv4 host candidates are gathered, matching this
			// transport's v4-only relay/NAT assumptions.
			continue
		}
		a, ok := address.FromNetIP(ip, port)
		if !ok || a.IsLoopback() || a.IsLinkLocal() {
			continue
		}
		info := EndpointInfo{Type: Host, Address: a}
		log.Debug("host candidate %s", info.Encode())
		g.emit(info)
	}
	return nil
}

func (g *Gatherer) sendBindingRequest(dest address.Address, typ Type) error {
	msg, err := stun.Build(stun.TransactionID, stun.BindingRequest, stun.Fingerprint)
	if err != nil {
		return errors.Wrap(err, "gather: build binding request")
	}

	req := &pendingRequest{dest: dest, typ: typ}
	g.mu.Lock()
	g.pending[msg.TransactionID] = req
	g.mu.Unlock()

	req.timer = time.AfterFunc(stunRetransmitInterval, func() { g.retransmit(msg.TransactionID, msg.Raw) })
	return g.params.Socket.SendTo(msg.Raw, dest)
}

func (g *Gatherer) retransmit(txID [stun.TransactionIDSize]byte, raw []byte) {
	g.mu.Lock()
	req, ok := g.pending[txID]
	if !ok {
		g.mu.Unlock()
		return
	}
	req.tries++
	if req.tries > stunMaxRetransmits {
		delete(g.pending, txID)
		g.mu.Unlock()
		log.Warn("%s candidate request to %s timed out", req.typ, req.dest)
		return
	}
	dest := req.dest
	g.mu.Unlock()

	if err := g.params.Socket.SendTo(raw, dest); err != nil {
		log.Warn("retransmit to %s failed: %v", dest, err)
		return
	}
	req.timer = time.AfterFunc(stunRetransmitInterval, func() { g.retransmit(txID, raw) })
}

// HandlePacket is offered every inbound datagram by the demux layer before
// it tries any other component. It returns true if the packet was a STUN
// response matching a pending gathering request (and so was consumed).
func (g *Gatherer) HandlePacket(pkt []byte, from address.Address) bool {
	if !stun.IsMessage(pkt) {
		return false
	}
	m := &stun.Message{Raw: append([]byte(nil), pkt...)}
	if err := m.Decode(); err != nil {
		return false
	}
	if m.Type.Class != stun.ClassSuccessResponse && m.Type.Class != stun.ClassErrorResponse {
		return false
	}

	g.mu.Lock()
	req, ok := g.pending[m.TransactionID]
	if ok {
		if req.timer != nil {
			req.timer.Stop()
		}
		delete(g.pending, m.TransactionID)
	}
	g.mu.Unlock()
	if !ok {
		return false
	}

	if m.Type.Class == stun.ClassErrorResponse {
		log.Warn("%s candidate request to %s refused", req.typ, from)
		return true
	}

	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(m); err != nil {
		log.Warn("%s response from %s missing XOR-MAPPED-ADDRESS: %v", req.typ, from, err)
		return true
	}
	mapped, ok := address.FromNetIP(xorAddr.IP, uint16(xorAddr.Port))
	if !ok {
		return true
	}
	g.emit(EndpointInfo{Type: req.typ, Address: mapped})
	return true
}

func (g *Gatherer) emit(info EndpointInfo) {
	if g.params.OnGathered != nil {
		g.params.OnGathered(info)
	}
}

// Stop cancels every outstanding retransmit timer, e.g. during Connection
// teardown.
func (g *Gatherer) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, req := range g.pending {
		if req.timer != nil {
			req.timer.Stop()
		}
	}
}
