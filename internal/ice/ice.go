// Package ice implements the ICE-Lite subset of RFC 5245: host candidates
// only, no local connectivity checks, and the selected pair for a stream
// is learned passively from an incoming STUN USE-CANDIDATE signal rather
// than driven by the agent itself.
package ice

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"
)

// Component identifies which half of a media stream a candidate belongs to.
type Component uint16

const (
	// ComponentRTP is the RTP component of a stream.
	ComponentRTP Component = 1
	// ComponentRTCP is the RTCP component of a stream.
	ComponentRTCP Component = 2
)

// Proto is the transport protocol a candidate is reachable over.
type Proto string

const (
	ProtoUDP Proto = "udp"
	ProtoTCP Proto = "tcp"
)

// CandidateType classifies how a candidate was obtained. This agent only
// ever gathers Host candidates; the other types exist so offered remote
// candidates of any type can be represented and round-tripped.
type CandidateType string

const (
	CandidateHost  CandidateType = "host"
	CandidateSrflx CandidateType = "srflx"
	CandidatePrflx CandidateType = "prflx"
	CandidateRelay CandidateType = "relay"
)

// Candidate is a single ICE transport address advertised or gathered for a
// stream/component.
type Candidate struct {
	IP          net.IP
	Port        int
	Proto       Proto
	Foundation  string
	ComponentID Component
	Priority    uint32
	Type        CandidateType
	RelAddr     net.IP
	RelPort     int
}

// String renders the candidate as an SDP "a=candidate:" attribute value
// (without the "candidate:" prefix), e.g.
// "deadbeef 1 udp 2130706431 10.0.0.5 6000 typ host".
func (c Candidate) String() string {
	s := fmt.Sprintf("%s %d %s %d %s %d typ %s",
		c.Foundation, c.ComponentID, c.Proto, c.Priority, c.IP.String(), c.Port, c.Type)
	if c.RelAddr != nil {
		s += fmt.Sprintf(" raddr %s rport %d", c.RelAddr.String(), c.RelPort)
	}
	return s
}

// priority reproduces RFC 5245's arithmetic shape: type preference 126
// (host), local preference 65535 (single interface, no multihoming), and a
// component offset that keeps the RTP candidate's priority fractionally
// higher than its RTCP sibling's.
func priority(componentID Component) uint32 {
	return uint32(1<<24)*126 + uint32(1<<8)*65535 + uint32(256-int(componentID))
}

// CandidatePair is a local candidate matched against a peer (remote)
// candidate for the same component.
type CandidatePair struct {
	Local Candidate
	Peer  Candidate
}

type streamState int

const (
	streamRunning streamState = iota
	streamCompleted
)

type stream struct {
	id              string
	state           streamState
	localCandidates map[Component][]Candidate
	offerCandidates map[Component][]Candidate
	validList       map[Component][]CandidatePair
}

func newStream(id string) *stream {
	return &stream{
		id:              id,
		state:           streamRunning,
		localCandidates: make(map[Component][]Candidate),
		offerCandidates: make(map[Component][]Candidate),
		validList:       make(map[Component][]CandidatePair),
	}
}

// completed reports whether every component required for the stream
// (RTP and RTCP) has at least one validated pair.
func (s *stream) completed() bool {
	return len(s.validList[ComponentRTP]) > 0 && len(s.validList[ComponentRTCP]) > 0
}

// Handler is notified once a stream's selected pair is known. It is called
// once per completed component per stream (so twice per stream: once for
// RTP, once for RTCP).
type Handler interface {
	HandleICECandidate(streamID string, componentID Component, remote Candidate)
}

// PortAllocator hands out UDP ports for gathered host candidates from a
// single process-wide monotonic counter. It is an explicit dependency
// (per the design notes on global mutable state) rather than an ambient
// singleton, so tests can supply an isolated instance.
type PortAllocator struct {
	mu   sync.Mutex
	next int
}

// NewPortAllocator creates an allocator that hands out ports starting at start.
func NewPortAllocator(start int) *PortAllocator {
	return &PortAllocator{next: start}
}

// Next returns the next port and advances the counter.
func (p *PortAllocator) Next() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	port := p.next
	p.next++
	return port
}

// localInterfaceFunc resolves the host's first non-loopback IPv4 address.
// Overridable in tests.
type localInterfaceFunc func() (net.IP, error)

func defaultLocalInterface() (net.IP, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			return v4, nil
		}
	}
	return nil, fmt.Errorf("no usable ipv4 interface found")
}

// Agent is a per-session ICE-Lite agent: a map of streams, each with
// per-component local/offered candidate lists and validated pairs.
type Agent struct {
	mu        sync.Mutex
	streams   map[string]*stream
	completed bool

	handler     Handler
	ports       *PortAllocator
	localIface  localInterfaceFunc
	logger      *slog.Logger
}

// NewAgent creates an agent that allocates host candidate ports from ports
// and reports completed streams to handler.
func NewAgent(handler Handler, ports *PortAllocator, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		streams:    make(map[string]*stream),
		handler:    handler,
		ports:      ports,
		localIface: defaultLocalInterface,
		logger:     logger.With("subsystem", "ice"),
	}
}

// AddStream creates a new stream tracked by this agent and returns its id.
func (a *Agent) AddStream() string {
	id := uuid.New().String()
	a.mu.Lock()
	a.streams[id] = newStream(id)
	a.mu.Unlock()
	return id
}

// AddOfferCandidate records a remote candidate offered for streamID/componentID.
func (a *Agent) AddOfferCandidate(streamID string, componentID Component, c Candidate) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.streams[streamID]
	if !ok {
		return
	}
	s.offerCandidates[componentID] = append(s.offerCandidates[componentID], c)
}

// GatherCandidates obtains the host's first non-loopback IPv4 address and
// the next port from the allocator, builds a Host candidate for
// streamID/componentID, and appends it to the stream's local candidates.
// If no usable IPv4 interface is found this is a no-op: the stream never
// completes and no media session is created for it.
func (a *Agent) GatherCandidates(streamID string, componentID Component) {
	ip, err := a.localIface()
	if err != nil {
		a.logger.Warn("no usable ipv4 interface, candidate gathering skipped",
			"stream_id", streamID, "component_id", componentID, "error", err)
		return
	}

	port := a.ports.Next()

	c := Candidate{
		IP:          ip,
		Port:        port,
		Proto:       ProtoUDP,
		Foundation:  "deadbeef",
		ComponentID: componentID,
		Priority:    priority(componentID),
		Type:        CandidateHost,
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.streams[streamID]
	if !ok {
		return
	}
	s.localCandidates[componentID] = append(s.localCandidates[componentID], c)
}

// GetStreamCandidates returns the local candidates gathered for
// streamID/componentID.
func (a *Agent) GetStreamCandidates(streamID string, componentID Component) []Candidate {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.streams[streamID]
	if !ok {
		return nil
	}
	return append([]Candidate(nil), s.localCandidates[componentID]...)
}

// AddPairCandidate matches a local candidate (identified by localPort) and
// a remote offered candidate (identified by remotePort) for
// streamID/componentID and, if both are found, validates the pair. Once the
// stream has at least one validated pair for both components, it is marked
// Completed and the registered handler is invoked once per component with
// the peer candidate of that component's first validated pair.
func (a *Agent) AddPairCandidate(streamID string, componentID Component, localPort, remotePort int) {
	a.mu.Lock()

	s, ok := a.streams[streamID]
	if !ok {
		a.mu.Unlock()
		return
	}

	var local, peer *Candidate
	for i, c := range s.localCandidates[componentID] {
		if c.Port == localPort {
			local = &s.localCandidates[componentID][i]
			break
		}
	}
	for i, c := range s.offerCandidates[componentID] {
		if c.Port == remotePort {
			peer = &s.offerCandidates[componentID][i]
			break
		}
	}
	if local == nil || peer == nil {
		a.mu.Unlock()
		return
	}

	wasCompleted := s.completed()

	s.validList[componentID] = append(s.validList[componentID], CandidatePair{
		Local: *local,
		Peer:  *peer,
	})

	justCompleted := !wasCompleted && s.completed()
	if s.completed() {
		s.state = streamCompleted
	}

	var callbacks []func()
	if s.state == streamCompleted && justCompleted {
		for _, cid := range []Component{ComponentRTP, ComponentRTCP} {
			pairs := s.validList[cid]
			if len(pairs) == 0 {
				continue
			}
			remote := pairs[0].Peer
			cid := cid
			callbacks = append(callbacks, func() {
				if a.handler != nil {
					a.handler.HandleICECandidate(streamID, cid, remote)
				} else {
					a.logger.Info("undelivered ice completion event, no handler set", "stream_id", streamID)
				}
			})
		}
	}

	a.mu.Unlock()

	// Invoke callbacks outside the lock: the handler contract forbids
	// re-entering the agent's lock from within the callback.
	for _, cb := range callbacks {
		cb()
	}
}

// SetICEComplete recomputes the agent's overall completion flag from its
// streams' states. It has no side effects beyond bookkeeping; per-stream
// completion already triggered the handler from AddPairCandidate.
func (a *Agent) SetICEComplete() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range a.streams {
		if s.state != streamCompleted {
			a.completed = false
			return
		}
	}
	a.completed = true
}

// Completed reports whether every stream on this agent has completed.
func (a *Agent) Completed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.completed
}
