package ice

import (
	"net"
	"testing"
)

func singleInterface(ip string) localInterfaceFunc {
	return func() (net.IP, error) {
		return net.ParseIP(ip), nil
	}
}

type recordingHandler struct {
	calls []struct {
		streamID    string
		componentID Component
		remote      Candidate
	}
}

func (h *recordingHandler) HandleICECandidate(streamID string, componentID Component, remote Candidate) {
	h.calls = append(h.calls, struct {
		streamID    string
		componentID Component
		remote      Candidate
	}{streamID, componentID, remote})
}

func TestPriorityFormula(t *testing.T) {
	for _, c := range []Component{ComponentRTP, ComponentRTCP} {
		want := uint32(1<<24)*126 + uint32(1<<8)*65535 + uint32(256-int(c))
		if got := priority(c); got != want {
			t.Errorf("priority(%d) = %d, want %d", c, got, want)
		}
	}
}

func TestGatherCandidatesPortSequence(t *testing.T) {
	// Scenario E: one IPv4 interface, counter base 6000.
	h := &recordingHandler{}
	ports := NewPortAllocator(6000)
	a := NewAgent(h, ports, nil)
	a.localIface = singleInterface("10.0.0.5")

	s1 := a.AddStream()
	a.GatherCandidates(s1, ComponentRTP)
	a.GatherCandidates(s1, ComponentRTCP)

	rtp := a.GetStreamCandidates(s1, ComponentRTP)
	rtcp := a.GetStreamCandidates(s1, ComponentRTCP)
	if len(rtp) != 1 || rtp[0].Port != 6000 {
		t.Fatalf("rtp candidate = %+v, want port 6000", rtp)
	}
	if len(rtcp) != 1 || rtcp[0].Port != 6001 {
		t.Fatalf("rtcp candidate = %+v, want port 6001", rtcp)
	}

	s2 := a.AddStream()
	a.GatherCandidates(s2, ComponentRTP)
	next := a.GetStreamCandidates(s2, ComponentRTP)
	if len(next) != 1 || next[0].Port != 6002 {
		t.Fatalf("next stream candidate = %+v, want port 6002", next)
	}
}

func TestGatherCandidatesNoInterfaceIsNoOp(t *testing.T) {
	h := &recordingHandler{}
	a := NewAgent(h, NewPortAllocator(6000), nil)
	a.localIface = func() (net.IP, error) { return nil, errNoInterface }

	s := a.AddStream()
	a.GatherCandidates(s, ComponentRTP)

	if got := a.GetStreamCandidates(s, ComponentRTP); len(got) != 0 {
		t.Fatalf("expected no candidates gathered, got %+v", got)
	}
}

var errNoInterface = &net.AddrError{Err: "no usable ipv4 interface", Addr: ""}

func TestAddPairCandidateCompletesOnBothComponents(t *testing.T) {
	// Scenario F: the handler fires only once both components 1 and 2
	// have a validated pair, once per component.
	h := &recordingHandler{}
	a := NewAgent(h, NewPortAllocator(6000), nil)
	a.localIface = singleInterface("10.0.0.5")

	streamID := a.AddStream()
	a.GatherCandidates(streamID, ComponentRTP)
	a.GatherCandidates(streamID, ComponentRTCP)

	remoteRTP := Candidate{IP: net.ParseIP("192.168.1.1"), Port: 20000, ComponentID: ComponentRTP}
	remoteRTCP := Candidate{IP: net.ParseIP("192.168.1.1"), Port: 20001, ComponentID: ComponentRTCP}
	a.AddOfferCandidate(streamID, ComponentRTP, remoteRTP)
	a.AddOfferCandidate(streamID, ComponentRTCP, remoteRTCP)

	a.AddPairCandidate(streamID, ComponentRTP, 6000, 20000)
	if len(h.calls) != 0 {
		t.Fatalf("handler fired after only one component validated: %+v", h.calls)
	}

	a.AddPairCandidate(streamID, ComponentRTCP, 6001, 20001)
	if len(h.calls) != 2 {
		t.Fatalf("expected 2 callbacks (one per component), got %d: %+v", len(h.calls), h.calls)
	}

	seen := map[Component]bool{}
	for _, call := range h.calls {
		if call.streamID != streamID {
			t.Errorf("callback stream id = %q, want %q", call.streamID, streamID)
		}
		seen[call.componentID] = true
	}
	if !seen[ComponentRTP] || !seen[ComponentRTCP] {
		t.Fatalf("expected one callback per component, got %+v", h.calls)
	}
}

func TestAddPairCandidateUnknownPortIsNoOp(t *testing.T) {
	h := &recordingHandler{}
	a := NewAgent(h, NewPortAllocator(6000), nil)
	a.localIface = singleInterface("10.0.0.5")

	streamID := a.AddStream()
	a.GatherCandidates(streamID, ComponentRTP)
	a.AddPairCandidate(streamID, ComponentRTP, 9999, 9999)

	if len(h.calls) != 0 {
		t.Fatalf("expected no callback for unmatched ports, got %+v", h.calls)
	}
}
