package conference

import (
	"testing"

	"github.com/tiagolam/confmixer/internal/ice"
	"github.com/tiagolam/confmixer/internal/member"
	"github.com/tiagolam/confmixer/internal/sdp"
)

const testOfferText = "v=0\r\n" +
	"o=x 1 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"c=IN IP4 127.0.0.1\r\n" +
	"t=0 0\r\n" +
	"m=audio 5000 RTP/AVP 111\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"a=sendrecv\r\n"

func testOfferSDP(t *testing.T) *sdp.SessionDescription {
	t.Helper()
	d, err := sdp.Parse([]byte(testOfferText))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return d
}

func testCodecFactory() (member.Codec, error) {
	return fakeCodec{}, nil
}

func TestRegistryGetOrCreateReturnsSameConference(t *testing.T) {
	r := NewRegistry(ice.NewPortAllocator(7000), testCodecFactory, nil)

	c1 := r.GetOrCreate("room-1")
	c2 := r.GetOrCreate("room-1")
	if c1 != c2 {
		t.Error("GetOrCreate returned different conferences for the same id")
	}

	if _, ok := r.Get("room-1"); !ok {
		t.Error("Get did not find the conference created by GetOrCreate")
	}
	if _, ok := r.Get("missing"); ok {
		t.Error("Get found a conference that was never created")
	}
}

func TestConferenceAddMemberFirstBecomesBaseSDP(t *testing.T) {
	r := NewRegistry(ice.NewPortAllocator(7100), testCodecFactory, nil)
	c := r.GetOrCreate("room-2")

	m1, err := c.AddMember(testOfferSDP(t))
	if err != nil {
		t.Fatalf("AddMember (first): %v", err)
	}
	if m1.AnswerSDP() == nil {
		t.Fatal("expected first member to have a negotiated answer")
	}

	c.mu.RLock()
	base := c.baseSDP
	c.mu.RUnlock()
	if base == nil {
		t.Fatal("expected the conference to have adopted the first member's answer as its base SDP")
	}

	m2, err := c.AddMember(testOfferSDP(t))
	if err != nil {
		t.Fatalf("AddMember (second): %v", err)
	}
	if m2.ID == m1.ID {
		t.Fatal("expected distinct member ids")
	}

	if got, ok := c.GetMember(m1.ID); !ok || got != m1 {
		t.Errorf("GetMember(%q) = %v, %v; want %v, true", m1.ID, got, ok, m1)
	}
	if _, ok := c.GetMember("nonexistent"); ok {
		t.Error("GetMember found a member that was never added")
	}
}

func TestConferenceAddMemberStartsEngineOnce(t *testing.T) {
	r := NewRegistry(ice.NewPortAllocator(7200), testCodecFactory, nil)
	c := r.GetOrCreate("room-3")

	if _, err := c.AddMember(testOfferSDP(t)); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	c.mu.RLock()
	started := c.engineStarted
	c.mu.RUnlock()
	if !started {
		t.Fatal("expected engine to be marked started after first member joins")
	}

	if _, err := c.AddMember(testOfferSDP(t)); err != nil {
		t.Fatalf("AddMember (second): %v", err)
	}
}
