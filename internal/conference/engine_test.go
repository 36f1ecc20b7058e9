package conference

import (
	"encoding/binary"
	"testing"

	"github.com/tiagolam/confmixer/internal/member"
)

func samplesToPayload(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func TestAddSamplesAccumulatesAcrossSources(t *testing.T) {
	n := member.PCMFrameBytes / 2
	acc := make([]int32, n)

	a := make([]int16, n)
	b := make([]int16, n)
	a[0], b[0] = 100, 250
	addSamples(acc, samplesToPayload(a))
	addSamples(acc, samplesToPayload(b))

	if acc[0] != 350 {
		t.Errorf("acc[0] = %d, want 350", acc[0])
	}
	for i := 1; i < n; i++ {
		if acc[i] != 0 {
			t.Fatalf("acc[%d] = %d, want 0", i, acc[i])
		}
	}
}

// §9: mixing must saturate in the i16 domain, not wrap per byte.
func TestSaturateToBytesClipsOverflow(t *testing.T) {
	acc := []int32{40000, -40000, 0}
	out := saturateToBytes(acc)

	got0 := int16(binary.LittleEndian.Uint16(out[0:]))
	got1 := int16(binary.LittleEndian.Uint16(out[2:]))
	got2 := int16(binary.LittleEndian.Uint16(out[4:]))

	if got0 != 32767 {
		t.Errorf("got0 = %d, want 32767 (clipped, not wrapped)", got0)
	}
	if got1 != -32768 {
		t.Errorf("got1 = %d, want -32768 (clipped, not wrapped)", got1)
	}
	if got2 != 0 {
		t.Errorf("got2 = %d, want 0", got2)
	}
}

func TestSaturateToBytesRoundTripsInRange(t *testing.T) {
	acc := []int32{1234, -1234}
	out := saturateToBytes(acc)
	if got := int16(binary.LittleEndian.Uint16(out[0:])); got != 1234 {
		t.Errorf("got = %d, want 1234", got)
	}
	if got := int16(binary.LittleEndian.Uint16(out[2:])); got != -1234 {
		t.Errorf("got = %d, want -1234", got)
	}
}

type fakeCodec struct{}

func (fakeCodec) Decode(payload []byte) ([]int16, error) { return nil, nil }
func (fakeCodec) Encode(pcm []int16) ([]byte, error)     { return nil, nil }

func newUnboundMember(t *testing.T) *member.Member {
	t.Helper()
	offer := testOfferSDP(t)
	return member.New(offer, nil, fakeCodec{}, nil)
}

// Property 5 (partial, structural): with nothing decoded yet, a tick does
// not panic or block and leaves the members' read queues empty. The write
// queues are not visible from this package and are not checked here.
func TestMixTickNoopWhenNoAudioAvailable(t *testing.T) {
	c := newConference("c1", nil, func() (member.Codec, error) { return fakeCodec{}, nil }, nil)
	m1 := newUnboundMember(t)
	m2 := newUnboundMember(t)
	c.members[m1.ID] = m1
	c.members[m2.ID] = m2

	c.mixTick() // must not panic and must not block

	if _, ok := m1.GetReadPayload(); ok {
		t.Error("expected no payload to have materialized from an empty mix")
	}
}

func TestMixTickNoopWithFewerThanTwoMembers(t *testing.T) {
	c := newConference("c1", nil, func() (member.Codec, error) { return fakeCodec{}, nil }, nil)
	m1 := newUnboundMember(t)
	c.members[m1.ID] = m1

	c.mixTick() // single member: no peers to mix in, must not panic
}
