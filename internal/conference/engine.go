package conference

import (
	"encoding/binary"
	"time"

	"github.com/tiagolam/confmixer/internal/member"
)

// runEngine mixes every member's incoming audio for every other member,
// once per engineTick. It returns only if c.stopCh is closed; nothing in
// this package closes it, so the engine runs for the life of the process.
func (c *Conference) runEngine() {
	ticker := time.NewTicker(engineTick)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
		}
		c.mixTick()
	}
}

// mixTick implements §4.6's per-tick mix: for each target member, sum
// every other member's available 20ms frame into one accumulator and
// hand it to the target's writer. Unlike the original byte-wise wrapping
// addition, accumulation happens in the i16 sample domain with int32
// headroom and saturation on the way back to bytes (§9's flagged fix).
func (c *Conference) mixTick() {
	c.mu.RLock()
	members := make([]*member.Member, 0, len(c.members))
	for _, m := range c.members {
		members = append(members, m)
	}
	c.mu.RUnlock()

	if len(members) < 2 {
		return
	}

	const samplesPerFrame = member.PCMFrameBytes / 2

	for _, target := range members {
		acc := make([]int32, samplesPerFrame)
		mixed := false

		for _, source := range members {
			if source.ID == target.ID {
				continue
			}
			payload, ok := source.GetReadPayload()
			if !ok {
				continue
			}
			mixed = true
			addSamples(acc, payload)
		}

		if !mixed {
			continue
		}
		target.SetWritePayload(saturateToBytes(acc))
	}
}

func addSamples(acc []int32, payload []byte) {
	for i := range acc {
		s := int16(binary.LittleEndian.Uint16(payload[i*2:]))
		acc[i] += int32(s)
	}
}

func saturateToBytes(acc []int32) []byte {
	const maxS16 = int32(1<<15 - 1)
	const minS16 = -int32(1 << 15)

	out := make([]byte, len(acc)*2)
	for i, v := range acc {
		switch {
		case v > maxS16:
			v = maxS16
		case v < minS16:
			v = minS16
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}
