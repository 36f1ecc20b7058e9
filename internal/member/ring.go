package member

import "sync"

// ringBufferCap is the soft cap for both the read and write PCM queues:
// 192000 bytes, roughly 1 second of 48kHz stereo 16-bit audio.
const ringBufferCap = 192000

// ringBuffer is a mutex-guarded FIFO byte queue. Both r_payload and
// w_payload (§4.5) share this implementation: append grows the tail,
// popFrame consumes the head. The soft cap is only enforced as a side
// effect of popFrame, never by append, so an append that crosses the cap
// does not retroactively invalidate a frame waiting to be popped; once
// popped, a remainder still over cap is reset to empty rather than
// trimmed, per §4.5/§4.6's "drop to empty" policy.
type ringBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (r *ringBuffer) append(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = append(r.buf, data...)
}

func (r *ringBuffer) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}

// popFrame removes and returns the first n bytes, or reports false if
// fewer than n bytes are queued.
func (r *ringBuffer) popFrame(n int) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) < n {
		return nil, false
	}
	frame := append([]byte(nil), r.buf[:n]...)
	r.buf = r.buf[n:]
	if len(r.buf) > ringBufferCap {
		r.buf = r.buf[:0]
	}
	return frame, true
}
