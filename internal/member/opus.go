package member

import (
	"fmt"
	"sync"

	"github.com/hraban/opus"
)

const (
	opusSampleRate      = 48000
	opusChannels        = 2
	samplesPerFrame     = 960                            // per channel, 20ms @ 48kHz
	pcmSamplesPerFrame  = samplesPerFrame * opusChannels  // 1920 int16 samples
	pcmFrameBytes       = pcmSamplesPerFrame * 2          // 3840 bytes
	maxEncodedFrameSize = 1920

	// PCMFrameBytes is the size, in bytes, of one 20ms stereo s16 LE PCM
	// frame (960 samples * 2 channels * 2 bytes). The conference engine
	// mixes exactly this many bytes per member per tick.
	PCMFrameBytes = pcmFrameBytes
)

// Codec decodes/encodes one 20ms stereo frame at a time. It is an
// interface so the pipeline can be exercised in tests without linking the
// real cgo-backed Opus implementation.
type Codec interface {
	Decode(payload []byte) ([]int16, error)
	Encode(pcm []int16) ([]byte, error)
}

// opusCodec adapts github.com/hraban/opus to Codec. The underlying
// encoder/decoder are not safe for concurrent use; a mutex serializes
// calls, matching the single reader/single writer goroutine shape of the
// audio pipeline that owns this codec.
type opusCodec struct {
	mu  sync.Mutex
	dec *opus.Decoder
	enc *opus.Encoder
}

// NewCodec constructs a 48kHz stereo Opus codec (application=audio, per
// spec.md §6).
func NewCodec() (Codec, error) {
	dec, err := opus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("opus decoder: %w", err)
	}
	enc, err := opus.NewEncoder(opusSampleRate, opusChannels, opus.AppAudio)
	if err != nil {
		return nil, fmt.Errorf("opus encoder: %w", err)
	}
	return &opusCodec{dec: dec, enc: enc}, nil
}

func (c *opusCodec) Decode(payload []byte) ([]int16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pcm := make([]int16, pcmSamplesPerFrame)
	n, err := c.dec.Decode(payload, pcm)
	if err != nil {
		return nil, err
	}
	return pcm[:n*opusChannels], nil
}

func (c *opusCodec) Encode(pcm []int16) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data := make([]byte, maxEncodedFrameSize)
	n, err := c.enc.Encode(pcm, data)
	if err != nil {
		return nil, err
	}
	return data[:n], nil
}
