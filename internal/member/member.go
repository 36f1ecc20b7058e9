package member

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tiagolam/confmixer/internal/ice"
	"github.com/tiagolam/confmixer/internal/media"
	"github.com/tiagolam/confmixer/internal/sdp"
)

// readerWarmupIterations and readerWarmupSleep delay the reader task's
// first read by up to 100 x 5ms, per §4.5's "initial warm-up" step. The
// writer task does not wait for the warm-up.
const (
	readerWarmupIterations = 100
	readerWarmupSleep      = 5 * time.Millisecond
	writerTick             = 10 * time.Millisecond
	readAnyTimeout         = 200 * time.Millisecond
)

// Member is one conference participant: its negotiated Session plus the
// PCM audio pipeline bridging its MediaSession(s) to the conference
// engine's mix (§4.5).
type Member struct {
	ID string

	session *Session
	codec   Codec
	logger  *slog.Logger

	rPayload *ringBuffer
	wPayload *ringBuffer

	templateMu   sync.Mutex
	template     media.RtpPkt
	haveTemplate bool
	seqCounter   uint16
	tsCounter    uint32

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Member from an SDP offer. It does not negotiate or bind
// media; call Bind to do that.
func New(offer *sdp.SessionDescription, ports *ice.PortAllocator, codec Codec, logger *slog.Logger) *Member {
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.New().String()
	return &Member{
		ID:       id,
		session:  NewSession(offer, ports, logger.With("member_id", id)),
		codec:    codec,
		logger:   logger.With("subsystem", "member", "member_id", id),
		rPayload: &ringBuffer{},
		wPayload: &ringBuffer{},
		stopCh:   make(chan struct{}),
	}
}

// Bind runs the Session's negotiation state machine (§4.4) against base
// (nil for the conference's first member) and starts the reader/writer
// tasks. It returns the negotiated answer SDP.
func (m *Member) Bind(base *sdp.SessionDescription) (*sdp.SessionDescription, error) {
	m.session.ProcessOffer()
	m.session.NegotiateWithBaseSDP(base)
	if err := m.session.ProcessAnswer(); err != nil {
		return nil, fmt.Errorf("binding media for member %s: %w", m.ID, err)
	}

	m.wg.Add(2)
	go m.readLoop()
	go m.writeLoop()

	return m.session.AnswerSDP(), nil
}

// AnswerSDP returns the negotiated answer SDP, or nil before Bind runs.
func (m *Member) AnswerSDP() *sdp.SessionDescription {
	return m.session.AnswerSDP()
}

// Close stops the reader/writer tasks and the underlying media sessions.
func (m *Member) Close() error {
	close(m.stopCh)
	m.wg.Wait()
	return m.session.Close()
}

// GetReadPayload pops the oldest pcmFrameBytes frame decoded from this
// member's incoming audio, for the conference engine to mix into peers'
// accumulators. It reports false if less than a full frame is queued.
func (m *Member) GetReadPayload() ([]byte, bool) {
	return m.rPayload.popFrame(pcmFrameBytes)
}

// SetWritePayload appends a mixed pcmFrameBytes frame destined for this
// member's writer task.
func (m *Member) SetWritePayload(frame []byte) {
	m.wPayload.append(frame)
}

func (m *Member) readLoop() {
	defer m.wg.Done()

	for i := 0; i < readerWarmupIterations; i++ {
		select {
		case <-m.stopCh:
			return
		case <-time.After(readerWarmupSleep):
		}
	}

	for {
		select {
		case <-m.stopCh:
			return
		default:
		}

		pkt, ok := m.session.ReadAny(readAnyTimeout)
		if !ok {
			continue
		}
		if len(pkt.Payload) == 0 {
			continue
		}

		pcm, err := m.codec.Decode(pkt.Payload)
		if err != nil {
			m.logger.Debug("opus decode failed", "error", err)
			continue
		}
		m.rPayload.append(pcmToBytes(pcm))

		m.templateMu.Lock()
		if !m.haveTemplate {
			m.template = pkt
			m.haveTemplate = true
		}
		m.templateMu.Unlock()
	}
}

func (m *Member) writeLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(writerTick)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
		}

		for {
			frame, ok := m.wPayload.popFrame(pcmFrameBytes)
			if !ok {
				break
			}
			m.encodeAndWrite(frame)
		}
	}
}

// encodeAndWrite is a no-op until the reader has observed a template
// packet (§4.5's skip policy): there is nothing yet to copy header
// continuity from.
func (m *Member) encodeAndWrite(frame []byte) {
	m.templateMu.Lock()
	if !m.haveTemplate {
		m.templateMu.Unlock()
		return
	}
	template := m.template
	m.seqCounter++
	m.tsCounter += uint32(samplesPerFrame)
	seq := template.SequenceNumber + m.seqCounter
	ts := template.Timestamp + m.tsCounter
	m.templateMu.Unlock()

	encoded, err := m.codec.Encode(bytesToPCM(frame))
	if err != nil {
		m.logger.Debug("opus encode failed", "error", err)
		return
	}

	out := media.RtpPkt{}
	out.Version = 2
	out.PayloadType = template.PayloadType
	out.SSRC = template.SSRC
	out.CSRC = template.CSRC
	out.SequenceNumber = seq
	out.Timestamp = ts
	out.Payload = encoded

	m.session.WriteAll(&out)
}

func pcmToBytes(pcm []int16) []byte {
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func bytesToPCM(data []byte) []int16 {
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out
}
