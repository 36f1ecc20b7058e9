// Package member drives SDP/ICE negotiation for one conference participant
// and bridges its media session(s) to a PCM audio pipeline.
package member

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/tiagolam/confmixer/internal/ice"
	"github.com/tiagolam/confmixer/internal/media"
	"github.com/tiagolam/confmixer/internal/sdp"
)

// Session drives the SDP/ICE lifecycle for one member: process_offer,
// negotiate_with_base_sdp, process_answer, per §4.4. The k-th entry of
// streamIDs corresponds to the k-th m= line of both the offer and the
// answer; every later per-stream operation keys off this position.
type Session struct {
	mu sync.RWMutex

	offerSDP  *sdp.SessionDescription
	baseSDP   *sdp.SessionDescription
	answerSDP *sdp.SessionDescription

	agent         *ice.Agent
	streamIDs     []string
	mediaSessions map[string]*media.Session

	incoming chan media.RtpPkt
	stopCh   chan struct{}

	logger *slog.Logger
}

// NewSession creates a Session for offer, wiring a fresh ICE-Lite agent
// that allocates host candidate ports from ports.
func NewSession(offer *sdp.SessionDescription, ports *ice.PortAllocator, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		offerSDP:      offer,
		mediaSessions: make(map[string]*media.Session),
		incoming:      make(chan media.RtpPkt, 64),
		stopCh:        make(chan struct{}),
		logger:        logger.With("subsystem", "member"),
	}
	s.agent = ice.NewAgent(&sessionICEHandler{session: s}, ports, logger)
	return s
}

// sessionICEHandler implements ice.Handler: once the agent reports a stream
// completed (both components validated), it rebinds the matching
// MediaSession's outbound transport for each component.
type sessionICEHandler struct {
	session *Session
}

func (h *sessionICEHandler) HandleICECandidate(streamID string, componentID ice.Component, remote ice.Candidate) {
	h.session.mu.RLock()
	ms, ok := h.session.mediaSessions[streamID]
	h.session.mu.RUnlock()
	if !ok {
		h.session.logger.Info("no media session found for completed stream", "stream_id", streamID)
		return
	}

	addr := &net.UDPAddr{IP: remote.IP, Port: remote.Port}
	switch componentID {
	case ice.ComponentRTP:
		ms.ChangeTransport(addr)
	case ice.ComponentRTCP:
		ms.ChangeRTCPTransport(addr)
	}
}

// ProcessOffer adds one ICE stream per m= line of the offer, gathers host
// candidates for both components, and ingests any candidates the offer
// itself carried.
func (s *Session) ProcessOffer() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.offerSDP.Media {
		md := &s.offerSDP.Media[i]
		streamID := s.agent.AddStream()

		s.agent.GatherCandidates(streamID, ice.ComponentRTP)
		s.agent.GatherCandidates(streamID, ice.ComponentRTCP)

		s.streamIDs = append(s.streamIDs, streamID)

		for _, c := range md.Candidates {
			s.agent.AddOfferCandidate(streamID, c.ComponentID, c)
		}
	}
}

// NegotiateWithBaseSDP computes the answer from base (nil for the first
// member of a conference) and the offer.
func (s *Session) NegotiateWithBaseSDP(base *sdp.SessionDescription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baseSDP = base
	s.answerSDP = sdp.NegotiateWith(base, s.offerSDP)
}

// ProcessAnswer appends the gathered local candidates to each answer media
// line and, for each stream, binds a MediaSession to the gathered RTP/RTCP
// local candidate pair.
func (s *Session) ProcessAnswer() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.answerSDP.Media {
		if i >= len(s.streamIDs) {
			break // more answer media lines than offer streams: nothing to bind.
		}
		streamID := s.streamIDs[i]
		md := &s.answerSDP.Media[i]

		rtpCands := s.agent.GetStreamCandidates(streamID, ice.ComponentRTP)
		rtcpCands := s.agent.GetStreamCandidates(streamID, ice.ComponentRTCP)
		for _, c := range rtpCands {
			sdp.AppendCandidate(md, c)
		}
		for _, c := range rtcpCands {
			sdp.AppendCandidate(md, c)
		}

		if len(rtpCands) == 0 || len(rtcpCands) == 0 {
			s.logger.Warn("stream gathered no usable candidate, skipping media session",
				"stream_id", streamID, "rtp_candidates", len(rtpCands), "rtcp_candidates", len(rtcpCands))
			continue
		}

		rtpCand, rtcpCand := rtpCands[0], rtcpCands[0]

		rtpConn, err := media.BindUDP(rtpCand.IP, rtpCand.Port)
		if err != nil {
			return fmt.Errorf("binding rtp candidate for stream %s: %w", streamID, err)
		}
		rtcpConn, err := media.BindUDP(rtcpCand.IP, rtcpCand.Port)
		if err != nil {
			return fmt.Errorf("binding rtcp candidate for stream %s: %w", streamID, err)
		}

		ms := media.NewSession(rtpConn, rtcpConn,
			s.useCandidateHandler(streamID, ice.ComponentRTP, rtpCand.Port),
			s.useCandidateHandler(streamID, ice.ComponentRTCP, rtcpCand.Port),
			s.logger)

		s.mediaSessions[streamID] = ms
		go s.forward(ms)
	}
	return nil
}

// useCandidateHandler builds the closure described in §4.3's handler
// wiring: on USE-CANDIDATE it validates the pair against the ICE agent
// then recomputes completion.
func (s *Session) useCandidateHandler(streamID string, componentID ice.Component, localPort int) media.UseCandidateFunc {
	return func(src *net.UDPAddr) {
		s.agent.AddPairCandidate(streamID, componentID, localPort, src.Port)
		s.agent.SetICEComplete()
	}
}

func (s *Session) forward(ms *media.Session) {
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}
		pkt, ok := ms.Read(500 * time.Millisecond)
		if !ok {
			continue
		}
		select {
		case s.incoming <- pkt:
		case <-s.stopCh:
			return
		}
	}
}

// ReadAny blocks until an RTP packet arrives from any of this session's
// media sessions, or timeout elapses (timeout <= 0 blocks indefinitely).
func (s *Session) ReadAny(timeout time.Duration) (media.RtpPkt, bool) {
	if timeout <= 0 {
		pkt, ok := <-s.incoming
		return pkt, ok
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case pkt, ok := <-s.incoming:
		return pkt, ok
	case <-t.C:
		return media.RtpPkt{}, false
	}
}

// WriteAll writes pkt through every media session bound to this session.
func (s *Session) WriteAll(pkt *media.RtpPkt) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for streamID, ms := range s.mediaSessions {
		if err := ms.Write(pkt); err != nil {
			s.logger.Debug("rtp write failed", "stream_id", streamID, "error", err)
		}
	}
}

// AnswerSDP returns the negotiated answer, or nil if negotiation has not
// run yet.
func (s *Session) AnswerSDP() *sdp.SessionDescription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.answerSDP
}

// Close stops the per-media-session forwarder goroutines and releases the
// underlying sockets.
func (s *Session) Close() error {
	close(s.stopCh)
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, ms := range s.mediaSessions {
		if err := ms.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
