// Package media owns the UDP transport for one ICE stream: a pair of RTP
// and RTCP sockets, RTP packet read/write, and passive detection of the
// STUN USE-CANDIDATE signal that tells the ICE-Lite agent which remote
// address to use.
package media

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/stun/v3"
)

// RtpPkt is the wire representation of an RTP packet (RFC 3550): header
// fields (version, padding, extension, CSRC count, marker, payload type,
// sequence number, timestamp, SSRC, CSRC list) plus payload bytes.
// github.com/pion/rtp implements the marshal/unmarshal this system treats
// as an external primitive.
type RtpPkt = rtp.Packet

// atomicAddr holds a UDP address that is read on every outbound write and
// swapped by the ICE callback when the selected pair becomes known.
type atomicAddr struct {
	v atomic.Pointer[net.UDPAddr]
}

func newAtomicAddr(addr *net.UDPAddr) *atomicAddr {
	a := &atomicAddr{}
	a.v.Store(addr)
	return a
}

func (a *atomicAddr) load() *net.UDPAddr {
	return a.v.Load()
}

func (a *atomicAddr) store(addr *net.UDPAddr) {
	a.v.Store(addr)
}

// BindUDP binds a UDP socket on ip:port. It is the one place this package
// turns a gathered host candidate into a live socket.
func BindUDP(ip net.IP, port int) (*net.UDPConn, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: ip, Port: port})
	if err != nil {
		return nil, fmt.Errorf("binding udp %s:%d: %w", ip, port, err)
	}
	return conn, nil
}

const maxDatagramSize = 1500

// UseCandidateFunc is invoked when a STUN Binding Request carrying the
// USE-CANDIDATE attribute arrives from src.
type UseCandidateFunc func(src *net.UDPAddr)

// Session owns one stream's RTP and RTCP sockets. It runs a read loop per
// socket: STUN Binding Requests with USE-CANDIDATE are delivered to the
// corresponding handler, everything else on the RTP socket is decoded as
// an RtpPkt and delivered to Read. RTCP payloads are not otherwise
// processed (RTCP feedback processing is out of scope).
type Session struct {
	logger *slog.Logger

	rtpConn, rtcpConn *net.UDPConn
	remoteRTP         *atomicAddr
	remoteRTCP        *atomicAddr

	onUseCandidateRTP  UseCandidateFunc
	onUseCandidateRTCP UseCandidateFunc

	incoming chan RtpPkt
	closed   atomic.Bool
	done     chan struct{}
}

// NewSession constructs a Session bound to rtpConn/rtcpConn and starts its
// read loops. onUseCandidateRTP/RTCP are called once per STUN message
// carrying USE-CANDIDATE observed on the matching socket.
func NewSession(rtpConn, rtcpConn *net.UDPConn, onUseCandidateRTP, onUseCandidateRTCP UseCandidateFunc, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		logger:             logger.With("subsystem", "media"),
		rtpConn:            rtpConn,
		rtcpConn:           rtcpConn,
		remoteRTP:          newAtomicAddr(nil),
		remoteRTCP:         newAtomicAddr(nil),
		onUseCandidateRTP:  onUseCandidateRTP,
		onUseCandidateRTCP: onUseCandidateRTCP,
		incoming:           make(chan RtpPkt, 64),
		done:               make(chan struct{}),
	}

	go s.readLoop(rtpConn, s.onUseCandidateRTP, true)
	go s.readLoop(rtcpConn, s.onUseCandidateRTCP, false)

	return s
}

func (s *Session) readLoop(conn *net.UDPConn, onUseCandidate UseCandidateFunc, deliverRTP bool) {
	buf := make([]byte, maxDatagramSize)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if s.closed.Load() {
				return
			}
			s.logger.Warn("udp read failed, retrying", "error", err)
			continue
		}
		data := buf[:n]

		if stun.IsMessage(data) {
			msg := &stun.Message{Raw: append([]byte(nil), data...)}
			if err := msg.Decode(); err != nil {
				s.logger.Debug("dropped malformed stun message", "error", err)
				continue
			}
			if _, ok := msg.Attributes.Get(stun.AttrUseCandidate); ok {
				if onUseCandidate != nil {
					onUseCandidate(src)
				}
			}
			continue
		}

		if !deliverRTP {
			continue // RTCP packets that aren't STUN are not otherwise consumed.
		}

		var pkt RtpPkt
		if err := pkt.Unmarshal(data); err != nil {
			s.logger.Debug("dropped malformed rtp packet", "error", err)
			continue
		}

		select {
		case s.incoming <- pkt:
		default:
			s.logger.Warn("rtp read buffer full, packet dropped")
		}
	}
}

// Read blocks until the next RTP packet arrives, or ctx-like timeout via
// the given deadline channel pattern used by the reader task (a zero
// timeout blocks indefinitely).
func (s *Session) Read(timeout time.Duration) (RtpPkt, bool) {
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
		return RtpPkt{}, false
	}
}

// Write serializes pkt to wire RTP format and sends it to the current
// remote RTP address. It returns an error (logged by the caller, never
// fatal) if no remote address has been learned yet or the send fails.
func (s *Session) Write(pkt *RtpPkt) error {
	addr := s.remoteRTP.load()
	if addr == nil {
		return errors.New("no remote rtp address selected yet")
	}
	buf, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("marshal rtp packet: %w", err)
	}
	_, err = s.rtpConn.WriteToUDP(buf, addr)
	return err
}

// ChangeTransport atomically updates the remote RTP endpoint used by Write.
func (s *Session) ChangeTransport(addr *net.UDPAddr) {
	s.remoteRTP.store(addr)
}

// ChangeRTCPTransport atomically updates the remote RTCP endpoint.
func (s *Session) ChangeRTCPTransport(addr *net.UDPAddr) {
	s.remoteRTCP.store(addr)
}

// Close releases both sockets and stops the read loops.
func (s *Session) Close() error {
	s.closed.Store(true)
	close(s.done)
	err1 := s.rtpConn.Close()
	err2 := s.rtcpConn.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
