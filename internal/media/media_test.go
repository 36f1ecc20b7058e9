package media

import (
	"net"
	"testing"
	"time"
)

func mustUDPConn(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := BindUDP(net.ParseIP("127.0.0.1"), 0)
	if err != nil {
		t.Fatalf("BindUDP: %v", err)
	}
	return conn
}

func TestSessionDeliversRTPPackets(t *testing.T) {
	rtpConn := mustUDPConn(t)
	rtcpConn := mustUDPConn(t)
	defer rtpConn.Close()
	defer rtcpConn.Close()

	s := NewSession(rtpConn, rtcpConn, nil, nil, nil)
	defer s.Close()

	sender, err := net.DialUDP("udp4", nil, rtpConn.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer sender.Close()

	pkt := RtpPkt{}
	pkt.Version = 2
	pkt.PayloadType = 0
	pkt.SequenceNumber = 42
	pkt.Timestamp = 1000
	pkt.SSRC = 1234
	pkt.Payload = []byte{1, 2, 3, 4}

	wire, err := pkt.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if _, err := sender.Write(wire); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, ok := s.Read(time.Second)
	if !ok {
		t.Fatal("expected a packet, got none within timeout")
	}
	if got.SequenceNumber != 42 || got.Timestamp != 1000 || got.SSRC != 1234 {
		t.Errorf("packet = %+v, want seq=42 ts=1000 ssrc=1234", got)
	}
}

func TestSessionUseCandidateCallback(t *testing.T) {
	rtpConn := mustUDPConn(t)
	rtcpConn := mustUDPConn(t)
	defer rtpConn.Close()
	defer rtcpConn.Close()

	done := make(chan *net.UDPAddr, 1)
	s := NewSession(rtpConn, rtcpConn, func(src *net.UDPAddr) {
		done <- src
	}, nil, nil)
	defer s.Close()

	sender, err := net.DialUDP("udp4", nil, rtpConn.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer sender.Close()

	req := buildTestUseCandidateRequest(t)
	if _, err := sender.Write(req); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected use-candidate callback, got none")
	}
}

func TestReadTimesOutWhenNothingArrives(t *testing.T) {
	rtpConn := mustUDPConn(t)
	rtcpConn := mustUDPConn(t)
	defer rtpConn.Close()
	defer rtcpConn.Close()

	s := NewSession(rtpConn, rtcpConn, nil, nil, nil)
	defer s.Close()

	if _, ok := s.Read(50 * time.Millisecond); ok {
		t.Error("expected timeout, got a packet")
	}
}

func TestWriteFailsBeforeTransportKnown(t *testing.T) {
	rtpConn := mustUDPConn(t)
	rtcpConn := mustUDPConn(t)
	defer rtpConn.Close()
	defer rtcpConn.Close()

	s := NewSession(rtpConn, rtcpConn, nil, nil, nil)
	defer s.Close()

	pkt := RtpPkt{}
	if err := s.Write(&pkt); err == nil {
		t.Error("expected error writing before ChangeTransport is called")
	}
}

func TestChangeTransportEnablesWrite(t *testing.T) {
	rtpConn := mustUDPConn(t)
	rtcpConn := mustUDPConn(t)
	defer rtpConn.Close()
	defer rtcpConn.Close()

	receiver := mustUDPConn(t)
	defer receiver.Close()

	s := NewSession(rtpConn, rtcpConn, nil, nil, nil)
	defer s.Close()
	s.ChangeTransport(receiver.LocalAddr().(*net.UDPAddr))

	pkt := RtpPkt{}
	pkt.Version = 2
	pkt.SequenceNumber = 7
	if err := s.Write(&pkt); err != nil {
		t.Fatalf("Write: %v", err)
	}

	receiver.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, maxDatagramSize)
	n, _, err := receiver.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("ReadFromUDP: %v", err)
	}
	var got RtpPkt
	if err := got.Unmarshal(buf[:n]); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.SequenceNumber != 7 {
		t.Errorf("SequenceNumber = %d, want 7", got.SequenceNumber)
	}
}
