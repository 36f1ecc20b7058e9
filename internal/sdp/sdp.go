// Package sdp parses, serializes and negotiates SDP (RFC 4566) session
// descriptions using the offer/answer shape of RFC 3264: codec
// intersection plus direction inversion.
package sdp

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/tiagolam/confmixer/internal/ice"
)

// SDP field type prefixes per RFC 4566.
const (
	sdpVersion    = "v="
	sdpOrigin     = "o="
	sdpSession    = "s="
	sdpConnection = "c="
	sdpTime       = "t="
	sdpMedia      = "m="
	sdpAttribute  = "a="
)

// Connection holds SDP connection data from a c= line.
// Format: c=<nettype> <addrtype> <connection-address>
type Connection struct {
	NetType  string // e.g. "IN"
	AddrType string // e.g. "IP4" or "IP6"
	Address  string // e.g. "192.168.1.10"
}

// String returns the SDP c= line value (without the "c=" prefix).
func (c Connection) String() string {
	return c.NetType + " " + c.AddrType + " " + c.Address
}

// Origin holds SDP origin data from an o= line.
// Format: o=<username> <sess-id> <sess-version> <nettype> <addrtype> <unicast-address>
type Origin struct {
	Username       string
	SessionID      string
	SessionVersion string
	NetType        string
	AddrType       string
	Address        string
}

// String returns the SDP o= line value (without the "o=" prefix).
func (o Origin) String() string {
	return o.Username + " " + o.SessionID + " " + o.SessionVersion + " " +
		o.NetType + " " + o.AddrType + " " + o.Address
}

// Codec represents a codec from an SDP rtpmap attribute.
type Codec struct {
	PayloadType int    // RTP payload type number
	Name        string // codec name, e.g. "PCMU", "opus"
	ClockRate   int    // clock rate in Hz
	Channels    int    // number of channels (0 means not specified, defaults to 1)
	Fmtp        string // format parameters from a=fmtp line, if any
}

// String returns the rtpmap attribute value.
func (c Codec) String() string {
	s := strconv.Itoa(c.PayloadType) + " " + c.Name + "/" + strconv.Itoa(c.ClockRate)
	if c.Channels > 0 {
		s += "/" + strconv.Itoa(c.Channels)
	}
	return s
}

// MediaDescription holds a parsed SDP m= section with its attributes.
type MediaDescription struct {
	Type       string      // "audio", "video", etc.
	Port       int         // transport port
	NumPorts   int         // number of ports (0 means 1)
	Proto      string      // e.g. "RTP/AVP"
	Formats    []int       // payload type numbers, in order
	Connection *Connection // media-level c= line (overrides session-level)
	Codecs     []Codec     // parsed from a=rtpmap / a=fmtp lines
	Candidates []ice.Candidate
	Attributes []string // raw a= lines for this media section, in order
	Direction  string   // "sendrecv", "sendonly", "recvonly", "inactive"
	ICEUfrag   string
	ICEPwd     string
	ICEMismatch bool
}

// CodecByPayloadType returns the codec with the given payload type, or nil.
func (m *MediaDescription) CodecByPayloadType(pt int) *Codec {
	for i := range m.Codecs {
		if m.Codecs[i].PayloadType == pt {
			return &m.Codecs[i]
		}
	}
	return nil
}

// clone returns a deep copy of m, safe to mutate independently of the original.
func (m MediaDescription) clone() MediaDescription {
	cp := m
	cp.Formats = append([]int(nil), m.Formats...)
	cp.Codecs = append([]Codec(nil), m.Codecs...)
	cp.Candidates = append([]ice.Candidate(nil), m.Candidates...)
	cp.Attributes = append([]string(nil), m.Attributes...)
	if m.Connection != nil {
		c := *m.Connection
		cp.Connection = &c
	}
	return cp
}

// SessionDescription holds a fully parsed SDP session.
type SessionDescription struct {
	Version     int
	Origin      Origin
	SessionName string
	Connection  *Connection // session-level c= line
	Time        string      // t= line value
	Media       []MediaDescription
	Attributes  []string // session-level a= lines, excluding ice-lite (tracked below)
	ICELite     bool

	// UnparsedLines holds lines of a recognized type (v,o,s,c,t,a,m) whose
	// value failed to parse; the rest of the document is still returned.
	UnparsedLines []string
	// IgnoredLines holds lines with a type prefix ("x=...") not in the
	// recognized set.
	IgnoredLines []string
}

// Clone returns a deep copy of d.
func (d *SessionDescription) Clone() *SessionDescription {
	cp := *d
	cp.Media = make([]MediaDescription, len(d.Media))
	for i, m := range d.Media {
		cp.Media[i] = m.clone()
	}
	cp.Attributes = append([]string(nil), d.Attributes...)
	cp.UnparsedLines = append([]string(nil), d.UnparsedLines...)
	cp.IgnoredLines = append([]string(nil), d.IgnoredLines...)
	if d.Connection != nil {
		c := *d.Connection
		cp.Connection = &c
	}
	return &cp
}

// AudioMedia returns the first audio media description, or nil if none.
func (d *SessionDescription) AudioMedia() *MediaDescription {
	for i := range d.Media {
		if d.Media[i].Type == "audio" {
			return &d.Media[i]
		}
	}
	return nil
}

// Parse parses an SDP body into a SessionDescription. Malformed lines of a
// recognized type are recorded in UnparsedLines and parsing continues;
// lines with an unrecognized type prefix are recorded in IgnoredLines.
func Parse(data []byte) (*SessionDescription, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	text = strings.TrimRight(text, "\n")
	lines := strings.Split(text, "\n")

	if len(lines) == 0 || (len(lines) == 1 && lines[0] == "") {
		return nil, fmt.Errorf("empty sdp body")
	}

	d := &SessionDescription{}
	var currentMedia *MediaDescription

	for _, line := range lines {
		if len(line) < 2 || line[1] != '=' {
			d.IgnoredLines = append(d.IgnoredLines, line)
			continue
		}

		switch {
		case strings.HasPrefix(line, sdpVersion):
			v, err := strconv.Atoi(line[2:])
			if err != nil {
				d.UnparsedLines = append(d.UnparsedLines, line)
				continue
			}
			d.Version = v

		case strings.HasPrefix(line, sdpOrigin):
			origin, err := parseOrigin(line[2:])
			if err != nil {
				d.UnparsedLines = append(d.UnparsedLines, line)
				continue
			}
			d.Origin = origin

		case strings.HasPrefix(line, sdpSession):
			d.SessionName = line[2:]

		case strings.HasPrefix(line, sdpConnection):
			conn, err := parseConnection(line[2:])
			if err != nil {
				d.UnparsedLines = append(d.UnparsedLines, line)
				continue
			}
			if currentMedia != nil {
				currentMedia.Connection = &conn
			} else {
				d.Connection = &conn
			}

		case strings.HasPrefix(line, sdpTime):
			d.Time = line[2:]

		case strings.HasPrefix(line, sdpMedia):
			md, err := parseMediaLine(line[2:])
			if err != nil {
				d.UnparsedLines = append(d.UnparsedLines, line)
				continue
			}
			d.Media = append(d.Media, md)
			currentMedia = &d.Media[len(d.Media)-1]

		case strings.HasPrefix(line, sdpAttribute):
			attr := line[2:]
			if currentMedia != nil {
				currentMedia.Attributes = append(currentMedia.Attributes, attr)
				parseMediaAttribute(currentMedia, attr)
			} else if attr == "ice-lite" {
				d.ICELite = true
			} else {
				d.Attributes = append(d.Attributes, attr)
			}

		default:
			d.IgnoredLines = append(d.IgnoredLines, line)
		}
	}

	return d, nil
}

// Marshal serializes a SessionDescription back to SDP wire format.
func (d *SessionDescription) Marshal() []byte {
	var b strings.Builder

	b.WriteString("v=" + strconv.Itoa(d.Version) + "\r\n")
	b.WriteString("o=" + d.Origin.String() + "\r\n")
	b.WriteString("s=" + d.SessionName + "\r\n")

	if d.Connection != nil {
		b.WriteString("c=" + d.Connection.String() + "\r\n")
	}

	b.WriteString("t=" + d.Time + "\r\n")

	for _, attr := range d.Attributes {
		b.WriteString("a=" + attr + "\r\n")
	}
	if d.ICELite {
		b.WriteString("a=ice-lite\r\n")
	}

	for _, m := range d.Media {
		fmts := make([]string, len(m.Formats))
		for i, f := range m.Formats {
			fmts[i] = strconv.Itoa(f)
		}
		portStr := strconv.Itoa(m.Port)
		if m.NumPorts > 0 {
			portStr += "/" + strconv.Itoa(m.NumPorts)
		}
		b.WriteString("m=" + m.Type + " " + portStr + " " + m.Proto + " " + strings.Join(fmts, " ") + "\r\n")

		if m.Connection != nil {
			b.WriteString("c=" + m.Connection.String() + "\r\n")
		}

		// Candidate lines are already part of m.Attributes (Parse,
		// rebuildAttributes and AppendCandidate all keep them there).
		for _, attr := range m.Attributes {
			b.WriteString("a=" + attr + "\r\n")
		}
	}

	return []byte(b.String())
}

func parseConnection(value string) (Connection, error) {
	parts := strings.Fields(value)
	if len(parts) < 3 {
		return Connection{}, fmt.Errorf("expected 3 fields, got %d", len(parts))
	}

	addr := parts[2]
	if idx := strings.Index(addr, "/"); idx >= 0 {
		addr = addr[:idx]
	}
	if net.ParseIP(addr) == nil {
		return Connection{}, fmt.Errorf("invalid ip address %q", addr)
	}

	return Connection{NetType: parts[0], AddrType: parts[1], Address: addr}, nil
}

func parseOrigin(value string) (Origin, error) {
	parts := strings.Fields(value)
	if len(parts) < 6 {
		return Origin{}, fmt.Errorf("expected 6 fields, got %d", len(parts))
	}
	return Origin{
		Username:       parts[0],
		SessionID:      parts[1],
		SessionVersion: parts[2],
		NetType:        parts[3],
		AddrType:       parts[4],
		Address:        parts[5],
	}, nil
}

func parseMediaLine(value string) (MediaDescription, error) {
	parts := strings.Fields(value)
	if len(parts) < 4 {
		return MediaDescription{}, fmt.Errorf("expected at least 4 fields, got %d", len(parts))
	}

	md := MediaDescription{
		Type:      parts[0],
		Proto:     parts[2],
		Direction: "sendrecv",
	}

	portStr := parts[1]
	if idx := strings.Index(portStr, "/"); idx >= 0 {
		numPorts, err := strconv.Atoi(portStr[idx+1:])
		if err != nil {
			return MediaDescription{}, fmt.Errorf("invalid port count: %w", err)
		}
		md.NumPorts = numPorts
		portStr = portStr[:idx]
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return MediaDescription{}, fmt.Errorf("invalid port: %w", err)
	}
	md.Port = port

	for _, f := range parts[3:] {
		pt, err := strconv.Atoi(f)
		if err != nil {
			return MediaDescription{}, fmt.Errorf("invalid payload type %q: %w", f, err)
		}
		md.Formats = append(md.Formats, pt)
	}

	return md, nil
}

func parseMediaAttribute(md *MediaDescription, attr string) {
	switch {
	case strings.HasPrefix(attr, "rtpmap:"):
		codec, err := parseRtpmap(attr[7:])
		if err == nil {
			for i := range md.Codecs {
				if md.Codecs[i].PayloadType == codec.PayloadType {
					codec.Fmtp = md.Codecs[i].Fmtp
					md.Codecs[i] = codec
					return
				}
			}
			md.Codecs = append(md.Codecs, codec)
		}

	case strings.HasPrefix(attr, "fmtp:"):
		pt, params, ok := parseFmtp(attr[5:])
		if ok {
			for i := range md.Codecs {
				if md.Codecs[i].PayloadType == pt {
					md.Codecs[i].Fmtp = params
					return
				}
			}
			md.Codecs = append(md.Codecs, Codec{PayloadType: pt, Fmtp: params})
		}

	case strings.HasPrefix(attr, "candidate:"):
		c, err := parseCandidate(attr[len("candidate:"):])
		if err == nil {
			md.Candidates = append(md.Candidates, c)
		}

	case strings.HasPrefix(attr, "ice-ufrag:"):
		md.ICEUfrag = attr[len("ice-ufrag:"):]

	case strings.HasPrefix(attr, "ice-pwd:"):
		md.ICEPwd = attr[len("ice-pwd:"):]

	case attr == "ice-mismatch":
		md.ICEMismatch = true

	case attr == "sendrecv" || attr == "sendonly" || attr == "recvonly" || attr == "inactive":
		md.Direction = attr
	}
}

// parseCandidate parses an SDP candidate attribute value:
// "foundation component proto priority addr port typ type [raddr A rport P]"
func parseCandidate(value string) (ice.Candidate, error) {
	parts := strings.Fields(value)
	if len(parts) < 8 {
		return ice.Candidate{}, fmt.Errorf("expected at least 8 fields, got %d", len(parts))
	}

	component, err := strconv.Atoi(parts[1])
	if err != nil {
		return ice.Candidate{}, fmt.Errorf("invalid component id: %w", err)
	}
	priority, err := strconv.ParseUint(parts[3], 10, 32)
	if err != nil {
		return ice.Candidate{}, fmt.Errorf("invalid priority: %w", err)
	}
	ip := net.ParseIP(parts[4])
	if ip == nil {
		return ice.Candidate{}, fmt.Errorf("invalid ip %q", parts[4])
	}
	port, err := strconv.Atoi(parts[5])
	if err != nil {
		return ice.Candidate{}, fmt.Errorf("invalid port: %w", err)
	}
	if parts[6] != "typ" {
		return ice.Candidate{}, fmt.Errorf("expected 'typ', got %q", parts[6])
	}

	c := ice.Candidate{
		Foundation:  parts[0],
		ComponentID: ice.Component(component),
		Proto:       ice.Proto(strings.ToLower(parts[2])),
		Priority:    uint32(priority),
		IP:          ip,
		Port:        port,
		Type:        ice.CandidateType(parts[7]),
	}

	for i := 8; i+1 < len(parts); i += 2 {
		switch parts[i] {
		case "raddr":
			c.RelAddr = net.ParseIP(parts[i+1])
		case "rport":
			if p, err := strconv.Atoi(parts[i+1]); err == nil {
				c.RelPort = p
			}
		}
	}

	return c, nil
}

func parseRtpmap(value string) (Codec, error) {
	parts := strings.SplitN(value, " ", 2)
	if len(parts) != 2 {
		return Codec{}, fmt.Errorf("expected '<pt> <encoding>', got %q", value)
	}

	pt, err := strconv.Atoi(parts[0])
	if err != nil {
		return Codec{}, fmt.Errorf("invalid payload type: %w", err)
	}

	encParts := strings.Split(parts[1], "/")
	if len(encParts) < 2 {
		return Codec{}, fmt.Errorf("expected '<name>/<rate>', got %q", parts[1])
	}

	clockRate, err := strconv.Atoi(encParts[1])
	if err != nil {
		return Codec{}, fmt.Errorf("invalid clock rate: %w", err)
	}

	codec := Codec{PayloadType: pt, Name: encParts[0], ClockRate: clockRate}
	if len(encParts) >= 3 {
		if ch, err := strconv.Atoi(encParts[2]); err == nil {
			codec.Channels = ch
		}
	}
	return codec, nil
}

func parseFmtp(value string) (int, string, bool) {
	parts := strings.SplitN(value, " ", 2)
	if len(parts) < 2 {
		return 0, "", false
	}
	pt, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, "", false
	}
	return pt, parts[1], true
}

// invertDirection maps an SDP direction attribute to its offer/answer
// counterpart: sendonly<->recvonly, sendrecv and inactive are unchanged.
func invertDirection(dir string) string {
	switch dir {
	case "sendonly":
		return "recvonly"
	case "recvonly":
		return "sendonly"
	default:
		return dir
	}
}

// genICECredential returns a random hex string suitable for an ice-ufrag or
// ice-pwd value.
func genICECredential(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing is not recoverable; a zeroed credential is
		// still well-formed SDP and simply won't be cryptographically
		// unpredictable.
		return strings.Repeat("0", n*2)
	}
	return hex.EncodeToString(b)
}

// intersect returns the elements of a that also appear in b, preserving a's order.
func intersect(a, b []int) []int {
	inB := make(map[int]bool, len(b))
	for _, v := range b {
		inB[v] = true
	}
	var out []int
	for _, v := range a {
		if inB[v] {
			out = append(out, v)
		}
	}
	return out
}

// rebuildAttributes regenerates a media description's raw a= line list from
// its structured fields (rtpmap/fmtp per surviving codec, direction,
// ice-ufrag/ice-pwd), preserving any other attribute lines the offer/base
// carried (ptime, rtcp-mux, and the like) that negotiation does not touch.
func rebuildAttributes(md *MediaDescription) {
	keep := make([]string, 0, len(md.Attributes))
	for _, attr := range md.Attributes {
		switch {
		case strings.HasPrefix(attr, "rtpmap:"),
			strings.HasPrefix(attr, "fmtp:"),
			strings.HasPrefix(attr, "candidate:"),
			strings.HasPrefix(attr, "ice-ufrag:"),
			strings.HasPrefix(attr, "ice-pwd:"),
			attr == "sendrecv", attr == "sendonly", attr == "recvonly", attr == "inactive":
			continue
		default:
			keep = append(keep, attr)
		}
	}

	var rebuilt []string
	for _, c := range md.Codecs {
		rebuilt = append(rebuilt, "rtpmap:"+c.String())
		if c.Fmtp != "" {
			rebuilt = append(rebuilt, "fmtp:"+strconv.Itoa(c.PayloadType)+" "+c.Fmtp)
		}
	}
	rebuilt = append(rebuilt, keep...)
	if md.Direction != "" {
		rebuilt = append(rebuilt, md.Direction)
	}
	if md.ICEUfrag != "" {
		rebuilt = append(rebuilt, "ice-ufrag:"+md.ICEUfrag)
	}
	if md.ICEPwd != "" {
		rebuilt = append(rebuilt, "ice-pwd:"+md.ICEPwd)
	}
	for _, c := range md.Candidates {
		rebuilt = append(rebuilt, "candidate:"+c.String())
	}

	md.Attributes = rebuilt
}

// AppendCandidate adds a gathered local candidate to a media description's
// candidate list and its serialized attribute lines, used by the session
// once ICE has gathered host candidates for the answer.
func AppendCandidate(md *MediaDescription, c ice.Candidate) {
	md.Candidates = append(md.Candidates, c)
	md.Attributes = append(md.Attributes, "candidate:"+c.String())
}

// NegotiateWith computes an SDP answer for offer, optionally constrained by
// base (the first member's already-negotiated SDP that all later members
// must match). Without a base, every media line is kept with its direction
// inverted and its port set to 9. With a base, a media line is kept only if
// a base media line of the same type, with RTP/AVP on both sides, shares a
// payload type; its formats and codecs are cut down to that intersection.
// Unmatched media lines get port 0. The answer always carries ice-lite.
func NegotiateWith(base *SessionDescription, offer *SessionDescription) *SessionDescription {
	answer := offer.Clone()
	answer.Attributes = append([]string(nil), offer.Attributes...)
	answer.ICELite = true

	for i := range answer.Media {
		om := offer.Media[i]
		am := &answer.Media[i]

		if base == nil {
			am.Direction = invertDirection(om.Direction)
			am.Port = 9 // ICE placeholder; the port stays 9 and the a=candidate lines carry the real transport.
			if om.ICEUfrag != "" {
				am.ICEUfrag = genICECredential(4)
				am.ICEPwd = genICECredential(16)
			}
			rebuildAttributes(am)
			continue
		}

		var baseMedia *MediaDescription
		for j := range base.Media {
			bm := &base.Media[j]
			if bm.Type != om.Type || bm.Proto != "RTP/AVP" || om.Proto != "RTP/AVP" {
				continue
			}
			if len(intersect(bm.Formats, om.Formats)) == 0 {
				continue
			}
			baseMedia = bm
			break
		}

		if baseMedia == nil {
			am.Port = 0
			rebuildAttributes(am)
			continue
		}

		keep := intersect(baseMedia.Formats, om.Formats)
		am.Formats = keep

		keepSet := make(map[int]bool, len(keep))
		for _, pt := range keep {
			keepSet[pt] = true
		}
		var codecs []Codec
		for _, c := range om.Codecs {
			if keepSet[c.PayloadType] {
				codecs = append(codecs, c)
			}
		}
		am.Codecs = codecs

		am.Direction = invertDirection(om.Direction)
		if om.ICEUfrag != "" {
			am.ICEUfrag = genICECredential(4)
			am.ICEPwd = genICECredential(16)
		}
		rebuildAttributes(am)
	}

	return answer
}
