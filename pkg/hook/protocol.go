package hook

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/mbeema/ntwatch/pkg/capture"
)

// Message types carried in the header msg_type byte.
const (
	MsgTrace     = 1 // payload: JSON capture.Record
	MsgBootstrap = 2 // payload: JSON BootstrapReport
	MsgStats     = 3 // payload: JSON StatsReport
)

// HeaderSize is the fixed size of the binary wire protocol header.
const HeaderSize = 32

// MaxPayload is the maximum payload per message.
const MaxPayload = 16 * 1024

// Header layout (little endian):
//
//	[0]      msg type
//	[4:8]    pid
//	[8:12]   tid
//	[12:16]  per-sender sequence number
//	[16:20]  payload length
//	[24:32]  timestamp, ns since epoch
type Header struct {
	MsgType     uint8
	PID         uint32
	TID         uint32
	Seq         uint32
	PayloadLen  uint32
	TimestampNS uint64
}

// Message is a complete datagram with header and optional payload.
type Message struct {
	Header  Header
	Payload []byte
}

// BootstrapReport tells the agent how the secondary hook tier bootstrap
// went inside a monitored process.
type BootstrapReport struct {
	Module    string `json:"module"`
	Found     bool   `json:"found"`
	Installed bool   `json:"installed"`
	Error     string `json:"error,omitempty"`
}

// SiteCounters are the cumulative counters of one dispatcher.
type SiteCounters struct {
	API        string `json:"api"`
	Calls      int64  `json:"calls"`
	Traced     int64  `json:"traced"`
	Suppressed int64  `json:"suppressed"`
	Dormant    int64  `json:"dormant"`
	Failed     int64  `json:"failed"`
}

// StatsReport carries every dispatcher's counters since the monitored
// process started. Each report supersedes the previous one from that pid.
type StatsReport struct {
	Sites []SiteCounters `json:"sites"`
}

// Totals sums the counters of every site.
func (r *StatsReport) Totals() SiteCounters {
	var t SiteCounters
	for _, s := range r.Sites {
		t.Calls += s.Calls
		t.Traced += s.Traced
		t.Suppressed += s.Suppressed
		t.Dormant += s.Dormant
		t.Failed += s.Failed
	}
	return t
}

// MsgTypeName returns a human-readable name for a message type.
func MsgTypeName(t uint8) string {
	switch t {
	case MsgTrace:
		return "TRACE"
	case MsgBootstrap:
		return "BOOTSTRAP"
	case MsgStats:
		return "STATS"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", t)
	}
}

// PutHeader encodes h into the first HeaderSize bytes of buf.
func PutHeader(buf []byte, h Header) {
	buf[0] = h.MsgType
	binary.LittleEndian.PutUint32(buf[4:8], h.PID)
	binary.LittleEndian.PutUint32(buf[8:12], h.TID)
	binary.LittleEndian.PutUint32(buf[12:16], h.Seq)
	binary.LittleEndian.PutUint32(buf[16:20], h.PayloadLen)
	binary.LittleEndian.PutUint64(buf[24:32], h.TimestampNS)
}

// EncodeMessage builds a datagram. PayloadLen is taken from payload.
func EncodeMessage(h Header, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("payload too large: %d > %d", len(payload), MaxPayload)
	}
	h.PayloadLen = uint32(len(payload))
	buf := make([]byte, HeaderSize+len(payload))
	PutHeader(buf, h)
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// ParseHeader decodes a 32-byte binary header.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("buffer too small: %d < %d", len(buf), HeaderSize)
	}

	return Header{
		MsgType:     buf[0],
		PID:         binary.LittleEndian.Uint32(buf[4:8]),
		TID:         binary.LittleEndian.Uint32(buf[8:12]),
		Seq:         binary.LittleEndian.Uint32(buf[12:16]),
		PayloadLen:  binary.LittleEndian.Uint32(buf[16:20]),
		TimestampNS: binary.LittleEndian.Uint64(buf[24:32]),
	}, nil
}

// ParseMessage decodes a complete message from a byte buffer.
func ParseMessage(buf []byte) (*Message, error) {
	hdr, err := ParseHeader(buf)
	if err != nil {
		return nil, err
	}

	msg := &Message{Header: hdr}

	if hdr.PayloadLen > 0 {
		if hdr.PayloadLen > MaxPayload {
			return nil, fmt.Errorf("payload length %d exceeds max %d", hdr.PayloadLen, MaxPayload)
		}
		if uint32(len(buf)) < uint32(HeaderSize)+hdr.PayloadLen {
			return nil, fmt.Errorf("payload truncated: have %d, need %d",
				len(buf)-HeaderSize, hdr.PayloadLen)
		}
		msg.Payload = make([]byte, hdr.PayloadLen)
		copy(msg.Payload, buf[HeaderSize:HeaderSize+hdr.PayloadLen])
	}

	return msg, nil
}

// Trace decodes a MsgTrace payload.
func (m *Message) Trace() (*capture.Record, error) {
	if m.Header.MsgType != MsgTrace {
		return nil, fmt.Errorf("not a trace message: %s", MsgTypeName(m.Header.MsgType))
	}
	var rec capture.Record
	if err := json.Unmarshal(m.Payload, &rec); err != nil {
		return nil, fmt.Errorf("decode trace record: %w", err)
	}
	if rec.PID == 0 {
		rec.PID = m.Header.PID
	}
	if rec.TID == 0 {
		rec.TID = m.Header.TID
	}
	return &rec, nil
}

// Bootstrap decodes a MsgBootstrap payload.
func (m *Message) Bootstrap() (*BootstrapReport, error) {
	if m.Header.MsgType != MsgBootstrap {
		return nil, fmt.Errorf("not a bootstrap message: %s", MsgTypeName(m.Header.MsgType))
	}
	var r BootstrapReport
	if err := json.Unmarshal(m.Payload, &r); err != nil {
		return nil, fmt.Errorf("decode bootstrap report: %w", err)
	}
	return &r, nil
}

// Stats decodes a MsgStats payload.
func (m *Message) Stats() (*StatsReport, error) {
	if m.Header.MsgType != MsgStats {
		return nil, fmt.Errorf("not a stats message: %s", MsgTypeName(m.Header.MsgType))
	}
	var r StatsReport
	if err := json.Unmarshal(m.Payload, &r); err != nil {
		return nil, fmt.Errorf("decode stats report: %w", err)
	}
	return &r, nil
}
