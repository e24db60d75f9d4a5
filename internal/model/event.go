package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind classifies a parsed line.
type Kind string

const (
	KindSIP   Kind = "SIP_MESSAGE"
	KindCDR   Kind = "CDR_RECORD"
	KindOther Kind = "OTHER"
)

// Source identifies which input a raw line came from.
type Source int

const (
	SourceLog Source = iota
	SourceCDR
)

// RawLine is one unparsed line read from an input file.
type RawLine struct {
	Text    string
	Source  Source
	Path    string
	LineNo  int
	Rotated bool // marker: the file was truncated or replaced before this line
}

// Event is a single parsed log or CDR line. Immutable after parsing;
// Seq is assigned once by the store at insert time.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Kind      Kind      `json:"kind"`
	Key       string    `json:"key,omitempty"`
	AltKey    string    `json:"-"` // secondary correlation token, see parser.KeyExtractor
	Seq       uint64    `json:"seq"`
	Raw       string    `json:"raw"`

	// SIP payload.
	Method     string `json:"method,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
	CallID     string `json:"call_id,omitempty"`
	Channel    string `json:"channel,omitempty"`
	Direction  string `json:"direction,omitempty"` // IN or OUT
	PeerAddr   string `json:"peer_addr,omitempty"`
	Attempt    int    `json:"attempt,omitempty"` // retransmission attempt number

	// CDR payload.
	Src         string `json:"src,omitempty"`
	Dst         string `json:"dst,omitempty"`
	CallerName  string `json:"caller_name,omitempty"`
	CallerNum   string `json:"caller_num,omitempty"`
	DstChannel  string `json:"dst_channel,omitempty"`
	DurationSec int    `json:"duration_sec,omitempty"`
	BillSec     int    `json:"bill_sec,omitempty"`
	Disposition string `json:"disposition,omitempty"`
}

// NewEvent returns an Event with a generated ID.
func NewEvent(ts time.Time, kind Kind, key, raw string) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Timestamp: ts,
		Kind:      kind,
		Key:       key,
		Raw:       raw,
	}
}

const eventOverhead = 160 // rough struct + index bookkeeping per event

// Size estimates the bytes this event retains in memory, used for
// window budget accounting.
func (e *Event) Size() int {
	return eventOverhead + len(e.Raw) + len(e.Key) + len(e.CallID) +
		len(e.Channel) + len(e.Src) + len(e.Dst) + len(e.CallerName) +
		len(e.CallerNum) + len(e.Disposition)
}

// Summary renders a short one-line description, used for the normalized
// log-output file and the terminal renderer.
func (e *Event) Summary() string {
	switch e.Kind {
	case KindSIP:
		var b strings.Builder
		if e.Direction != "" {
			b.WriteString(e.Direction)
			b.WriteByte(' ')
		}
		if e.Method != "" {
			b.WriteString(e.Method)
		} else if e.StatusCode > 0 {
			fmt.Fprintf(&b, "SIP/2.0 %d", e.StatusCode)
		}
		if e.PeerAddr != "" {
			fmt.Fprintf(&b, " peer=%s", e.PeerAddr)
		}
		if e.Attempt > 0 {
			fmt.Fprintf(&b, " #%d", e.Attempt)
		}
		if b.Len() == 0 {
			return firstLine(e.Raw)
		}
		return b.String()
	case KindCDR:
		return fmt.Sprintf("CDR %s -> %s dur=%ds bill=%ds %s",
			e.Src, e.Dst, e.DurationSec, e.BillSec, e.Disposition)
	default:
		return firstLine(e.Raw)
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
