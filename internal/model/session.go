package model

import (
	"time"

	"github.com/google/uuid"
)

// Observation is a diagnostic note attached to a session. Observations
// never surface as failures.
type Observation struct {
	Kind string    `json:"kind"`
	When time.Time `json:"when"`
	Note string    `json:"note,omitempty"`
}

const (
	ObsDuplicateCDR = "DUPLICATE_CDR"
)

// Disposition summarizes the signaling progress derived from the SIP
// method/status sequence of a session.
type Disposition string

const (
	DispositionUnknown     Disposition = "UNKNOWN"
	DispositionEstablished Disposition = "ESTABLISHED"
	DispositionRinging     Disposition = "RINGING"
	DispositionFinished    Disposition = "FINISHED"
	DispositionFailed      Disposition = "FAILED"
)

// Session groups events sharing one correlation key within one rotation
// epoch. A session always holds at least one event.
type Session struct {
	ID           string        `json:"id"`
	Key          string        `json:"key"`
	Epoch        uint64        `json:"epoch"`
	Events       []*Event      `json:"events"`
	CDR          *Event        `json:"cdr,omitempty"`
	Observations []Observation `json:"observations,omitempty"`
	FirstSeen    time.Time     `json:"first_seen"`
	LastSeen     time.Time     `json:"last_seen"`

	// Dialog progress, maintained as SIP events arrive.
	establishing bool
	established  bool
	hadBye       bool
	lastStatus   int
}

// NewSession creates a session seeded with its first event.
func NewSession(key string, epoch uint64, first *Event) *Session {
	s := &Session{
		ID:        uuid.NewString(),
		Key:       key,
		Epoch:     epoch,
		FirstSeen: first.Timestamp,
		LastSeen:  first.Timestamp,
	}
	s.Append(first)
	return s
}

// Append adds an event to the session and updates the derived timestamps
// and dialog progress. Callers guarantee the event's key matches.
func (s *Session) Append(ev *Event) {
	s.Events = append(s.Events, ev)
	if ev.Timestamp.Before(s.FirstSeen) {
		s.FirstSeen = ev.Timestamp
	}
	if ev.Timestamp.After(s.LastSeen) {
		s.LastSeen = ev.Timestamp
	}
	if ev.Kind == KindSIP {
		s.trackDialog(ev)
	}
}

// trackDialog follows the INVITE / status / ACK / BYE sequence.
func (s *Session) trackDialog(ev *Event) {
	switch {
	case ev.Method == "INVITE":
		s.establishing = true
	case ev.StatusCode > 0:
		s.lastStatus = ev.StatusCode
	case ev.Method == "ACK" && s.establishing:
		s.establishing = false
		if s.lastStatus >= 100 && s.lastStatus < 300 {
			s.established = true
		}
	case ev.Method == "BYE" && s.established:
		s.hadBye = true
	}
}

// Disposition reports the session's current signaling state.
func (s *Session) Disposition() Disposition {
	switch {
	case s.hadBye:
		return DispositionFinished
	case s.established:
		return DispositionEstablished
	case s.establishing && s.lastStatus >= 180 && s.lastStatus < 200:
		return DispositionRinging
	case s.lastStatus >= 400:
		return DispositionFailed
	default:
		return DispositionUnknown
	}
}

// Observe records a diagnostic observation.
func (s *Session) Observe(kind, note string, when time.Time) {
	s.Observations = append(s.Observations, Observation{Kind: kind, When: when, Note: note})
}

// AttachCDR attaches the call-detail record; the first CDR wins. Returns
// false when a CDR was already attached, in which case the caller appends
// the event and records a DuplicateCDR observation instead.
func (s *Session) AttachCDR(ev *Event) bool {
	if s.CDR != nil {
		return false
	}
	s.CDR = ev
	return true
}

// Clone returns a copy with detached slices, safe to read after the
// live session keeps mutating. Events are immutable once indexed and
// stay shared.
func (s *Session) Clone() *Session {
	c := *s
	c.Events = append([]*Event(nil), s.Events...)
	c.Observations = append([]Observation(nil), s.Observations...)
	return &c
}

// Size estimates retained bytes across all events of the session.
func (s *Session) Size() int {
	n := 0
	for _, ev := range s.Events {
		n += ev.Size()
	}
	return n
}
