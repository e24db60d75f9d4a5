package engine

import (
	"time"

	"github.com/slsolucije/astlog/internal/model"
	"github.com/slsolucije/astlog/internal/store"
)

// RangeQuery returns every retained event with from <= timestamp <= to,
// ascending by timestamp with arrival order breaking ties, plus the
// sessions overlapping the range. The result is a snapshot: sessions
// come back as detached copies, so tailing continues independently and
// never invalidates what a query handed out.
func (e *Engine) RangeQuery(from, to time.Time) ([]*model.Event, []*model.Session) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	events, sessions := e.store.Query(from, to)
	return events, cloneSessions(sessions)
}

// TailMinutesQuery returns the last n minutes, re-evaluated against the
// wall clock on each call.
func (e *Engine) TailMinutesQuery(n int) ([]*model.Event, []*model.Session) {
	now := time.Now()
	return e.RangeQuery(now.Add(-time.Duration(n)*time.Minute), now)
}

// SessionsByKey returns detached copies of the retained sessions for
// one correlation key.
func (e *Engine) SessionsByKey(key string) []*model.Session {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return cloneSessions(e.store.SessionsByKey(key))
}

func cloneSessions(sessions []*model.Session) []*model.Session {
	out := make([]*model.Session, len(sessions))
	for i, s := range sessions {
		out[i] = s.Clone()
	}
	return out
}

// Subscribe returns a channel receiving every newly ingested event.
// The presentation layer uses it for live updates.
func (e *Engine) Subscribe() <-chan *model.Event {
	return e.hub.Subscribe()
}

// Stats summarizes ingestion counters and the window state.
type Stats struct {
	Lines             int64       `json:"lines"`
	SIPEvents         int64       `json:"sip_events"`
	CDREvents         int64       `json:"cdr_events"`
	OtherEvents       int64       `json:"other_events"`
	ParseErrors       int64       `json:"parse_errors"`
	Rotations         int64       `json:"rotations"`
	SubscriberDropped int64       `json:"subscriber_dropped"`
	Window            store.Stats `json:"window"`
}

// Stats returns a point-in-time summary.
func (e *Engine) Stats() Stats {
	return Stats{
		Lines:             e.lines.Load(),
		SIPEvents:         e.sipEvents.Load(),
		CDREvents:         e.cdrEvents.Load(),
		OtherEvents:       e.otherEvents.Load(),
		ParseErrors:       e.parseErrors.Load(),
		Rotations:         e.rotations.Load(),
		SubscriberDropped: e.hub.Dropped(),
		Window:            e.store.Snapshot(),
	}
}
