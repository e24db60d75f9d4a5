// Package store holds the time- and memory-bounded working set of
// events and sessions and answers snapshot range queries over it.
package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/slsolucije/astlog/internal/metrics"
	"github.com/slsolucije/astlog/internal/model"
)

// Budget percentage bounds, matching the switch tooling this replaces.
const (
	minMemoryPct = 5
	maxMemoryPct = 75
)

// avgSessionEstimate is the assumed size of one typical session, used
// to decide whether a budget is workable at all.
const avgSessionEstimate = 4096

// BudgetFunc computes the byte budget for a memory percentage. The
// default interprets the percentage against total physical memory.
type BudgetFunc func(pct int) (int64, error)

// SystemMemoryBudget is the default BudgetFunc.
func SystemMemoryBudget(pct int) (int64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, fmt.Errorf("read system memory: %w", err)
	}
	return int64(vm.Total) * int64(pct) / 100, nil
}

// Store owns all retained sessions plus a time-ordered event index.
// One goroutine writes (ingestion); any number of readers query
// consistent snapshots.
type Store struct {
	mu  sync.RWMutex
	log zerolog.Logger

	budget   int64
	degraded bool
	bytes    int64
	seq      uint64

	events   []*model.Event            // sorted by (Timestamp, Seq)
	keyless  []*model.Event            // arrival-order subset without a session
	sessions map[string]*model.Session // by session ID
	byKey    map[string][]*model.Session

	onEvict func(*model.Session)
}

// New creates a Store with a budget of pct percent of memory as
// computed by budgetFn (nil means total system memory). A budget too
// small for even one average session does not fail: the store degrades
// to per-insert eviction with a warning.
func New(pct int, budgetFn BudgetFunc, log zerolog.Logger) (*Store, error) {
	if budgetFn == nil {
		budgetFn = SystemMemoryBudget
	}
	if pct < minMemoryPct {
		pct = minMemoryPct
	}
	if pct > maxMemoryPct {
		pct = maxMemoryPct
	}

	budget, err := budgetFn(pct)
	if err != nil {
		return nil, err
	}

	s := &Store{
		log:      log.With().Str("component", "store").Logger(),
		budget:   budget,
		sessions: make(map[string]*model.Session),
		byKey:    make(map[string][]*model.Session),
	}

	if budget < avgSessionEstimate {
		s.degraded = true
		s.budget = avgSessionEstimate
		metrics.StoreDegraded.Set(1)
		s.log.Warn().Int64("budget_bytes", budget).
			Msg("memory budget below one session, degrading to per-insert eviction")
	} else {
		s.log.Info().Int64("budget_bytes", budget).Int("pct", pct).Msg("window budget set")
	}
	return s, nil
}

// SetOnEvict registers a hook invoked (outside queries, under the write
// lock) for every session evicted, so the correlator can forget it.
func (s *Store) SetOnEvict(fn func(*model.Session)) {
	s.mu.Lock()
	s.onEvict = fn
	s.mu.Unlock()
}

// Degraded reports whether the store runs in the degraded budget mode.
func (s *Store) Degraded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degraded
}

// Insert adds an event to the time index, assigning its arrival
// sequence. Events belonging to a session must be registered through
// AddSession first or alongside; keyless events are tracked for
// age-based eviction. In degraded mode eviction runs immediately.
func (s *Store) Insert(ev *model.Event, inSession bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	ev.Seq = s.seq

	// Insertion point: after all events with timestamps <= ev's, which
	// keeps arrival order among equal timestamps. Appends hit the fast
	// path because log timestamps are monotonic within a file.
	n := len(s.events)
	if n == 0 || !s.events[n-1].Timestamp.After(ev.Timestamp) {
		s.events = append(s.events, ev)
	} else {
		idx := sort.Search(n, func(i int) bool {
			return s.events[i].Timestamp.After(ev.Timestamp)
		})
		s.events = append(s.events, nil)
		copy(s.events[idx+1:], s.events[idx:])
		s.events[idx] = ev
	}

	if !inSession {
		s.keyless = append(s.keyless, ev)
	}

	s.bytes += int64(ev.Size())
	metrics.WindowBytes.Set(float64(s.bytes))

	if s.degraded {
		s.evictLocked()
	}
}

// AddSession registers a newly created session. The store owns it from
// here until eviction.
func (s *Store) AddSession(sess *model.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	s.byKey[sess.Key] = append(s.byKey[sess.Key], sess)
	metrics.SessionsActive.Set(float64(len(s.sessions)))
}

// Evict brings the retained set back under the budget. Whole sessions
// go at once, oldest LastSeen first; keyless events age out alongside.
func (s *Store) Evict() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked()
}

func (s *Store) evictLocked() {
	for s.bytes > s.budget {
		sess := s.oldestSessionLocked()
		var keylessOldest *model.Event
		if len(s.keyless) > 0 {
			keylessOldest = s.keyless[0]
		}

		switch {
		case sess == nil && keylessOldest == nil:
			return // nothing left to drop
		case sess == nil,
			keylessOldest != nil && keylessOldest.Timestamp.Before(sess.LastSeen):
			s.keyless = s.keyless[1:]
			s.removeEventsLocked(map[uint64]bool{keylessOldest.Seq: true})
		default:
			s.evictSessionLocked(sess)
		}
	}
	metrics.WindowBytes.Set(float64(s.bytes))
}

func (s *Store) oldestSessionLocked() *model.Session {
	var oldest *model.Session
	for _, sess := range s.sessions {
		if oldest == nil || sess.LastSeen.Before(oldest.LastSeen) {
			oldest = sess
		}
	}
	return oldest
}

// evictSessionLocked removes a session atomically: every one of its
// events leaves the time index, or none.
func (s *Store) evictSessionLocked(sess *model.Session) {
	seqs := make(map[uint64]bool, len(sess.Events))
	for _, ev := range sess.Events {
		seqs[ev.Seq] = true
	}
	s.removeEventsLocked(seqs)

	delete(s.sessions, sess.ID)
	list := s.byKey[sess.Key]
	for i, cand := range list {
		if cand == sess {
			s.byKey[sess.Key] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(s.byKey[sess.Key]) == 0 {
		delete(s.byKey, sess.Key)
	}

	metrics.SessionsEvictedTotal.Inc()
	metrics.SessionsActive.Set(float64(len(s.sessions)))
	if s.onEvict != nil {
		s.onEvict(sess)
	}
	s.log.Debug().Str("key", sess.Key).Int("events", len(sess.Events)).
		Time("last_seen", sess.LastSeen).Msg("session evicted")
}

func (s *Store) removeEventsLocked(seqs map[uint64]bool) {
	kept := s.events[:0]
	for _, ev := range s.events {
		if seqs[ev.Seq] {
			s.bytes -= int64(ev.Size())
			continue
		}
		kept = append(kept, ev)
	}
	// Release tail references for the collector.
	for i := len(kept); i < len(s.events); i++ {
		s.events[i] = nil
	}
	s.events = kept
}

// Query returns the events with from <= timestamp <= to, ascending by
// (timestamp, arrival), plus the sessions overlapping that range. Zero
// bounds are open. The event slice is a copy; sessions are the live
// pointers, and callers handing them to other goroutines must clone
// them while correlation is quiescent (the engine does this under its
// own lock).
func (s *Store) Query(from, to time.Time) ([]*model.Event, []*model.Session) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lo := 0
	if !from.IsZero() {
		lo = sort.Search(len(s.events), func(i int) bool {
			return !s.events[i].Timestamp.Before(from)
		})
	}
	hi := len(s.events)
	if !to.IsZero() {
		hi = sort.Search(len(s.events), func(i int) bool {
			return s.events[i].Timestamp.After(to)
		})
	}
	if lo > hi {
		lo = hi
	}

	events := make([]*model.Event, hi-lo)
	copy(events, s.events[lo:hi])

	var sessions []*model.Session
	for _, sess := range s.sessions {
		if !from.IsZero() && sess.LastSeen.Before(from) {
			continue
		}
		if !to.IsZero() && sess.FirstSeen.After(to) {
			continue
		}
		sessions = append(sessions, sess)
	}
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].FirstSeen.Equal(sessions[j].FirstSeen) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].FirstSeen.Before(sessions[j].FirstSeen)
	})
	return events, sessions
}

// SessionsByKey returns the retained sessions for a correlation key,
// oldest first. Multiple sessions for one key can exist across rotation
// boundaries.
func (s *Store) SessionsByKey(key string) []*model.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.byKey[key]
	out := make([]*model.Session, len(list))
	copy(out, list)
	return out
}

// Stats is a point-in-time summary of the retained window.
type Stats struct {
	Events       int   `json:"events"`
	Sessions     int   `json:"sessions"`
	Bytes        int64 `json:"bytes"`
	BudgetBytes  int64 `json:"budget_bytes"`
	Degraded     bool  `json:"degraded"`
	OldestUnix   int64 `json:"oldest_unix,omitempty"`
	NewestUnix   int64 `json:"newest_unix,omitempty"`
	KeylessCount int   `json:"keyless_events"`
}

// Snapshot returns current sizes for diagnostics.
func (s *Store) Snapshot() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{
		Events:       len(s.events),
		Sessions:     len(s.sessions),
		Bytes:        s.bytes,
		BudgetBytes:  s.budget,
		Degraded:     s.degraded,
		KeylessCount: len(s.keyless),
	}
	if len(s.events) > 0 {
		st.OldestUnix = s.events[0].Timestamp.Unix()
		st.NewestUnix = s.events[len(s.events)-1].Timestamp.Unix()
	}
	return st
}
