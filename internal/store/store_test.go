package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/slsolucije/astlog/internal/model"
)

var storeBase = time.Date(2026, 2, 17, 10, 0, 0, 0, time.UTC)

func fixedBudget(n int64) BudgetFunc {
	return func(int) (int64, error) { return n, nil }
}

func newTestStore(t *testing.T, budget int64) *Store {
	t.Helper()
	s, err := New(25, fixedBudget(budget), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func event(offset time.Duration, key string) *model.Event {
	return model.NewEvent(storeBase.Add(offset), model.KindSIP, key, "ev "+key)
}

func addSession(s *Store, key string, offsets ...time.Duration) *model.Session {
	first := event(offsets[0], key)
	sess := model.NewSession(key, 0, first)
	s.AddSession(sess)
	s.Insert(first, true)
	for _, off := range offsets[1:] {
		ev := event(off, key)
		sess.Append(ev)
		s.Insert(ev, true)
	}
	return sess
}

func TestBudgetPercentClamp(t *testing.T) {
	var gotPct int
	fn := func(pct int) (int64, error) {
		gotPct = pct
		return 1 << 20, nil
	}

	if _, err := New(1, fn, zerolog.Nop()); err != nil {
		t.Fatal(err)
	}
	if gotPct != minMemoryPct {
		t.Errorf("pct 1 should clamp to %d, got %d", minMemoryPct, gotPct)
	}

	if _, err := New(99, fn, zerolog.Nop()); err != nil {
		t.Fatal(err)
	}
	if gotPct != maxMemoryPct {
		t.Errorf("pct 99 should clamp to %d, got %d", maxMemoryPct, gotPct)
	}
}

func TestTinyBudgetDegrades(t *testing.T) {
	s := newTestStore(t, 100)
	if !s.Degraded() {
		t.Fatal("expected degraded mode for a sub-session budget")
	}
	if got := s.Snapshot().BudgetBytes; got != avgSessionEstimate {
		t.Errorf("budget should floor at %d, got %d", avgSessionEstimate, got)
	}
}

func TestQueryOrderAndBounds(t *testing.T) {
	s := newTestStore(t, 1<<30)

	a := event(10*time.Second, "a")
	b := event(10*time.Second, "b") // same timestamp, later arrival
	c := event(0, "c")
	s.Insert(a, false)
	s.Insert(b, false)
	s.Insert(c, false)

	events, _ := s.Query(time.Time{}, time.Time{})
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0] != c || events[1] != a || events[2] != b {
		t.Error("expected timestamp order with arrival order on ties")
	}

	// Inclusive bounds.
	events, _ = s.Query(storeBase.Add(10*time.Second), storeBase.Add(10*time.Second))
	if len(events) != 2 {
		t.Fatalf("bounds are inclusive, expected 2 events, got %d", len(events))
	}

	// Out-of-window query.
	events, _ = s.Query(storeBase.Add(time.Hour), time.Time{})
	if len(events) != 0 {
		t.Errorf("expected empty result, got %d events", len(events))
	}
}

func TestQueryIsRepeatable(t *testing.T) {
	s := newTestStore(t, 1<<30)
	for i := 0; i < 10; i++ {
		s.Insert(event(time.Duration(i)*time.Second, "k"), false)
	}

	from, to := storeBase.Add(2*time.Second), storeBase.Add(7*time.Second)
	first, _ := s.Query(from, to)
	second, _ := s.Query(from, to)
	if len(first) != len(second) {
		t.Fatalf("repeat query changed: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("repeat query differs at %d", i)
		}
	}

	// A snapshot is unaffected by later inserts.
	s.Insert(event(5*time.Second, "late"), false)
	if len(first) != 6 {
		t.Errorf("snapshot mutated, len=%d", len(first))
	}
}

func TestQuerySessionOverlap(t *testing.T) {
	s := newTestStore(t, 1<<30)
	early := addSession(s, "early", 0, 5*time.Second)
	late := addSession(s, "late", time.Minute, 2*time.Minute)

	_, sessions := s.Query(storeBase, storeBase.Add(10*time.Second))
	if len(sessions) != 1 || sessions[0] != early {
		t.Fatalf("expected only the early session, got %d", len(sessions))
	}

	_, sessions = s.Query(time.Time{}, time.Time{})
	if len(sessions) != 2 || sessions[0] != early || sessions[1] != late {
		t.Fatal("expected both sessions ordered by first-seen")
	}
}

func TestSessionEvictionIsAtomic(t *testing.T) {
	s := newTestStore(t, 1<<30)

	var evicted []*model.Session
	s.SetOnEvict(func(sess *model.Session) { evicted = append(evicted, sess) })

	old := addSession(s, "old", 0, time.Second, 2*time.Second)
	addSession(s, "new", time.Minute, time.Minute+time.Second)

	// Shrink the budget to the size of the newer session only.
	s.mu.Lock()
	s.budget = s.bytes - int64(old.Size())
	s.mu.Unlock()
	s.Evict()

	events, sessions := s.Query(time.Time{}, time.Time{})
	for _, ev := range events {
		if ev.Key == "old" {
			t.Error("evicted session left an event behind")
		}
	}
	if len(sessions) != 1 || sessions[0].Key != "new" {
		t.Fatalf("expected only the new session, got %d", len(sessions))
	}
	if len(evicted) != 1 || evicted[0] != old {
		t.Errorf("eviction hook not fired for the old session: %v", evicted)
	}
	if got := s.SessionsByKey("old"); len(got) != 0 {
		t.Errorf("key index still lists the evicted session")
	}
}

func TestKeylessEventsAgeOutAlongsideSessions(t *testing.T) {
	s := newTestStore(t, 1<<30)

	noise := event(0, "")
	s.Insert(noise, false)
	sess := addSession(s, "k", time.Minute)

	s.mu.Lock()
	s.budget = int64(sess.Size())
	s.mu.Unlock()
	s.Evict()

	events, sessions := s.Query(time.Time{}, time.Time{})
	if len(sessions) != 1 {
		t.Fatalf("the newer session should survive, got %d sessions", len(sessions))
	}
	for _, ev := range events {
		if ev == noise {
			t.Error("older keyless event should have aged out first")
		}
	}
	if s.Snapshot().KeylessCount != 0 {
		t.Error("keyless bookkeeping not drained")
	}
}

func TestDegradedModeKeepsRetentionBounded(t *testing.T) {
	s := newTestStore(t, 100) // floors to avgSessionEstimate, degraded
	for i := 0; i < 1000; i++ {
		addSession(s, fmt.Sprintf("k%04d", i), time.Duration(i)*time.Second)
	}

	st := s.Snapshot()
	if st.Bytes > st.BudgetBytes {
		t.Errorf("retained %d bytes over the %d floor", st.Bytes, st.BudgetBytes)
	}
	if st.Sessions == 0 || st.Sessions >= 1000 {
		t.Errorf("expected a small non-empty working set, got %d sessions", st.Sessions)
	}
	// Survivors are the newest.
	_, sessions := s.Query(time.Time{}, time.Time{})
	for _, sess := range sessions {
		if sess.LastSeen.Before(storeBase.Add(900 * time.Second)) {
			t.Errorf("old session %s survived degraded eviction", sess.Key)
		}
	}
}

func TestSessionsByKeyAcrossEpochs(t *testing.T) {
	s := newTestStore(t, 1<<30)

	first := addSession(s, "k", 0)
	ev := event(time.Minute, "k")
	second := model.NewSession("k", 1, ev)
	s.AddSession(second)
	s.Insert(ev, true)

	got := s.SessionsByKey("k")
	if len(got) != 2 || got[0] != first || got[1] != second {
		t.Fatalf("expected both epochs oldest first, got %d", len(got))
	}
}
