// Package correlator groups parsed events into per-call sessions and
// matches CDR records against them, tolerating out-of-order arrival.
package correlator

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/slsolucije/astlog/internal/metrics"
	"github.com/slsolucije/astlog/internal/model"
)

// Outcome classifies what Ingest did with an event.
type Outcome int

const (
	// OutcomeUncorrelated: the event carries no key; context only.
	OutcomeUncorrelated Outcome = iota
	// OutcomeCreated: a new session was started for the key.
	OutcomeCreated
	// OutcomeAppended: the event joined an existing session.
	OutcomeAppended
	// OutcomeAttached: a CDR record was attached to its session.
	OutcomeAttached
	// OutcomeDuplicateCDR: the session already had a CDR; the record was
	// appended and flagged.
	OutcomeDuplicateCDR
	// OutcomePending: a CDR record arrived before any signaling; parked.
	OutcomePending
)

const (
	defaultPendingTTL = 2 * time.Minute
	defaultPendingCap = 1024
)

type pendingCDR struct {
	event *model.Event
	added time.Time
}

// Correlator maintains the active session per correlation key and a
// bounded pending table for CDR records that arrive ahead of their
// signaling. It is not safe for concurrent use; the single ingestion
// goroutine owns it.
type Correlator struct {
	log   zerolog.Logger
	epoch uint64

	active  map[string]*model.Session
	aliases map[string]*model.Session // secondary token -> owning session

	pending      map[string]pendingCDR
	pendingOrder []string // insertion order for FIFO eviction
	pendingTTL   time.Duration
	pendingCap   int

	// onAdopt fires when a parked CDR finally joins a session, so the
	// caller can index the record it withheld while the CDR was pending.
	onAdopt func(*model.Event)

	now func() time.Time
}

// New creates a Correlator with the default pending-table bounds.
func New(log zerolog.Logger) *Correlator {
	return &Correlator{
		log:        log.With().Str("component", "correlator").Logger(),
		active:     make(map[string]*model.Session),
		aliases:    make(map[string]*model.Session),
		pending:    make(map[string]pendingCDR),
		pendingTTL: defaultPendingTTL,
		pendingCap: defaultPendingCap,
		now:        time.Now,
	}
}

// SetAdoptHook registers the pending-CDR adoption callback.
func (c *Correlator) SetAdoptHook(fn func(*model.Event)) { c.onAdopt = fn }

// Ingest routes one event. When a new session is created it is returned
// so the caller can hand ownership to the window store.
func (c *Correlator) Ingest(ev *model.Event) (Outcome, *model.Session) {
	c.expirePending()

	if ev.Key == "" {
		return OutcomeUncorrelated, nil
	}

	if ev.Kind == model.KindCDR {
		return c.ingestCDR(ev)
	}

	sess, ok := c.active[ev.Key]
	if !ok {
		// A channel-only line may still belong to a Call-ID keyed
		// session that announced the channel earlier.
		if alias, hit := c.aliases[ev.Key]; hit {
			alias.Append(ev)
			c.registerAlias(alias, ev.AltKey)
			return OutcomeAppended, nil
		}
		sess = model.NewSession(ev.Key, c.epoch, ev)
		c.active[ev.Key] = sess
		c.registerAlias(sess, ev.AltKey)
		c.adoptPending(sess, ev.Key)
		return OutcomeCreated, sess
	}
	sess.Append(ev)
	c.registerAlias(sess, ev.AltKey)
	return OutcomeAppended, nil
}

func (c *Correlator) ingestCDR(ev *model.Event) (Outcome, *model.Session) {
	if sess := c.sessionFor(ev); sess != nil {
		sess.Append(ev)
		if sess.AttachCDR(ev) {
			return OutcomeAttached, nil
		}
		sess.Observe(model.ObsDuplicateCDR, "second CDR for key "+ev.Key, ev.Timestamp)
		metrics.DuplicateCDRTotal.Inc()
		return OutcomeDuplicateCDR, nil
	}

	// Signaling not seen yet; park the record until it shows up or the
	// entry ages out.
	if _, exists := c.pending[ev.Key]; !exists {
		if len(c.pending) >= c.pendingCap {
			c.dropOldestPending()
		}
		c.pendingOrder = append(c.pendingOrder, ev.Key)
	}
	c.pending[ev.Key] = pendingCDR{event: ev, added: c.now()}
	return OutcomePending, nil
}

// sessionFor resolves a CDR's session through both token spaces: its
// primary key and its secondary token, against sessions and aliases.
func (c *Correlator) sessionFor(ev *model.Event) *model.Session {
	for _, key := range []string{ev.Key, ev.AltKey} {
		if key == "" {
			continue
		}
		if sess, ok := c.active[key]; ok {
			return sess
		}
		if sess, ok := c.aliases[key]; ok {
			return sess
		}
	}
	return nil
}

// registerAlias indexes a session under its secondary token and adopts
// any CDR parked under it.
func (c *Correlator) registerAlias(sess *model.Session, alt string) {
	if alt == "" || alt == sess.Key {
		return
	}
	if _, taken := c.active[alt]; taken {
		return // another session owns this token as its primary key
	}
	c.aliases[alt] = sess
	c.adoptPending(sess, alt)
}

// adoptPending attaches a CDR parked under key to the session.
func (c *Correlator) adoptPending(sess *model.Session, key string) {
	p, ok := c.pending[key]
	if !ok {
		return
	}
	delete(c.pending, key)
	sess.Append(p.event)
	if !sess.AttachCDR(p.event) {
		sess.Observe(model.ObsDuplicateCDR, "second CDR for key "+key, p.event.Timestamp)
		metrics.DuplicateCDRTotal.Inc()
	}
	if c.onAdopt != nil {
		c.onAdopt(p.event)
	}
	c.log.Debug().Str("key", key).Msg("pending CDR matched to session")
}

// expirePending drops entries older than the TTL, oldest first.
func (c *Correlator) expirePending() {
	if len(c.pendingOrder) == 0 {
		return
	}
	cutoff := c.now().Add(-c.pendingTTL)
	kept := c.pendingOrder[:0]
	for _, key := range c.pendingOrder {
		p, ok := c.pending[key]
		if !ok {
			continue // already adopted or dropped
		}
		if p.added.Before(cutoff) {
			delete(c.pending, key)
			metrics.PendingCDRDroppedTotal.Inc()
			c.log.Debug().Str("key", key).Msg("pending CDR expired unmatched")
			continue
		}
		kept = append(kept, key)
	}
	c.pendingOrder = kept
}

// dropOldestPending evicts the oldest pending entry to respect the cap.
func (c *Correlator) dropOldestPending() {
	for len(c.pendingOrder) > 0 {
		key := c.pendingOrder[0]
		c.pendingOrder = c.pendingOrder[1:]
		if _, ok := c.pending[key]; ok {
			delete(c.pending, key)
			metrics.PendingCDRDroppedTotal.Inc()
			c.log.Debug().Str("key", key).Msg("pending CDR dropped, table full")
			return
		}
	}
}

// Rotate marks a rotation boundary: correlation keys do not carry over,
// so active sessions stop receiving appends and the pending table is
// cleared. Already-built sessions stay queryable in the store.
func (c *Correlator) Rotate() {
	c.epoch++
	clear(c.active)
	clear(c.aliases)
	dropped := len(c.pending)
	clear(c.pending)
	c.pendingOrder = c.pendingOrder[:0]
	if dropped > 0 {
		metrics.PendingCDRDroppedTotal.Add(float64(dropped))
	}
	metrics.RotationsTotal.Inc()
	c.log.Info().Uint64("epoch", c.epoch).Int("pending_dropped", dropped).
		Msg("rotation boundary, session continuity reset")
}

// Forget removes an evicted session from the active map so a future
// event with the same key starts a fresh session. Called by the window
// store's eviction hook.
func (c *Correlator) Forget(sess *model.Session) {
	if cur, ok := c.active[sess.Key]; ok && cur == sess {
		delete(c.active, sess.Key)
	}
	for alt, cand := range c.aliases {
		if cand == sess {
			delete(c.aliases, alt)
		}
	}
}

// PendingLen reports the pending-table size (diagnostics).
func (c *Correlator) PendingLen() int { return len(c.pending) }
