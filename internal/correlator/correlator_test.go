package correlator

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/slsolucije/astlog/internal/model"
)

var testBase = time.Date(2026, 2, 17, 10, 0, 0, 0, time.UTC)

func sipEvent(key string, offset time.Duration) *model.Event {
	ev := model.NewEvent(testBase.Add(offset), model.KindSIP, key, "sip "+key)
	ev.Method = "INVITE"
	ev.CallID = key
	return ev
}

func cdrEvent(key string, offset time.Duration) *model.Event {
	ev := model.NewEvent(testBase.Add(offset), model.KindCDR, key, "cdr "+key)
	ev.Disposition = "ANSWERED"
	return ev
}

func newTestCorrelator() *Correlator {
	return New(zerolog.Nop())
}

func TestCreateAndAppend(t *testing.T) {
	c := newTestCorrelator()

	outcome, sess := c.Ingest(sipEvent("k1", 0))
	if outcome != OutcomeCreated || sess == nil {
		t.Fatalf("expected Created with session, got %v %v", outcome, sess)
	}

	outcome, other := c.Ingest(sipEvent("k1", time.Second))
	if outcome != OutcomeAppended || other != nil {
		t.Fatalf("expected Appended without session, got %v %v", outcome, other)
	}
	if len(sess.Events) != 2 {
		t.Errorf("expected 2 events in session, got %d", len(sess.Events))
	}
}

func TestKeylessIsUncorrelated(t *testing.T) {
	c := newTestCorrelator()

	ev := model.NewEvent(testBase, model.KindOther, "", "noise")
	outcome, sess := c.Ingest(ev)
	if outcome != OutcomeUncorrelated || sess != nil {
		t.Fatalf("expected Uncorrelated, got %v %v", outcome, sess)
	}
}

func TestCDRAttachAndDuplicate(t *testing.T) {
	c := newTestCorrelator()

	_, sess := c.Ingest(sipEvent("k1", 0))

	cdr := cdrEvent("k1", 5*time.Second)
	outcome, _ := c.Ingest(cdr)
	if outcome != OutcomeAttached {
		t.Fatalf("expected Attached, got %v", outcome)
	}
	if sess.CDR != cdr {
		t.Fatal("CDR not attached to session")
	}

	outcome, _ = c.Ingest(cdrEvent("k1", 6*time.Second))
	if outcome != OutcomeDuplicateCDR {
		t.Fatalf("expected DuplicateCDR, got %v", outcome)
	}
	if sess.CDR != cdr {
		t.Error("first CDR must win")
	}
	if len(sess.Observations) != 1 || sess.Observations[0].Kind != model.ObsDuplicateCDR {
		t.Errorf("expected one duplicate-CDR observation, got %+v", sess.Observations)
	}
	if len(sess.Events) != 3 {
		t.Errorf("duplicate CDR should still be appended, got %d events", len(sess.Events))
	}
}

// sipEventWithChannel models an auto-keyed signaling line that carries
// both the Call-ID (primary key) and a channel base (secondary token).
func sipEventWithChannel(key, alt string, offset time.Duration) *model.Event {
	ev := sipEvent(key, offset)
	ev.Channel = "SIP/" + alt + "-0000abcd"
	ev.AltKey = alt
	return ev
}

// channelKeyedCDR models a canonical 16-field CDR row: no Call-ID, so
// under the auto strategy its key is the channel base.
func channelKeyedCDR(base string, offset time.Duration) *model.Event {
	ev := model.NewEvent(testBase.Add(offset), model.KindCDR, base, "cdr "+base)
	ev.Channel = "SIP/" + base + "-0000abcd"
	ev.Disposition = "ANSWERED"
	return ev
}

func TestChannelKeyedCDRAttachesViaAlias(t *testing.T) {
	c := newTestCorrelator()

	_, sess := c.Ingest(sipEventWithChannel("abc@10.0.0.1", "1001", 0))

	cdr := channelKeyedCDR("1001", 5*time.Second)
	outcome, _ := c.Ingest(cdr)
	if outcome != OutcomeAttached {
		t.Fatalf("expected Attached via channel alias, got %v", outcome)
	}
	if sess.CDR != cdr {
		t.Error("CDR not attached to the call-id keyed session")
	}
	if len(sess.Events) != 2 {
		t.Errorf("expected 2 events in session, got %d", len(sess.Events))
	}
}

func TestChannelOnlyLineJoinsAliasedSession(t *testing.T) {
	c := newTestCorrelator()

	_, sess := c.Ingest(sipEventWithChannel("abc@10.0.0.1", "1001", 0))

	// A later line mentions only the channel; its primary key is the
	// channel base.
	ev := model.NewEvent(testBase.Add(time.Second), model.KindSIP, "1001", "chan only")
	ev.Channel = "SIP/1001-0000abcd"
	outcome, created := c.Ingest(ev)
	if outcome != OutcomeAppended || created != nil {
		t.Fatalf("expected Appended into aliased session, got %v %v", outcome, created)
	}
	if len(sess.Events) != 2 {
		t.Errorf("expected 2 events in session, got %d", len(sess.Events))
	}
}

func TestAliasAdoptsParkedCDR(t *testing.T) {
	c := newTestCorrelator()

	cdr := channelKeyedCDR("1001", 0)
	outcome, _ := c.Ingest(cdr)
	if outcome != OutcomePending {
		t.Fatalf("expected Pending, got %v", outcome)
	}

	_, sess := c.Ingest(sipEventWithChannel("abc@10.0.0.1", "1001", time.Second))
	if sess.CDR != cdr {
		t.Error("channel-parked CDR not adopted when the alias appeared")
	}
	if c.PendingLen() != 0 {
		t.Errorf("pending entry not removed after adoption, len=%d", c.PendingLen())
	}
}

func TestAliasesClearOnRotateAndForget(t *testing.T) {
	c := newTestCorrelator()

	_, sess := c.Ingest(sipEventWithChannel("abc@10.0.0.1", "1001", 0))
	c.Rotate()
	if outcome, _ := c.Ingest(channelKeyedCDR("1001", time.Second)); outcome != OutcomePending {
		t.Fatalf("alias survived rotation, got %v", outcome)
	}
	if sess.CDR != nil {
		t.Error("pre-rotation session must not receive a post-rotation CDR")
	}

	c2 := newTestCorrelator()
	_, sess2 := c2.Ingest(sipEventWithChannel("abc@10.0.0.1", "1001", 0))
	c2.Forget(sess2)
	if outcome, _ := c2.Ingest(channelKeyedCDR("1001", time.Second)); outcome != OutcomePending {
		t.Fatalf("alias survived Forget, got %v", outcome)
	}
}

func TestPendingCDRAdoption(t *testing.T) {
	c := newTestCorrelator()

	var adopted []*model.Event
	c.SetAdoptHook(func(ev *model.Event) { adopted = append(adopted, ev) })

	cdr := cdrEvent("k1", 0)
	outcome, _ := c.Ingest(cdr)
	if outcome != OutcomePending {
		t.Fatalf("expected Pending, got %v", outcome)
	}
	if c.PendingLen() != 1 {
		t.Fatalf("expected 1 pending entry, got %d", c.PendingLen())
	}

	outcome, sess := c.Ingest(sipEvent("k1", time.Second))
	if outcome != OutcomeCreated {
		t.Fatalf("expected Created, got %v", outcome)
	}
	if sess.CDR != cdr {
		t.Error("parked CDR not adopted by new session")
	}
	if len(adopted) != 1 || adopted[0] != cdr {
		t.Errorf("adopt hook not fired for parked CDR: %v", adopted)
	}
	if c.PendingLen() != 0 {
		t.Errorf("pending entry not removed after adoption, len=%d", c.PendingLen())
	}
}

func TestPendingTTLExpiry(t *testing.T) {
	c := newTestCorrelator()
	now := testBase
	c.now = func() time.Time { return now }

	c.Ingest(cdrEvent("k1", 0))

	now = now.Add(c.pendingTTL + time.Second)
	_, sess := c.Ingest(sipEvent("k1", 0))
	if sess == nil {
		t.Fatal("expected a session")
	}
	if sess.CDR != nil {
		t.Error("expired pending CDR must not be adopted")
	}
	if c.PendingLen() != 0 {
		t.Errorf("expected pending table drained, len=%d", c.PendingLen())
	}
}

func TestPendingCapEvictsOldest(t *testing.T) {
	c := newTestCorrelator()
	c.pendingCap = 2

	c.Ingest(cdrEvent("k1", 0))
	c.Ingest(cdrEvent("k2", time.Second))
	c.Ingest(cdrEvent("k3", 2*time.Second))

	if c.PendingLen() != 2 {
		t.Fatalf("expected cap to hold, len=%d", c.PendingLen())
	}

	_, sess := c.Ingest(sipEvent("k1", 3*time.Second))
	if sess.CDR != nil {
		t.Error("oldest pending entry should have been dropped")
	}
	_, sess = c.Ingest(sipEvent("k2", 4*time.Second))
	if sess.CDR == nil {
		t.Error("newer pending entry should have survived")
	}
}

func TestRotationStartsFreshSessions(t *testing.T) {
	c := newTestCorrelator()

	_, before := c.Ingest(sipEvent("k1", 0))
	c.Ingest(cdrEvent("parked", time.Second))

	c.Rotate()

	if c.PendingLen() != 0 {
		t.Errorf("pending table must clear on rotation, len=%d", c.PendingLen())
	}

	outcome, after := c.Ingest(sipEvent("k1", 2*time.Second))
	if outcome != OutcomeCreated {
		t.Fatalf("expected a fresh session after rotation, got %v", outcome)
	}
	if after == before || after.ID == before.ID {
		t.Error("sessions must not merge across a rotation boundary")
	}
	if after.Epoch != before.Epoch+1 {
		t.Errorf("expected epoch bump, got %d -> %d", before.Epoch, after.Epoch)
	}
	if len(before.Events) != 1 {
		t.Errorf("pre-rotation session grew after the boundary: %d events", len(before.Events))
	}
}

func TestForgetReleasesKey(t *testing.T) {
	c := newTestCorrelator()

	_, sess := c.Ingest(sipEvent("k1", 0))
	c.Forget(sess)

	outcome, fresh := c.Ingest(sipEvent("k1", time.Second))
	if outcome != OutcomeCreated || fresh == sess {
		t.Fatalf("expected a new session after Forget, got %v", outcome)
	}

	// Forget of a stale pointer must not release the current session.
	c.Forget(sess)
	outcome, _ = c.Ingest(sipEvent("k1", 2*time.Second))
	if outcome != OutcomeAppended {
		t.Errorf("stale Forget released the wrong session, got %v", outcome)
	}
}
