package model

import (
	"testing"
	"time"
)

var sessBase = time.Date(2026, 2, 17, 10, 0, 0, 0, time.UTC)

func sip(offset time.Duration, method string, status int) *Event {
	ev := NewEvent(sessBase.Add(offset), KindSIP, "k", "raw")
	ev.Method = method
	ev.StatusCode = status
	return ev
}

func TestDispositionLifecycle(t *testing.T) {
	s := NewSession("k", 0, sip(0, "INVITE", 0))
	if got := s.Disposition(); got != DispositionUnknown {
		t.Errorf("after INVITE: got %s", got)
	}

	s.Append(sip(time.Second, "", 180))
	if got := s.Disposition(); got != DispositionRinging {
		t.Errorf("after 180: got %s", got)
	}

	s.Append(sip(2*time.Second, "", 200))
	s.Append(sip(3*time.Second, "ACK", 0))
	if got := s.Disposition(); got != DispositionEstablished {
		t.Errorf("after 200+ACK: got %s", got)
	}

	s.Append(sip(10*time.Second, "BYE", 0))
	if got := s.Disposition(); got != DispositionFinished {
		t.Errorf("after BYE: got %s", got)
	}
}

func TestDispositionFailed(t *testing.T) {
	s := NewSession("k", 0, sip(0, "INVITE", 0))
	s.Append(sip(time.Second, "", 486))
	if got := s.Disposition(); got != DispositionFailed {
		t.Errorf("after 486: got %s", got)
	}
}

func TestSeenBoundsTrackOutOfOrderAppends(t *testing.T) {
	s := NewSession("k", 0, sip(10*time.Second, "INVITE", 0))
	s.Append(sip(2*time.Second, "", 100))
	s.Append(sip(20*time.Second, "BYE", 0))

	if !s.FirstSeen.Equal(sessBase.Add(2 * time.Second)) {
		t.Errorf("FirstSeen = %s", s.FirstSeen)
	}
	if !s.LastSeen.Equal(sessBase.Add(20 * time.Second)) {
		t.Errorf("LastSeen = %s", s.LastSeen)
	}
}

func TestAttachCDRFirstWins(t *testing.T) {
	s := NewSession("k", 0, sip(0, "INVITE", 0))
	first := NewEvent(sessBase, KindCDR, "k", "cdr1")
	second := NewEvent(sessBase, KindCDR, "k", "cdr2")

	if !s.AttachCDR(first) {
		t.Fatal("first attach must succeed")
	}
	if s.AttachCDR(second) {
		t.Fatal("second attach must be rejected")
	}
	if s.CDR != first {
		t.Error("attached CDR changed")
	}
}

func TestCloneIsDetached(t *testing.T) {
	s := NewSession("k", 0, sip(0, "INVITE", 0))
	c := s.Clone()

	s.Append(sip(time.Second, "", 486))
	s.Observe(ObsDuplicateCDR, "late", sessBase)

	if len(c.Events) != 1 {
		t.Errorf("clone grew with the live session: %d events", len(c.Events))
	}
	if len(c.Observations) != 0 {
		t.Errorf("clone picked up later observations: %d", len(c.Observations))
	}
	if got := c.Disposition(); got != DispositionUnknown {
		t.Errorf("clone disposition changed, got %s", got)
	}
	if got := s.Disposition(); got != DispositionFailed {
		t.Errorf("live session disposition = %s", got)
	}
}

func TestEventSummary(t *testing.T) {
	ev := NewEvent(sessBase, KindSIP, "k", "raw line")
	ev.Direction = "OUT"
	ev.Method = "INVITE"
	ev.PeerAddr = "10.0.0.2:5060"
	if got := ev.Summary(); got != "OUT INVITE peer=10.0.0.2:5060" {
		t.Errorf("summary = %q", got)
	}

	cdr := NewEvent(sessBase, KindCDR, "k", "")
	cdr.Src, cdr.Dst = "1001", "2001"
	cdr.DurationSec, cdr.BillSec = 5, 3
	cdr.Disposition = "ANSWERED"
	if got := cdr.Summary(); got != "CDR 1001 -> 2001 dur=5s bill=3s ANSWERED" {
		t.Errorf("summary = %q", got)
	}
}
