package envelope

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func env(id, agg string, seq int64) Envelope {
	return Envelope{
		EventID:       id,
		Sequence:      seq,
		Type:          "trade.updated",
		AggregateType: "trade",
		AggregateID:   agg,
		OccurredAt:    time.Date(2026, 1, 5, 14, 30, 0, 0, time.UTC),
	}
}

func TestParseValidates(t *testing.T) {
	if _, err := Parse([]byte(`{"event_id":"a","sequence":1,"type":"x","aggregate_type":"trade","aggregate_id":"1","occurred_at":"2026-01-05T14:30:00Z"}`)); err != nil {
		t.Fatalf("valid envelope rejected: %v", err)
	}
	for name, raw := range map[string]string{
		"not json":    `nope`,
		"no id":       `{"sequence":1,"type":"x","aggregate_type":"t","aggregate_id":"1","occurred_at":"2026-01-05T14:30:00Z"}`,
		"zero seq":    `{"event_id":"a","type":"x","aggregate_type":"t","aggregate_id":"1","occurred_at":"2026-01-05T14:30:00Z"}`,
		"no occurred": `{"event_id":"a","sequence":1,"type":"x","aggregate_type":"t","aggregate_id":"1"}`,
	} {
		if _, err := Parse([]byte(raw)); !errors.Is(err, ErrInvalid) {
			t.Fatalf("%s: expected ErrInvalid, got %v", name, err)
		}
	}
}

func TestNewAssignsUniqueIDs(t *testing.T) {
	a, err := New("gateway.started", "gateway", "i-1", 1, map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	b, _ := New("gateway.started", "gateway", "i-1", 2, nil)
	if a.EventID == b.EventID || a.Validate() != nil || b.Validate() != nil {
		t.Fatalf("expected two valid envelopes with distinct ids: %+v %+v", a, b)
	}
	if string(a.Payload) != `{"k":"v"}` {
		t.Fatalf("unexpected payload %s", a.Payload)
	}
}

func TestTrackerDetectsExactlyMissedEvents(t *testing.T) {
	tr := NewTracker(16)
	delivered := []Envelope{
		env("e1", "A", 1),
		env("e2", "A", 2),
		env("e2", "A", 2), // redelivery
		env("e5", "A", 5),
		env("b1", "B", 1),
		env("e3", "A", 3), // late arrival after gap
	}
	var processed []string
	var gaps [][2]int64
	for _, e := range delivered {
		obs := tr.Observe(e)
		switch obs.Verdict {
		case Fresh:
			processed = append(processed, e.EventID)
		case Gap:
			processed = append(processed, e.EventID)
			gaps = append(gaps, [2]int64{obs.MissingFrom, obs.MissingTo})
		}
	}
	if fmt.Sprint(processed) != "[e1 e2 e5 b1]" {
		t.Fatalf("unexpected processed order %v", processed)
	}
	if len(gaps) != 1 || gaps[0] != [2]int64{3, 4} {
		t.Fatalf("expected one gap 3..4, got %v", gaps)
	}
	if tr.Highest("trade/A") != 5 || tr.Highest("trade/B") != 1 {
		t.Fatalf("unexpected highest values")
	}
}

func TestTrackerResumeAfterReconnect(t *testing.T) {
	tr := NewTracker(8)
	tr.Resume("trade/A", 10)
	if obs := tr.Observe(env("x9", "A", 9)); obs.Verdict != Stale {
		t.Fatalf("expected stale, got %s", obs.Verdict)
	}
	if obs := tr.Observe(env("x11", "A", 11)); obs.Verdict != Fresh {
		t.Fatalf("expected fresh, got %s", obs.Verdict)
	}
	if obs := tr.Observe(env("x11", "A", 11)); obs.Verdict != Duplicate {
		t.Fatalf("expected duplicate, got %s", obs.Verdict)
	}
}

func TestTrackerWindowIsBounded(t *testing.T) {
	tr := NewTracker(2)
	tr.Observe(env("a", "A", 1))
	tr.Observe(env("b", "A", 2))
	tr.Observe(env("c", "A", 3))
	if len(tr.ids) != 2 || tr.order.Len() != 2 {
		t.Fatalf("window not bounded: %d ids", len(tr.ids))
	}
	// "a" fell out of the window, but its sequence is still behind.
	if obs := tr.Observe(env("a", "A", 1)); obs.Verdict != Stale {
		t.Fatalf("expected stale after eviction, got %s", obs.Verdict)
	}
}
