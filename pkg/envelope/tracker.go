package envelope

import (
	"container/list"
	"sync"
)

// Verdict is what a Tracker decided about one observed envelope.
type Verdict int

const (
	// Fresh envelopes continue the aggregate's sequence.
	Fresh Verdict = iota
	// Duplicate envelopes carry an event id already seen.
	Duplicate
	// Gap envelopes arrive after one or more missing sequence numbers.
	Gap
	// Stale envelopes have an unseen id but a sequence at or below the
	// highest already observed, such as a late event filling an earlier gap.
	Stale
)

func (v Verdict) String() string {
	switch v {
	case Fresh:
		return "fresh"
	case Duplicate:
		return "duplicate"
	case Gap:
		return "gap"
	default:
		return "stale"
	}
}

// Observation describes one envelope relative to what came before.
type Observation struct {
	Verdict Verdict
	// Missing lists the sequence range skipped before a Gap, inclusive.
	MissingFrom int64
	MissingTo   int64
}

// Tracker deduplicates on event id within a bounded window and detects gaps
// via per-aggregate sequence numbers. Safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	window  int
	ids     map[string]*list.Element
	order   *list.List
	highest map[string]int64
}

func NewTracker(window int) *Tracker {
	if window <= 0 {
		window = 4096
	}
	return &Tracker{
		window:  window,
		ids:     make(map[string]*list.Element, window),
		order:   list.New(),
		highest: make(map[string]int64),
	}
}

// Resume seeds the highest sequence a reconnecting consumer already holds.
func (t *Tracker) Resume(aggregate string, seq int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if seq > t.highest[aggregate] {
		t.highest[aggregate] = seq
	}
}

// Highest returns the highest sequence observed for aggregate.
func (t *Tracker) Highest(aggregate string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.highest[aggregate]
}

// Observe records e and classifies it. A relay forwards everything but
// Duplicate; a consumer that already holds the sequence may skip Stale too.
func (t *Tracker) Observe(e Envelope) Observation {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, seen := t.ids[e.EventID]; seen {
		return Observation{Verdict: Duplicate}
	}
	t.remember(e.EventID)

	agg := e.Aggregate()
	prev := t.highest[agg]
	switch {
	case e.Sequence <= prev:
		return Observation{Verdict: Stale}
	case e.Sequence == prev+1:
		t.highest[agg] = e.Sequence
		return Observation{Verdict: Fresh}
	default:
		t.highest[agg] = e.Sequence
		return Observation{Verdict: Gap, MissingFrom: prev + 1, MissingTo: e.Sequence - 1}
	}
}

func (t *Tracker) remember(id string) {
	t.ids[id] = t.order.PushBack(id)
	for t.order.Len() > t.window {
		oldest := t.order.Front()
		t.order.Remove(oldest)
		delete(t.ids, oldest.Value.(string))
	}
}
