package keys

import (
	"errors"
	"strings"
	"testing"
	"time"

	"tradegate/pkg/bus"
)

func testCatalogue() []TopicSpec {
	return []TopicSpec{
		{Name: "prices", Bus: bus.Market, Mode: Poll, Key: "market:spot"},
		{Name: "structure", Bus: bus.Intel, Mode: Poll, Key: "intel:structure:{symbol}", Symbols: []string{"spx", "NDX"}},
		{Name: "alerts", Bus: bus.Intel, Mode: Subscribe, Channels: []string{"intel:alerts:{date}"}},
		{Name: "journal", Source: SourceKafka, KafkaTopic: "journal.outbox", Envelope: true},
	}
}

func TestResolverExpandsPatterns(t *testing.T) {
	loc, _ := time.LoadLocation("America/New_York")
	r, err := NewResolver(testCatalogue(), loc)
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	r.now = func() time.Time { return time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC) }

	spec, _ := r.Spec("structure")
	refs := r.Keys(spec)
	if len(refs) != 2 {
		t.Fatalf("expected 2 refs, got %+v", refs)
	}
	if refs[0].Name != "intel:structure:SPX" || refs[0].Topic != "structure/SPX" || refs[0].Symbol != "SPX" {
		t.Fatalf("unexpected first ref: %+v", refs[0])
	}

	prices, _ := r.Spec("prices")
	prices.Key = "market:close:{date}"
	// 03:00 UTC on March 2 is still March 1 in New York.
	if refs := r.Keys(prices); len(refs) != 1 || refs[0].Name != "market:close:2026-03-01" || refs[0].Topic != "prices" {
		t.Fatalf("unexpected dated key: %+v", refs)
	}

	alerts, _ := r.Spec("alerts")
	subs := r.Subscriptions(alerts)
	if len(subs) != 1 || subs[0].Name != "intel:alerts:*" || !subs[0].Pattern || subs[0].Topic != "alerts" {
		t.Fatalf("unexpected subscriptions: %+v", subs)
	}
}

func TestResolverTopicValidation(t *testing.T) {
	r, err := NewResolver(testCatalogue(), nil)
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	if topic, _, err := r.Topic("prices", ""); err != nil || topic != "prices" {
		t.Fatalf("expected prices, got %q %v", topic, err)
	}
	if topic, _, err := r.Topic("structure", "ndx"); err != nil || topic != "structure/NDX" {
		t.Fatalf("expected structure/NDX, got %q %v", topic, err)
	}
	for _, tc := range []struct{ name, symbol string }{
		{"nope", ""},
		{"prices", "SPX"},
		{"structure", ""},
		{"structure", "AAPL"},
	} {
		if _, _, err := r.Topic(tc.name, tc.symbol); !errors.Is(err, ErrUnknownTopic) {
			t.Fatalf("%s/%s: expected ErrUnknownTopic, got %v", tc.name, tc.symbol, err)
		}
	}
}

func TestResolverRejectsInvalidCatalogue(t *testing.T) {
	cases := map[string][]TopicSpec{
		"duplicate":      {{Name: "a", Bus: bus.Market, Mode: Poll, Key: "k"}, {Name: "a", Bus: bus.Market, Mode: Poll, Key: "k2"}},
		"bad bus":        {{Name: "a", Bus: "ledger", Mode: Poll, Key: "k"}},
		"no key":         {{Name: "a", Bus: bus.Market, Mode: Poll}},
		"no channels":    {{Name: "a", Bus: bus.Market, Mode: Subscribe}},
		"bad mode":       {{Name: "a", Bus: bus.Market, Mode: "push", Key: "k"}},
		"symbol pattern": {{Name: "a", Bus: bus.Market, Mode: Poll, Key: "k:{symbol}"}},
		"slash":          {{Name: "a/b", Bus: bus.Market, Mode: Poll, Key: "k"}},
		"kafka topic":    {{Name: "a", Source: SourceKafka}},
	}
	for name, specs := range cases {
		if _, err := NewResolver(specs, nil); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestSpecsSortedAndDefaultSource(t *testing.T) {
	r, err := NewResolver(testCatalogue(), nil)
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	specs := r.Specs()
	for i := 1; i < len(specs); i++ {
		if strings.Compare(specs[i-1].Name, specs[i].Name) > 0 {
			t.Fatalf("specs not sorted: %+v", specs)
		}
	}
	prices, _ := r.Spec("prices")
	if prices.Source != SourceBus {
		t.Fatalf("expected default bus source, got %q", prices.Source)
	}
	if Heartbeat("abc") != "gateway:heartbeat:abc" {
		t.Fatalf("unexpected heartbeat key %q", Heartbeat("abc"))
	}
}
