// Package keys turns the declarative topic catalogue into concrete bus keys
// and channel names. No other package spells out naming conventions.
package keys

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"tradegate/pkg/bus"
)

// Keys and channels owned by the gateway itself, with the bus each lives on.
const (
	ConfigKey              = "gateway:config"            // governance
	GatesKey               = "gateway:tier-gates"        // governance
	GatesReloadChannel     = "gateway:tier-gates:reload" // governance
	HeartbeatPrefix        = "gateway:heartbeat:"        // governance
	RateLimitPrefix        = "gateway:rl:"               // governance
	ScheduleKey            = "intel:schedule:calendar"   // intel
	ScheduleCatalogueKey   = "intel:schedule:catalogue"  // intel
	ScheduleRebuildChannel = "intel:schedule:rebuild"    // intel
)

const (
	symbolPlaceholder = "{symbol}"
	datePlaceholder   = "{date}"
)

type Mode string

const (
	Poll      Mode = "poll"
	Subscribe Mode = "subscribe"
)

type Source string

const (
	SourceBus   Source = "bus"
	SourceKafka Source = "kafka"
)

// TopicSpec is one entry of the declarative topic catalogue.
type TopicSpec struct {
	Name       string   `mapstructure:"name" json:"name"`
	Bus        bus.Name `mapstructure:"bus" json:"bus"`
	Mode       Mode     `mapstructure:"mode" json:"mode"`
	Key        string   `mapstructure:"key" json:"key,omitempty"`
	Channels   []string `mapstructure:"channels" json:"channels,omitempty"`
	Symbols    []string `mapstructure:"symbols" json:"symbols,omitempty"`
	Event      string   `mapstructure:"event" json:"event,omitempty"`
	Envelope   bool     `mapstructure:"envelope" json:"envelope,omitempty"`
	Gate       string   `mapstructure:"gate" json:"gate,omitempty"`
	Source     Source   `mapstructure:"source" json:"source,omitempty"`
	KafkaTopic string   `mapstructure:"kafka_topic" json:"kafka_topic,omitempty"`
}

// PerSymbol reports whether the topic fans out by symbol.
func (s TopicSpec) PerSymbol() bool {
	if strings.Contains(s.Key, symbolPlaceholder) {
		return true
	}
	for _, ch := range s.Channels {
		if strings.Contains(ch, symbolPlaceholder) {
			return true
		}
	}
	return false
}

// Ref binds one concrete key or channel to the concrete topic it feeds.
type Ref struct {
	Topic  string
	Name   string
	Symbol string
}

var ErrUnknownTopic = errors.New("unknown topic")

// Concrete builds the client-facing topic for a base topic and optional symbol.
func Concrete(topic, symbol string) string {
	if symbol == "" {
		return topic
	}
	return topic + "/" + symbol
}

// Resolver is immutable once built; a catalogue change builds a new one.
type Resolver struct {
	specs map[string]TopicSpec
	loc   *time.Location
	now   func() time.Time
}

func NewResolver(specs []TopicSpec, loc *time.Location) (*Resolver, error) {
	if loc == nil {
		loc = time.UTC
	}
	r := &Resolver{specs: make(map[string]TopicSpec, len(specs)), loc: loc, now: time.Now}
	for _, spec := range specs {
		spec.Name = strings.TrimSpace(spec.Name)
		if spec.Source == "" {
			spec.Source = SourceBus
		}
		if err := validate(spec); err != nil {
			return nil, err
		}
		if _, dup := r.specs[spec.Name]; dup {
			return nil, fmt.Errorf("topic %q declared twice", spec.Name)
		}
		r.specs[spec.Name] = spec
	}
	return r, nil
}

func validate(spec TopicSpec) error {
	if spec.Name == "" || strings.Contains(spec.Name, "/") {
		return fmt.Errorf("invalid topic name %q", spec.Name)
	}
	if spec.Source == SourceKafka {
		if spec.KafkaTopic == "" {
			return fmt.Errorf("topic %q: kafka_topic is required for kafka source", spec.Name)
		}
		return nil
	}
	if !spec.Bus.Valid() {
		return fmt.Errorf("topic %q: %w: %q", spec.Name, bus.ErrUnknownBus, spec.Bus)
	}
	switch spec.Mode {
	case Poll:
		if spec.Key == "" {
			return fmt.Errorf("topic %q: poll mode requires a key", spec.Name)
		}
	case Subscribe:
		if len(spec.Channels) == 0 {
			return fmt.Errorf("topic %q: subscribe mode requires channels", spec.Name)
		}
	default:
		return fmt.Errorf("topic %q: unknown mode %q", spec.Name, spec.Mode)
	}
	if spec.PerSymbol() && len(spec.Symbols) == 0 {
		return fmt.Errorf("topic %q: {symbol} pattern requires symbols", spec.Name)
	}
	return nil
}

func (r *Resolver) Spec(name string) (TopicSpec, bool) {
	spec, ok := r.specs[name]
	return spec, ok
}

// Specs returns the catalogue sorted by name.
func (r *Resolver) Specs() []TopicSpec {
	out := make([]TopicSpec, 0, len(r.specs))
	for _, s := range r.specs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Topic validates a client request and returns the concrete topic.
func (r *Resolver) Topic(name, symbol string) (string, TopicSpec, error) {
	spec, ok := r.specs[name]
	if !ok {
		return "", TopicSpec{}, fmt.Errorf("%w: %q", ErrUnknownTopic, name)
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if !spec.PerSymbol() {
		if symbol != "" {
			return "", TopicSpec{}, fmt.Errorf("%w: %q is not a per-symbol topic", ErrUnknownTopic, name)
		}
		return name, spec, nil
	}
	if symbol == "" {
		return "", TopicSpec{}, fmt.Errorf("%w: %q requires a symbol", ErrUnknownTopic, name)
	}
	for _, s := range spec.Symbols {
		if strings.EqualFold(s, symbol) {
			return Concrete(name, symbol), spec, nil
		}
	}
	return "", TopicSpec{}, fmt.Errorf("%w: symbol %q not tracked for %q", ErrUnknownTopic, symbol, name)
}

// Keys expands a poll topic's key pattern at the current civil date.
func (r *Resolver) Keys(spec TopicSpec) []Ref {
	return r.expand(spec.Name, []string{spec.Key}, spec.Symbols)
}

// KeyFor resolves the key backing one concrete topic.
func (r *Resolver) KeyFor(spec TopicSpec, symbol string) (string, bool) {
	for _, ref := range r.Keys(spec) {
		if strings.EqualFold(ref.Symbol, symbol) {
			return ref.Name, true
		}
	}
	return "", false
}

// Subscription is one channel or pattern to subscribe to for a topic.
type Subscription struct {
	Ref
	Pattern bool
}

// Subscriptions expands a subscribe topic's channels. A {date} placeholder
// becomes a glob pattern so a long-lived subscription survives midnight.
func (r *Resolver) Subscriptions(spec TopicSpec) []Subscription {
	var out []Subscription
	for _, ch := range spec.Channels {
		pattern := strings.Contains(ch, datePlaceholder)
		ch = strings.ReplaceAll(ch, datePlaceholder, "*")
		for _, ref := range r.expand(spec.Name, []string{ch}, spec.Symbols) {
			out = append(out, Subscription{Ref: ref, Pattern: pattern})
		}
	}
	return out
}

func (r *Resolver) expand(topic string, patterns, symbols []string) []Ref {
	date := r.now().In(r.loc).Format(time.DateOnly)
	var out []Ref
	for _, p := range patterns {
		p = strings.ReplaceAll(p, datePlaceholder, date)
		if !strings.Contains(p, symbolPlaceholder) {
			out = append(out, Ref{Topic: topic, Name: p})
			continue
		}
		for _, sym := range symbols {
			sym = strings.ToUpper(strings.TrimSpace(sym))
			out = append(out, Ref{
				Topic:  Concrete(topic, sym),
				Name:   strings.ReplaceAll(p, symbolPlaceholder, sym),
				Symbol: sym,
			})
		}
	}
	return out
}

// Heartbeat returns the liveness key for one gateway process.
func Heartbeat(instance string) string { return HeartbeatPrefix + instance }
