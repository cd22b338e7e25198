// Package schedule resolves the indicator catalogue into a rolling calendar
// of upcoming events and publishes it to the intelligence bus.
package schedule

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type RuleKind string

const (
	FixedDates  RuleKind = "fixed_dates"
	FirstFriday RuleKind = "first_friday"
	NthWeekday  RuleKind = "nth_weekday"
	Weekly      RuleKind = "weekly"
)

// Rule is the cadence of one indicator. Which fields matter depends on Kind.
type Rule struct {
	Kind    RuleKind `yaml:"kind" json:"kind"`
	Dates   []string `yaml:"dates,omitempty" json:"dates,omitempty"`
	Weekday string   `yaml:"weekday,omitempty" json:"weekday,omitempty"`
	N       int      `yaml:"n,omitempty" json:"n,omitempty"`

	dates   []civilDate
	weekday time.Weekday
}

type Indicator struct {
	Key    string `yaml:"key" json:"key"`
	Name   string `yaml:"name" json:"name"`
	Time   string `yaml:"time" json:"time"`
	Rating int    `yaml:"rating" json:"rating"`
	Rule   Rule   `yaml:"rule" json:"rule"`
}

// Catalogue is the full set of indicators plus the calendar they are
// resolved in.
type Catalogue struct {
	Timezone   string      `yaml:"timezone" json:"timezone"`
	Exchange   string      `yaml:"exchange" json:"exchange"`
	Holidays   []string    `yaml:"holidays" json:"holidays"`
	Indicators []Indicator `yaml:"indicators" json:"indicators"`

	loc *time.Location
}

var ErrInvalidCatalogue = errors.New("invalid schedule catalogue")

//go:embed default_catalogue.yaml
var defaultCatalogue []byte

// DefaultCatalogue returns the built-in catalogue.
func DefaultCatalogue() *Catalogue {
	c, err := ParseCatalogue(defaultCatalogue)
	if err != nil {
		panic(fmt.Sprintf("schedule: embedded catalogue: %v", err))
	}
	return c
}

// ParseCatalogue reads a YAML (or JSON) catalogue and validates every rule.
func ParseCatalogue(raw []byte) (*Catalogue, error) {
	var c Catalogue
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalogue, err)
	}
	if err := c.compile(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalogue) Location() *time.Location { return c.loc }

func (c *Catalogue) compile() error {
	if c.Timezone == "" {
		c.Timezone = "America/New_York"
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return fmt.Errorf("%w: timezone %q: %v", ErrInvalidCatalogue, c.Timezone, err)
	}
	c.loc = loc
	for _, h := range c.Holidays {
		if _, err := parseCivil(h); err != nil {
			return fmt.Errorf("%w: holiday %q: %v", ErrInvalidCatalogue, h, err)
		}
	}
	seen := make(map[string]bool, len(c.Indicators))
	for i := range c.Indicators {
		ind := &c.Indicators[i]
		if ind.Key == "" {
			return fmt.Errorf("%w: indicator %d has no key", ErrInvalidCatalogue, i)
		}
		if seen[ind.Key] {
			return fmt.Errorf("%w: indicator %q declared twice", ErrInvalidCatalogue, ind.Key)
		}
		seen[ind.Key] = true
		if _, err := time.Parse("15:04", ind.Time); err != nil {
			return fmt.Errorf("%w: indicator %q: time %q is not HH:MM", ErrInvalidCatalogue, ind.Key, ind.Time)
		}
		if err := ind.Rule.compile(); err != nil {
			return fmt.Errorf("%w: indicator %q: %v", ErrInvalidCatalogue, ind.Key, err)
		}
	}
	return nil
}

func (r *Rule) compile() error {
	switch r.Kind {
	case FixedDates:
		r.dates = r.dates[:0]
		for _, d := range r.Dates {
			cd, err := parseCivil(d)
			if err != nil {
				return fmt.Errorf("date %q: %v", d, err)
			}
			r.dates = append(r.dates, cd)
		}
	case FirstFriday:
	case NthWeekday, Weekly:
		wd, ok := parseWeekday(r.Weekday)
		if !ok {
			return fmt.Errorf("unknown weekday %q", r.Weekday)
		}
		r.weekday = wd
		if r.Kind == NthWeekday && (r.N < 1 || r.N > 5) {
			return fmt.Errorf("n must be between 1 and 5, got %d", r.N)
		}
	default:
		return fmt.Errorf("unknown rule kind %q", r.Kind)
	}
	return nil
}

func parseWeekday(s string) (time.Weekday, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if s == name || (len(s) == 3 && strings.HasPrefix(name, s)) {
			return d, true
		}
	}
	return 0, false
}
