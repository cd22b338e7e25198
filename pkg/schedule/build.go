package schedule

import (
	"sort"
	"time"
)

// DefaultWindowDays is the length of the rolling window, today included.
const DefaultWindowDays = 7

type Event struct {
	Key    string    `json:"key"`
	Name   string    `json:"name"`
	Time   string    `json:"time"`
	At     time.Time `json:"at"`
	Rating int       `json:"rating"`
}

type Day struct {
	Date   string  `json:"date"`
	Events []Event `json:"events"`
}

// Artifact is one complete build. It is never patched; the next build
// replaces it.
type Artifact struct {
	Version     int64     `json:"version"`
	Timezone    string    `json:"timezone"`
	WindowStart string    `json:"window_start"`
	WindowEnd   string    `json:"window_end"`
	GeneratedAt time.Time `json:"generated_at"`
	Days        []Day     `json:"days"`
}

// Events counts the events across all days.
func (a Artifact) Events() int {
	n := 0
	for _, d := range a.Days {
		n += len(d.Events)
	}
	return n
}

// Build resolves every indicator occurrence in the window starting at the
// civil date of now. The output depends only on its inputs.
func Build(cat *Catalogue, holidays Holidays, now time.Time, days int) Artifact {
	if days <= 0 {
		days = DefaultWindowDays
	}
	loc := cat.Location()
	start := civilIn(now, loc)
	w := window{start: start, end: start.AddDays(days - 1)}

	byDay := make(map[string][]Event, days)
	for _, ind := range cat.Indicators {
		for _, d := range resolve(ind.Rule, w, holidays) {
			byDay[d.String()] = append(byDay[d.String()], Event{
				Key:    ind.Key,
				Name:   ind.Name,
				Time:   ind.Time,
				At:     d.At(ind.Time, loc),
				Rating: ind.Rating,
			})
		}
	}

	art := Artifact{
		Version:     now.UnixMicro(),
		Timezone:    loc.String(),
		WindowStart: w.start.String(),
		WindowEnd:   w.end.String(),
		GeneratedAt: now.UTC(),
		Days:        make([]Day, 0, days),
	}
	for _, d := range w.days() {
		events := byDay[d.String()]
		if events == nil {
			events = []Event{}
		}
		sort.SliceStable(events, func(i, j int) bool {
			if events[i].Time != events[j].Time {
				return events[i].Time < events[j].Time
			}
			return events[i].Key < events[j].Key
		})
		art.Days = append(art.Days, Day{Date: d.String(), Events: events})
	}
	return art
}

// resolve returns the days in w on which rule fires.
func resolve(rule Rule, w window, holidays Holidays) []civilDate {
	var out []civilDate
	switch rule.Kind {
	case FixedDates:
		for _, d := range rule.dates {
			if w.contains(d) {
				out = append(out, d)
			}
		}
	case FirstFriday:
		for _, first := range w.months() {
			d := nthWeekday(first, time.Friday, 1)
			if holidays != nil && holidays.IsHoliday(d) {
				d = d.AddDays(-1)
			}
			if w.contains(d) {
				out = append(out, d)
			}
		}
	case NthWeekday:
		for _, first := range w.months() {
			d := nthWeekday(first, rule.weekday, rule.N)
			if _, m := d.Month(); m != first.t.Month() {
				continue
			}
			if w.contains(d) {
				out = append(out, d)
			}
		}
	case Weekly:
		for _, d := range w.days() {
			if d.Weekday() != rule.weekday {
				continue
			}
			if holidays != nil && holidays.IsHoliday(d) {
				continue
			}
			out = append(out, d)
		}
	}
	return out
}

// nthWeekday returns the n-th wd on or after first. The result may fall in
// the next month; callers check.
func nthWeekday(first civilDate, wd time.Weekday, n int) civilDate {
	offset := (int(wd) - int(first.Weekday()) + 7) % 7
	return first.AddDays(offset + 7*(n-1))
}
