package schedule

import "time"

// civilDate is a calendar day with no time zone attached. Arithmetic runs in
// UTC so daylight-saving transitions never skip or repeat a day.
type civilDate struct {
	t time.Time
}

func dateOf(y int, m time.Month, d int) civilDate {
	return civilDate{time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

// civilIn returns the calendar day at instant t in loc.
func civilIn(t time.Time, loc *time.Location) civilDate {
	y, m, d := t.In(loc).Date()
	return dateOf(y, m, d)
}

func parseCivil(s string) (civilDate, error) {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return civilDate{}, err
	}
	return civilDate{t}, nil
}

func (c civilDate) String() string           { return c.t.Format(time.DateOnly) }
func (c civilDate) Weekday() time.Weekday    { return c.t.Weekday() }
func (c civilDate) AddDays(n int) civilDate  { return civilDate{c.t.AddDate(0, 0, n)} }
func (c civilDate) Before(o civilDate) bool  { return c.t.Before(o.t) }
func (c civilDate) After(o civilDate) bool   { return c.t.After(o.t) }
func (c civilDate) Month() (int, time.Month) { return c.t.Year(), c.t.Month() }
func (c civilDate) Day() int                 { return c.t.Day() }

// At returns the instant of clock time hh:mm on this day in loc.
func (c civilDate) At(clock string, loc *time.Location) time.Time {
	hm, _ := time.Parse("15:04", clock)
	y, m, d := c.t.Date()
	return time.Date(y, m, d, hm.Hour(), hm.Minute(), 0, 0, loc)
}

// window is an inclusive range of days.
type window struct {
	start, end civilDate
}

func (w window) contains(d civilDate) bool { return !d.Before(w.start) && !d.After(w.end) }

// months lists the first day of every month the window touches.
func (w window) months() []civilDate {
	y, m := w.start.Month()
	cur := dateOf(y, m, 1)
	var out []civilDate
	for !cur.After(w.end) {
		out = append(out, cur)
		y, m = cur.Month()
		cur = dateOf(y, m+1, 1)
	}
	return out
}

func (w window) days() []civilDate {
	var out []civilDate
	for d := w.start; !d.After(w.end); d = d.AddDays(1) {
		out = append(out, d)
	}
	return out
}
