package schedule

import (
	"time"

	"github.com/scmhub/calendar"
)

// Holidays answers whether a day is closed for the purpose of rule shifting.
type Holidays interface {
	IsHoliday(d civilDate) bool
}

// HolidaySet is the configured holiday list united with an exchange
// calendar's closures.
type HolidaySet struct {
	fixed    map[string]bool
	exchange *calendar.Calendar
}

// NewHolidays builds the holiday set for a catalogue. An empty or unknown
// exchange code leaves only the configured dates.
func NewHolidays(configured []string, exchange string) *HolidaySet {
	h := &HolidaySet{fixed: make(map[string]bool, len(configured))}
	for _, d := range configured {
		h.fixed[d] = true
	}
	if exchange != "" {
		h.exchange = calendar.GetCalendar(exchange)
	}
	return h
}

func (h *HolidaySet) IsHoliday(d civilDate) bool {
	if h.fixed[d.String()] {
		return true
	}
	if h.exchange == nil {
		return false
	}
	switch d.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	loc := h.exchange.Loc
	if loc == nil {
		loc = time.UTC
	}
	return !h.exchange.IsBusinessDay(d.At("12:00", loc))
}
