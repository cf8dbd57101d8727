// Package recurrence expands a schedule's recurrence rule into concrete
// future occurrence instants. Expansion is a pure function of the schedule
// and the given clock reading; it performs no I/O and is safe to call
// repeatedly.
package recurrence

import (
	"time"

	"tourneyd/internal/schedule"
)

// MaxPerCycle caps how many occurrences a single expansion may emit, bounding
// work and remote-call volume per orchestrator cycle.
const MaxPerCycle = 5

// Next returns the future occurrences of s within its lookahead horizon,
// earliest first. A template that is not yet actionable (a rule that
// requires a start anchor without one, zero or negative period) yields an
// empty slice rather than an error.
func Next(s *schedule.Schedule, now time.Time) []time.Time {
	now = now.UTC()
	st, cand := place(s, now)
	if st == nil {
		return nil
	}

	for cand.Before(now) {
		cand = st.next(cand)
	}

	horizon := now.Add(time.Duration(s.DaysInAdvance()) * 24 * time.Hour)
	if !s.End.IsZero() && s.End.Before(horizon) {
		horizon = s.End
	}

	var out []time.Time
	for !cand.After(horizon) {
		if s.Start.IsZero() || !cand.Before(s.Start) {
			out = append(out, cand)
			if len(out) == MaxPerCycle {
				break
			}
		}
		cand = st.next(cand)
	}
	return out
}

// stepper advances a candidate instant by one recurrence step.
type stepper interface {
	next(t time.Time) time.Time
}

// place resolves the rule code into its stepper and the first candidate
// instant, which may lie in the past; the caller advances it from there.
func place(s *schedule.Schedule, now time.Time) (stepper, time.Time) {
	cand := time.Date(now.Year(), now.Month(), now.Day(), s.Hour(), s.Minute(), 0, 0, time.UTC)

	switch rule := s.Rule; {
	case rule == 0:
		return addDays(1), cand

	case rule <= 7:
		// ISO weekday: shift onto the configured day of the current week.
		cand = cand.AddDate(0, 0, rule-isoWeekday(cand))
		return addDays(7), cand

	case rule < 10000:
		if s.Start.IsZero() {
			return nil, time.Time{}
		}
		period := rule % 1000
		if period <= 0 {
			return nil, time.Time{}
		}
		anchor := s.Start.UTC()
		cand = time.Date(anchor.Year(), anchor.Month(), anchor.Day(), s.Hour(), s.Minute(), 0, 0, time.UTC)
		switch rule / 1000 {
		case 1:
			return addDays(period), cand
		case 2:
			return addDays(7 * period), cand
		default:
			return addMonths(period), cand
		}

	case rule < 20000:
		if s.Start.IsZero() {
			return nil, time.Time{}
		}
		x := xOfMonth{weekday: rule % 10, ordinal: rule % 100 / 10}
		return x, x.inMonth(cand)

	default:
		if s.Start.IsZero() {
			return nil, time.Time{}
		}
		skip := exceptWeekday{weekday: rule - schedule.RuleEveryExcept}
		if isoWeekday(cand) == skip.weekday {
			cand = cand.AddDate(0, 0, 1)
		}
		return skip, cand
	}
}

// addDays steps by a fixed number of calendar days.
type addDays int

func (d addDays) next(t time.Time) time.Time { return t.AddDate(0, 0, int(d)) }

// addMonths steps by whole months, clamping the day-of-month to the last
// valid day of the target month (Jan 31 + 1 month is Feb 28/29, never
// March 3).
type addMonths int

func (m addMonths) next(t time.Time) time.Time {
	month := int(t.Month()) - 1 + int(m)
	year := t.Year() + month/12
	month = month%12 + 1
	day := t.Day()
	if last := daysIn(year, time.Month(month)); day > last {
		day = last
	}
	return time.Date(year, time.Month(month), day, t.Hour(), t.Minute(), 0, 0, t.Location())
}

// xOfMonth lands on the ordinal-th occurrence of a weekday within each
// month. weekday is 0=Monday..6=Sunday; ordinal 4 means the last such
// weekday of the month.
type xOfMonth struct {
	weekday int
	ordinal int
}

func (x xOfMonth) next(t time.Time) time.Time {
	if t.Month() == time.December {
		t = time.Date(t.Year()+1, time.January, 1, t.Hour(), t.Minute(), 0, 0, t.Location())
	} else {
		t = time.Date(t.Year(), t.Month()+1, 1, t.Hour(), t.Minute(), 0, 0, t.Location())
	}
	return x.inMonth(t)
}

// inMonth keeps t's month and moves the day onto the target weekday.
func (x xOfMonth) inMonth(t time.Time) time.Time {
	first := mondayIndex(time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location()).Weekday())
	days := daysIn(t.Year(), t.Month())

	var day int
	if x.ordinal == 4 {
		last := (days + first - 1) % 7
		day = days - mod7(last-x.weekday)
	} else {
		day = mod7(x.weekday-first) + 1 + x.ordinal*7
	}
	return time.Date(t.Year(), t.Month(), day, t.Hour(), t.Minute(), 0, 0, t.Location())
}

// exceptWeekday steps daily but skips over one ISO weekday entirely.
type exceptWeekday struct {
	weekday int // ISO, 1=Monday..7=Sunday
}

func (e exceptWeekday) next(t time.Time) time.Time {
	t = t.AddDate(0, 0, 1)
	if isoWeekday(t) == e.weekday {
		t = t.AddDate(0, 0, 1)
	}
	return t
}

func isoWeekday(t time.Time) int {
	wd := int(t.Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}

// mondayIndex converts Go's Sunday-based weekday to Monday=0..Sunday=6.
func mondayIndex(wd time.Weekday) int {
	return (int(wd) + 6) % 7
}

func mod7(n int) int {
	return (n%7 + 7) % 7
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
