package chart

import (
	"slices"
	"time"

	"gonum.org/v1/plot"
)

type calendarUnit int

const (
	unitMinute calendarUnit = iota
	unitHour
	unitDay
	unitMonth
	unitYear
)

var unitLayouts = map[calendarUnit]string{
	unitYear:   "2006",
	unitMonth:  "2006-01",
	unitDay:    "2006-01-02",
	unitHour:   "15:00",
	unitMinute: "04",
}

// minorLayouts label ticks between majors with just the finer field.
var minorLayouts = map[calendarUnit]string{
	unitMonth:  "01",
	unitDay:    "02",
	unitHour:   "15",
	unitMinute: "04",
}

// maxTicks bounds the ticks generated for one axis.
const maxTicks = 400

// CalendarTicker places ticks on calendar boundaries in a timezone. Axis
// values are unix seconds.
type CalendarTicker struct {
	Mode            XAxisMode
	MinorTicks      bool
	MinorTickValues []int
	Location        *time.Location
}

var _ plot.Ticker = CalendarTicker{}

func (c CalendarTicker) Ticks(min, max float64) []plot.Tick {
	loc := c.Location
	if loc == nil {
		loc = time.UTC
	}
	lo := time.Unix(int64(min), 0).In(loc)
	hi := time.Unix(int64(max), 0).In(loc)
	if !hi.After(lo) {
		return nil
	}
	major := c.majorUnit(hi.Sub(lo))

	ticks := make([]plot.Tick, 0, 16)
	majorAt := map[int64]bool{}
	for t := ceilUnit(lo, major); !t.After(hi) && len(ticks) < maxTicks; t = nextUnit(t, major) {
		ticks = append(ticks, plot.Tick{Value: float64(t.Unix()), Label: t.Format(unitLayouts[major])})
		majorAt[t.Unix()] = true
	}
	if !c.MinorTicks || major == unitMinute {
		return ticks
	}
	minor := major - 1
	var minors []plot.Tick
	for n, t := 0, ceilUnit(lo, minor); !t.After(hi); n, t = n+1, nextUnit(t, minor) {
		if n >= maxTicks {
			// Too dense to be useful.
			return ticks
		}
		if majorAt[t.Unix()] {
			continue
		}
		if len(c.MinorTickValues) > 0 && !slices.Contains(c.MinorTickValues, unitValue(t, minor)) {
			continue
		}
		minors = append(minors, plot.Tick{Value: float64(t.Unix()), Label: t.Format(minorLayouts[minor])})
	}
	return append(ticks, minors...)
}

func (c CalendarTicker) majorUnit(span time.Duration) calendarUnit {
	switch c.Mode {
	case XAxisYear:
		return unitYear
	case XAxisMonth:
		return unitMonth
	case XAxisDay:
		return unitDay
	case XAxisHour:
		return unitHour
	}
	const day = 24 * time.Hour
	switch {
	case span > 3*365*day:
		return unitYear
	case span > 90*day:
		return unitMonth
	case span > 3*day:
		return unitDay
	case span > 3*time.Hour:
		return unitHour
	default:
		return unitMinute
	}
}

func truncUnit(t time.Time, u calendarUnit) time.Time {
	loc := t.Location()
	y, mo, d := t.Date()
	switch u {
	case unitYear:
		return time.Date(y, 1, 1, 0, 0, 0, 0, loc)
	case unitMonth:
		return time.Date(y, mo, 1, 0, 0, 0, 0, loc)
	case unitDay:
		return time.Date(y, mo, d, 0, 0, 0, 0, loc)
	case unitHour:
		return time.Date(y, mo, d, t.Hour(), 0, 0, 0, loc)
	default:
		return time.Date(y, mo, d, t.Hour(), t.Minute(), 0, 0, loc)
	}
}

func ceilUnit(t time.Time, u calendarUnit) time.Time {
	f := truncUnit(t, u)
	if f.Before(t) {
		return nextUnit(f, u)
	}
	return f
}

func nextUnit(t time.Time, u calendarUnit) time.Time {
	switch u {
	case unitYear:
		return t.AddDate(1, 0, 0)
	case unitMonth:
		return t.AddDate(0, 1, 0)
	case unitDay:
		return t.AddDate(0, 0, 1)
	case unitHour:
		return t.Add(time.Hour)
	default:
		return t.Add(time.Minute)
	}
}

func unitValue(t time.Time, u calendarUnit) int {
	switch u {
	case unitYear:
		return t.Year()
	case unitMonth:
		return int(t.Month())
	case unitDay:
		return t.Day()
	case unitHour:
		return t.Hour()
	default:
		return t.Minute()
	}
}
