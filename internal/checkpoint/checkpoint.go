// Package checkpoint derives the named trigger instants of a project from its
// start and end. Results are pure functions of their inputs, so a process
// definition can be replayed any number of times with identical timings.
package checkpoint

import (
	"fmt"
	"time"
)

// Checkpoints are the offsets a process definition schedules against.
type Checkpoints struct {
	Start              time.Time
	End                time.Time
	DurationInDays     int
	OneWeekBeforeStart time.Time
	OneWeekAfterStart  time.Time
	TwoWeeksAfterStart time.Time
	OneWeekBeforeEnd   time.Time
	OneWeekAfterEnd    time.Time
	TwoWeeksAfterEnd   time.Time
}

// Calculator maps day-based offsets onto instants. Implementations differ only
// in how long a day is.
type Calculator interface {
	Checkpoints(start, end time.Time) Checkpoints
	// AddDays shifts t by n scheduling days.
	AddDays(t time.Time, n int) time.Time
}

// New returns the standard calculator for secondsPerDay <= 0 and an
// accelerated one otherwise.
func New(secondsPerDay int) Calculator {
	if secondsPerDay > 0 {
		return Accelerated{SecondsPerDay: secondsPerDay}
	}
	return Standard{}
}

func build(c Calculator, start, end time.Time, days int) Checkpoints {
	return Checkpoints{
		Start:              start,
		End:                end,
		DurationInDays:     days,
		OneWeekBeforeStart: c.AddDays(start, -7),
		OneWeekAfterStart:  c.AddDays(start, 7),
		TwoWeeksAfterStart: c.AddDays(start, 14),
		OneWeekBeforeEnd:   c.AddDays(end, -7),
		OneWeekAfterEnd:    c.AddDays(end, 7),
		TwoWeeksAfterEnd:   c.AddDays(end, 14),
	}
}

// Standard uses calendar days in the instants' own location.
type Standard struct{}

func (Standard) AddDays(t time.Time, n int) time.Time {
	return t.AddDate(0, 0, n)
}

// Checkpoints counts whole calendar days between the start and end dates,
// ignoring time of day.
func (s Standard) Checkpoints(start, end time.Time) Checkpoints {
	return build(s, start, end, calendarDays(start, end))
}

func calendarDays(start, end time.Time) int {
	sy, sm, sd := start.Date()
	ey, em, ed := end.In(start.Location()).Date()
	a := time.Date(sy, sm, sd, 0, 0, 0, 0, time.UTC)
	b := time.Date(ey, em, ed, 0, 0, 0, 0, time.UTC)
	return int(b.Sub(a).Hours() / 24)
}

// Accelerated maps one day onto SecondsPerDay seconds of elapsed time.
type Accelerated struct {
	SecondsPerDay int
}

func (a Accelerated) day() time.Duration {
	if a.SecondsPerDay <= 0 {
		panic(fmt.Sprintf("checkpoint: invalid seconds per day %d", a.SecondsPerDay))
	}
	return time.Duration(a.SecondsPerDay) * time.Second
}

func (a Accelerated) AddDays(t time.Time, n int) time.Time {
	return t.Add(time.Duration(n) * a.day())
}

// Checkpoints floors the elapsed seconds to whole accelerated days.
func (a Accelerated) Checkpoints(start, end time.Time) Checkpoints {
	perDay := int64(a.day() / time.Second)
	elapsed := int64(end.Sub(start) / time.Second)
	days := elapsed / perDay
	if elapsed < 0 && elapsed%perDay != 0 {
		days--
	}
	return build(a, start, end, int(days))
}
