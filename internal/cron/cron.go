// Copyright 2025 James Ross
package cron

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// parser accepts standard 5-field cron expressions (minute hour dom month
// dow), the same dialect the teacher's calendar-view validator uses via
// cron.NewParser(cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow),
// plus descriptors such as "@daily" (cron.Descriptor).
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Parse validates a cron expression, returning a descriptive error if it
// cannot be parsed.
func Parse(expr string) (cron.Schedule, error) {
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return schedule, nil
}

// NextFire computes the next fire time strictly after "after", evaluated
// in the named IANA timezone. DST ambiguity (a local time that occurs
// twice, or not at all, around a transition) is resolved however
// time.Location's underlying offset lookup resolves it in the Go
// standard library: the wall-clock instant is interpreted against
// whichever offset is in effect for that moment, with no separate
// disambiguation pass. This mirrors the semantics robfig/cron already
// has rather than introducing a bespoke DST policy.
func NextFire(expr, timezone string, after time.Time) (time.Time, error) {
	if timezone == "" {
		timezone = "UTC"
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timezone %q: %w", timezone, err)
	}
	schedule, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.Next(after.In(loc)).UTC(), nil
}
