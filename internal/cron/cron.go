// Package cron computes wakeup schedules for sessions. It handles 5-field
// cron expressions (minute hour day-of-month month day-of-week) and the
// interval/duration schedule literals accepted by the daemon.
//
// Cron times are computed on the local wall clock of the time passed in,
// not UTC. This is deliberate: schedules are written by the operator for
// the machine the daemon runs on.
package cron

import (
	"errors"
	"fmt"
	"strings"
	"time"

	robfig "github.com/robfig/cron/v3"
)

// ErrBadSchedule marks schedule parse failures.
var ErrBadSchedule = errors.New("bad schedule")

// parser accepts exactly the standard five fields. No seconds, no
// descriptors like @daily.
var parser = robfig.NewParser(
	robfig.Minute | robfig.Hour | robfig.Dom | robfig.Month | robfig.Dow,
)

// Validate parses expr and returns a wrapped ErrBadSchedule on failure.
func Validate(expr string) error {
	_, err := parse(expr)
	return err
}

// Next returns the first instant after from that matches expr, at minute
// granularity.
func Next(expr string, from time.Time) (time.Time, error) {
	sched, err := parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	next := sched.Next(from)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: %q never fires", ErrBadSchedule, expr)
	}
	return next, nil
}

// MsUntil returns the milliseconds from from until the next fire of expr.
func MsUntil(expr string, from time.Time) (int64, error) {
	next, err := Next(expr, from)
	if err != nil {
		return 0, err
	}
	return next.Sub(from).Milliseconds(), nil
}

func parse(expr string) (robfig.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if fields := strings.Fields(expr); len(fields) != 5 {
		return nil, fmt.Errorf("%w: expected 5 fields, got %d in %q", ErrBadSchedule, len(fields), expr)
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSchedule, err)
	}
	return sched, nil
}
