package cron

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// Kind distinguishes the two resolved schedule shapes.
type Kind string

const (
	// KindInterval fires after a fixed duration of inactivity and is reset
	// by external activity.
	KindInterval Kind = "interval"

	// KindCron fires on a fixed wall-clock schedule regardless of activity.
	KindCron Kind = "cron"
)

// Resolved is a parsed schedule ready for the session lifecycle.
type Resolved struct {
	Kind     Kind          `json:"type"`
	Interval time.Duration `json:"ms,omitempty"`
	Expr     string        `json:"expr,omitempty"`
	Prompt   string        `json:"prompt,omitempty"`
}

// durationLit matches schedule literals like "90s", "1.5h", "30 m".
var durationLit = regexp.MustCompile(`^(\d+(?:\.\d+)?)\s*(ms|s|m|h|d)$`)

var unitMs = map[string]float64{
	"ms": 1,
	"s":  1000,
	"m":  60 * 1000,
	"h":  60 * 60 * 1000,
	"d":  24 * 60 * 60 * 1000,
}

// Resolve parses a schedule wakeup value. Accepted shapes:
//
//   - a positive number: idle interval in milliseconds
//   - a duration literal ("500ms", "30s", "5m", "1.5h", "2d"): idle interval
//   - any other string: a 5-field cron expression, fixed schedule
//
// A zero or negative interval is rejected. Bare numbers in strings (like
// "5") look like cron expressions with the wrong field count and are
// rejected with a hint.
func Resolve(wakeup any, prompt string) (*Resolved, error) {
	switch v := wakeup.(type) {
	case int:
		return resolveMillis(float64(v), prompt)
	case int64:
		return resolveMillis(float64(v), prompt)
	case float64:
		return resolveMillis(v, prompt)
	case string:
		return resolveString(v, prompt)
	case nil:
		return nil, fmt.Errorf("%w: wakeup is required", ErrBadSchedule)
	default:
		return nil, fmt.Errorf("%w: unsupported wakeup type %T", ErrBadSchedule, wakeup)
	}
}

func resolveMillis(ms float64, prompt string) (*Resolved, error) {
	if ms <= 0 {
		return nil, fmt.Errorf("%w: wakeup interval must be positive", ErrBadSchedule)
	}
	return &Resolved{
		Kind:     KindInterval,
		Interval: time.Duration(ms) * time.Millisecond,
		Prompt:   prompt,
	}, nil
}

func resolveString(s, prompt string) (*Resolved, error) {
	if m := durationLit.FindStringSubmatch(s); m != nil {
		n, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrBadSchedule, s)
		}
		return resolveMillis(n*unitMs[m[2]], prompt)
	}
	if err := Validate(s); err != nil {
		return nil, fmt.Errorf("%w: %q: expected number(ms), duration, or 5-field cron", ErrBadSchedule, s)
	}
	return &Resolved{Kind: KindCron, Expr: s, Prompt: prompt}, nil
}
