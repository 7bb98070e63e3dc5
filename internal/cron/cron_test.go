package cron

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNextSameDay(t *testing.T) {
	from := time.Date(2026, 2, 7, 10, 0, 0, 0, time.Local)
	next, err := Next("30 10 * * *", from)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := time.Date(2026, 2, 7, 10, 30, 0, 0, time.Local)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestMsUntilHalfHour(t *testing.T) {
	from := time.Date(2026, 2, 7, 10, 0, 0, 0, time.Local)
	ms, err := MsUntil("30 10 * * *", from)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ms != 30*60*1000 {
		t.Errorf("ms = %d, want %d", ms, 30*60*1000)
	}
}

func TestNextRollsToNextDay(t *testing.T) {
	from := time.Date(2026, 2, 7, 11, 0, 0, 0, time.Local)
	next, err := Next("30 10 * * *", from)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := time.Date(2026, 2, 8, 10, 30, 0, 0, time.Local)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestNextEveryFiveMinutes(t *testing.T) {
	from := time.Date(2026, 2, 7, 10, 2, 30, 0, time.Local)
	next, err := Next("*/5 * * * *", from)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := time.Date(2026, 2, 7, 10, 5, 0, 0, time.Local)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestValidateRejectsBadExpressions(t *testing.T) {
	bad := []string{
		"",
		"* * * *",         // 4 fields
		"* * * * * *",     // 6 fields
		"@daily",          // descriptors disabled
		"61 * * * *",      // minute out of range
		"not a cron expr", // garbage, happens to be 4 fields
	}
	for _, expr := range bad {
		if err := Validate(expr); !errors.Is(err, ErrBadSchedule) {
			t.Errorf("Validate(%q) = %v, want ErrBadSchedule", expr, err)
		}
	}
}

func TestResolveNumber(t *testing.T) {
	r, err := Resolve(float64(5000), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Kind != KindInterval || r.Interval != 5*time.Second {
		t.Errorf("resolved = %+v, want 5s interval", r)
	}
}

func TestResolveDurationLiterals(t *testing.T) {
	cases := map[string]time.Duration{
		"500ms": 500 * time.Millisecond,
		"30s":   30 * time.Second,
		"5m":    5 * time.Minute,
		"1.5h":  90 * time.Minute,
		"2d":    48 * time.Hour,
		"30 m":  30 * time.Minute,
	}
	for lit, want := range cases {
		r, err := Resolve(lit, "")
		if err != nil {
			t.Errorf("Resolve(%q): %v", lit, err)
			continue
		}
		if r.Kind != KindInterval || r.Interval != want {
			t.Errorf("Resolve(%q) = %+v, want %v interval", lit, r, want)
		}
	}
}

func TestResolveCronString(t *testing.T) {
	r, err := Resolve("30 10 * * *", "morning check")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Kind != KindCron || r.Expr != "30 10 * * *" {
		t.Errorf("resolved = %+v, want cron", r)
	}
	if r.Prompt != "morning check" {
		t.Errorf("prompt = %q", r.Prompt)
	}
}

func TestResolveRejectsZeroAndNegative(t *testing.T) {
	for _, v := range []any{0, float64(0), -100} {
		if _, err := Resolve(v, ""); !errors.Is(err, ErrBadSchedule) {
			t.Errorf("Resolve(%v) = %v, want ErrBadSchedule", v, err)
		}
	}
}

func TestResolveRejectsGarbageString(t *testing.T) {
	_, err := Resolve("whenever", "")
	if !errors.Is(err, ErrBadSchedule) {
		t.Fatalf("error = %v, want ErrBadSchedule", err)
	}
	if got := err.Error(); !strings.Contains(got, "expected number(ms), duration, or 5-field cron") {
		t.Errorf("error message = %q, missing hint", got)
	}
}
