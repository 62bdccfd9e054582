package app

import (
	"testing"
	"time"
)

func TestParseTimeOfDay(t *testing.T) {
	if h, m, err := parseTimeOfDay("02:00"); err != nil || h != 2 || m != 0 {
		t.Fatalf("expected 2:00, got %d:%d err=%v", h, m, err)
	}
	if _, _, err := parseTimeOfDay("not-a-time"); err == nil {
		t.Fatalf("expected error for malformed time-of-day")
	}
	if _, _, err := parseTimeOfDay("25:00"); err == nil {
		t.Fatalf("expected error for out-of-range hour")
	}
}

func TestScheduler_NextFireAfter(t *testing.T) {
	pool := newTestPool(t)
	s := NewScheduler(pool, "02:00", "UTC", time.Second)

	from := time.Date(2026, 7, 30, 1, 0, 0, 0, time.UTC)
	next := s.nextFireAfter(from)
	if next.Hour() != 2 || next.Day() != 30 {
		t.Fatalf("expected same-day 02:00 fire, got %v", next)
	}

	from2 := time.Date(2026, 7, 30, 3, 0, 0, 0, time.UTC)
	next2 := s.nextFireAfter(from2)
	if next2.Day() != 31 || next2.Hour() != 2 {
		t.Fatalf("expected next-day 02:00 fire, got %v", next2)
	}
}

func TestScheduler_UnknownTimezoneFallsBackToUTC(t *testing.T) {
	pool := newTestPool(t)
	s := NewScheduler(pool, "02:00", "Not/A_Zone", time.Second)
	if s.location != time.UTC {
		t.Fatalf("expected fallback to UTC, got %v", s.location)
	}
}
