package clock

import (
	"testing"
	"time"
)

func TestSystemNowIsCurrent(t *testing.T) {
	s := NewSystem()
	before := time.Now()
	got := s.Now()
	after := time.Now()
	if got.Before(before) || got.After(after) {
		t.Errorf("Now() = %v, want between %v and %v", got, before, after)
	}
}

func TestSystemAdjustedTimeWithoutSamples(t *testing.T) {
	s := NewSystem()
	// With no peer samples offered, AdjustedTime should stay close to
	// wall-clock time rather than panicking or returning zero.
	adj := s.AdjustedTime()
	if adj.IsZero() {
		t.Error("AdjustedTime() with no samples returned the zero value")
	}
}

func TestSystemOfferTimeDoesNotPanic(t *testing.T) {
	s := NewSystem()
	s.OfferTime("1.2.3.4:6346", time.Now().Add(5*time.Second))
	s.OfferTime("5.6.7.8:6346", time.Now().Add(-5*time.Second))
	_ = s.AdjustedTime()
}

func TestFakeClockAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)
	if !f.Now().Equal(start) {
		t.Fatalf("Now() = %v, want %v", f.Now(), start)
	}
	f.Advance(time.Hour)
	want := start.Add(time.Hour)
	if !f.Now().Equal(want) {
		t.Errorf("Now() after Advance = %v, want %v", f.Now(), want)
	}
	if !f.AdjustedTime().Equal(want) {
		t.Errorf("AdjustedTime() = %v, want %v", f.AdjustedTime(), want)
	}
}

func TestFakeClockOfferTimeIsNoop(t *testing.T) {
	start := time.Now()
	f := NewFake(start)
	f.OfferTime("1.2.3.4:6346", start.Add(time.Hour))
	if !f.Now().Equal(start) {
		t.Errorf("OfferTime should not mutate a Fake clock's time")
	}
}
