package stats

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
)

func TestSetPopulationUpdatesGaugeAndSnapshot(t *testing.T) {
	s := New()
	s.SetPopulation("fresh_any", 7)
	s.SetPopulation("fresh_ultra", 3)

	snap := s.Snapshot()
	if snap.Population["fresh_any"] != 7 {
		t.Errorf("Snapshot()[fresh_any] = %d, want 7", snap.Population["fresh_any"])
	}
	if snap.Population["fresh_ultra"] != 3 {
		t.Errorf("Snapshot()[fresh_ultra] = %d, want 3", snap.Population["fresh_ultra"])
	}

	m := &dto.Metric{}
	if err := s.population.WithLabelValues("fresh_any").Write(m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := m.GetGauge().GetValue(); got != 7 {
		t.Errorf("population gauge = %v, want 7", got)
	}
}

func TestAddHitAddMissIncrementCounters(t *testing.T) {
	s := New()
	s.AddHit("fresh_any")
	s.AddHit("fresh_any")
	s.AddMiss("fresh_any")

	m := &dto.Metric{}
	if err := s.hits.WithLabelValues("fresh_any").Write(m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := m.GetCounter().GetValue(); got != 2 {
		t.Errorf("hits = %v, want 2", got)
	}

	m = &dto.Metric{}
	if err := s.misses.WithLabelValues("fresh_any").Write(m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := m.GetCounter().GetValue(); got != 1 {
		t.Errorf("misses = %v, want 1", got)
	}
}

func TestSetBGCountsAndObserveTickCost(t *testing.T) {
	s := New()
	s.SetBGCounts(4, 2, 1)

	m := &dto.Metric{}
	if err := s.bgRunnable.WithLabelValues("runnable").Write(m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := m.GetGauge().GetValue(); got != 4 {
		t.Errorf("bgRunnable = %v, want 4", got)
	}

	// Should not panic; histogram value isn't asserted precisely.
	s.ObserveTickCost(123.0)
}

func TestAddSentAddDropped(t *testing.T) {
	s := New()
	s.AddSent("global")
	s.AddDropped("global")
	s.AddDropped("global")

	m := &dto.Metric{}
	if err := s.sqDropped.WithLabelValues("global").Write(m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := m.GetCounter().GetValue(); got != 2 {
		t.Errorf("sqDropped = %v, want 2", got)
	}
}

func TestRegistryIsUsable(t *testing.T) {
	s := New()
	if s.Registry() == nil {
		t.Fatal("Registry() returned nil")
	}
	families, err := s.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Error("expected at least one registered metric family")
	}
}
