// Package stats is the observable-counters sink (C8): population
// "catcher" properties, per-cache hits/misses, BG scheduler gauges, and SQ
// sent/dropped counters, all surfaced as real Prometheus metrics. Grounded
// on service/tbc/tbc.go's promRunning/prometheus.NewGaugeFunc wiring and
// its 10-second rolling stats block in handleBlock, adapted from ad hoc
// counters to a registered Collector set.
package stats

import (
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/juju/loggo"
	"github.com/prometheus/client_golang/prometheus"
)

var log = loggo.GetLogger("stats")

const subsystem = "gnutella_core"

// Sink owns a Prometheus registry and the gauges/counters described in
// spec.md section 6 "Observable counters".
type Sink struct {
	mtx sync.Mutex

	registry *prometheus.Registry

	population *prometheus.GaugeVec
	hits       *prometheus.CounterVec
	misses     *prometheus.CounterVec

	bgRunnable *prometheus.GaugeVec
	bgSleeping *prometheus.GaugeVec
	bgZombies  *prometheus.GaugeVec
	bgTickCost prometheus.Histogram

	sqSent    *prometheus.CounterVec
	sqDropped *prometheus.CounterVec

	// plain-struct snapshot, guarded by mtx, used by Snapshot().
	populationValues map[string]int
}

// New registers the counter set on a fresh Prometheus registry.
func New() *Sink {
	s := &Sink{
		registry: prometheus.NewRegistry(),
		population: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Subsystem: subsystem,
			Name:      "hosts_in_catcher",
			Help:      "Number of hosts currently held by a catcher property.",
		}, []string{"property"}),
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "hcache_hits_total",
			Help:      "Successful get_caught draws per cache.",
		}, []string{"cache"}),
		misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "hcache_misses_total",
			Help:      "Admissions per cache.",
		}, []string{"cache"}),
		bgRunnable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Subsystem: subsystem,
			Name:      "bg_tasks",
			Help:      "Background scheduler tasks by state.",
		}, []string{"state"}),
		bgSleeping: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Subsystem: subsystem,
			Name:      "bg_daemons",
			Help:      "Background daemons by state.",
		}, []string{"state"}),
		bgZombies: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Subsystem: subsystem,
			Name:      "bg_zombies",
			Help:      "Terminated tasks retained for status pickup.",
		}, []string{"reason"}),
		bgTickCost: prometheus.NewHistogram(prometheus.HistogramOpts{
			Subsystem: subsystem,
			Name:      "bg_tick_cost_microseconds",
			Help:      "Estimated microseconds per tick, per task activation.",
			Buckets:   prometheus.ExponentialBuckets(10, 4, 10),
		}),
		sqSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "sq_sent_total",
			Help:      "Search queue messages dispatched.",
		}, []string{"queue"}),
		sqDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "sq_dropped_total",
			Help:      "Search queue messages dropped by cap or veto.",
		}, []string{"queue"}),
		populationValues: make(map[string]int),
	}

	for _, c := range []prometheus.Collector{
		s.population, s.hits, s.misses,
		s.bgRunnable, s.bgSleeping, s.bgZombies, s.bgTickCost,
		s.sqSent, s.sqDropped,
	} {
		if err := s.registry.Register(c); err != nil {
			log.Errorf("register collector: %v", err)
		}
	}
	return s
}

// Registry exposes the underlying Prometheus registry for an HTTP handler.
func (s *Sink) Registry() *prometheus.Registry { return s.registry }

// SetPopulation implements hcache.PopulationSink.
func (s *Sink) SetPopulation(propertyKey string, n int) {
	s.mtx.Lock()
	s.populationValues[propertyKey] = n
	s.mtx.Unlock()
	s.population.WithLabelValues(propertyKey).Set(float64(n))
	log.Debugf("population %v: %v", propertyKey, humanize.Comma(int64(n)))
}

// AddHit implements hcache.PopulationSink.
func (s *Sink) AddHit(cacheName string) { s.hits.WithLabelValues(cacheName).Inc() }

// AddMiss implements hcache.PopulationSink.
func (s *Sink) AddMiss(cacheName string) { s.misses.WithLabelValues(cacheName).Inc() }

// SetBGCounts records the scheduler's run/sleep/zombie population.
func (s *Sink) SetBGCounts(runnable, sleeping, zombies int) {
	s.bgRunnable.WithLabelValues("runnable").Set(float64(runnable))
	s.bgSleeping.WithLabelValues("sleeping").Set(float64(sleeping))
	s.bgZombies.WithLabelValues("retained").Set(float64(zombies))
}

// ObserveTickCost records one task activation's estimated per-tick cost.
func (s *Sink) ObserveTickCost(us float64) {
	s.bgTickCost.Observe(us)
}

// AddSent implements sq's dispatch-counter collaborator.
func (s *Sink) AddSent(queue string) { s.sqSent.WithLabelValues(queue).Inc() }

// AddDropped implements sq's drop-counter collaborator.
func (s *Sink) AddDropped(queue string) { s.sqDropped.WithLabelValues(queue).Inc() }

// Snapshot is a plain-struct view of the population counters, for logging
// without touching Prometheus types (see SPEC_FULL.md "C8").
type Snapshot struct {
	Population map[string]int
}

// Snapshot returns a copy of the current population values.
func (s *Sink) Snapshot() Snapshot {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	cp := make(map[string]int, len(s.populationValues))
	for k, v := range s.populationValues {
		cp[k] = v
	}
	return Snapshot{Population: cp}
}
