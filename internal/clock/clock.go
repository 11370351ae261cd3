// Package clock provides the core's single monotonic time source (C1) plus
// an optional peer-clock-skew smoother reused from the teacher's Bitcoin
// median-time-source idiom (see SPEC_FULL.md "Supplemental feature:
// clock-skew smoothing"). HCACHE and SQ take "now" as a parameter rather
// than calling time.Now() themselves; service/core consults Clock when it
// loads persisted host caches, while its 1Hz loop passes the ticker's own
// timestamps.
package clock

import (
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/juju/loggo"
)

var log = loggo.GetLogger("clock")

// Clock is the core's time source. Now is spec-mandated and used by every
// invariant in spec.md section 8; AdjustedTime is a pure supplement.
type Clock interface {
	// Now returns the monotonic wall-clock time driving expiry, pacing, and
	// the scheduler's tick budget.
	Now() time.Time

	// AdjustedTime returns Now() smoothed by peer-reported timestamps. No
	// core invariant depends on it.
	AdjustedTime() time.Time

	// OfferTime records a timestamp reported by a peer handshake, for
	// AdjustedTime's median calculation. Safe to call from any goroutine.
	OfferTime(peerAddr string, t time.Time)
}

// System is the production Clock: time.Now() plus a
// blockchain.MedianTimeSource accumulating peer offers, exactly the
// pattern the teacher uses via s.timeSource = blockchain.NewMedianTime().
type System struct {
	median blockchain.MedianTimeSource
}

// NewSystem returns a ready-to-use System clock.
func NewSystem() *System {
	return &System{median: blockchain.NewMedianTime()}
}

func (s *System) Now() time.Time { return time.Now() }

func (s *System) AdjustedTime() time.Time {
	return s.median.AdjustedTime()
}

func (s *System) OfferTime(peerAddr string, t time.Time) {
	log.Tracef("OfferTime %v: %v", peerAddr, t)
	s.median.AddTimeSample(peerAddr, t)
}

// Fake is a deterministic Clock for tests: Now/AdjustedTime both return a
// fixed instant that the test advances explicitly. OfferTime is a no-op.
type Fake struct {
	T time.Time
}

// NewFake returns a Fake clock pinned at t.
func NewFake(t time.Time) *Fake {
	return &Fake{T: t}
}

func (f *Fake) Now() time.Time          { return f.T }
func (f *Fake) AdjustedTime() time.Time { return f.T }
func (f *Fake) OfferTime(string, time.Time) {}

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.T = f.T.Add(d)
}
