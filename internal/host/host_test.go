package host

import (
	"testing"
	"time"
)

func TestCacheTypeClassification(t *testing.T) {
	cases := []struct {
		t        CacheType
		class    Class
		addrOnly bool
		bad      bool
		good     bool
	}{
		{FreshAny, ClassHost, false, false, true},
		{ValidUltra, ClassHost, false, false, true},
		{Timeout, ClassHost, true, true, false},
		{Busy, ClassHost, true, true, false},
		{Unstable, ClassHost, true, true, false},
		{Alien, ClassHost, false, true, false},
		{Guess, ClassGuess, false, false, false},
		{GuessIntro, ClassGuess, false, false, false},
	}
	for _, c := range cases {
		if got := c.t.Class(); got != c.class {
			t.Errorf("%v.Class() = %v, want %v", c.t, got, c.class)
		}
		if got := c.t.AddrOnly(); got != c.addrOnly {
			t.Errorf("%v.AddrOnly() = %v, want %v", c.t, got, c.addrOnly)
		}
		if got := c.t.IsBad(); got != c.bad {
			t.Errorf("%v.IsBad() = %v, want %v", c.t, got, c.bad)
		}
		if got := c.t.IsGood(); got != c.good {
			t.Errorf("%v.IsGood() = %v, want %v", c.t, got, c.good)
		}
	}
}

func TestKindFreshValid(t *testing.T) {
	if fresh, valid := KindAny.FreshValid(); fresh != FreshAny || valid != ValidAny {
		t.Errorf("KindAny.FreshValid() = %v, %v", fresh, valid)
	}
	if fresh, valid := KindUltra.FreshValid(); fresh != FreshUltra || valid != ValidUltra {
		t.Errorf("KindUltra.FreshValid() = %v, %v", fresh, valid)
	}
	if fresh, valid := KindGuess.FreshValid(); fresh != Guess || valid != Guess {
		t.Errorf("KindGuess.FreshValid() = %v, %v, want Guess, Guess (no split)", fresh, valid)
	}
}

func TestCacheMassUpdateNesting(t *testing.T) {
	c := NewCache(FreshAny, "fresh_any")
	if c.InMassUpdate() {
		t.Fatal("new cache should not be in a mass update")
	}
	c.StartMassUpdate()
	c.StartMassUpdate()
	if !c.InMassUpdate() {
		t.Error("expected to be in a mass update after Start")
	}
	if c.StopMassUpdate() {
		t.Error("inner StopMassUpdate should report the bracket still open")
	}
	if !c.StopMassUpdate() {
		t.Error("outer StopMassUpdate should report the bracket fully closed")
	}
	if c.InMassUpdate() {
		t.Error("bracket should be closed after matching Stop calls")
	}
}

func TestCacheListAndLen(t *testing.T) {
	c := NewCache(FreshAny, "fresh_any")
	c.List().PushFront(Host{Addr: "1.1.1.1", Port: 1})
	c.List().PushFront(Host{Addr: "2.2.2.2", Port: 2})
	if c.Len() != 2 {
		t.Errorf("Len() = %d, want 2", c.Len())
	}
}

func TestKeyTableLookupSetDelete(t *testing.T) {
	kt := NewKeyTable()
	h := Host{Addr: "3.3.3.3", Port: 3}
	if kt.Lookup(h) != nil {
		t.Fatal("expected nil entry for an unknown host")
	}
	entry := &Entry{CacheType: FreshAny, TimeAdded: time.Now()}
	kt.Set(h, entry)
	if got := kt.Lookup(h); got != entry {
		t.Errorf("Lookup() = %v, want %v", got, entry)
	}
	if kt.Len() != 1 {
		t.Errorf("Len() = %d, want 1", kt.Len())
	}
	kt.Delete(h)
	if kt.Lookup(h) != nil {
		t.Error("expected nil entry after Delete")
	}
	if kt.Len() != 0 {
		t.Errorf("Len() after Delete = %d, want 0", kt.Len())
	}
}

func TestKeyTableEachVisitsAllEntries(t *testing.T) {
	kt := NewKeyTable()
	kt.Set(Host{Addr: "1.1.1.1", Port: 1}, &Entry{CacheType: FreshAny})
	kt.Set(Host{Addr: "2.2.2.2", Port: 2}, &Entry{CacheType: ValidAny})

	seen := map[Host]CacheType{}
	kt.Each(func(h Host, e *Entry) { seen[h] = e.CacheType })

	if len(seen) != 2 {
		t.Fatalf("Each visited %d entries, want 2", len(seen))
	}
	if seen[Host{Addr: "1.1.1.1", Port: 1}] != FreshAny {
		t.Error("unexpected CacheType for 1.1.1.1")
	}
}
