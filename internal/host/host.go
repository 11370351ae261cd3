// Package host holds the HCACHE data model: cache types, the per-host
// metadata entry (or its absence), the HostCache record, and the per-class
// host-key tables. See spec.md section 3 "Data model" and section 4.1.
package host

import (
	"time"

	"github.com/kyungmin4444/gtk-gnutella/internal/atom"
	"github.com/kyungmin4444/gtk-gnutella/internal/hashlist"
)

// Host is the (addr, port) identity shared by every cache.
type Host = atom.Host

// Class groups cache types that share a key table. A host is in at most
// one cache of a given class at a time (invariant P1).
type Class int

const (
	ClassHost Class = iota
	ClassGuess
)

func (c Class) String() string {
	switch c {
	case ClassHost:
		return "host"
	case ClassGuess:
		return "guess"
	default:
		return "unknown"
	}
}

// CacheType enumerates every bucket a host can live in.
type CacheType int

const (
	FreshAny CacheType = iota
	ValidAny
	FreshUltra
	ValidUltra
	Timeout
	Busy
	Unstable
	Alien
	Guess
	GuessIntro
)

func (t CacheType) String() string {
	switch t {
	case FreshAny:
		return "fresh_any"
	case ValidAny:
		return "valid_any"
	case FreshUltra:
		return "fresh_ultra"
	case ValidUltra:
		return "valid_ultra"
	case Timeout:
		return "timeout"
	case Busy:
		return "busy"
	case Unstable:
		return "unstable"
	case Alien:
		return "alien"
	case Guess:
		return "guess"
	case GuessIntro:
		return "guess_intro"
	default:
		return "unknown"
	}
}

// Class reports which key table a CacheType belongs to.
func (t CacheType) Class() Class {
	if t == Guess || t == GuessIntro {
		return ClassGuess
	}
	return ClassHost
}

// AddrOnly reports whether the type stores addresses without a meaningful
// port (the three behavior-keyed bad buckets).
func (t CacheType) AddrOnly() bool {
	switch t {
	case Timeout, Busy, Unstable:
		return true
	default:
		return false
	}
}

// IsBad reports membership in the four bad-host buckets.
func (t CacheType) IsBad() bool {
	switch t {
	case Timeout, Busy, Unstable, Alien:
		return true
	default:
		return false
	}
}

// IsGood reports membership in one of the four "good" peer buckets.
func (t CacheType) IsGood() bool {
	switch t {
	case FreshAny, ValidAny, FreshUltra, ValidUltra:
		return true
	default:
		return false
	}
}

// Kind is the external {Any, Ultra, Guess} selector used by AddCaught /
// AddValid / GetCaught / Size / IsLow.
type Kind int

const (
	KindAny Kind = iota
	KindUltra
	KindGuess
)

// FreshValid returns the fresh/valid type pair for a Kind.
func (k Kind) FreshValid() (fresh, valid CacheType) {
	switch k {
	case KindUltra:
		return FreshUltra, ValidUltra
	case KindGuess:
		return Guess, Guess // GUESS has no fresh/valid split
	default:
		return FreshAny, ValidAny
	}
}

// Entry is a host's metadata. A nil *Entry is the "no-metadata" sentinel
// shared by hosts known only by membership (design note: tagged variant
// instead of the original's reserved-pointer trick).
type Entry struct {
	CacheType CacheType
	TimeAdded time.Time
}

// Cache is one named bucket: an ordered sequence of hosts plus counters and
// flags. See spec.md section 3 "HostCache".
type Cache struct {
	Name        string
	Class       Class
	Type        CacheType
	AddrOnly    bool
	PropertyKey string

	hosts *hashlist.List[Host]

	Hits   uint64
	Misses uint64
	Dirty  bool

	massUpdate int
}

// NewCache constructs an empty, clean Cache of the given type.
func NewCache(t CacheType, propertyKey string) *Cache {
	return &Cache{
		Name:        t.String(),
		Class:       t.Class(),
		Type:        t,
		AddrOnly:    t.AddrOnly(),
		PropertyKey: propertyKey,
		hosts:       hashlist.New[Host](),
	}
}

// List exposes the ordered sequence backing this cache.
func (c *Cache) List() *hashlist.List[Host] { return c.hosts }

// Len returns the number of hosts currently cached.
func (c *Cache) Len() int { return c.hosts.Len() }

// InMassUpdate reports whether a mass update bracket is currently open.
func (c *Cache) InMassUpdate() bool { return c.massUpdate > 0 }

// StartMassUpdate opens (or nests) a mass-update bracket.
func (c *Cache) StartMassUpdate() { c.massUpdate++ }

// StopMassUpdate closes one level of mass-update bracket, reporting whether
// the bracket is now fully closed (the outermost StopMassUpdate).
func (c *Cache) StopMassUpdate() bool {
	if c.massUpdate > 0 {
		c.massUpdate--
	}
	return c.massUpdate == 0
}

// KeyTable maps a host to its entry within one Class. Invariant: a host
// appears in at most one Cache of this Class at a time, and its Entry's
// CacheType names that Cache.
type KeyTable struct {
	entries map[Host]*Entry
}

// NewKeyTable returns an empty key table.
func NewKeyTable() *KeyTable {
	return &KeyTable{entries: make(map[Host]*Entry)}
}

// Lookup returns the entry for h, or nil if h is not known to this class.
func (k *KeyTable) Lookup(h Host) *Entry {
	return k.entries[h]
}

// Set installs or replaces the entry for h.
func (k *KeyTable) Set(h Host, e *Entry) {
	k.entries[h] = e
}

// Delete removes h from the table.
func (k *KeyTable) Delete(h Host) {
	delete(k.entries, h)
}

// Len reports how many hosts this class currently tracks.
func (k *KeyTable) Len() int {
	return len(k.entries)
}

// Each calls fn for every (host, entry) pair currently tracked. fn must not
// mutate the table.
func (k *KeyTable) Each(fn func(Host, *Entry)) {
	for h, e := range k.entries {
		fn(h, e)
	}
}
