// Package hcache implements the multi-class host cache (C4): admission,
// expiry, promotion, pruning, mass-update, and the two-phase close. See
// spec.md section 4.1 for the full contract and algorithm this mirrors.
//
// Concurrency model: spec.md section 5 describes a single-threaded
// cooperative core with no locks. This Manager is nonetheless guarded by a
// mutex, in the teacher's idiom (service/tbc/tbc.go guards its peer/block
// maps with sync.RWMutex even though it is driven by a handful of
// goroutines rather than a single event loop) - it costs nothing when
// called from one goroutine and avoids a landmine if a caller doesn't.
// sync.Mutex is not reentrant: every exported method acquires m.mtx once
// and does its work through unexported, lock-free core helpers
// (addLocked, sizeLocked, clearLocked, admit, ...); no exported method
// ever calls another exported method while holding the lock.
package hcache

import (
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/dustin/go-humanize"
	"github.com/juju/loggo"

	"github.com/kyungmin4444/gtk-gnutella/internal/atom"
	"github.com/kyungmin4444/gtk-gnutella/internal/hcache/persist"
	"github.com/kyungmin4444/gtk-gnutella/internal/host"
)

var log = loggo.GetLogger("hcache")

// expiryWindow is the 30-minute bad-host expiry window (section 4.1
// "Expiry").
const expiryWindow = 30 * time.Minute

// PersistencePeriod is the 63-second periodic the core drives
// PersistenceRotation on (section 6 "Periodic callbacks").
const PersistencePeriod = 63 * time.Second

// lowWatermark is the "is_low" threshold (section 4.1 "Public contract").
const lowWatermark = 1024

// Limits carries the five absolute per-type caps of section 6
// "Configuration".
type Limits struct {
	MaxAny        int
	MaxUltra      int
	MaxBad        int
	MaxGuess      int
	MaxGuessIntro int
}

func (l Limits) forType(t host.CacheType) int {
	switch t {
	case host.FreshAny, host.ValidAny:
		return l.MaxAny
	case host.FreshUltra, host.ValidUltra:
		return l.MaxUltra
	case host.Timeout, host.Busy, host.Unstable, host.Alien:
		return l.MaxBad
	case host.Guess:
		return l.MaxGuess
	case host.GuessIntro:
		return l.MaxGuessIntro
	default:
		return 0
	}
}

// PopulationSink receives the externally observable "catcher" population
// counters and per-cache hit/miss updates (C8). internal/stats.Sink
// satisfies this.
type PopulationSink interface {
	SetPopulation(propertyKey string, n int)
	AddHit(cacheName string)
	AddMiss(cacheName string)
}

// ReputationRecorder is the optional supplemental ledger
// (internal/reputation.Ledger satisfies this). A nil ReputationRecorder
// disables the feature entirely - see SPEC_FULL.md.
type ReputationRecorder interface {
	Record(h host.Host, t host.CacheType) error
}

// NewHostEvent is broadcast to Subscribe-ers when a genuinely new host
// reaches the admission path's notify step (section 4.1 step 9), replacing
// the wait-queue-on-hcache_add mechanism of the design notes.
type NewHostEvent struct {
	Type host.CacheType
	Host host.Host
}

// Config bundles the admission policy inputs of spec.md sections 4.1 and 6.
// The four external-collaborator predicates default to permissive/strict
// stand-ins when left nil; a real client wires the hostile/bogus-IP filter
// and the node's connection table in (both explicitly out of scope per
// spec.md section 1).
type Config struct {
	Limits Limits

	StopHostGet           bool
	NodeMonitorUnstableIP bool
	UseNetmasks           bool

	// Own is this node's own public address; admission of this host is
	// always rejected (step 3).
	Own    host.Host
	HasOwn bool

	// IsConnected reports whether the node already has a live connection
	// to h (step 4). Defaults to "never connected".
	IsConnected func(h host.Host) bool

	// IsRoutable reports whether addr is a routable (non-private/loopback)
	// address (step 5). Defaults to "always routable".
	IsRoutable func(addr string) bool

	// IsBogusOrHostile reports whether addr is on a bogus or hostile-IP
	// list (step 6); the filters themselves are out of scope (spec.md
	// section 1). Defaults to "never".
	IsBogusOrHostile func(addr string) bool

	// SameNetwork reports whether addr is in the local network, used by
	// FindNearby when UseNetmasks is set. Defaults to "never".
	SameNetwork func(addr string) bool

	Rand *rand.Rand

	Stats      PopulationSink
	Reputation ReputationRecorder

	// Debug gates spew.Sdump of cache contents, matching the
	// hcache_debug / guess_server_debug levels of spec.md section 6.
	Debug bool
}

func (c *Config) normalize() {
	if c.IsConnected == nil {
		c.IsConnected = func(host.Host) bool { return false }
	}
	if c.IsRoutable == nil {
		c.IsRoutable = func(string) bool { return true }
	}
	if c.IsBogusOrHostile == nil {
		c.IsBogusOrHostile = func(string) bool { return false }
	}
	if c.SameNetwork == nil {
		c.SameNetwork = func(string) bool { return false }
	}
	if c.Rand == nil {
		c.Rand = rand.New(rand.NewSource(1))
	}
}

var allTypes = []host.CacheType{
	host.FreshAny, host.ValidAny, host.FreshUltra, host.ValidUltra,
	host.Timeout, host.Busy, host.Unstable, host.Alien,
	host.Guess, host.GuessIntro,
}

var propertyKeys = map[host.CacheType]string{
	host.FreshAny:   "hosts_in_catcher",
	host.ValidAny:   "hosts_in_catcher",
	host.FreshUltra: "hosts_in_ultra_catcher",
	host.ValidUltra: "hosts_in_ultra_catcher",
	host.Timeout:    "hosts_in_bad_catcher",
	host.Busy:       "hosts_in_bad_catcher",
	host.Unstable:   "hosts_in_bad_catcher",
	host.Alien:      "hosts_in_bad_catcher",
	host.Guess:      "hosts_in_guess_catcher",
	host.GuessIntro: "hosts_in_guess_intro_catcher",
}

// Manager owns the ten HostCache instances and the two class key tables
// (spec.md section 5 "Shared resources"). Construct one per client/test per
// the design note "create one per client, not one per process".
type Manager struct {
	mtx sync.Mutex

	cfg Config

	atoms  *atom.Table
	tables map[host.Class]*host.KeyTable
	caches map[host.CacheType]*host.Cache

	hostLowOnPongs bool
	closeRunning   bool

	subscribers []chan<- NewHostEvent

	persistRotate int // rotates {Any, Ultra, Guess} across 63s fires
}

// New constructs a Manager with empty caches.
func New(cfg Config) *Manager {
	cfg.normalize()
	m := &Manager{
		cfg:    cfg,
		atoms:  atom.NewTable(),
		tables: map[host.Class]*host.KeyTable{host.ClassHost: host.NewKeyTable(), host.ClassGuess: host.NewKeyTable()},
		caches: make(map[host.CacheType]*host.Cache, len(allTypes)),
	}
	for _, t := range allTypes {
		m.caches[t] = host.NewCache(t, propertyKeys[t])
	}
	return m
}

// Subscribe registers ch to receive NewHostEvent notifications. ch should
// be buffered; Manager never blocks sending to it (a full channel drops the
// notification, matching the best-effort nature of the wait-queue this
// replaces).
func (m *Manager) Subscribe(ch chan<- NewHostEvent) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	m.subscribers = append(m.subscribers, ch)
}

func (m *Manager) notify(ev NewHostEvent) {
	for _, ch := range m.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (m *Manager) cache(t host.CacheType) *host.Cache { return m.caches[t] }

func (m *Manager) table(t host.CacheType) *host.KeyTable { return m.tables[t.Class()] }

// bumpPopulation refreshes the external population property for t's group,
// honoring the cache's mass-update suppression.
func (m *Manager) bumpPopulation(t host.CacheType) {
	c := m.cache(t)
	if c.InMassUpdate() {
		return
	}
	m.refreshPopulation(t)
}

func (m *Manager) refreshPopulation(t host.CacheType) {
	if m.cfg.Stats == nil {
		return
	}
	if t.IsBad() {
		sum := 0
		for _, bt := range []host.CacheType{host.Timeout, host.Busy, host.Unstable, host.Alien} {
			sum += m.cache(bt).Len()
		}
		m.cfg.Stats.SetPopulation(m.cache(t).PropertyKey, sum)
		return
	}
	if t == host.Guess {
		m.cfg.Stats.SetPopulation(m.cache(host.Guess).PropertyKey, m.cache(host.Guess).Len())
		return
	}
	if t == host.GuessIntro {
		m.cfg.Stats.SetPopulation(m.cache(host.GuessIntro).PropertyKey, m.cache(host.GuessIntro).Len())
		return
	}
	kind := kindOf(t)
	m.cfg.Stats.SetPopulation(m.cache(t).PropertyKey, m.sizeLocked(kind))
}

func kindOf(t host.CacheType) host.Kind {
	switch t {
	case host.FreshUltra, host.ValidUltra:
		return host.KindUltra
	case host.Guess, host.GuessIntro:
		return host.KindGuess
	default:
		return host.KindAny
	}
}

// ---- Public contract (spec.md section 4.1) ----

// Add attempts to register (addr, port) as a host of type t. It returns
// whether (addr, port) passed the sanity checks, regardless of whether a
// slot was actually taken (section 4.1 "Public contract").
func (m *Manager) Add(t host.CacheType, addr string, port uint16, now time.Time) bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	return m.addLocked(t, addr, port, now)
}

// AddCaught maps {Any, Ultra, Guess} to the fresh type and admits.
func (m *Manager) AddCaught(kind host.Kind, addr string, port uint16, now time.Time) bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	fresh, _ := kind.FreshValid()
	return m.addLocked(fresh, addr, port, now)
}

// AddValid maps {Any, Ultra, Guess} to the valid type and admits.
func (m *Manager) AddValid(kind host.Kind, addr string, port uint16, now time.Time) bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	_, valid := kind.FreshValid()
	return m.addLocked(valid, addr, port, now)
}

// addLocked is Add's body, callable from other exported methods that
// already hold m.mtx.
func (m *Manager) addLocked(t host.CacheType, addr string, port uint16, now time.Time) bool {
	h := m.atoms.Intern(addr, port)
	return m.admit(t, h, now)
}

// admit implements the nine-step algorithm of spec.md section 4.1.
func (m *Manager) admit(t host.CacheType, h host.Host, now time.Time) bool {
	// 1.
	if m.cfg.StopHostGet {
		return false
	}
	// 2.
	if t == host.Unstable {
		if !m.cfg.NodeMonitorUnstableIP || m.hostLowOnPongs {
			return false
		}
	}
	// 3.
	if m.cfg.HasOwn && h == m.cfg.Own {
		return false
	}
	// 4.
	if t.IsGood() && m.cfg.IsConnected(h) {
		return false
	}
	// 5.
	if !m.cfg.IsRoutable(h.Addr) && (!t.AddrOnly() || h.Port == 0) {
		return false
	}
	// 6.
	if m.cfg.IsBogusOrHostile(h.Addr) {
		return false
	}
	// 7. port heuristic: ~87.5% reject at 6346-6350 unless low on pongs.
	if h.Port >= 6346 && h.Port <= 6350 && !m.hostLowOnPongs {
		if m.cfg.Rand.Intn(256) > 31 {
			return false
		}
	}

	table := m.table(t)
	if existing := table.Lookup(h); existing != nil {
		return m.admitDuplicate(t, h, existing, now)
	}
	return m.admitNew(t, h, now)
}

// admitDuplicate implements step 8.
func (m *Manager) admitDuplicate(t host.CacheType, h host.Host, existing *host.Entry, now time.Time) bool {
	cur := existing.CacheType

	switch {
	case t.IsBad():
		if cur.IsBad() {
			return true
		}
		m.move(h, existing, t, now)
		if m.cfg.Reputation != nil {
			if err := m.cfg.Reputation.Record(h, t); err != nil {
				log.Debugf("reputation record %v: %v", h, err)
			}
		}
		return true

	case t == host.FreshUltra || t == host.ValidUltra:
		if cur == host.FreshAny || cur == host.ValidAny {
			m.move(h, existing, t, now)
		}
		return true

	case t == host.Guess:
		// ID-smearing mitigation: remove rather than refresh.
		m.removeHost(h, existing)
		return true

	default: // FreshAny / ValidAny / GuessIntro
		return true
	}
}

func (m *Manager) move(h host.Host, e *host.Entry, to host.CacheType, now time.Time) {
	from := e.CacheType
	m.cache(from).List().Remove(h)
	m.cache(from).Dirty = true
	m.cache(to).List().PushFront(h)
	m.cache(to).Dirty = true
	e.CacheType = to
	e.TimeAdded = now
	log.Debugf("moved %v: %v -> %v", h, from, to)
}

func (m *Manager) removeHost(h host.Host, e *host.Entry) {
	c := m.cache(e.CacheType)
	c.List().Remove(h)
	c.Dirty = true
	m.table(e.CacheType).Delete(h)
	m.atoms.Forget(h)
}

// admitNew implements step 9.
func (m *Manager) admitNew(t host.CacheType, h host.Host, now time.Time) bool {
	m.notify(NewHostEvent{Type: t, Host: h})

	limit := m.cfg.Limits.forType(t)
	if !slotAccepted(limit, m.cache(t).Len(), m.cfg.Rand) {
		return true
	}

	e := &host.Entry{CacheType: t, TimeAdded: now}
	m.table(t).Set(h, e)
	m.cache(t).List().PushFront(h)
	m.cache(t).Misses++
	if m.cfg.Stats != nil {
		m.cfg.Stats.AddMiss(m.cache(t).Name)
	}
	m.cache(t).Dirty = true
	m.bumpPopulation(t)

	if m.cfg.Reputation != nil {
		if err := m.cfg.Reputation.Record(h, t); err != nil {
			log.Debugf("reputation record %v: %v", h, err)
		}
	}

	m.prune(t, now)
	m.hostLowOnPongs = m.computeLowOnPongs()

	if m.cfg.Debug {
		log.Tracef("admitted %v into %v: %v", h, t, spew.Sdump(e))
	}
	return true
}

// slotAccepted implements the probability-gated slot filter of section 4.1
// "Slot filter": limit = max[type], left = limit - current, accept iff
// limit>0 && left>0 && (left > limit/2 || rand mod limit < left).
func slotAccepted(limit, current int, r *rand.Rand) bool {
	if limit <= 0 {
		return false
	}
	left := limit - current
	if left <= 0 {
		return false
	}
	if left > limit/2 {
		return true
	}
	return r.Intn(limit) < left
}

func (m *Manager) computeLowOnPongs() bool {
	return m.sizeLocked(host.KindAny) < lowWatermark
}

// Purge removes h from whichever of the four good caches it is in, if any.
func (m *Manager) Purge(addr string, port uint16) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	h := atom.Host{Addr: addr, Port: port}
	table := m.tables[host.ClassHost]
	e := table.Lookup(h)
	if e == nil || !e.CacheType.IsGood() {
		return
	}
	m.removeHost(h, e)
	m.bumpPopulation(e.CacheType)
}

// Clear bulk-drops every host of type t under mass-update semantics.
func (m *Manager) Clear(t host.CacheType) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	m.clearLocked(t)
}

// clearLocked is Clear's body, callable from other exported methods that
// already hold m.mtx.
func (m *Manager) clearLocked(t host.CacheType) {
	c := m.cache(t)
	c.StartMassUpdate()
	table := m.table(t)
	c.List().Each(func(h host.Host) {
		table.Delete(h)
		m.atoms.Forget(h)
	})
	c.List().Clear()
	c.Dirty = true
	if c.StopMassUpdate() {
		m.refreshPopulation(t)
	}
}

// ClearHostKind bulk-drops both halves (fresh and valid, or Guess and
// GuessIntro) of a Kind under one mass-update bracket.
func (m *Manager) ClearHostKind(kind host.Kind) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	types := typesForKind(kind)
	for _, t := range types {
		m.cache(t).StartMassUpdate()
	}
	for _, t := range types {
		table := m.table(t)
		m.cache(t).List().Each(func(h host.Host) {
			table.Delete(h)
			m.atoms.Forget(h)
		})
		m.cache(t).List().Clear()
		m.cache(t).Dirty = true
	}
	closed := false
	for _, t := range types {
		if m.cache(t).StopMassUpdate() {
			closed = true
		}
	}
	if closed {
		m.refreshPopulation(types[0])
	}
}

func typesForKind(kind host.Kind) []host.CacheType {
	switch kind {
	case host.KindUltra:
		return []host.CacheType{host.FreshUltra, host.ValidUltra}
	case host.KindGuess:
		return []host.CacheType{host.Guess, host.GuessIntro}
	default:
		return []host.CacheType{host.FreshAny, host.ValidAny}
	}
}

// GetCaught extracts a host for outbound connection, removing it. Fresh is
// drained preferentially; when Fresh is empty, Valid is spliced into it
// first (promotion), so GetCaught always finds something whenever the
// union is non-empty (section 4.1 "Promotion between halves").
func (m *Manager) GetCaught(kind host.Kind) (host.Host, bool) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	fresh, valid := kind.FreshValid()
	m.maybePromote(fresh, valid)

	h, ok := m.cache(fresh).List().Front()
	if !ok {
		return host.Host{}, false
	}
	e := m.table(fresh).Lookup(h)
	m.removeHost(h, e)
	m.cache(fresh).Hits++
	if m.cfg.Stats != nil {
		m.cfg.Stats.AddHit(m.cache(fresh).Name)
	}
	m.bumpPopulation(fresh)
	return h, true
}

// maybePromote splices valid into fresh when fresh is empty (section 4.1
// "Promotion between halves"), rewriting each moved entry's CacheType.
func (m *Manager) maybePromote(fresh, valid host.CacheType) {
	if fresh == valid { // GUESS has no split
		return
	}
	if m.closeRunning {
		return
	}
	fc := m.cache(fresh)
	if fc.Len() > 0 {
		return
	}
	vc := m.cache(valid)
	if vc.Len() == 0 {
		return
	}
	table := m.table(fresh) // same KeyTable for both halves of one class
	vc.List().Each(func(h host.Host) {
		e := table.Lookup(h)
		e.CacheType = fresh
	})
	fc.List().SpliceFront(vc.List())
	fc.Dirty = true
	vc.Dirty = true
	log.Debugf("promoted %v -> %v", valid, fresh)
}

// FillCaughtArray copies up to n hosts of kind without removing them,
// deduplicated within the result (fresh first, then valid).
func (m *Manager) FillCaughtArray(kind host.Kind, n int) []host.Host {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	fresh, valid := kind.FreshValid()
	seen := make(map[host.Host]struct{}, n)
	out := make([]host.Host, 0, n)
	collect := func(t host.CacheType) {
		m.cache(t).List().Each(func(h host.Host) {
			if len(out) >= n {
				return
			}
			if _, ok := seen[h]; ok {
				return
			}
			seen[h] = struct{}{}
			out = append(out, h)
		})
	}
	collect(fresh)
	if fresh != valid {
		collect(valid)
	}
	return out
}

// FindNearby returns the first host of kind in the same local network,
// removed on success. Only consulted when use_netmasks is enabled (section
// 6).
func (m *Manager) FindNearby(kind host.Kind) (host.Host, bool) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if !m.cfg.UseNetmasks {
		return host.Host{}, false
	}
	fresh, valid := kind.FreshValid()
	for _, t := range []host.CacheType{fresh, valid} {
		var found host.Host
		ok := false
		m.cache(t).List().Each(func(h host.Host) {
			if ok {
				return
			}
			if m.cfg.SameNetwork(h.Addr) {
				found, ok = h, true
			}
		})
		if ok {
			e := m.table(t).Lookup(found)
			m.removeHost(found, e)
			m.bumpPopulation(t)
			return found, true
		}
		if fresh == valid {
			break
		}
	}
	return host.Host{}, false
}

// Size returns the number of hosts cached under kind.
func (m *Manager) Size(kind host.Kind) int {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	return m.sizeLocked(kind)
}

// sizeLocked is Size's body, callable from other exported methods that
// already hold m.mtx.
func (m *Manager) sizeLocked(kind host.Kind) int {
	fresh, valid := kind.FreshValid()
	if fresh == valid {
		return m.cache(fresh).Len()
	}
	return m.cache(fresh).Len() + m.cache(valid).Len()
}

// IsLow reports whether kind has fewer than 1024 cached hosts.
func (m *Manager) IsLow(kind host.Kind) bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	return m.sizeLocked(kind) < lowWatermark
}

// NodeIsBad reports whether addr is currently known in any bad bucket.
func (m *Manager) NodeIsBad(addr string) bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	table := m.tables[host.ClassHost]
	bad := false
	table.Each(func(h host.Host, e *host.Entry) {
		if !bad && h.Addr == addr && e.CacheType.IsBad() {
			bad = true
		}
	})
	return bad
}

// StartMassUpdate opens a mass-update bracket on every cache of kind.
func (m *Manager) StartMassUpdate(kind host.Kind) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	for _, t := range typesForKind(kind) {
		m.cache(t).StartMassUpdate()
	}
}

// StopMassUpdate closes the bracket opened by StartMassUpdate, firing the
// population refresh exactly once.
func (m *Manager) StopMassUpdate(kind host.Kind) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	types := typesForKind(kind)
	closed := false
	for _, t := range types {
		if m.cache(t).StopMassUpdate() {
			closed = true
		}
	}
	if closed {
		m.refreshPopulation(types[0])
	}
}

// ---- Pruning (section 4.1 "Pruning") ----

// prune enforces t's capacity limit, possibly redirecting to its sibling
// half if that is longer (the documented HALF_PRUNE rule, spec.md section
// 9 open question (a)).
func (m *Manager) prune(t host.CacheType, now time.Time) {
	target := t
	if sib, ok := sibling(t); ok {
		if m.cache(sib).Len() > m.cache(t).Len() {
			target = sib
		}
	}

	limit := m.cfg.Limits.forType(target)
	if limit <= 0 {
		return
	}
	for m.cache(target).Len() > limit {
		m.evictOne(target)
	}
}

func sibling(t host.CacheType) (host.CacheType, bool) {
	switch t {
	case host.FreshAny:
		return host.ValidAny, true
	case host.ValidAny:
		return host.FreshAny, true
	case host.FreshUltra:
		return host.ValidUltra, true
	case host.ValidUltra:
		return host.FreshUltra, true
	default:
		return t, false
	}
}

// evictOne removes a single host from target: GUESS evicts the entry just
// after the head with 70% probability (MRU-poisoning resistance) and the
// tail otherwise; every other type always evicts the tail (oldest).
func (m *Manager) evictOne(target host.CacheType) {
	list := m.cache(target).List()
	var victim host.Host
	var ok bool
	if target == host.Guess && m.cfg.Rand.Intn(100) < 70 {
		if head, hok := list.Front(); hok {
			victim, ok = list.After(head)
		}
	}
	if !ok {
		victim, ok = list.Back()
	}
	if !ok {
		log.Errorf("prune: evict requested on empty cache %v", target)
		return
	}
	e := m.table(target).Lookup(victim)
	m.removeHost(victim, e)
	m.cache(target).Dirty = true
}

// ---- Expiry (section 4.1 "Expiry") ----

// Expire walks the tail of the three behavior-keyed bad buckets (Timeout,
// Busy, Unstable), removing entries older than the 30-minute window. Called
// once per second by the core's 1Hz tick.
func (m *Manager) Expire(now time.Time) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	for _, t := range []host.CacheType{host.Timeout, host.Busy, host.Unstable} {
		c := m.cache(t)
		table := m.table(t)
		for {
			last, ok := c.List().Back()
			if !ok {
				break
			}
			e := table.Lookup(last)
			if e == nil || now.Sub(e.TimeAdded) <= expiryWindow {
				break
			}
			m.removeHost(last, e)
			c.Dirty = true
		}
		m.bumpPopulation(t)
	}
}

// ---- Close (section 5 "Cancellation") ----

// Close performs the two-phase drain: every cache is emptied under
// mass-update, with closeRunning disabling the FRESH<-VALID re-splice,
// then the structures themselves are discarded.
func (m *Manager) Close() {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	m.closeRunning = true
	for _, t := range allTypes {
		m.clearLocked(t)
	}
	m.closeRunning = false
	m.caches = make(map[host.CacheType]*host.Cache, len(allTypes))
	for _, t := range allTypes {
		m.caches[t] = host.NewCache(t, propertyKeys[t])
	}
	m.tables = map[host.Class]*host.KeyTable{host.ClassHost: host.NewKeyTable(), host.ClassGuess: host.NewKeyTable()}
}

// ---- Persistence (C7, spec.md section 6) ----

// KindFile names the on-disk file for a Kind per spec.md section 6.
func KindFile(kind host.Kind) string {
	switch kind {
	case host.KindUltra:
		return "ultras"
	case host.KindGuess:
		return "guess"
	default:
		return "hosts"
	}
}

// records snapshots a cache's contents as persist.Records sorted by
// descending TimeAdded (invariant P3).
func (m *Manager) records(t host.CacheType) []persist.Record {
	c := m.cache(t)
	table := m.table(t)
	out := make([]persist.Record, 0, c.Len())
	c.List().Each(func(h host.Host) {
		e := table.Lookup(h)
		out = append(out, persist.Record{Host: h, TimeAdded: e.TimeAdded})
	})
	// List order is already newest-first, which is descending TimeAdded as
	// long as entries are only ever reordered by admission/promotion - true
	// here, but re-derive defensively so a caller handed this slice always
	// sees P3 hold.
	persist.SortDescending(out)
	return out
}

// Dirty reports whether either half of kind needs to be persisted.
func (m *Manager) Dirty(kind host.Kind) bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	primary, extra := storeOrder(kind)
	if m.cache(primary).Dirty {
		return true
	}
	return extra != primary && m.cache(extra).Dirty
}

// Store serializes kind's primary half then its extra half (section 6:
// "store(type, file, extra) concatenates the primary half then the extra
// half"). For {Any, Ultra} the primary is Valid and the extra is Fresh; for
// GUESS the primary is GuessIntro and the extra is Guess.
func (m *Manager) Store(w io.Writer, kind host.Kind) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	primaryType, extraType := storeOrder(kind)
	primary := m.records(primaryType)
	extra := m.records(extraType)
	if err := persist.Store(w, primary, extra); err != nil {
		return err
	}
	m.cache(primaryType).Dirty = false
	if extraType != primaryType {
		m.cache(extraType).Dirty = false
	}
	return nil
}

func storeOrder(kind host.Kind) (primary, extra host.CacheType) {
	switch kind {
	case host.KindGuess:
		return host.GuessIntro, host.Guess
	default:
		fresh, valid := kind.FreshValid()
		return valid, fresh
	}
}

// Retrieve loads kind's file into its fresh half: every record, clamped per
// section 6, goes through admitLoaded, which skips hosts already known and
// applies the slot filter; the other admission checks of Add are not run.
// Records are inserted oldest first so the newest ends up at the head.
func (m *Manager) Retrieve(r io.Reader, kind host.Kind, now time.Time) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	fresh, _ := kind.FreshValid()
	recs := persist.Load(r, now)
	for i := len(recs) - 1; i >= 0; i-- {
		m.admitLoaded(fresh, recs[i])
	}
}

func (m *Manager) admitLoaded(t host.CacheType, rec persist.Record) {
	table := m.table(t)
	if table.Lookup(rec.Host) != nil {
		return
	}
	limit := m.cfg.Limits.forType(t)
	if !slotAccepted(limit, m.cache(t).Len(), m.cfg.Rand) {
		return
	}
	e := &host.Entry{CacheType: t, TimeAdded: rec.TimeAdded}
	table.Set(rec.Host, e)
	m.cache(t).List().PushFront(rec.Host)
	m.cache(t).Dirty = true
	m.bumpPopulation(t)
}

// PersistenceRotation returns the Kind to persist on this 63s fire and
// advances the rotation, per section 6: "the persistence callback rotates
// among {Any, Ultra, Guess} on successive fires".
func (m *Manager) PersistenceRotation() host.Kind {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	kinds := []host.Kind{host.KindAny, host.KindUltra, host.KindGuess}
	k := kinds[m.persistRotate%len(kinds)]
	m.persistRotate++
	return k
}

// HumanizeSize renders a kind's population as a log-friendly string, e.g.
// for the core's periodic status line.
func HumanizeSize(m *Manager, kind host.Kind) string {
	return humanize.Comma(int64(m.Size(kind)))
}
