// Package sq implements the search queue (C6): per-peer and global pacing
// of outgoing Gnutella query messages. Grounded on internal/hashlist for
// LIFO order (the same head-is-newest discipline internal/hcache uses for
// its catcher lists) and on service/tbc/tbc.go's outbound-message wrapping
// idiom for the leaf-node dispatch-confirmation hook, generalized from a
// mutated wire message to an explicit completion callback (see
// SPEC_FULL.md "Message mutation (SMsg)").
package sq

import (
	"time"

	"github.com/juju/loggo"

	"github.com/kyungmin4444/gtk-gnutella/internal/hashlist"
)

var log = loggo.GetLogger("sq")

// SearchHandle identifies one outstanding search. The transport layer
// hands these out; sq only ever compares and forwards them.
type SearchHandle uint64

// SMsg is one queued query, owned by exactly one queue entry until
// dispatched or discarded.
type SMsg struct {
	SearchHandle SearchHandle
	Bytes        []byte
	QHV          []byte // query-hash vector, global queue only
}

// Peer is the per-peer dispatch target sq depends on but does not
// implement; the transport layer satisfies it. onSent, if non-nil, is
// called once the transport actually processes the message (the
// free-hook replacement, spec.md section "Message mutation").
type Peer interface {
	Writable() bool
	AcceptsHopsZero() bool
	InFlowControl() bool
	ReceivedAnyMessage() bool
	Enqueue(msg []byte, onSent func())
}

// DynamicQueryLauncher is the ultrapeer dynamic-query subsystem the global
// queue hands dispatched messages to.
type DynamicQueryLauncher interface {
	Launch(handle SearchHandle, msg []byte, qhv []byte)
}

// SearchAllowed is the per-peer veto collaborator: search_query_allowed in
// spec.md section 4.3 "Dispatch".
type SearchAllowed func(handle SearchHandle) bool

// Stats is the subset of internal/stats.Sink that sq reports to.
type Stats interface {
	AddSent(queue string)
	AddDropped(queue string)
}

// Mode distinguishes a per-peer queue from the single global queue.
type Mode int

const (
	ModePeer Mode = iota
	ModeGlobal
)

// Config bounds a queue's pacing and size.
type Config struct {
	Spacing time.Duration // search_queue_spacing
	CapSize int           // search_queue_size; 0 means uncapped

	// RetryCap bounds the vetoed-dispatch retry loop in Process (design
	// note (b): the original has no upper bound here).
	RetryCap int
}

const defaultRetryCap = 32

// Queue is one search queue: either bound to a single peer, or the
// process-wide global queue handed to the dynamic-query launcher.
type Queue struct {
	name string
	mode Mode
	cfg  Config

	order *hashlist.List[SearchHandle]
	msgs  map[SearchHandle]SMsg

	hasSent  bool
	lastSent time.Time
	sent     uint64
	dropped  uint64

	stats Stats

	// per-peer collaborators
	peer          Peer
	leaf          bool
	searchAllowed SearchAllowed
	onDispatched  func(handle SearchHandle)

	// global collaborators
	launcher            DynamicQueryLauncher
	isUltrapeer         func() bool
	connectedUltrapeers func() int
	upConnections       func() int
	wasUltrapeer        bool
}

func newQueue(name string, mode Mode, cfg Config, stats Stats) *Queue {
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = defaultRetryCap
	}
	return &Queue{
		name:  name,
		mode:  mode,
		cfg:   cfg,
		order: hashlist.New[SearchHandle](),
		msgs:  make(map[SearchHandle]SMsg),
		stats: stats,
	}
}

// NewPeerQueue makes a per-peer search queue bound to peer. leaf marks a
// leaf-node connection, enabling the dispatch-confirmation hook.
func NewPeerQueue(name string, peer Peer, leaf bool, searchAllowed SearchAllowed, onDispatched func(SearchHandle), cfg Config, stats Stats) *Queue {
	q := newQueue(name, ModePeer, cfg, stats)
	q.peer = peer
	q.leaf = leaf
	q.searchAllowed = searchAllowed
	q.onDispatched = onDispatched
	return q
}

// NewGlobalQueue makes the process-wide global queue. upConnections
// reports the configured up_connections target; connectedUltrapeers
// reports how many are currently connected.
func NewGlobalQueue(launcher DynamicQueryLauncher, isUltrapeer func() bool, connectedUltrapeers, upConnections func() int, cfg Config, stats Stats) *Queue {
	q := newQueue("global", ModeGlobal, cfg, stats)
	q.launcher = launcher
	q.isUltrapeer = isUltrapeer
	q.connectedUltrapeers = connectedUltrapeers
	q.upConnections = upConnections
	return q
}

// Len reports the number of queued, undispatched messages.
func (q *Queue) Len() int { return q.order.Len() }

// Sent reports how many messages this queue has dispatched.
func (q *Queue) Sent() uint64 { return q.sent }

// Dropped reports how many messages this queue has discarded (cap
// overflow or a vetoed per-peer dispatch).
func (q *Queue) Dropped() uint64 { return q.dropped }

// Put enqueues msg at the head (LIFO). If an entry for msg.SearchHandle
// already exists, the new one is dropped silently.
func (q *Queue) Put(handle SearchHandle, msg []byte) {
	q.insert(SMsg{SearchHandle: handle, Bytes: msg})
}

// GlobalPut enqueues a global-queue message together with its query-hash
// vector.
func (q *Queue) GlobalPut(handle SearchHandle, msg []byte, qhv []byte) {
	q.insert(SMsg{SearchHandle: handle, Bytes: msg, QHV: qhv})
}

func (q *Queue) insert(m SMsg) {
	if !q.order.PushFront(m.SearchHandle) {
		return // duplicate handle: dropped silently
	}
	q.msgs[m.SearchHandle] = m
	q.enforceCap()
}

func (q *Queue) enforceCap() {
	if q.cfg.CapSize <= 0 {
		return
	}
	for q.order.Len() > q.cfg.CapSize {
		oldest, ok := q.order.RemoveBack()
		if !ok {
			return
		}
		delete(q.msgs, oldest)
		q.dropped++
		if q.stats != nil {
			q.stats.AddDropped(q.name)
		}
	}
}

// Clear empties the queue.
func (q *Queue) Clear() {
	q.order.Clear()
	q.msgs = make(map[SearchHandle]SMsg)
}

// Free releases the queue's collaborators along with its contents. A freed
// Queue must not be used again.
func (q *Queue) Free() {
	q.Clear()
	q.peer = nil
	q.launcher = nil
	q.searchAllowed = nil
	q.onDispatched = nil
}

// SearchClosed removes handle's queued entry, if any, reporting whether
// one was present. Synchronous and idempotent.
func (q *Queue) SearchClosed(handle SearchHandle) bool {
	return q.removeEntry(handle)
}

func (q *Queue) removeEntry(handle SearchHandle) bool {
	if !q.order.Remove(handle) {
		return false
	}
	delete(q.msgs, handle)
	return true
}

// SetPeerMode updates the global queue's ultrapeer/leaf state, clearing
// the queue on a transition away from ultrapeer. A no-op on per-peer
// queues.
func (q *Queue) SetPeerMode(isUltrapeer bool) {
	if q.mode != ModeGlobal {
		return
	}
	if q.wasUltrapeer && !isUltrapeer {
		q.Clear()
	}
	q.wasUltrapeer = isUltrapeer
}

// canDispatch is the pacing predicate, spec.md section 4.3 "Pacing".
func (q *Queue) canDispatch(now time.Time) bool {
	if q.order.Len() == 0 {
		return false
	}
	if q.hasSent && now.Sub(q.lastSent) < q.cfg.Spacing {
		return false
	}
	if q.mode == ModePeer {
		if q.peer == nil {
			return false
		}
		if !q.peer.ReceivedAnyMessage() {
			return false
		}
		if !q.peer.AcceptsHopsZero() {
			return false
		}
		if !q.peer.Writable() {
			return false
		}
		if q.peer.InFlowControl() {
			return false
		}
		return true
	}

	if q.isUltrapeer != nil && !q.isUltrapeer() {
		return false
	}
	if q.connectedUltrapeers != nil && q.upConnections != nil {
		need := (2 * q.upConnections()) / 3
		if q.connectedUltrapeers() < need {
			return false
		}
	}
	return true
}

// Process attempts to dispatch one message, reporting whether it did.
func (q *Queue) Process(now time.Time) bool {
	if !q.canDispatch(now) {
		return false
	}

	for attempts := 0; ; attempts++ {
		handle, ok := q.order.Front()
		if !ok {
			return false
		}
		msg, ok := q.msgs[handle]
		if !ok {
			// Stale order entry with no backing message; drop and keep going.
			q.order.Remove(handle)
			continue
		}

		if q.mode == ModePeer && q.searchAllowed != nil && !q.searchAllowed(handle) {
			q.removeEntry(handle)
			q.dropped++
			if q.stats != nil {
				q.stats.AddDropped(q.name)
			}
			if attempts+1 >= q.cfg.RetryCap {
				log.Debugf("%v: retry cap reached clearing vetoed messages", q.name)
				return false
			}
			continue
		}

		q.dispatch(handle, msg, now)
		return true
	}
}

func (q *Queue) dispatch(handle SearchHandle, msg SMsg, now time.Time) {
	q.removeEntry(handle)

	switch q.mode {
	case ModeGlobal:
		if q.launcher != nil {
			q.launcher.Launch(handle, msg.Bytes, msg.QHV)
		}
	case ModePeer:
		var onSent func()
		if q.leaf && q.onDispatched != nil {
			h := handle
			onSent = func() { q.onDispatched(h) }
		}
		if q.peer != nil {
			q.peer.Enqueue(msg.Bytes, onSent)
		}
	}

	q.sent++
	q.hasSent = true
	q.lastSent = now
	if q.stats != nil {
		q.stats.AddSent(q.name)
	}
}
