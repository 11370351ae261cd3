// Package reputation is the optional, durable host-reputation ledger
// described in SPEC_FULL.md as a supplement to HCACHE's in-memory
// hits/misses counters: a small LevelDB-backed store recording how often
// each host has been admitted to a good vs. a bad cache over the node's
// lifetime. It never gates admission - only observes it - and a nil
// *Ledger disables the feature entirely.
//
// Grounded on database/tbcd/level/level.go's transaction-per-call,
// JSON-value idiom, adapted from the teacher's block/peer records to a
// single small record keyed by "addr:port".
package reputation

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/juju/loggo"
	"github.com/syndtr/goleveldb/leveldb"

	"github.com/kyungmin4444/gtk-gnutella/internal/host"
)

var log = loggo.GetLogger("reputation")

// Record is one host's lifetime reputation summary.
type Record struct {
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	GoodCount uint64    `json:"good_count"`
	BadCount  uint64    `json:"bad_count"`
}

// Ledger wraps a LevelDB handle. The zero value is not usable; construct
// with Open.
type Ledger struct {
	db *leveldb.DB
}

// Open opens (creating if absent) the LevelDB store at path.
func Open(path string) (*Ledger, error) {
	log.Tracef("Open %v", path)
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("reputation open: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Close releases the underlying database handle.
func (l *Ledger) Close() error {
	log.Tracef("Close")
	return l.db.Close()
}

func key(h host.Host) []byte {
	return []byte(net.JoinHostPort(h.Addr, strconv.Itoa(int(h.Port))))
}

// Record updates h's ledger entry to reflect an admission into t, bumping
// GoodCount or BadCount depending on t.IsBad(). Best-effort: callers should
// log and continue on error, never gate admission on it.
func (l *Ledger) Record(h host.Host, t host.CacheType) error {
	log.Tracef("Record %v %v", h, t)
	k := key(h)

	tx, err := l.db.OpenTransaction()
	if err != nil {
		return fmt.Errorf("reputation record transaction: %w", err)
	}
	discard := true
	defer func() {
		if discard {
			tx.Discard()
		}
	}()

	now := time.Now()
	var rec Record
	j, err := tx.Get(k, nil)
	switch err {
	case nil:
		if uerr := json.Unmarshal(j, &rec); uerr != nil {
			return fmt.Errorf("reputation record unmarshal: %w", uerr)
		}
	case leveldb.ErrNotFound:
		rec = Record{FirstSeen: now}
	default:
		return fmt.Errorf("reputation record get: %w", err)
	}

	rec.LastSeen = now
	if t.IsBad() {
		rec.BadCount++
	} else {
		rec.GoodCount++
	}

	nj, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("reputation record marshal: %w", err)
	}
	if err := tx.Put(k, nj, nil); err != nil {
		return fmt.Errorf("reputation record put: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("reputation record commit: %w", err)
	}
	discard = false
	return nil
}

// Lookup returns h's ledger entry, if any.
func (l *Ledger) Lookup(h host.Host) (Record, bool, error) {
	j, err := l.db.Get(key(h), nil)
	if err == leveldb.ErrNotFound {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("reputation lookup: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(j, &rec); err != nil {
		return Record{}, false, fmt.Errorf("reputation lookup unmarshal: %w", err)
	}
	return rec, true, nil
}
