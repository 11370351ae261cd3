// Package persist implements the host-cache on-disk format of spec.md
// section 6: one "<addr>:<port> <utc-timestamp>" line per host, the primary
// half then the extra half, each newest first. Grounded on the teacher's synchronous,
// transaction-per-call persistence idiom in database/tbcd/level/level.go,
// adapted from LevelDB transactions to a plain text writer per the spec's
// mandated wire format.
package persist

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/juju/loggo"

	"github.com/kyungmin4444/gtk-gnutella/internal/atom"
)

var log = loggo.GetLogger("hcache.persist")

// expiryWindow is the 30-minute bad-host / stale-record window used both by
// HCACHE expiry (section 4.1) and by the load-time clamp (section 6).
const expiryWindow = 30 * time.Minute

// timestampLayout matches gtk-gnutella's on-disk timestamp: RFC3339-ish UTC.
// The loader tolerates any value time.Parse(time.RFC3339, ...) accepts;
// anything else is treated as unparsable per section 6.
const timestampLayout = time.RFC3339

// Record is one line's worth of host + admission time, independent of which
// cache type it belongs to (the caller supplies that context).
type Record struct {
	Host      atom.Host
	TimeAdded time.Time
}

// Store writes primary then extra, each already sorted by descending
// TimeAdded (invariant P3), concatenated with no separator between the two
// halves, matching section 6: "store(type, file, extra) concatenates the
// primary half then the extra half".
func Store(w io.Writer, primary, extra []Record) error {
	bw := bufio.NewWriter(w)
	for _, recs := range [][]Record{primary, extra} {
		for _, r := range recs {
			line := fmt.Sprintf("%s %s\n",
				net.JoinHostPort(r.Host.Addr, strconv.Itoa(int(r.Host.Port))),
				r.TimeAdded.UTC().Format(timestampLayout))
			if _, err := bw.WriteString(line); err != nil {
				return fmt.Errorf("persist store: %w", err)
			}
		}
	}
	return bw.Flush()
}

// Load parses the text format, clamping any line whose timestamp is
// unparsable, in the future, or older than the 30-minute expiry window to
// now-30m so it expires imminently (section 6), then returns the records
// sorted by descending TimeAdded (section 6, invariant P3). Malformed
// individual lines are logged and skipped rather than failing the whole
// load - a corrupt cache file should not prevent startup.
func Load(r io.Reader, now time.Time) []Record {
	clamp := now.Add(-expiryWindow)

	var records []Record
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		rec, ok := parseLine(line, now, clamp)
		if !ok {
			log.Debugf("skipping malformed host cache line: %q", line)
			continue
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		log.Errorf("host cache load scan: %v", err)
	}

	SortDescending(records)
	return records
}

func parseLine(line string, now, clamp time.Time) (Record, bool) {
	sp := strings.IndexByte(line, ' ')
	if sp < 0 {
		return Record{}, false
	}
	hostport, ts := line[:sp], strings.TrimSpace(line[sp+1:])

	addr, portS, err := net.SplitHostPort(hostport)
	if err != nil {
		return Record{}, false
	}
	port, err := strconv.ParseUint(portS, 10, 16)
	if err != nil {
		return Record{}, false
	}

	t, err := time.Parse(timestampLayout, ts)
	if err != nil || t.After(now) || t.Before(clamp) {
		t = clamp
	}

	return Record{
		Host:      atom.Host{Addr: addr, Port: uint16(port)},
		TimeAdded: t,
	}, true
}

// SortDescending sorts recs by descending TimeAdded (invariant P3),
// exported so callers building their own Record slices (e.g. hcache
// snapshotting a live cache) can reuse the same ordering rule.
func SortDescending(recs []Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].TimeAdded.After(recs[j].TimeAdded)
	})
}
