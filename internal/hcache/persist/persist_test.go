package persist

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/kyungmin4444/gtk-gnutella/internal/atom"
)

func TestStoreLoadRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	primary := []Record{
		{Host: atom.Host{Addr: "1.1.1.1", Port: 1}, TimeAdded: now},
		{Host: atom.Host{Addr: "2.2.2.2", Port: 2}, TimeAdded: now.Add(-time.Minute)},
	}
	extra := []Record{
		{Host: atom.Host{Addr: "3.3.3.3", Port: 3}, TimeAdded: now.Add(-2 * time.Minute)},
	}

	var buf bytes.Buffer
	if err := Store(&buf, primary, extra); err != nil {
		t.Fatalf("Store: %v", err)
	}

	loaded := Load(&buf, now.Add(time.Second))
	if len(loaded) != 3 {
		t.Fatalf("loaded %d records, want 3", len(loaded))
	}

	// R1: surviving timestamps are not in the future relative to load time.
	for _, r := range loaded {
		if r.TimeAdded.After(now.Add(time.Second)) {
			t.Errorf("record %v has a future timestamp", r)
		}
	}
	for i := 1; i < len(loaded); i++ {
		if loaded[i-1].TimeAdded.Before(loaded[i].TimeAdded) {
			t.Fatalf("loaded records not sorted descending: %v", loaded)
		}
	}
}

func TestLoadClampsFutureAndStaleTimestamps(t *testing.T) {
	now := time.Now().UTC()
	future := now.Add(time.Hour).Format(time.RFC3339)
	stale := now.Add(-48 * time.Hour).Format(time.RFC3339)
	input := "1.1.1.1:1 " + future + "\n2.2.2.2:2 " + stale + "\n"

	loaded := Load(strings.NewReader(input), now)
	if len(loaded) != 2 {
		t.Fatalf("loaded %d records, want 2", len(loaded))
	}
	clamp := now.Add(-expiryWindow)
	for _, r := range loaded {
		if !r.TimeAdded.Equal(clamp) {
			t.Errorf("record %v TimeAdded = %v, want clamp %v", r.Host, r.TimeAdded, clamp)
		}
	}
}

func TestLoadSkipsMalformedLines(t *testing.T) {
	input := "not-a-valid-line\n1.1.1.1:1 " + time.Now().UTC().Format(time.RFC3339) + "\nanother-bad-one\n"
	loaded := Load(strings.NewReader(input), time.Now())
	if len(loaded) != 1 {
		t.Fatalf("loaded %d records, want 1 (malformed lines skipped)", len(loaded))
	}
}

func TestSortDescending(t *testing.T) {
	now := time.Now()
	recs := []Record{
		{TimeAdded: now.Add(-time.Hour)},
		{TimeAdded: now},
		{TimeAdded: now.Add(-time.Minute)},
	}
	SortDescending(recs)
	if !recs[0].TimeAdded.Equal(now) {
		t.Errorf("first record should be the newest")
	}
	if !recs[2].TimeAdded.Equal(now.Add(-time.Hour)) {
		t.Errorf("last record should be the oldest")
	}
}
