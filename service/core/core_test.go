package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kyungmin4444/gtk-gnutella/internal/host"
)

func TestNewCoreDefaultsConstructsCleanly(t *testing.T) {
	c, err := NewCore(nil, nil)
	if err != nil {
		t.Fatalf("NewCore: %v", err)
	}
	if c.HCache() == nil {
		t.Error("HCache() returned nil")
	}
	if c.Scheduler() == nil {
		t.Error("Scheduler() returned nil")
	}
	if c.GlobalSQ() == nil {
		t.Error("GlobalSQ() returned nil")
	}
	if c.Stats() == nil {
		t.Error("Stats() returned nil")
	}
}

func TestNewCoreWithCollaborators(t *testing.T) {
	connected := 3
	up := 10
	collab := &Collaborators{
		IsUltrapeer:         func() bool { return true },
		ConnectedUltrapeers: func() int { return connected },
	}
	cfg := NewDefaultConfig()
	cfg.UpConnections = up

	c, err := NewCore(cfg, collab)
	if err != nil {
		t.Fatalf("NewCore: %v", err)
	}
	if c.GlobalSQ().Len() != 0 {
		t.Errorf("fresh GlobalSQ should be empty, Len()=%d", c.GlobalSQ().Len())
	}
}

func TestTestAndSetRunningGuardsReentry(t *testing.T) {
	c, err := NewCore(nil, nil)
	if err != nil {
		t.Fatalf("NewCore: %v", err)
	}
	if !c.testAndSetRunning(true) {
		t.Fatal("first testAndSetRunning(true) should succeed")
	}
	if c.testAndSetRunning(true) {
		t.Error("second testAndSetRunning(true) should report already running")
	}
	if !c.testAndSetRunning(false) {
		t.Error("testAndSetRunning(false) should succeed once running")
	}
}

func TestPersistKindRoundTrip(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.HostCacheDir = t.TempDir()
	c, err := NewCore(cfg, nil)
	if err != nil {
		t.Fatalf("NewCore: %v", err)
	}

	now := time.Now()
	c.HCache().Add(host.FreshAny, "1.2.3.4", 6346, now)
	c.HCache().Add(host.ValidAny, "5.6.7.8", 6346, now.Add(-time.Hour))

	if !c.HCache().Dirty(host.KindAny) {
		t.Fatal("cache should be dirty after Add")
	}
	if err := c.persistKind(host.KindAny); err != nil {
		t.Fatalf("persistKind: %v", err)
	}
	if c.HCache().Dirty(host.KindAny) {
		t.Error("cache should no longer be dirty after a successful persist")
	}

	path := filepath.Join(cfg.HostCacheDir, "hosts")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected %v to exist after persistKind: %v", path, err)
	}

	// A second Core loading the same directory should recover the hosts.
	c2, err := NewCore(cfg, nil)
	if err != nil {
		t.Fatalf("NewCore (reload): %v", err)
	}
	if err := c2.loadPersisted(); err != nil {
		t.Fatalf("loadPersisted: %v", err)
	}
	if got := c2.HCache().Size(host.KindAny); got == 0 {
		t.Error("expected loadPersisted to recover at least one host")
	}
}

func TestPersistKindSkipsWhenNotDirty(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.HostCacheDir = t.TempDir()
	c, err := NewCore(cfg, nil)
	if err != nil {
		t.Fatalf("NewCore: %v", err)
	}
	if err := c.persistKind(host.KindUltra); err != nil {
		t.Fatalf("persistKind on a clean cache should be a no-op, got: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cfg.HostCacheDir, "ultras")); err == nil {
		t.Error("persistKind should not create a file for a non-dirty cache")
	}
}

func TestLoadPersistedWithoutDirIsNoop(t *testing.T) {
	c, err := NewCore(nil, nil)
	if err != nil {
		t.Fatalf("NewCore: %v", err)
	}
	if err := c.loadPersisted(); err != nil {
		t.Errorf("loadPersisted with no HostCacheDir should be a no-op, got: %v", err)
	}
}
