// Package core wires the HCACHE, SQ, BG, and stats subsystems into one
// owned object per spec.md section 9's design note "Shared mutable
// globals": Core replaces the source's process-wide singletons so a test
// can construct as many independent instances as it likes. Grounded on
// service/tbc/tbc.go's Config/Server/NewServer/Run shape: a config struct
// with a default constructor, a reentrancy-guarded Run driving a single
// background goroutine from a context, and an optional Prometheus HTTP
// listener.
package core

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/juju/loggo"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kyungmin4444/gtk-gnutella/internal/bg"
	"github.com/kyungmin4444/gtk-gnutella/internal/clock"
	"github.com/kyungmin4444/gtk-gnutella/internal/hcache"
	"github.com/kyungmin4444/gtk-gnutella/internal/host"
	"github.com/kyungmin4444/gtk-gnutella/internal/reputation"
	"github.com/kyungmin4444/gtk-gnutella/internal/sq"
	"github.com/kyungmin4444/gtk-gnutella/internal/stats"
)

var log = loggo.GetLogger("core")

const logLevel = "INFO"

// schedTick is the 1Hz driver for HCACHE expiry and BG scheduling (spec.md
// section 6 "Periodic callbacks").
const schedTick = time.Second

// Config aggregates the recognized options of spec.md section 6.
type Config struct {
	LogLevel                string
	PrometheusListenAddress string

	// HostCacheDir holds the three on-disk catcher files ("hosts",
	// "ultras", "guess"). Empty disables persistence entirely.
	HostCacheDir string

	// ReputationDBPath, if non-empty, enables the supplemental LevelDB
	// host-reputation ledger.
	ReputationDBPath string

	Limits hcache.Limits

	StopHostGet           bool
	NodeMonitorUnstableIP bool
	UseNetmasks           bool

	SearchQueueSpacing time.Duration
	SearchQueueSize    int
	UpConnections      int

	Own    host.Host
	HasOwn bool
}

// NewDefaultConfig mirrors tbc.NewDefaultConfig's conservative defaults.
func NewDefaultConfig() *Config {
	return &Config{
		LogLevel: logLevel,
		Limits: hcache.Limits{
			MaxAny:        512,
			MaxUltra:      160,
			MaxBad:        256,
			MaxGuess:      160,
			MaxGuessIntro: 64,
		},
		SearchQueueSpacing: 50 * time.Millisecond,
		SearchQueueSize:    256,
		UpConnections:      32,
	}
}

// Core owns every process-wide subsystem this module replaces (spec.md
// section 5 "Shared resources").
type Core struct {
	mtx sync.RWMutex
	wg  sync.WaitGroup

	cfg *Config

	clock      clock.Clock
	hcache     *hcache.Manager
	sched      *bg.Scheduler
	globalSQ   *sq.Queue
	stats      *stats.Sink
	reputation *reputation.Ledger

	isRunning bool

	persistRand *rand.Rand
}

// Collaborators carries the pluggable connection-table hooks: IsUltrapeer
// and ConnectedUltrapeers feed the global search queue's pacing predicate
// (spec.md section 4.3; the up_connections target is Config.UpConnections),
// and the host predicates feed HCACHE admission. Left nil, IsUltrapeer
// reports false and ConnectedUltrapeers reports 0, so the global queue does
// not dispatch; the host predicates fall back to hcache.Config's defaults.
// Connection tracking itself is out of scope (spec.md section 1).
type Collaborators struct {
	IsUltrapeer         func() bool
	ConnectedUltrapeers func() int

	IsConnected      func(h host.Host) bool
	IsRoutable       func(addr string) bool
	IsBogusOrHostile func(addr string) bool
	SameNetwork      func(addr string) bool

	DynamicQueryLauncher sq.DynamicQueryLauncher
}

func (c *Collaborators) normalize() {
	if c.IsUltrapeer == nil {
		c.IsUltrapeer = func() bool { return false }
	}
	if c.ConnectedUltrapeers == nil {
		c.ConnectedUltrapeers = func() int { return 0 }
	}
}

// NewCore constructs a Core. collab may be nil, in which case the
// Collaborators defaults described above apply.
func NewCore(cfg *Config, collab *Collaborators) (*Core, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if collab == nil {
		collab = &Collaborators{}
	}
	collab.normalize()

	c := &Core{
		cfg:         cfg,
		clock:       clock.NewSystem(),
		sched:       bg.NewScheduler(),
		stats:       stats.New(),
		persistRand: rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	if cfg.ReputationDBPath != "" {
		led, err := reputation.Open(cfg.ReputationDBPath)
		if err != nil {
			return nil, fmt.Errorf("open reputation ledger: %w", err)
		}
		c.reputation = led
	}

	hcCfg := hcache.Config{
		Limits:                cfg.Limits,
		StopHostGet:           cfg.StopHostGet,
		NodeMonitorUnstableIP: cfg.NodeMonitorUnstableIP,
		UseNetmasks:           cfg.UseNetmasks,
		Own:                   cfg.Own,
		HasOwn:                cfg.HasOwn,
		IsConnected:           collab.IsConnected,
		IsRoutable:            collab.IsRoutable,
		IsBogusOrHostile:      collab.IsBogusOrHostile,
		SameNetwork:           collab.SameNetwork,
		Stats:                 c.stats,
	}
	if c.reputation != nil {
		hcCfg.Reputation = c.reputation
	}
	c.hcache = hcache.New(hcCfg)

	c.globalSQ = sq.NewGlobalQueue(
		collab.DynamicQueryLauncher,
		collab.IsUltrapeer,
		collab.ConnectedUltrapeers,
		func() int { return cfg.UpConnections },
		sq.Config{Spacing: cfg.SearchQueueSpacing, CapSize: cfg.SearchQueueSize},
		c.stats,
	)

	return c, nil
}

// HCache exposes the host cache manager to callers wiring a transport
// layer in (e.g. to call AddCaught on an incoming pong).
func (c *Core) HCache() *hcache.Manager { return c.hcache }

// Scheduler exposes the BG scheduler so transport code can TaskCreate /
// DaemonCreate work against it.
func (c *Core) Scheduler() *bg.Scheduler { return c.sched }

// GlobalSQ exposes the process-wide search queue.
func (c *Core) GlobalSQ() *sq.Queue { return c.globalSQ }

// Stats exposes the metrics sink, e.g. for a caller that wants to read a
// Snapshot without touching Prometheus types directly.
func (c *Core) Stats() *stats.Sink { return c.stats }

func (c *Core) testAndSetRunning(running bool) bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.isRunning == running {
		return false
	}
	c.isRunning = running
	return true
}

// Run drives the core's periodic callbacks until ctx is cancelled: the
// 1Hz HCACHE-expiry/BG-scheduling tick and the 63s persistence rotation,
// plus an optional Prometheus HTTP listener. Mirrors
// service/tbc/tbc.go's Run.
func (c *Core) Run(pctx context.Context) error {
	log.Tracef("Run")
	defer log.Tracef("Run exit")

	if !c.testAndSetRunning(true) {
		return fmt.Errorf("core already running")
	}
	defer c.testAndSetRunning(false)

	ctx, cancel := context.WithCancel(pctx)
	defer cancel()

	if err := c.loadPersisted(); err != nil {
		log.Errorf("load persisted host caches: %v", err)
	}

	if c.cfg.PrometheusListenAddress != "" {
		ln, err := net.Listen("tcp", c.cfg.PrometheusListenAddress)
		if err != nil {
			return fmt.Errorf("prometheus listen: %w", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(c.stats.Registry(), promhttp.HandlerOpts{}))
		srv := &http.Server{Handler: mux}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer ln.Close()
			if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
				log.Errorf("prometheus server: %v", err)
			}
		}()
		go func() {
			<-ctx.Done()
			srv.Close()
		}()
	}

	errC := make(chan error, 1)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.schedulerLoop(ctx); err != nil {
			select {
			case errC <- err:
			default:
			}
		}
	}()

	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case e := <-errC:
		err = e
	}
	cancel()

	log.Infof("gnutella core shutting down")
	c.wg.Wait()

	if serr := c.storePersisted(); serr != nil {
		log.Errorf("final host cache checkpoint: %v", serr)
	}
	if c.reputation != nil {
		if cerr := c.reputation.Close(); cerr != nil {
			log.Errorf("close reputation ledger: %v", cerr)
		}
	}
	log.Infof("gnutella core clean shutdown")

	return err
}

// schedulerLoop is the single cooperative-core event loop: a 1Hz tick
// drives HCACHE expiry and bg.SchedTimer, and a 63s tick drives HCACHE
// persistence rotation (spec.md section 6 "Periodic callbacks").
func (c *Core) schedulerLoop(ctx context.Context) error {
	tick := time.NewTicker(schedTick)
	defer tick.Stop()
	persist := time.NewTicker(hcache.PersistencePeriod)
	defer persist.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-tick.C:
			c.hcache.Expire(now)
			c.sched.SchedTimer()
			runnable, sleeping, zombies := c.sched.Stats()
			c.stats.SetBGCounts(runnable, sleeping, zombies)
		case <-persist.C:
			if c.cfg.HostCacheDir == "" {
				continue
			}
			kind := c.hcache.PersistenceRotation()
			if err := c.persistKind(kind); err != nil {
				log.Errorf("persist %v: %v", kind, err)
			}
		}
	}
}

func (c *Core) kindPath(kind host.Kind) string {
	return filepath.Join(c.cfg.HostCacheDir, hcache.KindFile(kind))
}

// persistKind writes one kind's file if it has unsaved changes. Failure
// is logged and retried next period (spec.md section 7: "Persistence
// open-for-write failure: silently skipped").
func (c *Core) persistKind(kind host.Kind) error {
	if !c.hcache.Dirty(kind) {
		return nil
	}
	path := c.kindPath(kind)
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %v: %w", tmp, err)
	}
	if err := c.hcache.Store(f, kind); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("store %v: %w", kind, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %v: %w", tmp, err)
	}
	return os.Rename(tmp, path)
}

func (c *Core) storePersisted() error {
	if c.cfg.HostCacheDir == "" {
		return nil
	}
	var firstErr error
	for _, kind := range []host.Kind{host.KindAny, host.KindUltra, host.KindGuess} {
		if err := c.persistKind(kind); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *Core) loadPersisted() error {
	if c.cfg.HostCacheDir == "" {
		return nil
	}
	var firstErr error
	for _, kind := range []host.Kind{host.KindAny, host.KindUltra, host.KindGuess} {
		f, err := os.Open(c.kindPath(kind))
		if err != nil {
			if !os.IsNotExist(err) && firstErr == nil {
				firstErr = err
			}
			continue
		}
		c.hcache.Retrieve(f, kind, c.clock.Now())
		f.Close()
	}
	return firstErr
}
