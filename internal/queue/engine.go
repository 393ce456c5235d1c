/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

/*
Package queue implements the engine moving spool entries through the
processing stages.

Entries are processed by short-lived workers, one per entry, each holding
the advisory lock of its entry ID for the whole pass. A worker reads the
control file, applies the logic of the current stage, offers the entry to
push agents registered for the stage and then moves the control file to
the next stage or removes the entry. Workers are started by the spool
monitor, by protocol commands asking for immediate processing and by
quiet-hours wakeups.

The amount of concurrent workers is capped. Requests arriving while the
cap is reached run on the caller's goroutine up to a second cap, past
which the request only schedules an early monitor pass.
*/
package queue

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/foxcpp/spoolq/framework/log"
	"github.com/foxcpp/spoolq/internal/directory"
	"github.com/foxcpp/spoolq/internal/dsn"
	"github.com/foxcpp/spoolq/internal/locktable"
	"github.com/foxcpp/spoolq/internal/pushagent"
	"github.com/foxcpp/spoolq/internal/spool"
	"github.com/foxcpp/spoolq/internal/spooldb"
	"github.com/foxcpp/spoolq/internal/storeclient"
)

// dontRecover controls the behavior of panic handlers, if it is set to true -
// they are disabled and so tests will panic to avoid masking bugs.
var dontRecover = false

const runningMarker = "running"

type Config struct {
	Hostname string
	// StateDir holds the unclean shutdown marker.
	StateDir string

	MaxLinger     time.Duration
	QueueInterval time.Duration
	StartupDelay  time.Duration

	MaxConcurrent int
	MaxSequential int
	// Burst dispatches are allowed per BurstPause during a monitor pass.
	Burst      int
	BurstPause time.Duration

	// MinFreeSpace is the amount of free bytes below which new entries
	// are refused and local delivery is postponed. 0 disables the check.
	MinFreeSpace uint64

	Defer Deferral

	// ForwardUndeliverable is the host local recipients unknown to the
	// directory are relayed to. Empty disables relaying.
	ForwardUndeliverable string

	// CtlPort is the port of the command endpoint, used to detect push
	// agents registered with the queue's own address.
	CtlPort uint16

	DialTimeout time.Duration
	IOTimeout   time.Duration
}

// Components are the collaborators of an Engine.
type Components struct {
	Spool     *spool.Spool
	Agents    *pushagent.Registry
	Store     *storeclient.Client
	Directory directory.Resolver
	DSN       *dsn.Composer
	// Index is optional.
	Index *spooldb.DB
}

type Engine struct {
	Log log.Logger

	cfg       Config
	spool     *spool.Spool
	locks     *locktable.Table
	agents    *pushagent.Registry
	store     *storeclient.Client
	directory directory.Resolver
	dsn       *dsn.Composer
	index     *spooldb.DB
	ids       *spool.IDGen
	wheel     *TimeWheel

	deferLock sync.RWMutex
	deferral  Deferral

	active        atomic.Int32
	queued        atomic.Int32
	lowDisk       atomic.Bool
	flushNeeded   atomic.Bool
	restartNeeded atomic.Bool
	wake          chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	workers   sync.WaitGroup
	closeOnce sync.Once

	now func() time.Time
}

func New(cfg Config, c Components, logger log.Logger) (*Engine, error) {
	if c.Spool == nil || c.Agents == nil || c.Store == nil || c.Directory == nil || c.DSN == nil {
		return nil, errors.New("queue: missing components")
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.MaxSequential < cfg.MaxConcurrent {
		cfg.MaxSequential = cfg.MaxConcurrent
	}
	if cfg.QueueInterval <= 0 {
		cfg.QueueInterval = 4 * time.Minute
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 30 * time.Second
	}

	e := &Engine{
		Log:       logger,
		cfg:       cfg,
		spool:     c.Spool,
		locks:     locktable.New(logger.Sublogger("locks")),
		agents:    c.Agents,
		store:     c.Store,
		directory: c.Directory,
		dsn:       c.DSN,
		index:     c.Index,
		ids:       spool.NewIDGen(time.Now()),
		deferral:  cfg.Defer,
		wake:      make(chan struct{}, 1),
		now:       time.Now,
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.wheel = NewTimeWheel(func(t spool.Token) {
		e.Log.DebugMsg("quiet hours over", "entry", t)
		e.Dispatch(t)
	})
	c.Agents.OnChange = func(n int) {
		pushAgents.Set(float64(n))
	}
	return e, nil
}

// Recover prepares the spool for processing. It must be called once
// before Serve while nothing else uses the spool.
//
// If the previous run did not shut down cleanly the spool is verified in
// thorough mode, otherwise only leftovers of interrupted transitions are
// removed.
func (e *Engine) Recover() error {
	marker := filepath.Join(e.cfg.StateDir, runningMarker)
	thorough := false
	if _, err := os.Stat(marker); err == nil {
		thorough = true
		e.Log.Msg("previous run did not shut down cleanly, verifying spool integrity")
	}

	res, err := e.spool.Check(thorough)
	if err != nil {
		return err
	}
	for _, name := range res.Removed {
		e.Log.DebugMsg("removed spool file", "name", name)
	}
	if len(res.Removed) != 0 {
		e.Log.Msg("spool cleaned", "removed", len(res.Removed), "thorough", thorough)
	}
	e.ids.Bump(res.MaxID)
	e.queued.Store(int32(res.Entries))
	queuedEntries.Set(float64(res.Entries))

	if e.index != nil {
		pruned, err := e.index.Prune(func(id spool.ID) bool {
			_, ok := e.spool.FindEntry(id)
			return ok
		})
		if err != nil {
			e.Log.Error("domain index prune failed", err)
		} else if pruned != 0 {
			e.Log.DebugMsg("domain index pruned", "ids", pruned)
		}
	}

	if err := e.agents.Load(); err != nil {
		e.Log.Error("cannot load push agent table, starting with an empty one", err)
	}
	pushAgents.Set(float64(e.agents.Len()))

	if e.cfg.StateDir != "" {
		if err := os.WriteFile(marker, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
			return fmt.Errorf("queue: %w", err)
		}
	}
	return nil
}

// Serve runs the spool monitor until ctx is cancelled or Close is called
// and then waits for running workers to finish.
func (e *Engine) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-e.ctx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	e.monitor(ctx)
	return e.Close()
}

// Close stops all workers and removes the unclean shutdown marker.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.cancel()
		e.workers.Wait()
		e.wheel.Close()
		if e.cfg.StateDir != "" {
			err := os.Remove(filepath.Join(e.cfg.StateDir, runningMarker))
			if err != nil && !errors.Is(err, os.ErrNotExist) {
				e.Log.Error("cannot remove running marker", err)
			}
		}
	})
	return nil
}

// SetDeferral replaces the quiet-hours windows.
func (e *Engine) SetDeferral(d Deferral) {
	e.deferLock.Lock()
	defer e.deferLock.Unlock()
	e.deferral = d
}

func (e *Engine) currentDeferral() Deferral {
	e.deferLock.RLock()
	defer e.deferLock.RUnlock()
	return e.deferral
}

func (e *Engine) Spool() *spool.Spool {
	return e.spool
}

func (e *Engine) Agents() *pushagent.Registry {
	return e.agents
}

// Queued returns the number of entries waiting for local processing.
func (e *Engine) Queued() int {
	return int(e.queued.Load())
}

// Active returns the number of running workers.
func (e *Engine) Active() int {
	return int(e.active.Load())
}

func (e *Engine) addQueued(n int32) {
	v := e.queued.Add(n)
	if v < 0 {
		e.queued.CompareAndSwap(v, 0)
		v = 0
	}
	queuedEntries.Set(float64(v))
}

func (e *Engine) expired(date time.Time) bool {
	return date.Before(e.now().Add(-e.cfg.MaxLinger))
}

func (e *Engine) indexRemove(id spool.ID) {
	if e.index == nil {
		return
	}
	if err := e.index.RemoveID(id); err != nil {
		e.Log.Error("domain index update failed", err, "id", id)
	}
}

func (e *Engine) indexAdd(domain string, t spool.Token) {
	if e.index == nil {
		return
	}
	if err := e.index.Add(domain, t); err != nil {
		e.Log.Error("domain index update failed", err, "entry", t, "domain", domain)
	}
}

// The methods below implement qproto.Backend.

func (e *Engine) NewID() spool.ID {
	return e.ids.Next()
}

func (e *Engine) LowDiskSpace() bool {
	return e.lowDisk.Load()
}

func (e *Engine) FreeSpace() (int64, error) {
	free, err := spool.FreeSpace(e.spool.Dir)
	if err != nil {
		return 0, err
	}
	if free <= e.cfg.MinFreeSpace {
		return 0, nil
	}
	return int64(free - e.cfg.MinFreeSpace), nil
}

func (e *Engine) Enqueue(t spool.Token) {
	e.addQueued(1)
	e.RunNow(t)
}

func (e *Engine) Run(t spool.Token) {
	e.RunNow(t)
}

func (e *Engine) Flush() {
	e.flushNeeded.Store(true)
	e.poke()
}

func (e *Engine) RegisterAgent(addr net.IP, port uint16, stage spool.Stage, ident string) error {
	if err := e.agents.Register(addr, port, stage, ident); err != nil {
		return err
	}
	e.Log.Msg("push agent registered", "addr", addr, "port", port, "stage", stage, "identifier", ident)
	return nil
}

func (e *Engine) SearchDomain(domain string) ([]spool.Token, error) {
	if e.index == nil {
		return nil, nil
	}
	return e.index.SearchDomain(domain)
}

func (e *Engine) IsLocalAddress(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsUnspecified() {
		return true
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		e.Log.Error("cannot list interface addresses", err)
		return false
	}
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok && ipnet.IP.Equal(ip) {
			return true
		}
	}
	return false
}
