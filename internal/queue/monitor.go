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

package queue

import (
	"context"
	"os"
	"time"

	"github.com/foxcpp/spoolq/internal/limits/limiters"
	"github.com/foxcpp/spoolq/internal/spool"
)

// saturatedPoll is the delay between checks for a free worker slot
// during a monitor pass.
const saturatedPoll = 250 * time.Millisecond

// monitor periodically scans the spool and dispatches workers for all
// entries found.
func (e *Engine) monitor(ctx context.Context) {
	e.checkDiskSpace()
	if !sleep(ctx, e.cfg.StartupDelay) {
		return
	}

	pace := limiters.NewRate(e.cfg.Burst, e.cfg.BurstPause)
	defer pace.Close()

	for {
		flushing := e.flushNeeded.Swap(false)
		e.restartNeeded.Store(false)
		if flushing {
			e.Log.Msg("flushing the queue")
		}

		e.checkDiskSpace()
		found, handled := e.scan(ctx, flushing, pace)
		e.Log.DebugMsg("queue pass done", "found", found, "handled", handled,
			"restart", e.restartNeeded.Load(), "flush", flushing)

		if e.restartNeeded.Load() || e.flushNeeded.Load() {
			continue
		}

		timer := time.NewTimer(e.cfg.QueueInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		case <-e.wake:
			timer.Stop()
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// scan dispatches a worker for every control file in the spool. Unless
// flushing, OUTGOING entries touched within the last queue interval are
// skipped.
func (e *Engine) scan(ctx context.Context, flushing bool, pace limiters.Rate) (found, handled int) {
	entries, err := os.ReadDir(e.spool.Dir)
	if err != nil {
		e.Log.Error("cannot list spool directory", err)
		return 0, 0
	}
	horizon := e.now().Add(-e.cfg.QueueInterval + time.Minute)

	for _, ent := range entries {
		if ctx.Err() != nil {
			return
		}
		t, ok := spool.ParseControlName(ent.Name())
		if !ok {
			continue
		}
		found++

		if !flushing && t.Stage == spool.StageOutgoing {
			info, err := ent.Info()
			if err != nil || info.ModTime().After(horizon) {
				continue
			}
		}

		for !e.acquire(e.cfg.MaxConcurrent) {
			if !sleep(ctx, saturatedPoll) {
				return
			}
		}
		if err := pace.TakeContext(ctx); err != nil {
			activeWorkers.Set(float64(e.active.Add(-1)))
			return
		}
		handled++
		e.startWorker(t)
	}
	return
}

// checkDiskSpace refreshes the low disk space flag.
func (e *Engine) checkDiskSpace() {
	if e.cfg.MinFreeSpace == 0 {
		return
	}
	free, err := spool.FreeSpace(e.spool.Dir)
	if err != nil {
		e.Log.DebugMsg("cannot check free space", "reason", err)
		return
	}
	low := free < e.cfg.MinFreeSpace
	if e.lowDisk.Swap(low) != low {
		if low {
			e.Log.Msg("spool disk space low, refusing new entries", "free", free, "min", e.cfg.MinFreeSpace)
		} else {
			e.Log.Msg("spool disk space recovered", "free", free)
		}
	}
}

// sleep waits for d or until ctx is cancelled. It reports whether the
// full delay passed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
