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
	"runtime/debug"

	"github.com/foxcpp/spoolq/framework/log"
	"github.com/foxcpp/spoolq/internal/spool"
)

// acquire takes a worker slot if fewer than limit workers are active.
func (e *Engine) acquire(limit int) bool {
	for {
		n := e.active.Load()
		if int(n) >= limit {
			return false
		}
		if e.active.CompareAndSwap(n, n+1) {
			activeWorkers.Set(float64(n + 1))
			return true
		}
	}
}

// Dispatch starts processing t in a new goroutine if a worker slot is
// free. It reports whether a worker was started.
func (e *Engine) Dispatch(t spool.Token) bool {
	if e.ctx.Err() != nil {
		return false
	}
	if !e.acquire(e.cfg.MaxConcurrent) {
		return false
	}
	e.startWorker(t)
	return true
}

// RunNow processes t as soon as possible: in a new goroutine while below
// the concurrency cap, on the calling goroutine while below the
// sequential cap and otherwise on the next monitor pass, which is
// requested early.
func (e *Engine) RunNow(t spool.Token) {
	if e.ctx.Err() != nil {
		return
	}
	switch {
	case e.acquire(e.cfg.MaxConcurrent):
		e.startWorker(t)
	case e.acquire(e.cfg.MaxSequential):
		e.work(t)
	default:
		e.Log.DebugMsg("all workers busy, deferring to the next scan", "entry", t)
		e.restartNeeded.Store(true)
		e.poke()
	}
}

func (e *Engine) startWorker(t spool.Token) {
	e.workers.Add(1)
	go func() {
		defer e.workers.Done()
		e.work(t)
	}()
}

// work runs Process in a slot taken by acquire and gives the slot back.
func (e *Engine) work(t spool.Token) {
	defer func() {
		activeWorkers.Set(float64(e.active.Add(-1)))

		if dontRecover {
			return
		}
		if err := recover(); err != nil {
			stack := debug.Stack()
			log.Printf("panic during processing of entry %v: %v\n%s", t, err, stack)
		}
	}()

	e.Process(e.ctx, t)
}

// poke wakes the monitor if it is waiting for the next pass.
func (e *Engine) poke() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}
