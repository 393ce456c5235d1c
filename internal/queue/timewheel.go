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
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"github.com/foxcpp/spoolq/internal/spool"
)

// wakeup is a scheduled re-dispatch of an entry.
type wakeup struct {
	Time  time.Time
	Token spool.Token
}

// TimeWheel re-dispatches entries at a given time. An entry ID is
// scheduled at most once at a time, later Add calls for it are ignored
// until the pending one fires.
type TimeWheel struct {
	stopped uint32

	slots     *list.List
	pending   map[spool.ID]struct{}
	slotsLock sync.Mutex

	updateNotify chan time.Time
	stopNotify   chan struct{}

	dispatch func(spool.Token)
}

func NewTimeWheel(dispatch func(spool.Token)) *TimeWheel {
	tw := &TimeWheel{
		slots:        list.New(),
		pending:      make(map[spool.ID]struct{}),
		stopNotify:   make(chan struct{}),
		updateNotify: make(chan time.Time),
		dispatch:     dispatch,
	}
	go tw.tick()
	return tw
}

// Add schedules t for dispatch at target. It reports whether the entry
// was not scheduled yet.
func (tw *TimeWheel) Add(target time.Time, t spool.Token) bool {
	if atomic.LoadUint32(&tw.stopped) == 1 {
		return false
	}

	tw.slotsLock.Lock()
	if _, ok := tw.pending[t.ID]; ok {
		tw.slotsLock.Unlock()
		return false
	}
	tw.pending[t.ID] = struct{}{}
	tw.slots.PushBack(wakeup{Time: target, Token: t})
	tw.slotsLock.Unlock()

	tw.updateNotify <- target
	return true
}

// Len returns the number of scheduled wakeups.
func (tw *TimeWheel) Len() int {
	tw.slotsLock.Lock()
	defer tw.slotsLock.Unlock()
	return tw.slots.Len()
}

func (tw *TimeWheel) Close() {
	atomic.StoreUint32(&tw.stopped, 1)

	if tw.stopNotify == nil {
		return
	}

	tw.stopNotify <- struct{}{}
	<-tw.stopNotify

	tw.stopNotify = nil

	close(tw.updateNotify)
}

func (tw *TimeWheel) tick() {
	for {
		now := time.Now()

		tw.slotsLock.Lock()
		var (
			closest   wakeup
			closestEl *list.Element
		)
		for e := tw.slots.Front(); e != nil; e = e.Next() {
			slot := e.Value.(wakeup)
			if closestEl == nil || slot.Time.Before(closest.Time) {
				closest = slot
				closestEl = e
			}
		}
		tw.slotsLock.Unlock()
		// Only this goroutine removes elements, closestEl stays valid.

		if closestEl == nil {
			select {
			case <-tw.updateNotify:
				continue
			case <-tw.stopNotify:
				tw.stopNotify <- struct{}{}
				return
			}
		}

		timer := time.NewTimer(closest.Time.Sub(now))

	selectloop:
		for {
			select {
			case <-timer.C:
				tw.slotsLock.Lock()
				tw.slots.Remove(closestEl)
				delete(tw.pending, closest.Token.ID)
				tw.slotsLock.Unlock()

				tw.dispatch(closest.Token)

				break selectloop
			case newTarget := <-tw.updateNotify:
				if !newTarget.Before(closest.Time) {
					continue
				}

				timer.Stop()
				break selectloop
			case <-tw.stopNotify:
				timer.Stop()
				tw.stopNotify <- struct{}{}
				return
			}
		}
	}
}
