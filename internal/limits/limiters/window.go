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

package limiters

import (
	"sync"
	"time"
)

// Window detects bursts of events. Events closer than Interval to the
// previous one belong to the same burst. Once a burst has more than Max
// events after the first one, Allow returns false until a gap of at least
// Interval resets it.
//
// It is used to detect bounce storms: refusing to generate more
// notifications is the intended effect, so the burst is not cut short by
// refusals.
//
// A Window with Max < 0 always allows.
type Window struct {
	Interval time.Duration
	Max      int

	mu    sync.Mutex
	last  time.Time
	count int
	now   func() time.Time
}

func NewWindow(max int, interval time.Duration) *Window {
	return &Window{Interval: interval, Max: max, now: time.Now}
}

func (w *Window) Allow() bool {
	if w.Max < 0 {
		return true
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if !w.last.IsZero() && !w.last.Before(now.Add(-w.Interval)) {
		w.count++
	} else {
		w.count = 0
	}
	w.last = now
	return w.count <= w.Max
}
