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

import "time"

// Window is a range of hours [Start, End) of a day during which outgoing
// delivery is held back.
type Window struct {
	Start int
	End   int
}

// Deferral holds quiet-hours windows indexed by time.Weekday.
type Deferral struct {
	Enabled bool
	Days    [7]Window
}

// Until reports whether delivery at now falls into a quiet window and,
// if so, when the window ends.
func (d Deferral) Until(now time.Time) (time.Time, bool) {
	if !d.Enabled {
		return time.Time{}, false
	}
	w := d.Days[now.Weekday()]
	if w.Start >= w.End {
		return time.Time{}, false
	}
	hour := now.Hour()
	if hour < w.Start || hour >= w.End {
		return time.Time{}, false
	}
	y, m, day := now.Date()
	return time.Date(y, m, day, w.End, 0, 0, 0, now.Location()), true
}
