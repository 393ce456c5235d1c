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

package spool

import (
	"sync"
	"time"
)

// IDGen hands out entry IDs. IDs are only unique among entries that are
// present in the spool at the same time.
type IDGen struct {
	mu   sync.Mutex
	next uint32
}

func NewIDGen(seed time.Time) *IDGen {
	return &IDGen{next: uint32(seed.Unix())}
}

func (g *IDGen) Next() ID {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.next & IDMask
	g.next++
	return ID(id)
}

// Bump makes sure the following IDs are above id, so restarting with
// existing entries does not reuse their IDs.
func (g *IDGen) Bump(id ID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.next&IDMask <= uint32(id) {
		g.next = uint32(id) + 1
	}
}
