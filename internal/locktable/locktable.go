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

// Package locktable implements advisory per-entry locks.
//
// The table is a fixed number of buckets selected by the low bits of the
// entry ID, each holding a small array of IDs currently being processed.
// Acquisition never blocks: an ID that is already held or a bucket that
// is full both result in a nil Guard and the caller retries later.
package locktable

import (
	"sync"

	"github.com/foxcpp/spoolq/framework/log"
	"github.com/foxcpp/spoolq/internal/spool"
)

const (
	Buckets     = 256
	bucketMask  = Buckets - 1
	BucketSlots = 16

	unused = 1 << 31
)

type bucket struct {
	mu    sync.Mutex
	slots [BucketSlots]uint32
}

type Table struct {
	Log log.Logger

	buckets [Buckets]bucket
}

func New(logger log.Logger) *Table {
	t := &Table{Log: logger}
	for i := range t.buckets {
		for j := range t.buckets[i].slots {
			t.buckets[i].slots[j] = unused
		}
	}
	return t
}

// Guard is the ownership of a locked ID.
type Guard struct {
	b    *bucket
	slot int
	id   spool.ID
	once sync.Once
}

func (g *Guard) ID() spool.ID {
	return g.id
}

// Unlock releases the ID. Calling it more than once has no effect.
func (g *Guard) Unlock() {
	g.once.Do(func() {
		g.b.mu.Lock()
		g.b.slots[g.slot] = unused
		g.b.mu.Unlock()
	})
}

// TryLock locks id. It returns nil if id is already locked or the table
// has no room for it.
func (t *Table) TryLock(id spool.ID) *Guard {
	b := &t.buckets[uint32(id)&bucketMask]

	b.mu.Lock()
	defer b.mu.Unlock()

	free := -1
	for i, v := range b.slots {
		if v == uint32(id) {
			return nil
		}
		if v == unused && free == -1 {
			free = i
		}
	}
	if free == -1 {
		t.Log.Msg("unable to lock spool entry, table full", "id", id)
		return nil
	}

	b.slots[free] = uint32(id)
	return &Guard{b: b, slot: free, id: id}
}

// Locked reports whether id is currently locked.
func (t *Table) Locked(id spool.ID) bool {
	b := &t.buckets[uint32(id)&bucketMask]
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, v := range b.slots {
		if v == uint32(id) {
			return true
		}
	}
	return false
}
