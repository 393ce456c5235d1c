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

package locktable

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/foxcpp/spoolq/internal/spool"
	"github.com/foxcpp/spoolq/internal/testutils"
)

func TestTryLock(t *testing.T) {
	tbl := New(testutils.QuietLogger(t, "locktable"))

	g := tbl.TryLock(0x1234)
	if g == nil {
		t.Fatal("first lock failed")
	}
	if tbl.TryLock(0x1234) != nil {
		t.Fatal("second lock of the same ID succeeded")
	}
	if !tbl.Locked(0x1234) {
		t.Error("Locked = false for held ID")
	}

	// Same bucket, different ID.
	g2 := tbl.TryLock(0x1234 + Buckets)
	if g2 == nil {
		t.Fatal("lock of another ID in the same bucket failed")
	}

	g.Unlock()
	g.Unlock()
	if tbl.Locked(0x1234) {
		t.Error("Locked = true after Unlock")
	}
	g3 := tbl.TryLock(0x1234)
	if g3 == nil {
		t.Fatal("lock after Unlock failed")
	}
	g2.Unlock()
	g3.Unlock()
}

func TestTryLock_BucketFull(t *testing.T) {
	tbl := New(testutils.QuietLogger(t, "locktable"))

	guards := make([]*Guard, 0, BucketSlots)
	for i := 0; i < BucketSlots; i++ {
		g := tbl.TryLock(spool.ID(7 + i*Buckets))
		if g == nil {
			t.Fatalf("lock %d failed", i)
		}
		guards = append(guards, g)
	}

	if tbl.TryLock(spool.ID(7+BucketSlots*Buckets)) != nil {
		t.Fatal("lock in a full bucket succeeded")
	}
	// Other buckets are unaffected.
	if tbl.TryLock(8) == nil {
		t.Fatal("lock in another bucket failed")
	}

	guards[3].Unlock()
	if tbl.TryLock(spool.ID(7+BucketSlots*Buckets)) == nil {
		t.Fatal("lock after freeing a slot failed")
	}
}

func TestTryLock_Exclusive(t *testing.T) {
	tbl := New(testutils.QuietLogger(t, "locktable"))

	const workers = 32
	var (
		held    int32
		maxHeld int32
		wg      sync.WaitGroup
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				g := tbl.TryLock(42)
				if g == nil {
					continue
				}
				n := atomic.AddInt32(&held, 1)
				for {
					m := atomic.LoadInt32(&maxHeld)
					if n <= m || atomic.CompareAndSwapInt32(&maxHeld, m, n) {
						break
					}
				}
				atomic.AddInt32(&held, -1)
				g.Unlock()
			}
		}()
	}
	wg.Wait()

	if maxHeld != 1 {
		t.Errorf("lock held by %d workers at once", maxHeld)
	}
}
