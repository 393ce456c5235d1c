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
	"testing"
	"time"

	"github.com/foxcpp/spoolq/internal/spool"
)

func tok(id spool.ID) spool.Token {
	return spool.Token{Stage: spool.StageOutgoing, ID: id}
}

func TestTimeWheelAdd(t *testing.T) {
	t.Parallel()

	called := make(chan spool.Token)

	w := NewTimeWheel(func(t spool.Token) {
		called <- t
	})
	defer w.Close()

	w.Add(time.Now().Add(1*time.Second), tok(1))

	if got := <-called; got != tok(1) {
		t.Errorf("Wrong token: %v", got)
	}
}

func TestTimeWheelAdd_Ordering(t *testing.T) {
	t.Parallel()

	called := make(chan spool.Token)

	w := NewTimeWheel(func(t spool.Token) {
		called <- t
	})
	defer w.Close()

	w.Add(time.Now().Add(1*time.Second), tok(1))
	w.Add(time.Now().Add(1250*time.Millisecond), tok(2))

	if got := <-called; got != tok(1) {
		t.Errorf("Wrong first token: %v", got)
	}
	if got := <-called; got != tok(2) {
		t.Errorf("Wrong second token: %v", got)
	}
}

func TestTimeWheelAdd_Restart(t *testing.T) {
	t.Parallel()

	called := make(chan spool.Token)

	w := NewTimeWheel(func(t spool.Token) {
		called <- t
	})
	defer w.Close()

	w.Add(time.Now().Add(90000*time.Hour), tok(1))
	w.Add(time.Now().Add(500*time.Millisecond), tok(2))

	if got := <-called; got != tok(2) {
		t.Errorf("Wrong first token: %v", got)
	}
}

func TestTimeWheelAdd_Duplicate(t *testing.T) {
	t.Parallel()

	called := make(chan spool.Token, 2)

	w := NewTimeWheel(func(t spool.Token) {
		called <- t
	})
	defer w.Close()

	if !w.Add(time.Now().Add(300*time.Millisecond), tok(1)) {
		t.Fatal("First Add refused")
	}
	if w.Add(time.Now().Add(100*time.Millisecond), tok(1)) {
		t.Fatal("Second Add for the same entry accepted")
	}
	if w.Len() != 1 {
		t.Fatal("Wrong Len:", w.Len())
	}

	<-called
	time.Sleep(100 * time.Millisecond)
	if len(called) != 0 {
		t.Fatal("Entry dispatched twice")
	}

	// Fired entries can be scheduled again.
	if !w.Add(time.Now().Add(100*time.Millisecond), tok(1)) {
		t.Fatal("Add after dispatch refused")
	}
	<-called
}

func TestTimeWheelAdd_EmptyUpdWait(t *testing.T) {
	t.Parallel()

	called := make(chan spool.Token)

	w := NewTimeWheel(func(t spool.Token) {
		called <- t
	})
	defer w.Close()

	time.Sleep(500 * time.Millisecond)

	w.Add(time.Now().Add(1*time.Second), tok(1))

	if got := <-called; got != tok(1) {
		t.Errorf("Wrong token: %v", got)
	}
}
