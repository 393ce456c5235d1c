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

package limits

import (
	"net"
	"testing"
)

func TestGroup(t *testing.T) {
	g := New(Config{MaxSessions: 3, MaxSessionsPerIP: 2})
	defer g.Close()

	a, b := net.ParseIP("192.0.2.1"), net.ParseIP("192.0.2.2")

	if err := g.TakeSession(a); err != nil {
		t.Fatal(err)
	}
	if err := g.TakeSession(a); err != nil {
		t.Fatal(err)
	}
	if err := g.TakeSession(a); err == nil {
		t.Fatal("third session from one address allowed")
	}
	if err := g.TakeSession(b); err != nil {
		t.Fatal(err)
	}
	if err := g.TakeSession(b); err == nil {
		t.Fatal("session above the global limit allowed")
	}

	g.ReleaseSession(a)
	if err := g.TakeSession(b); err != nil {
		t.Fatalf("session after release refused: %v", err)
	}
}

func TestGroup_Unlimited(t *testing.T) {
	g := New(Config{})
	defer g.Close()
	for i := 0; i < 100; i++ {
		if err := g.TakeSession(net.ParseIP("192.0.2.1")); err != nil {
			t.Fatal(err)
		}
	}
}
