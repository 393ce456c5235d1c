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

package dns

import "testing"

func TestForLookup(t *testing.T) {
	for _, c := range []struct {
		in, out string
		fail    bool
	}{
		{in: "EXAMPLE.org", out: "example.org"},
		{in: "example.org.", out: "example.org"},
		{in: "xn--e1aybc.example", out: "тест.example"},
		{in: "ТЕСТ.example", out: "тест.example"},
	} {
		out, err := ForLookup(c.in)
		if (err != nil) != c.fail {
			t.Errorf("%s: unexpected error: %v", c.in, err)
			continue
		}
		if out != c.out {
			t.Errorf("ForLookup(%q) = %q, want %q", c.in, out, c.out)
		}
	}
}

func TestSelectIDNA(t *testing.T) {
	a, err := SelectIDNA(false, "тест.example")
	if err != nil {
		t.Fatal(err)
	}
	if a != "xn--e1aybc.example" {
		t.Errorf("A-label = %s", a)
	}
	if !Equal(a, "ТЕСТ.example") {
		t.Error("Equal should hold for A-label and U-label forms")
	}
}
