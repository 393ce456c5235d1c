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

package directory

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func TestParseLocation(t *testing.T) {
	test := func(value string, expected Location, fail bool) {
		t.Helper()
		loc, err := ParseLocation(value, "bob")
		if fail {
			if err == nil {
				t.Errorf("%q: expected failure, got %+v", value, loc)
			}
			return
		}
		if err != nil {
			t.Errorf("%q: unexpected failure: %v", value, err)
			return
		}
		if !reflect.DeepEqual(loc, expected) {
			t.Errorf("%q: want %+v, got %+v", value, expected, loc)
		}
	}

	test("local", Location{Local: true, User: "bob"}, false)
	test("LOCAL", Location{Local: true, User: "bob"}, false)
	test("store1:689", Location{Host: "store1:689", User: "bob"}, false)
	test("store1:689/robert", Location{Host: "store1:689", User: "robert"}, false)
	test("store1:689/", Location{}, true)
	test("store1", Location{}, true)
	test("", Location{}, true)
}

func TestTableResolver(t *testing.T) {
	r := TableResolver{Table: Static{
		"bob@example.org": "local",
		"@example.com":    "store2:689",
		"eve@example.com": "store3:689/evelyn",
		"bad@example.org": "garbage",
	}}

	check := func(addr string, expected Location, expectedErr error) {
		t.Helper()
		loc, err := r.Lookup(context.Background(), addr)
		if expectedErr != nil {
			if !errors.Is(err, expectedErr) {
				t.Errorf("%s: want error %v, got %v", addr, expectedErr, err)
			}
			return
		}
		if err != nil {
			t.Errorf("%s: unexpected error: %v", addr, err)
			return
		}
		if !reflect.DeepEqual(loc, expected) {
			t.Errorf("%s: want %+v, got %+v", addr, expected, loc)
		}
	}

	check("bob@example.org", Location{Local: true, User: "bob"}, nil)
	check("BOB@Example.ORG", Location{Local: true, User: "bob"}, nil)
	check("alice@example.com", Location{Host: "store2:689", User: "alice"}, nil)
	check("eve@example.com", Location{Host: "store3:689", User: "evelyn"}, nil)
	check("carol@example.org", Location{}, ErrUnknown)
	check("no-at-sign", Location{}, ErrUnknown)

	if _, err := r.Lookup(context.Background(), "bad@example.org"); err == nil || errors.Is(err, ErrUnknown) {
		t.Error("Malformed value should fail with a non-ErrUnknown error, got", err)
	}
}
