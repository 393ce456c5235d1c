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
	"path/filepath"
	"testing"
)

func TestSQL(t *testing.T) {
	tbl, err := NewSQL(SQLConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "test.db"),
		Init: []string{
			"CREATE TABLE testTbl (key TEXT PRIMARY KEY, value TEXT)",
			"INSERT INTO testTbl VALUES ('user1@example.org', 'local')",
			"INSERT INTO testTbl VALUES ('user3@example.org', NULL)",
		},
		Lookup: "SELECT value FROM testTbl WHERE key = $1",
	})
	if err != nil {
		t.Fatal("NewSQL failed:", err)
	}
	defer tbl.Close()

	check := func(key, res string, ok, fail bool) {
		t.Helper()

		actualRes, actualOk, err := tbl.Lookup(context.Background(), key)
		if actualRes != res {
			t.Errorf("Result mismatch: want %s, got %s", res, actualRes)
		}
		if actualOk != ok {
			t.Errorf("OK mismatch: want %v, got %v", ok, actualOk)
		}
		if (err != nil) != fail {
			t.Errorf("Error mismatch: want failure = %v, got %v", fail, err)
		}
	}

	check("user1@example.org", "local", true, false)
	check("user2@example.org", "", false, false)
	check("user3@example.org", "", false, true)
}

func TestSQL_GeneratedQueries(t *testing.T) {
	tbl, err := NewSQL(SQLConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "test.db"),
		Table:  "directory",
	})
	if err != nil {
		t.Fatal("NewSQL failed:", err)
	}
	defer tbl.Close()

	if _, err := tbl.db.Exec("INSERT INTO directory VALUES ('@example.org', 'store:689')"); err != nil {
		t.Fatal(err)
	}

	loc, err := TableResolver{Table: tbl}.Lookup(context.Background(), "bob@example.org")
	if err != nil {
		t.Fatal(err)
	}
	if loc.Host != "store:689" || loc.User != "bob" {
		t.Fatalf("Wrong location: %+v", loc)
	}
}
