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
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/foxcpp/spoolq/internal/testutils"
)

func TestReadFile(t *testing.T) {
	test := func(file string, expected map[string]string) {
		t.Helper()

		path := filepath.Join(t.TempDir(), "directory")
		if err := os.WriteFile(path, []byte(file), 0o600); err != nil {
			t.Fatal(err)
		}

		actual := map[string]string{}
		err := readFile(path, actual)
		if expected == nil {
			if err == nil {
				t.Errorf("expected failure, got %+v", actual)
			}
			return
		}
		if err != nil {
			t.Errorf("unexpected failure: %v", err)
			return
		}

		if !reflect.DeepEqual(actual, expected) {
			t.Errorf("wrong results\n want %+v\n got %+v", expected, actual)
		}
	}

	test("a: local", map[string]string{"a": "local"})
	test("a@example.org: store:689", map[string]string{"a@example.org": "store:689"})
	test("@example.org: store:689/shared", map[string]string{"@example.org": "store:689/shared"})
	test(": b", nil)
	test(":", nil)
	test("aaa", nil)
	test("a:", nil)
	test("a: b\na: c", nil)
	test("     testing@example.com   :  local   ",
		map[string]string{"testing@example.com": "local"})
	test(`# skip comments
a: b`, map[string]string{"a": "b"})
	test(`# and empty lines

a: b`, map[string]string{"a": "b"})
	test("# with whitespace too\n    \na: b", map[string]string{"a": "b"})
}

func newTestFile(t *testing.T, content string) (*File, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "directory")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	f, err := NewFile(path, testutils.Logger(t, "directory/file"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { f.Close() })
	return f, path
}

func waitFor(t *testing.T, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(reloadInterval)
	}
	return false
}

func TestFileReload(t *testing.T) {
	t.Parallel()

	f, path := newTestFile(t, "cat: local")

	// ensure it is correctly loaded at first time.
	if _, ok, _ := f.Lookup(context.Background(), "cat"); !ok {
		t.Fatalf("wrong content loaded, %v", f.m)
	}

	if err := os.WriteFile(path, []byte("dog: local"), 0o600); err != nil {
		t.Fatal(err)
	}
	f.Reload()

	if !waitFor(t, func() bool {
		_, ok, _ := f.Lookup(context.Background(), "dog")
		return ok
	}) {
		t.Fatal("new content was not loaded")
	}
}

func TestFileReload_Broken(t *testing.T) {
	t.Parallel()

	f, path := newTestFile(t, "cat: local")

	if err := os.WriteFile(path, []byte(":"), 0o600); err != nil {
		t.Fatal(err)
	}
	f.Reload()

	time.Sleep(3 * reloadInterval)

	if _, ok, _ := f.Lookup(context.Background(), "cat"); !ok {
		t.Fatal("broken file replaced the loaded map")
	}
}

func TestFileReload_Removed(t *testing.T) {
	t.Parallel()

	f, path := newTestFile(t, "cat: local")

	os.Remove(path)

	if !waitFor(t, func() bool {
		_, ok, _ := f.Lookup(context.Background(), "cat")
		return !ok
	}) {
		t.Fatal("old content is still loaded")
	}
}

func init() {
	reloadInterval = 10 * time.Millisecond
}
