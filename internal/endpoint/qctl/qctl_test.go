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

package qctl

import (
	"net"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/foxcpp/spoolq/framework/config"
	"github.com/foxcpp/spoolq/internal/limits"
	"github.com/foxcpp/spoolq/internal/spool"
	"github.com/foxcpp/spoolq/internal/testutils"
)

type testBackend struct {
	lock    sync.Mutex
	nextID  spool.ID
	flushed int
}

func (b *testBackend) NewID() spool.ID {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.nextID++
	return b.nextID
}

func (b *testBackend) LowDiskSpace() bool         { return false }
func (b *testBackend) FreeSpace() (int64, error)  { return 1 << 20, nil }
func (b *testBackend) Enqueue(spool.Token)        {}
func (b *testBackend) Run(spool.Token)            {}
func (b *testBackend) IsLocalAddress(net.IP) bool { return false }

func (b *testBackend) Flush() {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.flushed++
}

func (b *testBackend) RegisterAgent(net.IP, uint16, spool.Stage, string) error {
	return nil
}

func (b *testBackend) SearchDomain(string) ([]spool.Token, error) {
	return nil, nil
}

func testEndpoint(t *testing.T, lim limits.Config) (*Endpoint, *testBackend) {
	t.Helper()
	logger := testutils.QuietLogger(t, "qctl")

	sp, err := spool.New(t.TempDir(), logger)
	if err != nil {
		t.Fatal(err)
	}
	ep, err := config.ParseEndpoint("tcp://127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	b := &testBackend{}
	e := New(Config{
		Hostname:  "mx.example.org",
		Endpoints: []config.Endpoint{ep},
		Limits:    lim,
		IOTimeout: 5 * time.Second,
	}, sp, b, logger)
	if err := e.Listen(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		e.Close()
	})
	return e, b
}

func dial(t *testing.T, e *Endpoint) *textproto.Conn {
	t.Helper()
	conn, err := textproto.Dial("tcp", e.Addrs()[0].String())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func expectLine(t *testing.T, conn *textproto.Conn, prefix string) {
	t.Helper()
	line, err := conn.ReadLine()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(line, prefix) {
		t.Fatalf("Expected %q, got %q", prefix, line)
	}
}

func TestEndpoint_Session(t *testing.T) {
	e, b := testEndpoint(t, limits.Config{})
	conn := dial(t, e)

	expectLine(t, conn, "1000 mx.example.org")

	if err := conn.PrintfLine("NOOP"); err != nil {
		t.Fatal(err)
	}
	expectLine(t, conn, "1000 OK")

	if err := conn.PrintfLine("QFLUSH"); err != nil {
		t.Fatal(err)
	}
	expectLine(t, conn, "1000 ")

	if err := conn.PrintfLine("QUIT"); err != nil {
		t.Fatal(err)
	}
	expectLine(t, conn, "1000 Bye")

	b.lock.Lock()
	defer b.lock.Unlock()
	if b.flushed != 1 {
		t.Errorf("Flush called %d times", b.flushed)
	}
}

func TestEndpoint_SessionLimit(t *testing.T) {
	e, _ := testEndpoint(t, limits.Config{MaxSessions: 1})

	first := dial(t, e)
	expectLine(t, first, "1000 ")

	second := dial(t, e)
	if line, err := second.ReadLine(); err == nil {
		t.Fatalf("Session above the limit was served: %q", line)
	}

	if err := first.PrintfLine("QUIT"); err != nil {
		t.Fatal(err)
	}
	expectLine(t, first, "1000 Bye")

	// The slot is released once the first session ends.
	deadline := time.Now().Add(5 * time.Second)
	for {
		third := dial(t, e)
		line, err := third.ReadLine()
		if err == nil {
			if !strings.HasPrefix(line, "1000 ") {
				t.Fatalf("Unexpected greeting: %q", line)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Session slot was not released")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestEndpoint_CloseInterruptsSessions(t *testing.T) {
	e, _ := testEndpoint(t, limits.Config{})
	conn := dial(t, e)
	expectLine(t, conn, "1000 ")

	done := make(chan struct{})
	go func() {
		e.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not interrupt an idle session")
	}
}
