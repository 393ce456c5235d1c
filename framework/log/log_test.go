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

package log

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/foxcpp/spoolq/framework/exterrors"
)

type captured struct {
	lines []string
}

func (c *captured) output() Output {
	return FuncOutput(func(_ time.Time, debug bool, msg string) {
		if debug {
			msg = "[debug] " + msg
		}
		c.lines = append(c.lines, msg)
	}, nil)
}

func TestLoggerMsg_OrderedFields(t *testing.T) {
	c := &captured{}
	l := Logger{Out: c.output(), Name: "queue"}

	l.Msg("entry advanced", "to", 7, "from", 6, "token", "0061a2b")
	if len(c.lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(c.lines))
	}
	want := `queue: entry advanced	{"from":6,"to":7,"token":"0061a2b"}`
	if c.lines[0] != want {
		t.Errorf("wrong line:\n%s\nwant:\n%s", c.lines[0], want)
	}
}

func TestLoggerError_Fields(t *testing.T) {
	c := &captured{}
	l := Logger{Out: c.output(), Name: "queue"}

	err := exterrors.WithFields(errors.New("rename failed"), map[string]interface{}{
		"path": "c0000001.006",
	})
	l.Error("commit failed", err, "stage", 6)

	if len(c.lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(c.lines))
	}
	want := `queue: commit failed	{"path":"c0000001.006","reason":"rename failed","stage":6}`
	if c.lines[0] != want {
		t.Errorf("wrong line:\n%s\nwant:\n%s", c.lines[0], want)
	}

	l.Error("nil error", nil)
	if len(c.lines) != 1 {
		t.Error("nil error should not be logged")
	}
}

func TestLoggerWith(t *testing.T) {
	c := &captured{}
	l := Logger{Out: c.output(), Name: "queue"}.With("token", "0071")

	l.Msg("delivered", "rcpt", "bob@x")
	l.Msg("overridden", "token", "0081")

	if !strings.Contains(c.lines[0], `"token":"0071"`) {
		t.Errorf("With fields missing: %s", c.lines[0])
	}
	if !strings.Contains(c.lines[1], `"token":"0081"`) {
		t.Errorf("event fields should take precedence: %s", c.lines[1])
	}
}

func TestLoggerDebug(t *testing.T) {
	c := &captured{}
	l := Logger{Out: c.output()}

	l.Debugf("hidden %d", 1)
	if len(c.lines) != 0 {
		t.Fatal("debug message written with Debug = false")
	}

	l.Debug = true
	l.Debugf("shown %d", 2)
	if len(c.lines) != 1 || c.lines[0] != "[debug] shown 2\t" {
		t.Errorf("unexpected output: %q", c.lines)
	}
}

func TestZapBridge(t *testing.T) {
	c := &captured{}
	l := Logger{Out: c.output(), Name: "handoff"}

	l.Zap().Named("agent").Warn("agent refused")
	if len(c.lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(c.lines))
	}
	want := `handoff/agent: agent refused	{"level":"warn"}`
	if c.lines[0] != want {
		t.Errorf("wrong line:\n%s\nwant:\n%s", c.lines[0], want)
	}
}
