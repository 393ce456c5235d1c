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
	"context"
	"errors"
	"io"
	"net"
	"net/textproto"
	"os"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/foxcpp/spoolq/internal/directory"
	"github.com/foxcpp/spoolq/internal/spool"
	"github.com/foxcpp/spoolq/internal/storeclient"
	"github.com/foxcpp/spoolq/internal/testutils"
)

// nmapStore starts an NMAP store that answers every recipient with
// answer and returns its address.
func nmapStore(t *testing.T, answer string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				conn := textproto.NewConn(c)
				conn.PrintfLine("1000 ready")
				for {
					line, err := conn.ReadLine()
					if err != nil {
						return
					}
					fields := strings.Fields(line)
					switch {
					case line == "":
						conn.PrintfLine("1000 OK")
						return
					case fields[0] == "DELIVER" && len(fields) == 6:
						size, _ := strconv.ParseInt(fields[5], 10, 64)
						if _, err := io.CopyN(io.Discard, conn.R, size); err != nil {
							return
						}
						conn.PrintfLine("2053 send recipients")
					default:
						conn.PrintfLine("%s", answer)
					}
				}
			}(c)
		}
	}()
	return ln.Addr().String()
}

func TestProcess_UnknownStoreCodeKeeps(t *testing.T) {
	te := newTestEngine(t, Config{}, "bob@x")
	te.store = storeclient.New(storeclient.Config{
		LocalAddress: nmapStore(t, "5221 store out of space"),
	}, testutils.QuietLogger(t, "storeclient"))

	tok := te.addEntry(t, spool.StageDeliver, envelope(time.Now(),
		spool.NewLocal("bob@x", "bob@x", spool.DSNFailure),
	)...)
	te.saturate()

	te.Process(context.Background(), tok)

	out := spool.Token{Stage: spool.StageOutgoing, ID: tok.ID}
	if !te.spool.ControlExists(out) {
		got, _ := te.spool.FindEntry(tok.ID)
		t.Fatalf("Entry did not move to outgoing, found at %v", got)
	}
	recs, err := te.spool.ReadControl(out)
	if err != nil {
		t.Fatal(err)
	}
	if l, ok := spool.Find(recs, spool.KindLocal); !ok || l.Recipient != "bob@x" {
		t.Error("Recipient was not kept for another attempt:", recs)
	}
	if _, ok := spool.Find(recs, spool.KindBounce); ok {
		t.Error("Bounce record created:", recs)
	}
	if len(te.entriesExcept(t, tok.ID)) != 0 {
		t.Error("Notification created for an unrecognized store answer")
	}
}

// cancelingDirectory stops the engine context on the first lookup.
type cancelingDirectory struct {
	cancel context.CancelFunc
}

func (d cancelingDirectory) Lookup(ctx context.Context, _ string) (directory.Location, error) {
	d.cancel()
	return directory.Location{}, ctx.Err()
}

func TestProcess_StopDuringDelivery(t *testing.T) {
	te := newTestEngine(t, Config{}, "bob@x", "carol@x")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	te.directory = cancelingDirectory{cancel: cancel}

	tok := te.addEntry(t, spool.StageDeliver, envelope(time.Now(),
		spool.NewLocal("bob@x", "bob@x", spool.DSNFailure),
		spool.NewLocal("carol@x", "carol@x", spool.DSNFailure),
	)...)
	te.saturate()

	te.Process(ctx, tok)

	if !te.spool.ControlExists(tok) {
		got, _ := te.spool.FindEntry(tok.ID)
		t.Fatalf("Entry left its stage, found at %v", got)
	}
	if te.spool.WorkExists(tok) {
		t.Error("Work file left behind")
	}
	recs, err := te.spool.ReadControl(tok)
	if err != nil {
		t.Fatal(err)
	}
	var rcpts []string
	for _, rec := range recs {
		if rec.Kind == spool.KindLocal {
			rcpts = append(rcpts, rec.Recipient)
		}
	}
	sort.Strings(rcpts)
	if strings.Join(rcpts, " ") != "bob@x carol@x" {
		t.Error("Local recipients were not kept:", rcpts)
	}
	if _, ok := spool.Find(recs, spool.KindBounce); ok {
		t.Error("Bounce record created while stopping")
	}
	if len(te.entriesExcept(t, tok.ID)) != 0 {
		t.Error("Notification created while stopping")
	}
}

func TestProcessOnce_StoppedBeforeHandoff(t *testing.T) {
	te := newTestEngine(t, Config{}, "bob@x")
	tok := te.addEntry(t, spool.StageDeliver, envelope(time.Now(),
		spool.NewLocal("bob@x", "bob@x", spool.DSNFailure),
	)...)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, ok := te.processOnce(ctx, tok); ok {
		t.Fatal("Processing continued after stop")
	}
	if te.dir.lookups() != 0 {
		t.Error("Directory used after stop")
	}
	if !te.spool.ControlExists(tok) || te.spool.WorkExists(tok) {
		t.Error("Entry not left intact at its stage")
	}
	if l, ok := spool.Find(te.readControl(t, tok), spool.KindLocal); !ok || l.Recipient != "bob@x" {
		t.Error("Recipient was not kept")
	}
}

func (te *testEngine) readControl(t *testing.T, tok spool.Token) []spool.Record {
	t.Helper()
	recs, err := te.spool.ReadControl(tok)
	if err != nil {
		t.Fatal(err)
	}
	return recs
}

func (te *testEngine) spoolFiles(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(te.spool.Dir)
	if err != nil {
		t.Fatal(err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func TestBounce_CommitFailure(t *testing.T) {
	te := newTestEngine(t, Config{})
	recs := envelope(time.Now(),
		spool.NewRemote("dave@y", "dave@y", spool.DSNFailure),
		spool.NewBounce("bob@x", "bob@x", spool.DSNFailure, spool.StatusUserUnknown, ""),
	)
	tok := te.addEntry(t, spool.StageOutgoing, recs...)
	te.saturate()
	before := te.spoolFiles(t)

	err := te.bounce(tok, recs, func() error {
		return errors.New("no space left on device")
	})
	if err == nil {
		t.Fatal("Commit failure not reported")
	}
	if after := te.spoolFiles(t); strings.Join(after, " ") != strings.Join(before, " ") {
		t.Fatalf("Notification kept after a failed commit: %v", after)
	}

	err = te.bounce(tok, recs, func() error {
		return te.spool.Rewrite(tok, spool.Without(recs, spool.KindBounce))
	})
	if err != nil {
		t.Fatal(err)
	}
	if rest := te.entriesExcept(t, tok.ID); len(rest) != 1 {
		t.Fatalf("Expected one notification, got %v", rest)
	}
	if _, ok := spool.Find(te.readControl(t, tok), spool.KindBounce); ok {
		t.Error("Bounce record left after the notification was queued")
	}
}

func TestProcess_ReturnToSenderRetriesNotification(t *testing.T) {
	te := newTestEngine(t, Config{MaxLinger: time.Hour})
	tok := te.addEntry(t, spool.StageRTS, envelope(time.Now().Add(-2*time.Hour),
		spool.NewRemote("dave@y", "dave@y", spool.DSNFailure),
	)...)
	te.saturate()

	// Without the message the notification cannot be composed.
	if err := os.Rename(te.spool.DataPath(tok.ID), te.spool.DataPath(tok.ID)+".hidden"); err != nil {
		t.Fatal(err)
	}
	te.Process(context.Background(), tok)

	if !te.spool.ControlExists(tok) {
		t.Fatal("Entry removed although no notification was queued")
	}
	if b, ok := spool.Find(te.readControl(t, tok), spool.KindBounce); !ok || b.Recipient != "dave@y" {
		t.Error("Bounce record missing after the failed attempt")
	}
	if len(te.entriesExcept(t, tok.ID)) != 0 {
		t.Error("Notification queued without a message")
	}

	if err := os.Rename(te.spool.DataPath(tok.ID)+".hidden", te.spool.DataPath(tok.ID)); err != nil {
		t.Fatal(err)
	}
	te.Process(context.Background(), tok)

	if _, ok := te.spool.FindEntry(tok.ID); ok {
		t.Error("Entry still in the spool after the notification was queued")
	}
	rest := te.entriesExcept(t, tok.ID)
	if len(rest) != 1 {
		t.Fatalf("Expected exactly one notification, got %v", rest)
	}
	if data := te.dataOf(t, rest[0].ID); !strings.Contains(data, "dave@y") {
		t.Error("Notification does not list the recipient")
	}
}
