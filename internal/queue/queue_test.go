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
	"fmt"
	"io"
	"net"
	"net/textproto"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/foxcpp/spoolq/internal/directory"
	"github.com/foxcpp/spoolq/internal/dsn"
	"github.com/foxcpp/spoolq/internal/limits/limiters"
	"github.com/foxcpp/spoolq/internal/pushagent"
	"github.com/foxcpp/spoolq/internal/qproto"
	"github.com/foxcpp/spoolq/internal/spool"
	"github.com/foxcpp/spoolq/internal/storage/blob/fs"
	"github.com/foxcpp/spoolq/internal/storeclient"
	"github.com/foxcpp/spoolq/internal/testutils"
)

func init() {
	dontRecover = true
}

const testBody = "From: alice@a.example\r\nSubject: test\r\n\r\nHello!\r\n"

type fakeDirectory struct {
	mu    sync.Mutex
	users map[string]directory.Location
	calls int
}

func (d *fakeDirectory) Lookup(_ context.Context, addr string) (directory.Location, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	loc, ok := d.users[addr]
	if !ok {
		return directory.Location{}, directory.ErrUnknown
	}
	return loc, nil
}

func (d *fakeDirectory) lookups() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type testEngine struct {
	*Engine
	dir        *fakeDirectory
	blobRoot   string
	agentsPath string
}

// newTestEngine creates an engine working on temporary directories. Local
// stores are replaced with a file system blob store and users names the
// recipients known to the directory.
func newTestEngine(t *testing.T, cfg Config, users ...string) *testEngine {
	t.Helper()

	logger := testutils.QuietLogger(t, "queue")

	sp, err := spool.New(t.TempDir(), logger)
	if err != nil {
		t.Fatal(err)
	}
	blobRoot := filepath.Join(t.TempDir(), "blobs")
	bs, err := fs.New(blobRoot)
	if err != nil {
		t.Fatal(err)
	}
	agentsPath := filepath.Join(t.TempDir(), "agents")

	dir := &fakeDirectory{users: make(map[string]directory.Location)}
	for _, u := range users {
		dir.users[u] = directory.Location{Local: true}
	}

	if cfg.Hostname == "" {
		cfg.Hostname = "mx.example.org"
	}
	if cfg.MaxLinger == 0 {
		cfg.MaxLinger = 4 * 24 * time.Hour
	}
	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = 4
	}

	e, err := New(cfg, Components{
		Spool:     sp,
		Agents:    pushagent.New(agentsPath, logger),
		Store:     storeclient.New(storeclient.Config{Blob: bs}, logger),
		Directory: dir,
		DSN: &dsn.Composer{
			Hostname:       cfg.Hostname,
			MaxLinger:      cfg.MaxLinger,
			ReturnToSender: true,
		},
	}, logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		e.Close()
	})

	return &testEngine{
		Engine:     e,
		dir:        dir,
		blobRoot:   blobRoot,
		agentsPath: agentsPath,
	}
}

// saturate occupies all worker slots so notifications created during a
// test are not processed in the background.
func (te *testEngine) saturate() {
	te.active.Store(int32(te.cfg.MaxSequential))
}

func (te *testEngine) addEntry(t *testing.T, stage spool.Stage, recs ...spool.Record) spool.Token {
	t.Helper()
	tok := spool.Token{Stage: stage, ID: te.NewID()}
	err := te.spool.CreateEntry(tok, recs, func(w io.Writer) error {
		_, err := io.WriteString(w, testBody)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	te.addQueued(1)
	return tok
}

func (te *testEngine) blob(user, mailbox string, id spool.ID) (string, bool) {
	b, err := os.ReadFile(filepath.Join(te.blobRoot, user, mailbox, fmt.Sprintf("%07x", uint32(id))))
	if err != nil {
		return "", false
	}
	return string(b), true
}

// entriesExcept returns all entries in the spool except the one with id.
func (te *testEngine) entriesExcept(t *testing.T, id spool.ID) []spool.Token {
	t.Helper()
	tokens, err := te.spool.ListControl()
	if err != nil {
		t.Fatal(err)
	}
	out := tokens[:0]
	for _, tok := range tokens {
		if tok.ID != id {
			out = append(out, tok)
		}
	}
	return out
}

func (te *testEngine) controlLines(t *testing.T, tok spool.Token) []string {
	t.Helper()
	b, err := te.spool.ReadControlRaw(tok)
	if err != nil {
		t.Fatal(err)
	}
	return strings.Split(strings.TrimRight(string(b), "\r\n"), "\r\n")
}

func (te *testEngine) dataOf(t *testing.T, id spool.ID) string {
	t.Helper()
	b, err := os.ReadFile(te.spool.DataPath(id))
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func envelope(date time.Time, rcpts ...spool.Record) []spool.Record {
	recs := []spool.Record{
		spool.NewDate(date),
		spool.NewFlags(0),
		spool.NewFrom("alice@a.example", "-", "msg1"),
	}
	return append(recs, rcpts...)
}

func TestDeliver_PartialFailure(t *testing.T) {
	te := newTestEngine(t, Config{}, "bob@x")
	tok := te.addEntry(t, spool.StageDeliver, envelope(time.Now(),
		spool.NewLocal("bob@x", "bob@x", spool.DSNFailure),
		spool.NewLocal("carol@x", "carol@x", spool.DSNFailure),
	)...)

	recs, err := te.spool.ReadControl(tok)
	if err != nil {
		t.Fatal(err)
	}
	size, err := te.spool.DataSize(tok.ID)
	if err != nil {
		t.Fatal(err)
	}

	out, keep, bounce := te.deliverRecipients(context.Background(), tok, recs, size)
	if keep {
		t.Error("keep is set, but no recipient was postponed")
	}
	if !bounce {
		t.Error("bounce is not set")
	}
	b, ok := spool.Find(out, spool.KindBounce)
	if !ok {
		t.Fatal("No bounce record in output:", out)
	}
	if b.Recipient != "carol@x" || b.Status != spool.StatusUserUnknown {
		t.Errorf("Wrong bounce record: %+v", b)
	}
	for _, rec := range out {
		if rec.Kind == spool.KindLocal {
			t.Errorf("Local record left in output: %v", rec.Format())
		}
	}

	body, ok := te.blob("bob@x", spool.DefaultMailbox, tok.ID)
	if !ok {
		t.Fatal("Message not stored for bob@x")
	}
	if body != testBody {
		t.Errorf("Wrong stored body: %q", body)
	}
	if _, ok := te.blob("carol@x", spool.DefaultMailbox, tok.ID); ok {
		t.Error("Message stored for unknown recipient")
	}
}

func TestProcess_PartialFailureBounces(t *testing.T) {
	te := newTestEngine(t, Config{}, "bob@x")
	tok := te.addEntry(t, spool.StageDeliver, envelope(time.Now(),
		spool.NewLocal("bob@x", "bob@x", spool.DSNFailure),
		spool.NewLocal("carol@x", "carol@x", spool.DSNFailure),
	)...)
	te.saturate()

	te.Process(context.Background(), tok)

	if _, ok := te.blob("bob@x", spool.DefaultMailbox, tok.ID); !ok {
		t.Error("Message not stored for bob@x")
	}
	if te.spool.ControlExists(tok) || te.spool.DataExists(tok.ID) {
		t.Error("Original entry is still in the spool")
	}

	rest := te.entriesExcept(t, tok.ID)
	if len(rest) != 1 {
		t.Fatalf("Expected exactly one notification entry, got %v", rest)
	}
	if rest[0].Stage != spool.StageIncoming {
		t.Errorf("Notification created at stage %v", rest[0].Stage)
	}

	data := te.dataOf(t, rest[0].ID)
	if !strings.Contains(data, "carol@x") {
		t.Error("Notification does not mention the failed recipient")
	}
	if strings.Contains(data, "bob@x") {
		t.Error("Notification mentions the delivered recipient")
	}

	recs, err := te.spool.ReadControl(rest[0])
	if err != nil {
		t.Fatal(err)
	}
	from, _ := spool.Find(recs, spool.KindFrom)
	if from.Sender != "-" {
		t.Errorf("Notification sender is %q, want null sender", from.Sender)
	}
	r, ok := spool.Find(recs, spool.KindRemote)
	if !ok || r.Recipient != "alice@a.example" {
		t.Errorf("Notification is not addressed to the sender: %+v", r)
	}
	if te.Queued() != 1 {
		t.Errorf("Wrong queued count: %d", te.Queued())
	}
}

func TestProcess_TemporaryFailureKeeps(t *testing.T) {
	te := newTestEngine(t, Config{MinFreeSpace: 1})
	// Low disk space postpones all local deliveries.
	te.lowDisk.Store(true)

	tok := te.addEntry(t, spool.StageDeliver, envelope(time.Now(),
		spool.NewLocal("bob@x", "bob@x", spool.DSNFailure),
	)...)
	te.saturate()

	te.Process(context.Background(), tok)

	out := spool.Token{Stage: spool.StageOutgoing, ID: tok.ID}
	if !te.spool.ControlExists(out) {
		t.Fatal("Entry did not move to outgoing")
	}
	recs, err := te.spool.ReadControl(out)
	if err != nil {
		t.Fatal(err)
	}
	if l, ok := spool.Find(recs, spool.KindLocal); !ok || l.Recipient != "bob@x" {
		t.Error("Postponed recipient is missing:", recs)
	}
	if te.dir.lookups() != 0 {
		t.Error("Directory used while disk space is low")
	}
	if len(te.entriesExcept(t, tok.ID)) != 0 {
		t.Error("Notification created for a temporary failure")
	}
}

func TestProcess_SuccessNotification(t *testing.T) {
	te := newTestEngine(t, Config{}, "bob@x")
	tok := te.addEntry(t, spool.StageDeliver, envelope(time.Now(),
		spool.NewLocal("bob@x", "bob@x", spool.DSNSuccess|spool.DSNFailure),
	)...)
	te.saturate()

	te.Process(context.Background(), tok)

	if te.spool.ControlExists(tok) {
		t.Error("Delivered entry is still in the spool")
	}
	rest := te.entriesExcept(t, tok.ID)
	if len(rest) != 1 {
		t.Fatalf("Expected a success notification, got %v", rest)
	}
}

func TestProcess_ForwardUndeliverable(t *testing.T) {
	te := newTestEngine(t, Config{ForwardUndeliverable: "relay.example"})
	tok := te.addEntry(t, spool.StageDeliver, envelope(time.Now(),
		spool.NewLocal("carol@x", "carol@x", spool.DSNFailure),
	)...)
	te.saturate()

	te.Process(context.Background(), tok)

	out := spool.Token{Stage: spool.StageOutgoing, ID: tok.ID}
	recs, err := te.spool.ReadControl(out)
	if err != nil {
		t.Fatal(err)
	}
	r, ok := spool.Find(recs, spool.KindRemote)
	if !ok {
		t.Fatal("Unknown recipient was not relayed:", recs)
	}
	if r.Recipient != "carol%x@relay.example" || r.Original != "carol@x" {
		t.Errorf("Wrong relayed recipient: %+v", r)
	}
	if _, ok := spool.Find(recs, spool.KindLocal); ok {
		t.Error("Local record kept after relaying")
	}
}

func TestProcess_OutgoingLingerExpired(t *testing.T) {
	te := newTestEngine(t, Config{MaxLinger: time.Hour}, "bob@x")
	tok := te.addEntry(t, spool.StageOutgoing, envelope(time.Now().Add(-2*time.Hour),
		spool.NewRemote("dave@y", "dave@y", spool.DSNFailure),
		spool.NewLocal("bob@x", "bob@x", spool.DSNFailure),
	)...)
	te.saturate()

	te.Process(context.Background(), tok)

	if te.dir.lookups() != 0 {
		t.Error("Expired entry was delivered locally")
	}
	if _, ok := te.spool.FindEntry(tok.ID); ok {
		t.Error("Expired entry is still in the spool")
	}
	rest := te.entriesExcept(t, tok.ID)
	if len(rest) != 1 {
		t.Fatalf("Expected exactly one notification entry, got %v", rest)
	}
	data := te.dataOf(t, rest[0].ID)
	if !strings.Contains(data, "dave@y") || !strings.Contains(data, "bob@x") {
		t.Error("Notification does not list all remaining recipients")
	}
}

func TestProcessOnce_ReturnToSenderNotExpired(t *testing.T) {
	te := newTestEngine(t, Config{})
	tok := te.addEntry(t, spool.StageRTS, envelope(time.Now(),
		spool.NewRemote("dave@y", "dave@y", spool.DSNFailure),
	)...)

	next, ok := te.processOnce(context.Background(), tok)
	if !ok {
		t.Fatal("Processing stopped")
	}
	if next.Stage != spool.StageIncoming || next.ID != tok.ID {
		t.Fatalf("Wrong next token: %v", next)
	}
	if !te.spool.ControlExists(next) || te.spool.ControlExists(tok) {
		t.Error("Control file was not moved")
	}
}

func TestProcess_BackwardLimit(t *testing.T) {
	// Entry returning from RTS travels back to OUTGOING and rests there.
	te := newTestEngine(t, Config{})
	tok := te.addEntry(t, spool.StageRTS, envelope(time.Now(),
		spool.NewRemote("dave@y", "dave@y", spool.DSNFailure),
	)...)

	te.Process(context.Background(), tok)

	out := spool.Token{Stage: spool.StageOutgoing, ID: tok.ID}
	if !te.spool.ControlExists(out) {
		got, _ := te.spool.FindEntry(tok.ID)
		t.Fatalf("Entry did not come to rest in outgoing, found at %v", got)
	}
}

func TestProcess_DigestExpired(t *testing.T) {
	te := newTestEngine(t, Config{MaxLinger: time.Hour})
	tok := te.addEntry(t, spool.StageDigest, envelope(time.Now().Add(-2*time.Hour),
		spool.NewRemote("dave@y", "dave@y", spool.DSNFailure),
	)...)

	te.Process(context.Background(), tok)

	if te.spool.ControlExists(tok) || te.spool.DataExists(tok.ID) {
		t.Error("Expired digest entry is still in the spool")
	}
	if len(te.entriesExcept(t, tok.ID)) != 0 {
		t.Error("Notification created for a digest entry")
	}
}

func TestProcess_Locked(t *testing.T) {
	te := newTestEngine(t, Config{}, "bob@x")
	tok := te.addEntry(t, spool.StageDeliver, envelope(time.Now(),
		spool.NewLocal("bob@x", "bob@x", spool.DSNFailure),
	)...)

	guard := te.locks.TryLock(tok.ID)
	if guard == nil {
		t.Fatal("Cannot lock entry")
	}
	te.Process(context.Background(), tok)
	guard.Unlock()

	if !te.spool.ControlExists(tok) {
		t.Error("Locked entry was processed")
	}
	if te.dir.lookups() != 0 {
		t.Error("Locked entry was delivered")
	}
}

func parseLines(lines ...string) []spool.Record {
	recs := make([]spool.Record, 0, len(lines))
	for _, l := range lines {
		recs = append(recs, spool.ParseRecord(l))
	}
	return recs
}

func formatRecords(recs []spool.Record) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Format())
	}
	return out
}

func TestCanonicalize(t *testing.T) {
	test := func(in []string, want []string) {
		t.Helper()
		got, ok := canonicalize(parseLines(in...))
		if want == nil {
			if ok {
				t.Errorf("%v: expected rejection, got %v", in, formatRecords(got))
			}
			return
		}
		if !ok {
			t.Errorf("%v: rejected", in)
			return
		}
		if !reflect.DeepEqual(formatRecords(got), want) {
			t.Errorf("%v: got %v, want %v", in, formatRecords(got), want)
		}
	}

	test(
		[]string{"Rbob@x", "Falice@a.example -", "Tthird", "D1700000000", "Iqueue-id"},
		[]string{"D1700000000", "X0", "Iqueue-id", "Falice@a.example -", "Rbob@x bob@x 4", "Tthird"},
	)
	test(
		[]string{"X3", "Lbob@x bob@x 4", "Aagent", "D1700000000", "Falice@a.example -"},
		[]string{"D1700000000", "X3", "Aagent", "Falice@a.example -", "Lbob@x bob@x 4"},
	)
	test(
		[]string{"D1700000000", "Falice@a.example -", "Rbob@x orig@x 28", "Cbob@x WORK"},
		[]string{"D1700000000", "X0", "Falice@a.example -", "Rbob@x orig@x 28", "Cbob@x WORK"},
	)

	// No date.
	test([]string{"Falice@a.example -", "Rbob@x"}, nil)
	// No sender.
	test([]string{"D1700000000", "Rbob@x"}, nil)
	// No recipients.
	test([]string{"D1700000000", "Falice@a.example -", "Tthird"}, nil)
}

func TestProcess_IncomingDropsBroken(t *testing.T) {
	te := newTestEngine(t, Config{})
	tok := te.addEntry(t, spool.StageIncoming,
		spool.NewDate(time.Now()),
		spool.NewFrom("alice@a.example", "-", ""),
	)

	te.Process(context.Background(), tok)

	if te.spool.ControlExists(tok) || te.spool.DataExists(tok.ID) {
		t.Error("Entry without recipients was not dropped")
	}
	if te.Queued() != 0 {
		t.Errorf("Wrong queued count: %d", te.Queued())
	}
}

func closedPort(t *testing.T) uint16 {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return uint16(port)
}

func TestHandoff_EvictsFailingAgent(t *testing.T) {
	te := newTestEngine(t, Config{CtlPort: 1})
	te.agents.MaxErrors = 1

	if err := te.RegisterAgent(net.IPv4(127, 0, 0, 1), closedPort(t), spool.Stage4, "broken"); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		tok := te.addEntry(t, spool.Stage4, envelope(time.Now(),
			spool.NewRemote("dave@y", "dave@y", spool.DSNFailure),
		)...)
		te.Process(context.Background(), tok)

		// The entry goes on without the agent.
		if !te.spool.ControlExists(spool.Token{Stage: spool.StageOutgoing, ID: tok.ID}) {
			t.Errorf("Entry %d did not reach outgoing", i)
		}
	}

	if te.agents.Len() != 0 {
		t.Fatal("Agent was not evicted:", te.agents.List())
	}
	persisted, err := pushagent.ReadFile(te.agentsPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(persisted) != 0 {
		t.Error("Eviction was not persisted:", persisted)
	}
}

func TestHandoff_SelfLoop(t *testing.T) {
	te := newTestEngine(t, Config{CtlPort: 2005})
	if err := te.RegisterAgent(net.IPv4(127, 0, 0, 1), 2005, spool.Stage4, "loop"); err != nil {
		t.Fatal(err)
	}
	tok := te.addEntry(t, spool.Stage4, envelope(time.Now(),
		spool.NewRemote("dave@y", "dave@y", spool.DSNFailure),
	)...)

	te.Process(context.Background(), tok)

	if te.agents.Len() != 0 {
		t.Error("Agent pointing at the queue was not removed")
	}
	if !te.spool.ControlExists(tok) {
		t.Error("Entry left its stage")
	}
}

// fakeAgent accepts a single handoff and replaces all remote recipients
// of the entry with newRcpt.
type fakeAgent struct {
	ln      net.Listener
	newRcpt string

	handoff chan qproto.Handoff
	errs    chan error
}

func newFakeAgent(t *testing.T, newRcpt string) *fakeAgent {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	a := &fakeAgent{
		ln:      ln,
		newRcpt: newRcpt,
		handoff: make(chan qproto.Handoff, 1),
		errs:    make(chan error, 1),
	}
	t.Cleanup(func() { ln.Close() })
	go a.serve()
	return a
}

func (a *fakeAgent) port() uint16 {
	return uint16(a.ln.Addr().(*net.TCPAddr).Port)
}

func (a *fakeAgent) serve() {
	c, err := a.ln.Accept()
	if err != nil {
		a.errs <- err
		return
	}
	defer c.Close()
	conn := textproto.NewConn(c)

	h, err := qproto.ReadHandoff(&conn.Reader)
	if err != nil {
		a.errs <- err
		return
	}
	a.handoff <- h

	for _, line := range strings.Split(string(h.Control), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" || line[0] == byte(spool.KindRemote) {
			continue
		}
		if err := conn.PrintfLine("QMOD RAW %s", line); err != nil {
			a.errs <- err
			return
		}
	}
	if err := conn.PrintfLine("QMOD TO %s %s %d", a.newRcpt, a.newRcpt, spool.DSNFailure); err != nil {
		a.errs <- err
		return
	}
	if err := conn.PrintfLine("QDONE"); err != nil {
		a.errs <- err
		return
	}
	reply, err := conn.ReadLine()
	if err != nil {
		a.errs <- err
		return
	}
	if !strings.HasPrefix(reply, strconv.Itoa(qproto.CodeOK)+" ") {
		a.errs <- fmt.Errorf("unexpected reply to QDONE: %q", reply)
		return
	}
	a.errs <- nil
}

func TestHandoff_AgentRewrites(t *testing.T) {
	te := newTestEngine(t, Config{CtlPort: 1, IOTimeout: 5 * time.Second})
	agent := newFakeAgent(t, "new@y")
	if err := te.RegisterAgent(net.IPv4(127, 0, 0, 1), agent.port(), spool.Stage4, "rewriter"); err != nil {
		t.Fatal(err)
	}

	tok := te.addEntry(t, spool.Stage4, envelope(time.Now(),
		spool.NewRemote("old@y", "old@y", spool.DSNFailure),
	)...)

	te.Process(context.Background(), tok)

	if err := <-agent.errs; err != nil {
		t.Fatal("Agent failed:", err)
	}
	h := <-agent.handoff
	if h.Token != tok {
		t.Errorf("Wrong token announced: %v", h.Token)
	}
	if h.Recipients != 1 {
		t.Errorf("Wrong recipient count announced: %d", h.Recipients)
	}
	if h.DataSize != int64(len(testBody)) {
		t.Errorf("Wrong data size announced: %d", h.DataSize)
	}

	out := spool.Token{Stage: spool.StageOutgoing, ID: tok.ID}
	if !te.spool.ControlExists(out) {
		got, _ := te.spool.FindEntry(tok.ID)
		t.Fatalf("Entry did not reach outgoing, found at %v", got)
	}
	lines := te.controlLines(t, out)
	var rcpts []string
	for _, l := range lines {
		if l != "" && l[0] == byte(spool.KindRemote) {
			rcpts = append(rcpts, l)
		}
	}
	want := []string{"Rnew@y new@y 4"}
	if !reflect.DeepEqual(rcpts, want) {
		t.Errorf("Wrong recipients after handoff: %v, want %v", rcpts, want)
	}

	agents := te.agents.List()
	if len(agents) != 1 || agents[0].Usage != 0 || agents[0].Errors != 0 {
		t.Errorf("Wrong agent state after handoff: %+v", agents)
	}
}

func TestRunNow_Ladder(t *testing.T) {
	te := newTestEngine(t, Config{MaxConcurrent: 1, MaxSequential: 2})
	missing := spool.Token{Stage: spool.StageDeliver, ID: 0x1234}

	te.active.Store(1)
	if te.Dispatch(missing) {
		t.Error("Dispatch started a worker over the concurrency cap")
	}

	// Runs on the calling goroutine and gives the slot back.
	te.RunNow(missing)
	if te.Active() != 1 {
		t.Errorf("Wrong active count after sequential run: %d", te.Active())
	}
	if te.restartNeeded.Load() {
		t.Error("Restart requested while a sequential slot was free")
	}

	te.active.Store(2)
	te.RunNow(missing)
	if !te.restartNeeded.Load() {
		t.Error("Restart not requested with all slots busy")
	}
	select {
	case <-te.wake:
	default:
		t.Error("Monitor was not woken")
	}
	te.active.Store(0)
}

func TestScan_SkipsFreshOutgoing(t *testing.T) {
	te := newTestEngine(t, Config{QueueInterval: 10 * time.Minute})
	te.addEntry(t, spool.StageOutgoing, envelope(time.Now(),
		spool.NewRemote("dave@y", "dave@y", spool.DSNFailure),
	)...)

	pace := limiters.NewRate(0, 0)
	defer pace.Close()

	found, handled := te.scan(context.Background(), false, pace)
	if found != 1 || handled != 0 {
		t.Errorf("Regular pass: found %d, handled %d", found, handled)
	}

	found, handled = te.scan(context.Background(), true, pace)
	te.workers.Wait()
	if found != 1 || handled != 1 {
		t.Errorf("Flush pass: found %d, handled %d", found, handled)
	}

	// Entries touched long ago are picked up by regular passes.
	te.now = func() time.Time { return time.Now().Add(time.Hour) }
	found, handled = te.scan(context.Background(), false, pace)
	te.workers.Wait()
	if found != 1 || handled != 1 {
		t.Errorf("Late pass: found %d, handled %d", found, handled)
	}
}

func TestProcess_QuietHours(t *testing.T) {
	var d Deferral
	d.Enabled = true
	for i := range d.Days {
		d.Days[i] = Window{Start: 0, End: 24}
	}
	te := newTestEngine(t, Config{Defer: d}, "bob@x")
	tok := te.addEntry(t, spool.StageOutgoing, envelope(time.Now(),
		spool.NewLocal("bob@x", "bob@x", spool.DSNFailure),
	)...)

	te.Process(context.Background(), tok)
	te.Process(context.Background(), tok)

	if te.wheel.Len() != 1 {
		t.Errorf("Wrong amount of wakeups: %d", te.wheel.Len())
	}
	if te.dir.lookups() != 0 {
		t.Error("Deferred entry was delivered")
	}
	if !te.spool.ControlExists(tok) {
		t.Error("Deferred entry left outgoing")
	}

	// Lifting the windows lets the entry through.
	te.SetDeferral(Deferral{})
	te.Process(context.Background(), tok)
	if _, ok := te.blob("bob@x", spool.DefaultMailbox, tok.ID); !ok {
		t.Error("Entry not delivered after quiet hours were lifted")
	}
}

func TestDeferralUntil(t *testing.T) {
	var d Deferral
	d.Enabled = true
	d.Days[time.Monday] = Window{Start: 22, End: 24}
	d.Days[time.Tuesday] = Window{Start: 0, End: 6}
	d.Days[time.Wednesday] = Window{Start: 8, End: 8}

	// 2024-01-01 is a Monday.
	at := func(day, hour, min int) time.Time {
		return time.Date(2024, 1, day, hour, min, 0, 0, time.UTC)
	}

	test := func(now time.Time, want time.Time, wantOk bool) {
		t.Helper()
		got, ok := d.Until(now)
		if ok != wantOk {
			t.Errorf("%v: ok = %v, want %v", now, ok, wantOk)
			return
		}
		if ok && !got.Equal(want) {
			t.Errorf("%v: got %v, want %v", now, got, want)
		}
	}

	test(at(1, 21, 59), time.Time{}, false)
	test(at(1, 22, 0), at(2, 0, 0), true)
	test(at(1, 23, 30), at(2, 0, 0), true)
	test(at(2, 3, 15), at(2, 6, 0), true)
	test(at(2, 6, 0), time.Time{}, false)
	test(at(3, 8, 30), time.Time{}, false)
	test(at(4, 12, 0), time.Time{}, false)

	d.Enabled = false
	test(at(1, 23, 0), time.Time{}, false)
}

func TestRecover(t *testing.T) {
	orphan := func(te *testEngine) string {
		return te.spool.DataPath(0x0ffffff)
	}
	setup := func(t *testing.T, unclean bool) *testEngine {
		te := newTestEngine(t, Config{StateDir: t.TempDir()})
		te.addEntry(t, spool.StageOutgoing, envelope(time.Now(),
			spool.NewRemote("dave@y", "dave@y", spool.DSNFailure),
		)...)
		if err := os.WriteFile(orphan(te), []byte(testBody), 0o600); err != nil {
			t.Fatal(err)
		}
		if unclean {
			marker := filepath.Join(te.cfg.StateDir, runningMarker)
			if err := os.WriteFile(marker, []byte("1"), 0o600); err != nil {
				t.Fatal(err)
			}
		}
		te.queued.Store(0)
		return te
	}

	t.Run("clean", func(t *testing.T) {
		te := setup(t, false)
		if err := te.Recover(); err != nil {
			t.Fatal(err)
		}
		if te.Queued() != 1 {
			t.Errorf("Wrong queued count: %d", te.Queued())
		}
		if _, err := os.Stat(orphan(te)); err != nil {
			t.Error("Orphaned data removed without unclean shutdown")
		}
		if id := te.NewID(); id <= 0x0ffffff {
			t.Errorf("ID generator not bumped past the highest ID seen: %x", id)
		}
	})
	t.Run("unclean", func(t *testing.T) {
		te := setup(t, true)
		if err := te.Recover(); err != nil {
			t.Fatal(err)
		}
		if te.Queued() != 1 {
			t.Errorf("Wrong queued count: %d", te.Queued())
		}
		if _, err := os.Stat(orphan(te)); err == nil {
			t.Error("Orphaned data kept after unclean shutdown")
		}
	})
	t.Run("marker", func(t *testing.T) {
		te := setup(t, false)
		if err := te.Recover(); err != nil {
			t.Fatal(err)
		}
		marker := filepath.Join(te.cfg.StateDir, runningMarker)
		b, err := os.ReadFile(marker)
		if err != nil {
			t.Fatal("Marker not written:", err)
		}
		if string(b) != strconv.Itoa(os.Getpid()) {
			t.Errorf("Wrong marker content: %q", b)
		}
		te.Close()
		if _, err := os.Stat(marker); err == nil {
			t.Error("Marker not removed by Close")
		}
	})
}

func TestServe_Stops(t *testing.T) {
	te := newTestEngine(t, Config{QueueInterval: time.Hour}, "bob@x")
	tok := te.addEntry(t, spool.StageDeliver, envelope(time.Now(),
		spool.NewLocal("bob@x", "bob@x", spool.DSNFailure),
	)...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- te.Serve(ctx)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for te.spool.ControlExists(tok) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
	if _, ok := te.blob("bob@x", spool.DefaultMailbox, tok.ID); !ok {
		t.Error("Entry not processed by the monitor")
	}
}
