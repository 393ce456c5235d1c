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

package qproto

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"os"
	"strings"
	"time"

	"github.com/foxcpp/spoolq/framework/log"
	"github.com/foxcpp/spoolq/internal/spool"
)

// Backend is the part of the queue a session needs beyond the spool
// directory itself.
type Backend interface {
	// NewID allocates an entry ID.
	NewID() spool.ID

	// LowDiskSpace reports whether new entries must be refused.
	LowDiskSpace() bool

	// FreeSpace returns the number of bytes that can still be spooled.
	FreeSpace() (int64, error)

	// Enqueue is called once a client finished an entry. The entry is
	// already in place at t.
	Enqueue(t spool.Token)

	// Run requests immediate processing of an existing entry.
	Run(t spool.Token)

	// Flush requests a full queue pass ignoring entry age.
	Flush()

	RegisterAgent(addr net.IP, port uint16, stage spool.Stage, ident string) error

	SearchDomain(domain string) ([]spool.Token, error)

	// IsLocalAddress reports whether ip belongs to this host.
	IsLocalAddress(ip net.IP) bool
}

// Session is the server side of one protocol connection. It is not safe
// for concurrent use.
type Session struct {
	Spool    *spool.Spool
	Backend  Backend
	Log      log.Logger
	Hostname string

	// IOTimeout bounds every read and write, 0 disables the timeout.
	IOTimeout time.Duration

	conn     net.Conn
	text     *textproto.Conn
	remoteIP net.IP
	now      func() time.Time

	// Entry under construction.
	id      spool.ID
	target  spool.Stage
	control *os.File
	data    *os.File

	// Entry handed off to a push agent.
	bound *spool.Token
	work  *os.File

	done bool
}

func NewSession(conn net.Conn, sp *spool.Spool, b Backend, logger log.Logger) *Session {
	s := &Session{
		Spool:   sp,
		Backend: b,
		Log:     logger,
		conn:    conn,
		text:    textproto.NewConn(conn),
		now:     time.Now,
	}
	switch addr := conn.RemoteAddr().(type) {
	case *net.TCPAddr:
		s.remoteIP = addr.IP
	case *net.UnixAddr:
		s.remoteIP = net.IPv4(127, 0, 0, 1)
	}
	return s
}

// Bind attaches the session to an entry being handed off. Modification
// commands then write to the work file of t.
func (s *Session) Bind(t spool.Token) {
	s.bound = &t
}

// Greet sends the banner expected by command endpoint clients.
func (s *Session) Greet() error {
	return s.reply(CodeOK, s.Hostname+" spoolq ready")
}

// Serve reads and executes commands until the peer quits, the session
// completes a handoff or registration, or ctx is cancelled.
func (s *Session) Serve(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.conn.SetDeadline(time.Now())
		case <-stop:
		}
	}()

	for !s.done {
		if s.IOTimeout != 0 {
			s.conn.SetReadDeadline(time.Now().Add(s.IOTimeout))
		}
		line, err := s.text.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if err := s.handle(line); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the resources held by the session. An entry under
// construction is abandoned. The connection is not closed.
func (s *Session) Close() error {
	s.abort()
	if s.work != nil {
		s.work.Close()
		s.work = nil
	}
	return nil
}

func (s *Session) reply(code int, msg string) error {
	if s.IOTimeout != 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.IOTimeout))
	}
	return s.text.PrintfLine("%d %s", code, msg)
}

func (s *Session) replyf(code int, format string, args ...interface{}) error {
	return s.reply(code, fmt.Sprintf(format, args...))
}

// replyContent writes the announcement line, size bytes from r and the
// final OK line.
func (s *Session) replyContent(code int, size int64, msg string, r io.Reader) error {
	if s.IOTimeout != 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.IOTimeout))
	}
	w := s.text.W
	if _, err := fmt.Fprintf(w, "%d %d %s\r\n", code, size, msg); err != nil {
		return err
	}
	if _, err := io.CopyN(w, r, size); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "%d %s\r\n", CodeOK, msgOK); err != nil {
		return err
	}
	return w.Flush()
}

func splitWord(s string) (string, string) {
	word, rest, _ := strings.Cut(s, " ")
	return word, rest
}

func (s *Session) handle(line string) error {
	verb, args := splitWord(line)
	verb = strings.ToUpper(verb)
	s.Log.DebugMsg("command", "verb", verb, "args", args)

	switch verb {
	case "NOOP":
		return s.reply(CodeOK, msgOK)
	case "QUIT":
		s.done = true
		return s.reply(CodeOK, msgBye)

	case "QCREA":
		return s.cmdCreate(args)
	case "QSTOR":
		sub, rest := splitWord(args)
		return s.cmdStore(strings.ToUpper(sub), rest)
	case "QADDQ":
		return s.cmdAppendData(args)
	case "QABRT":
		s.abort()
		return s.reply(CodeOK, msgOK)
	case "QRUN":
		return s.cmdRun(args)
	case "QFLUSH":
		s.Backend.Flush()
		return s.reply(CodeOK, msgOK)
	case "QWAIT":
		return s.cmdWait(args)

	case "QRETR":
		return s.cmdRetrieve(args)
	case "QINFO":
		return s.cmdInfo(args)
	case "QHEAD":
		return s.cmdHead(args)
	case "QBODY":
		return s.cmdBody(args)
	case "QGREP":
		return s.cmdGrep(args)
	case "QSRCH":
		sub, rest := splitWord(args)
		return s.cmdSearch(strings.ToUpper(sub), rest)
	case "QDSPC":
		return s.cmdFreeSpace()
	case "QDELE":
		return s.cmdDelete(args)
	case "QMOVE":
		return s.cmdMove(args)

	case "QMOD":
		sub, rest := splitWord(args)
		s.cmdModify(strings.ToUpper(sub), rest)
		return nil
	case "QRTS":
		return s.cmdReturn(args)
	case "QDONE":
		return s.cmdDone()
	}
	return s.reply(CodeUnknown, msgUnknown)
}

// parseRef parses the "sss-id" entry reference that starts args and
// returns the rest of the line.
func parseRef(args string) (spool.Token, string, bool) {
	ref, rest := splitWord(args)
	t, err := spool.ParseRef(ref)
	if err != nil {
		return spool.Token{}, "", false
	}
	return t, rest, true
}
