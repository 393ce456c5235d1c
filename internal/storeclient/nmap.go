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

package storeclient

import (
	"fmt"
	"io"
	"net"
	"net/textproto"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/foxcpp/spoolq/framework/exterrors"
	"github.com/foxcpp/spoolq/framework/log"
)

const (
	codeOK       = 1000
	codeDeliver  = 2053
	codeNoUser   = 4224
	codeQuota    = 5220
	maxLineBytes = 4096
)

type storeConn struct {
	host      string
	netConn   net.Conn
	conn      *textproto.Conn
	ioTimeout time.Duration
	log       log.Logger

	// err is set once the connection is unusable. All further deliveries
	// through it fail with err.
	err error
}

func (sc *storeConn) fail(err error) {
	if sc.err == nil {
		sc.err = err
	}
	if sc.netConn != nil {
		sc.netConn.Close()
	}
}

func (sc *storeConn) deadline() {
	sc.netConn.SetDeadline(time.Now().Add(sc.ioTimeout))
}

// readAnswer reads a single "code text" reply line.
func (sc *storeConn) readAnswer() (int, string, error) {
	sc.deadline()
	line, err := sc.conn.ReadLine()
	if err != nil {
		return 0, "", exterrors.WithTemporary(fmt.Errorf("storeclient: %s: %w", sc.host, err), true)
	}
	if len(line) > maxLineBytes {
		line = line[:maxLineBytes]
	}
	codeStr, text, _ := strings.Cut(line, " ")
	code, err := strconv.Atoi(codeStr)
	if err != nil {
		return 0, "", exterrors.WithTemporary(fmt.Errorf("storeclient: %s: malformed answer %q", sc.host, line), true)
	}
	return code, text, nil
}

func (sc *storeConn) cmd(format string, args ...interface{}) (int, string, error) {
	sc.deadline()
	if err := sc.conn.PrintfLine(format, args...); err != nil {
		return 0, "", exterrors.WithTemporary(fmt.Errorf("storeclient: %s: %w", sc.host, err), true)
	}
	return sc.readAnswer()
}

func (sc *storeConn) unexpected(op string, code int, text string) error {
	return exterrors.WithTemporary(fmt.Errorf("storeclient: %s: %s: unexpected answer %d %s", sc.host, op, code, text), true)
}

// start performs the greeting, authentication and message transfer.
func (sc *storeConn) start(netConn net.Conn, cfg Config, msg Message, sharedFS bool, typ DocType) error {
	sc.netConn = netConn
	sc.conn = textproto.NewConn(netConn)

	code, text, err := sc.readAnswer()
	if err != nil {
		return err
	}
	if code != codeOK {
		return sc.unexpected("greeting", code, text)
	}

	if cfg.User != "" {
		code, text, err := sc.cmd("AUTH %s %s", cfg.User, cfg.Password)
		if err != nil {
			return err
		}
		if code != codeOK {
			return sc.unexpected("authentication", code, text)
		}
	}

	if sharedFS {
		code, text, err = sc.cmd("DELIVER FILE %d %s %s %s", int(typ), msg.From, authFrom(msg), msg.Path)
	} else {
		err = sc.stream(msg, typ)
		if err == nil {
			code, text, err = sc.readAnswer()
		}
	}
	if err != nil {
		return err
	}
	if code != codeDeliver {
		return sc.unexpected("DELIVER", code, text)
	}

	sc.log.DebugMsg("store session started", "store", sc.host, "shared_fs", sharedFS)
	return nil
}

func authFrom(msg Message) string {
	if msg.AuthFrom == "" {
		return "-"
	}
	return msg.AuthFrom
}

func (sc *storeConn) stream(msg Message, typ DocType) error {
	f, err := os.Open(msg.Path)
	if err != nil {
		return fmt.Errorf("storeclient: %w", err)
	}
	defer f.Close()

	sc.deadline()
	w := sc.conn.Writer.W
	if _, err := fmt.Fprintf(w, "DELIVER STREAM %d %s %s %d\r\n", int(typ), msg.From, authFrom(msg), msg.Size); err != nil {
		return exterrors.WithTemporary(fmt.Errorf("storeclient: %s: %w", sc.host, err), true)
	}
	n, err := io.Copy(w, io.LimitReader(f, msg.Size))
	if err == nil && n != msg.Size {
		err = fmt.Errorf("data file is %d bytes, expected %d", n, msg.Size)
	}
	if err == nil {
		err = w.Flush()
	}
	if err != nil {
		return exterrors.WithTemporary(fmt.Errorf("storeclient: %s: %w", sc.host, err), true)
	}
	return nil
}

func (sc *storeConn) deliverTo(user, mailbox string, flags int) error {
	code, text, err := sc.cmd("%s %s %d", user, mailbox, flags)
	if err != nil {
		sc.fail(err)
		return err
	}
	if code != codeOK {
		return exterrors.WithCode(fmt.Errorf("storeclient: %s: %s: %d %s", sc.host, user, code, text), code)
	}
	return nil
}

// close ends the DELIVER session with an empty line.
func (sc *storeConn) close() {
	if sc.conn == nil {
		return
	}
	if sc.err == nil {
		if _, _, err := sc.cmd(""); err != nil {
			sc.log.Error("store session end failed", err, "store", sc.host)
		}
	}
	sc.conn.Close()
	sc.conn = nil
}
