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
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/foxcpp/spoolq/framework/exterrors"
	"github.com/foxcpp/spoolq/internal/spool"
)

// Client is a minimal client for the command endpoint.
type Client struct {
	conn net.Conn
	text *textproto.Conn
}

// Dial connects to the command endpoint and reads the greeting.
func Dial(ctx context.Context, network, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	c := NewClient(conn)
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	code, msg, err := c.ReadReply()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if code != CodeOK {
		conn.Close()
		return nil, replyError(code, msg)
	}
	conn.SetDeadline(time.Time{})
	return c, nil
}

// NewClient wraps an established connection. No greeting is expected.
func NewClient(conn net.Conn) *Client {
	return &Client{conn: conn, text: textproto.NewConn(conn)}
}

func replyError(code int, msg string) error {
	return exterrors.WithCode(fmt.Errorf("qproto: %d %s", code, msg), code)
}

// ReadReply reads one reply line.
func (c *Client) ReadReply() (int, string, error) {
	line, err := c.text.ReadLine()
	if err != nil {
		return 0, "", err
	}
	return parseReply(line)
}

func parseReply(line string) (int, string, error) {
	if len(line) < 4 {
		return 0, "", fmt.Errorf("qproto: malformed reply: %q", line)
	}
	code, err := strconv.Atoi(line[:4])
	if err != nil {
		return 0, "", fmt.Errorf("qproto: malformed reply: %q", line)
	}
	msg := line[4:]
	if msg != "" && (msg[0] == ' ' || msg[0] == '-') {
		msg = msg[1:]
	}
	return code, msg, nil
}

// Send writes a command without waiting for a reply.
func (c *Client) Send(format string, args ...interface{}) error {
	return c.text.PrintfLine(format, args...)
}

// Cmd sends a command and returns the first reply line.
func (c *Client) Cmd(format string, args ...interface{}) (int, string, error) {
	if err := c.Send(format, args...); err != nil {
		return 0, "", err
	}
	return c.ReadReply()
}

// Expect sends a command and fails unless the reply code is want.
func (c *Client) Expect(want int, format string, args ...interface{}) (string, error) {
	code, msg, err := c.Cmd(format, args...)
	if err != nil {
		return "", err
	}
	if code != want {
		return "", replyError(code, msg)
	}
	return msg, nil
}

// Content sends a command answered with sized content and returns the
// content.
func (c *Client) Content(format string, args ...interface{}) ([]byte, error) {
	code, msg, err := c.Cmd(format, args...)
	if err != nil {
		return nil, err
	}
	if code != CodeInfoFollows && code != CodeDataFollows {
		return nil, replyError(code, msg)
	}
	sizeS, _, _ := strings.Cut(msg, " ")
	size, err := strconv.ParseInt(sizeS, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("qproto: malformed size in %q", msg)
	}
	b := make([]byte, size)
	if _, err := io.ReadFull(c.text.R, b); err != nil {
		return nil, err
	}
	code, msg, err = c.ReadReply()
	if err != nil {
		return nil, err
	}
	if code != CodeOK {
		return nil, replyError(code, msg)
	}
	return b, nil
}

// Lines sends a command answered with "code-" continuation lines and
// returns them without the code prefix.
func (c *Client) Lines(format string, args ...interface{}) ([]string, error) {
	if err := c.Send(format, args...); err != nil {
		return nil, err
	}
	var lines []string
	for {
		line, err := c.text.ReadLine()
		if err != nil {
			return nil, err
		}
		if len(line) > 4 && line[4] == '-' {
			lines = append(lines, line[5:])
			continue
		}
		code, msg, err := parseReply(line)
		if err != nil {
			return nil, err
		}
		if code != CodeOK {
			return lines, replyError(code, msg)
		}
		return lines, nil
	}
}

// Submit creates an entry at stage from the envelope records and the
// message, then asks the queue to process it.
func (c *Client) Submit(stage spool.Stage, recs []spool.Record, msg []byte) (spool.Token, error) {
	if _, err := c.Expect(CodeOK, "QCREA %d", int(stage)); err != nil {
		return spool.Token{}, err
	}
	for _, r := range recs {
		if _, err := c.Expect(CodeOK, "QSTOR RAW %s", r.Format()); err != nil {
			c.Cmd("QABRT")
			return spool.Token{}, err
		}
	}
	if err := c.Send("QSTOR MESSAGE %d", len(msg)); err != nil {
		return spool.Token{}, err
	}
	if _, err := c.text.W.Write(msg); err != nil {
		return spool.Token{}, err
	}
	if err := c.text.W.Flush(); err != nil {
		return spool.Token{}, err
	}
	code, reply, err := c.ReadReply()
	if err != nil {
		return spool.Token{}, err
	}
	if code != CodeOK {
		c.Cmd("QABRT")
		return spool.Token{}, replyError(code, reply)
	}

	reply, err = c.Expect(CodeOK, "QRUN")
	if err != nil {
		return spool.Token{}, err
	}
	ref, _, _ := strings.Cut(reply, " ")
	return spool.ParseRef(ref)
}

// Close sends QUIT and closes the connection.
func (c *Client) Close() error {
	c.Cmd("QUIT")
	return c.conn.Close()
}
