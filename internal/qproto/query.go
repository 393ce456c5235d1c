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
	"bufio"
	"bytes"
	"errors"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/foxcpp/spoolq/internal/spool"
)

// headerSize returns the size of the message header, not counting the
// blank line that ends it, and the offset of the body.
func headerSize(r io.Reader) (head, bodyStart int64, err error) {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line == "\r\n" || line == "\n" {
			return head, head + int64(len(line)), nil
		}
		head += int64(len(line))
		if err != nil {
			if err == io.EOF {
				return head, head, nil
			}
			return 0, 0, err
		}
	}
}

type dataFile struct {
	f         *os.File
	size      int64
	head      int64
	bodyStart int64
}

func (s *Session) openData(id spool.ID) (*dataFile, bool) {
	f, err := s.Spool.OpenData(id)
	if err != nil {
		return nil, false
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, false
	}
	head, bodyStart, err := headerSize(f)
	if err != nil {
		f.Close()
		return nil, false
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, false
	}
	return &dataFile{f: f, size: info.Size(), head: head, bodyStart: bodyStart}, true
}

func (s *Session) cmdRetrieve(args string) error {
	t, what, ok := parseRef(args)
	if !ok || what == "" {
		return s.reply(CodeBadArgs, msgBadArgs)
	}

	switch strings.ToUpper(what) {
	case "INFO":
		b, err := s.Spool.ReadControlRaw(t)
		if err != nil || len(b) == 0 {
			return s.reply(CodeCantRead, msgCantRead)
		}
		return s.replyContent(CodeInfoFollows, int64(len(b)), "Info follows", bytes.NewReader(b))
	case "MESSAGE":
		d, ok := s.openData(t.ID)
		if !ok {
			return s.reply(CodeCantRead, msgCantRead)
		}
		defer d.f.Close()
		return s.replyContent(CodeDataFollows, d.size, "Message follows", d.f)
	}
	return s.reply(CodeBadArgs, msgBadArgs)
}

func (s *Session) cmdInfo(args string) error {
	t, _, ok := parseRef(args)
	if !ok {
		return s.reply(CodeBadArgs, msgBadArgs)
	}
	d, ok := s.openData(t.ID)
	if !ok {
		return s.reply(CodeCantRead, msgCantRead)
	}
	d.f.Close()
	return s.replyf(CodeInfo, "%s %d %d %d 0 0 0 0", t.Ref(), d.size, d.head, d.size-d.head)
}

func (s *Session) cmdHead(args string) error {
	t, _, ok := parseRef(args)
	if !ok {
		return s.reply(CodeBadArgs, msgBadArgs)
	}
	d, ok := s.openData(t.ID)
	if !ok {
		return s.reply(CodeCantRead, msgCantRead)
	}
	defer d.f.Close()
	return s.replyContent(CodeDataFollows, d.head, "Message header follows", d.f)
}

func (s *Session) cmdBody(args string) error {
	t, _, ok := parseRef(args)
	if !ok {
		return s.reply(CodeBadArgs, msgBadArgs)
	}
	d, ok := s.openData(t.ID)
	if !ok {
		return s.reply(CodeCantRead, msgCantRead)
	}
	defer d.f.Close()
	if _, err := d.f.Seek(d.bodyStart, io.SeekStart); err != nil {
		return s.reply(CodeCantRead, msgCantRead)
	}
	return s.replyContent(CodeDataFollows, d.size-d.bodyStart, "Message body follows", d.f)
}

// cmdGrep returns every header field whose name starts with the given
// prefix, including continuation lines.
func (s *Session) cmdGrep(args string) error {
	t, field, ok := parseRef(args)
	if !ok || field == "" {
		return s.reply(CodeBadArgs, msgBadArgs)
	}
	d, ok := s.openData(t.ID)
	if !ok {
		return s.reply(CodeCantRead, msgCantRead)
	}
	defer d.f.Close()

	w := s.text.W
	found := false
	err := eachHeaderLine(d.f, func(line string) bool {
		switch {
		case found && isContinuation(line):
		case hasPrefixFold(line, field):
			found = true
		default:
			found = false
			return true
		}
		if !strings.HasSuffix(line, "\n") {
			line += "\r\n"
		}
		_, err := io.WriteString(w, "2002-"+line)
		return err == nil
	})
	if err != nil {
		return err
	}
	return s.reply(CodeOK, msgOK)
}

func eachHeaderLine(r io.Reader, fn func(line string) bool) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line == "\r\n" || line == "\n" {
			return nil
		}
		if line != "" && !fn(line) {
			return nil
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

func isContinuation(line string) bool {
	return line != "" && (line[0] == ' ' || line[0] == '\t')
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

func (s *Session) cmdSearch(sub, args string) error {
	switch sub {
	case "DOMAIN":
		return s.searchDomain(args)
	case "HEADER":
		return s.searchHeader(args)
	case "BODY":
		return s.searchBody(args)
	}
	return s.reply(CodeUnknown, msgUnknown)
}

func (s *Session) searchDomain(domain string) error {
	if domain == "" || domain[0] == ' ' {
		return s.reply(CodeBadArgs, msgBadArgs)
	}
	tokens, err := s.Backend.SearchDomain(domain)
	if err != nil {
		s.Log.Error("domain search failed", err, "domain", domain)
		return s.reply(CodeNoDomain, msgNoDomain)
	}
	if len(tokens) == 0 {
		return s.reply(CodeNoDomain, msgNoDomain)
	}
	for _, t := range tokens {
		if _, err := io.WriteString(s.text.W, "2001-"+t.Ref()+"\r\n"); err != nil {
			return err
		}
	}
	return s.reply(CodeOK, msgOK)
}

// searchHeader looks at the first field starting with the given name and
// reports whether it, or one of its continuation lines, contains the
// content. Without content the presence of the field is enough.
func (s *Session) searchHeader(args string) error {
	t, rest, ok := parseRef(args)
	if !ok || rest == "" || rest[0] == ' ' {
		return s.reply(CodeBadArgs, msgBadArgs)
	}
	field, content := splitWord(rest)

	d, ok := s.openData(t.ID)
	if !ok {
		return s.reply(CodeCantRead, msgCantRead)
	}
	defer d.f.Close()

	inField, found := false, false
	err := eachHeaderLine(d.f, func(line string) bool {
		switch {
		case !inField:
			if !hasPrefixFold(line, field) {
				return true
			}
			inField = true
			if content == "" || containsFold(line[len(field):], content) {
				found = true
				return false
			}
			return true
		case isContinuation(line):
			if containsFold(line, content) {
				found = true
				return false
			}
			return true
		}
		return false
	})
	if err != nil {
		return s.reply(CodeCantRead, msgCantRead)
	}
	if found {
		return s.reply(CodeOK, msgOK)
	}
	return s.reply(CodeNotFound, msgNotFound)
}

func (s *Session) searchBody(args string) error {
	t, content, ok := parseRef(args)
	if !ok || content == "" {
		return s.reply(CodeBadArgs, msgBadArgs)
	}

	d, ok := s.openData(t.ID)
	if !ok {
		return s.reply(CodeCantRead, msgCantRead)
	}
	defer d.f.Close()
	if _, err := d.f.Seek(d.bodyStart, io.SeekStart); err != nil {
		return s.reply(CodeCantRead, msgCantRead)
	}

	found, err := searchReader(d.f, strings.ToLower(content))
	if err != nil {
		return s.reply(CodeCantRead, msgCantRead)
	}
	if found {
		return s.reply(CodeOK, msgOK)
	}
	return s.reply(CodeNotFound, msgNotFound)
}

// searchReader looks for needle in r, case-insensitively, keeping enough
// of the previous chunk to match across chunk boundaries.
func searchReader(r io.Reader, needle string) (bool, error) {
	buf := make([]byte, 32*1024)
	keep := len(needle) - 1
	var tail []byte
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := append(tail, bytes.ToLower(buf[:n])...)
			if bytes.Contains(chunk, []byte(needle)) {
				return true, nil
			}
			if len(chunk) > keep {
				chunk = chunk[len(chunk)-keep:]
			}
			tail = append(tail[:0:0], chunk...)
		}
		if err != nil {
			if err == io.EOF {
				return false, nil
			}
			return false, err
		}
	}
}

func (s *Session) cmdFreeSpace() error {
	free, err := s.Backend.FreeSpace()
	if err != nil {
		s.Log.Error("free space check failed", err)
		free = 0
	}
	return s.replyf(CodeOK, "%d Free space available", free)
}

func (s *Session) cmdDelete(args string) error {
	t, _, ok := parseRef(args)
	if !ok {
		return s.reply(CodeBadArgs, msgBadArgs)
	}
	if err := s.Spool.Discard(t); err != nil {
		if errors.Is(err, spool.ErrNoEntry) {
			return s.reply(CodeCantRead, msgNoSuchEntry)
		}
		s.Log.Error("failed to delete entry", err, "entry", t.Ref())
		return s.reply(CodeCantRead, msgCantRead)
	}
	s.Log.Msg("entry deleted by client", "entry", t.Ref())
	return s.reply(CodeOK, msgOK)
}

func (s *Session) cmdMove(args string) error {
	t, rest, ok := parseRef(args)
	if !ok {
		return s.reply(CodeBadArgs, msgBadArgs)
	}
	n, err := strconv.Atoi(rest)
	if err != nil || !spool.Stage(n).Valid() {
		return s.reply(CodeBadArgs, msgBadArgs)
	}

	if !s.Spool.ControlExists(t) {
		return s.reply(CodeCantRead, msgNoSuchEntry)
	}
	if err := s.Spool.Advance(t.ID, t.Stage, spool.Stage(n)); err != nil {
		s.Log.Error("failed to move entry", err, "entry", t.Ref())
		return s.reply(CodeCantRead, msgCantRead)
	}
	return s.reply(CodeOK, msgOK)
}
