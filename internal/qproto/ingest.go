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
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/foxcpp/spoolq/internal/spool"
)

// Record prefixes accepted by QSTOR.
var storePrefixes = map[string]spool.Kind{
	"ADDRESS": spool.KindAddress,
	"CAL":     spool.KindCalendar,
	"FLAGS":   spool.KindFlags,
	"FROM":    spool.KindFrom,
	"LOCAL":   spool.KindLocal,
	"TO":      spool.KindRemote,
}

const receivedDateFormat = "Mon, 2 Jan 2006 15:04:05 -0700"

func (s *Session) cmdCreate(args string) error {
	if s.Backend.LowDiskSpace() {
		return s.reply(CodeSpaceLow, msgSpaceLow)
	}
	if s.control != nil {
		return s.reply(CodeBadState, msgEntryPending)
	}

	target := spool.StageIncoming
	if args != "" {
		n, err := strconv.Atoi(args)
		if err != nil || n < 0 {
			return s.reply(CodeBadArgs, msgBadArgs)
		}
		if !spool.Stage(n).Valid() {
			return s.reply(CodeOutOfRange, msgOutOfRange)
		}
		target = spool.Stage(n)
	}

	id := s.Backend.NewID()
	control, err := os.OpenFile(s.Spool.IncomingPath(id), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		s.Log.Error("failed to create entry", err, "id", fmt.Sprintf("%07x", uint32(id)))
		return s.reply(CodeSpaceLow, msgSpaceLow)
	}
	if _, err := io.WriteString(control, spool.NewDate(s.now()).Format()+"\r\n"); err != nil {
		control.Close()
		os.Remove(s.Spool.IncomingPath(id))
		s.Log.Error("failed to create entry", err, "id", fmt.Sprintf("%07x", uint32(id)))
		return s.reply(CodeSpaceLow, msgSpaceLow)
	}

	data, err := os.OpenFile(s.Spool.DataPath(id), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		control.Close()
		os.Remove(s.Spool.IncomingPath(id))
		s.Log.Error("failed to create entry", err, "id", fmt.Sprintf("%07x", uint32(id)))
		return s.reply(CodeSpaceLow, msgSpaceLow)
	}

	s.id, s.target, s.control, s.data = id, target, control, data
	return s.reply(CodeOK, msgEntryMade)
}

func (s *Session) cmdStore(sub, value string) error {
	if s.control == nil || s.data == nil {
		return s.reply(CodeNoEntry, msgNoEntryOpen)
	}

	if sub == "MESSAGE" {
		return s.storeMessage(value)
	}

	var prefix string
	if sub != "RAW" {
		kind, ok := storePrefixes[sub]
		if !ok {
			return s.reply(CodeUnknown, msgUnknown)
		}
		prefix = string(rune(kind))
	}
	if value == "" || value[0] == ' ' {
		return s.reply(CodeBadArgs, msgBadArgs)
	}
	if _, err := io.WriteString(s.control, prefix+value+"\r\n"); err != nil {
		return err
	}
	return s.reply(CodeOK, msgOK)
}

func (s *Session) storeMessage(args string) error {
	var count int64
	if args != "" {
		n, err := strconv.ParseInt(args, 10, 64)
		if err != nil || n < 0 {
			return s.reply(CodeBadArgs, msgBadArgs)
		}
		count = n
	}

	remote := "localhost"
	if s.remoteIP != nil {
		remote = s.remoteIP.String()
	}
	bw := bufio.NewWriter(s.data)
	fmt.Fprintf(bw, "Received: from %s [%s] by %s\r\n\twith spoolq; %s\r\n",
		remote, remote, s.Hostname, s.now().Format(receivedDateFormat))

	var err error
	if count != 0 {
		_, err = io.CopyN(bw, s.text.R, count)
	} else {
		err = s.readDotted(bw)
	}
	if err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		s.Log.Error("failed to write message data", err, "id", fmt.Sprintf("%07x", uint32(s.id)))
		return s.reply(CodeSpaceLow, msgSpaceLow)
	}
	return s.reply(CodeOK, msgOK)
}

// readDotted copies lines until a lone ".", undoing dot-stuffing.
func (s *Session) readDotted(w io.Writer) error {
	for {
		line, err := s.text.ReadLine()
		if err != nil {
			return err
		}
		if line == "." {
			return nil
		}
		if strings.HasPrefix(line, "..") {
			line = line[1:]
		}
		if _, err := io.WriteString(w, line+"\r\n"); err != nil {
			return err
		}
	}
}

// cmdAppendData copies a byte range of another entry's data into the
// entry under construction.
func (s *Session) cmdAppendData(args string) error {
	if s.data == nil {
		return s.reply(CodeNoEntry, msgNoEntryOpen)
	}
	if s.Backend.LowDiskSpace() {
		return s.reply(CodeSpaceLow, msgSpaceLow)
	}

	t, rest, ok := parseRef(args)
	if !ok {
		return s.reply(CodeBadArgs, msgBadArgs)
	}
	startS, lengthS := splitWord(rest)
	start, err1 := strconv.ParseInt(startS, 10, 64)
	length, err2 := strconv.ParseInt(lengthS, 10, 64)
	if err1 != nil || err2 != nil || start < 0 || length < 0 {
		return s.reply(CodeBadArgs, msgBadArgs)
	}

	src, err := s.Spool.OpenData(t.ID)
	if err != nil {
		return s.reply(CodeCantRead, msgCantRead)
	}
	defer src.Close()
	if _, err := src.Seek(start, io.SeekStart); err != nil {
		return s.reply(CodeCantRead, msgCantRead)
	}
	if _, err := io.Copy(s.data, io.LimitReader(src, length)); err != nil {
		s.Log.Error("failed to copy message data", err, "src", t.Ref())
		return s.reply(CodeSpaceLow, msgSpaceLow)
	}
	return s.reply(CodeOK, msgEntryMade)
}

// abort removes the entry under construction, if any, and a work file
// opened by the session.
func (s *Session) abort() {
	if s.control != nil {
		s.control.Close()
		s.control = nil
		os.Remove(s.Spool.IncomingPath(s.id))
	}
	if s.data != nil {
		s.data.Close()
		s.data = nil
		os.Remove(s.Spool.DataPath(s.id))
	}
	if s.work != nil && s.bound != nil {
		s.work.Close()
		s.work = nil
		s.Spool.RemoveWork(*s.bound)
	}
	s.id = 0
}

// finish closes the entry under construction and moves it into its
// target stage.
func (s *Session) finish() (spool.Token, error) {
	t := spool.Token{Stage: s.target, ID: s.id}
	control, data := s.control, s.data
	s.control, s.data, s.id = nil, nil, 0

	errData := data.Sync()
	if err := data.Close(); errData == nil {
		errData = err
	}
	errCtl := control.Sync()
	if err := control.Close(); errCtl == nil {
		errCtl = err
	}
	if errData != nil || errCtl != nil {
		os.Remove(s.Spool.IncomingPath(t.ID))
		os.Remove(s.Spool.DataPath(t.ID))
		if errData != nil {
			return t, errData
		}
		return t, errCtl
	}

	if err := os.Rename(s.Spool.IncomingPath(t.ID), s.Spool.ControlPath(t)); err != nil {
		os.Remove(s.Spool.IncomingPath(t.ID))
		os.Remove(s.Spool.DataPath(t.ID))
		return t, err
	}
	return t, nil
}

func (s *Session) cmdRun(args string) error {
	if args == "" {
		if s.control == nil || s.data == nil {
			return s.reply(CodeOutOfRange, msgCantUnlock)
		}
		t, err := s.finish()
		if err != nil {
			s.Log.Error("failed to submit entry", err, "entry", t.Ref())
			return s.reply(CodeSpaceLow, msgSpaceLow)
		}
		if err := s.replyf(CodeOK, "%s OK", t.Ref()); err != nil {
			return err
		}
		s.Log.DebugMsg("entry submitted", "entry", t.Ref())
		s.Backend.Enqueue(t)
		return nil
	}

	t, _, ok := parseRef(args)
	if !ok {
		return s.reply(CodeBadArgs, msgBadArgs)
	}
	if err := s.replyf(CodeOK, "%s OK", t.Ref()); err != nil {
		return err
	}
	s.Backend.Run(t)
	return nil
}

// cmdWait registers the peer as a push agent for a stage. The session
// ends afterwards, the agent then waits for handoffs on its own port.
func (s *Session) cmdWait(args string) error {
	stageS, rest := splitWord(args)
	portS, ident := splitWord(rest)
	stage, err1 := strconv.Atoi(stageS)
	port, err2 := strconv.ParseUint(portS, 10, 16)
	if err1 != nil || err2 != nil || port == 0 || ident == "" || ident[0] == ' ' {
		return s.reply(CodeBadArgs, msgBadArgs)
	}

	addr := s.remoteIP
	if addr == nil || addr.IsLoopback() || addr.IsUnspecified() || s.Backend.IsLocalAddress(addr) {
		addr = net.IPv4(127, 0, 0, 1)
	}
	if err := s.Backend.RegisterAgent(addr, uint16(port), spool.Stage(stage), ident); err != nil {
		s.Log.Error("push agent registration refused", err, "agent", ident)
		return s.reply(CodeBadArgs, msgBadArgs)
	}
	s.done = true
	return s.reply(CodeOK, msgWatchMode)
}
