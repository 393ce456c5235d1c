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
	"fmt"
	"io"
	"net/textproto"
	"strings"

	"github.com/foxcpp/spoolq/internal/spool"
)

// Record prefixes accepted by QMOD.
var modifyPrefixes = map[string]string{
	"FROM":    string(rune(spool.KindFrom)),
	"FLAGS":   string(rune(spool.KindFlags)),
	"LOCAL":   string(rune(spool.KindLocal)),
	"MAILBOX": string(rune(spool.KindMailbox)),
	"RAW":     "",
	"TO":      string(rune(spool.KindRemote)),
}

// Handoff is the announcement the queue sends to a push agent before the
// agent starts issuing commands for the entry.
type Handoff struct {
	Token       spool.Token
	ControlSize int64
	DataSize    int64
	// Recipients is the number of R, L and M lines in the control file.
	Recipients int
	Control    []byte
}

// WriteHandoff sends the announcement and the control file.
func WriteHandoff(w *textproto.Writer, h Handoff) error {
	if _, err := fmt.Fprintf(w.W, "%d %s %d %d %d\r\n", CodeHandoff, h.Token.Ref(),
		len(h.Control), h.DataSize, h.Recipients); err != nil {
		return err
	}
	if _, err := w.W.Write(h.Control); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w.W, "%d %s\r\n", CodeGetBusy, msgGetBusy); err != nil {
		return err
	}
	return w.W.Flush()
}

// ReadHandoff is the agent side of WriteHandoff.
func ReadHandoff(r *textproto.Reader) (Handoff, error) {
	line, err := r.ReadLine()
	if err != nil {
		return Handoff{}, err
	}
	var (
		h   Handoff
		ref string
	)
	if _, err := fmt.Sscanf(line, "6020 %s %d %d %d", &ref, &h.ControlSize, &h.DataSize, &h.Recipients); err != nil {
		return Handoff{}, fmt.Errorf("qproto: malformed handoff: %q", line)
	}
	h.Token, err = spool.ParseRef(ref)
	if err != nil {
		return Handoff{}, err
	}
	h.Control = make([]byte, h.ControlSize)
	if _, err := io.ReadFull(r.R, h.Control); err != nil {
		return Handoff{}, err
	}
	line, err = r.ReadLine()
	if err != nil {
		return Handoff{}, err
	}
	if !strings.HasPrefix(line, "6021 ") {
		return Handoff{}, fmt.Errorf("qproto: unexpected line after control file: %q", line)
	}
	return h, nil
}

// openWork opens the work file of the bound entry on first use.
func (s *Session) openWork() bool {
	if s.bound == nil {
		return false
	}
	if s.work != nil {
		return true
	}
	f, err := s.Spool.OpenWork(*s.bound)
	if err != nil {
		s.Log.Error("failed to open work file", err, "entry", s.bound.Ref())
		return false
	}
	s.work = f
	return true
}

// cmdModify appends a line to the work file of the bound entry. It sends
// no reply.
func (s *Session) cmdModify(sub, value string) {
	prefix, ok := modifyPrefixes[sub]
	if !ok || value == "" || value[0] == ' ' {
		return
	}
	if !s.openWork() {
		return
	}
	if _, err := io.WriteString(s.work, prefix+value+"\r\n"); err != nil {
		s.Log.Error("failed to write work file", err, "entry", s.bound.Ref())
	}
}

// cmdReturn records a bounce for a recipient of the bound entry. It
// replies only when no entry is bound.
func (s *Session) cmdReturn(args string) error {
	if s.bound == nil {
		return s.reply(CodeBadState, msgBadState)
	}
	f := strings.SplitN(args, " ", 4)
	if len(f) < 3 || f[0] == "" || f[1] == "" || f[2] == "" {
		return nil
	}
	if !s.openWork() {
		return nil
	}
	if _, err := io.WriteString(s.work, string(rune(spool.KindBounce))+args+"\r\n"); err != nil {
		s.Log.Error("failed to write work file", err, "entry", s.bound.Ref())
	}
	return nil
}

// cmdDone commits the work file, if the agent wrote one, and ends the
// session.
func (s *Session) cmdDone() error {
	if s.work != nil {
		s.work.Close()
		s.work = nil
		if err := s.Spool.CommitStageTransition(*s.bound); err != nil {
			s.Log.Error("failed to commit agent changes", err, "entry", s.bound.Ref())
		}
	}
	s.done = true
	return s.reply(CodeOK, msgReturnWatch)
}
