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
	"bufio"
	"bytes"
	"context"
	"net"
	"net/textproto"
	"time"

	"github.com/foxcpp/spoolq/internal/pushagent"
	"github.com/foxcpp/spoolq/internal/qproto"
	"github.com/foxcpp/spoolq/internal/spool"
	"go.uber.org/zap"
)

type handoffResult int

const (
	// handoffDone means local processing continues.
	handoffDone handoffResult = iota
	// handoffStop means processing of the entry ends for now.
	handoffStop
	// handoffGone means an agent consumed the entry.
	handoffGone
)

// handoff offers the entry to every push agent registered for its stage.
func (e *Engine) handoff(ctx context.Context, t spool.Token) handoffResult {
	agents := e.agents.CheckOut(t.Stage)
	for i, a := range agents {
		res := handoffStop
		if ctx.Err() == nil {
			res = e.handoffTo(ctx, t, a)
		} else {
			e.agents.Release(a)
		}
		if res != handoffDone {
			for _, rest := range agents[i+1:] {
				e.agents.Release(rest)
			}
			return res
		}
	}
	return handoffDone
}

// handoffTo streams the entry to agent a and serves its commands until
// it is done with the entry. a must be checked out, it is released
// before returning.
func (e *Engine) handoffTo(ctx context.Context, t spool.Token, a pushagent.Agent) handoffResult {
	zl := e.Log.Zap().Named("handoff").With(zap.Stringer("entry", t), zap.Stringer("agent", a))

	control, err := e.spool.ReadControlRaw(t)
	if err != nil {
		e.agents.Release(a)
		zl.Debug("entry vanished before handoff", zap.Error(err))
		return handoffStop
	}
	dataSize, err := e.spool.DataSize(t.ID)
	if err != nil {
		e.agents.Release(a)
		zl.Warn("cannot stat data file", zap.Error(err))
		return handoffStop
	}

	if a.Port == e.cfg.CtlPort && e.IsLocalAddress(a.Addr) {
		evicted := e.agents.ForceRemove(a)
		zl.Warn("agent address points back at the queue, dropping registration", zap.Bool("evicted", evicted))
		return handoffStop
	}

	dialer := net.Dialer{Timeout: e.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", a.HostPort())
	if err != nil {
		evicted := e.agents.RecordFailure(a)
		zl.Warn("cannot connect to agent", zap.Error(err), zap.Bool("evicted", evicted))
		return handoffDone
	}
	defer conn.Close()
	e.agents.Connected(a)

	h := qproto.Handoff{
		Token:       t,
		ControlSize: int64(len(control)),
		DataSize:    dataSize,
		Recipients:  countRecipients(control),
		Control:     control,
	}
	if e.cfg.IOTimeout != 0 {
		if err := conn.SetDeadline(time.Now().Add(e.cfg.IOTimeout)); err != nil {
			zl.Debug("cannot set deadline", zap.Error(err))
		}
	}
	if err := qproto.WriteHandoff(textproto.NewWriter(bufio.NewWriter(conn)), h); err != nil {
		evicted := e.agents.RecordFailure(a)
		zl.Warn("cannot send entry to agent", zap.Error(err), zap.Bool("evicted", evicted))
		return handoffDone
	}
	zl.Info("entry handed off", zap.Int64("data_size", dataSize), zap.Int("recipients", h.Recipients))

	sess := qproto.NewSession(conn, e.spool, e, e.Log.Sublogger("handoff"))
	sess.Hostname = e.cfg.Hostname
	sess.IOTimeout = e.cfg.IOTimeout
	sess.Bind(t)
	if err := sess.Serve(ctx); err != nil {
		zl.Warn("agent session failed", zap.Error(err))
	}
	if err := sess.Close(); err != nil {
		zl.Debug("session cleanup failed", zap.Error(err))
	}
	e.agents.Release(a)

	if e.spool.ControlExists(t) {
		return handoffDone
	}
	if moved, ok := e.spool.FindEntry(t.ID); ok {
		zl.Debug("agent moved entry", zap.Stringer("to", moved))
		return handoffStop
	}
	zl.Debug("agent consumed entry")
	return handoffGone
}

// countRecipients counts the remote, local and mailbox recipient lines
// of a control file.
func countRecipients(control []byte) int {
	n := 0
	for _, line := range bytes.Split(control, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		switch spool.Kind(line[0]) {
		case spool.KindRemote, spool.KindLocal, spool.KindMailbox:
			n++
		}
	}
	return n
}
