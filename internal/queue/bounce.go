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
	"bytes"
	"io"

	"github.com/foxcpp/spoolq/internal/dsn"
	"github.com/foxcpp/spoolq/internal/locktable"
	"github.com/foxcpp/spoolq/internal/spool"
)

// bounce composes a delivery status notification from the bounce records
// in recs and queues it as a new INCOMING entry.
//
// commit must remove the bounce records from entry t. The notification
// is written first but held locked until commit succeeds. If commit
// fails the notification is discarded, so the bounce records are reported
// once on the next attempt. A suppressed notification is not an error,
// commit is still called for it.
func (e *Engine) bounce(t spool.Token, recs []spool.Record, commit func() error) error {
	nt, guard, err := e.composeBounce(t, recs)
	if err != nil {
		return err
	}
	if err := commit(); err != nil {
		if nt != nil {
			if derr := e.spool.Discard(*nt); derr != nil {
				e.Log.Error("cannot remove held notification", derr, "dsn", *nt)
			}
		}
		if guard != nil {
			guard.Unlock()
		}
		return err
	}
	if guard != nil {
		guard.Unlock()
	}
	if nt == nil {
		return nil
	}

	e.addQueued(1)
	e.Log.Msg("delivery status notification queued", "entry", t, "dsn", *nt)
	e.Dispatch(*nt)
	return nil
}

// composeBounce writes the notification entry for t. It returns a nil
// token if the notification is suppressed.
func (e *Engine) composeBounce(t spool.Token, recs []spool.Record) (*spool.Token, *locktable.Guard, error) {
	data, err := e.spool.OpenData(t.ID)
	if err != nil {
		return nil, nil, err
	}
	defer data.Close()

	var msg, ctl bytes.Buffer
	res, err := e.dsn.Compose(data, recs, &msg, &ctl, false)
	if err != nil {
		return nil, nil, err
	}
	dsnTotal.WithLabelValues(res.String()).Inc()
	if res != dsn.Sent {
		e.Log.Msg("delivery status notification not sent", "entry", t, "reason", res)
		return nil, nil, nil
	}

	newRecs, err := spool.ReadRecords(&ctl)
	if err != nil {
		return nil, nil, err
	}

	nt := spool.Token{Stage: spool.StageIncoming, ID: e.NewID()}
	guard := e.locks.TryLock(nt.ID)
	err = e.spool.CreateEntry(nt, newRecs, func(w io.Writer) error {
		_, err := msg.WriteTo(w)
		return err
	})
	if err != nil {
		if guard != nil {
			guard.Unlock()
		}
		return nil, nil, err
	}
	return &nt, guard, nil
}
