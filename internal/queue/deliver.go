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

	"github.com/foxcpp/spoolq/framework/address"
	"github.com/foxcpp/spoolq/internal/directory"
	"github.com/foxcpp/spoolq/internal/spool"
	"github.com/foxcpp/spoolq/internal/storeclient"
)

// deliver stores the message for all local and calendar recipients of
// the entry. It reports whether the entry still has work left and
// processing should go on.
//
// Failed recipients with a permanent status are replaced by bounce
// records, which are reported in one notification and then removed.
// Recipients failing temporarily are kept for the next attempt.
func (e *Engine) deliver(ctx context.Context, t spool.Token, recs []spool.Record) bool {
	size, err := e.spool.DataSize(t.ID)
	if err != nil {
		e.Log.Error("cannot open data file", err, "entry", t)
		return false
	}

	out, keep, bounce := e.deliverRecipients(ctx, t, recs, size)

	if bounce {
		if err := e.spool.Rewrite(t, out); err != nil {
			e.Log.Error("cannot rewrite control file", err, "entry", t)
			return false
		}
		rest := spool.Without(out, spool.KindBounce)
		err := e.bounce(t, out, func() error {
			if keep {
				return e.spool.Rewrite(t, rest)
			}
			e.Log.DebugMsg("all recipients handled", "entry", t)
			return e.drop(t)
		})
		if err != nil {
			e.Log.Error("cannot report bounce records", err, "entry", t)
			return false
		}
		return keep
	}
	if keep {
		if err := e.spool.Rewrite(t, out); err != nil {
			e.Log.Error("cannot rewrite control file", err, "entry", t)
			return false
		}
		return true
	}

	e.Log.DebugMsg("all recipients handled", "entry", t)
	e.drop(t)
	return false
}

// deliverRecipients returns the new control records of the entry and
// whether any recipients remain and any bounce records are present.
func (e *Engine) deliverRecipients(ctx context.Context, t spool.Token, recs []spool.Record, size int64) (out []spool.Record, keep, bounce bool) {
	from, _ := spool.Find(recs, spool.KindFrom)

	var pass *storeclient.Pass
	getPass := func() *storeclient.Pass {
		if pass == nil {
			pass = e.store.NewPass(storeclient.Message{
				ID:       t.ID,
				From:     from.Sender,
				AuthFrom: from.AuthSender,
				Path:     e.spool.DataPath(t.ID),
				Size:     size,
			})
		}
		return pass
	}
	defer func() {
		if pass != nil {
			pass.Close()
		}
	}()

	settle := func(rec, failed spool.Record, status spool.Status) {
		flags := rec.DSNFlags
		switch {
		case status == spool.StatusSuccess:
			if flags&spool.DSNSuccess != 0 {
				failed.Status = spool.StatusSuccess
				out = append(out, failed)
				bounce = true
			}
		case status.Permanent():
			localDeliveryFailed.Inc()
			e.Log.Msg("local delivery failed", "entry", t, "rcpt", rec.Recipient, "status", status)
			if flags&spool.DSNFailure != 0 {
				out = append(out, failed)
				bounce = true
			}
		default:
			e.Log.DebugMsg("local delivery postponed", "entry", t, "rcpt", rec.Recipient, "status", status)
			out = append(out, rec)
			keep = true
		}
	}

	out = make([]spool.Record, 0, len(recs))
	for _, rec := range recs {
		switch rec.Kind {
		case spool.KindCalendar:
			loc, status := e.lookup(ctx, rec.Recipient)
			if status == spool.StatusSuccess {
				status = e.storeRecipient(ctx, getPass(), loc, storeclient.DocCalendar, rec.Recipient, rec.Calendar, 0)
			}
			settle(rec, spool.NewBounce(rec.Recipient, rec.Recipient, rec.DSNFlags, status, ""), status)
		case spool.KindLocal, spool.KindMailbox:
			mailbox, msgFlags := spool.DefaultMailbox, 0
			if rec.Kind == spool.KindMailbox {
				mailbox, msgFlags = rec.Mailbox, rec.MessageFlags
			}

			loc, status := e.lookup(ctx, rec.Recipient)
			if status == spool.StatusUserUnknown && e.cfg.ForwardUndeliverable != "" {
				relayed := address.Relay(rec.Recipient, e.cfg.ForwardUndeliverable)
				e.Log.Msg("relaying unknown local recipient", "entry", t, "rcpt", rec.Recipient, "to", relayed)
				out = append(out, spool.NewRemote(relayed, rec.OriginalOr(), rec.DSNFlags))
				keep = true
				continue
			}
			if status == spool.StatusSuccess {
				status = e.storeRecipient(ctx, getPass(), loc, storeclient.DocMail, rec.Recipient, mailbox, msgFlags)
			}
			settle(rec, spool.NewBounce(rec.Recipient, rec.OriginalOr(), rec.DSNFlags, status, ""), status)
		case spool.KindRemote:
			out = append(out, rec)
			keep = true
		case spool.KindBounce:
			out = append(out, rec)
			bounce = true
		default:
			out = append(out, rec)
		}
	}
	return out, keep, bounce
}

// lookup resolves a local recipient. The status is Success if loc is
// usable.
func (e *Engine) lookup(ctx context.Context, rcpt string) (directory.Location, spool.Status) {
	if ctx.Err() != nil || e.LowDiskSpace() {
		return directory.Location{}, spool.StatusTryLater
	}
	loc, err := e.directory.Lookup(ctx, rcpt)
	if err != nil {
		if errors.Is(err, directory.ErrUnknown) {
			return directory.Location{}, spool.StatusUserUnknown
		}
		e.Log.Error("directory lookup failed", err, "rcpt", rcpt)
		return directory.Location{}, spool.StatusTryLater
	}
	return loc, spool.StatusSuccess
}

func (e *Engine) storeRecipient(ctx context.Context, pass *storeclient.Pass, loc directory.Location, typ storeclient.DocType, rcpt, mailbox string, flags int) spool.Status {
	status, err := pass.Deliver(ctx, loc, typ, rcpt, mailbox, flags)
	if err != nil {
		e.Log.Error("store delivery failed", err, "rcpt", rcpt, "status", status)
	}
	return status
}
