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
	"os"
	"time"

	"github.com/foxcpp/spoolq/framework/address"
	"github.com/foxcpp/spoolq/internal/spool"
)

const (
	// maxPasses bounds the stage transitions of one Process call.
	maxPasses = 16
	// maxBackward bounds the OUTGOING->RTS and RTS->INCOMING moves of one
	// Process call. Linger expiry bounds them too, unless the dates are
	// broken.
	maxBackward = 2
)

// Process moves the entry t through the pipeline until it rests at a
// stage waiting for an external event, leaves the spool, or is locked
// by another worker.
func (e *Engine) Process(ctx context.Context, t spool.Token) {
	backward := 0
	for pass := 0; pass < maxPasses; pass++ {
		if ctx.Err() != nil {
			return
		}
		next, ok := e.processOnce(ctx, t)
		if !ok {
			return
		}
		if next.Stage < t.Stage {
			backward++
			if backward > maxBackward {
				e.Log.Msg("entry keeps moving backwards, leaving it for the next scan", "entry", next)
				return
			}
		}
		t = next
	}
	e.Log.Msg("entry exceeded the pass limit, leaving it for the next scan", "entry", t)
}

// processOnce runs one stage of the entry under its lock. It returns the
// token of the entry after a stage change and true if processing should
// continue with it.
func (e *Engine) processOnce(ctx context.Context, t spool.Token) (spool.Token, bool) {
	guard := e.locks.TryLock(t.ID)
	if guard == nil {
		e.Log.DebugMsg("entry is locked", "entry", t)
		return t, false
	}
	defer guard.Unlock()

	recs, err := e.spool.ReadControl(t)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			e.Log.DebugMsg("entry is gone", "entry", t)
		} else {
			e.Log.Error("cannot read control file", err, "entry", t)
		}
		return t, false
	}
	date := spool.SubmissionDate(recs)

	switch t.Stage {
	case spool.StageIncoming:
		canon, ok := canonicalize(recs)
		if !ok {
			e.Log.Msg("dropping entry without date, sender or recipients", "entry", t)
			e.drop(t)
			return t, false
		}
		if err := e.spool.Rewrite(t, canon); err != nil {
			e.Log.Error("cannot rewrite control file", err, "entry", t)
			return t, false
		}
	case spool.StageOutgoing:
		if e.expired(date) {
			if err := e.advance(t, spool.StageRTS); err != nil {
				return t, false
			}
			return spool.Token{Stage: spool.StageRTS, ID: t.ID}, true
		}
		if until, ok := e.currentDeferral().Until(e.now()); ok {
			if e.wheel.Add(until, t) {
				e.Log.DebugMsg("delivery deferred", "entry", t, "until", until)
			}
			return t, false
		}
		fallthrough
	case spool.StageDeliver:
		if !e.deliver(ctx, t, recs) {
			return t, false
		}
	}

	if ctx.Err() != nil {
		return t, false
	}

	switch e.handoff(ctx, t) {
	case handoffStop:
		return t, false
	case handoffGone:
		e.addQueued(-1)
		return t, false
	}

	if ctx.Err() != nil {
		return t, false
	}

	switch t.Stage {
	case spool.StageOutgoing:
		e.finishOutgoing(t)
		return t, false
	case spool.StageRTS:
		return e.returnToSender(t, date)
	case spool.StageDigest:
		if e.expired(date) {
			e.Log.Msg("discarding expired digest entry", "entry", t)
			e.drop(t)
		}
		return t, false
	}

	next, ok := e.agents.NextStage(t.Stage)
	if !ok {
		return t, false
	}
	if err := e.advance(t, next); err != nil {
		return t, false
	}
	return spool.Token{Stage: next, ID: t.ID}, true
}

func (e *Engine) advance(t spool.Token, to spool.Stage) error {
	if err := e.spool.Advance(t.ID, t.Stage, to); err != nil {
		e.Log.Error("cannot move entry", err, "entry", t, "to", to)
		return err
	}
	stageTransitions.WithLabelValues(t.Stage.String(), to.String()).Inc()
	e.Log.DebugMsg("entry moved", "entry", t, "to", to)
	return nil
}

// drop removes the entry and everything referring to it.
func (e *Engine) drop(t spool.Token) error {
	if err := e.spool.Discard(t); err != nil && !errors.Is(err, spool.ErrNoEntry) {
		e.Log.Error("cannot remove entry", err, "entry", t)
		return err
	}
	e.indexRemove(t.ID)
	e.addQueued(-1)
	return nil
}

// canonicalize puts the envelope records of a freshly submitted entry
// into canonical order. It reports false if the entry lacks a date, a
// sender or recipients.
//
// Remote recipients without an original recipient get the recipient
// itself as original and failure-only notification flags.
func canonicalize(recs []spool.Record) ([]spool.Record, bool) {
	var (
		head       [5]*spool.Record
		rest       = make([]spool.Record, 0, len(recs))
		recipients int
	)
	const (
		iDate = iota
		iFlags
		iID
		iAddress
		iFrom
	)

	for i := range recs {
		rec := recs[i]
		switch rec.Kind {
		case spool.KindDate:
			head[iDate] = &rec
		case spool.KindFlags:
			head[iFlags] = &rec
		case spool.KindID:
			head[iID] = &rec
		case spool.KindAddress:
			head[iAddress] = &rec
		case spool.KindFrom:
			head[iFrom] = &rec
		case spool.KindRemote:
			if rec.Original == "" {
				rec = spool.NewRemote(rec.Recipient, rec.Recipient, spool.DSNFailure)
			}
			rest = append(rest, rec)
			recipients++
		case spool.KindBounce, spool.KindCalendar, spool.KindLocal, spool.KindMailbox:
			rest = append(rest, rec)
			recipients++
		default:
			rest = append(rest, rec)
		}
	}

	if head[iDate] == nil || head[iFrom] == nil || recipients == 0 {
		return nil, false
	}
	if head[iFlags] == nil {
		flags := spool.NewFlags(0)
		head[iFlags] = &flags
	}

	out := make([]spool.Record, 0, len(rest)+len(head))
	for _, r := range head {
		if r != nil {
			out = append(out, *r)
		}
	}
	return append(out, rest...), true
}

// finishOutgoing decides what is left of an entry resting in OUTGOING
// after local delivery and push agents had their turn.
func (e *Engine) finishOutgoing(t spool.Token) {
	e.indexRemove(t.ID)

	recs, err := e.spool.ReadControl(t)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			e.Log.Error("cannot read control file", err, "entry", t)
		}
		return
	}

	keep, bounce := false, false
	for _, rec := range recs {
		switch rec.Kind {
		case spool.KindBounce:
			bounce = true
		case spool.KindCalendar, spool.KindLocal, spool.KindMailbox:
			keep = true
		case spool.KindRemote:
			if domain := address.Domain(rec.Recipient); domain != "" {
				e.indexAdd(domain, t)
			}
			keep = true
		}
	}

	if !bounce {
		if !keep {
			e.Log.DebugMsg("no recipients left", "entry", t)
			e.drop(t)
		}
		return
	}
	err = e.bounce(t, recs, func() error {
		if keep {
			return e.spool.Rewrite(t, spool.Without(recs, spool.KindBounce))
		}
		e.Log.DebugMsg("no recipients left", "entry", t)
		return e.drop(t)
	})
	if err != nil {
		e.Log.Error("cannot report bounce records", err, "entry", t)
	}
}

// returnToSender handles an entry in RTS. Once max linger passed all
// remaining recipients are reported as failed in a single notification
// and the entry is removed. Before that the entry goes back to INCOMING
// for another round.
func (e *Engine) returnToSender(t spool.Token, date time.Time) (spool.Token, bool) {
	if !e.expired(date) {
		if err := e.advance(t, spool.StageIncoming); err != nil {
			return t, false
		}
		return spool.Token{Stage: spool.StageIncoming, ID: t.ID}, true
	}

	e.indexRemove(t.ID)

	recs, err := e.spool.ReadControl(t)
	if err != nil {
		e.Log.Error("cannot read control file", err, "entry", t)
		return t, false
	}
	out := make([]spool.Record, 0, len(recs))
	for _, rec := range recs {
		switch rec.Kind {
		case spool.KindCalendar:
			// Calendar deliveries are not reported.
		case spool.KindLocal, spool.KindMailbox, spool.KindRemote:
			out = append(out, spool.NewBounce(rec.Recipient, rec.OriginalOr(), rec.DSNFlags, spool.StatusTooLong, ""))
		default:
			out = append(out, rec)
		}
	}
	if err := e.spool.Rewrite(t, out); err != nil {
		e.Log.Error("cannot rewrite control file", err, "entry", t)
		return t, false
	}

	remoteDeliveryFailed.Inc()
	e.Log.Msg("returning entry to sender", "entry", t, "submitted", date)
	err = e.bounce(t, out, func() error {
		return e.drop(t)
	})
	if err != nil {
		// The entry stays in RTS with its bounce records for the next scan.
		e.Log.Error("cannot report bounce records", err, "entry", t)
	}
	return t, false
}
