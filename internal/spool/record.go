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

package spool

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"time"
)

// Kind is the one-character tag starting every control file line.
type Kind byte

const (
	KindAddress    Kind = 'A'
	KindBounce     Kind = 'B'
	KindCalendar   Kind = 'C'
	KindDate       Kind = 'D'
	KindFrom       Kind = 'F'
	KindID         Kind = 'I'
	KindLocal      Kind = 'L'
	KindMailbox    Kind = 'M'
	KindRemote     Kind = 'R'
	KindThirdParty Kind = 'T'
	KindFlags      Kind = 'X'
)

// IsRecipient reports whether records of this kind name a recipient
// that still awaits delivery.
func (k Kind) IsRecipient() bool {
	switch k {
	case KindCalendar, KindLocal, KindMailbox, KindRemote:
		return true
	}
	return false
}

// DefaultCalendar is used for calendar records that name no calendar.
const DefaultCalendar = "MAIN"

// DefaultMailbox is used for local records.
const DefaultMailbox = "INBOX"

// Record is one parsed control file line. Only the fields relevant to
// Kind are set.
//
// Records returned by ParseRecord keep the original line in Raw and
// format back to it unchanged. Records built by the New* constructors
// are formatted from their fields.
type Record struct {
	Kind Kind
	Raw  string

	// Date.
	Date time.Time

	// Flags.
	Flags int

	// ID, Address, ThirdParty.
	Value string

	// From.
	Sender     string
	AuthSender string
	MessageID  string

	// Bounce and recipients.
	Recipient  string
	Original   string
	DSNFlags   int
	Status     Status
	Transcript string

	// Mailbox recipients.
	Mailbox      string
	MessageFlags int

	// Calendar recipients.
	Calendar string
}

// ParseRecord parses a single control file line. Trailing CR and LF are
// ignored. Missing optional fields get their documented defaults, so
// DSNFlags is DSNDefault for recipients that have no flags.
func ParseRecord(line string) Record {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return Record{}
	}

	r := Record{Kind: Kind(line[0]), Raw: line}
	body := line[1:]

	switch r.Kind {
	case KindDate:
		secs, err := strconv.ParseInt(strings.TrimSpace(body), 10, 64)
		if err == nil {
			r.Date = time.Unix(secs, 0)
		}
	case KindFlags:
		r.Flags, _ = strconv.Atoi(strings.TrimSpace(body))
	case KindID, KindAddress, KindThirdParty:
		r.Value = body
	case KindFrom:
		f := strings.Fields(body)
		r.AuthSender = "-"
		if len(f) > 0 {
			r.Sender = f[0]
		}
		if len(f) > 1 {
			r.AuthSender = f[1]
		}
		if len(f) > 2 {
			r.MessageID = f[2]
		}
	case KindLocal, KindRemote:
		f := strings.Fields(body)
		r.Recipient, r.Original, r.DSNFlags = recipFields(f)
	case KindMailbox:
		f := strings.Fields(body)
		r.Recipient, r.Original, r.DSNFlags = recipFields(f)
		r.Mailbox = DefaultMailbox
		if len(f) > 3 {
			r.Mailbox = f[3]
		}
		if len(f) > 4 {
			r.MessageFlags, _ = strconv.Atoi(f[4])
		}
	case KindCalendar:
		f := strings.Fields(body)
		r.DSNFlags = DSNDefault
		r.Calendar = DefaultCalendar
		if len(f) > 0 {
			r.Recipient = f[0]
		}
		if len(f) > 1 {
			r.Calendar = f[1]
		}
		if len(f) > 2 {
			if n, err := strconv.Atoi(f[2]); err == nil {
				r.DSNFlags = n
			}
		}
	case KindBounce:
		f := strings.SplitN(body, " ", 5)
		r.Recipient, r.Original, r.DSNFlags = recipFields(f)
		if len(f) < 3 {
			r.DSNFlags = DSNFailure | DSNHeader
		}
		r.DSNFlags &= DSNMask
		r.Status = StatusInternalError
		if len(f) > 3 {
			if n, err := strconv.Atoi(f[3]); err == nil {
				r.Status = Status(n)
			}
		}
		if len(f) > 4 {
			r.Transcript = f[4]
		}
	}

	return r
}

func recipFields(f []string) (rcpt, orig string, flags int) {
	flags = DSNDefault
	if len(f) > 0 {
		rcpt = f[0]
	}
	if len(f) > 1 {
		orig = f[1]
	}
	if len(f) > 2 {
		if n, err := strconv.Atoi(f[2]); err == nil {
			flags = n
		}
	}
	return
}

// OriginalOr returns the original recipient or rcpt if none was recorded.
func (r Record) OriginalOr() string {
	if r.Original == "" {
		return r.Recipient
	}
	return r.Original
}

// Format returns the line without the trailing CRLF.
func (r Record) Format() string {
	if r.Raw != "" {
		return r.Raw
	}

	var b strings.Builder
	b.WriteByte(byte(r.Kind))
	switch r.Kind {
	case KindDate:
		b.WriteString(strconv.FormatInt(r.Date.Unix(), 10))
	case KindFlags:
		b.WriteString(strconv.Itoa(r.Flags))
	case KindID, KindAddress, KindThirdParty:
		b.WriteString(r.Value)
	case KindFrom:
		b.WriteString(r.Sender)
		b.WriteByte(' ')
		b.WriteString(r.AuthSender)
		if r.MessageID != "" {
			b.WriteByte(' ')
			b.WriteString(r.MessageID)
		}
	case KindLocal, KindRemote:
		writeFields(&b, r.Recipient, r.OriginalOr(), strconv.Itoa(r.DSNFlags))
	case KindMailbox:
		writeFields(&b, r.Recipient, r.OriginalOr(), strconv.Itoa(r.DSNFlags),
			r.Mailbox, strconv.Itoa(r.MessageFlags))
	case KindCalendar:
		writeFields(&b, r.Recipient, r.Calendar, strconv.Itoa(r.DSNFlags))
	case KindBounce:
		writeFields(&b, r.Recipient, r.OriginalOr(), strconv.Itoa(r.DSNFlags), strconv.Itoa(int(r.Status)))
		if r.Transcript != "" {
			b.WriteByte(' ')
			b.WriteString(r.Transcript)
		}
	}
	return b.String()
}

func writeFields(b *strings.Builder, fields ...string) {
	for i, f := range fields {
		if i != 0 {
			b.WriteByte(' ')
		}
		b.WriteString(f)
	}
}

func NewDate(t time.Time) Record {
	return Record{Kind: KindDate, Date: time.Unix(t.Unix(), 0)}
}

func NewFlags(flags int) Record {
	return Record{Kind: KindFlags, Flags: flags}
}

func NewFrom(sender, authSender, messageID string) Record {
	if authSender == "" {
		authSender = "-"
	}
	return Record{Kind: KindFrom, Sender: sender, AuthSender: authSender, MessageID: messageID}
}

func NewRemote(rcpt, orig string, flags int) Record {
	return Record{Kind: KindRemote, Recipient: rcpt, Original: orig, DSNFlags: flags}
}

func NewLocal(rcpt, orig string, flags int) Record {
	return Record{Kind: KindLocal, Recipient: rcpt, Original: orig, DSNFlags: flags, Mailbox: DefaultMailbox}
}

func NewBounce(rcpt, orig string, flags int, status Status, transcript string) Record {
	return Record{
		Kind:       KindBounce,
		Recipient:  rcpt,
		Original:   orig,
		DSNFlags:   flags,
		Status:     status,
		Transcript: transcript,
	}
}

// ReadRecords reads control file lines until EOF or an empty line.
func ReadRecords(r io.Reader) ([]Record, error) {
	var recs []Record
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			break
		}
		recs = append(recs, ParseRecord(line))
	}
	return recs, scanner.Err()
}

// WriteRecords writes records as CRLF-terminated lines.
func WriteRecords(w io.Writer, recs []Record) error {
	bw := bufio.NewWriter(w)
	for _, r := range recs {
		if _, err := bw.WriteString(r.Format()); err != nil {
			return err
		}
		if _, err := bw.WriteString("\r\n"); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Find returns the first record of the given kind.
func Find(recs []Record, kind Kind) (Record, bool) {
	for _, r := range recs {
		if r.Kind == kind {
			return r, true
		}
	}
	return Record{}, false
}

// Without returns recs with all records of the given kinds removed.
func Without(recs []Record, kinds ...Kind) []Record {
	out := make([]Record, 0, len(recs))
outer:
	for _, r := range recs {
		for _, k := range kinds {
			if r.Kind == k {
				continue outer
			}
		}
		out = append(out, r)
	}
	return out
}
