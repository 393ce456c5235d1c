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

package dsn

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-smtp"
	"github.com/foxcpp/spoolq/internal/limits/limiters"
	"github.com/foxcpp/spoolq/internal/spool"
	"github.com/google/uuid"
)

type Result int

const (
	Sent Result = iota
	SuppressedRate
	SuppressedNullSender
	NothingToReport
)

func (r Result) String() string {
	switch r {
	case Sent:
		return "sent"
	case SuppressedRate:
		return "suppressed_rate"
	case SuppressedNullSender:
		return "suppressed_null_sender"
	case NothingToReport:
		return "nothing_to_report"
	}
	return "result" + strconv.Itoa(int(r))
}

// Composer builds delivery status notifications from the bounce records
// of a queue entry.
type Composer struct {
	// Hostname is used in the From, Message-Id and Reporting-MTA fields.
	Hostname string
	// Postmaster is the local part (or full address) of the postmaster.
	Postmaster string

	MaxLinger    time.Duration
	MaxBodySize  int64
	QuotaMessage string

	ReturnToSender bool
	CCPostmaster   bool

	// Guard, if set, limits the rate of generated notifications.
	Guard *limiters.Window

	now   func() time.Time
	token func() string
}

type envelope struct {
	sender     string
	authSender string
	messageID  string
	arrival    time.Time
}

func (c *Composer) postmasterAddr() string {
	pm := c.Postmaster
	if pm == "" {
		pm = "postmaster"
	}
	if strings.Contains(pm, "@") {
		return pm
	}
	return pm + "@" + c.Hostname
}

func (c *Composer) timeNow() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}

func (c *Composer) newToken() string {
	if c.token != nil {
		return c.token()
	}
	return uuid.NewString()
}

// Compose reads the control records of an entry and, if they contain
// bounce records, writes a notification message to outData and the
// control records of the new queue entry carrying it to outControl.
//
// Nothing is written unless the returned Result is Sent. force bypasses
// the rate guard.
func (c *Composer) Compose(data io.Reader, control []spool.Record, outData, outControl io.Writer, force bool) (Result, error) {
	if c.Guard != nil && !force && !c.Guard.Allow() {
		return SuppressedRate, nil
	}

	var (
		env     envelope
		bounces []spool.Record
		reason  spool.Status
		mixed   bool
	)
	for _, rec := range control {
		switch rec.Kind {
		case spool.KindDate:
			env.arrival = rec.Date
		case spool.KindFrom:
			env.sender = rec.Sender
			env.authSender = rec.AuthSender
			env.messageID = rec.MessageID
		case spool.KindBounce:
			if len(bounces) == 0 {
				reason = rec.Status
			} else if rec.Status != reason {
				mixed = true
			}
			bounces = append(bounces, rec)
		}
	}
	if mixed {
		reason = spool.StatusSuccess
	}

	if env.sender == "" || env.sender == "-" {
		return SuppressedNullSender, nil
	}
	if len(bounces) == 0 {
		return NothingToReport, nil
	}

	now := c.timeNow()
	if env.arrival.IsZero() {
		env.arrival = now
	}

	if err := c.writeMessage(outData, data, env, bounces, reason, mixed, now); err != nil {
		return Sent, fmt.Errorf("dsn: %w", err)
	}

	pm := c.postmasterAddr()
	recs := []spool.Record{spool.NewDate(now), spool.NewFrom("-", "-", "")}
	if c.ReturnToSender {
		recs = append(recs, spool.NewRemote(env.sender, env.sender, 0))
	}
	if c.CCPostmaster {
		recs = append(recs, spool.NewRemote(pm, pm, 0))
	}
	if err := spool.WriteRecords(outControl, recs); err != nil {
		return Sent, fmt.Errorf("dsn: %w", err)
	}
	return Sent, nil
}

func (c *Composer) writeMessage(out io.Writer, data io.Reader, env envelope, bounces []spool.Record, reason spool.Status, mixed bool, now time.Time) error {
	boundary := c.newToken()
	pm := c.postmasterAddr()

	bw := bufio.NewWriter(out)
	h := orderedHeader(
		"Date", now.Format(dateFormat),
		"From", "Mail Delivery System <"+pm+">",
		"Message-Id", "<"+c.newToken()+"@"+c.Hostname+">",
		"To", "<"+env.sender+">",
		"MIME-Version", "1.0",
		"Content-Type", `multipart/report; report-type=delivery-status; boundary="`+boundary+`"`,
		"Subject", "Returned mail: "+subject(reason),
		"Precedence", "bulk",
		"Auto-Submitted", "auto-replied",
	)
	if err := textproto.WriteHeader(bw, h); err != nil {
		return err
	}
	if _, err := io.WriteString(bw, "This is a MIME-encapsulated message\r\n\r\n"); err != nil {
		return err
	}

	mw := textproto.NewMultipartWriter(bw)
	if err := mw.SetBoundary(boundary); err != nil {
		return err
	}

	w, err := mw.CreatePart(orderedHeader(
		"Content-Type", "text/plain; charset=US-ASCII",
		"Content-Description", "Notification",
	))
	if err != nil {
		return err
	}
	if err := c.writeHuman(w, env, bounces, reason, mixed); err != nil {
		return err
	}

	w, err = mw.CreatePart(orderedHeader(
		"Content-Type", "message/delivery-status",
		"Content-Description", "Delivery report",
	))
	if err != nil {
		return err
	}
	if err := c.writeMachine(w, env, bounces); err != nil {
		return err
	}

	w, err = mw.CreatePart(orderedHeader(
		"Content-Type", "message/rfc822",
		"Content-Description", "Original message",
	))
	if err != nil {
		return err
	}
	// Inclusion of the original follows the flags of the last recipient.
	flags := bounces[len(bounces)-1].DSNFlags
	if err := c.writeOriginal(w, data, flags); err != nil {
		return err
	}

	if err := mw.Close(); err != nil {
		return err
	}
	return bw.Flush()
}

func (c *Composer) writeMachine(w io.Writer, env envelope, bounces []spool.Record) error {
	mtaInfo := ReportingMTAInfo{
		ReportingMTA:       c.Hostname,
		OriginalEnvelopeID: env.messageID,
		ArrivalDate:        env.arrival,
	}
	if err := mtaInfo.WriteTo(false, w); err != nil {
		return err
	}

	for _, rec := range bounces {
		info := RecipientInfo{
			OriginalRecipient: rec.Original,
			FinalRecipient:    rec.Recipient,
		}
		switch {
		case rec.Status == spool.StatusSuccess:
			info.Action = ActionDelivered
			info.Status = smtp.EnhancedCode{2, 0, 0}
		case rec.Status == spool.StatusPending:
			info.Action = ActionDelayed
			info.Status = smtp.EnhancedCode{4, 0, 0}
		default:
			info.Action = ActionFailed
			info.Status = smtp.EnhancedCode{5, 0, 0}
			info.DiagnosticCode = diagnostic(rec)
		}
		if err := info.WriteTo(false, w); err != nil {
			return err
		}
	}
	return nil
}

// diagnostic returns the SMTP reply recorded in the transcript if it
// starts with one, and the numeric status otherwise.
func diagnostic(rec spool.Record) error {
	if smtpErr := parseSMTPReply(unescapeTranscript(rec.Transcript)); smtpErr != nil {
		return smtpErr
	}
	return fmt.Errorf("%s (%d)", rec.Status, int(rec.Status))
}

func parseSMTPReply(transcript string) *smtp.SMTPError {
	line := transcript
	if i := strings.IndexAny(line, "\r\n"); i != -1 {
		line = line[:i]
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 3 || len(parts[0]) != 3 {
		return nil
	}
	code, err := strconv.Atoi(parts[0])
	if err != nil || code < 200 || code > 599 {
		return nil
	}
	var enh smtp.EnhancedCode
	codeParts := strings.Split(parts[1], ".")
	if len(codeParts) != 3 {
		return nil
	}
	for i, p := range codeParts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil
		}
		enh[i] = n
	}
	return &smtp.SMTPError{Code: code, EnhancedCode: enh, Message: parts[2]}
}

var errShortWrite = errors.New("short write")

// writeOriginal copies the original message, escaping "From " lines.
func (c *Composer) writeOriginal(w io.Writer, data io.Reader, flags int) error {
	if data == nil {
		data = strings.NewReader("")
	}
	br := bufio.NewReader(data)

	write := func(s string) error {
		n, err := io.WriteString(w, s)
		if err == nil && n != len(s) {
			err = errShortWrite
		}
		return err
	}

	inHeader := true
	var bodySize int64
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			if inHeader {
				if line == "\r\n" || line == "\n" {
					inHeader = false
					if flags&spool.DSNHeader != 0 {
						if werr := write("\r\n"); werr != nil {
							return werr
						}
					}
					if flags&spool.DSNBody == 0 {
						return write("-- Message body has been omitted --\r\n")
					}
					if c.MaxBodySize > 0 {
						if werr := write(fmt.Sprintf("\r\n<Body content limited to %d bytes>\r\n", c.MaxBodySize)); werr != nil {
							return werr
						}
					}
				} else if flags&spool.DSNHeader != 0 {
					if werr := write(escapeFrom(line)); werr != nil {
						return werr
					}
				}
			} else {
				if c.MaxBodySize > 0 && bodySize+int64(len(line)) > c.MaxBodySize {
					return write(escapeFrom(line[:c.MaxBodySize-bodySize]))
				}
				bodySize += int64(len(line))
				if werr := write(escapeFrom(line)); werr != nil {
					return werr
				}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}

	if inHeader && flags&spool.DSNBody == 0 {
		return write("\r\n-- Message body has been omitted --\r\n")
	}
	return nil
}

func escapeFrom(line string) string {
	if strings.HasPrefix(line, "From ") {
		return ">" + line
	}
	return line
}
