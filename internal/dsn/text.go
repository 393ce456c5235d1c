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
	"fmt"
	"io"
	"strings"

	"github.com/foxcpp/spoolq/framework/address"
	"github.com/foxcpp/spoolq/internal/spool"
)

const defaultQuotaMessage = "The recipient's mailbox is full, the message could not be delivered."

func subject(reason spool.Status) string {
	switch reason {
	case spool.StatusFailure, spool.StatusTryLater:
		return "Delivery failure"
	case spool.StatusHostUnknown:
		return "Host unknown"
	case spool.StatusBogusName:
		return "Unrecognized address"
	case spool.StatusTimeout, spool.StatusUnreachable:
		return "Remote host unreachable"
	case spool.StatusRefused:
		return "Delivery refused"
	case spool.StatusLocked:
		return "Mailbox locked"
	case spool.StatusUserUnknown:
		return "User unknown"
	case spool.StatusHopCountExceeded:
		return "Too many hops"
	case spool.StatusInternalError:
		return "Unspecified error"
	case spool.StatusTooLong:
		return "Delivery time exceeded"
	case spool.StatusQuotaExceeded:
		return "Quota exceeded"
	case spool.StatusBlocked:
		return "Message Blocked"
	case spool.StatusVirusReject:
		return "Possible Virus Infection"
	}
	return "Delivery Status Notification"
}

func heading(reason spool.Status) string {
	switch reason {
	case spool.StatusSuccess:
		return "   ----- The following address(es) have been delivered -----\r\n"
	case spool.StatusPending:
		return "   ----- The following address(es) have temporary problems -----\r\n"
	}
	return "   ----- The following address(es) had permanent fatal errors -----\r\n"
}

// writeHuman writes the text/plain part of the report.
func (c *Composer) writeHuman(w io.Writer, env envelope, bounces []spool.Record, reason spool.Status, mixed bool) error {
	from := env.sender
	if env.authSender != "" && env.authSender != "-" {
		from = env.authSender
	}

	var b strings.Builder
	fmt.Fprintf(&b, "The original message was received %s\r\nfrom %s\r\n\r\n", env.arrival.Format(dateFormat), from)
	if !mixed {
		b.WriteString(heading(reason))
	}

	for _, rec := range bounces {
		b.WriteString(c.describe(rec))
		b.WriteString("\r\n")
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func (c *Composer) describe(rec spool.Record) string {
	var b strings.Builder

	suffix := " (unrecoverable error)"
	if rec.Status == spool.StatusSuccess {
		suffix = ""
	}
	if rec.Original != "" && rec.Original != rec.Recipient {
		fmt.Fprintf(&b, "<%s>; originally to %s%s\r\n", rec.Recipient, rec.Original, suffix)
	} else {
		fmt.Fprintf(&b, "<%s>%s\r\n", rec.Recipient, suffix)
	}

	domain := address.Domain(rec.Recipient)
	if domain == "" {
		domain = rec.Recipient
	}
	prose := func(format string, args ...interface{}) {
		b.WriteString("  \t")
		fmt.Fprintf(&b, format, args...)
		b.WriteString("\r\n")
	}

	switch rec.Status {
	case spool.StatusHostUnknown:
		prose("The host '%s' is unknown or could not be looked up", domain)
	case spool.StatusTimeout, spool.StatusTooLong:
		prose("The mail system tried to deliver the message for the last %d days,", c.lingerDays())
		prose("but was not able to successfully do so.")
	case spool.StatusRefused:
		prose("The mail exchanger for domain '%s' refused to talk to us.", domain)
	case spool.StatusUnreachable:
		prose("The mail exchanger for domain '%s' was not reachable.", domain)
	case spool.StatusUserUnknown:
		if mbox, host, err := address.Split(rec.Recipient); err == nil && host != "" {
			prose("The recipient '%s' is unknown at host '%s'", mbox, host)
		} else {
			prose("The recipient '%s' is unknown", rec.Recipient)
		}
	case spool.StatusHopCountExceeded:
		prose("The message was routed through too many hosts.")
		prose("This usually indicates a mail loop.")
	case spool.StatusQuotaExceeded:
		msg := c.QuotaMessage
		if msg == "" {
			msg = defaultQuotaMessage
		}
		prose("%s", msg)
	case spool.StatusSuccess:
		prose("The message has been successfully delivered.")
	default:
		prose("The mail system encountered a delivery failure, code %d.", int(rec.Status))
		prose("This failure could be due to circumstances out of its control,")
		prose("please check the transcript for details")
	}

	if rec.Transcript != "" {
		b.WriteString("  \t  ----- transcript of session follows -----\r\n")
		b.WriteString(unescapeTranscript(rec.Transcript))
		b.WriteString("\r\n")
	}
	return b.String()
}

func (c *Composer) lingerDays() int {
	return int(c.MaxLinger.Hours() / 24)
}

// unescapeTranscript expands the \r and \n sequences used to keep
// transcripts on a single control file line.
func unescapeTranscript(s string) string {
	return strings.NewReplacer(`\r`, "\r", `\n`, "\n").Replace(s)
}
