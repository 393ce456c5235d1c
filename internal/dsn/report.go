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

// Package dsn generates delivery status notifications (DSN) for queue
// entries.
//
// It implements the multipart/report format of RFC 3462 with the
// message/delivery-status part of RFC 3464.
package dsn

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-smtp"
	"github.com/foxcpp/spoolq/framework/dns"
)

const dateFormat = "Mon, 2 Jan 2006 15:04:05 -0700"

// orderedHeader builds a header that is written in the order of the
// given key-value pairs.
func orderedHeader(kv ...string) textproto.Header {
	h := textproto.Header{}
	// WriteHeader emits fields in reverse order of addition.
	for i := len(kv) - 2; i >= 0; i -= 2 {
		h.Add(kv[i], kv[i+1])
	}
	return h
}

type ReportingMTAInfo struct {
	ReportingMTA string

	// Envelope identifier assigned by the submitter, if any.
	OriginalEnvelopeID string

	// Time when message was enqueued.
	ArrivalDate time.Time
}

func (info ReportingMTAInfo) WriteTo(utf8 bool, w io.Writer) error {
	// DSN format uses structure similar to MIME header, so we reuse
	// MIME generator here.
	if info.ReportingMTA == "" {
		return errors.New("dsn: Reporting-MTA field is mandatory")
	}

	reportingMTA, err := dns.SelectIDNA(utf8, info.ReportingMTA)
	if err != nil {
		return fmt.Errorf("dsn: cannot convert Reporting-MTA to a suitable representation: %w", err)
	}

	var kv []string
	if info.OriginalEnvelopeID != "" {
		kv = append(kv, "Original-Envelope-Id", info.OriginalEnvelopeID)
	}
	kv = append(kv, "Reporting-MTA", "dns; "+reportingMTA)
	if !info.ArrivalDate.IsZero() {
		kv = append(kv, "Arrival-Date", info.ArrivalDate.Format(dateFormat))
	}

	return textproto.WriteHeader(w, orderedHeader(kv...))
}

type Action string

const (
	ActionFailed    Action = "failed"
	ActionDelayed   Action = "delayed"
	ActionDelivered Action = "delivered"
)

type RecipientInfo struct {
	OriginalRecipient string
	FinalRecipient    string

	Action Action
	Status smtp.EnhancedCode

	// DiagnosticCode is the error that will be returned to the sender,
	// optional.
	DiagnosticCode error
}

func sanitizeLine(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "\n", " "), "\r", " ")
}

func (info RecipientInfo) WriteTo(utf8 bool, w io.Writer) error {
	if info.FinalRecipient == "" {
		return errors.New("dsn: Final-Recipient is required")
	}
	addrType := "rfc822; "
	if utf8 {
		addrType = "utf8; "
	}

	var kv []string
	if info.OriginalRecipient != "" {
		kv = append(kv, "Original-Recipient", addrType+info.OriginalRecipient)
	}
	kv = append(kv, "Final-Recipient", addrType+info.FinalRecipient)

	if info.Action == "" {
		return errors.New("dsn: Action is required")
	}
	kv = append(kv, "Action", string(info.Action))
	if info.Status[0] == 0 {
		return errors.New("dsn: Status is required")
	}
	kv = append(kv, "Status", fmt.Sprintf("%d.%d.%d", info.Status[0], info.Status[1], info.Status[2]))

	var smtpErr *smtp.SMTPError
	if errors.As(info.DiagnosticCode, &smtpErr) {
		// Transcripts may contain newlines, but we cannot directly insert
		// CR/LF into Diagnostic-Code so rewrite it.
		kv = append(kv, "Diagnostic-Code", fmt.Sprintf("smtp; %d %d.%d.%d %s",
			smtpErr.Code, smtpErr.EnhancedCode[0], smtpErr.EnhancedCode[1], smtpErr.EnhancedCode[2],
			sanitizeLine(smtpErr.Message)))
	} else if info.DiagnosticCode != nil {
		kv = append(kv, "Diagnostic-Code", "X-Spoolq; "+sanitizeLine(info.DiagnosticCode.Error()))
	}

	return textproto.WriteHeader(w, orderedHeader(kv...))
}
