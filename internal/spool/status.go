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

import "strconv"

// Status is the outcome of a delivery attempt for one recipient. Negative
// values are failures. The numeric values are stored in bounce records.
type Status int

const (
	StatusPending          Status = 1
	StatusSuccess          Status = 0
	StatusHostUnknown      Status = -1
	StatusBogusName        Status = -2
	StatusTimeout          Status = -3
	StatusRefused          Status = -4
	StatusUnreachable      Status = -5
	StatusLocked           Status = -6
	StatusUserUnknown      Status = -7
	StatusHopCountExceeded Status = -8
	StatusTryLater         Status = -9
	StatusInternalError    Status = -10
	StatusTooLong          Status = -11
	StatusQuotaExceeded    Status = -12
	StatusBlocked          Status = -13
	StatusVirusReject      Status = -14
	StatusFailure          Status = -15
)

func (s Status) Failed() bool {
	return s < 0
}

// Permanent reports whether the status removes the recipient from the
// entry instead of keeping it for another attempt.
func (s Status) Permanent() bool {
	switch s {
	case StatusUserUnknown, StatusInternalError, StatusQuotaExceeded:
		return true
	}
	return false
}

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSuccess:
		return "success"
	case StatusHostUnknown:
		return "host_unknown"
	case StatusBogusName:
		return "bogus_name"
	case StatusTimeout:
		return "timeout"
	case StatusRefused:
		return "refused"
	case StatusUnreachable:
		return "unreachable"
	case StatusLocked:
		return "locked"
	case StatusUserUnknown:
		return "user_unknown"
	case StatusHopCountExceeded:
		return "hopcount_exceeded"
	case StatusTryLater:
		return "try_later"
	case StatusInternalError:
		return "internal_error"
	case StatusTooLong:
		return "too_long"
	case StatusQuotaExceeded:
		return "quota_exceeded"
	case StatusBlocked:
		return "blocked"
	case StatusVirusReject:
		return "virus_reject"
	case StatusFailure:
		return "failure"
	}
	return "status" + strconv.Itoa(int(s))
}

// DSN notification flags requested by the sender for a recipient.
const (
	DSNSuccess = 1 << iota
	DSNTimeout
	DSNFailure
	DSNHeader
	DSNBody

	DSNMask    = DSNSuccess | DSNTimeout | DSNFailure | DSNHeader | DSNBody
	DSNDefault = DSNFailure | DSNHeader | DSNBody
)
