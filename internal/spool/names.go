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

// Package spool implements the on-disk layout of queue entries.
//
// An entry is stored as up to three sibling files in one directory:
//
//	c<id>.<stage>  control file, one directive per CRLF-terminated line
//	d<id>.msg      message data, shared by all stages of the entry
//	w<id>.<stage>  work file, the next control file being written
//
// IDs are written as 7 hex digits, stages as 3 decimal digits.
// Control files of entries still being populated by a client are named
// c<id>.in and are ignored by everything except the integrity check.
package spool

import (
	"fmt"
	"strconv"
	"strings"
)

// ID identifies an entry. Only the low 28 bits are used.
type ID uint32

const IDMask = 1<<28 - 1

// Stage is a position in the processing pipeline.
type Stage int

const (
	StageIncoming Stage = iota
	StageIncomingClean
	StageForward
	StageRule
	Stage4
	Stage5
	StageDeliver
	StageOutgoing
	StageRTS
	StageDigest

	NumStages = 10
)

func (s Stage) String() string {
	switch s {
	case StageIncoming:
		return "incoming"
	case StageIncomingClean:
		return "incoming_clean"
	case StageForward:
		return "forward"
	case StageRule:
		return "rule"
	case Stage4:
		return "stage4"
	case Stage5:
		return "stage5"
	case StageDeliver:
		return "deliver"
	case StageOutgoing:
		return "outgoing"
	case StageRTS:
		return "rts"
	case StageDigest:
		return "digest"
	}
	return fmt.Sprintf("stage%d", int(s))
}

func (s Stage) Valid() bool {
	return s >= 0 && s < NumStages
}

// Token is the (stage, id) pair naming one control file.
type Token struct {
	Stage Stage
	ID    ID
}

// String returns the dispatch form of the token: three stage digits
// followed by the hex ID.
func (t Token) String() string {
	return fmt.Sprintf("%03d%x", int(t.Stage), uint32(t.ID))
}

// Ref returns the form used by the command protocol, "sss-id".
func (t Token) Ref() string {
	return fmt.Sprintf("%03d-%x", int(t.Stage), uint32(t.ID))
}

func ParseToken(s string) (Token, error) {
	if len(s) < 4 {
		return Token{}, fmt.Errorf("spool: malformed token: %q", s)
	}
	return parseParts(s[:3], s[3:])
}

func ParseRef(s string) (Token, error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return Token{}, fmt.Errorf("spool: malformed entry reference: %q", s)
	}
	return parseParts(parts[0], parts[1])
}

func parseParts(stage, id string) (Token, error) {
	st, err := strconv.Atoi(stage)
	if err != nil || !Stage(st).Valid() {
		return Token{}, fmt.Errorf("spool: invalid stage: %q", stage)
	}
	n, err := strconv.ParseUint(id, 16, 32)
	if err != nil || n > IDMask {
		return Token{}, fmt.Errorf("spool: invalid entry id: %q", id)
	}
	return Token{Stage: Stage(st), ID: ID(n)}, nil
}

func ControlName(t Token) string {
	return fmt.Sprintf("c%07x.%03d", uint32(t.ID), int(t.Stage))
}

func WorkName(t Token) string {
	return fmt.Sprintf("w%07x.%03d", uint32(t.ID), int(t.Stage))
}

func DataName(id ID) string {
	return fmt.Sprintf("d%07x.msg", uint32(id))
}

// IncomingName is the control file name of an entry under construction.
func IncomingName(id ID) string {
	return fmt.Sprintf("c%07x.in", uint32(id))
}

// ParseControlName recognizes names produced by ControlName. Entries
// under construction are not matched.
func ParseControlName(name string) (Token, bool) {
	if len(name) != 12 || name[0] != 'c' || name[8] != '.' {
		return Token{}, false
	}
	if name[9] < '0' || name[9] > '9' {
		return Token{}, false
	}
	t, err := parseParts(name[9:], name[1:8])
	if err != nil {
		return Token{}, false
	}
	return t, true
}

func parseIDName(name string, prefix byte, suffix string) (ID, bool) {
	if len(name) != 8+len(suffix) || name[0] != prefix || name[8:] != suffix {
		return 0, false
	}
	n, err := strconv.ParseUint(name[1:8], 16, 32)
	if err != nil {
		return 0, false
	}
	return ID(n), true
}

// ParseDataName recognizes names produced by DataName.
func ParseDataName(name string) (ID, bool) {
	return parseIDName(name, 'd', ".msg")
}

// ParseIncomingName recognizes names produced by IncomingName.
func ParseIncomingName(name string) (ID, bool) {
	return parseIDName(name, 'c', ".in")
}
