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

// Package qproto implements the queue command protocol.
//
// The protocol is line based. Each command is one CRLF-terminated line
// and most commands are answered with a single line starting with a four
// digit code. Commands that return content announce its size in the reply
// line and follow it with the raw bytes and a final "1000 OK" line.
//
// The same Session serves two kinds of peers: clients that connect to the
// command endpoint to submit and inspect entries, and push agents the
// queue connects to when handing an entry off (see Handoff).
package qproto

const (
	CodeOK          = 1000
	CodeInfo        = 2001
	CodeGrep        = 2002
	CodeInfoFollows = 2022
	CodeDataFollows = 2023
	CodeUnknown     = 3000
	CodeBadArgs     = 3010
	CodeBadState    = 3012
	CodeOutOfRange  = 4000
	CodeCantRead    = 4224
	CodeNoEntry     = 4260
	CodeNoDomain    = 4261
	CodeNotFound    = 4262
	CodeSpaceLow    = 5221
	CodeHandoff     = 6020
	CodeGetBusy     = 6021
)

const (
	msgOK           = "OK"
	msgEntryMade    = "Entry created"
	msgUnknown      = "Unknown command"
	msgBadArgs      = "Invalid arguments"
	msgBadState     = "Not bound to an entry"
	msgOutOfRange   = "Stage out of range"
	msgCantUnlock   = "No entry to run"
	msgCantRead     = "Cannot read entry"
	msgNoSuchEntry  = "No such entry"
	msgNoEntryOpen  = "No entry open"
	msgNoDomain     = "Domain not found"
	msgNotFound     = "Not found"
	msgSpaceLow     = "Spool disk space low"
	msgWatchMode    = "Registered"
	msgReturnWatch  = "Done"
	msgBye          = "Bye"
	msgGetBusy      = "Get busy!"
	msgEntryPending = "Entry already open"
)
