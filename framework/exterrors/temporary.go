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

package exterrors

import "errors"

type TemporaryErr interface {
	Temporary() bool
}

func temporary(err error) (temp, known bool) {
	var te TemporaryErr
	if errors.As(err, &te) {
		return te.Temporary(), true
	}
	return false, false
}

// IsTemporary reports whether err is explicitly marked temporary.
// Unclassified errors are permanent.
func IsTemporary(err error) bool {
	temp, _ := temporary(err)
	return temp
}

// IsTemporaryOrUnspec is like IsTemporary but treats unclassified errors
// as temporary, so only errors explicitly marked permanent fail the
// recipient for good.
func IsTemporaryOrUnspec(err error) bool {
	temp, known := temporary(err)
	return temp || !known
}

type temporaryErr struct {
	err  error
	temp bool
}

func (t temporaryErr) Unwrap() error {
	return t.err
}

func (t temporaryErr) Error() string {
	return t.err.Error()
}

func (t temporaryErr) Temporary() bool {
	return t.temp
}

// WithTemporary marks err as temporary or permanent. The original error
// stays reachable via errors.Unwrap.
func WithTemporary(err error, temporary bool) error {
	return temporaryErr{err, temporary}
}
