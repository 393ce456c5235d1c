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

// CodedErr is implemented by errors that carry a numeric status from a
// line protocol peer (the message store or a push agent).
type CodedErr interface {
	Code() int
}

type codeWrap struct {
	err  error
	code int
}

func (cw codeWrap) Error() string {
	return cw.err.Error()
}

func (cw codeWrap) Unwrap() error {
	return cw.err
}

func (cw codeWrap) Code() int {
	return cw.code
}

func (cw codeWrap) Fields() map[string]interface{} {
	return map[string]interface{}{"code": cw.code}
}

// WithCode attaches the numeric status to err. The code is also exposed
// as the "code" field for Logger.Error.
func WithCode(err error, code int) error {
	return codeWrap{err: err, code: code}
}

// Code returns the numeric status attached using WithCode, if any.
func Code(err error) (int, bool) {
	var coded CodedErr
	if errors.As(err, &coded) {
		return coded.Code(), true
	}
	return 0, false
}
