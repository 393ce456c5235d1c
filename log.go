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

package spoolq

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/foxcpp/spoolq/framework/log"
)

// LogOutputOption builds the output for the [log] targets list.
//
// Known targets are "stderr", "stderr_ts" (with timestamps), "syslog" and
// "off". Anything else is a file path, optionally prefixed with "file:".
func LogOutputOption(targets []string) (log.Output, error) {
	outs := make([]log.Output, 0, len(targets))
	for i, arg := range targets {
		switch arg {
		case "stderr":
			outs = append(outs, log.WriterOutput(os.Stderr, false))
		case "stderr_ts":
			outs = append(outs, log.WriterOutput(os.Stderr, true))
		case "syslog":
			syslogOut, err := log.SyslogOutput()
			if err != nil {
				return nil, fmt.Errorf("failed to connect to syslog daemon: %w", err)
			}
			outs = append(outs, syslogOut)
		case "off":
			if len(targets) != 1 {
				return nil, errors.New("'off' can't be combined with other log targets")
			}
			return log.NopOutput{}, nil
		case "":
			return nil, fmt.Errorf("empty log target at position %d", i)
		default:
			path := strings.TrimPrefix(arg, "file:")
			w, err := log.FileOutput(path)
			if err != nil {
				return nil, fmt.Errorf("failed to create log file: %w", err)
			}
			outs = append(outs, w)
		}
	}

	if len(outs) == 1 {
		return outs[0], nil
	}
	return log.MultiOutput(outs...), nil
}
