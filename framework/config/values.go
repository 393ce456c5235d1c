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

package config

import (
	"errors"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// ParseDataSize parses sizes such as "16M" or "1G 512M". Parts are added
// together. Units are B, K, M and G, all powers of 1024.
func ParseDataSize(s string) (int64, error) {
	if len(s) == 0 {
		return 0, errors.New("missing a number")
	}

	// ' ' terminates the number+suffix pair.
	s = s + " "

	var total int64
	currentDigit := ""
	suffix := ""
	for _, ch := range s {
		if unicode.IsDigit(ch) {
			if suffix != "" {
				return 0, errors.New("unexpected digit after a suffix")
			}
			currentDigit += string(ch)
			continue
		}
		if ch != ' ' {
			suffix += string(ch)
			continue
		}
		if currentDigit == "" && suffix == "" {
			continue
		}

		num, err := strconv.ParseInt(currentDigit, 10, 64)
		if err != nil {
			return 0, err
		}

		switch suffix {
		case "G":
			total += num * 1024 * 1024 * 1024
		case "M":
			total += num * 1024 * 1024
		case "K":
			total += num * 1024
		case "B", "b", "":
			total += num
		default:
			return 0, errors.New("unknown unit suffix: " + suffix)
		}

		suffix = ""
		currentDigit = ""
	}

	return total, nil
}

// ParseDuration accepts everything time.ParseDuration does plus a "d"
// suffix for days ("4d", "1.5d"). Negative durations are rejected.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.Join(strings.Fields(s), "")

	var (
		dur time.Duration
		err error
	)
	if strings.HasSuffix(s, "d") {
		var n float64
		n, err = strconv.ParseFloat(strings.TrimSuffix(s, "d"), 64)
		dur = time.Duration(n * float64(24*time.Hour))
	} else {
		dur, err = time.ParseDuration(s)
	}
	if err != nil {
		return 0, err
	}
	if dur < 0 {
		return 0, errors.New("duration must not be negative")
	}
	return dur, nil
}
