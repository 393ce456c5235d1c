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

package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/foxcpp/spoolq/framework/hooks"
)

type wcOutput struct {
	timestamps bool
	wc         io.WriteCloser
}

func (w wcOutput) Write(stamp time.Time, debug bool, msg string) {
	builder := strings.Builder{}
	if w.timestamps {
		builder.WriteString(stamp.UTC().Format("2006-01-02T15:04:05.000Z "))
	}
	if debug {
		builder.WriteString("[debug] ")
	}
	builder.WriteString(msg)
	builder.WriteRune('\n')
	if _, err := io.WriteString(w.wc, builder.String()); err != nil {
		fmt.Fprintf(os.Stderr, "!!! Failed to write message to log: %v\n", err)
	}
}

func (w wcOutput) Close() error {
	return w.wc.Close()
}

// WriteCloserOutput returns a log.Output implementation that
// will write formatted messages to the provided io.Writer.
//
// Closing returned log.Output object will close the underlying
// io.WriteCloser.
//
// Written messages will include timestamp formatted with millisecond
// precision and [debug] prefix for debug messages.
// If timestamps argument is false, timestamps will not be added.
func WriteCloserOutput(wc io.WriteCloser, timestamps bool) Output {
	return wcOutput{timestamps, wc}
}

type nopCloser struct {
	io.Writer
}

func (nc nopCloser) Close() error {
	return nil
}

// WriterOutput returns a log.Output implementation that
// will write formatted messages to the provided io.Writer.
//
// Closing returned log.Output object will have no effect on the
// underlying io.Writer.
func WriterOutput(w io.Writer, timestamps bool) Output {
	return wcOutput{timestamps, nopCloser{w}}
}

type fileOut struct {
	path string

	lock sync.Mutex
	f    *os.File
}

func (f *fileOut) reopen() error {
	nf, err := os.OpenFile(f.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o640)
	if err != nil {
		return err
	}

	f.lock.Lock()
	old := f.f
	f.f = nf
	f.lock.Unlock()

	if old != nil {
		return old.Close()
	}
	return nil
}

func (f *fileOut) Write(stamp time.Time, debug bool, msg string) {
	f.lock.Lock()
	defer f.lock.Unlock()
	wcOutput{timestamps: true, wc: f.f}.Write(stamp, debug, msg)
}

func (f *fileOut) Close() error {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.f.Close()
}

// FileOutput returns a log.Output that appends timestamped messages to
// the file at path. The file is reopened when hooks.EventLogRotate is
// triggered so external log rotation tools can move it away.
//
// Returned log.Output object is goroutine-safe.
func FileOutput(path string) (Output, error) {
	out := &fileOut{path: path}
	if err := out.reopen(); err != nil {
		return nil, err
	}
	hooks.AddHook(hooks.EventLogRotate, func() {
		if err := out.reopen(); err != nil {
			fmt.Fprintf(os.Stderr, "!!! Failed to reopen log file %s: %v\n", path, err)
		}
	})
	return out, nil
}
