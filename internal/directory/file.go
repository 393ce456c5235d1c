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

package directory

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/foxcpp/spoolq/framework/hooks"
	"github.com/foxcpp/spoolq/framework/log"
	"github.com/fsnotify/fsnotify"
)

// File is a Table read from a text file of "key: value" lines.
//
// The file is reloaded when it changes on disk, on the reload hook and
// periodically.
type File struct {
	path string

	m      map[string]string
	mLck   sync.RWMutex
	mStamp time.Time

	watcher      *fsnotify.Watcher
	stopReloader chan struct{}
	forceReload  chan struct{}

	log log.Logger
}

var reloadInterval = 15 * time.Second

func NewFile(path string, logger log.Logger) (*File, error) {
	f := &File{
		path:         path,
		m:            make(map[string]string),
		stopReloader: make(chan struct{}),
		forceReload:  make(chan struct{}, 1),
		log:          logger,
	}

	if err := readFile(f.path, f.m); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		f.log.Printf("ignoring non-existent file: %s", f.path)
	}

	// The directory is watched since editors replace files by renaming.
	w, err := fsnotify.NewWatcher()
	if err != nil {
		f.log.Error("file watcher unavailable, falling back to polling", err)
	} else if err := w.Add(filepath.Dir(f.path)); err != nil {
		f.log.Error("file watcher unavailable, falling back to polling", err)
		w.Close()
	} else {
		f.watcher = w
	}

	go f.reloader()
	hooks.AddHook(hooks.EventReload, f.Reload)

	return f, nil
}

// Reload schedules a reload of the file regardless of its modification
// time.
func (f *File) Reload() {
	select {
	case f.forceReload <- struct{}{}:
	default:
	}
}

func (f *File) reloader() {
	defer func() {
		if err := recover(); err != nil {
			stack := debug.Stack()
			log.Printf("panic during directory reload: %v\n%s", err, stack)
		}
	}()

	t := time.NewTicker(reloadInterval)
	defer t.Stop()

	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	if f.watcher != nil {
		events = f.watcher.Events
		errs = f.watcher.Errors
	}

	for {
		select {
		case <-t.C:
			f.reload(false)

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) == filepath.Clean(f.path) {
				f.reload(true)
			}

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			f.log.Error("file watcher error", err)

		case <-f.forceReload:
			f.reload(true)

		case <-f.stopReloader:
			f.stopReloader <- struct{}{}
			return
		}
	}
}

func (f *File) reload(force bool) {
	info, err := os.Stat(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			f.mLck.Lock()
			f.m = map[string]string{}
			f.mLck.Unlock()
			return
		}
		f.log.Error("os stat", err)
		return
	}
	if !force && (info.ModTime().Before(f.mStamp) || time.Since(info.ModTime()) < (reloadInterval/2)) {
		return // reload not necessary
	}

	f.log.Debugf("reloading")

	newm := make(map[string]string, len(f.m)+5)
	if err := readFile(f.path, newm); err != nil {
		if os.IsNotExist(err) {
			f.log.Printf("ignoring non-existent file: %s", f.path)
			return
		}

		f.log.Println(err)
		return
	}
	// after reading we need to check whether file has changed in between
	info2, err := os.Stat(f.path)
	if err != nil {
		f.log.Println(err)
		return
	}

	if !info2.ModTime().Equal(info.ModTime()) {
		// file has changed in the meantime
		return
	}

	f.mLck.Lock()
	f.m = newm
	f.mStamp = info.ModTime()
	f.mLck.Unlock()
}

func (f *File) Close() error {
	f.stopReloader <- struct{}{}
	<-f.stopReloader
	if f.watcher != nil {
		return f.watcher.Close()
	}
	return nil
}

func readFile(path string, out map[string]string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scnr := bufio.NewScanner(f)
	lineCounter := 0

	parseErr := func(text string) error {
		return fmt.Errorf("%s:%d: %s", path, lineCounter, text)
	}

	for scnr.Scan() {
		lineCounter++
		if strings.HasPrefix(scnr.Text(), "#") {
			continue
		}

		text := strings.TrimSpace(scnr.Text())
		if text == "" {
			continue
		}

		parts := strings.SplitN(text, ":", 2)
		if len(parts) == 1 {
			return parseErr("missing colon")
		}

		key := strings.TrimSpace(parts[0])
		if len(key) == 0 {
			return parseErr("empty address before colon")
		}
		val := strings.TrimSpace(parts[1])
		if val == "" {
			return parseErr("empty value")
		}
		if _, ok := out[key]; ok {
			return parseErr("duplicate key " + key)
		}
		out[key] = val
	}
	return scnr.Err()
}

func (f *File) Lookup(_ context.Context, key string) (string, bool, error) {
	// The existing map is never modified, instead it is replaced with a new
	// one if reload is performed.
	f.mLck.RLock()
	usedFile := f.m
	f.mLck.RUnlock()

	val, ok := usedFile[key]
	return val, ok, nil
}
