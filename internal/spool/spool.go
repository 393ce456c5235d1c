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

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/foxcpp/spoolq/framework/exterrors"
	"github.com/foxcpp/spoolq/framework/log"
)

// Spool is a handle for the spool directory. It carries no per-entry
// state. Callers serialize access to an entry using the lock table.
type Spool struct {
	Dir string
	Log log.Logger
}

func New(dir string, logger log.Logger) (*Spool, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("spool: %w", err)
	}
	return &Spool{Dir: dir, Log: logger}, nil
}

func (s *Spool) path(name string) string {
	return filepath.Join(s.Dir, name)
}

func (s *Spool) ControlPath(t Token) string { return s.path(ControlName(t)) }
func (s *Spool) WorkPath(t Token) string    { return s.path(WorkName(t)) }
func (s *Spool) DataPath(id ID) string      { return s.path(DataName(id)) }
func (s *Spool) IncomingPath(id ID) string  { return s.path(IncomingName(id)) }

func wrapPath(err error, op, path string) error {
	return exterrors.WithFields(fmt.Errorf("spool: %s: %w", op, err), map[string]interface{}{
		"path": path,
	})
}

func (s *Spool) OpenControl(t Token) (*os.File, error) {
	f, err := os.Open(s.ControlPath(t))
	if err != nil {
		return nil, wrapPath(err, "open control", s.ControlPath(t))
	}
	return f, nil
}

func (s *Spool) OpenData(id ID) (*os.File, error) {
	f, err := os.Open(s.DataPath(id))
	if err != nil {
		return nil, wrapPath(err, "open data", s.DataPath(id))
	}
	return f, nil
}

// OpenWork opens the work file for appending, creating it if needed.
// Push agents may append to the work file over several commands.
func (s *Spool) OpenWork(t Token) (*os.File, error) {
	f, err := os.OpenFile(s.WorkPath(t), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return nil, wrapPath(err, "open work", s.WorkPath(t))
	}
	return f, nil
}

func (s *Spool) ControlExists(t Token) bool {
	_, err := os.Stat(s.ControlPath(t))
	return err == nil
}

func (s *Spool) DataExists(id ID) bool {
	_, err := os.Stat(s.DataPath(id))
	return err == nil
}

func (s *Spool) WorkExists(t Token) bool {
	_, err := os.Stat(s.WorkPath(t))
	return err == nil
}

func (s *Spool) DataSize(id ID) (int64, error) {
	info, err := os.Stat(s.DataPath(id))
	if err != nil {
		return 0, wrapPath(err, "stat data", s.DataPath(id))
	}
	return info.Size(), nil
}

// ReadControl parses the control file of t.
func (s *Spool) ReadControl(t Token) ([]Record, error) {
	f, err := s.OpenControl(t)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	recs, err := ReadRecords(f)
	if err != nil {
		return nil, wrapPath(err, "read control", s.ControlPath(t))
	}
	return recs, nil
}

// ReadControlRaw returns the control file of t as stored.
func (s *Spool) ReadControlRaw(t Token) ([]byte, error) {
	b, err := os.ReadFile(s.ControlPath(t))
	if err != nil {
		return nil, wrapPath(err, "read control", s.ControlPath(t))
	}
	return b, nil
}

// SubmissionDate returns the date recorded in the control file or the
// zero time if there is none.
func SubmissionDate(recs []Record) time.Time {
	if d, ok := Find(recs, KindDate); ok {
		return d.Date
	}
	return time.Time{}
}

// WriteWork replaces the work file of t with recs. The file is synced
// before returning. On failure the work file is removed.
func (s *Spool) WriteWork(t Token, recs []Record) error {
	path := s.WorkPath(t)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return wrapPath(err, "create work", path)
	}

	if err := WriteRecords(f, recs); err != nil {
		f.Close()
		s.RemoveWork(t)
		return wrapPath(err, "write work", path)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		s.RemoveWork(t)
		return wrapPath(err, "sync work", path)
	}
	if err := f.Close(); err != nil {
		s.RemoveWork(t)
		return wrapPath(err, "close work", path)
	}
	return nil
}

// CommitStageTransition makes the work file of t the control file of t.
//
// Preconditions: the caller holds the entry lock and the work file is
// complete. Postconditions: on success the work file no longer exists and
// the control file has its content. On failure the work file is removed
// and the previous control file, if it could not be removed, is left as
// it was.
func (s *Spool) CommitStageTransition(t Token) error {
	ctl, work := s.ControlPath(t), s.WorkPath(t)
	if err := os.Remove(ctl); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.RemoveWork(t)
		return wrapPath(err, "remove control", ctl)
	}
	if err := os.Rename(work, ctl); err != nil {
		s.RemoveWork(t)
		return wrapPath(err, "promote work", work)
	}
	return nil
}

// Rewrite writes recs into the work file of t and commits it.
func (s *Spool) Rewrite(t Token, recs []Record) error {
	if err := s.WriteWork(t, recs); err != nil {
		return err
	}
	return s.CommitStageTransition(t)
}

// Advance moves the control file of id from one stage to another
// without changing its content.
func (s *Spool) Advance(id ID, from, to Stage) error {
	src := s.ControlPath(Token{Stage: from, ID: id})
	dst := s.ControlPath(Token{Stage: to, ID: id})
	if err := os.Rename(src, dst); err != nil {
		return wrapPath(err, "advance", src)
	}
	return nil
}

// RemoveWork removes a leftover work file. Absence is not an error.
func (s *Spool) RemoveWork(t Token) {
	s.remove(s.WorkPath(t))
}

// ErrNoEntry is returned by Discard if the entry has no control file at
// the given stage.
var ErrNoEntry = errors.New("spool: no such entry")

// Discard removes all files of the entry at stage t.Stage. The data file
// is removed only after the control file is gone and no other stage holds
// a control file for t.ID.
func (s *Spool) Discard(t Token) error {
	path := s.ControlPath(t)
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNoEntry
		}
		return wrapPath(err, "remove control", path)
	}
	s.remove(s.WorkPath(t))

	if other, ok := s.FindEntry(t.ID); ok {
		s.Log.Msg("data file kept, entry is present at another stage", "entry", t, "other", other)
		return nil
	}
	s.remove(s.DataPath(t.ID))
	return nil
}

func (s *Spool) remove(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.Log.Error("failed to remove spool file", err, "path", path)
	}
}

// CreateEntry allocates the files of a new entry at stage t.Stage. The
// control file is written from recs, the data file is filled by writeData.
// On failure both files are removed.
func (s *Spool) CreateEntry(t Token, recs []Record, writeData func(io.Writer) error) error {
	dataPath := s.DataPath(t.ID)
	data, err := os.OpenFile(dataPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return wrapPath(err, "create data", dataPath)
	}
	if err := writeData(data); err != nil {
		data.Close()
		s.remove(dataPath)
		return fmt.Errorf("spool: write data: %w", err)
	}
	if err := data.Sync(); err != nil {
		data.Close()
		s.remove(dataPath)
		return wrapPath(err, "sync data", dataPath)
	}
	if err := data.Close(); err != nil {
		s.remove(dataPath)
		return wrapPath(err, "close data", dataPath)
	}

	if err := s.Rewrite(t, recs); err != nil {
		s.remove(dataPath)
		return err
	}
	return nil
}

// ListControl returns tokens of all control files in the spool.
func (s *Spool) ListControl() ([]Token, error) {
	dir, err := os.Open(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("spool: %w", err)
	}
	defer dir.Close()

	names, err := dir.Readdirnames(-1)
	if err != nil {
		return nil, fmt.Errorf("spool: %w", err)
	}
	tokens := make([]Token, 0, len(names)/2)
	for _, name := range names {
		if t, ok := ParseControlName(name); ok {
			tokens = append(tokens, t)
		}
	}
	return tokens, nil
}

// FindEntry returns the token of the control file for id, at whatever
// stage it currently is.
func (s *Spool) FindEntry(id ID) (Token, bool) {
	for st := Stage(0); st < NumStages; st++ {
		t := Token{Stage: st, ID: id}
		if s.ControlExists(t) {
			return t, true
		}
	}
	return Token{}, false
}
