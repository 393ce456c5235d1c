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
	"fmt"
	"os"
	"strings"
)

// CheckResult summarizes an integrity sweep.
type CheckResult struct {
	// Entries is the number of control files left in the spool.
	Entries int
	// MaxID is the highest ID seen, valid if Entries != 0 or a data file
	// was seen.
	MaxID   ID
	Removed []string
}

// Check sweeps the spool for leftovers of interrupted processing. It must
// only be called while nothing else uses the spool.
//
// Work files, entries under construction and stale lock files are always
// removed. In thorough mode, used after an unclean shutdown, control files
// without data, data files without any control file, empty files and
// unrecognized files are removed too.
func (s *Spool) Check(thorough bool) (CheckResult, error) {
	var res CheckResult

	dir, err := os.Open(s.Dir)
	if err != nil {
		return res, fmt.Errorf("spool: %w", err)
	}
	names, err := dir.Readdirnames(-1)
	dir.Close()
	if err != nil {
		return res, fmt.Errorf("spool: %w", err)
	}

	gone := make(map[string]bool)
	remove := func(name string) {
		if gone[name] {
			return
		}
		gone[name] = true
		s.remove(s.path(name))
		res.Removed = append(res.Removed, name)
	}
	bump := func(id ID) {
		if id > res.MaxID {
			res.MaxID = id
		}
	}

	var (
		controls = make(map[ID][]Token)
		data     = make(map[ID]string)
	)

	for _, name := range names {
		if gone[name] {
			continue
		}
		if id, ok := ParseIncomingName(name); ok {
			remove(name)
			if _, err := os.Stat(s.DataPath(id)); err == nil {
				remove(DataName(id))
			}
			delete(data, id)
			continue
		}
		if strings.HasSuffix(name, ".LCK") || strings.HasPrefix(name, "w") {
			remove(name)
			continue
		}
		if t, ok := ParseControlName(name); ok {
			controls[t.ID] = append(controls[t.ID], t)
			continue
		}
		if id, ok := ParseDataName(name); ok {
			data[id] = name
			continue
		}
		if thorough {
			remove(name)
		} else {
			s.Log.Msg("unknown file in spool", "name", name)
		}
	}

	if thorough {
		for id, name := range data {
			if _, ok := controls[id]; ok {
				if !s.nonEmpty(name) {
					remove(name)
					delete(data, id)
				}
				continue
			}
			remove(name)
			delete(data, id)
		}
		for id, tokens := range controls {
			if _, ok := data[id]; !ok {
				for _, t := range tokens {
					remove(ControlName(t))
				}
				delete(controls, id)
				continue
			}
			kept := tokens[:0]
			for _, t := range tokens {
				if s.nonEmpty(ControlName(t)) {
					kept = append(kept, t)
				} else {
					remove(ControlName(t))
				}
			}
			if len(kept) == 0 {
				remove(data[id])
				delete(controls, id)
				continue
			}
			controls[id] = kept
		}
	}

	for id, tokens := range controls {
		res.Entries += len(tokens)
		bump(id)
	}
	for id := range data {
		bump(id)
	}

	return res, nil
}

func (s *Spool) nonEmpty(name string) bool {
	info, err := os.Stat(s.path(name))
	return err == nil && info.Size() != 0
}
