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
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// SQL is a Table backed by a prepared lookup query. The query takes the
// key as its only argument and returns one column.
type SQL struct {
	db     *sql.DB
	lookup *sql.Stmt
}

// SQLConfig describes the database holding the directory.
//
// Supported drivers are "postgres", "mysql", "sqlite" and, in cgo-enabled
// builds, "sqlite3".
type SQLConfig struct {
	Driver string
	DSN    string
	// Init queries are executed once after opening the database.
	Init   []string
	Lookup string

	// Table, KeyColumn and ValueColumn generate Init and Lookup when
	// Lookup is empty.
	Table       string
	KeyColumn   string
	ValueColumn string
}

func (cfg SQLConfig) queries() (init []string, lookup string) {
	if cfg.Lookup != "" {
		return cfg.Init, cfg.Lookup
	}

	keyCol, valCol := cfg.KeyColumn, cfg.ValueColumn
	if keyCol == "" {
		keyCol = "key"
	}
	if valCol == "" {
		valCol = "value"
	}
	placeholder := "$1"
	if cfg.Driver == "mysql" || strings.HasPrefix(cfg.Driver, "sqlite") {
		placeholder = "?"
	}

	init = append(init, cfg.Init...)
	init = append(init, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		%s TEXT PRIMARY KEY NOT NULL,
		%s TEXT NOT NULL
	)`, cfg.Table, keyCol, valCol))
	return init, fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s", valCol, cfg.Table, keyCol, placeholder)
}

func NewSQL(cfg SQLConfig) (*SQL, error) {
	if cfg.Lookup == "" && cfg.Table == "" {
		return nil, fmt.Errorf("directory: either lookup query or table name is required")
	}
	initQueries, lookupQuery := cfg.queries()

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("directory: failed to open db: %w", err)
	}

	for _, init := range initQueries {
		if _, err := db.Exec(init); err != nil {
			db.Close()
			return nil, fmt.Errorf("directory: init query failed: %w", err)
		}
	}

	lookup, err := db.Prepare(lookupQuery)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("directory: failed to prepare lookup query: %w", err)
	}

	return &SQL{db: db, lookup: lookup}, nil
}

func (s *SQL) Close() error {
	s.lookup.Close()
	return s.db.Close()
}

func (s *SQL) Lookup(ctx context.Context, key string) (string, bool, error) {
	var repl string
	row := s.lookup.QueryRowContext(ctx, key)
	if err := row.Scan(&repl); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, err
	}
	return repl, true, nil
}
