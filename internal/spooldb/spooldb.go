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

// Package spooldb maintains an index of queue entries by recipient
// domain.
//
// The index is advisory. Entries are added when a message waits for
// remote delivery and removed when the entry leaves the spool, so it can
// be used to find mail held for a domain without scanning control files.
package spooldb

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/foxcpp/spoolq/framework/dns"
	"github.com/foxcpp/spoolq/framework/log"
	"github.com/foxcpp/spoolq/internal/spool"
	"go.etcd.io/bbolt"
)

var (
	bucketDomains = []byte("domains")
	bucketIDs     = []byte("ids")
)

type DB struct {
	db  *bbolt.DB
	log log.Logger
}

func Open(path string, logger log.Logger) (*DB, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("spooldb: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketDomains); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketIDs)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("spooldb: %w", err)
	}
	return &DB{db: db, log: logger}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func idKey(id spool.ID) []byte {
	return []byte(fmt.Sprintf("%07x", uint32(id)))
}

func normDomain(domain string) (string, error) {
	if domain == "" {
		return "", errors.New("spooldb: empty domain")
	}
	return dns.ForLookup(domain)
}

// Add records that the entry t holds mail for domain.
func (d *DB) Add(domain string, t spool.Token) error {
	domain, err := normDomain(domain)
	if err != nil {
		return err
	}

	return d.db.Update(func(tx *bbolt.Tx) error {
		db, err := tx.Bucket(bucketDomains).CreateBucketIfNotExists([]byte(domain))
		if err != nil {
			return err
		}
		if err := db.Put(idKey(t.ID), []byte(t.String())); err != nil {
			return err
		}

		ib, err := tx.Bucket(bucketIDs).CreateBucketIfNotExists(idKey(t.ID))
		if err != nil {
			return err
		}
		return ib.Put([]byte(domain), nil)
	})
}

// RemoveID drops the entry from the index.
func (d *DB) RemoveID(id spool.ID) error {
	key := idKey(id)
	return d.db.Update(func(tx *bbolt.Tx) error {
		ids := tx.Bucket(bucketIDs)
		ib := ids.Bucket(key)
		if ib == nil {
			return nil
		}

		domains := tx.Bucket(bucketDomains)
		var emptied [][]byte
		err := ib.ForEach(func(domain, _ []byte) error {
			db := domains.Bucket(domain)
			if db == nil {
				return nil
			}
			if err := db.Delete(key); err != nil {
				return err
			}
			if k, _ := db.Cursor().First(); k == nil {
				emptied = append(emptied, append([]byte(nil), domain...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, domain := range emptied {
			if err := domains.DeleteBucket(domain); err != nil {
				return err
			}
		}
		return ids.DeleteBucket(key)
	})
}

// SearchDomain returns entries recorded for domain ordered by ID. The
// stage is the one at the time the entry was added.
func (d *DB) SearchDomain(domain string) ([]spool.Token, error) {
	domain, err := normDomain(domain)
	if err != nil {
		return nil, err
	}

	var res []spool.Token
	err = d.db.View(func(tx *bbolt.Tx) error {
		db := tx.Bucket(bucketDomains).Bucket([]byte(domain))
		if db == nil {
			return nil
		}
		return db.ForEach(func(_, v []byte) error {
			t, err := spool.ParseToken(string(v))
			if err != nil {
				d.log.Error("malformed index record", err, "domain", domain)
				return nil
			}
			res = append(res, t)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("spooldb: %w", err)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

// Domains returns the number of domains with indexed entries.
func (d *DB) Domains() (int, error) {
	n := 0
	err := d.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDomains).ForEach(func(_, v []byte) error {
			if v == nil {
				n++
			}
			return nil
		})
	})
	return n, err
}

// Prune removes index records of entries for which exists returns false.
func (d *DB) Prune(exists func(spool.ID) bool) (int, error) {
	var stale []spool.ID
	err := d.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketIDs).ForEach(func(k, _ []byte) error {
			id, err := strconv.ParseUint(string(k), 16, 32)
			if err != nil {
				return nil
			}
			if !exists(spool.ID(id)) {
				stale = append(stale, spool.ID(id))
			}
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("spooldb: %w", err)
	}
	for _, id := range stale {
		if err := d.RemoveID(id); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}
