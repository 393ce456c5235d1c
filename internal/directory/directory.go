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

// Package directory resolves recipient addresses to the store holding
// their mailboxes.
//
// Directory contents come from a key-value Table. Keys are normalized
// addresses or "@domain" for domain-wide entries. Values are one of:
//
//	local                store on this host
//	host:port            store on another host
//	host:port/user       store on another host, mailbox owned by user
package directory

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/foxcpp/spoolq/framework/address"
)

var ErrUnknown = errors.New("directory: unknown recipient")

// Location describes where mailboxes of a recipient are stored.
type Location struct {
	// Local is set if the store runs on this host. Host is empty then.
	Local bool
	Host  string
	// User is the mailbox owner name to use at the store.
	User string
}

// Resolver is implemented by recipient directories.
//
// Lookup returns ErrUnknown if address does not belong to any store.
type Resolver interface {
	Lookup(ctx context.Context, address string) (Location, error)
}

// Table is a read-only string mapping.
type Table interface {
	Lookup(ctx context.Context, key string) (string, bool, error)
}

// ParseLocation parses a directory value.
func ParseLocation(value, user string) (Location, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return Location{}, errors.New("directory: empty value")
	}
	if strings.EqualFold(value, "local") {
		return Location{Local: true, User: user}, nil
	}

	host := value
	if i := strings.IndexByte(value, '/'); i != -1 {
		host = value[:i]
		user = value[i+1:]
		if user == "" {
			return Location{}, fmt.Errorf("directory: empty user in %q", value)
		}
	}
	if _, _, err := net.SplitHostPort(host); err != nil {
		return Location{}, fmt.Errorf("directory: malformed store address %q: %w", host, err)
	}
	return Location{Host: host, User: user}, nil
}

// TableResolver implements Resolver on top of a Table.
type TableResolver struct {
	Table Table
}

func (r TableResolver) Lookup(ctx context.Context, addr string) (Location, error) {
	key, err := address.ForLookup(addr)
	if err != nil {
		return Location{}, ErrUnknown
	}
	mbox, domain, err := address.Split(key)
	if err != nil {
		return Location{}, ErrUnknown
	}

	val, ok, err := r.Table.Lookup(ctx, key)
	if err != nil {
		return Location{}, fmt.Errorf("directory: lookup %s: %w", key, err)
	}
	if !ok && domain != "" {
		val, ok, err = r.Table.Lookup(ctx, "@"+domain)
		if err != nil {
			return Location{}, fmt.Errorf("directory: lookup @%s: %w", domain, err)
		}
	}
	if !ok {
		return Location{}, ErrUnknown
	}

	return ParseLocation(val, mbox)
}
