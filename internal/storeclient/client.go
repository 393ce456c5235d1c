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

// Package storeclient implements delivery of queued messages into
// mailbox stores.
//
// A Pass groups the deliveries of one message so every store is
// contacted over a single connection. Stores are spoken to with the NMAP
// line protocol or, when a blob.Store is configured, the message is
// written directly into object storage.
package storeclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/foxcpp/spoolq/framework/exterrors"
	"github.com/foxcpp/spoolq/framework/log"
	"github.com/foxcpp/spoolq/internal/directory"
	"github.com/foxcpp/spoolq/internal/spool"
	"github.com/foxcpp/spoolq/internal/storage/blob"
)

type DocType int

const (
	DocMail     DocType = 1
	DocCalendar DocType = 2
)

// Message describes the queued message being delivered.
type Message struct {
	ID       spool.ID
	From     string
	AuthFrom string
	// Path of the data file, sent to stores sharing the spool file system.
	Path string
	Size int64
}

type Config struct {
	// User and Password authenticate to stores, if set.
	User     string
	Password string

	// LocalAddress is the store used for directory entries marked local.
	LocalAddress string
	// SharedSpool is set if the local store can read spool files directly.
	SharedSpool bool

	DialTimeout time.Duration
	IOTimeout   time.Duration

	// Blob switches the client to object storage mode.
	Blob blob.Store
}

type Client struct {
	cfg Config
	log log.Logger
}

func New(cfg Config, logger log.Logger) *Client {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	if cfg.IOTimeout == 0 {
		cfg.IOTimeout = 5 * time.Minute
	}
	return &Client{cfg: cfg, log: logger}
}

// NewPass starts a delivery pass for msg. Close must be called once all
// recipients are handled.
func (c *Client) NewPass(msg Message) *Pass {
	return &Pass{
		c:     c,
		msg:   msg,
		conns: make(map[connKey]*storeConn),
	}
}

type connKey struct {
	host string
	typ  DocType
}

type Pass struct {
	c     *Client
	msg   Message
	conns map[connKey]*storeConn
}

// Deliver stores the message for one recipient. The mailbox owner is
// loc.User, or recipient if the directory did not name one.
//
// The returned error, if any, carries details for logging. The status
// is always meaningful.
func (p *Pass) Deliver(ctx context.Context, loc directory.Location, typ DocType, recipient, mailbox string, flags int) (spool.Status, error) {
	user := loc.User
	if user == "" {
		user = recipient
	}

	if p.c.cfg.Blob != nil {
		err := p.deliverBlob(ctx, user, mailbox)
		return StatusFor(err), err
	}

	host := loc.Host
	if loc.Local {
		host = p.c.cfg.LocalAddress
	}
	if host == "" {
		return spool.StatusInternalError, errors.New("storeclient: no store address")
	}

	sc, err := p.conn(ctx, host, loc.Local && p.c.cfg.SharedSpool, typ)
	if err != nil {
		return StatusFor(err), err
	}
	err = sc.deliverTo(user, mailbox, flags)
	return StatusFor(err), err
}

func (p *Pass) conn(ctx context.Context, host string, sharedFS bool, typ DocType) (*storeConn, error) {
	key := connKey{host: host, typ: typ}
	if sc, ok := p.conns[key]; ok {
		if sc.err != nil {
			return nil, sc.err
		}
		return sc, nil
	}

	sc := &storeConn{host: host, ioTimeout: p.c.cfg.IOTimeout, log: p.c.log}
	p.conns[key] = sc

	dialer := net.Dialer{Timeout: p.c.cfg.DialTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", host)
	if err != nil {
		sc.err = exterrors.WithTemporary(fmt.Errorf("storeclient: connect %s: %w", host, err), true)
		return nil, sc.err
	}
	if err := sc.start(netConn, p.c.cfg, p.msg, sharedFS, typ); err != nil {
		sc.fail(err)
		return nil, sc.err
	}
	return sc, nil
}

// Close ends the sessions with all stores contacted during the pass.
func (p *Pass) Close() {
	for _, sc := range p.conns {
		sc.close()
	}
	p.conns = nil
}

// StatusFor maps a delivery error to the status recorded in the control
// file.
func StatusFor(err error) spool.Status {
	if err == nil {
		return spool.StatusSuccess
	}
	if code, ok := exterrors.Code(err); ok {
		return statusForCode(code)
	}
	if exterrors.IsTemporaryOrUnspec(err) {
		return spool.StatusTryLater
	}
	return spool.StatusInternalError
}

func statusForCode(code int) spool.Status {
	switch {
	case code == codeOK:
		return spool.StatusSuccess
	case code == codeNoUser:
		return spool.StatusUserUnknown
	case code == codeQuota:
		return spool.StatusQuotaExceeded
	case code >= 4000 && code < 5000:
		return spool.StatusTryLater
	}
	// Other store codes are recorded as is. They are not permanent, so
	// the recipient is retried.
	return spool.Status(code)
}
