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

// Package qctl implements the command endpoint of the queue: listeners
// accepting protocol sessions from submission clients, push agents and
// administrative tools.
package qctl

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/foxcpp/spoolq/framework/config"
	"github.com/foxcpp/spoolq/framework/log"
	"github.com/foxcpp/spoolq/internal/limits"
	"github.com/foxcpp/spoolq/internal/proxy_protocol"
	"github.com/foxcpp/spoolq/internal/qproto"
	"github.com/foxcpp/spoolq/internal/spool"
	"github.com/oklog/ulid/v2"
)

type Config struct {
	Hostname  string
	Endpoints []config.Endpoint
	// ProxyProtocol, if set, unwraps PROXY headers on all listeners.
	ProxyProtocol *proxy_protocol.ProxyProtocol
	Limits        limits.Config
	IOTimeout     time.Duration
}

type Endpoint struct {
	Log log.Logger

	cfg     Config
	spool   *spool.Spool
	backend qproto.Backend
	limits  *limits.Group

	ctx    context.Context
	cancel context.CancelFunc

	listeners   []net.Listener
	listenersWg sync.WaitGroup
	sessionsWg  sync.WaitGroup
	closeOnce   sync.Once
}

func New(cfg Config, sp *spool.Spool, b qproto.Backend, logger log.Logger) *Endpoint {
	e := &Endpoint{
		Log:     logger,
		cfg:     cfg,
		spool:   sp,
		backend: b,
		limits:  limits.New(cfg.Limits),
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e
}

// Listen opens all configured listeners and starts accepting sessions.
// On failure, listeners opened so far are closed.
func (e *Endpoint) Listen() error {
	for _, addr := range e.cfg.Endpoints {
		l, err := addr.Listen()
		if err != nil {
			e.closeListeners()
			return fmt.Errorf("qctl: %w", err)
		}
		e.Log.Printf("listening on %v", addr)
		e.serve(l)
	}
	return nil
}

// serve accepts sessions on l until the endpoint is closed.
func (e *Endpoint) serve(l net.Listener) {
	if e.cfg.ProxyProtocol != nil {
		l = proxy_protocol.NewListener(l, e.cfg.ProxyProtocol, e.Log)
	}
	e.listeners = append(e.listeners, l)

	e.listenersWg.Add(1)
	go func() {
		defer e.listenersWg.Done()
		for {
			conn, err := l.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					time.Sleep(100 * time.Millisecond)
					continue
				}
				e.Log.Error("accept failed", err, "addr", l.Addr())
				return
			}

			e.sessionsWg.Add(1)
			go func() {
				defer e.sessionsWg.Done()
				e.handle(conn)
			}()
		}
	}()
}

// Addrs returns the addresses of the open listeners.
func (e *Endpoint) Addrs() []net.Addr {
	addrs := make([]net.Addr, 0, len(e.listeners))
	for _, l := range e.listeners {
		addrs = append(addrs, l.Addr())
	}
	return addrs
}

func remoteIP(conn net.Conn) net.IP {
	if tcp, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return tcp.IP
	}
	return net.IPv4(127, 0, 0, 1)
}

func (e *Endpoint) handle(conn net.Conn) {
	defer conn.Close()

	ip := remoteIP(conn)
	if err := e.limits.TakeSession(ip); err != nil {
		e.Log.Msg("session refused", "src_ip", ip, "reason", err)
		return
	}
	defer e.limits.ReleaseSession(ip)

	sessLog := e.Log.With("session", ulid.Make().String(), "src_ip", ip)
	sessLog.DebugMsg("session started")

	sess := qproto.NewSession(conn, e.spool, e.backend, sessLog)
	sess.Hostname = e.cfg.Hostname
	sess.IOTimeout = e.cfg.IOTimeout
	defer sess.Close()

	if err := sess.Greet(); err != nil {
		sessLog.Error("greeting failed", err)
		return
	}
	if err := sess.Serve(e.ctx); err != nil && !errors.Is(err, context.Canceled) {
		sessLog.Error("session failed", err)
		return
	}
	sessLog.DebugMsg("session ended")
}

func (e *Endpoint) closeListeners() {
	for _, l := range e.listeners {
		l.Close()
	}
	e.listenersWg.Wait()
}

// Close stops accepting sessions, interrupts running ones and waits for
// them to finish.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		e.closeListeners()
		e.cancel()
		e.sessionsWg.Wait()
		e.limits.Close()
	})
	return nil
}
