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

// Package limits restricts the number of concurrent command sessions
// globally and per source address.
//
// Low-level components are available in the limiters/ subpackage.
package limits

import (
	"errors"
	"net"
	"time"

	"github.com/foxcpp/spoolq/internal/limits/limiters"
)

var ErrLimited = errors.New("limits: too many sessions")

type Config struct {
	// MaxSessions caps concurrent sessions, 0 means unlimited.
	MaxSessions int
	// MaxSessionsPerIP caps concurrent sessions from one address, 0 means
	// unlimited.
	MaxSessionsPerIP int
	// SessionRate and SessionBurst limit how fast one address may open
	// sessions, SessionBurst = 0 disables the limit.
	SessionBurst int
	SessionRate  time.Duration
	// MaxTrackedIPs bounds the memory used for per-address state.
	MaxTrackedIPs int
}

type Group struct {
	global limiters.MultiLimit
	ip     *limiters.BucketSet // BucketSet of MultiLimit
}

func New(cfg Config) *Group {
	g := &Group{}
	if cfg.MaxSessions > 0 {
		g.global.Wrapped = append(g.global.Wrapped, limiters.NewSemaphore(cfg.MaxSessions))
	}

	var ipL []func() limiters.L
	if cfg.MaxSessionsPerIP > 0 {
		max := cfg.MaxSessionsPerIP
		ipL = append(ipL, func() limiters.L { return limiters.NewSemaphore(max) })
	}
	if cfg.SessionBurst > 0 {
		burst, interval := cfg.SessionBurst, cfg.SessionRate
		ipL = append(ipL, func() limiters.L { return limiters.NewRate(burst, interval) })
	}
	if len(ipL) != 0 {
		maxIPs := cfg.MaxTrackedIPs
		if maxIPs == 0 {
			maxIPs = 20010
		}
		reap := time.Minute
		if 2*cfg.SessionRate > reap {
			reap = 2 * cfg.SessionRate
		}
		g.ip = limiters.NewBucketSet(func() limiters.L {
			l := make([]limiters.L, 0, len(ipL))
			for _, ctor := range ipL {
				l = append(l, ctor())
			}
			return &limiters.MultiLimit{Wrapped: l}
		}, reap, maxIPs)
	}
	return g
}

// TakeSession acquires a session slot for the address without blocking.
func (g *Group) TakeSession(addr net.IP) error {
	if !g.global.TryTake() {
		return ErrLimited
	}
	if g.ip != nil {
		if !g.ip.TryTake(addr.String()) {
			g.global.Release()
			return ErrLimited
		}
	}
	return nil
}

func (g *Group) ReleaseSession(addr net.IP) {
	g.global.Release()
	if g.ip != nil {
		g.ip.Release(addr.String())
	}
}

func (g *Group) Close() {
	g.global.Close()
	if g.ip != nil {
		g.ip.Close()
	}
}
