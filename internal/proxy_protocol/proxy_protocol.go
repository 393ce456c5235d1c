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

// Package proxy_protocol unwraps PROXY protocol headers sent by load
// balancers in front of the command endpoint.
package proxy_protocol

import (
	"net"
	"strings"

	"github.com/c0va23/go-proxyprotocol"
	"github.com/foxcpp/spoolq/framework/log"
)

type ProxyProtocol struct {
	trust []net.IPNet
}

// New parses the list of trusted sources. Entries are CIDR prefixes or
// single addresses. An empty list trusts everybody.
func New(trust []string) (*ProxyProtocol, error) {
	p := &ProxyProtocol{}
	for _, t := range trust {
		if !strings.Contains(t, "/") {
			if strings.Contains(t, ":") {
				t += "/128"
			} else {
				t += "/32"
			}
		}
		_, ipNet, err := net.ParseCIDR(t)
		if err != nil {
			return nil, err
		}
		p.trust = append(p.trust, *ipNet)
	}
	return p, nil
}

// Trusted reports whether headers sent from addr are honored.
func (p *ProxyProtocol) Trusted(addr net.Addr) bool {
	switch addr := addr.(type) {
	case *net.TCPAddr:
		if len(p.trust) == 0 {
			return true
		}
		for _, trusted := range p.trust {
			if trusted.Contains(addr.IP) {
				return true
			}
		}
	case *net.UnixAddr:
		// UNIX local socket connection, always trusted
		return true
	}
	return false
}

func NewListener(inner net.Listener, p *ProxyProtocol, logger log.Logger) net.Listener {
	sourceChecker := func(upstream net.Addr) (bool, error) {
		if p.Trusted(upstream) {
			return true, nil
		}
		logger.Printf("proxy_protocol: connection from untrusted source %s", upstream)
		return false, nil
	}

	return proxyprotocol.NewDefaultListener(inner).
		WithLogger(proxyprotocol.LoggerFunc(func(format string, v ...interface{}) {
			logger.Debugf("proxy_protocol: "+format, v...)
		})).
		WithSourceChecker(sourceChecker)
}
