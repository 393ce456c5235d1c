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

// Package openmetrics exposes the process metrics in the Prometheus text
// format on /metrics.
package openmetrics

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/foxcpp/spoolq/framework/config"
	"github.com/foxcpp/spoolq/framework/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const modName = "openmetrics"

type Endpoint struct {
	addrs  []config.Endpoint
	logger log.Logger

	listenersWg sync.WaitGroup
	listeners   []net.Listener
	serv        http.Server
	mux         *http.ServeMux
}

func New(addrs []config.Endpoint, logger log.Logger) *Endpoint {
	e := &Endpoint{
		addrs:  addrs,
		logger: logger,
		mux:    http.NewServeMux(),
	}
	e.mux.Handle("/metrics", promhttp.Handler())
	e.serv.Handler = e.mux
	e.serv.ReadHeaderTimeout = 30 * time.Second
	return e
}

// Listen opens the listeners and starts serving requests.
func (e *Endpoint) Listen() error {
	for _, endp := range e.addrs {
		endp := endp
		l, err := endp.Listen()
		if err != nil {
			return fmt.Errorf("%s: %v", modName, err)
		}
		e.listeners = append(e.listeners, l)

		e.listenersWg.Add(1)
		go func() {
			e.logger.Println("listening on", endp.String())
			err := e.serv.Serve(l)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				e.logger.Error("serve failed", err, "endpoint", endp)
			}
			e.listenersWg.Done()
		}()
	}

	return nil
}

// Addrs returns the addresses of the open listeners.
func (e *Endpoint) Addrs() []net.Addr {
	addrs := make([]net.Addr, 0, len(e.listeners))
	for _, l := range e.listeners {
		addrs = append(addrs, l.Addr())
	}
	return addrs
}

func (e *Endpoint) Close() error {
	if err := e.serv.Close(); err != nil {
		return err
	}
	e.listenersWg.Wait()
	return nil
}
