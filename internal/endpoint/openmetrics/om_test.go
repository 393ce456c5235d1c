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

package openmetrics

import (
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/foxcpp/spoolq/framework/config"
	"github.com/foxcpp/spoolq/internal/testutils"
	"github.com/prometheus/client_golang/prometheus"
)

func TestEndpoint(t *testing.T) {
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "spoolq",
		Subsystem: "test",
		Name:      "hits_total",
	})
	prometheus.MustRegister(c)
	defer prometheus.Unregister(c)
	c.Add(3)

	endp, err := config.ParseEndpoint("tcp://127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	e := New([]config.Endpoint{endp}, testutils.QuietLogger(t, modName))
	if err := e.Listen(); err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	resp, err := http.Get("http://" + e.Addrs()[0].String() + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), "spoolq_test_hits_total 3") {
		t.Error("Registered metric is missing from the output")
	}
}
