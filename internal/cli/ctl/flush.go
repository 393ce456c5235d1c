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

package ctl

import (
	spoolqcli "github.com/foxcpp/spoolq/internal/cli"
	"github.com/foxcpp/spoolq/internal/qproto"
	"github.com/urfave/cli/v2"
)

func init() {
	spoolqcli.AddSubcommand(
		&cli.Command{
			Name:   "flush",
			Usage:  "Ask the running queue to retry all entries now",
			Action: flushQueue,
			Flags:  []cli.Flag{addrFlag},
		})
}

func flushQueue(ctx *cli.Context) error {
	c, err := dialQueue(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	_, err = c.Expect(qproto.CodeOK, "QFLUSH")
	return err
}
