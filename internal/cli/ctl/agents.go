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
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	spoolqcli "github.com/foxcpp/spoolq/internal/cli"
	"github.com/foxcpp/spoolq/internal/pushagent"
	"github.com/urfave/cli/v2"
)

func init() {
	spoolqcli.AddSubcommand(
		&cli.Command{
			Name:   "agents",
			Usage:  "List push agents from the persisted agent table",
			Action: listAgents,
			Flags: []cli.Flag{
				&cli.PathFlag{
					Name:  "file",
					Usage: "Agent table to read instead of the configured one",
				},
			},
		})
}

func listAgents(ctx *cli.Context) error {
	path := ctx.Path("file")
	if path == "" {
		cfg, err := loadConfig(ctx)
		if err != nil {
			return err
		}
		path = cfg.Agents.Path
	}

	agents, err := pushagent.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if len(agents) == 0 {
		fmt.Fprintln(os.Stderr, "No push agents registered")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tSTAGE\tERRORS\tIDENTIFIER")
	for _, a := range agents {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", a.HostPort(), a.Stage, a.Errors, a.Identifier)
	}
	return w.Flush()
}
