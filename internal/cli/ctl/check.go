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
	"fmt"
	"os"
	"path/filepath"

	"github.com/foxcpp/spoolq/framework/log"
	spoolqcli "github.com/foxcpp/spoolq/internal/cli"
	"github.com/foxcpp/spoolq/internal/spool"
	"github.com/urfave/cli/v2"
)

func init() {
	spoolqcli.AddSubcommand(
		&cli.Command{
			Name:  "check",
			Usage: "Verify spool integrity while the queue is stopped",
			Description: `Removes leftovers of interrupted processing from the spool.

The queue must not be running. With --thorough, orphaned control and data
files are removed as well, the same way the queue does on its own after an
unclean shutdown.
`,
			Action: checkSpool,
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:  "thorough",
					Usage: "Remove orphaned and empty files too",
				},
				&cli.BoolFlag{
					Name:    "list",
					Aliases: []string{"l"},
					Usage:   "List entries left after the sweep",
				},
			},
		})
}

func checkSpool(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	if _, err := os.Stat(filepath.Join(cfg.Spool.StateDir, "running")); err == nil {
		fmt.Fprintln(os.Stderr, "Warning: the queue seems to be running or was not shut down cleanly")
	}

	sp, err := spool.New(cfg.Spool.Path, log.DefaultLogger.Sublogger("spool"))
	if err != nil {
		return err
	}
	res, err := sp.Check(ctx.Bool("thorough"))
	if err != nil {
		return err
	}
	for _, name := range res.Removed {
		fmt.Println("removed", name)
	}
	fmt.Printf("%d entries, %d files removed\n", res.Entries, len(res.Removed))

	if !ctx.Bool("list") {
		return nil
	}
	tokens, err := sp.ListControl()
	if err != nil {
		return err
	}
	for _, t := range tokens {
		recs, err := sp.ReadControl(t)
		if err != nil {
			fmt.Printf("%s\t%v\n", t.Ref(), err)
			continue
		}
		sender := "-"
		if from, ok := spool.Find(recs, spool.KindFrom); ok {
			sender = from.Sender
		}
		rcpts := 0
		for _, r := range recs {
			if r.Kind.IsRecipient() {
				rcpts++
			}
		}
		fmt.Printf("%s\t%s\t%s\t%d\n", t.Ref(), t.Stage, sender, rcpts)
	}
	return nil
}
