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
	"bytes"
	"fmt"
	"os"

	spoolqcli "github.com/foxcpp/spoolq/internal/cli"
	"github.com/foxcpp/spoolq/internal/dsn"
	"github.com/foxcpp/spoolq/internal/spool"
	"github.com/urfave/cli/v2"
)

func init() {
	spoolqcli.AddSubcommand(
		&cli.Command{
			Name:      "dsn-preview",
			Usage:     "Print the notification the queue would send for an entry",
			ArgsUsage: "CONTROL-FILE DATA-FILE",
			Description: `Composes a delivery status notification from the bounce records of
CONTROL-FILE and the message in DATA-FILE using the configured hostname
and bounce settings. The control records of the notification entry are
printed first, followed by an empty line and the message.
`,
			Action: previewDSN,
		})
}

func previewDSN(ctx *cli.Context) error {
	if ctx.NArg() != 2 {
		return cli.Exit("Error: CONTROL-FILE and DATA-FILE are required", 2)
	}
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	controlF, err := os.Open(ctx.Args().Get(0))
	if err != nil {
		return err
	}
	defer controlF.Close()
	recs, err := spool.ReadRecords(controlF)
	if err != nil {
		return err
	}

	dataF, err := os.Open(ctx.Args().Get(1))
	if err != nil {
		return err
	}
	defer dataF.Close()

	c := &dsn.Composer{
		Hostname:       cfg.Hostname,
		Postmaster:     cfg.Postmaster,
		MaxLinger:      cfg.Spool.MaxLinger.D(),
		MaxBodySize:    int64(cfg.Bounce.MaxBodySize),
		QuotaMessage:   cfg.Bounce.QuotaMessage,
		ReturnToSender: cfg.Bounce.ReturnToSender,
		CCPostmaster:   cfg.Bounce.CCPostmaster,
	}
	var outData, outControl bytes.Buffer
	res, err := c.Compose(dataF, recs, &outData, &outControl, true)
	if err != nil {
		return err
	}
	if res != dsn.Sent {
		return cli.Exit(fmt.Sprintf("No notification: %v", res), 1)
	}

	os.Stdout.Write(outControl.Bytes())
	fmt.Println()
	os.Stdout.Write(outData.Bytes())
	return nil
}
