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
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/emersion/go-message/textproto"
	spoolqcli "github.com/foxcpp/spoolq/internal/cli"
	"github.com/foxcpp/spoolq/internal/spool"
	"github.com/urfave/cli/v2"
)

func init() {
	spoolqcli.AddSubcommand(
		&cli.Command{
			Name:      "enqueue",
			Usage:     "Submit a message to the running queue",
			ArgsUsage: "[MESSAGE-FILE]",
			Description: `Reads the message from MESSAGE-FILE or standard input and creates a
queue entry for it over the command endpoint.
`,
			Action: enqueueMessage,
			Flags: []cli.Flag{
				addrFlag,
				&cli.StringFlag{
					Name:     "from",
					Aliases:  []string{"f"},
					Usage:    "Envelope sender, - for the null sender",
					Required: true,
				},
				&cli.StringSliceFlag{
					Name:     "to",
					Aliases:  []string{"t"},
					Usage:    "Envelope recipient, can be repeated",
					Required: true,
				},
				&cli.IntFlag{
					Name:  "stage",
					Usage: "Stage to create the entry at",
					Value: int(spool.StageIncoming),
				},
				&cli.IntFlag{
					Name:  "notify",
					Usage: "DSN flags of the recipients",
					Value: spool.DSNDefault,
				},
			},
		})
}

func readMessage(ctx *cli.Context) ([]byte, error) {
	if ctx.NArg() > 1 {
		return nil, cli.Exit("Error: too many arguments", 2)
	}
	if path := ctx.Args().First(); path != "" && path != "-" {
		return os.ReadFile(path)
	}
	return io.ReadAll(os.Stdin)
}

func enqueueMessage(ctx *cli.Context) error {
	stage := spool.Stage(ctx.Int("stage"))
	if !stage.Valid() {
		return cli.Exit(fmt.Sprintf("Error: invalid stage: %d", ctx.Int("stage")), 2)
	}

	msg, err := readMessage(ctx)
	if err != nil {
		return err
	}
	if len(msg) == 0 {
		return cli.Exit("Error: empty message", 2)
	}

	var msgID string
	hdr, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(msg)))
	if err == nil {
		msgID = hdr.Get("Message-Id")
	}

	recs := []spool.Record{
		spool.NewDate(time.Now()),
		spool.NewFrom(ctx.String("from"), "", msgID),
	}
	for _, rcpt := range ctx.StringSlice("to") {
		recs = append(recs, spool.NewRemote(rcpt, rcpt, ctx.Int("notify")))
	}

	c, err := dialQueue(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	t, err := c.Submit(stage, recs, msg)
	if err != nil {
		return err
	}
	fmt.Println(t.Ref())
	return nil
}
