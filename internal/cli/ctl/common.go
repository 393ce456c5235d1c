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

// Package ctl registers the subcommands that inspect a spool or talk to a
// running queue over its command endpoint.
package ctl

import (
	"context"
	"fmt"
	"time"

	fwconfig "github.com/foxcpp/spoolq/framework/config"
	"github.com/foxcpp/spoolq/internal/config"
	"github.com/foxcpp/spoolq/internal/qproto"
	"github.com/urfave/cli/v2"
)

func loadConfig(ctx *cli.Context) (config.Config, error) {
	cfg, err := config.Load(ctx.Path("config"))
	if err != nil {
		return config.Config{}, cli.Exit(fmt.Sprintf("Error: %v", err), 2)
	}
	return cfg, nil
}

var addrFlag = &cli.StringFlag{
	Name:  "addr",
	Usage: "Command endpoint to connect to instead of the first configured one",
}

// dialQueue connects to the command endpoint of the running queue.
func dialQueue(ctx *cli.Context) (*qproto.Client, error) {
	addr := ctx.String("addr")
	if addr == "" {
		cfg, err := loadConfig(ctx)
		if err != nil {
			return nil, err
		}
		if len(cfg.Listen.Ctl) == 0 {
			return nil, cli.Exit("Error: no command endpoint configured", 2)
		}
		addr = cfg.Listen.Ctl[0]
	}
	ep, err := fwconfig.ParseEndpoint(addr)
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("Error: %s: %v", addr, err), 2)
	}

	dialCtx, cancel := context.WithTimeout(ctx.Context, 30*time.Second)
	defer cancel()
	c, err := qproto.Dial(dialCtx, ep.Network(), ep.Address())
	if err != nil {
		return nil, fmt.Errorf("cannot connect to %s: %w", ep, err)
	}
	return c, nil
}
