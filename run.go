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

// Package spoolq wires the queue engine, its endpoints and the process
// lifecycle together.
package spoolq

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/foxcpp/spoolq/framework/hooks"
	"github.com/foxcpp/spoolq/framework/log"
	spoolqcli "github.com/foxcpp/spoolq/internal/cli"
	"github.com/foxcpp/spoolq/internal/config"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

func init() {
	spoolqcli.AddGlobalFlag(&cli.BoolFlag{
		Name:        "debug",
		Usage:       "enable debug logging early",
		Destination: &log.DefaultLogger.Debug,
	})
	spoolqcli.AddSubcommand(
		&cli.Command{
			Name:   "run",
			Usage:  "Start the queue",
			Action: Run,
			Flags: []cli.Flag{
				&cli.StringSliceFlag{
					Name:  "log",
					Usage: "Logging targets, overrides [log] targets",
				},
			},
		})
}

// Run is the entry point of the run command. It loads the configuration,
// starts the engine and the endpoints and blocks until a terminating
// signal is received.
func Run(c *cli.Context) error {
	cfg, err := config.Load(c.Path("config"))
	if err != nil {
		systemdStatusErr(err)
		return cli.Exit(err.Error(), 2)
	}
	if c.IsSet("log") {
		cfg.Log.Targets = c.StringSlice("log")
	}
	if cfg.Log.Debug {
		log.DefaultLogger.Debug = true
	}

	out, err := LogOutputOption(cfg.Log.Targets)
	if err != nil {
		systemdStatusErr(err)
		return cli.Exit(err.Error(), 2)
	}
	log.DefaultLogger.Out = out
	defer out.Close()

	if err := ensureDirectoryWritable(cfg.Spool.StateDir); err != nil {
		systemdStatusErr(err)
		return cli.Exit(err.Error(), 2)
	}

	if err := serve(c.Context, c.Path("config"), cfg); err != nil {
		systemdStatusErr(err)
		log.DefaultLogger.Error("server failed", err)
		return cli.Exit("", 1)
	}
	return nil
}

func serve(ctx context.Context, cfgPath string, cfg config.Config) error {
	logger := log.DefaultLogger

	srv, err := newServer(cfg, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	hooks.AddHook(hooks.EventFlush, srv.engine.Flush)
	hooks.AddHook(hooks.EventReload, func() {
		newCfg, err := config.Load(cfgPath)
		if err != nil {
			logger.Error("config reload failed, keeping quiet-hours windows", err)
			return
		}
		srv.engine.SetDeferral(DeferralFromConfig(newCfg.Defer))
	})
	hooks.AddHook(hooks.EventShutdown, cancel)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.engine.Serve(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		srv.close()
		return nil
	})

	systemdStatus(SDReady, "Queue is running")
	logger.Msg("queue started", "spool", cfg.Spool.Path, "ctl", cfg.Listen.Ctl)

	go func() {
		handleSignals()
		systemdStatus(SDStopping, "Waiting for running workers...")
		hooks.RunHooks(hooks.EventShutdown)
	}()

	err = g.Wait()
	logger.Msg("queue stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func ensureDirectoryWritable(path string) error {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return err
	}

	testFile, err := os.Create(filepath.Join(path, "writeable-test"))
	if err != nil {
		return err
	}
	testFile.Close()
	return os.Remove(testFile.Name())
}
