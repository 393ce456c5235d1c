package spoolqcli

import (
	"flag"
	"fmt"
	"os"

	"github.com/foxcpp/spoolq/framework/config"
	"github.com/foxcpp/spoolq/framework/log"
	"github.com/urfave/cli/v2"
)

var app *cli.App

func init() {
	app = cli.NewApp()
	app.Usage = "disk-backed mail transfer queue"
	app.Description = `spoolq keeps messages in a disk spool and moves them through
processing stages until they are delivered to the mail store, handed to
a push agent or returned to the sender.

This executable can be used to start the queue ('run') and to inspect or
feed a running queue (all other subcommands).
`
	app.Authors = []*cli.Author{
		{
			Name:  "spoolq maintainers & contributors",
			Email: "~foxcpp/spoolq@lists.sr.ht",
		},
	}
	app.ExitErrHandler = func(c *cli.Context, err error) {
		cli.HandleExitCoder(err)
		if err != nil {
			log.Println(err)
			cli.OsExiter(1)
		}
	}
	app.EnableBashCompletion = true
	app.Flags = []cli.Flag{
		&cli.PathFlag{
			Name:    "config",
			Usage:   "Configuration file to use",
			EnvVars: []string{"SPOOLQ_CONFIG"},
			Value:   config.ConfigFile,
		},
	}
	app.Commands = []*cli.Command{
		{
			Name:   "generate-man",
			Hidden: true,
			Action: func(c *cli.Context) error {
				man, err := app.ToMan()
				if err != nil {
					return err
				}
				fmt.Println(man)
				return nil
			},
		},
		{
			Name:   "generate-fish-completion",
			Hidden: true,
			Action: func(c *cli.Context) error {
				cp, err := app.ToFishCompletion()
				if err != nil {
					return err
				}
				fmt.Println(cp)
				return nil
			},
		},
	}
}

func AddGlobalFlag(f cli.Flag) {
	app.Flags = append(app.Flags, f)
	if err := f.Apply(flag.CommandLine); err != nil {
		log.Println("GlobalFlag", f, "could not be mapped to stdlib flag:", err)
	}
}

func AddSubcommand(cmd *cli.Command) {
	app.Commands = append(app.Commands, cmd)
}

func Run() {
	// Subcommands are registered by init functions of the root package
	// and internal/cli/ctl.
	if err := app.Run(os.Args); err != nil {
		log.DefaultLogger.Error("app.Run failed", err)
		os.Exit(1)
	}
}
