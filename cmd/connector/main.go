package main

import (
	"os"

	logging "github.com/ipfs/go-log/v2"
	"github.com/urfave/cli/v2"

	"github.com/dsconnector/connector/build"
	"github.com/dsconnector/connector/lib/connlog"
	"github.com/dsconnector/connector/node/config"
)

var log = logging.Logger("connector")

func main() {
	connlog.SetupLogLevels()

	app := &cli.App{
		Name:    "connector",
		Usage:   "Dataspace connector node",
		Version: build.UserVersion(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				EnvVars: []string{"CONNECTOR_CONFIG"},
				Value:   "~/.connector/config.toml",
				Usage:   "path to the TOML configuration",
			},
		},
		Commands: []*cli.Command{
			runCmd,
			negotiationsCmd,
			transfersCmd,
			journalCmd,
			configCmd,
			versionCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Errorf("%+v", err)
		os.Exit(1)
	}
}

func loadConfig(cctx *cli.Context) (*config.Config, error) {
	cfg, err := config.FromFile(cctx.String("config"))
	if err != nil {
		return nil, err
	}
	if err := connlog.SetSubsystemLevels(cfg.Logging.SubsystemLevels); err != nil {
		return nil, err
	}
	return cfg, nil
}

var versionCmd = &cli.Command{
	Name:  "version",
	Usage: "Print version",
	Action: func(cctx *cli.Context) error {
		_, err := cctx.App.Writer.Write([]byte(build.UserVersion() + "\n"))
		return err
	},
}

var configCmd = &cli.Command{
	Name:  "config",
	Usage: "Manage node config",
	Subcommands: []*cli.Command{
		{
			Name:  "default",
			Usage: "Print default node config",
			Action: func(cctx *cli.Context) error {
				b, err := config.ConfigComment(config.Default())
				if err != nil {
					return err
				}
				_, err = cctx.App.Writer.Write(b)
				return err
			},
		},
		{
			Name:  "show",
			Usage: "Print the effective node config",
			Action: func(cctx *cli.Context) error {
				cfg, err := loadConfig(cctx)
				if err != nil {
					return err
				}
				b, err := config.ConfigComment(cfg)
				if err != nil {
					return err
				}
				_, err = cctx.App.Writer.Write(b)
				return err
			},
		},
	},
}
