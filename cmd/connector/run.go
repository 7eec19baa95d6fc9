package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/dsconnector/connector/build"
	"github.com/dsconnector/connector/node"
)

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "Start a connector node",
	Flags: []cli.Flag{
		&cli.DurationFlag{
			Name:  "shutdown-timeout",
			Usage: "how long in-flight work may take to finish on shutdown",
			Value: 30 * time.Second,
		},
	},
	Action: func(cctx *cli.Context) error {
		cfg, err := loadConfig(cctx)
		if err != nil {
			return xerrors.Errorf("loading config: %w", err)
		}

		ctx, stop := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		stopNode, err := node.New(ctx, cfg)
		if err != nil {
			return err
		}
		log.Infow("connector started", "participant", cfg.Connector.ParticipantID, "store", cfg.Store.Backend, "version", build.UserVersion())

		<-ctx.Done()
		log.Info("shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), cctx.Duration("shutdown-timeout"))
		defer cancel()
		return stopNode(sctx)
	},
}
