package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

var (
	version = "dev"
	gitSHA  = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := command().Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "zephyrmesh: %v\n", err)
		os.Exit(1)
	}
}

func command() *cli.Command {
	return &cli.Command{
		Name:    "zephyrmesh",
		Usage:   "Run a mesh node that replicates resources and resolves conflicts",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML or TOML config file"},
			&cli.StringFlag{Name: "id", Usage: "node id (SELF_ID)"},
			&cli.StringFlag{Name: "addr", Usage: "address advertised to peers (SELF_ADDR)"},
			&cli.StringFlag{Name: "http-addr", Usage: "HTTP listen address"},
			&cli.StringFlag{Name: "transport", Usage: "memory or etcd (MESH_TRANSPORT)"},
			&cli.StringSliceFlag{Name: "etcd", Usage: "etcd endpoint, repeatable (ETCD_ENDPOINTS)"},
			&cli.IntFlag{Name: "replication-factor", Usage: "peer replicas per resource (REPLICATION_FACTOR)"},
			&cli.StringFlag{Name: "snapshot", Usage: "bbolt snapshot file (MESH_SNAPSHOT_PATH)"},
			&cli.DurationFlag{Name: "heartbeat", Usage: "membership heartbeat period, 0 disables"},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error (LOG_LEVEL)"},
			&cli.BoolFlag{Name: "dev", Usage: "human readable logs"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return run(ctx, cfg)
		},
	}
}
