package main

import (
	"github.com/urfave/cli/v3"

	"github.com/ryandielhenn/zephyrmesh/internal/config"
)

// loadConfig layers flags over the file and environment.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, err
	}
	if cmd.IsSet("id") {
		cfg.Node.ID = cmd.String("id")
	}
	if cmd.IsSet("addr") {
		cfg.Node.Addr = cmd.String("addr")
	}
	if cmd.IsSet("http-addr") {
		cfg.Node.HTTPAddr = cmd.String("http-addr")
	}
	if cmd.IsSet("transport") {
		cfg.Transport.Kind = cmd.String("transport")
	}
	if cmd.IsSet("etcd") {
		cfg.Transport.EtcdEndpoints = cmd.StringSlice("etcd")
	}
	if cmd.IsSet("replication-factor") {
		cfg.Replication.Factor = int(cmd.Int("replication-factor"))
	}
	if cmd.IsSet("snapshot") {
		cfg.Snapshot.Path = cmd.String("snapshot")
	}
	if cmd.IsSet("heartbeat") {
		cfg.Replication.Heartbeat = cmd.Duration("heartbeat")
	}
	if cmd.IsSet("log-level") {
		cfg.Log.Level = cmd.String("log-level")
	}
	if cmd.IsSet("dev") {
		cfg.Log.Development = cmd.Bool("dev")
	}
	return cfg, cfg.Validate()
}
