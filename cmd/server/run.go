package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/zephyrmesh/internal/config"
	"github.com/ryandielhenn/zephyrmesh/internal/logging"
	"github.com/ryandielhenn/zephyrmesh/internal/telemetry"
	"github.com/ryandielhenn/zephyrmesh/pkg/delivery"
	"github.com/ryandielhenn/zephyrmesh/pkg/gossip"
	"github.com/ryandielhenn/zephyrmesh/pkg/kv"
	"github.com/ryandielhenn/zephyrmesh/pkg/node"
	"github.com/ryandielhenn/zephyrmesh/pkg/registry"
	"github.com/ryandielhenn/zephyrmesh/pkg/replication"
	"github.com/ryandielhenn/zephyrmesh/pkg/resource"
	"github.com/ryandielhenn/zephyrmesh/pkg/ring"
	"github.com/ryandielhenn/zephyrmesh/pkg/snapshot"
	"github.com/ryandielhenn/zephyrmesh/pkg/transport"
	"github.com/ryandielhenn/zephyrmesh/pkg/trust"
	"github.com/ryandielhenn/zephyrmesh/pkg/wire"
)

func run(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.With(zap.String("node_id", cfg.Node.ID))
	telemetry.SetBuildInfo(version, gitSHA)

	// 1. Substrate
	var cli *clientv3.Client
	var tr transport.Transport
	switch cfg.Transport.Kind {
	case "etcd":
		logger.Info("creating etcd client", zap.Strings("endpoints", cfg.Transport.EtcdEndpoints))
		if cli, err = registry.NewClient(cfg.Transport.EtcdEndpoints); err != nil {
			return fmt.Errorf("etcd client: %w", err)
		}
		defer cli.Close()
		tr = transport.NewEtcdTransport(cli, transport.EtcdConfig{
			Prefix: cfg.Transport.Prefix,
			TTL:    cfg.Transport.MessageTTL,
			Logger: logger,
		})
	default:
		tr = transport.NewMemoryTransport(transport.NewHub(), cfg.Node.ID)
	}

	// 2. Delivery
	stats, err := telemetry.NewDeliveryMetrics(telemetry.Registry, nil)
	if err != nil {
		return err
	}
	dm, err := delivery.New(delivery.Config{
		NodeID:            cfg.Node.ID,
		Transport:         tr,
		Logger:            logger,
		Stats:             stats,
		MaxMessageSize:    cfg.Delivery.MaxMessageSize,
		ResendAfter:       cfg.Delivery.ResendAfter,
		RetryInterval:     cfg.Delivery.RetryInterval,
		TimeoutInterval:   cfg.Delivery.TimeoutInterval,
		MaxInflight:       cfg.Delivery.MaxInflight,
		DisableInboundAck: !cfg.Delivery.AckInbound,
		DedupWindow:       cfg.Delivery.DedupWindow,
		InboundRate:       cfg.Delivery.InboundRate,
	})
	if err != nil {
		return err
	}
	if err := stats.TrackPending(dm.Pending); err != nil {
		return err
	}

	// 3. Resources, content and placement
	store := resource.NewStore(resource.StoreConfig{Logger: logger, AutoResolveLow: cfg.Replication.AutoResolveLow})
	if _, err := telemetry.NewResourceMetrics(telemetry.Registry, store); err != nil {
		return err
	}
	content := kv.NewStore(0)
	rg := ring.New(128, nil)
	rg.Add(cfg.Node.ID, node.NormalizeHostPort(cfg.Node.Addr, "8080"))

	var snap *snapshot.Store
	if cfg.Snapshot.Path != "" {
		if snap, err = snapshot.Open(ctx, cfg.Snapshot.Path); err != nil {
			return err
		}
		defer snap.Close()
		n, err := snap.Load(ctx, store, content)
		if err != nil {
			return fmt.Errorf("load snapshot: %w", err)
		}
		logger.Info("snapshot loaded", zap.String("path", cfg.Snapshot.Path), zap.Int("resources", n))
	}

	var authz trust.Authorizer = trust.AllowAll
	if cfg.Trust.Enforce {
		table := trust.NewTable(logger)
		for _, r := range cfg.Trust.Rules {
			table.Trust(r.Node, r.Prefix, r.Actions...)
		}
		authz = table
	}

	rep, err := replication.New(replication.Config{
		NodeID:   cfg.Node.ID,
		Store:    store,
		Delivery: dm,
		Content:  content,
		Ring:     rg,
		Factor:   cfg.Replication.Factor,
		Trust:    authz,
		Logger:   logger,
		SendOptions: delivery.Options{
			RequireAck: true,
			MaxRetries: cfg.Delivery.MaxRetries,
			Timeout:    cfg.Delivery.Timeout,
			Priority:   wire.PriorityNormal,
		},
		RetryAfter: cfg.Replication.RetryAfter,
		LocalRoot:  cfg.Node.Root,
	})
	if err != nil {
		return err
	}
	if err := rep.Register(); err != nil {
		return err
	}

	var n *node.Node
	var gsp *gossip.Gossiper
	if cfg.Replication.Heartbeat > 0 {
		gsp, err = gossip.New(gossip.Config{
			Self:     cfg.Node.ID,
			Addr:     cfg.Node.Addr,
			Net:      dm,
			Interval: cfg.Replication.Heartbeat,
			Forget:   10 * time.Minute,
			Logger:   logger,
			OnChange: func(m gossip.Member) {
				switch m.State {
				case gossip.StateAlive:
					n.AddPeer(m.ID, node.NormalizeHostPort(m.Addr, "8080"))
				case gossip.StateDead:
					n.RemovePeer(m.ID)
				}
			},
		})
		if err != nil {
			return err
		}
		if err := gsp.Register(); err != nil {
			return err
		}
	}
	n = node.New(node.Config{
		ID:         cfg.Node.ID,
		Addr:       cfg.Node.Addr,
		Store:      store,
		Replicator: rep,
		Delivery:   dm,
		Ring:       rg,
		Gossip:     gsp,
		Logger:     logger,
	})

	// 4. Start
	if err := dm.Start(ctx); err != nil {
		return err
	}
	defer dm.Stop()
	for _, r := range store.List() {
		if err := rep.Join(ctx, r.Path.Context); err != nil {
			logger.Warn("rejoin context", zap.String("context", r.Path.Context), zap.Error(err))
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	if cli != nil {
		reg := registry.New(cli, "", logger)
		logger.Info("registering with etcd", zap.String("addr", cfg.Node.Addr))
		_, cancel, err := reg.Register(ctx, cfg.Node.ID, cfg.Node.Addr, cfg.Transport.RegistryTTL)
		if err != nil {
			return err
		}
		defer cancel()
		g.Go(func() error {
			err := reg.Watch(ctx, n.SetPeers)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	if gsp != nil {
		g.Go(func() error {
			_ = gsp.Run(ctx)
			return nil
		})
	}
	if snap != nil {
		g.Go(func() error {
			snap.Run(ctx, cfg.Snapshot.Every, store, content, func(err error) {
				logger.Error("snapshot save", zap.Error(err))
			})
			return nil
		})
	}

	srv := &http.Server{
		Addr:              cfg.Node.HTTPAddr,
		Handler:           n.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		logger.Info("zephyrmesh node listening", zap.String("http_addr", cfg.Node.HTTPAddr), zap.String("transport", cfg.Transport.Kind))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		return srv.Shutdown(sctx)
	})

	err = g.Wait()
	logger.Info("node stopping", zap.Error(err))
	return err
}
