package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/zephyrcast/internal/config"
	"github.com/ryandielhenn/zephyrcast/internal/telemetry"
	"github.com/ryandielhenn/zephyrcast/pkg/adapter"
	"github.com/ryandielhenn/zephyrcast/pkg/broker"
	"github.com/ryandielhenn/zephyrcast/pkg/gossip"
	"github.com/ryandielhenn/zephyrcast/pkg/hub"
	"github.com/ryandielhenn/zephyrcast/pkg/node"
	"github.com/ryandielhenn/zephyrcast/pkg/registry"
	"github.com/ryandielhenn/zephyrcast/pkg/uid"
)

// Build information, set via ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	app := &cli.App{
		Name:    "zephyrcast",
		Usage:   "cluster node relaying room broadcasts over NATS",
		Version: fmt.Sprintf("%s (commit: %s)", version, commit),
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML configuration file", EnvVars: []string{"ZEPHYRCAST_CONFIG"}},
			&cli.StringFlag{Name: "http-addr", Usage: "HTTP listen address"},
			&cli.StringSliceFlag{Name: "nats", Usage: "NATS endpoint, repeatable"},
			&cli.StringFlag{Name: "namespace", Usage: "namespace served by this node"},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error"},
		},
		Action: serve,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// overrides turns the flags given on the command line into config keys.
func overrides(c *cli.Context) map[string]any {
	out := make(map[string]any)
	if c.IsSet("http-addr") {
		out["http.addr"] = c.String("http-addr")
	}
	if c.IsSet("nats") {
		out["broker.mode"] = config.BrokerNATS
		out["broker.endpoints"] = c.StringSlice("nats")
	}
	if c.IsSet("namespace") {
		out["adapter.namespace"] = c.String("namespace")
	}
	if c.IsSet("log-level") {
		out["log.level"] = c.String("log-level")
	}
	return out
}

func serve(c *cli.Context) error {
	cfg, err := config.NewLoader(config.WithConfigFile(c.String("config"))).Load(overrides(c))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, err := telemetry.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()
	telemetry.SetBuildInfo(version, commit)

	nodeID := cfg.Node.ID
	if nodeID == "" {
		nodeID = uid.NodeID()
	}
	log = log.With(zap.String("node", nodeID))
	log.Info("[Boot] starting zephyrcast", zap.String("version", version), zap.String("namespace", cfg.Adapter.Namespace))

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	fatal := make(chan error, 1)

	// 1. Broker connection
	client, err := connectBroker(cfg, nodeID, log, fatal)
	if err != nil {
		return err
	}

	// 2. Membership
	counter, closeCounter, err := startMembership(ctx, cfg, nodeID, log)
	if err != nil {
		_ = client.Close()
		return err
	}

	// 3. Hub and adapter
	h := hub.New(log)
	h.HandleServerEvents(func(args []any) {
		log.Info("server event", zap.Any("args", args))
	})
	a, err := adapter.New(cfg.Adapter.Namespace, h, client,
		adapter.WithPrefix(cfg.Adapter.Prefix),
		adapter.WithRequestTimeout(cfg.Adapter.Timeout),
		adapter.WithQueueSize(cfg.Adapter.Queue),
		adapter.WithNodeCounter(counter),
		adapter.WithNodeID(nodeID),
		adapter.WithLogger(log),
	)
	if err != nil {
		return multierr.Combine(fmt.Errorf("start adapter: %w", err), closeCounter(), client.Close())
	}

	// 4. HTTP node endpoints
	n := node.New(h, a, log)
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           n.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("[Boot] listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		select {
		case err := <-fatal:
			return err
		case <-gctx.Done():
			return nil
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	err = g.Wait()
	return multierr.Combine(err, a.Close(), closeCounter(), client.Close())
}

func connectBroker(cfg *config.Config, nodeID string, log *zap.Logger, fatal chan<- error) (broker.Client, error) {
	if cfg.Broker.Mode == config.BrokerMemory {
		log.Warn("[Boot] in-memory broker: this node is not clustered")
		return broker.NewMemoryBus().Connect(), nil
	}
	log.Info("[Boot] connecting to NATS", zap.Strings("endpoints", cfg.Broker.Endpoints))
	client, err := broker.Connect(cfg.Broker.Endpoints,
		broker.WithName("zephyrcast-"+nodeID),
		broker.WithLogger(log),
		broker.WithErrorHandler(func(err error) {
			select {
			case fatal <- fmt.Errorf("broker: %w", err):
			default:
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect broker: %w", err)
	}
	return client, nil
}

func startMembership(ctx context.Context, cfg *config.Config, nodeID string, log *zap.Logger) (adapter.NodeCounter, func() error, error) {
	m := cfg.Membership
	switch m.Mode {
	case config.MembershipEtcd:
		cli, err := registry.NewClient(m.Etcd.Endpoints, 5*time.Second)
		if err != nil {
			return nil, nil, fmt.Errorf("etcd client: %w", err)
		}
		log.Info("[Boot] created etcd client", zap.Strings("endpoints", cli.Endpoints()))
		mem := registry.NewMembership(cli, m.Etcd.Prefix, nodeID, advertiseAddr(cfg.HTTP.Addr), m.Etcd.TTL, log)
		if err := mem.Start(ctx); err != nil {
			_ = cli.Close()
			return nil, nil, fmt.Errorf("register node: %w", err)
		}
		return mem, func() error { return multierr.Combine(mem.Close(), cli.Close()) }, nil

	case config.MembershipGossip:
		g, err := gossip.New(gossip.Config{
			NodeID:   nodeID,
			BindAddr: m.Gossip.Bind,
			BindPort: m.Gossip.Port,
			HTTPAddr: advertiseAddr(cfg.HTTP.Addr),
			Logger:   log,
		})
		if err != nil {
			return nil, nil, err
		}
		if err := g.Join(m.Gossip.Seeds); err != nil {
			// seeds may start later and join us instead
			log.Warn("[Boot] gossip join", zap.Error(err))
		}
		return g, g.Stop, nil

	default:
		return adapter.StaticNodeCount(m.Nodes), func() error { return nil }, nil
	}
}

// advertiseAddr is the HTTP address peers see, the hostname standing in for
// an unspecified listen host.
func advertiseAddr(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return node.NormalizeHostPort(listen, "8080")
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		if h, err := os.Hostname(); err == nil {
			host = h
		}
	}
	return net.JoinHostPort(host, port)
}
