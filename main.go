package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/heitortanoue/plotrepl/internal/config"
	"github.com/heitortanoue/plotrepl/logging"
	"github.com/heitortanoue/plotrepl/pkg/engine"
	"github.com/heitortanoue/plotrepl/pkg/membership"
	"github.com/heitortanoue/plotrepl/pkg/network"
	"github.com/heitortanoue/plotrepl/pkg/sensor"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var configFile string

	cmd := &cobra.Command{
		Use:          "plotrepl",
		Short:        "Drone plot replication node",
		Long:         "Replicates drone sightings between stations, correcting station clock skew and removing duplicate sightings.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, configFile)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configFile, "config", "c", "", "configuration file (yaml, toml or json)")
	addFlags(flags)
	cobra.CheckErr(v.BindPFlags(flags))

	return cmd
}

func addFlags(flags *pflag.FlagSet) {
	def := config.DefaultConfig()

	flags.Uint32("node-id", def.NodeID, "numeric id of this station")
	flags.String("station-prefix", def.StationPrefix, "prefix of station names on the wire")
	flags.String("bind", def.BindAddr, "address to bind the replication server")
	flags.IntP("port", "p", def.Port, "port to bind the replication server")
	flags.String("advertise-url", "", "url peers use to reach this node (default http://bind:port)")

	flags.IntP("verbosity", "v", def.Verbosity, "0 errors, 1 warnings, 2 info, 3 debug")
	flags.Bool("json-log", def.JSONLog, "log JSON lines instead of console output")

	flags.Float64("time-mult", def.TimeMult, "simulation speed, 2.0 runs twice as fast")
	flags.Int64("offset", def.Offset, "seconds added to the simulation start time")
	flags.Int64("secs-between-repl", def.SecsBetweenRepl, "simulated seconds between broadcasts")
	flags.Duration("poll-interval", def.PollInterval, "pause between engine iterations")

	flags.String("plots", "", "csv file with the sightings of this station")

	flags.StringSlice("peer", nil, "static peer as station=url, repeatable")
	flags.StringSlice("priority", nil, "fixed station priority, leader first (default: ascending live stations)")
	flags.Duration("peer-timeout", def.PeerTimeout, "expiry of peers learned at runtime")
	flags.Duration("send-timeout", def.SendTimeout, "timeout of one batch delivery")

	flags.Bool("dedup-match-drone", def.DedupMatchDrone, "duplicates must also share the drone id")
	flags.Bool("relay-replicated", def.RelayReplicated, "broadcast plots received from peers again, off keeps them local")
	flags.String("framing-policy", def.FramingPolicy, "malformed inbound batches: abort or drop")
	flags.Int("max-passes", def.MaxPasses, "pass limit of skew resolution and deduplication")

	flags.Int("queue-size", def.QueueSize, "inbound batches buffered between engine iterations")
	flags.Int("seen-messages", def.SeenMsgSize, "message ids remembered to drop redelivered batches")

	flags.Int("gossip-port", def.GossipPort, "SWIM membership port, 0 disables membership")
	flags.StringSlice("seed", nil, "membership seed host:port, repeatable")
}

func run(ctx context.Context, cfg *config.ReplConfig) error {
	logger, err := logging.New(cfg.Verbosity, cfg.JSONLog)
	if err != nil {
		return err
	}
	defer logger.Sync()

	events := logging.NewNodeLogger(cfg.StationName(), logger)
	clock := clockwork.NewRealClock()

	transport, err := network.NewTransport(cfg, clock, logger)
	if err != nil {
		return err
	}
	if err := transport.Bind(cfg.BindAddr, cfg.Port); err != nil {
		events.LogError("bind", err)
		return err
	}
	events.LogBound(cfg.BindAddr, cfg.Port)

	feed, err := sensor.LoadFeed(cfg.Station(), cfg.PlotsFile, cfg.QueueSize, logger)
	if err != nil {
		return err
	}

	eng := engine.New(cfg, transport,
		engine.WithClock(clock),
		engine.WithLogger(logger),
		engine.WithSource(feed),
	)
	eng.Attach(transport.Server())
	transport.Server().InjectHandler = feed.InjectHandler

	if err := transport.Listen(); err != nil {
		events.LogError("listen", err)
		return err
	}

	var members *membership.Manager
	if cfg.GossipPort > 0 {
		members, err = membership.New(membership.Config{
			Station:  cfg.Station(),
			Prefix:   cfg.StationPrefix,
			BindAddr: cfg.BindAddr,
			BindPort: cfg.GossipPort,
			APIURL:   cfg.ReplicationURL(),
			Seeds:    cfg.Seeds,
		}, transport.Peers(), logger)
		if err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer stop()
		return eng.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown requested")
		eng.Shutdown()
		return nil
	})
	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var closeErr *multierror.Error
	if members != nil {
		if err := members.Leave(time.Second); err != nil {
			closeErr = multierror.Append(closeErr, err)
		}
	}
	if err := transport.Close(shutdownCtx); err != nil {
		closeErr = multierror.Append(closeErr, err)
	}
	if err := closeErr.ErrorOrNil(); err != nil {
		events.LogError("shutdown", err)
	}

	logger.Info("node stopped",
		zap.Any("stats", eng.GetStats()),
		zap.Any("transport", transport.GetStats()),
	)
	return runErr
}
