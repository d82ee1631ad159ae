package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/maxpert/dcjoin/admin"
	"github.com/maxpert/dcjoin/cfg"
	"github.com/maxpert/dcjoin/lifecycle"
	"github.com/maxpert/dcjoin/publisher"
	"github.com/maxpert/dcjoin/store"
	"github.com/maxpert/dcjoin/telemetry"
)

const statsInterval = 15 * time.Second

var rootCmd = &cobra.Command{
	Use:          "dcjoin [command] (flags)",
	Short:        "Join, leave and replicate a directory domain as a read-only replica",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Load(*cfg.ConfigPathFlag); err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		setupLogging()
		telemetry.InitializeTelemetry()
		telemetry.InitMetrics()
		return nil
	},
}

func main() {
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	rootCmd.AddCommand(joinCmd(), leaveCmd(), pullCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging() {
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Str("node", cfg.Config.Local.NetbiosName).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}
}

// services holds what every subcommand shares: the store, the publisher and
// the status board served by the admin endpoint
type services struct {
	store     *store.Store
	publisher *publisher.Registry
	board     *admin.Board
	collector *telemetry.MetricsCollector
}

func openServices() (*services, error) {
	st, err := openStore()
	if err != nil {
		return nil, fmt.Errorf("open replica store: %w", err)
	}
	registry, err := openPublisher()
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("start publisher: %w", err)
	}
	rt := &services{
		store:     st,
		publisher: registry,
		board:     admin.NewBoard(),
		collector: telemetry.NewMetricsCollector(st, statsInterval),
	}
	rt.collector.Start()
	return rt, nil
}

func (rt *services) Close() {
	rt.collector.Stop()
	if rt.publisher != nil {
		rt.publisher.Stop()
	}
	if err := rt.store.Close(); err != nil {
		log.Warn().Err(err).Msg("Closing replica store failed")
	}
}

// run executes fn next to the admin server; the server stops when fn returns
func (rt *services) run(ctx context.Context, fn func(context.Context) error) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancel := context.WithCancel(gctx)

	if cfg.Config.Admin.Enabled {
		var sinks admin.SinkSource
		if rt.publisher != nil {
			sinks = rt.publisher
		}
		handlers := admin.NewAdminHandlers(cfg.Config.Local.NetbiosName, rt.board, rt.store, rt.store, sinks)
		addr := net.JoinHostPort(cfg.Config.Admin.BindAddress, strconv.Itoa(cfg.Config.Admin.Port))
		server := admin.NewServer(addr, handlers)
		g.Go(func() error { return server.Run(runCtx) })
	}

	g.Go(func() error {
		defer cancel()
		return fn(runCtx)
	})
	return g.Wait()
}

func joinCmd() *cobra.Command {
	var fresh bool
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join the domain and pull the schema, configuration and domain partitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			local, err := localNode()
			if err != nil {
				return err
			}
			bind, err := bindSettings()
			if err != nil {
				return err
			}
			rt, err := openServices()
			if err != nil {
				return err
			}
			defer rt.Close()

			resume := cfg.Config.Replication.ResumeFromCursor && !fresh
			joiner := &lifecycle.Joiner{
				Local:         local,
				Peer:          peerSettings(),
				Discoverer:    newDiscoverer(),
				OpenDirectory: directoryOpener,
				Dial:          lifecycle.GRPCDialer(),
				Bind:          bind,
				Replication:   replicationSettings(rt.store, resume),
				CreateAccount: cfg.Config.Directory.CreateAccount,
				Hooks:         hooks(rt.store, rt.publisher, resume),
				Observer:      rt.board,
			}

			return rt.run(cmd.Context(), func(ctx context.Context) error {
				res, err := joiner.Run(ctx)
				if err != nil {
					return reportFailure("join", err)
				}
				log.Info().
					Str("settings_guid", nodeGUID(res.Identity)).
					Str("domain", res.Domain.DNSName).
					Str("site", res.Identity.SiteName).
					Dur("elapsed", res.Elapsed).
					Msg("Joined domain")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&fresh, "fresh", false, "Ignore persisted cursors and pull every partition from the start")
	return cmd
}

func leaveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "leave",
		Short: "Unstage the computer account and remove this node from the domain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			local, err := localNode()
			if err != nil {
				return err
			}
			bind, err := bindSettings()
			if err != nil {
				return err
			}
			rt, err := openServices()
			if err != nil {
				return err
			}
			defer rt.Close()

			leaver := &lifecycle.Leaver{
				Local:         local,
				Peer:          peerSettings(),
				Discoverer:    newDiscoverer(),
				OpenDirectory: directoryOpener,
				Dial:          lifecycle.GRPCDialer(),
				Bind:          bind,
				Observer:      rt.board,
			}

			return rt.run(cmd.Context(), func(ctx context.Context) error {
				res, err := leaver.Run(ctx)
				if err != nil {
					return reportFailure("leave", err)
				}
				log.Info().
					Str("domain", res.Domain.DNSName).
					Bool("last_dc", res.LastDCInDomain).
					Dur("elapsed", res.Elapsed).
					Msg("Left domain")
				return nil
			})
		},
	}
}

func pullCmd() *cobra.Command {
	var (
		partitions []string
		fresh      bool
	)
	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Pull pending changes for an already joined node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			local, err := localNode()
			if err != nil {
				return err
			}
			bind, err := bindSettings()
			if err != nil {
				return err
			}
			rt, err := openServices()
			if err != nil {
				return err
			}
			defer rt.Close()

			puller := &lifecycle.Puller{
				Local:         local,
				Peer:          peerSettings(),
				Discoverer:    newDiscoverer(),
				OpenDirectory: directoryOpener,
				Dial:          lifecycle.GRPCDialer(),
				Bind:          bind,
				Replication:   replicationSettings(rt.store, !fresh),
				Partitions:    partitions,
				Hooks:         hooks(rt.store, rt.publisher, !fresh),
				Observer:      rt.board,
			}

			return rt.run(cmd.Context(), func(ctx context.Context) error {
				res, err := puller.Run(ctx)
				if err != nil {
					return reportFailure("pull", err)
				}
				for _, p := range res.Partitions {
					log.Info().
						Str("partition", p.Partition).
						Uint64("highest_usn", p.Watermark.HighestUSN).
						Bool("resumed", p.Resumed).
						Dur("elapsed", p.Elapsed).
						Msg("Partition up to date")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&partitions, "partition", nil, "Partition to pull (schema, config, domain); repeatable")
	cmd.Flags().BoolVar(&fresh, "fresh", false, "Ignore persisted cursors and pull from the zero watermark")
	return cmd
}

// reportFailure logs where a run stopped and passes the error on
func reportFailure(kind string, err error) error {
	var perr *lifecycle.PhaseError
	if errors.As(err, &perr) {
		log.Error().Err(perr.Err).Str("phase", perr.Phase.String()).Msgf("%s failed", kind)
	} else {
		log.Error().Err(err).Msgf("%s failed", kind)
	}
	return err
}
