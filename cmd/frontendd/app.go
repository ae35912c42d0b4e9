package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pkt.systems/pslog"
	"pkt.systems/rpcfrontend/internal/consensus"
	"pkt.systems/rpcfrontend/internal/forwarder"
	"pkt.systems/rpcfrontend/internal/svcfields"
	"pkt.systems/rpcfrontend/internal/tlsutil"
)

// frontendConfig holds the node-infrastructure settings bindable from flags
// or environment (RPCFRONTEND_*), mirroring the
// teacher's lockd.Config/bindConfig split without the storage/queue surface
// this process has no collaborator for.
type frontendConfig struct {
	Self       string
	Peers      []string
	Mode       string
	LeaseTTL   time.Duration
	BFTPrimary string

	ListenAddr string

	MetricsListen          string
	PprofListen            string
	EnableProfilingMetrics bool

	DisableMTLS      bool
	BundlePath       string
	DenylistPath     string
	ForwardTimeout   time.Duration

	LogLevel string
}

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("RPCFRONTEND_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "rpcfrontend")

	cmd := newRootCommand(baseLogger)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	var cfg frontendConfig

	cmd := &cobra.Command{
		Use:           "frontendd",
		Short:         "frontendd runs the node-level transport for a confidential transaction frontend: primary election, inbound lease protocol, forwarder mTLS, and metrics",
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cmd.SilenceUsage = true

			if err := bindConfig(&cfg); err != nil {
				return err
			}

			logger := baseLogger
			if level, ok := pslog.ParseLevel(strings.TrimSpace(cfg.LogLevel)); ok {
				logger = logger.LogLevel(level)
			}
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			cliLogger.Info("welcome to frontendd", "pid", os.Getpid(), "mode", cfg.Mode)

			telemetry, err := setupTelemetry(ctx, cfg.MetricsListen, cfg.PprofListen, cfg.EnableProfilingMetrics, svcfields.WithSubsystem(logger, "telemetry"))
			if err != nil {
				return fmt.Errorf("telemetry: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = telemetry.Shutdown(shutdownCtx)
			}()

			var bundle *tlsutil.Bundle
			if !cfg.DisableMTLS {
				bundle, err = tlsutil.LoadBundle(cfg.BundlePath, cfg.DenylistPath)
				if err != nil {
					return fmt.Errorf("load mtls bundle: %w", err)
				}
			}

			fwd, err := forwarder.New(forwarder.Config{
				DisableMTLS: cfg.DisableMTLS,
				Bundle:      bundle,
				BundlePath:  cfg.BundlePath,
				Timeout:     cfg.ForwardTimeout,
			})
			if err != nil {
				return fmt.Errorf("forwarder: %w", err)
			}

			quorum, bft, err := buildConsensus(cfg, fwd.Client(), svcfields.WithSubsystem(logger, "consensus"))
			if err != nil {
				return err
			}
			if quorum != nil {
				quorum.Start(ctx)
			}
			_ = bft

			var consensusSrv *consensusServer
			if quorum != nil && cfg.ListenAddr != "" {
				consensusSrv, err = startConsensusServer(cfg.ListenAddr, quorum, bundle, svcfields.WithSubsystem(logger, "consensus"))
				if err != nil {
					return fmt.Errorf("consensus server: %w", err)
				}
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					defer cancel()
					_ = consensusSrv.Shutdown(shutdownCtx)
				}()
			}

			<-ctx.Done()
			cliLogger.Info("shutting down")
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.Self, "self", "", "this node's address, as advertised to peers (required for cft mode with peers)")
	flags.StringSliceVar(&cfg.Peers, "peers", nil, "quorum membership addresses, including self (cft mode)")
	flags.StringVar(&cfg.Mode, "mode", "cft", "consensus mode: cft (quorum lease election) or bft (externally driven)")
	flags.DurationVar(&cfg.LeaseTTL, "lease-ttl", consensus.DefaultLeaseTTL, "primary lease TTL (cft mode)")
	flags.StringVar(&cfg.BFTPrimary, "bft-primary", "", "initial primary node id (bft mode)")
	flags.StringVar(&cfg.ListenAddr, "listen", ":9441", "listen address for the inbound lease-protocol HTTP server")
	flags.StringVar(&cfg.MetricsListen, "metrics-listen", "", "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.StringVar(&cfg.PprofListen, "pprof-listen", "", "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.BoolVar(&cfg.EnableProfilingMetrics, "enable-profiling-metrics", false, "enable Go runtime profiling metrics on the Prometheus endpoint")
	flags.BoolVar(&cfg.DisableMTLS, "disable-mtls", false, "disable mTLS on the forwarder's outbound transport (testing only)")
	flags.StringVar(&cfg.BundlePath, "bundle", "", "path to the combined PEM bundle used for forwarder mTLS")
	flags.StringVar(&cfg.DenylistPath, "denylist-path", "", "path to certificate denylist (optional)")
	flags.DurationVar(&cfg.ForwardTimeout, "forward-timeout", 10*time.Second, "timeout for forwarded-command delivery")
	flags.StringVar(&cfg.LogLevel, "log-level", "info", "log level (debug, info, warn, error)")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("RPCFRONTEND")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	for _, name := range []string{
		"self", "peers", "mode", "lease-ttl", "bft-primary", "listen",
		"metrics-listen", "pprof-listen", "enable-profiling-metrics",
		"disable-mtls", "bundle", "denylist-path", "forward-timeout", "log-level",
	} {
		bindFlag(name)
	}

	return cmd
}

// bindConfig copies viper's resolved flag/env values into cfg.
func bindConfig(cfg *frontendConfig) error {
	cfg.Self = viper.GetString("self")
	cfg.Peers = viper.GetStringSlice("peers")
	cfg.Mode = strings.ToLower(strings.TrimSpace(viper.GetString("mode")))
	cfg.LeaseTTL = viper.GetDuration("lease-ttl")
	cfg.BFTPrimary = viper.GetString("bft-primary")
	cfg.ListenAddr = viper.GetString("listen")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.DisableMTLS = viper.GetBool("disable-mtls")
	cfg.BundlePath = viper.GetString("bundle")
	cfg.DenylistPath = viper.GetString("denylist-path")
	cfg.ForwardTimeout = viper.GetDuration("forward-timeout")
	cfg.LogLevel = viper.GetString("log-level")
	return nil
}

// buildConsensus constructs the consensus adapter named by cfg.Mode. On
// success exactly one of the two adapters is non-nil; on error both are nil. client is the shared mTLS
// transport the forwarder also uses, so peer votes and forwarded commands
// authenticate with the same certificate.
func buildConsensus(cfg frontendConfig, client *http.Client, logger pslog.Logger) (*consensus.QuorumConsensus, *consensus.StaticBFT, error) {
	switch cfg.Mode {
	case "", "cft":
		quorum, err := consensus.NewQuorumConsensus(consensus.QuorumConfig{
			SelfID:     cfg.Self,
			SelfAddr:   cfg.Self,
			Peers:      cfg.Peers,
			LeaseTTL:   cfg.LeaseTTL,
			Logger:     logger,
			HTTPClient: client,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("consensus: %w", err)
		}
		return quorum, nil, nil
	case "bft":
		bft := consensus.NewStaticBFT(consensus.BFTConfig{
			SelfID:    cfg.Self,
			PrimaryID: cfg.BFTPrimary,
		})
		return nil, bft, nil
	default:
		return nil, nil, fmt.Errorf("consensus: unknown mode %q", cfg.Mode)
	}
}
