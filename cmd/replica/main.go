// Command replica runs a single PBFT replica process: it loads the
// cluster configuration, wires the consensus engine to the transport
// and metrics layers, and serves until terminated.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/pkg/capnslog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/sydli/pbftkv/internal/clock"
	"github.com/sydli/pbftkv/internal/commands"
	"github.com/sydli/pbftkv/internal/config"
	"github.com/sydli/pbftkv/internal/consensus"
	"github.com/sydli/pbftkv/internal/metrics"
	"github.com/sydli/pbftkv/internal/signing"
	"github.com/sydli/pbftkv/internal/transport"
	"github.com/sydli/pbftkv/internal/types"
)

var log = capnslog.NewPackageLogger("github.com/sydli/pbftkv", "replica")

const metricsShutdownTimeout = 5 * time.Second

func main() {
	var (
		configFile  string
		logLevel    string
		metricsAddr string
	)

	root := &cobra.Command{
		Use:   "replica",
		Short: "Run a single replica in a PBFT-replicated key-value cluster",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configFile, logLevel, metricsAddr)
		},
	}
	root.Flags().StringVar(&configFile, "config", "cluster.json", "cluster configuration file")
	root.Flags().StringVar(&logLevel, "log-level", "INFO", "log level: CRITICAL, ERROR, WARNING, NOTICE, INFO, DEBUG")
	root.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "address to serve /metrics on")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configFile, logLevel, metricsAddr string) error {
	level, err := capnslog.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	capnslog.SetGlobalLogLevel(level)

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	signer := signing.NewEd25519Signer(cfg.PrivateKey)
	verifier := signing.NewEd25519Verifier()

	engine := consensus.New(cfg, signer, verifier, clock.Real{}, 256)

	tr := transport.New(cfg, func(m types.Message) {
		engine.Enqueue(commands.OfProcessMessage(m))
	})
	go tr.Drain(engine.Outbound())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go engine.Run(ctx)

	reg := prometheus.NewRegistry()
	metrics.Register(reg)
	metricsServer := &http.Server{Addr: metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("metrics server: %v", err)
		}
	}()

	log.Infof("replica %d starting, listening for peers at %s", cfg.Self, cfg.PeerAddrs[cfg.Self])
	go func() {
		if err := tr.ListenAndServe(); err != nil {
			log.Errorf("transport listener stopped: %v", err)
			cancel()
		}
	}()

	<-ctx.Done()
	log.Infof("replica %d shutting down", cfg.Self)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
	defer shutdownCancel()
	return metricsServer.Shutdown(shutdownCtx)
}
