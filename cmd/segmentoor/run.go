package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethpandaops/segmentoor/pkg/daemon"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the uploader daemon",
	Long: `Run the upload loop until SIGINT or SIGTERM. A second signal aborts the
transfer in flight when transfer.killable is enabled.`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// The config log level applies unless --log-level was given.
	if !cmd.Flags().Changed("log-level") {
		level, err := logrus.ParseLevel(cfg.Global.LogLevel)
		if err != nil {
			return fmt.Errorf("invalid global.log_level %q: %w", cfg.Global.LogLevel, err)
		}

		log.SetLevel(level)
	}

	d, err := daemon.New(log, cfg, daemon.Components{})
	if err != nil {
		return fmt.Errorf("creating daemon: %w", err)
	}

	// Setup context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	defer signal.Stop(sigCh)

	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("Received shutdown signal")
		cancel()

		sig = <-sigCh
		log.WithField("signal", sig).Warn("Received second signal, aborting transfer")
		d.Abort()
	}()

	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("starting daemon: %w", err)
	}

	if err := d.Wait(); err != nil {
		log.WithError(err).Error("Upload loop failed")
	}

	return d.Stop()
}
