package main

import (
	"fmt"

	"github.com/ethpandaops/segmentoor/pkg/daemon"
	"github.com/spf13/cobra"
)

var clearMarkersCmd = &cobra.Command{
	Use:   "clear-markers",
	Short: "Remove stale write markers from all segments",
	Long: `Remove every write marker under the segment root so that segments left
behind by an unclean recorder shutdown become eligible for upload.

Only run this while the recorder is stopped: a marker removed from a segment
that is still being written lets a partial artifact be uploaded and deleted.`,
	RunE: runClearMarkers,
}

func init() {
	rootCmd.AddCommand(clearMarkersCmd)
}

func runClearMarkers(cmd *cobra.Command, args []string) error {
	cfg, err := loadUploaderConfig()
	if err != nil {
		return err
	}

	scanner := daemon.NewScanner(log, &cfg.Uploader)

	removed, err := scanner.ClearMarkers()
	if err != nil {
		return fmt.Errorf("clearing markers: %w", err)
	}

	log.WithField("removed", removed).
		WithField("root", cfg.Uploader.Root).
		Info("Cleared stale markers")

	return nil
}
