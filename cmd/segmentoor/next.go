package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/docker/go-units"
	"github.com/ethpandaops/segmentoor/pkg/daemon"
	"github.com/ethpandaops/segmentoor/pkg/fsutil"
	"github.com/spf13/cobra"
)

var (
	nextJSON bool
	nextAll  bool
)

var nextCmd = &cobra.Command{
	Use:   "next",
	Short: "Show the artifact the uploader would pick next",
	Long: `Scan the segment root once and print the artifact the upload loop would
select next, without uploading or deleting anything. With --all, list every
eligible segment and its artifacts in upload order instead.`,
	RunE: runNext,
}

func init() {
	rootCmd.AddCommand(nextCmd)
	nextCmd.Flags().BoolVar(&nextJSON, "json", false, "Print as JSON")
	nextCmd.Flags().BoolVar(&nextAll, "all", false, "List all eligible segments")
}

func runNext(cmd *cobra.Command, args []string) error {
	cfg, err := loadUploaderConfig()
	if err != nil {
		return err
	}

	scanner := daemon.NewScanner(log, &cfg.Uploader)
	out := cmd.OutOrStdout()

	if nextAll {
		segments, err := scanner.ListEligible()
		if err != nil {
			return fmt.Errorf("listing segments: %w", err)
		}

		if nextJSON {
			return json.NewEncoder(out).Encode(segments)
		}

		for _, seg := range segments {
			fmt.Fprintf(out, "%s  (%s)\n", seg.Name, seg.Created.Format("2006-01-02 15:04:05"))

			for _, a := range seg.Artifacts {
				fmt.Fprintf(out, "  %-24s %10s\n", a.Name, units.HumanSize(float64(a.Size)))
			}
		}

		return nil
	}

	task, err := scanner.SelectNext()
	if err != nil {
		return fmt.Errorf("selecting next artifact: %w", err)
	}

	if task == nil {
		if nextJSON {
			_, err := fmt.Fprintln(out, "null")

			return err
		}

		fmt.Fprintln(out, "nothing to upload")

		return nil
	}

	if nextJSON {
		return json.NewEncoder(out).Encode(task)
	}

	size, err := fsutil.FileSize(task.Path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat %s: %w", task.Path, err)
	}

	fmt.Fprintf(out, "%s  priority=%s size=%s\n",
		task.Key, task.Priority, units.HumanSize(float64(size)))

	return nil
}
