package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var scanOpts struct {
	threshold float64
	skip      int
	quiet     bool
}

var scanCmd = &cobra.Command{
	Use:   "scan <video>",
	Short: "Scan a recorded video for anomalies and print the result as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runScan(cmd.Context(), args[0])
	},
}

func init() {
	scanCmd.Flags().Float64VarP(&scanOpts.threshold, "threshold", "t", 0, "Anomaly threshold (default: video.uploadThreshold)")
	scanCmd.Flags().IntVarP(&scanOpts.skip, "frame-skip", "n", 0, "Score every nth frame (default: video.uploadFrameSkip)")
	scanCmd.Flags().BoolVarP(&scanOpts.quiet, "quiet", "q", false, "Hide the progress bar")
}

func runScan(ctx context.Context, path string) error {
	if scanOpts.threshold > 0 {
		cfg.Video.UploadThreshold = scanOpts.threshold
	}
	if scanOpts.skip > 0 {
		cfg.Video.UploadFrameSkip = scanOpts.skip
	}
	// offline scans need neither microphone nor mail
	cfg.Speech.Enabled = false
	cfg.Alert.Enabled = false
	if err := cfg.Validate(); err != nil {
		return err
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("cannot read video: %w", err)
	}

	app, err := NewApplication(ctx, cfg, logger, appOptions{})
	if err != nil {
		return err
	}
	defer app.Close()

	var bar *progressbar.ProgressBar
	progress := func(read, total int) {
		if scanOpts.quiet {
			return
		}
		if bar == nil {
			if total <= 0 {
				total = -1
			}
			bar = progressbar.NewOptions(total,
				progressbar.OptionSetDescription("Scanning "+path),
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionShowCount(),
			)
		}
		_ = bar.Set(read)
	}

	result, err := app.scanner.Scan(ctx, path, progress)
	if bar != nil {
		_ = bar.Finish()
		fmt.Fprintln(os.Stderr)
	}
	if err != nil {
		return err
	}
	if result.Anomalous() {
		fmt.Fprintf(os.Stderr, "Anomalous frame saved to %s\n", cfg.SnapshotPath())
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
