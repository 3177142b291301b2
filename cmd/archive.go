package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/ostrace/internal/ostrace"
)

var (
	archiveOut       string
	archiveSizeLimit int64
	archiveAgeLimit  int64
	archiveStartTime int64
)

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Download the stored log archive",
	Long: `Download the device's stored log archive. The archive container is
written unmodified; limits of 0 are not sent to the device.

Examples:
  ostrace archive --out device.logarchive.tar
  ostrace archive --out recent.tar --age-limit 3600`,
	RunE: func(cmd *cobra.Command, args []string) error {
		limits := cfg.Archive
		if cmd.Flags().Changed("size-limit") {
			limits.SizeLimit = archiveSizeLimit
		}
		if cmd.Flags().Changed("age-limit") {
			limits.AgeLimit = archiveAgeLimit
		}
		if cmd.Flags().Changed("start-time") {
			limits.StartTime = archiveStartTime
		}

		b, err := backend()
		if err != nil {
			return err
		}

		f, err := os.Create(archiveOut)
		if err != nil {
			return fmt.Errorf("create %s: %w", archiveOut, err)
		}
		defer f.Close()

		opts := ostrace.ArchiveOptions{
			SizeLimit: optional(limits.SizeLimit),
			AgeLimit:  optional(limits.AgeLimit),
			StartTime: optional(limits.StartTime),
		}
		if err := runArchive(cmd.Context(), b, opts, f, cmd.ErrOrStderr()); err != nil {
			return err
		}
		return f.Sync()
	},
}

func init() {
	archiveCmd.Flags().StringVarP(&archiveOut, "out", "o", "", "archive output file (required)")
	archiveCmd.Flags().Int64Var(&archiveSizeLimit, "size-limit", 0, "maximum archive size in bytes")
	archiveCmd.Flags().Int64Var(&archiveAgeLimit, "age-limit", 0, "maximum record age in seconds")
	archiveCmd.Flags().Int64Var(&archiveStartTime, "start-time", 0, "start time in seconds since the epoch")
	archiveCmd.MarkFlagRequired("out")
}

func optional(v int64) *int64 {
	if v <= 0 {
		return nil
	}
	return &v
}

func runArchive(ctx context.Context, b Backend, opts ostrace.ArchiveOptions, out io.Writer, status io.Writer) error {
	relay, err := b.OpenRelay(ctx)
	if err != nil {
		return err
	}
	defer relay.Close()

	res, err := relay.CreateArchive(ctx, out, opts)
	if err != nil {
		return fmt.Errorf("archive %s after %d chunks: %w", res.State, res.Chunks, err)
	}
	fmt.Fprintf(status, "✓ Archive complete: %d chunks, %d bytes\n", res.Chunks, res.Bytes)
	return nil
}
