package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"firestige.xyz/ostrace/internal/ostrace"
	"firestige.xyz/ostrace/internal/sink"
)

var syslogPid int

var syslogCmd = &cobra.Command{
	Use:   "syslog",
	Short: "Stream live syslog records",
	Long: `Stream live syslog records to the configured sinks (console by default).

Examples:
  ostrace syslog
  ostrace syslog --pid 231 -c /etc/ostrace/config.yml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		pid := cfg.Syslog.Pid
		if cmd.Flags().Changed("pid") {
			pid = syslogPid
		}
		if pid < ostrace.AllProcesses {
			return fmt.Errorf("invalid pid %d", pid)
		}

		b, err := backend()
		if err != nil {
			return err
		}
		out, err := sink.FromConfig(cfg.Syslog.Sinks, slog.Default())
		if err != nil {
			return err
		}
		defer out.Close()

		return runSyslog(cmd.Context(), b, pid, out, slog.Default())
	},
}

func init() {
	syslogCmd.Flags().IntVarP(&syslogPid, "pid", "p", ostrace.AllProcesses, "only show records of this pid (-1 for all)")
}

// runSyslog copies records into out until the device closes the stream or
// ctx is cancelled. Undecodable records and sink failures are logged and
// skipped.
func runSyslog(ctx context.Context, b Backend, pid int, out sink.Sink, logger *slog.Logger) error {
	relay, err := b.OpenRelay(ctx)
	if err != nil {
		return err
	}
	defer relay.Close()

	stream, err := relay.Syslog(ctx, pid)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("start syslog: %w", err)
	}
	defer stream.Close()

	var delivered, skipped int
	for rec, err := range stream.All() {
		if rec == nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				break
			}
			if stream.Err() != nil {
				return fmt.Errorf("syslog stream: %w", err)
			}
			skipped++
			logger.Warn("skipping undecodable record", "error", err)
			continue
		}
		if err := out.Write(ctx, rec); err != nil {
			continue
		}
		delivered++
	}

	logger.Info("syslog stream ended", "delivered", delivered, "skipped", skipped)
	return nil
}
