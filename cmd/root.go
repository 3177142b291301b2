// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"firestige.xyz/ostrace/internal/config"
	"firestige.xyz/ostrace/internal/log"
	"firestige.xyz/ostrace/internal/metrics"
)

var (
	// Global flags
	configFile string
	udidFlag   string
	verbose    int

	// Set up by PersistentPreRunE
	cfg           *config.GlobalConfig
	logCloser     io.Closer
	metricsServer *metrics.Server
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "ostrace",
	Short: "ostrace - iOS device log relay client",
	Long: `ostrace talks to the os_trace_relay service of an attached iOS device.
It lists processes, streams live syslog records to the console, files, Kafka or Loki,
and downloads the stored log archive.

Devices are reached through usbmuxd or, for forwarded services, plain TCP.`,
	Version:           "0.1.0",
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: teardown,
}

// Execute runs the root command with a context cancelled on SIGINT/SIGTERM.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (defaults and OSTRACE_* env only when empty)")
	rootCmd.PersistentFlags().StringVarP(&udidFlag, "udid", "u", "",
		"target device UDID (overrides ostrace.device.udid)")
	rootCmd.PersistentFlags().CountVarP(&verbose, "verbose", "v",
		"raise log verbosity (-v info, -vv debug)")

	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(pidlistCmd)
	rootCmd.AddCommand(syslogCmd)
	rootCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(callCmd)
	rootCmd.AddCommand(validateCmd)
}

// setup loads configuration, installs the logger and starts the metrics
// server when enabled.
func setup(cmd *cobra.Command, args []string) error {
	loaded, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if udidFlag != "" {
		loaded.Device.UDID = udidFlag
	}
	loaded.Log.Level = log.VerbosityLevel(loaded.Log.Level, verbose)

	closer, err := log.Init(loaded.Log)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	cfg = loaded
	logCloser = closer

	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path)
		if err := metricsServer.Start(cmd.Context()); err != nil {
			return err
		}
	}
	return nil
}

func teardown(cmd *cobra.Command, args []string) {
	if metricsServer != nil {
		if err := metricsServer.Stop(context.Background()); err != nil {
			slog.Warn("metrics server stop failed", "error", err)
		}
		metricsServer = nil
	}
	if logCloser != nil {
		logCloser.Close()
		logCloser = nil
	}
}

// backend builds the device backend from the loaded configuration.
func backend() (Backend, error) {
	return newDeviceBackend(cfg, slog.Default())
}
