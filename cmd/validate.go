package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"firestige.xyz/ostrace/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Validate a configuration file without touching any device and print
the effective configuration with defaults applied.

Examples:
  ostrace validate -c /etc/ostrace/config.yml`,
	// Loading is the check itself; skip the shared setup.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		return runValidate(configFile, cmd.OutOrStdout())
	},
}

func runValidate(path string, out io.Writer) error {
	loaded, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("INVALID: %w", err)
	}

	fmt.Fprintf(out, "VALID: locator %q, %d service(s), %d sink(s)\n",
		loaded.Locator.Type,
		len(loaded.Locator.Services),
		len(loaded.Syslog.Sinks),
	)

	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(map[string]any{"ostrace": loaded}); err != nil {
		return err
	}
	return enc.Close()
}
