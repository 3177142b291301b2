package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var pidlistOutput string

var pidlistCmd = &cobra.Command{
	Use:   "pidlist",
	Short: "Print the device process list",
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := backend()
		if err != nil {
			return err
		}
		return runPidList(cmd.Context(), b, pidlistOutput, cmd.OutOrStdout())
	},
}

func init() {
	pidlistCmd.Flags().StringVarP(&pidlistOutput, "output", "o", "json", "output format: json|yaml|xml")
}

func runPidList(ctx context.Context, b Backend, format string, out io.Writer) error {
	relay, err := b.OpenRelay(ctx)
	if err != nil {
		return err
	}
	defer relay.Close()

	list, err := relay.PidList(ctx)
	if err != nil {
		return fmt.Errorf("pid list: %w", err)
	}
	return writeValue(out, list, format)
}
