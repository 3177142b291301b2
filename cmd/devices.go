package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var devicesOutput string

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List devices attached through usbmuxd",
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := backend()
		if err != nil {
			return err
		}
		return runDevices(cmd.Context(), b, devicesOutput, cmd.OutOrStdout())
	},
}

func init() {
	devicesCmd.Flags().StringVarP(&devicesOutput, "output", "o", "table", "output format: table|json|yaml")
}

func runDevices(ctx context.Context, b Backend, format string, out io.Writer) error {
	devices, err := b.Devices(ctx)
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}

	if format != "table" {
		return writeValue(out, devices, format)
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "UDID\tDEVICE ID\tCONNECTION\tPRODUCT ID")
	for _, d := range devices {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%d\n", d.UDID, d.DeviceID, d.ConnectionType, d.ProductID)
	}
	return tw.Flush()
}
