package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/ostrace/internal/codec"
)

var (
	callService string
	callRequest string
	callFormat  string
	callOutput  string
)

var callCmd = &cobra.Command{
	Use:   "call",
	Short: "Send one plist request to a service and print the reply",
	Long: `Send the plist read from --request (XML or binary) to a device service
as one length-prefixed frame and print the single framed reply.

Examples:
  ostrace call --request pidlist.plist
  ostrace call --service com.apple.os_trace_relay --request req.plist --format binary -o json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := codec.ParseFormat(callFormat)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(callRequest)
		if err != nil {
			return fmt.Errorf("read request: %w", err)
		}
		req, err := codec.Decode(data)
		if err != nil {
			return fmt.Errorf("parse request %s: %w", callRequest, err)
		}

		b, err := backend()
		if err != nil {
			return err
		}
		return runCall(cmd.Context(), b, callService, format, req, callOutput, cmd.OutOrStdout())
	},
}

func init() {
	callCmd.Flags().StringVar(&callService, "service", "com.apple.os_trace_relay", "service name")
	callCmd.Flags().StringVarP(&callRequest, "request", "r", "", "plist file holding the request (required)")
	callCmd.Flags().StringVar(&callFormat, "format", "xml", "request encoding: xml|binary")
	callCmd.Flags().StringVarP(&callOutput, "output", "o", "xml", "reply output format: xml|json|yaml")
	callCmd.MarkFlagRequired("request")
}

func runCall(ctx context.Context, b Backend, service string, format codec.Format, req any, output string, out io.Writer) error {
	client, err := b.OpenService(ctx, service, format)
	if err != nil {
		return err
	}
	defer client.Close()

	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()

	reply, err := client.SendRecvValue(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("call %s: %w", service, err)
	}
	return writeValue(out, reply, output)
}
