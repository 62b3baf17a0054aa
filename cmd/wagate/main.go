// Command wagate runs an HTTP gateway in front of a single WhatsApp
// session.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// exitCode lets RunE report the lifecycle manager's exit code.
type exitCode int

func (e exitCode) Error() string { return fmt.Sprintf("exit status %d", int(e)) }

func main() {
	if err := rootCmd().Execute(); err != nil {
		if code, ok := err.(exitCode); ok {
			os.Exit(int(code))
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string
	serve := serveCmd(&configPath)

	cmd := &cobra.Command{
		Use:           "wagate",
		Short:         "HTTP gateway for sending WhatsApp messages",
		SilenceUsage:  true,
		SilenceErrors: true,
		// Bare "wagate" behaves like "wagate serve".
		RunE: serve.RunE,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a JSON config file")
	cmd.Flags().AddFlagSet(serve.Flags())

	cmd.AddCommand(serve)
	cmd.AddCommand(sessionCmd(&configPath))
	return cmd
}
