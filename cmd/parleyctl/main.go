// parleyctl is the operator command line for a running Parley server.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0-dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "parleyctl",
		Short: "Operate a Parley conversation engine",
		Long: `parleyctl talks to a Parley server over its HTTP API.

It can simulate inbound messages, inspect customer dossiers and work the
human escalation queue.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().String("addr", envOr("PARLEY_ADDR", "http://localhost:8080"), "Server base URL")
	rootCmd.PersistentFlags().String("tenant", os.Getenv("PARLEY_TENANT"), "Tenant ID (server default when empty)")
	rootCmd.PersistentFlags().String("api-key", os.Getenv("PARLEY_API_KEY"), "API key")
	rootCmd.PersistentFlags().Bool("json", false, "Output raw JSON")

	rootCmd.AddCommand(
		newVersionCmd(),
		newSendCmd(),
		newDossierCmd(),
		newQueueCmd(),
		newRulesCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "parleyctl version %s\n", version)
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
