// Package commands implements the mptcpctl CLI commands.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// client is the introspection HTTP client, initialized in PersistentPreRunE.
	client *apiClient

	// outputFormat controls the output format for all commands (table or json).
	outputFormat string

	// serverAddr is the daemon's introspection surface base URL.
	serverAddr string
)

// rootCmd is the top-level cobra command for mptcpctl.
var rootCmd = &cobra.Command{
	Use:   "mptcpctl",
	Short: "CLI client for the mptcpd path-manager daemon",
	Long:  "mptcpctl communicates with the mptcpd daemon over its JSON introspection surface to inspect and administer MPTCP path management.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		client = newAPIClient(serverAddr)
		return nil
	},
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "http://localhost:9901",
		"mptcpd introspection surface base URL")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json")

	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(addrCmd())
	rootCmd.AddCommand(limitsCmd())
	rootCmd.AddCommand(subflowCmd())
	rootCmd.AddCommand(monitorCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
