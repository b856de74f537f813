// Package commands provides the CLI commands for gatekeeper.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	logLevel  string
	serverURL string
)

var rootCmd = &cobra.Command{
	Use:   "gatekeeper",
	Short: "gatekeeper - permission-gated tool execution for agent conversations",
	Long: `gatekeeper runs agent conversations whose tool calls may stop to ask a
human for permission, and resumes them once the decision arrives.

Run 'gatekeeper serve' to start the server, then use 'gatekeeper pending'
and 'gatekeeper respond' to answer permission requests.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defaultServerURL(), "Server URL used by client commands")

	rootCmd.SetVersionTemplate(fmt.Sprintf("gatekeeper %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(pendingCmd)
	rootCmd.AddCommand(respondCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetWorkDir returns the working directory from flag or current directory.
func GetWorkDir(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	return os.Getwd()
}

func defaultServerURL() string {
	if v := os.Getenv("GATEKEEPER_SERVER"); v != "" {
		return v
	}
	return "http://127.0.0.1:4096"
}
