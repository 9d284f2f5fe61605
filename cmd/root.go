package cmd

import (
	"os"

	"github.com/costap/discard/internal/pkg/server"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "discard",
	Short: "A TCP server that reads and drops everything it receives",
	// Errors are reported once by Execute; usage is only useful for flag errors.
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
}

// Execute runs the command line and exits with a status derived from the
// returned error: 0 on success, 2 when the listener cannot bind, 1 otherwise.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(server.ExitCode(err))
	}
}
