package cmd

import (
	"fmt"

	"github.com/jzelinskie/cobrautil"
	"github.com/spf13/cobra"
)

var (
	Version = ""
	Commit  = ""
	Date    = ""
	BuiltBy = ""
)

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run:   versionRun,
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().Bool("full", false, "include commit and build details")
}

func versionRun(cmd *cobra.Command, args []string) {
	fmt.Println(GetVersion(cobrautil.MustGetBool(cmd, "full")))
}

// GetVersion returns the version string, with build details when full is set.
func GetVersion(full bool) string {
	if !full {
		return Version
	}
	return fmt.Sprintf("%s (commit %s, built %s by %s)", Version, Commit, Date, BuiltBy)
}
