package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/surgehq/surge/pkg/version"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "surge",
	Short: "Surge - multi-tenant server autoscaling engine",
	Long: `Surge converges scaling groups toward their desired capacity:
it observes what servers and load-balancer memberships actually exist,
plans the minimal set of corrective actions, and executes them with
idempotent, lease-fenced steps.`,
	Version: version.Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Surge version %s\nCommit: %s\nBuilt: %s\n",
		version.Version, version.Commit, version.BuildTime,
	))

	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(groupCmd)
	rootCmd.AddCommand(policyCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Surge version %s\nCommit: %s\nBuilt: %s\n",
			version.Version, version.Commit, version.BuildTime)
	},
}
