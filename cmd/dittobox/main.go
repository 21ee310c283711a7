// dittobox is the command line client of an end-to-end encrypted box volume.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dittobox",
		Short: "dittobox - end-to-end encrypted versioned object storage",
		Long: `dittobox stores files in an untrusted blob backend. Content and folder
metadata are encrypted on the client; the backend only sees random names
and ciphertext.

QUICK START:

  # Write a sample configuration and an owner key:
  dittobox init
  dittobox keygen

  # Create the volume index once:
  dittobox create-index

  # Work with files:
  dittobox put ./report.pdf /docs/report.pdf
  dittobox ls /docs
  dittobox get /docs/report.pdf ./copy.pdf

SHARING:

  dittobox share /docs/report.pdf <recipient-public-key-hex>
  dittobox shares /docs/report.pdf
  dittobox unshare /docs/report.pdf

For more help on any command, use: dittobox <command> --help`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (overrides the config file)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("dittobox %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)

	rootCmd.AddCommand(newInitCmd())
	rootCmd.AddCommand(newKeygenCmd())
	rootCmd.AddCommand(newCreateIndexCmd())
	rootCmd.AddCommand(newLsCmd())
	rootCmd.AddCommand(newPutCmd())
	rootCmd.AddCommand(newGetCmd())
	rootCmd.AddCommand(newMkdirCmd())
	rootCmd.AddCommand(newRmCmd())
	rootCmd.AddCommand(newShareCmd())
	rootCmd.AddCommand(newUnshareCmd())
	rootCmd.AddCommand(newSharesCmd())
	rootCmd.AddCommand(newFetchCmd())
	rootCmd.AddCommand(newGCCmd())
	rootCmd.AddCommand(newServeMetricsCmd())

	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
