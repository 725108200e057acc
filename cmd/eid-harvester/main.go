// Command eid-harvester downloads record documents for a list of EIDs,
// resuming from its checkpoint on every run.
package main

import (
	"fmt"
	"os"

	"github.com/Sternrassler/eid-harvester/internal/config"
	"github.com/Sternrassler/eid-harvester/pkg/logging"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
	pretty     bool

	// cfg is loaded once per invocation by the root command.
	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "eid-harvester",
	Short: "Resumable, concurrent record downloader",
	Long: `eid-harvester fetches one JSON document per EID from an
authentication-gated API, writes it to disk and records the outcome in a
checkpoint file so that an interrupted run picks up where it stopped.

Available subcommands:
  run    - Fetch every EID from the input file not yet done
  login  - Log in once and persist the session
  export - Flatten downloaded documents into CSV`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("log-level") {
			loaded.Logging.Level = logLevel
		}
		if cmd.Flags().Changed("pretty") {
			loaded.Logging.Pretty = pretty
		}
		cfg = loaded

		logging.Setup(logging.Config{
			Level:  logging.LogLevel(cfg.Logging.Level),
			Pretty: cfg.Logging.Pretty,
			Output: os.Stderr,
		})
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "harvest.yaml", "Config file (missing file means defaults)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&pretty, "pretty", false, "Human-readable console logs")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(exportCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
