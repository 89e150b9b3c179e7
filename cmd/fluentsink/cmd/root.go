package cmd

import (
	"github.com/spf13/cobra"

	"fluentsink/internal/logging"
)

var (
	logLevel string
	logJSON  bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "fluentsink",
	Short: "Forward Kafka records to Fluentd",
	Long: `fluentsink consumes Kafka topics and forwards every record to Fluentd
over the forward protocol, committing offsets only after the records were
flushed.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.InitFromEnv()
		if cmd.Flags().Changed("log-level") || cmd.Flags().Changed("log-json") {
			logging.Configure(logging.Options{Level: logLevel, JSON: logJSON})
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error) with optional component overrides such as forward=debug; overrides FLUENTSINK_LOG_LEVEL")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "log as JSON; overrides FLUENTSINK_LOG_JSON")
}
