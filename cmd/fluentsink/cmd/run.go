package cmd

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"fluentsink/internal/engine"
	"fluentsink/sink/fluentd"
)

var runCfg engine.Config

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a pipeline until interrupted",
	Long: `Run starts the pipeline described by --pipeline. SIGINT or SIGTERM
flushes what was consumed, commits it and stops the sink.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		runCfg.Version = fluentd.Version
		e, err := engine.Bootstrap(ctx, runCfg)
		if err != nil {
			return err
		}
		return e.Run(ctx)
	},
}

func init() {
	runCmd.Flags().StringVarP(&runCfg.PipelineYml, "pipeline", "p", "pipeline.yml", "pipeline file")
	runCmd.Flags().IntVar(&runCfg.HealthPort, "health-port", 0, "gRPC health port (default from pipeline file, else 7070)")
	runCmd.Flags().IntVar(&runCfg.MetricsPort, "metrics-port", 0, "Prometheus port (default from pipeline file, else 9100)")
	rootCmd.AddCommand(runCmd)
}
