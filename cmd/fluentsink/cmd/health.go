package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"fluentsink/internal/transport"
)

var (
	healthAddr    string
	healthTimeout time.Duration
)

// healthCmd exits non-zero unless the pipeline reports SERVING.
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of a running engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), healthTimeout)
		defer cancel()

		st, err := transport.Check(ctx, healthAddr, transport.ServiceName)
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", transport.ServiceName, st)
		if st != healthpb.HealthCheckResponse_SERVING {
			return fmt.Errorf("pipeline is %s", st)
		}
		return nil
	},
}

func init() {
	healthCmd.Flags().StringVar(&healthAddr, "addr", "localhost:7070", "engine health address (host:port)")
	healthCmd.Flags().DurationVar(&healthTimeout, "timeout", 5*time.Second, "request timeout")
	rootCmd.AddCommand(healthCmd)
}
