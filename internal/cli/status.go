package cli

import (
	"context"
	"encoding/json"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lattiq/mailpool"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Verify every server and print pool and rotation status",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().Duration("timeout", 30*time.Second, "Overall verification timeout")
	statusCmd.Flags().Bool("skip-verify", false, "Print status without contacting the servers")
}

type statusReport struct {
	Verify       []mailpool.VerifyResult     `json:"verify,omitempty"`
	Connections  mailpool.ConnectionStats    `json:"connections"`
	Coordination mailpool.CoordinationStatus `json:"coordination"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	timeout, err := cmd.Flags().GetDuration("timeout")
	if err != nil {
		return err
	}
	skip, err := cmd.Flags().GetBool("skip-verify")
	if err != nil {
		return err
	}

	coord, logger, err := newCoordinator()
	if err != nil {
		return err
	}
	defer coord.Close() // nolint:errcheck // shutdown errors are logged by the coordinator

	var report statusReport
	if !skip {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		report.Verify = coord.VerifyAll(ctx)
		for _, r := range report.Verify {
			if !r.Healthy {
				logger.Warn("server verification failed", zap.String("server", r.Server), zap.String("error", r.Error))
			}
		}
	}
	report.Connections = coord.ConnectionStats()
	report.Coordination = coord.CoordinationStatus()

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
