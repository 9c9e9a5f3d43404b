// Package cli implements the mailpool command line.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lattiq/mailpool"
	"github.com/lattiq/mailpool/internal/observability"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "mailpool",
	Short: "Rotating, rate-limited delivery across a pool of outbound servers",
	Long: `mailpool sends mail through a set of outbound servers (SMTP or HTTP relays),
rotating between them under per-server rate limits with pooled sessions and
health tracking.

Servers are configured with indexed keys (HOST_1, PORT_1, FROM_1, ...) in a
dotenv file or the environment.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (dotenv, yaml, json or toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output (sets log level to debug)")
}

// newCoordinator loads configuration and builds a coordinator logging to the
// CLI logger.
func newCoordinator(opts ...mailpool.Option) (*mailpool.Coordinator, *zap.Logger, error) {
	logger := observability.CLILogger(verbose)

	v, err := mailpool.NewViper(cfgFile)
	if err != nil {
		return nil, logger, err
	}
	cfg, err := mailpool.LoadConfig(v)
	if err != nil {
		return nil, logger, fmt.Errorf("load config: %w", err)
	}

	opts = append([]mailpool.Option{mailpool.WithLogger(logger)}, opts...)
	coord, err := mailpool.New(cfg, opts...)
	if err != nil {
		return nil, logger, fmt.Errorf("create coordinator: %w", err)
	}
	return coord, logger, nil
}
