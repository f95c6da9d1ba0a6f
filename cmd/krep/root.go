package krep

import (
	"fmt"
	"os"
	"strings"

	"github.com/edgeflare/krep/pkg/config"
	"github.com/edgeflare/krep/pkg/util"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const defaultDirection = "S2T"

var rootCmd = &cobra.Command{
	Use:   "krep [direction]",
	Short: "krep replicates Kafka topics between clusters",
	Long: `krep consumes the topics named in TOPIC_MAPPING from the source cluster and
produces every record, with key, headers and timestamp, to the mapped topic on
the target cluster. The optional direction argument (default S2T) tags logs and client IDs.`,
	Args:          cobra.MaximumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		direction := defaultDirection
		if len(args) > 0 && strings.TrimSpace(args[0]) != "" {
			direction = args[0]
		}
		return runReplicate(cmd.Context(), direction)
	},
}

// Main runs the krep command and exits non-zero on failure.
func Main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newLogger builds the production logger at LOG_LEVEL, tagged with direction.
func newLogger(direction string) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(util.GetEnvOrDefault("LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("%w: LOG_LEVEL: %w", config.ErrConfiguration, err)
	}

	zc := zap.NewProductionConfig()
	zc.Level = level
	logger, err := zc.Build()
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String("direction", direction)), nil
}
