package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/readiness-cli/internal/config"
)

var (
	cfg          *config.Config
	fixturesPath string
)

var rootCmd = &cobra.Command{
	Use:   "readiness-cli",
	Short: "Procurement readiness engine",
	Long:  "Discovers procurement signals for organizations, validates them through an escalating verifier cascade and tracks per-category readiness.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&fixturesPath, "fixtures", "", "serve evidence from a recorded fixture file instead of live search")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
