package main

import (
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/readiness-cli/internal/model"
)

var (
	runEntity        string
	runName          string
	runCategory      string
	runMaxIterations int
	runMaxCost       float64
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the discovery and validation loop for a single entity",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEngine(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		opts := runOptions(cfg)
		if cmd.Flags().Changed("max-iterations") {
			opts.MaxIterations = runMaxIterations
		}
		if cmd.Flags().Changed("max-cost") {
			opts.MaxCostUSD = runMaxCost
		}

		entity := entityFromFlags(runEntity, runName, runCategory)
		result, err := env.Runner.RunEntity(ctx, entity, opts)
		if encErr := printJSON(os.Stdout, result); encErr != nil {
			return encErr
		}
		if err != nil {
			return eris.Wrap(err, "run entity")
		}

		zap.L().Info("run complete",
			zap.String("entity_id", result.EntityID),
			zap.String("status", string(result.Status)),
			zap.Int("validated", result.Validated),
			zap.Float64("confidence", result.Confidence),
			zap.Float64("cost_usd", result.CostUSD),
		)
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runEntity, "entity", "", "entity domain or ID (required)")
	runCmd.Flags().StringVar(&runName, "name", "", "organization name used in search queries")
	runCmd.Flags().StringVar(&runCategory, "category", "", "default procurement category")
	runCmd.Flags().IntVar(&runMaxIterations, "max-iterations", 0, "iteration cap (default from config)")
	runCmd.Flags().Float64Var(&runMaxCost, "max-cost", 0, "USD budget cap, 0 for none (default from config)")
	_ = runCmd.MarkFlagRequired("entity")
	rootCmd.AddCommand(runCmd)
}

// entityFromFlags builds an entity from an --entity value that is either a
// domain or an opaque ID.
func entityFromFlags(id, name, category string) model.Entity {
	e := model.Entity{ID: id, Name: name, Category: category}
	if d := model.NormalizeDomain(id); d != "" && isDomainLike(d) {
		e.ID = ""
		e.Domain = d
	}
	e.Normalize()
	if e.Name == "" {
		e.Name = e.ID
	}
	return e
}

func isDomainLike(s string) bool {
	return strings.Contains(s, ".") && !strings.HasPrefix(s, ".") && !strings.HasSuffix(s, ".")
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(v), "encode output")
}
