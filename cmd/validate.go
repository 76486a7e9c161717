package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/readiness-cli/internal/model"
)

var (
	validateEntity     string
	validateName       string
	validateCandidates string
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate recorded candidate signals for one entity",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		entity := entityFromFlags(validateEntity, validateName, "")
		candidates, err := loadCandidates(validateCandidates, entity.ID)
		if err != nil {
			return err
		}

		env, err := initEngine(ctx, "validate")
		if err != nil {
			return err
		}
		defer env.Close()

		result, err := env.Runner.ValidateCandidates(ctx, entity, candidates, runOptions(cfg))
		if encErr := printJSON(os.Stdout, result); encErr != nil {
			return encErr
		}
		if err != nil {
			return eris.Wrap(err, "validate candidates")
		}

		zap.L().Info("validation complete",
			zap.String("entity_id", result.EntityID),
			zap.Int("candidates", len(candidates)),
			zap.Int("validated", result.Validated),
		)
		return nil
	},
}

func init() {
	validateCmd.Flags().StringVar(&validateEntity, "entity", "", "entity domain or ID (required)")
	validateCmd.Flags().StringVar(&validateName, "name", "", "organization name")
	validateCmd.Flags().StringVar(&validateCandidates, "candidates", "", "JSON file with an array of candidate signals (required)")
	_ = validateCmd.MarkFlagRequired("entity")
	_ = validateCmd.MarkFlagRequired("candidates")
	rootCmd.AddCommand(validateCmd)
}

// loadCandidates reads a candidates file. Every signal must belong to
// entityID.
func loadCandidates(path, entityID string) ([]model.Signal, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "open candidates")
	}
	defer f.Close() //nolint:errcheck

	signals, err := model.DecodeSignals(f)
	if err != nil {
		return nil, eris.Wrapf(err, "read candidates %s", path)
	}
	for _, s := range signals {
		if s.EntityID != entityID {
			return nil, eris.Errorf("candidate %s belongs to %q, not %q", s.ID, s.EntityID, entityID)
		}
	}
	return signals, nil
}
