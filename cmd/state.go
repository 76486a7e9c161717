package main

import (
	"context"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/readiness-cli/internal/engine"
	"github.com/sells-group/readiness-cli/internal/hypothesis"
	"github.com/sells-group/readiness-cli/internal/model"
	"github.com/sells-group/readiness-cli/internal/store"
)

var (
	stateEntity   string
	stateCategory string
	stateRefresh  bool
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show the readiness state of an entity for one category",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		states, rdb, err := initStates()
		if err != nil {
			return err
		}
		if rdb != nil {
			defer rdb.Close() //nolint:errcheck
		}

		st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DatabaseURL, cfg.Store.MaxConns)
		if err != nil {
			return eris.Wrap(err, "open store")
		}
		defer st.Close() //nolint:errcheck

		entity := entityFromFlags(stateEntity, "", "")
		res, err := evaluateState(ctx, st, states, entity.ID, stateCategory, stateRefresh)
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, res)
	},
}

func init() {
	stateCmd.Flags().StringVar(&stateEntity, "entity", "", "entity domain or ID (required)")
	stateCmd.Flags().StringVar(&stateCategory, "category", model.DefaultCategory, "procurement category")
	stateCmd.Flags().BoolVar(&stateRefresh, "refresh", false, "recompute instead of serving a cached state")
	_ = stateCmd.MarkFlagRequired("entity")
	rootCmd.AddCommand(stateCmd)
}

// evaluateState derives the state of (entityID, category) from the
// validated signals in the store.
func evaluateState(ctx context.Context, signals store.SignalStore, states engine.StateEvaluator, entityID, category string, refresh bool) (hypothesis.Result, error) {
	category = strings.ToLower(strings.TrimSpace(category))
	if category == "" {
		category = model.DefaultCategory
	}
	stored, err := signals.Query(ctx, entityID, store.SignalFilter{Category: category, ValidatedOnly: true})
	if err != nil {
		return hypothesis.Result{}, eris.Wrapf(err, "query signals for %s", entityID)
	}
	return states.Evaluate(ctx, hypothesis.Request{
		EntityID:     entityID,
		Category:     category,
		Buckets:      model.SplitBuckets(stored, category),
		ForceRefresh: refresh,
	})
}
