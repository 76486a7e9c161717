package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/readiness-cli/internal/cost"
	"github.com/sells-group/readiness-cli/internal/ledger"
)

var archiveEntity string

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Archive an entity's ledger so batch runs skip it",
	RunE: func(cmd *cobra.Command, args []string) error {
		snaps := ledger.Snapshots{
			Dir:  cfg.Ledger.SnapshotDir,
			Calc: cost.NewCalculator(ratesFromConfig(cfg.Pricing)),
		}
		entity := entityFromFlags(archiveEntity, "", "")
		l, err := archiveLedger(snaps, entity.ID)
		if err != nil {
			return eris.Wrapf(err, "archive %s", entity.ID)
		}
		zap.L().Info("ledger archived", zap.String("entity_id", entity.ID))
		return printJSON(os.Stdout, l.Snapshot())
	},
}

func init() {
	archiveCmd.Flags().StringVar(&archiveEntity, "entity", "", "entity domain or ID (required)")
	_ = archiveCmd.MarkFlagRequired("entity")
	rootCmd.AddCommand(archiveCmd)
}

// archiveLedger marks an existing ledger archived and saves it. Archiving
// twice is a no-op. A missing ledger returns ledger.ErrNotFound.
func archiveLedger(ls ledgerStore, entityID string) (*ledger.Ledger, error) {
	l, err := ls.Load(entityID)
	if err != nil {
		return nil, err
	}
	if l.Archived() {
		return l, nil
	}
	l.Archive()
	if err := ls.Save(l); err != nil {
		return nil, err
	}
	return l, nil
}
