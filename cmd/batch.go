package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/readiness-cli/internal/engine"
	"github.com/sells-group/readiness-cli/internal/model"
	"github.com/sells-group/readiness-cli/internal/monitoring"
	"github.com/sells-group/readiness-cli/pkg/notion"
)

var (
	batchEntities string
	batchNotion   bool
	batchLimit    int
	batchRetryDLQ bool
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Run many entities from a CSV file, the Notion queue or the dead letter queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkBatchSource(batchEntities, batchNotion, batchRetryDLQ); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEngine(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		var notionClient notion.Client
		if batchNotion {
			if env.Notion == nil || cfg.Notion.EntityDB == "" {
				return eris.New("batch: --notion needs notion.token and notion.entity_db")
			}
			notionClient = env.Notion
		}

		b := engine.NewBatch(env.Runner, env.Store, engine.BatchConfig{
			Workers:  cfg.Batch.MaxConcurrentEntities,
			Options:  runOptions(cfg),
			OnResult: notionReporter(notionClient),
		})

		var sum *engine.Summary
		if batchRetryDLQ {
			sum, err = b.RetryDLQ(ctx, batchLimit)
		} else {
			var entities []model.Entity
			entities, err = loadBatchEntities(ctx, notionClient)
			if err != nil {
				return err
			}
			sum, err = b.Run(ctx, limitEntities(entities, batchLimit))
		}
		if err != nil {
			return err
		}

		checker := monitoring.NewChecker(monitoring.NewCollector(env.Store), monitoring.NewAlerter(cfg.Monitoring))
		checker.Check(ctx, batchSource(batchNotion, batchRetryDLQ), sum)

		if err := printJSON(os.Stdout, sum); err != nil {
			return err
		}
		if sum.Failed() {
			return eris.Errorf("batch: %d of %d entities failed", sum.FailedCount, sum.Total)
		}
		return nil
	},
}

func init() {
	batchCmd.Flags().StringVar(&batchEntities, "entities", "", "CSV file with a domain or id column")
	batchCmd.Flags().BoolVar(&batchNotion, "notion", false, "read queued entities from the Notion entity database")
	batchCmd.Flags().IntVar(&batchLimit, "limit", 100, "max number of entities to process")
	batchCmd.Flags().BoolVar(&batchRetryDLQ, "retry-dlq", false, "re-run due entries from the dead letter queue")
	rootCmd.AddCommand(batchCmd)
}

func checkBatchSource(entitiesPath string, fromNotion, retryDLQ bool) error {
	n := 0
	for _, set := range []bool{entitiesPath != "", fromNotion, retryDLQ} {
		if set {
			n++
		}
	}
	if n != 1 {
		return eris.New("batch: exactly one of --entities, --notion or --retry-dlq is required")
	}
	return nil
}

// batchSource names the batch input for monitoring.
func batchSource(fromNotion, retryDLQ bool) string {
	switch {
	case retryDLQ:
		return "retry-dlq"
	case fromNotion:
		return "notion"
	default:
		return "csv"
	}
}

func loadBatchEntities(ctx context.Context, notionClient notion.Client) ([]model.Entity, error) {
	if notionClient == nil {
		return engine.LoadEntitiesCSV(batchEntities)
	}
	pages, err := notion.QueryQueued(ctx, notionClient, cfg.Notion.EntityDB)
	if err != nil {
		return nil, eris.Wrap(err, "query queued entities")
	}
	return entitiesFromPages(pages), nil
}

// entitiesFromPages converts queue pages, skipping pages that resolve to no
// usable entity.
func entitiesFromPages(pages []notionapi.Page) []model.Entity {
	entities := make([]model.Entity, 0, len(pages))
	for _, p := range pages {
		e := notion.EntityFromPage(p)
		if e.Name == "" && e.Domain == "" {
			zap.L().Warn("skipping notion page without name or domain", zap.String("page_id", string(p.ID)))
			continue
		}
		entities = append(entities, e)
	}
	return entities
}

func limitEntities(entities []model.Entity, limit int) []model.Entity {
	if limit > 0 && len(entities) > limit {
		return entities[:limit]
	}
	return entities
}

// notionReporter writes each result back to its queue page. It returns nil
// when there is no Notion client.
func notionReporter(c notion.Client) engine.ResultHook {
	if c == nil {
		return nil
	}
	return func(ctx context.Context, e model.Entity, res model.EntityResult) {
		if e.NotionPageID == "" {
			return
		}
		if err := notion.ReportResult(ctx, c, e.NotionPageID, res); err != nil {
			zap.L().Warn("failed to update notion page",
				zap.String("entity_id", e.ID),
				zap.String("page_id", e.NotionPageID),
				zap.Error(err),
			)
		}
	}
}
