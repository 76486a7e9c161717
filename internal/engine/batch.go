package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/readiness-cli/internal/model"
	"github.com/sells-group/readiness-cli/internal/resilience"
	"github.com/sells-group/readiness-cli/internal/store"
)

// ResultHook is called after each entity finishes, from the worker that
// ran it.
type ResultHook func(ctx context.Context, entity model.Entity, res model.EntityResult)

// BatchConfig configures a Batch.
type BatchConfig struct {
	Workers    int
	MaxRetries int
	Options    Options
	OnResult   ResultHook
}

// Summary aggregates a batch.
type Summary struct {
	Total       int                  `json:"total"`
	Complete    int                  `json:"complete"`
	Partial     int                  `json:"partial"`
	Skipped     int                  `json:"skipped"`
	FailedCount int                  `json:"failed"`
	Requeued    int                  `json:"requeued"`
	CostUSD     float64              `json:"cost_usd"`
	Results     []model.EntityResult `json:"results"`
}

// Failed reports whether more entities failed than succeeded. Partial runs
// count as successes.
func (s *Summary) Failed() bool {
	return s.FailedCount > s.Complete+s.Partial
}

func (s *Summary) add(res model.EntityResult) {
	s.Results = append(s.Results, res)
	s.CostUSD += res.CostUSD
	switch res.Status {
	case model.RunComplete:
		s.Complete++
	case model.RunPartial:
		s.Partial++
	case model.RunSkipped:
		s.Skipped++
	default:
		s.FailedCount++
	}
}

// Batch runs many entities through a Runner with bounded concurrency.
type Batch struct {
	runner *Runner
	dlq    store.DeadLetters
	cfg    BatchConfig
	now    func() time.Time
}

// NewBatch creates a Batch. dlq may be nil, in which case failed entities
// are only reported.
func NewBatch(r *Runner, dlq store.DeadLetters, cfg BatchConfig) *Batch {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Batch{runner: r, dlq: dlq, cfg: cfg, now: time.Now}
}

type job struct {
	entity model.Entity
	dead   *resilience.DLQEntry
}

// Run processes entities concurrently. One entity's failure never aborts
// the batch; retryable failures are written to the dead letter queue.
// Results keep input order.
func (b *Batch) Run(ctx context.Context, entities []model.Entity) (*Summary, error) {
	jobs := make([]job, len(entities))
	for i, e := range entities {
		jobs[i] = job{entity: e}
	}
	return b.process(ctx, jobs)
}

// RetryDLQ re-runs up to limit due dead letter entries. Entries are removed
// on success and pushed back with a longer delay on failure.
func (b *Batch) RetryDLQ(ctx context.Context, limit int) (*Summary, error) {
	if b.dlq == nil {
		return nil, eris.New("engine: no dead letter queue configured")
	}
	entries, err := b.dlq.DequeueDLQ(ctx, resilience.DLQFilter{
		ErrorType: resilience.ErrorTransient,
		DueBefore: b.now().UTC(),
		Limit:     limit,
	})
	if err != nil {
		return nil, eris.Wrap(err, "engine: dequeue dead letters")
	}
	jobs := make([]job, len(entries))
	for i := range entries {
		jobs[i] = job{entity: entries[i].Entity, dead: &entries[i]}
	}
	return b.process(ctx, jobs)
}

func (b *Batch) process(ctx context.Context, jobs []job) (*Summary, error) {
	sum := &Summary{Total: len(jobs)}
	if len(jobs) == 0 {
		zap.L().Info("engine: no entities to process")
		return sum, nil
	}

	zap.L().Info("engine: processing batch",
		zap.Int("entities", len(jobs)),
		zap.Int("workers", b.cfg.Workers),
	)

	results := make([]model.EntityResult, len(jobs))
	var requeued atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.Workers)
	for i, j := range jobs {
		g.Go(func() error {
			log := zap.L().With(zap.String("entity_id", j.entity.ID))

			res, err := b.runner.RunEntity(gctx, j.entity, b.cfg.Options)
			results[i] = res
			if b.cfg.OnResult != nil {
				b.cfg.OnResult(gctx, j.entity, res)
			}

			switch {
			case err == nil:
				log.Info("engine: entity complete",
					zap.String("status", string(res.Status)),
					zap.Float64("confidence", res.Confidence),
					zap.Float64("cost_usd", res.CostUSD),
				)
				b.settle(gctx, j)
			case errors.Is(err, context.Canceled):
				log.Warn("engine: entity cancelled", zap.Error(err))
			default:
				log.Error("engine: entity failed", zap.Error(err))
				if res.Retryable && b.requeue(gctx, j, err) {
					requeued.Add(1)
				}
			}
			return nil // don't abort batch on individual failure
		})
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "engine: batch processing")
	}

	for _, res := range results {
		sum.add(res)
	}
	sum.Requeued = int(requeued.Load())

	zap.L().Info("engine: batch complete",
		zap.Int("complete", sum.Complete),
		zap.Int("partial", sum.Partial),
		zap.Int("skipped", sum.Skipped),
		zap.Int("failed", sum.FailedCount),
		zap.Int("requeued", sum.Requeued),
		zap.Float64("cost_usd", sum.CostUSD),
	)
	return sum, nil
}

// settle removes a dead letter entry whose retry succeeded.
func (b *Batch) settle(ctx context.Context, j job) {
	if j.dead == nil || b.dlq == nil {
		return
	}
	if err := b.dlq.RemoveDLQ(ctx, j.dead.ID); err != nil {
		zap.L().Warn("engine: remove dead letter failed", zap.String("id", j.dead.ID), zap.Error(err))
	}
}

// requeue writes a failed entity to the dead letter queue, bumping the
// existing entry for retries. An entry out of retries is dropped instead.
// It reports whether an entry was written.
func (b *Batch) requeue(ctx context.Context, j job, runErr error) bool {
	if b.dlq == nil {
		return false
	}
	var entry resilience.DLQEntry
	if j.dead != nil {
		entry = *j.dead
		entry.Bump(runErr, b.now().UTC())
		if !entry.CanRetry() {
			zap.L().Warn("engine: dead letter retries exhausted, dropping",
				zap.String("entity_id", j.entity.ID),
				zap.Int("retry_count", entry.RetryCount),
				zap.String("error_type", entry.ErrorType),
			)
			if err := b.dlq.RemoveDLQ(ctx, entry.ID); err != nil {
				zap.L().Warn("engine: remove dead letter failed", zap.String("id", entry.ID), zap.Error(err))
			}
			return false
		}
	} else {
		entry = resilience.NewDLQEntry(j.entity, runErr, b.cfg.MaxRetries, b.now().UTC())
	}
	if err := b.dlq.EnqueueDLQ(ctx, entry); err != nil {
		zap.L().Error("engine: enqueue dead letter failed", zap.String("entity_id", j.entity.ID), zap.Error(err))
		return false
	}
	return true
}
