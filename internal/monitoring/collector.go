// Package monitoring turns batch summaries into metrics and raises alerts
// when failure rate, spend or dead letter backlog cross their thresholds.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/readiness-cli/internal/engine"
	"github.com/sells-group/readiness-cli/internal/model"
)

// BatchMetrics is a point-in-time view of one finished batch.
type BatchMetrics struct {
	Source    string `json:"source"`
	Total     int    `json:"total"`
	Complete  int    `json:"complete"`
	Partial   int    `json:"partial"`
	Skipped   int    `json:"skipped"`
	Failed    int    `json:"failed"`
	Requeued  int    `json:"requeued"`
	Retryable int    `json:"retryable"`

	// FailRate is failed / (complete + partial + failed). Skipped entities
	// did not run and are left out.
	FailRate      float64 `json:"fail_rate"`
	CostUSD       float64 `json:"cost_usd"`
	AvgConfidence float64 `json:"avg_confidence"`

	DLQDepth    int       `json:"dlq_depth"`
	CollectedAt time.Time `json:"collected_at"`
}

// Finished returns the number of entities that actually ran.
func (m *BatchMetrics) Finished() int {
	return m.Complete + m.Partial + m.Failed
}

// DLQCounter reports the dead letter queue depth.
type DLQCounter interface {
	CountDLQ(ctx context.Context) (int, error)
}

// Collector derives batch metrics from a summary and the dead letter queue.
type Collector struct {
	dlq DLQCounter
	now func() time.Time
}

// NewCollector creates a collector. dlq may be nil, in which case the
// queue depth is reported as zero.
func NewCollector(dlq DLQCounter) *Collector {
	return &Collector{dlq: dlq, now: time.Now}
}

// Collect builds the metrics for sum. source names the batch input, for
// example "csv", "notion" or "retry-dlq".
func (c *Collector) Collect(ctx context.Context, source string, sum *engine.Summary) (*BatchMetrics, error) {
	if sum == nil {
		return nil, eris.New("monitoring: nil summary")
	}
	m := &BatchMetrics{
		Source:      source,
		Total:       sum.Total,
		Complete:    sum.Complete,
		Partial:     sum.Partial,
		Skipped:     sum.Skipped,
		Failed:      sum.FailedCount,
		Requeued:    sum.Requeued,
		CostUSD:     sum.CostUSD,
		CollectedAt: c.now().UTC(),
	}

	var confSum float64
	var ran int
	for _, r := range sum.Results {
		switch r.Status {
		case model.RunComplete, model.RunPartial:
			confSum += r.Confidence
			ran++
		case model.RunFailed:
			if r.Retryable {
				m.Retryable++
			}
		}
	}
	if ran > 0 {
		m.AvgConfidence = confSum / float64(ran)
	}
	if finished := m.Finished(); finished > 0 {
		m.FailRate = float64(m.Failed) / float64(finished)
	}

	if c.dlq != nil {
		depth, err := c.dlq.CountDLQ(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: count dlq")
		}
		m.DLQDepth = depth
	}
	return m, nil
}
