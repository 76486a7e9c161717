package monitoring

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/readiness-cli/internal/engine"
)

// Checker runs the alert check after a batch finishes.
type Checker struct {
	collector *Collector
	alerter   *Alerter
}

// NewChecker creates a Checker.
func NewChecker(collector *Collector, alerter *Alerter) *Checker {
	return &Checker{collector: collector, alerter: alerter}
}

// Check collects metrics for sum, logs every triggered alert and sends them
// to the webhook. Monitoring failures are logged, never returned, so they
// cannot fail the batch.
func (c *Checker) Check(ctx context.Context, source string, sum *engine.Summary) []Alert {
	log := zap.L().With(zap.String("component", "monitoring.checker"), zap.String("source", source))

	m, err := c.collector.Collect(ctx, source, sum)
	if err != nil {
		log.Error("monitoring: failed to collect metrics", zap.Error(err))
		return nil
	}

	alerts := c.alerter.Evaluate(m)
	if len(alerts) == 0 {
		log.Debug("monitoring: no alerts triggered",
			zap.Float64("fail_rate", m.FailRate),
			zap.Float64("cost_usd", m.CostUSD),
		)
		return nil
	}
	for _, a := range alerts {
		log.Warn("monitoring: alert triggered",
			zap.String("type", string(a.Type)),
			zap.String("message", a.Message),
		)
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Info("monitoring: alert check complete",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
	return alerts
}
