package resilience

import (
	"time"

	"github.com/google/uuid"

	"github.com/sells-group/readiness-cli/internal/model"
)

// Error classes recorded on DLQ entries.
const (
	ErrorTransient = "transient"
	ErrorPermanent = "permanent"
)

// DLQEntry is an entity whose run failed in a retryable way and can be
// re-queued by a later batch.
type DLQEntry struct {
	ID           string       `json:"id"`
	Entity       model.Entity `json:"entity"`
	Error        string       `json:"error"`
	ErrorType    string       `json:"error_type"`
	RetryCount   int          `json:"retry_count"`
	MaxRetries   int          `json:"max_retries"`
	NextRetryAt  time.Time    `json:"next_retry_at"`
	CreatedAt    time.Time    `json:"created_at"`
	LastFailedAt time.Time    `json:"last_failed_at"`
}

// DLQFilter specifies criteria for querying the dead letter queue.
type DLQFilter struct {
	ErrorType string    `json:"error_type,omitempty"`
	DueBefore time.Time `json:"due_before,omitempty"`
	Limit     int       `json:"limit,omitempty"`
}

// DLQBackoff spaces out retries of the same entity.
var DLQBackoff = RetryConfig{
	InitialBackoff: 5 * time.Minute,
	MaxBackoff:     6 * time.Hour,
	Multiplier:     3,
}

// NewDLQEntry builds a first-failure entry for entity.
func NewDLQEntry(entity model.Entity, err error, maxRetries int, now time.Time) DLQEntry {
	return DLQEntry{
		ID:           uuid.NewString(),
		Entity:       entity,
		Error:        err.Error(),
		ErrorType:    ClassifyError(err),
		MaxRetries:   maxRetries,
		NextRetryAt:  now.Add(Backoff(0, applyDefaults(DLQBackoff))),
		CreatedAt:    now,
		LastFailedAt: now,
	}
}

// Bump records another failed attempt and pushes NextRetryAt out.
func (e *DLQEntry) Bump(err error, now time.Time) {
	e.RetryCount++
	e.Error = err.Error()
	e.ErrorType = ClassifyError(err)
	e.LastFailedAt = now
	e.NextRetryAt = now.Add(Backoff(e.RetryCount, applyDefaults(DLQBackoff)))
}

// CanRetry returns true if this entry hasn't exceeded its max retry count
// and its failure was transient.
func (e *DLQEntry) CanRetry() bool {
	return e.ErrorType == ErrorTransient && e.RetryCount < e.MaxRetries
}

// ClassifyError categorizes an error as transient or permanent.
func ClassifyError(err error) string {
	if IsTransient(err) {
		return ErrorTransient
	}
	return ErrorPermanent
}
