package hypothesis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/readiness-cli/internal/model"
)

// Request asks for the state of one (entity, category) pair.
type Request struct {
	EntityID     string
	Category     string
	Buckets      model.SignalBuckets
	AsOf         time.Time
	ForceRefresh bool
}

// Result is a computed or cached state.
type Result struct {
	State  model.HypothesisState `json:"state"`
	Cached bool                  `json:"cached"`
}

// Service fronts a Machine with a Cache. Cached entries are reused only
// when the input fingerprint matches.
type Service struct {
	machine *Machine
	cache   Cache
	now     func() time.Time
}

// NewService creates a Service. A nil cache disables caching.
func NewService(m *Machine, cache Cache) *Service {
	return &Service{machine: m, cache: cache, now: time.Now}
}

// Evaluate returns the hypothesis state for req. AsOf is truncated to the
// UTC day (zero means today) so repeated calls within a day share a cache
// entry. Cache failures are logged and fall through to recomputation.
func (s *Service) Evaluate(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	category := req.Category
	if category == "" {
		category = model.DefaultCategory
	}
	asOf := req.AsOf
	if asOf.IsZero() {
		asOf = s.now()
	}
	asOf = asOf.UTC().Truncate(24 * time.Hour)

	fp := Fingerprint(req.Buckets, asOf)
	log := zap.L().With(zap.String("entity_id", req.EntityID), zap.String("category", category))

	if s.cache != nil && !req.ForceRefresh {
		e, ok, err := s.cache.Get(ctx, req.EntityID, category)
		switch {
		case err != nil:
			log.Warn("hypothesis: cache read failed", zap.Error(err))
		case ok && e.Fingerprint == fp:
			return Result{State: e.State, Cached: true}, nil
		}
	}

	state := s.machine.RecomputeBuckets(req.EntityID, category, req.Buckets, asOf)
	if s.cache != nil {
		if err := s.cache.Set(ctx, req.EntityID, category, Entry{Fingerprint: fp, State: state}); err != nil {
			log.Warn("hypothesis: cache write failed", zap.Error(err))
		}
	}
	log.Debug("hypothesis: recomputed",
		zap.String("state", state.State.String()),
		zap.Float64("maturity", state.MaturityScore),
		zap.Float64("activity", state.ActivityScore),
	)
	return Result{State: state}, nil
}

// Invalidate drops every cached state for an entity.
func (s *Service) Invalidate(ctx context.Context, entityID string) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Invalidate(ctx, entityID)
}

// Fingerprint hashes the inputs that determine a state: every signal's
// class, ID, confidence and newest evidence date, plus asOf. Order within
// a bucket does not matter.
func Fingerprint(b model.SignalBuckets, asOf time.Time) string {
	var lines []string
	add := func(class model.SignalClass, signals []model.Signal) {
		for _, sig := range signals {
			lines = append(lines, fmt.Sprintf("%s|%s|%.6f|%.6f|%d",
				class, sig.ID, sig.Confidence, sig.FinalConfidence, sig.LatestEvidence().Unix()))
		}
	}
	add(model.ClassCapability, b.Capability)
	add(model.ClassProcurement, b.Procurement)
	add(model.ClassOpportunity, b.Opportunity)
	sort.Strings(lines)

	h := sha256.New()
	h.Write([]byte(asOf.UTC().Format(time.RFC3339)))
	h.Write([]byte("\n"))
	h.Write([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(h.Sum(nil))
}
