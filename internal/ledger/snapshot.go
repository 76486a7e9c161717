package ledger

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/readiness-cli/internal/cost"
	"github.com/sells-group/readiness-cli/internal/model"
)

// ErrNotFound is returned when no snapshot exists for an entity.
var ErrNotFound = eris.New("ledger: snapshot not found")

// Snapshot is the persisted form of a ledger. EstimatedCostUSD is written
// for readers of the file but ignored on load; the cost is recomputed from
// Usage.
type Snapshot struct {
	EntityID          string                            `json:"entity_id"`
	EntityName        string                            `json:"entity_name,omitempty"`
	CurrentConfidence float64                           `json:"current_confidence"`
	ConfidenceHistory []model.HistoryEntry              `json:"confidence_history"`
	ExploredDomains   []string                          `json:"explored_domains"`
	SignalBuckets     map[model.Decision][]model.Signal `json:"signal_buckets"`
	TotalInputTokens  int64                             `json:"total_input_tokens"`
	TotalOutputTokens int64                             `json:"total_output_tokens"`
	Usage             map[string]model.TokenTotals      `json:"usage"`
	EstimatedCostUSD  float64                           `json:"estimated_cost_usd"`
	MaxCostUSD        float64                           `json:"max_cost_usd,omitempty"`
	Iterations        int                               `json:"iterations"`
	Status            model.RunStatus                   `json:"status,omitempty"`
	Archived          bool                              `json:"archived,omitempty"`
	CreatedAt         time.Time                         `json:"created_at"`
	UpdatedAt         time.Time                         `json:"updated_at"`
}

// Snapshot captures the ledger's current state.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	buckets := make(map[model.Decision][]model.Signal, len(l.buckets))
	for d, signals := range l.buckets {
		cp := make([]model.Signal, len(signals))
		for i, s := range signals {
			cp[i] = s.Clone()
		}
		buckets[d] = cp
	}
	usage := make(map[string]model.TokenTotals, len(l.usage))
	var in, out int64
	for k, v := range l.usage {
		usage[k] = v
		in += v.InputTokens
		out += v.OutputTokens
	}

	return Snapshot{
		EntityID:          l.entityID,
		EntityName:        l.entityName,
		CurrentConfidence: l.confidence,
		ConfidenceHistory: append([]model.HistoryEntry(nil), l.history...),
		ExploredDomains:   sortedKeys(l.explored),
		SignalBuckets:     buckets,
		TotalInputTokens:  in,
		TotalOutputTokens: out,
		Usage:             usage,
		EstimatedCostUSD:  l.costUSD,
		MaxCostUSD:        l.maxCostUSD,
		Iterations:        l.iterations,
		Status:            l.status,
		Archived:          l.archived,
		CreatedAt:         l.createdAt,
		UpdatedAt:         l.updatedAt,
	}
}

// FromSnapshot rebuilds a ledger. The confidence is re-clamped and the cost
// recomputed with calc.
func FromSnapshot(s Snapshot, calc *cost.Calculator) *Ledger {
	l := New(s.EntityID, s.EntityName, calc, s.MaxCostUSD)
	l.confidence = model.Clamp(s.CurrentConfidence)
	l.history = append([]model.HistoryEntry(nil), s.ConfidenceHistory...)
	for _, d := range s.ExploredDomains {
		l.explored[d] = struct{}{}
	}
	for d, signals := range s.SignalBuckets {
		l.buckets[d] = append([]model.Signal(nil), signals...)
	}
	for k, v := range s.Usage {
		l.usage[k] = v
	}
	l.iterations = s.Iterations
	l.status = s.Status
	l.archived = s.Archived
	if !s.CreatedAt.IsZero() {
		l.createdAt = s.CreatedAt
	}
	if !s.UpdatedAt.IsZero() {
		l.updatedAt = s.UpdatedAt
	}
	l.recomputeCost()
	return l
}

// Snapshots persists ledgers as one JSON file per entity in Dir.
type Snapshots struct {
	Dir  string
	Calc *cost.Calculator
}

// Path returns the snapshot file for an entity.
func (s Snapshots) Path(entityID string) string {
	return filepath.Join(s.Dir, fileName(entityID))
}

// Save writes the ledger atomically: a temp file in the same directory is
// renamed over the previous snapshot.
func (s Snapshots) Save(l *Ledger) error {
	if strings.TrimSpace(s.Dir) == "" {
		return eris.New("ledger: snapshot dir is empty")
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return eris.Wrap(err, "ledger: create snapshot dir")
	}
	data, err := json.MarshalIndent(l.Snapshot(), "", "  ")
	if err != nil {
		return eris.Wrap(err, "ledger: encode snapshot")
	}

	tmp, err := os.CreateTemp(s.Dir, ".ledger-*.tmp")
	if err != nil {
		return eris.Wrap(err, "ledger: create temp snapshot")
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck
	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck
		return eris.Wrap(err, "ledger: write temp snapshot")
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrap(err, "ledger: close temp snapshot")
	}
	if err := os.Rename(tmp.Name(), s.Path(l.EntityID())); err != nil {
		return eris.Wrap(err, "ledger: replace snapshot")
	}
	return nil
}

// Load reads an entity's snapshot. It returns ErrNotFound when none exists.
func (s Snapshots) Load(entityID string) (*Ledger, error) {
	data, err := os.ReadFile(s.Path(entityID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "ledger: read snapshot %s", entityID)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, eris.Wrapf(err, "ledger: decode snapshot %s", entityID)
	}
	return FromSnapshot(snap, s.Calc), nil
}

// LoadOrNew returns the stored ledger for entity or a fresh one.
func (s Snapshots) LoadOrNew(entity model.Entity, maxCostUSD float64) (*Ledger, error) {
	l, err := s.Load(entity.ID)
	switch {
	case err == nil:
		l.SetMaxCost(maxCostUSD)
		return l, nil
	case errors.Is(err, ErrNotFound):
		return New(entity.ID, entity.Name, s.Calc, maxCostUSD), nil
	default:
		return nil, err
	}
}

// List returns the entity IDs with snapshots, sorted.
func (s Snapshots) List() ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "ledger: list snapshots")
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, entityFromFile(name))
	}
	sort.Strings(ids)
	return ids, nil
}

// fileName escapes path separators so any entity ID maps to a single file.
func fileName(entityID string) string {
	r := strings.NewReplacer("/", "%2F", "\\", "%5C")
	return r.Replace(entityID) + ".json"
}

func entityFromFile(name string) string {
	r := strings.NewReplacer("%2F", "/", "%5C", "\\")
	return r.Replace(strings.TrimSuffix(name, ".json"))
}
