package model

import "sort"

// SignalBuckets groups accepted signals by the hypothesis class they feed.
type SignalBuckets struct {
	Capability  []Signal `json:"capability"`
	Procurement []Signal `json:"procurement"`
	Opportunity []Signal `json:"opportunity"`
}

// Len returns the total number of signals across the buckets.
func (b SignalBuckets) Len() int {
	return len(b.Capability) + len(b.Procurement) + len(b.Opportunity)
}

// SplitBuckets dedupes signals by ID and splits those in category into the
// three classes. A later occurrence of an ID replaces an earlier one unless
// it carries a lower validation pass. An empty category selects every
// signal. Each bucket is sorted by ID.
func SplitBuckets(signals []Signal, category string) SignalBuckets {
	latest := make(map[string]Signal, len(signals))
	for _, s := range signals {
		if cur, ok := latest[s.ID]; ok && s.ValidationPass < cur.ValidationPass {
			continue
		}
		latest[s.ID] = s
	}

	var b SignalBuckets
	for _, s := range latest {
		if category != "" && s.CategoryOrDefault() != category {
			continue
		}
		switch s.Type.Class() {
		case ClassCapability:
			b.Capability = append(b.Capability, s)
		case ClassProcurement:
			b.Procurement = append(b.Procurement, s)
		case ClassOpportunity:
			b.Opportunity = append(b.Opportunity, s)
		}
	}
	for _, bucket := range [][]Signal{b.Capability, b.Procurement, b.Opportunity} {
		sort.Slice(bucket, func(i, j int) bool { return bucket[i].ID < bucket[j].ID })
	}
	return b
}

// Categories returns the distinct categories of signals, sorted.
func Categories(signals []Signal) []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range signals {
		c := s.CategoryOrDefault()
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}
