package engine

import (
	"encoding/csv"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/readiness-cli/internal/model"
)

// columnAliases maps accepted CSV headers to entity fields.
var columnAliases = map[string]string{
	"id":        "id",
	"entity_id": "id",
	"name":      "name",
	"company":   "name",
	"domain":    "domain",
	"url":       "domain",
	"website":   "domain",
	"category":  "category",
}

// LoadEntitiesCSV reads entities from a CSV file. See ParseEntitiesCSV.
func LoadEntitiesCSV(path string) ([]model.Entity, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "entities: open csv")
	}
	defer f.Close() //nolint:errcheck
	return ParseEntitiesCSV(f)
}

// ParseEntitiesCSV reads a header row followed by one entity per row. A
// domain or an id column is required; name and category are optional.
// Rows without an ID after normalization are skipped and duplicate IDs keep
// the first row.
func ParseEntitiesCSV(r io.Reader) ([]model.Entity, error) {
	reader := csv.NewReader(r)
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, eris.Wrap(err, "entities: read csv")
	}
	if len(records) < 2 {
		return nil, eris.New("entities: csv has no data rows")
	}

	colIdx := make(map[string]int)
	for i, col := range records[0] {
		key := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(col, "\ufeff")))
		if field, ok := columnAliases[key]; ok {
			if _, dup := colIdx[field]; !dup {
				colIdx[field] = i
			}
		}
	}
	_, hasID := colIdx["id"]
	_, hasDomain := colIdx["domain"]
	if !hasID && !hasDomain {
		return nil, eris.New("entities: csv needs a domain or id column")
	}

	seen := make(map[string]bool)
	var entities []model.Entity
	for _, row := range records[1:] {
		e := model.Entity{
			ID:       getCol(row, colIdx, "id"),
			Name:     getCol(row, colIdx, "name"),
			Domain:   getCol(row, colIdx, "domain"),
			Category: strings.ToLower(getCol(row, colIdx, "category")),
		}
		e.Normalize()
		if e.ID == "" || seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		if e.Name == "" {
			e.Name = e.ID
		}
		entities = append(entities, e)
	}
	return entities, nil
}

func getCol(row []string, colIdx map[string]int, col string) string {
	idx, ok := colIdx[col]
	if !ok || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}
