package db

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// Placeholder styles for UpsertSQL.
const (
	Dollar   = "dollar"   // $1, $2 (postgres)
	Question = "question" // ?, ? (sqlite)
)

// UpsertConfig defines a single-row INSERT ... ON CONFLICT statement.
type UpsertConfig struct {
	Table        string   // target table (e.g., "signals")
	Columns      []string // all columns being inserted, in argument order
	ConflictKeys []string // columns forming the unique constraint
	UpdateCols   []string // columns to update on conflict; nil = all non-conflict columns
	// Guard is an optional condition on the DO UPDATE, written against the
	// target table name and "excluded". Rows failing it are left untouched.
	Guard string
	// Assign overrides the SET expression for specific columns.
	Assign map[string]string
	// Placeholders selects Dollar (default) or Question.
	Placeholders string
}

// UpsertSQL renders the statement described by cfg.
func UpsertSQL(cfg UpsertConfig) (string, error) {
	if cfg.Table == "" {
		return "", eris.New("db: upsert: no table specified")
	}
	if len(cfg.Columns) == 0 {
		return "", eris.New("db: upsert: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return "", eris.New("db: upsert: no conflict keys specified")
	}

	updateCols := cfg.UpdateCols
	if updateCols == nil {
		conflictSet := make(map[string]bool, len(cfg.ConflictKeys))
		for _, k := range cfg.ConflictKeys {
			conflictSet[k] = true
		}
		for _, c := range cfg.Columns {
			if !conflictSet[c] {
				updateCols = append(updateCols, c)
			}
		}
	}

	placeholders := make([]string, len(cfg.Columns))
	for i := range cfg.Columns {
		if cfg.Placeholders == Question {
			placeholders[i] = "?"
		} else {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
		}
	}

	setClauses := make([]string, 0, len(updateCols))
	for _, col := range updateCols {
		expr, ok := cfg.Assign[col]
		if !ok {
			expr = "excluded." + col
		}
		setClauses = append(setClauses, fmt.Sprintf("%s = %s", col, expr))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		sanitizeTable(cfg.Table),
		strings.Join(cfg.Columns, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(cfg.ConflictKeys, ", "),
		strings.Join(setClauses, ", "),
	)
	if cfg.Guard != "" {
		b.WriteString(" WHERE ")
		b.WriteString(cfg.Guard)
	}
	return b.String(), nil
}

// sanitizeTable handles schema-qualified table names like "readiness.signals".
func sanitizeTable(table string) string {
	parts := strings.SplitN(table, ".", 2)
	if len(parts) == 2 {
		return pgx.Identifier{parts[0], parts[1]}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}
