package engine

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/readiness-cli/internal/model"
)

func TestParseEntitiesCSV(t *testing.T) {
	csv := "Name,Website,Category\n" +
		"Acme Corp,https://www.acme.com/about,Cloud\n" +
		"Acme Duplicate,acme.com,security\n" +
		"\"Globex, Inc.\",globex.com,\n" +
		"No Domain,,\n" +
		"initech.com\n"

	got, err := ParseEntitiesCSV(strings.NewReader(csv))
	require.NoError(t, err)
	assert.Equal(t, []model.Entity{
		{ID: "acme.com", Name: "Acme Corp", Domain: "acme.com", Category: "cloud"},
		{ID: "globex.com", Name: "Globex, Inc.", Domain: "globex.com"},
	}, got)
}

func TestParseEntitiesCSV_IDColumn(t *testing.T) {
	got, err := ParseEntitiesCSV(strings.NewReader("\ufeffentity_id,domain\nacct-1,\nacct-2,beta.io\n"))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "acct-1", got[0].ID)
	assert.Equal(t, "acct-1", got[0].Name)
	assert.Equal(t, "beta.io", got[1].Domain)
}

func TestParseEntitiesCSV_Errors(t *testing.T) {
	tests := []struct {
		name string
		csv  string
	}{
		{"header only", "name,domain\n"},
		{"no key column", "name,category\nAcme,cloud\n"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseEntitiesCSV(strings.NewReader(tt.csv))
			assert.Error(t, err)
		})
	}
}

func TestLoadEntitiesCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entities.csv")
	require.NoError(t, os.WriteFile(path, []byte("domain\nacme.com\n"), 0o644))

	got, err := LoadEntitiesCSV(path)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "acme.com", got[0].ID)

	_, err = LoadEntitiesCSV(filepath.Join(t.TempDir(), "missing.csv"))
	assert.Error(t, err)
}
