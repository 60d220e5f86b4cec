package store

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitStatements(t *testing.T) {
	script := `
-- leading comment
CREATE TABLE a (id TEXT);

CREATE INDEX idx_a ON a(id);

-- a trailing comment block
-- with nothing else
`
	stmts := splitStatements(script)
	require.Len(t, stmts, 2)
	assert.True(t, strings.HasPrefix(stmts[0], "-- leading comment"))
	assert.Contains(t, stmts[0], "CREATE TABLE a")
	assert.Contains(t, stmts[1], "CREATE INDEX idx_a")
}

func TestSplitStatements_EmptyAndCommentOnly(t *testing.T) {
	assert.Empty(t, splitStatements(""))
	assert.Empty(t, splitStatements("   \n  "))
	assert.Empty(t, splitStatements("-- nothing but comments\n-- here"))
}

func TestInitialMigration(t *testing.T) {
	require.Len(t, migrations, 1)
	assert.Equal(t, 1, migrations[0].Version)

	stmts := splitStatements(migrations[0].SQL)
	assert.GreaterOrEqual(t, len(stmts), 3, "processes, events and snapshots tables")

	joined := strings.Join(stmts, ";")
	for _, table := range []string{"processes", "events", "snapshots"} {
		assert.Contains(t, joined, "CREATE TABLE IF NOT EXISTS "+table)
	}
	assert.Contains(t, joined, "UNIQUE(process_id, sequence)", "event sequences are unique per process")
}
