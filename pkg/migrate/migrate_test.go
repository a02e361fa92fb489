package migrate

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleMigration = `-- +migrate Up
CREATE TABLE widgets (id INTEGER PRIMARY KEY);
CREATE INDEX idx_widgets_id ON widgets (id);

-- +migrate Down
DROP TABLE widgets;
`

func TestSplitMigration(t *testing.T) {
	m := &Migrator{}

	up, down := m.splitMigration(sampleMigration)
	assert.Contains(t, up, "CREATE TABLE widgets")
	assert.Contains(t, up, "CREATE INDEX")
	assert.NotContains(t, up, "DROP TABLE")
	assert.Contains(t, down, "DROP TABLE widgets")
	assert.NotContains(t, down, "CREATE TABLE")
}

func TestLoadMigrationsSortedByVersion(t *testing.T) {
	m := &Migrator{
		migrationsFS: fstest.MapFS{
			"migrations/002_create_activity_log.sql":    {Data: []byte(sampleMigration)},
			"migrations/001_create_review_sessions.sql": {Data: []byte(sampleMigration)},
			"migrations/README.md":                      {Data: []byte("not a migration")},
		},
		migrationsDir: "migrations",
	}

	migrations, err := m.LoadMigrations()
	require.NoError(t, err)
	require.Len(t, migrations, 2)
	assert.Equal(t, 1, migrations[0].Version)
	assert.Equal(t, "create_review_sessions", migrations[0].Name)
	assert.Equal(t, 2, migrations[1].Version)
	assert.Equal(t, "create_activity_log", migrations[1].Name)
}

func TestParseMigrationFileRejectsBadNames(t *testing.T) {
	m := &Migrator{
		migrationsFS: fstest.MapFS{
			"migrations/schema.sql": {Data: []byte(sampleMigration)},
		},
		migrationsDir: "migrations",
	}

	_, err := m.parseMigrationFile("schema.sql")
	require.Error(t, err)
}
