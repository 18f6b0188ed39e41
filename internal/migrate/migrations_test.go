package migrate_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"surveyline/internal/db"
	"surveyline/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	v, err := migrate.Version(conn)
	require.NoError(t, err)
	assert.Equal(t, 0, v)

	for i := 0; i < 3; i++ {
		require.NoError(t, migrate.Migrate(conn), "run %d", i)
	}

	latest, err := migrate.Latest()
	require.NoError(t, err)
	v, err = migrate.Version(conn)
	require.NoError(t, err)
	assert.Equal(t, latest, v)

	for _, table := range []string{"projects", "processes", "activities", "events"} {
		var name string
		err := conn.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		assert.NoError(t, err, "table %s", table)
	}
}

func TestMigrateRefusesNewerSchema(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.Migrate(conn))

	latest, err := migrate.Latest()
	require.NoError(t, err)
	_, err = conn.Exec(`UPDATE schema_version SET version=?`, latest+1)
	require.NoError(t, err)

	assert.ErrorIs(t, migrate.Migrate(conn), migrate.ErrSchemaAhead)
}

func TestAllIsOrderedAndNamed(t *testing.T) {
	all, err := migrate.All()
	require.NoError(t, err)
	require.NotEmpty(t, all)
	assert.Equal(t, 1, all[0].Version)
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].Version, all[i].Version)
	}
}
