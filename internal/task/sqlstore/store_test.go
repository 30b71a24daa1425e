package sqlstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maauso/framecatcher-api/internal/task"
	"github.com/maauso/framecatcher-api/internal/task/repotest"
)

func newSQLiteStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "framecatcher.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore_Contract(t *testing.T) {
	repotest.Run(t, func(t *testing.T) task.Repository {
		return newSQLiteStore(t)
	})
}

func TestPostgresStore_Contract(t *testing.T) {
	dsn := os.Getenv("FRAMECATCHER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("FRAMECATCHER_TEST_POSTGRES_DSN not set")
	}

	repotest.Run(t, func(t *testing.T) task.Repository {
		ctx := context.Background()
		s, err := OpenPostgres(ctx, dsn)
		require.NoError(t, err)
		_, err = s.db.ExecContext(ctx, `TRUNCATE images, tasks`)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestOpenSQLite_InMemory(t *testing.T) {
	s, err := OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	created, err := s.CreateTask(context.Background(), "a.mp4", "a")
	require.NoError(t, err)
	got, err := s.GetTask(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, "a", got.AlbumName)
}

func TestOpenSQLite_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "framecatcher.db")
	s, err := OpenSQLite(context.Background(), path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	assert.FileExists(t, path)
	require.NoError(t, s.Ping(context.Background()))
}

func TestStore_MigrateIsIdempotent(t *testing.T) {
	s := newSQLiteStore(t)
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Migrate(context.Background()))
}

func TestStore_CreateImage_MissingTask(t *testing.T) {
	s := newSQLiteStore(t)

	_, err := s.CreateImage(context.Background(), task.NewImage{TaskID: "missing", FrameNumber: 1})
	assert.ErrorIs(t, err, task.ErrTaskNotFound)
}

func TestDialect_Rebind(t *testing.T) {
	q := `UPDATE tasks SET progress = ? WHERE id = ? AND status IN (?, ?)`

	assert.Equal(t, q, SQLite.Rebind(q))
	assert.Equal(t, `UPDATE tasks SET progress = $1 WHERE id = $2 AND status IN ($3, $4)`, Postgres.Rebind(q))
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "", placeholders(0))
	assert.Equal(t, "?", placeholders(1))
	assert.Equal(t, "?, ?, ?", placeholders(3))
}

func TestSchema_UsesDialectTimeType(t *testing.T) {
	for _, stmt := range Schema(Postgres) {
		assert.NotContains(t, stmt, "DATETIME")
	}
	assert.Contains(t, Schema(Postgres)[0], "TIMESTAMPTZ")
	assert.Contains(t, Schema(SQLite)[0], "DATETIME")
}
