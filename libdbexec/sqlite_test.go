package libdbexec_test

import (
	"context"
	"path/filepath"
	"testing"

	libdb "github.com/seshatdb/seshat/libdbexec"
	"github.com/stretchr/testify/require"
)

const testSchema = `
CREATE TABLE IF NOT EXISTS parents (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS children (
	id TEXT PRIMARY KEY,
	parent_id TEXT NOT NULL REFERENCES parents(id)
);
`

func setupSQLiteManager(t *testing.T) (context.Context, libdb.DBManager) {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := libdb.NewSQLiteDBManager(ctx, path, testSchema)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return ctx, db
}

func TestSQLiteManager_OpenCreatesParentDir(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "dirs", "test.db")
	db, err := libdb.NewSQLiteDBManager(ctx, path, testSchema)
	require.NoError(t, err)
	require.NoError(t, db.Close())
}

func TestSQLiteManager_ExecAndQueryRow(t *testing.T) {
	ctx, db := setupSQLiteManager(t)
	exec := db.WithoutTransaction()

	_, err := exec.ExecContext(ctx, `INSERT INTO parents (id, name) VALUES ($1, $2)`, "p1", "alpha")
	require.NoError(t, err)

	var name string
	err = exec.QueryRowContext(ctx, `SELECT name FROM parents WHERE id = $1`, "p1").Scan(&name)
	require.NoError(t, err)
	require.Equal(t, "alpha", name)
}

func TestSQLiteManager_NotFoundTranslation(t *testing.T) {
	ctx, db := setupSQLiteManager(t)
	exec := db.WithoutTransaction()

	var name string
	err := exec.QueryRowContext(ctx, `SELECT name FROM parents WHERE id = $1`, "missing").Scan(&name)
	require.ErrorIs(t, err, libdb.ErrNotFound)
}

func TestSQLiteManager_UniqueViolationTranslation(t *testing.T) {
	ctx, db := setupSQLiteManager(t)
	exec := db.WithoutTransaction()

	_, err := exec.ExecContext(ctx, `INSERT INTO parents (id, name) VALUES ($1, $2)`, "p1", "alpha")
	require.NoError(t, err)
	_, err = exec.ExecContext(ctx, `INSERT INTO parents (id, name) VALUES ($1, $2)`, "p1", "beta")
	require.ErrorIs(t, err, libdb.ErrUniqueViolation)
}

func TestSQLiteManager_ForeignKeysEnforced(t *testing.T) {
	ctx, db := setupSQLiteManager(t)
	exec := db.WithoutTransaction()

	_, err := exec.ExecContext(ctx, `INSERT INTO children (id, parent_id) VALUES ($1, $2)`, "c1", "nope")
	require.ErrorIs(t, err, libdb.ErrForeignKeyViolation)
}

func TestSQLiteManager_TransactionCommit(t *testing.T) {
	ctx, db := setupSQLiteManager(t)

	exec, commit, release, err := db.WithTransaction(ctx)
	require.NoError(t, err)
	defer func() { require.NoError(t, release()) }()

	_, err = exec.ExecContext(ctx, `INSERT INTO parents (id, name) VALUES ($1, $2)`, "p1", "alpha")
	require.NoError(t, err)
	require.NoError(t, commit(ctx))

	var count int
	err = db.WithoutTransaction().QueryRowContext(ctx, `SELECT COUNT(*) FROM parents`).Scan(&count)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestSQLiteManager_TransactionRollback(t *testing.T) {
	ctx, db := setupSQLiteManager(t)

	rolledBack := false
	exec, _, release, err := db.WithTransaction(ctx, func() { rolledBack = true })
	require.NoError(t, err)

	_, err = exec.ExecContext(ctx, `INSERT INTO parents (id, name) VALUES ($1, $2)`, "p1", "alpha")
	require.NoError(t, err)
	require.NoError(t, release())
	require.True(t, rolledBack)

	var count int
	err = db.WithoutTransaction().QueryRowContext(ctx, `SELECT COUNT(*) FROM parents`).Scan(&count)
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func TestSQLiteManager_ReleaseAfterCommitIsNoOp(t *testing.T) {
	ctx, db := setupSQLiteManager(t)

	rolledBack := false
	exec, commit, release, err := db.WithTransaction(ctx, func() { rolledBack = true })
	require.NoError(t, err)

	_, err = exec.ExecContext(ctx, `INSERT INTO parents (id, name) VALUES ($1, $2)`, "p1", "alpha")
	require.NoError(t, err)
	require.NoError(t, commit(ctx))
	require.NoError(t, release())
	require.False(t, rolledBack)
}
