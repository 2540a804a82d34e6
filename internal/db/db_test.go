package db

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenCreatesWorkspaceAndEnablesPragmas(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	conn, err := Open(Config{Workspace: dir, BusyTimeoutMS: 1234})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.Ping())
	assert.FileExists(t, Path(dir))

	var fk int
	require.NoError(t, conn.QueryRow(`PRAGMA foreign_keys`).Scan(&fk))
	assert.Equal(t, 1, fk)

	var busy int
	require.NoError(t, conn.QueryRow(`PRAGMA busy_timeout`).Scan(&busy))
	assert.Equal(t, 1234, busy)
}

func TestPathDefaultsToCurrentDir(t *testing.T) {
	assert.Equal(t, filepath.Join(".", ".adrkeeper", "adrkeeper.db"), Path(""))
}

func TestWriteTransactionsTakeTheWriteLockUpFront(t *testing.T) {
	conn, err := Open(Config{Workspace: t.TempDir(), BusyTimeoutMS: 50})
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Exec(`CREATE TABLE t (id INTEGER PRIMARY KEY)`)
	require.NoError(t, err)

	ctx := context.Background()
	writer, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer writer.Rollback()

	reader, err := conn.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	require.NoError(t, err, "readers are not blocked by a pending writer")
	var n int
	require.NoError(t, reader.QueryRow(`SELECT count(*) FROM t`).Scan(&n))
	require.NoError(t, reader.Rollback())

	_, err = conn.BeginTx(ctx, nil)
	require.Error(t, err, "a second writer must wait for the first")
	assert.Contains(t, err.Error(), "locked")

	require.NoError(t, writer.Rollback())
	second, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, second.Rollback())
}
