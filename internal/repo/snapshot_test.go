package repo

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adrkeeper/internal/db"
	"adrkeeper/internal/domain"
	"adrkeeper/internal/migrate"
)

func TestReadTxKeepsRowsAndHistoryOnOneSnapshot(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	r := Repo{DB: conn}
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	write := func(fn func(tx *sql.Tx) error) {
		tx, err := conn.BeginTx(ctx, nil)
		require.NoError(t, err)
		defer tx.Rollback()
		require.NoError(t, fn(tx))
		require.NoError(t, tx.Commit())
	}
	d := domain.DecisionRecord{
		ID: "d1", Title: "Queue", Status: domain.StatusProposed, Version: 1, CreatedAt: now, UpdatedAt: now,
		StatusHistory: []domain.StatusChange{{ID: "h1", To: domain.StatusProposed, Date: now, Reason: "Initial creation"}},
	}
	write(func(tx *sql.Tx) error { return r.InsertDecision(ctx, tx, d) })

	query := `SELECT ` + decisionColumns + ` FROM decisions`
	err = r.readTx(ctx, func(tx *sql.Tx) error {
		before, err := queryDecisions(ctx, tx, query)
		require.NoError(t, err)
		require.Len(t, before, 1)

		write(func(wtx *sql.Tx) error {
			moved := d
			moved.Status = domain.StatusAccepted
			moved.Version = 2
			sc := domain.StatusChange{ID: "h2", From: domain.StatusProposed, To: domain.StatusAccepted, Date: now, Reason: "agreed"}
			if err := r.UpdateDecision(ctx, wtx, moved, 1); err != nil {
				return err
			}
			return r.InsertStatusChange(ctx, wtx, d.ID, 2, sc)
		})

		after, err := queryDecisions(ctx, tx, query)
		require.NoError(t, err)
		require.Len(t, after, 1)
		assert.Equal(t, domain.StatusProposed, after[0].Status)
		require.Len(t, after[0].StatusHistory, 1)
		assert.Equal(t, after[0].Status, after[0].StatusHistory[0].To)
		return nil
	})
	require.NoError(t, err)

	fresh, err := r.ListDecisions(ctx, DecisionFilters{})
	require.NoError(t, err)
	require.Len(t, fresh, 1)
	assert.Equal(t, domain.StatusAccepted, fresh[0].Status)
	require.Len(t, fresh[0].StatusHistory, 2)
	assert.Equal(t, fresh[0].Status, fresh[0].StatusHistory[1].To)
}
