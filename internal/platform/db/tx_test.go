package db_test

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frostline/frostline/internal/platform/db"
	"github.com/frostline/frostline/internal/platform/db/dbtest"
)

func TestWithTxCommitsAndRollsBack(t *testing.T) {
	pool := dbtest.Start(t)
	ctx := context.Background()

	insertRole := func(name string) func(pgx.Tx) error {
		return func(tx pgx.Tx) error {
			_, err := tx.Exec(ctx, `INSERT INTO user_roles (name) VALUES ($1)`, name)
			return err
		}
	}
	count := func(name string) int {
		var n int
		require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM user_roles WHERE name = $1`, name).Scan(&n))
		return n
	}

	require.NoError(t, db.WithTx(ctx, pool, insertRole("Dispatcher")))
	assert.Equal(t, 1, count("Dispatcher"))

	boom := errors.New("boom")
	err := db.WithTx(ctx, pool, func(tx pgx.Tx) error {
		if err := insertRole("Sales")(tx); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Zero(t, count("Sales"))
}
