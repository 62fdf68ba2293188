package pool

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTxRollbackRestoresPool(t *testing.T) {
	p := newSQLitePool(t, Config{MaxConnections: 2})
	ctx := context.Background()

	_, err := p.Execute(ctx, "CREATE TABLE quotes (id INTEGER PRIMARY KEY, customer TEXT)")
	require.NoError(t, err)
	before := p.Stats()

	tx, err := p.Begin(ctx)
	require.NoError(t, err)
	id := tx.HandleID()
	assert.Equal(t, TxOpen, tx.State())

	res, err := tx.Execute(ctx, "INSERT INTO quotes (customer) VALUES (?)", "acme")
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.LastInsertID)

	require.NoError(t, tx.Rollback())
	assert.Equal(t, TxRolledBack, tx.State())

	after := p.Stats()
	assert.Equal(t, before.Total, after.Total)
	assert.Equal(t, before.Total, after.Available)
	assert.Equal(t, 0, after.Busy)

	h, err := p.Lease(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, h.ID())
	p.Release(h)

	res, err = p.Execute(ctx, "SELECT count(*) AS n FROM quotes")
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Rows[0]["n"])
}

func TestTxCommitPersists(t *testing.T) {
	p := newSQLitePool(t, Config{MaxConnections: 2})
	ctx := context.Background()

	_, err := p.Execute(ctx, "CREATE TABLE quotes (id INTEGER PRIMARY KEY, customer TEXT)")
	require.NoError(t, err)

	tx, err := p.Begin(ctx)
	require.NoError(t, err)
	for _, c := range []string{"acme", "globex"} {
		_, err := tx.Execute(ctx, "INSERT INTO quotes (customer) VALUES (?)", c)
		require.NoError(t, err)
	}
	require.NoError(t, tx.Commit())
	assert.Equal(t, TxCommitted, tx.State())

	res, err := p.Execute(ctx, "SELECT customer FROM quotes ORDER BY id")
	require.NoError(t, err)
	require.Len(t, res.Rows, 2)
	assert.Equal(t, "globex", res.Rows[1]["customer"])
}

func TestTxTerminalCallsFail(t *testing.T) {
	p, fe := newFakePool(t, Config{MaxConnections: 1})
	ctx := context.Background()

	tx, err := p.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.Execute(ctx, "INSERT INTO t VALUES (1)")
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.ErrorIs(t, tx.Commit(), ErrTransactionClosed)
	assert.ErrorIs(t, tx.Rollback(), ErrTransactionClosed)
	_, err = tx.Execute(ctx, "SELECT 1")
	assert.ErrorIs(t, err, ErrTransactionClosed)
	assert.Equal(t, uint64(0), tx.HandleID())

	assert.Equal(t, []string{"BEGIN IMMEDIATE", "INSERT INTO t VALUES (1)", "COMMIT"}, fe.opened()[0].executed())
	assert.Equal(t, 1, p.Stats().Available)
}

func TestTxBeginMode(t *testing.T) {
	p, fe := newFakePool(t, Config{MaxConnections: 1, BeginMode: BeginDeferred})

	tx, err := p.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	assert.Equal(t, []string{"BEGIN", "ROLLBACK"}, fe.opened()[0].executed())
}

func TestTxBeginFailureReleasesHandle(t *testing.T) {
	p, fe := newFakePool(t, Config{MaxConnections: 1})
	fe.template.fail = func(q string) error {
		if strings.HasPrefix(q, "BEGIN") {
			return errBoom
		}
		return nil
	}

	tx, err := p.Begin(context.Background())
	require.Error(t, err)
	assert.Nil(t, tx)
	assert.ErrorIs(t, err, errBoom)
	var se *StatementError
	assert.True(t, errors.As(err, &se))

	s := p.Stats()
	assert.Equal(t, 0, s.Busy)
	assert.Equal(t, 1, s.Available)
}

func TestTxFailedCommitRollsBack(t *testing.T) {
	p, fe := newFakePool(t, Config{MaxConnections: 1})
	fe.template.fail = func(q string) error {
		if q == "COMMIT" {
			return errBoom
		}
		return nil
	}

	tx, err := p.Begin(context.Background())
	require.NoError(t, err)

	err = tx.Commit()
	require.Error(t, err)
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, TxCommitted, tx.State())

	assert.Equal(t, []string{"BEGIN IMMEDIATE", "COMMIT", "ROLLBACK"}, fe.opened()[0].executed())
	assert.Equal(t, 1, p.Stats().Available)
}

func TestTxReleaseGoesToWaiterOnce(t *testing.T) {
	p, _ := newFakePool(t, Config{MaxConnections: 1, WaitTimeout: 5 * time.Second})
	ctx := context.Background()

	tx, err := p.Begin(ctx)
	require.NoError(t, err)
	id := tx.HandleID()

	got := make(chan *Handle, 1)
	go func() {
		h, err := p.Lease(ctx)
		if err != nil {
			got <- nil
			return
		}
		got <- h
	}()
	waitForWaiters(t, p, 1)

	require.NoError(t, tx.Rollback())
	h := <-got
	require.NotNil(t, h)
	assert.Equal(t, id, h.ID())

	s := p.Stats()
	assert.Equal(t, 1, s.Busy)
	assert.Equal(t, 0, s.Available)
	assert.Equal(t, 1, s.Total)

	p.Release(h)
	s = p.Stats()
	assert.Equal(t, 1, s.Available)
	assert.Equal(t, 1, s.Total)
}

func TestWithTx(t *testing.T) {
	p := newSQLitePool(t, Config{MaxConnections: 2})
	ctx := context.Background()

	_, err := p.Execute(ctx, "CREATE TABLE quotes (id INTEGER PRIMARY KEY, customer TEXT)")
	require.NoError(t, err)

	count := func() int64 {
		res, err := p.Execute(ctx, "SELECT count(*) AS n FROM quotes")
		require.NoError(t, err)
		return res.Rows[0]["n"].(int64)
	}

	t.Run("commit", func(t *testing.T) {
		err := p.WithTx(ctx, func(tx *Tx) error {
			_, err := tx.Execute(ctx, "INSERT INTO quotes (customer) VALUES ('acme')")
			return err
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1), count())
	})

	t.Run("error rolls back", func(t *testing.T) {
		err := p.WithTx(ctx, func(tx *Tx) error {
			if _, err := tx.Execute(ctx, "INSERT INTO quotes (customer) VALUES ('globex')"); err != nil {
				return err
			}
			return errBoom
		})
		assert.ErrorIs(t, err, errBoom)
		assert.Equal(t, int64(1), count())
	})

	t.Run("panic rolls back", func(t *testing.T) {
		assert.Panics(t, func() {
			p.WithTx(ctx, func(tx *Tx) error {
				tx.Execute(ctx, "INSERT INTO quotes (customer) VALUES ('initech')")
				panic("kaboom")
			})
		})
		assert.Equal(t, int64(1), count())
	})

	t.Run("fn finishes tx itself", func(t *testing.T) {
		err := p.WithTx(ctx, func(tx *Tx) error {
			return tx.Rollback()
		})
		require.NoError(t, err)
	})

	assert.Equal(t, 0, p.Stats().Busy)
}
