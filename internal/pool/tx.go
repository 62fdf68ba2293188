package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/joao-brasil/enginepool/internal/metrics"
	"github.com/joao-brasil/enginepool/pkg/stmt"
)

// TxState is the lifecycle state of a transaction.
type TxState int

const (
	TxOpen TxState = iota
	TxCommitted
	TxRolledBack
)

func (s TxState) String() string {
	switch s {
	case TxOpen:
		return "open"
	case TxCommitted:
		return "committed"
	case TxRolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

// Tx is a transaction bound to one leased handle for its whole life. All
// its statements run on that handle. Commit and Rollback are terminal:
// they give the handle back and every later call fails with
// ErrTransactionClosed.
type Tx struct {
	mu sync.Mutex

	pool      *Pool
	h         *Handle
	state     TxState
	startedAt time.Time
}

// Begin leases a handle and opens a transaction on it. If the begin
// statement fails the handle is released and no Tx is returned.
func (p *Pool) Begin(ctx context.Context) (*Tx, error) {
	h, err := p.Lease(ctx)
	if err != nil {
		return nil, err
	}

	if _, err := p.run(ctx, h, stmt.Mutation, p.cfg.BeginMode.statement(), nil); err != nil {
		p.Release(h)
		return nil, fmt.Errorf("begin transaction: %w", err)
	}

	return &Tx{pool: p, h: h, state: TxOpen, startedAt: time.Now()}, nil
}

// State returns the current transaction state.
func (tx *Tx) State() TxState {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

// HandleID returns the id of the bound handle.
func (tx *Tx) HandleID() uint64 {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.h == nil {
		return 0
	}
	return tx.h.id
}

// Execute runs one statement inside the transaction.
func (tx *Tx) Execute(ctx context.Context, query string, args ...any) (*Result, error) {
	return tx.ExecuteKind(ctx, tx.pool.classifier.Classify(query), query, args...)
}

// ExecuteKind is Execute with an explicit statement kind.
func (tx *Tx) ExecuteKind(ctx context.Context, kind stmt.Kind, query string, args ...any) (*Result, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.state != TxOpen {
		return nil, ErrTransactionClosed
	}
	return tx.pool.run(ctx, tx.h, kind, query, args)
}

// Commit issues COMMIT and returns the handle to the pool whether or not
// COMMIT succeeded.
func (tx *Tx) Commit() error {
	return tx.finish("COMMIT", TxCommitted)
}

// Rollback issues ROLLBACK and returns the handle to the pool whether or
// not ROLLBACK succeeded.
func (tx *Tx) Rollback() error {
	return tx.finish("ROLLBACK", TxRolledBack)
}

func (tx *Tx) finish(query string, final TxState) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.state != TxOpen {
		return ErrTransactionClosed
	}
	tx.state = final
	h := tx.h
	tx.h = nil

	p := tx.pool
	// Terminal statements must run even when the caller's context is
	// gone, otherwise the next lessee inherits an open transaction.
	_, err := p.run(context.Background(), h, stmt.Mutation, query, nil)
	if err != nil && final == TxCommitted && h.usable() {
		// A failed COMMIT (e.g. SQLITE_BUSY) leaves the transaction open.
		if _, rbErr := h.session.Exec(context.Background(), "ROLLBACK", stmt.Mutation, nil); rbErr != nil {
			p.log.Debug("rollback after failed commit", "conn_id", h.id, "error", rbErr)
		}
	}
	p.Release(h)

	metrics.LeasesTotal.WithLabelValues(p.cfg.Name, "tx_"+final.String()).Inc()
	p.log.Debug("transaction finished",
		"conn_id", h.id, "state", final.String(), "duration", time.Since(tx.startedAt))

	if err != nil {
		return fmt.Errorf("%s: %w", query, err)
	}
	return nil
}

// WithTx runs fn inside a transaction. It commits when fn returns nil and
// rolls back when fn returns an error or panics (the panic is re-raised).
// fn may finish the transaction itself.
func (p *Pool) WithTx(ctx context.Context, fn func(tx *Tx) error) (err error) {
	tx, err := p.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, ErrTransactionClosed) {
			return errors.Join(err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil && !errors.Is(err, ErrTransactionClosed) {
		return err
	}
	return nil
}
