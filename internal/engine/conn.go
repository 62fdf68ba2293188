// Package engine wraps the embedded SQLite engine behind a small session
// interface. A session is one exclusive engine connection: it runs one
// statement at a time, reports its own health and knows how to classify
// engine failures into write contention and unusable-connection cases.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joao-brasil/enginepool/pkg/stmt"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// ErrClosed is returned when a statement is issued on a closed session.
var ErrClosed = errors.New("engine: session closed")

// Row is a single result row keyed by column name.
type Row map[string]any

// Result is the outcome of one statement. Read statements fill Columns
// and Rows; mutations fill LastInsertID and RowsAffected. A mutation with
// a RETURNING clause fills both.
type Result struct {
	Kind         stmt.Kind
	Columns      []string
	Rows         []Row
	LastInsertID int64
	RowsAffected int64

	// Duration is the statement latency, filled in by the pool.
	Duration time.Duration
}

// Session is one exclusive engine connection. Implementations are not
// safe for concurrent use.
type Session interface {
	// Exec runs a single statement with positional arguments.
	Exec(ctx context.Context, query string, kind stmt.Kind, args []any) (*Result, error)

	// Usable reports whether the session can still serve statements.
	// A session that hit corruption, an I/O error or misuse is not.
	Usable() bool

	Close() error
}

// Conn is a Session backed by a zombiezen SQLite connection.
type Conn struct {
	conn   *sqlite.Conn
	path   string
	broken bool
}

// Open opens a new connection to the database at path and applies every
// directive of the profile. ctx bounds the time spent applying
// directives (for instance waiting on busy_timeout during a journal mode
// switch).
func Open(ctx context.Context, path string, profile TuningProfile) (*Conn, error) {
	c, err := sqlite.OpenConn(path, sqlite.OpenReadWrite|sqlite.OpenCreate|sqlite.OpenURI)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}

	c.SetInterrupt(ctx.Done())
	for _, directive := range profile.Directives() {
		if err := sqlitex.ExecuteTransient(c, directive, nil); err != nil {
			c.Close()
			return nil, fmt.Errorf("applying %q: %w", directive, err)
		}
	}
	c.SetInterrupt(nil)

	return &Conn{conn: c, path: path}, nil
}

// Exec runs query on the connection. Statements already in flight are
// not interruptible; ctx is only checked before the statement starts.
func (c *Conn) Exec(ctx context.Context, query string, kind stmt.Kind, args []any) (*Result, error) {
	if c.conn == nil {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := &Result{Kind: kind}
	err := sqlitex.Execute(c.conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(s *sqlite.Stmt) error {
			n := s.ColumnCount()
			if res.Columns == nil {
				res.Columns = make([]string, n)
				for i := 0; i < n; i++ {
					res.Columns[i] = s.ColumnName(i)
				}
			}
			row := make(Row, n)
			for i := 0; i < n; i++ {
				row[res.Columns[i]] = columnValue(s, i)
			}
			res.Rows = append(res.Rows, row)
			return nil
		},
	})
	if err != nil {
		if IsFatal(err) {
			c.broken = true
		}
		return nil, err
	}

	if kind == stmt.Mutation {
		res.LastInsertID = c.conn.LastInsertRowID()
		res.RowsAffected = int64(c.conn.Changes())
	}
	return res, nil
}

// Usable implements Session.
func (c *Conn) Usable() bool {
	return c.conn != nil && !c.broken
}

// Close closes the underlying connection. Closing twice is a no-op.
func (c *Conn) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	if err != nil {
		return fmt.Errorf("closing %s: %w", c.path, err)
	}
	return nil
}

func columnValue(s *sqlite.Stmt, i int) any {
	switch s.ColumnType(i) {
	case sqlite.TypeInteger:
		return s.ColumnInt64(i)
	case sqlite.TypeFloat:
		return s.ColumnFloat(i)
	case sqlite.TypeText:
		return s.ColumnText(i)
	case sqlite.TypeBlob:
		buf := make([]byte, s.ColumnLen(i))
		s.ColumnBytes(i, buf)
		return buf
	default:
		return nil
	}
}

// IsBusy reports whether err is the engine's single-writer contention
// condition (SQLITE_BUSY or SQLITE_LOCKED), as opposed to pool exhaustion.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	switch sqlite.ErrCode(err).ToPrimary() {
	case sqlite.ResultBusy, sqlite.ResultLocked:
		return true
	}
	return false
}

// IsFatal reports whether err leaves the session unusable.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrClosed) {
		return true
	}
	switch sqlite.ErrCode(err).ToPrimary() {
	case sqlite.ResultCorrupt, sqlite.ResultNotADB, sqlite.ResultIOErr, sqlite.ResultMisuse, sqlite.ResultCantOpen:
		return true
	}
	return false
}
