package pool

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/joao-brasil/enginepool/internal/engine"
	"github.com/joao-brasil/enginepool/internal/metrics"
	"github.com/joao-brasil/enginepool/pkg/stmt"
)

// Result is the outcome of one statement: rows for reads, last insert id
// and affected rows for mutations.
type Result = engine.Result

// Row is one result row keyed by column name.
type Row = engine.Row

// Execute leases a handle, runs one statement and releases the handle
// before returning, on every path. The result shape is picked by
// classifying query; use ExecuteKind to state it explicitly.
func (p *Pool) Execute(ctx context.Context, query string, args ...any) (*Result, error) {
	return p.ExecuteKind(ctx, p.classifier.Classify(query), query, args...)
}

// ExecuteKind is Execute with an explicit statement kind.
func (p *Pool) ExecuteKind(ctx context.Context, kind stmt.Kind, query string, args ...any) (*Result, error) {
	h, err := p.Lease(ctx)
	if err != nil {
		return nil, err
	}
	// Release destroys the handle instead when its session went bad.
	defer p.Release(h)

	return p.run(ctx, h, kind, query, args)
}

// Ping leases a handle and runs a trivial statement on it without
// touching the query statistics. Health endpoints use it to surface
// ConnectionCreateError and pool exhaustion.
func (p *Pool) Ping(ctx context.Context) error {
	h, err := p.Lease(ctx)
	if err != nil {
		return err
	}
	defer p.Release(h)

	if _, err := h.session.Exec(ctx, "SELECT 1", stmt.Read, nil); err != nil {
		return newStatementError("SELECT 1", err)
	}
	return nil
}

// run executes one statement on a handle the caller owns and records it
// in the statistics.
func (p *Pool) run(ctx context.Context, h *Handle, kind stmt.Kind, query string, args []any) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	res, err := h.session.Exec(ctx, query, kind, args)
	d := time.Since(start)

	h.countQuery()
	slow := p.stats.record(d, p.cfg.SlowQueryThreshold, err != nil)
	metrics.QueryDuration.WithLabelValues(p.cfg.Name, kind.String()).Observe(d.Seconds())
	if slow {
		metrics.SlowQueries.WithLabelValues(p.cfg.Name).Inc()
		p.log.Warn("slow query",
			"conn_id", h.id,
			"duration", d,
			"threshold", p.cfg.SlowQueryThreshold,
			"sql", abbreviate(query),
		)
	}

	if err != nil {
		se := newStatementError(query, err)
		if se.Busy {
			metrics.StatementErrors.WithLabelValues(p.cfg.Name, "busy").Inc()
			p.log.Warn("engine busy, statement failed on write contention",
				"conn_id", h.id, "duration", d, "sql", abbreviate(query))
		} else {
			metrics.StatementErrors.WithLabelValues(p.cfg.Name, "error").Inc()
			p.log.Debug("statement failed", "conn_id", h.id, "sql", abbreviate(query), "error", err)
		}
		if !h.usable() {
			p.log.Error("connection unusable after statement error", "conn_id", h.id, "error", err)
		}
		return nil, se
	}

	res.Duration = d
	return res, nil
}

// abbreviate keeps long statements readable in logs. The cut never splits
// a multi-byte character.
func abbreviate(query string) string {
	const max = 120
	if len(query) <= max {
		return query
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(query[cut]) {
		cut--
	}
	return query[:cut] + "..."
}
