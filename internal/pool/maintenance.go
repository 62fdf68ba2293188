package pool

import (
	"context"
	"time"

	"github.com/joao-brasil/enginepool/internal/metrics"
	"github.com/joao-brasil/enginepool/pkg/stmt"
)

// Reap destroys every available handle that has been idle longer than
// IdleTimeout and returns how many were destroyed. Busy handles and
// handles in flight to a waiter are never touched. There is no floor:
// the pool may shrink below MinConnections.
func (p *Pool) Reap() int {
	now := time.Now()

	p.mu.Lock()
	if p.closed || p.cfg.IdleTimeout <= 0 || len(p.available) == 0 {
		p.mu.Unlock()
		return 0
	}

	remaining := make([]*Handle, 0, len(p.available))
	var stale []*Handle
	for _, h := range p.available {
		if h.idleSince(now) > p.cfg.IdleTimeout {
			stale = append(stale, h)
		} else {
			remaining = append(remaining, h)
		}
	}
	p.available = remaining
	p.destroyed += uint64(len(stale))
	p.updateMetricsLocked()
	p.mu.Unlock()

	if len(stale) == 0 {
		return 0
	}

	for _, h := range stale {
		if err := h.close(); err != nil {
			// Bookkeeping failure: log it, never surface it to callers.
			p.log.Error("closing idle connection failed", "conn_id", h.id, "error", err)
			metrics.ConnectionErrors.WithLabelValues(p.cfg.Name, "close_failed").Inc()
		}
	}
	metrics.ConnectionsReaped.WithLabelValues(p.cfg.Name).Add(float64(len(stale)))
	p.log.Info("reaped idle connections", "count", len(stale), "idle_timeout", p.cfg.IdleTimeout)
	return len(stale)
}

// HealthCheck runs SELECT 1 on every available handle and destroys the
// ones that fail. Handles are leased for the duration of the check, so
// they cannot be handed out concurrently, and their idle clock is left
// untouched so the check never postpones reaping. Returns the number of
// handles removed.
func (p *Pool) HealthCheck(ctx context.Context) int {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0
	}
	conns := p.available
	p.available = make([]*Handle, 0, p.cfg.MaxConnections)
	for _, h := range conns {
		h.markChecking()
		p.busy[h.id] = h
	}
	p.mu.Unlock()

	removed := 0
	for _, h := range conns {
		_, err := h.session.Exec(ctx, "SELECT 1", stmt.Read, nil)
		if err != nil && ctx.Err() != nil {
			// Cancelled: not the handle's fault.
			err = nil
		}

		p.mu.Lock()
		if err == nil && h.usable() && !p.closed {
			p.putLocked(h, false)
			p.mu.Unlock()
			continue
		}
		p.destroyLocked(h)
		p.mu.Unlock()

		if err != nil {
			p.log.Warn("health check failed", "conn_id", h.id, "error", err)
			removed++
		}
		p.closeHandle(h, "health_check")
	}

	if removed > 0 {
		p.log.Info("health check removed unhealthy connections", "count", removed)
	}
	return removed
}

// maintenanceLoop runs periodic reaping and health checks.
func (p *Pool) maintenanceLoop() {
	defer p.wg.Done()

	var reapC, checkC <-chan time.Time
	if p.cfg.ReapInterval > 0 {
		t := time.NewTicker(p.cfg.ReapInterval)
		defer t.Stop()
		reapC = t.C
	}
	if p.cfg.HealthCheckInterval > 0 {
		t := time.NewTicker(p.cfg.HealthCheckInterval)
		defer t.Stop()
		checkC = t.C
	}

	for {
		select {
		case <-p.stopCh:
			return
		case <-reapC:
			p.Reap()
		case <-checkC:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			p.HealthCheck(ctx)
			cancel()
		}
	}
}
