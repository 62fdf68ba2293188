// Package pool provides the bounded connection pool in front of the
// embedded single-writer database engine. Every query of the application
// goes through a Pool: callers lease an exclusive handle (directly or via
// Execute and Begin), run statements on it and give it back. The pool owns
// admission (reuse, grow, or queue), strict FIFO waiting with a deadline,
// idle reaping and the query statistics.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/joao-brasil/enginepool/internal/engine"
	"github.com/joao-brasil/enginepool/internal/metrics"
	"github.com/joao-brasil/enginepool/pkg/stmt"
	"golang.org/x/sync/errgroup"
)

// BeginMode selects the statement used to open a transaction.
type BeginMode string

const (
	BeginDeferred  BeginMode = "deferred"
	BeginImmediate BeginMode = "immediate"
	BeginExclusive BeginMode = "exclusive"
)

func (m BeginMode) statement() string {
	switch m {
	case BeginDeferred:
		return "BEGIN"
	case BeginExclusive:
		return "BEGIN EXCLUSIVE"
	default:
		return "BEGIN IMMEDIATE"
	}
}

// OpenFunc opens a new engine session. It replaces engine.Open when set
// in Config, which lets callers plug in another engine binding.
type OpenFunc func(ctx context.Context) (engine.Session, error)

// Config holds the construction-time parameters of a pool. They are
// fixed for the pool's lifetime.
type Config struct {
	// Name labels logs and metrics. Defaults to "default".
	Name string

	// Path is the database file. Required unless Open is set.
	Path string

	// MaxConnections bounds available+busy+opening handles. Default 10.
	MaxConnections int

	// MinConnections sessions are opened at construction (warm start).
	// Reaping may shrink the pool below this value.
	MinConnections int

	// IdleTimeout is how long an available handle may sit unused before
	// Reap destroys it. Default 30s; negative disables reaping.
	IdleTimeout time.Duration

	// WaitTimeout bounds the time a Lease waits in the queue. Default 10s.
	WaitTimeout time.Duration

	// SlowQueryThreshold marks statements as slow. Default 1s.
	SlowQueryThreshold time.Duration

	// ReapInterval runs Reap periodically when positive. With zero the
	// caller schedules Reap itself.
	ReapInterval time.Duration

	// HealthCheckInterval runs HealthCheck periodically when positive.
	HealthCheckInterval time.Duration

	// BeginMode defaults to BeginImmediate so a transaction takes the
	// write lock up front instead of failing on upgrade.
	BeginMode BeginMode

	// Tuning is applied to every new session. A profile without any
	// directive is replaced by engine.DefaultTuning().
	Tuning engine.TuningProfile

	// ClassifierCacheSize is the number of query strings whose kind is
	// memoized. Default 512.
	ClassifierCacheSize int

	// Logger receives operational messages. Nil discards them.
	Logger *slog.Logger

	// Open overrides the session factory.
	Open OpenFunc
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = 10
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 30 * time.Second
	}
	if c.WaitTimeout == 0 {
		c.WaitTimeout = 10 * time.Second
	}
	if c.SlowQueryThreshold == 0 {
		c.SlowQueryThreshold = time.Second
	}
	if c.BeginMode == "" {
		c.BeginMode = BeginImmediate
	}
	if len(c.Tuning.Directives()) == 0 {
		c.Tuning = engine.DefaultTuning()
	}
	if c.ClassifierCacheSize == 0 {
		c.ClassifierCacheSize = 512
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
}

func (c *Config) validate() error {
	if c.Path == "" && c.Open == nil {
		return errors.New("pool: Path is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("pool: max connections must be positive, got %d", c.MaxConnections)
	}
	if c.MinConnections < 0 || c.MinConnections > c.MaxConnections {
		return fmt.Errorf("pool: min connections %d out of range [0, %d]", c.MinConnections, c.MaxConnections)
	}
	if c.WaitTimeout < 0 {
		return fmt.Errorf("pool: wait timeout must not be negative, got %v", c.WaitTimeout)
	}
	switch c.BeginMode {
	case BeginDeferred, BeginImmediate, BeginExclusive:
	default:
		return fmt.Errorf("pool: unknown begin mode %q", c.BeginMode)
	}
	return nil
}

// Pool manages the handles of one database file. It is safe for
// concurrent use; individual handles are not.
type Pool struct {
	mu sync.Mutex

	cfg        Config
	log        *slog.Logger
	open       OpenFunc
	classifier *stmt.Classifier

	// available holds idle handles, most recently used last (LIFO).
	available []*Handle

	// busy tracks leased handles keyed by id.
	busy map[uint64]*Handle

	// opening counts slots reserved for sessions being opened outside
	// the lock. They count toward MaxConnections.
	opening int

	// waiters is the FIFO of blocked leases. Non-empty only while the
	// pool is saturated and available is empty.
	waiters waitQueue

	nextID uint64
	closed bool

	peak      int
	created   uint64
	destroyed uint64
	timeouts  uint64

	stats collector

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a pool and eagerly opens MinConnections sessions. A failed
// warm-up session is logged and skipped; the pool grows on demand later.
func New(ctx context.Context, cfg Config) (*Pool, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	p := &Pool{
		cfg:        cfg,
		log:        cfg.Logger.With("pool", cfg.Name),
		open:       cfg.Open,
		classifier: stmt.NewClassifier(cfg.ClassifierCacheSize),
		available:  make([]*Handle, 0, cfg.MaxConnections),
		busy:       make(map[uint64]*Handle),
		stopCh:     make(chan struct{}),
	}
	if p.open == nil {
		p.open = func(ctx context.Context) (engine.Session, error) {
			return engine.Open(ctx, cfg.Path, cfg.Tuning)
		}
	}
	metrics.Init(cfg.Name, cfg.MaxConnections)

	p.warmUp(ctx)

	p.log.Info("pool initialized",
		"path", cfg.Path,
		"available", len(p.available),
		"max", cfg.MaxConnections,
		"idle_timeout", cfg.IdleTimeout,
		"wait_timeout", cfg.WaitTimeout,
	)

	if cfg.ReapInterval > 0 || cfg.HealthCheckInterval > 0 {
		p.wg.Add(1)
		go p.maintenanceLoop()
	}

	return p, nil
}

// warmUp opens MinConnections sessions concurrently. Every slot is
// reserved up front so the sessions count toward MaxConnections while
// they open.
func (p *Pool) warmUp(ctx context.Context) {
	n := p.cfg.MinConnections
	if n == 0 {
		return
	}

	p.mu.Lock()
	p.opening += n
	p.mu.Unlock()

	handles := make([]*Handle, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			h, err := p.openReserved(ctx)
			if err != nil {
				p.log.Warn("warm connection failed", "index", i+1, "min", n, "error", err)
				return nil
			}
			handles[i] = h
			return nil
		})
	}
	g.Wait()

	for _, h := range handles {
		p.Release(h)
	}
}

// Name returns the pool name used in logs and metrics.
func (p *Pool) Name() string {
	return p.cfg.Name
}

// Lease obtains an exclusive handle. It reuses an available handle, opens
// a new session when under MaxConnections, or queues the caller (FIFO)
// until a handle is released to it. A queued lease fails with
// ErrPoolTimeout after WaitTimeout and with ctx.Err() if ctx ends first.
// The caller must Release the handle.
func (p *Pool) Lease(ctx context.Context) (*Handle, error) {
	start := time.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	if h := p.popAvailableLocked(); h != nil {
		p.busy[h.id] = h
		h.markBusy()
		p.updateMetricsLocked()
		p.mu.Unlock()
		metrics.LeasesTotal.WithLabelValues(p.cfg.Name, "acquired").Inc()
		return h, nil
	}

	if p.totalLocked() < p.cfg.MaxConnections {
		p.opening++
		p.mu.Unlock()
		return p.openReserved(ctx)
	}

	// Pool is saturated: enter the wait queue.
	w := newWaiter()
	p.waiters.push(w)
	position := p.waiters.Len()
	metrics.QueueLength.WithLabelValues(p.cfg.Name).Set(float64(position))
	p.mu.Unlock()

	p.log.Debug("lease queued", "position", position)

	timer := time.NewTimer(p.cfg.WaitTimeout)
	defer timer.Stop()

	var cause error
	select {
	case g, ok := <-w.ready:
		return p.accept(ctx, g, ok, start)
	case <-timer.C:
	case <-ctx.Done():
		cause = ctx.Err()
	}

	p.mu.Lock()
	removed := p.waiters.remove(w)
	if removed {
		if cause == nil {
			p.timeouts++
		}
		metrics.QueueLength.WithLabelValues(p.cfg.Name).Set(float64(p.waiters.Len()))
	}
	p.mu.Unlock()

	if !removed {
		// The grant took the lock before we did, so it is already in
		// the channel. On timeout the grant wins; on cancellation it
		// goes straight back to the pool.
		g, ok := <-w.ready
		if cause == nil {
			return p.accept(ctx, g, ok, start)
		}
		p.refuse(g, ok)
		metrics.LeasesTotal.WithLabelValues(p.cfg.Name, "cancelled").Inc()
		return nil, cause
	}

	waited := time.Since(start)
	metrics.QueueWaitDuration.WithLabelValues(p.cfg.Name).Observe(waited.Seconds())
	if cause != nil {
		metrics.LeasesTotal.WithLabelValues(p.cfg.Name, "cancelled").Inc()
		return nil, cause
	}
	metrics.LeasesTotal.WithLabelValues(p.cfg.Name, "timeout").Inc()
	p.log.Warn("pool exhausted, lease timed out", "waited", waited, "timeout", p.cfg.WaitTimeout)
	return nil, &TimeoutError{Pool: p.cfg.Name, Waited: waited, Timeout: p.cfg.WaitTimeout}
}

// accept turns a grant into a leased handle.
func (p *Pool) accept(ctx context.Context, g grant, ok bool, start time.Time) (*Handle, error) {
	if !ok {
		metrics.LeasesTotal.WithLabelValues(p.cfg.Name, "closed").Inc()
		return nil, ErrPoolClosed
	}
	metrics.QueueWaitDuration.WithLabelValues(p.cfg.Name).Observe(time.Since(start).Seconds())
	if g.h != nil {
		metrics.LeasesTotal.WithLabelValues(p.cfg.Name, "waited").Inc()
		return g.h, nil
	}
	return p.openReserved(ctx)
}

// refuse gives back a grant the waiter no longer wants.
func (p *Pool) refuse(g grant, ok bool) {
	if !ok {
		return
	}
	if g.h != nil {
		p.Release(g.h)
		return
	}
	p.mu.Lock()
	p.opening--
	p.handOffSlotLocked()
	p.updateMetricsLocked()
	p.mu.Unlock()
}

// Release returns a leased handle. If a lease is queued the handle goes
// directly to the queue head and never touches the available set. A
// handle whose session became unusable is destroyed instead. Releasing a
// handle that is not currently leased from this pool is a no-op.
func (p *Pool) Release(h *Handle) {
	if h == nil {
		return
	}

	p.mu.Lock()
	if p.busy[h.id] != h {
		p.mu.Unlock()
		p.log.Warn("release of a handle that is not leased", "conn_id", h.id, "state", h.State())
		metrics.ConnectionErrors.WithLabelValues(p.cfg.Name, "stray_release").Inc()
		return
	}

	if p.closed || !h.usable() {
		reason := "unusable"
		if p.closed {
			reason = "pool_closed"
		}
		p.destroyLocked(h)
		p.mu.Unlock()
		p.closeHandle(h, reason)
		return
	}

	p.putLocked(h, true)
	p.mu.Unlock()
	metrics.LeasesTotal.WithLabelValues(p.cfg.Name, "released").Inc()
}

// Discard destroys a leased handle instead of returning it, for callers
// that know the session is in a bad state.
func (p *Pool) Discard(h *Handle) {
	if h == nil {
		return
	}

	p.mu.Lock()
	if p.busy[h.id] != h {
		p.mu.Unlock()
		return
	}
	p.destroyLocked(h)
	p.mu.Unlock()
	p.closeHandle(h, "discarded")
}

// Close shuts the pool down: queued leases fail with ErrPoolClosed,
// available sessions are closed now and leased ones when released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.stopCh)

	for w := p.waiters.pop(); w != nil; w = p.waiters.pop() {
		close(w.ready)
	}

	idle := p.available
	p.available = nil
	p.destroyed += uint64(len(idle))
	busy := len(p.busy)
	p.updateMetricsLocked()
	p.mu.Unlock()

	p.wg.Wait()

	var errs error
	for _, h := range idle {
		if err := h.close(); err != nil {
			errs = errors.Join(errs, err)
		}
	}

	p.log.Info("pool closed", "closed_idle", len(idle), "still_busy", busy)
	return errs
}

// ── Internal helpers ─────────────────────────────────────────────────────

// openReserved opens a session for a slot already counted in p.opening.
func (p *Pool) openReserved(ctx context.Context) (*Handle, error) {
	session, err := p.open(ctx)

	p.mu.Lock()
	p.opening--
	if err != nil {
		p.handOffSlotLocked()
		p.updateMetricsLocked()
		p.mu.Unlock()
		metrics.ConnectionErrors.WithLabelValues(p.cfg.Name, "create_failed").Inc()
		p.log.Error("connection create failed", "error", err)
		return nil, &ConnectionCreateError{Pool: p.cfg.Name, Err: err}
	}
	if p.closed {
		p.mu.Unlock()
		session.Close()
		return nil, ErrPoolClosed
	}

	p.nextID++
	h := newHandle(p.nextID, session)
	p.busy[h.id] = h
	p.created++
	if total := p.totalLocked(); total > p.peak {
		p.peak = total
	}
	p.updateMetricsLocked()
	p.mu.Unlock()

	metrics.LeasesTotal.WithLabelValues(p.cfg.Name, "created").Inc()
	p.log.Debug("connection opened", "conn_id", h.id)
	return h, nil
}

// putLocked hands a busy handle to the queue head, or makes it available.
func (p *Pool) putLocked(h *Handle, touch bool) {
	if w := p.waiters.pop(); w != nil {
		h.markBusy()
		w.ready <- grant{h: h}
		metrics.QueueLength.WithLabelValues(p.cfg.Name).Set(float64(p.waiters.Len()))
	} else {
		delete(p.busy, h.id)
		h.markAvailable(touch)
		p.available = append(p.available, h)
	}
	p.updateMetricsLocked()
}

// destroyLocked forgets a busy handle and passes its slot on. The caller
// closes the session outside the lock.
func (p *Pool) destroyLocked(h *Handle) {
	delete(p.busy, h.id)
	p.destroyed++
	p.handOffSlotLocked()
	p.updateMetricsLocked()
}

// handOffSlotLocked gives a freed slot to the queue head, which then opens
// its own session. This keeps waiters from stranding when a session is
// destroyed or fails to open while they wait.
func (p *Pool) handOffSlotLocked() {
	if p.closed {
		return
	}
	w := p.waiters.pop()
	if w == nil {
		return
	}
	p.opening++
	w.ready <- grant{open: true}
	metrics.QueueLength.WithLabelValues(p.cfg.Name).Set(float64(p.waiters.Len()))
}

func (p *Pool) closeHandle(h *Handle, reason string) {
	if err := h.close(); err != nil {
		p.log.Error("closing connection failed", "conn_id", h.id, "reason", reason, "error", err)
		metrics.ConnectionErrors.WithLabelValues(p.cfg.Name, "close_failed").Inc()
		return
	}
	metrics.ConnectionErrors.WithLabelValues(p.cfg.Name, reason).Inc()
	p.log.Debug("connection destroyed", "conn_id", h.id, "reason", reason)
}

// popAvailableLocked removes and returns the most recently used handle.
func (p *Pool) popAvailableLocked() *Handle {
	n := len(p.available)
	if n == 0 {
		return nil
	}
	h := p.available[n-1]
	p.available[n-1] = nil
	p.available = p.available[:n-1]
	return h
}

func (p *Pool) totalLocked() int {
	return len(p.available) + len(p.busy) + p.opening
}

// updateMetricsLocked refreshes Prometheus gauges for this pool.
func (p *Pool) updateMetricsLocked() {
	metrics.ConnectionsBusy.WithLabelValues(p.cfg.Name).Set(float64(len(p.busy)))
	metrics.ConnectionsAvailable.WithLabelValues(p.cfg.Name).Set(float64(len(p.available)))
}
