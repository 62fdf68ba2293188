// Package main is the entrypoint for the load generator.
// It drives a mixed read, write and transaction workload through a pool
// against one database file and prints the pool statistics at the end.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/joao-brasil/enginepool/internal/pool"
)

type options struct {
	path          string
	workers       int
	duration      time.Duration
	maxConns      int
	waitTimeout   time.Duration
	slowThreshold time.Duration
	readRatio     float64
	txRatio       float64
	txStatements  int
}

type counters struct {
	ok       atomic.Uint64
	timeouts atomic.Uint64
	busy     atomic.Uint64
	failed   atomic.Uint64
}

func (c *counters) observe(err error) {
	switch {
	case err == nil:
		c.ok.Add(1)
	case pool.IsTimeout(err):
		c.timeouts.Add(1)
	case pool.IsBusy(err):
		c.busy.Add(1)
	default:
		c.failed.Add(1)
	}
}

func main() {
	var o options
	pflag.StringVar(&o.path, "db", "", "Database file (default: a file in a temporary directory)")
	pflag.IntVarP(&o.workers, "workers", "w", 32, "Concurrent workers")
	pflag.DurationVarP(&o.duration, "duration", "d", 10*time.Second, "How long to run")
	pflag.IntVar(&o.maxConns, "max-connections", 8, "Pool max connections")
	pflag.DurationVar(&o.waitTimeout, "wait-timeout", 2*time.Second, "Pool wait timeout")
	pflag.DurationVar(&o.slowThreshold, "slow-threshold", 50*time.Millisecond, "Slow query threshold")
	pflag.Float64Var(&o.readRatio, "read-ratio", 0.7, "Fraction of operations that are reads")
	pflag.Float64Var(&o.txRatio, "tx-ratio", 0.1, "Fraction of operations that are multi-statement transactions")
	pflag.IntVar(&o.txStatements, "tx-statements", 5, "Inserts per transaction")
	verbose := pflag.BoolP("verbose", "v", false, "Log pool debug messages")
	pflag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := run(o, logger); err != nil {
		logger.Error("loadgen failed", "error", err)
		os.Exit(1)
	}
}

func run(o options, logger *slog.Logger) error {
	if o.path == "" {
		dir, err := os.MkdirTemp("", "loadgen-*")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)
		o.path = filepath.Join(dir, "loadgen.db")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, err := pool.New(ctx, pool.Config{
		Name:               "loadgen",
		Path:               o.path,
		MaxConnections:     o.maxConns,
		WaitTimeout:        o.waitTimeout,
		SlowQueryThreshold: o.slowThreshold,
		Logger:             logger,
	})
	if err != nil {
		return err
	}
	defer p.Close()

	if _, err := p.Execute(ctx, `CREATE TABLE IF NOT EXISTS quotes (
		id INTEGER PRIMARY KEY,
		customer TEXT NOT NULL,
		amount REAL NOT NULL,
		created_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}

	fmt.Printf("loadgen: %d workers for %s against %s (max_connections=%d)\n",
		o.workers, o.duration, o.path, o.maxConns)

	runCtx, cancel := context.WithTimeout(ctx, o.duration)
	defer cancel()

	var reads, writes, txs counters
	start := time.Now()

	g, gctx := errgroup.WithContext(runCtx)
	for i := 0; i < o.workers; i++ {
		g.Go(func() error {
			rng := rand.New(rand.NewPCG(uint64(i), uint64(start.UnixNano())))
			for gctx.Err() == nil {
				switch r := rng.Float64(); {
				case r < o.txRatio:
					txs.observe(transfer(gctx, p, rng, o.txStatements))
				case r < o.txRatio+o.readRatio:
					_, err := p.Execute(gctx,
						"SELECT count(*) AS n, coalesce(sum(amount), 0) AS total FROM quotes WHERE customer = ?",
						customer(rng))
					reads.observe(ignoreCancel(err))
				default:
					_, err := p.Execute(gctx,
						"INSERT INTO quotes (customer, amount, created_at) VALUES (?, ?, ?)",
						customer(rng), rng.Float64()*1000, time.Now().Unix())
					writes.observe(ignoreCancel(err))
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	printReport(elapsed, p.Stats(), map[string]*counters{"read": &reads, "write": &writes, "tx": &txs})
	return nil
}

// transfer inserts a batch of quotes in one transaction.
func transfer(ctx context.Context, p *pool.Pool, rng *rand.Rand, n int) error {
	err := p.WithTx(ctx, func(tx *pool.Tx) error {
		for j := 0; j < n; j++ {
			if _, err := tx.Execute(ctx,
				"INSERT INTO quotes (customer, amount, created_at) VALUES (?, ?, ?)",
				customer(rng), rng.Float64()*100, time.Now().Unix()); err != nil {
				return err
			}
		}
		return nil
	})
	return ignoreCancel(err)
}

// ignoreCancel drops errors caused by the run ending mid-operation.
func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func customer(rng *rand.Rand) string {
	return fmt.Sprintf("customer-%03d", rng.IntN(100))
}

func printReport(elapsed time.Duration, s pool.Stats, ops map[string]*counters) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintf(w, "\nOPERATION\tOK\tTIMEOUT\tBUSY\tFAILED\tOPS/S\n")
	for _, name := range []string{"read", "write", "tx"} {
		c := ops[name]
		ok := c.ok.Load()
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%.0f\n",
			name, ok, c.timeouts.Load(), c.busy.Load(), c.failed.Load(), float64(ok)/elapsed.Seconds())
	}

	fmt.Fprintf(w, "\nPOOL\t\n")
	fmt.Fprintf(w, "total queries\t%d\n", s.TotalQueries)
	fmt.Fprintf(w, "slow queries\t%d\n", s.SlowQueries)
	fmt.Fprintf(w, "statement errors\t%d\n", s.StatementErrors)
	fmt.Fprintf(w, "average query time\t%s\n", s.AverageQueryTime)
	fmt.Fprintf(w, "peak connections\t%d/%d\n", s.PeakConnections, s.Max)
	fmt.Fprintf(w, "lease timeouts\t%d\n", s.Timeouts)
	fmt.Fprintf(w, "created/destroyed\t%d/%d\n", s.Created, s.Destroyed)
}
