// Package reporter publica snapshots das estatísticas do pool no Redis,
// para que várias instâncias possam ser observadas a partir de um único
// lugar.
//
// Cada instância escreve um hash com TTL:
//
//	<prefix>:stats:<instance>:<pool>  → campos de pool.Stats
//	<prefix>:instances                → conjunto de instâncias que reportam
//
// Se a instância morrer, o hash expira sozinho após o TTL.
package reporter

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/joao-brasil/enginepool/internal/config"
	"github.com/joao-brasil/enginepool/internal/metrics"
	"github.com/joao-brasil/enginepool/internal/pool"
)

// ── Padrões de Chaves Redis ──────────────────────────────────────────────
const (
	keyStats     = "%s:stats:%s:%s" // hash por instância e pool
	keyInstances = "%s:instances"   // conjunto de instâncias ativas
)

// StatsSource é qualquer coisa que produz snapshots de pool.Stats.
type StatsSource interface {
	Stats() pool.Stats
}

// Options configura o reporter.
type Options struct {
	InstanceID string
	KeyPrefix  string
	Interval   time.Duration
	TTL        time.Duration
	Logger     *slog.Logger
}

// Reporter publica periodicamente as estatísticas de um pool.
type Reporter struct {
	client redis.UniversalClient
	source StatsSource
	opts   Options
	log    *slog.Logger

	key          string
	instancesKey string

	// ciclo de vida
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewClient cria o cliente Redis a partir da seção redis da configuração.
func NewClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
}

// New cria um reporter. O cliente continua pertencendo ao chamador.
func New(client redis.UniversalClient, source StatsSource, opts Options) *Reporter {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "enginepool"
	}
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.TTL <= 0 {
		opts.TTL = 3 * opts.Interval
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	name := source.Stats().Name
	return &Reporter{
		client:       client,
		source:       source,
		opts:         opts,
		log:          opts.Logger.With("component", "reporter", "pool", name),
		key:          fmt.Sprintf(keyStats, opts.KeyPrefix, opts.InstanceID, name),
		instancesKey: fmt.Sprintf(keyInstances, opts.KeyPrefix),
		stopCh:       make(chan struct{}),
	}
}

// Key retorna o hash onde os snapshots são gravados.
func (r *Reporter) Key() string {
	return r.key
}

// Publish grava um snapshot agora. HSET, EXPIRE e SADD vão no mesmo
// pipeline transacional para que o hash nunca fique sem TTL.
func (r *Reporter) Publish(ctx context.Context) error {
	s := r.source.Stats()

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.key, Fields(s, time.Now()))
	pipe.Expire(ctx, r.key, r.opts.TTL)
	pipe.SAdd(ctx, r.instancesKey, r.opts.InstanceID)

	if _, err := pipe.Exec(ctx); err != nil {
		metrics.StatsPublished.WithLabelValues("error").Inc()
		return fmt.Errorf("publishing stats to %s: %w", r.key, err)
	}
	metrics.StatsPublished.WithLabelValues("ok").Inc()
	return nil
}

// Start inicia o loop de publicação em uma goroutine.
func (r *Reporter) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.loop(ctx)
	r.log.Info("stats reporter started",
		"key", r.key, "interval", r.opts.Interval, "ttl", r.opts.TTL)
}

// Stop encerra o loop e espera a goroutine terminar. Pode ser chamado
// mais de uma vez.
func (r *Reporter) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

// Close para o loop e remove o snapshot desta instância do Redis.
func (r *Reporter) Close(ctx context.Context) error {
	r.Stop()

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.key)
	pipe.SRem(ctx, r.instancesKey, r.opts.InstanceID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("removing stats %s: %w", r.key, err)
	}
	return nil
}

func (r *Reporter) loop(ctx context.Context) {
	defer r.wg.Done()

	// Publicar o primeiro snapshot imediatamente.
	r.publish(ctx)

	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.publish(ctx)
		}
	}
}

func (r *Reporter) publish(ctx context.Context) {
	pubCtx, cancel := context.WithTimeout(ctx, r.opts.Interval)
	defer cancel()
	if err := r.Publish(pubCtx); err != nil {
		// Redis fora do ar não afeta o pool; só perdemos visibilidade.
		r.log.Warn("stats publish failed", "error", err)
	}
}

// Fields converte um snapshot nos campos do hash. Durações vão em
// milissegundos.
func Fields(s pool.Stats, at time.Time) map[string]any {
	return map[string]any{
		"name":             s.Name,
		"total_queries":    strconv.FormatUint(s.TotalQueries, 10),
		"slow_queries":     strconv.FormatUint(s.SlowQueries, 10),
		"statement_errors": strconv.FormatUint(s.StatementErrors, 10),
		"average_query_ms": strconv.FormatFloat(float64(s.AverageQueryTime)/float64(time.Millisecond), 'f', 3, 64),
		"peak_connections": strconv.Itoa(s.PeakConnections),
		"available":        strconv.Itoa(s.Available),
		"busy":             strconv.Itoa(s.Busy),
		"opening":          strconv.Itoa(s.Opening),
		"waiting":          strconv.Itoa(s.Waiting),
		"total":            strconv.Itoa(s.Total),
		"max":              strconv.Itoa(s.Max),
		"created":          strconv.FormatUint(s.Created, 10),
		"destroyed":        strconv.FormatUint(s.Destroyed, 10),
		"timeouts":         strconv.FormatUint(s.Timeouts, 10),
		"updated_at_unix":  strconv.FormatInt(at.Unix(), 10),
	}
}
