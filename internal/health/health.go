// Package health fornece health check HTTP para o pool e a infraestrutura
// ao redor dele. Verifica se o pool consegue abrir e emprestar uma sessão
// do engine e, quando configurado, a conectividade com o Redis.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/joao-brasil/enginepool/internal/pool"
)

// Status representa o status de saúde de um componente.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// ComponentHealth representa a saúde de um único componente.
type ComponentHealth struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency"`
}

// HealthReport é o relatório geral de saúde.
type HealthReport struct {
	Status     Status            `json:"status"`
	Timestamp  string            `json:"timestamp"`
	InstanceID string            `json:"instance_id"`
	Components []ComponentHealth `json:"components"`
}

// Pool é a parte do pool usada pelo checker.
type Pool interface {
	Name() string
	Ping(ctx context.Context) error
	Stats() pool.Stats
}

// Checker realiza health checks contra o pool e o Redis.
type Checker struct {
	pool        Pool
	redisClient redis.UniversalClient
	instanceID  string
	timeout     time.Duration
	log         *slog.Logger
}

// NewChecker cria um novo health checker. redisClient pode ser nil quando
// o Redis não está habilitado.
func NewChecker(p Pool, redisClient redis.UniversalClient, instanceID string, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Checker{
		pool:        p,
		redisClient: redisClient,
		instanceID:  instanceID,
		timeout:     5 * time.Second,
		log:         logger.With("component", "health"),
	}
}

// Check verifica todos os componentes em paralelo e retorna um relatório.
func (c *Checker) Check(ctx context.Context) *HealthReport {
	checks := []func(context.Context) ComponentHealth{c.checkPool}
	if c.redisClient != nil {
		checks = append(checks, c.checkRedis)
	}
	return c.run(ctx, checks)
}

// Ready verifica apenas o pool: o Redis só afeta a observabilidade.
func (c *Checker) Ready(ctx context.Context) *HealthReport {
	return c.run(ctx, []func(context.Context) ComponentHealth{c.checkPool})
}

func (c *Checker) run(ctx context.Context, checks []func(context.Context) ComponentHealth) *HealthReport {
	report := &HealthReport{
		Status:     StatusHealthy,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		InstanceID: c.instanceID,
		Components: make([]ComponentHealth, len(checks)),
	}

	var g errgroup.Group
	for i, check := range checks {
		g.Go(func() error {
			report.Components[i] = check(ctx)
			return nil
		})
	}
	g.Wait()

	// Se qualquer componente estiver unhealthy, marcar geral como unhealthy
	for _, comp := range report.Components {
		if comp.Status == StatusUnhealthy {
			report.Status = StatusUnhealthy
			c.log.Warn("component unhealthy", "name", comp.Name, "message", comp.Message)
		}
	}

	return report
}

// checkPool empresta uma sessão e executa SELECT 1 nela. Distingue falha
// ao abrir sessão de pool esgotado.
func (c *Checker) checkPool(ctx context.Context) ComponentHealth {
	start := time.Now()
	name := fmt.Sprintf("pool-%s", c.pool.Name())

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.pool.Ping(ctx)
	latency := time.Since(start)
	s := c.pool.Stats()

	if err != nil {
		var msg string
		switch {
		case pool.IsCreateError(err):
			msg = fmt.Sprintf("cannot open engine session: %v", err)
		case exhausted(err, s):
			msg = fmt.Sprintf("pool exhausted (busy=%d, waiting=%d, max=%d)", s.Busy, s.Waiting, s.Max)
		default:
			msg = fmt.Sprintf("SELECT 1 failed: %v", err)
		}
		return ComponentHealth{
			Name:    name,
			Status:  StatusUnhealthy,
			Message: msg,
			Latency: latency.String(),
		}
	}

	return ComponentHealth{
		Name:    name,
		Status:  StatusHealthy,
		Message: fmt.Sprintf("available=%d busy=%d waiting=%d max=%d", s.Available, s.Busy, s.Waiting, s.Max),
		Latency: latency.String(),
	}
}

// exhausted indica se a falha do Ping foi falta de handle livre. O prazo
// do checker pode vencer antes do WaitTimeout do pool; nesse caso o erro é
// context.DeadlineExceeded e o estado do pool decide.
func exhausted(err error, s pool.Stats) bool {
	if pool.IsTimeout(err) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) && (s.Waiting > 0 || s.Busy >= s.Max)
}

// checkRedis verifica a conectividade com o Redis.
func (c *Checker) checkRedis(ctx context.Context) ComponentHealth {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	result := c.redisClient.Ping(ctx)
	latency := time.Since(start)

	if result.Err() != nil {
		return ComponentHealth{
			Name:    "redis",
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("PING failed: %v", result.Err()),
			Latency: latency.String(),
		}
	}

	return ComponentHealth{
		Name:    "redis",
		Status:  StatusHealthy,
		Message: "PONG",
		Latency: latency.String(),
	}
}

// Handler retorna as rotas /health, /health/ready e /health/live.
func (c *Checker) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeReport(w, c.Check(r.Context()))
	})

	mux.HandleFunc("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		writeReport(w, c.Ready(r.Context()))
	})

	mux.HandleFunc("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	})

	return mux
}

func writeReport(w http.ResponseWriter, report *HealthReport) {
	w.Header().Set("Content-Type", "application/json")
	if report.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(report)
}

// Serve inicia o servidor HTTP de health check em addr.
func (c *Checker) Serve(addr string) *http.Server {
	server := &http.Server{
		Addr:         addr,
		Handler:      c.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		c.log.Info("health server listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.log.Error("health server failed", "error", err)
		}
	}()

	return server
}
