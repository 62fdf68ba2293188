package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-brasil/enginepool/internal/pool"
)

type stubPool struct {
	err   error
	stats pool.Stats
}

func (s *stubPool) Name() string               { return "stub" }
func (s *stubPool) Ping(context.Context) error { return s.err }
func (s *stubPool) Stats() pool.Stats          { return s.stats }

func openPool(t *testing.T, path string) *pool.Pool {
	t.Helper()
	p, err := pool.New(context.Background(), pool.Config{
		Name:        t.Name(),
		Path:        path,
		WaitTimeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func getReport(t *testing.T, srv *httptest.Server, path string) (int, HealthReport) {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()

	var report HealthReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	return resp.StatusCode, report
}

func TestHealthyPool(t *testing.T) {
	p := openPool(t, filepath.Join(t.TempDir(), "app.db"))
	c := NewChecker(p, nil, "node-a", nil)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	code, report := getReport(t, srv, "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, StatusHealthy, report.Status)
	assert.Equal(t, "node-a", report.InstanceID)
	require.Len(t, report.Components, 1)
	assert.Equal(t, "pool-"+t.Name(), report.Components[0].Name)

	code, report = getReport(t, srv, "/health/ready")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, StatusHealthy, report.Status)

	assert.Equal(t, 0, p.Stats().Busy)
	assert.Equal(t, uint64(0), p.Stats().TotalQueries)
}

func TestCreateErrorIsUnhealthy(t *testing.T) {
	p := openPool(t, filepath.Join(t.TempDir(), "missing", "app.db"))
	c := NewChecker(p, nil, "node-a", nil)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	code, report := getReport(t, srv, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, StatusUnhealthy, report.Status)
	require.Len(t, report.Components, 1)
	assert.True(t, strings.HasPrefix(report.Components[0].Message, "cannot open engine session"))
}

func TestExhaustedPoolIsUnhealthy(t *testing.T) {
	stub := &stubPool{
		err:   &pool.TimeoutError{Pool: "stub", Waited: time.Second, Timeout: time.Second},
		stats: pool.Stats{Busy: 4, Waiting: 2, Max: 4},
	}
	report := NewChecker(stub, nil, "node-a", nil).Check(context.Background())

	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.Equal(t, "pool exhausted (busy=4, waiting=2, max=4)", report.Components[0].Message)
}

func TestSaturatedPoolIsExhaustedNotStatementFailure(t *testing.T) {
	// The pool waits longer than the checker, so the checker's own
	// deadline ends the lease.
	p, err := pool.New(context.Background(), pool.Config{
		Name:           t.Name(),
		Path:           filepath.Join(t.TempDir(), "app.db"),
		MaxConnections: 1,
		WaitTimeout:    10 * time.Second,
	})
	require.NoError(t, err)
	defer p.Close()

	h, err := p.Lease(context.Background())
	require.NoError(t, err)
	defer p.Release(h)

	c := NewChecker(p, nil, "node-a", nil)
	c.timeout = 100 * time.Millisecond

	report := c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, report.Status)
	require.Len(t, report.Components, 1)
	assert.Equal(t, "pool exhausted (busy=1, waiting=0, max=1)", report.Components[0].Message)
}

func TestDeadlineOnIdlePoolIsNotExhaustion(t *testing.T) {
	stub := &stubPool{
		err:   context.DeadlineExceeded,
		stats: pool.Stats{Available: 1, Max: 4},
	}
	report := NewChecker(stub, nil, "node-a", nil).Check(context.Background())

	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.True(t, strings.HasPrefix(report.Components[0].Message, "SELECT 1 failed"))
}

func TestRedisOnlyAffectsFullCheck(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()

	c := NewChecker(&stubPool{}, rdb, "node-a", nil)

	report := c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, report.Status)
	require.Len(t, report.Components, 2)
	assert.Equal(t, StatusHealthy, report.Components[0].Status)
	assert.Equal(t, "redis", report.Components[1].Name)
	assert.Equal(t, StatusUnhealthy, report.Components[1].Status)

	assert.Equal(t, StatusHealthy, c.Ready(context.Background()).Status)
}

func TestLive(t *testing.T) {
	c := NewChecker(&stubPool{}, nil, "node-a", nil)
	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health/live")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "alive", body["status"])
}
