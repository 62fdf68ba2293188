package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/joao-brasil/enginepool/internal/engine"
	"github.com/joao-brasil/enginepool/pkg/stmt"
)

var errBoom = errors.New("boom")

// fakeSession is an in-memory engine.Session for failure injection.
type fakeSession struct {
	mu sync.Mutex

	// fail decides the outcome of each statement; nil means success.
	fail func(query string) error
	// breakOnError makes a failed statement leave the session unusable.
	breakOnError bool
	delay        time.Duration

	broken  bool
	closed  bool
	queries []string
}

func (f *fakeSession) Exec(ctx context.Context, query string, kind stmt.Kind, args []any) (*engine.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, engine.ErrClosed
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.queries = append(f.queries, query)
	if f.fail != nil {
		if err := f.fail(query); err != nil {
			if f.breakOnError {
				f.broken = true
			}
			return nil, err
		}
	}
	return &engine.Result{Kind: kind}, nil
}

func (f *fakeSession) Usable() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed && !f.broken
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSession) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeSession) executed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.queries...)
}

// fakeEngine opens fakeSessions and can be told to refuse.
type fakeEngine struct {
	mu sync.Mutex

	openErr  error
	template fakeSession
	sessions []*fakeSession
}

func (e *fakeEngine) open(ctx context.Context) (engine.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.openErr != nil {
		return nil, e.openErr
	}
	s := &fakeSession{
		fail:         e.template.fail,
		breakOnError: e.template.breakOnError,
		delay:        e.template.delay,
	}
	e.sessions = append(e.sessions, s)
	return s, nil
}

func (e *fakeEngine) setOpenErr(err error) {
	e.mu.Lock()
	e.openErr = err
	e.mu.Unlock()
}

func (e *fakeEngine) opened() []*fakeSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*fakeSession(nil), e.sessions...)
}

func (f *fakeSession) setFail(fail func(query string) error) {
	f.mu.Lock()
	f.fail = fail
	f.mu.Unlock()
}
