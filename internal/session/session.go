// Package session tracks asynchronous script runs.
//
// A Session owns a set of script records keyed by ScriptID. Submit creates
// a pending record and starts an execution task; the task drives the
// record to a terminal state and then resolves the Completion. The terminal
// write and the completion signal happen under the record's lock, so a
// caller that waits on the Completion and then calls Get always observes
// the terminal state.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mpataki/scriptool/internal/interp"
	"github.com/mpataki/scriptool/internal/models"
)

var (
	// ErrUnknownScript is returned by Get for ids this session never issued.
	ErrUnknownScript = errors.New("unknown script id")

	// ErrSessionClosed is returned by Submit after Close.
	ErrSessionClosed = errors.New("session closed")
)

// Config carries what a session needs to run scripts.
type Config struct {
	ID          string
	Project     interp.Project
	Interpreter interp.Interpreter
	Limits      interp.Limits

	// Pool bounds concurrent executions. Nil means unbounded.
	Pool *semaphore.Weighted

	Logger *slog.Logger
}

type Session struct {
	id      string
	project interp.Project
	interp  interp.Interpreter
	limits  interp.Limits
	pool    *semaphore.Weighted
	logger  *slog.Logger

	mu     sync.RWMutex
	nextID models.ScriptID
	cells  map[models.ScriptID]*cell
	closed bool

	inflight sync.WaitGroup
}

// New creates an empty session bound to a read-only project.
func New(cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Session{
		id:      cfg.ID,
		project: cfg.Project,
		interp:  cfg.Interpreter,
		limits:  cfg.Limits,
		pool:    cfg.Pool,
		logger:  logger.With("session", cfg.ID),
		cells:   make(map[models.ScriptID]*cell),
	}
}

func (s *Session) ID() string {
	return s.id
}

// Engine returns the name of the interpreter scripts run on.
func (s *Session) Engine() string {
	return s.interp.Name()
}

// Submit records a new pending script and starts executing it. It returns
// before the script has necessarily started.
func (s *Session) Submit(script string) (models.ScriptID, *Completion, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, nil, ErrSessionClosed
	}

	s.nextID++
	id := s.nextID
	c := newCell(models.ScriptRecord{
		ID:        id,
		SessionID: s.id,
		Script:    script,
		Status:    models.ScriptStatusPending,
		CreatedAt: time.Now(),
	})
	s.cells[id] = c
	s.inflight.Add(1)
	s.mu.Unlock()

	s.logger.Debug("script submitted", "script_id", id, "bytes", len(script))

	go s.execute(c, script)

	return id, &Completion{done: c.done}, nil
}

// Get returns a snapshot of the record for id.
func (s *Session) Get(id models.ScriptID) (models.ScriptRecord, error) {
	s.mu.RLock()
	c, ok := s.cells[id]
	s.mu.RUnlock()
	if !ok {
		return models.ScriptRecord{}, fmt.Errorf("%w: %d in session %s", ErrUnknownScript, id, s.id)
	}
	return c.snapshot(), nil
}

// Records returns snapshots of every record, ordered by id.
func (s *Session) Records() []models.ScriptRecord {
	s.mu.RLock()
	cells := make([]*cell, 0, len(s.cells))
	for _, c := range s.cells {
		cells = append(cells, c)
	}
	s.mu.RUnlock()

	records := make([]models.ScriptRecord, 0, len(cells))
	for _, c := range cells {
		records = append(records, c.snapshot())
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].ID < records[j].ID
	})
	return records
}

// Close stops the session from accepting scripts and waits for in-flight
// scripts to finish or for ctx to end. Calling Close again is harmless.
func (s *Session) Close(ctx context.Context) error {
	s.markClosed()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to drain session %s: %w", s.id, ctx.Err())
	}
}

func (s *Session) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}
