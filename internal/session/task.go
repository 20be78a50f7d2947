package session

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/mpataki/scriptool/internal/interp"
	"github.com/mpataki/scriptool/internal/models"
)

// execute drives one record from pending to a terminal state. Script
// failures, including interpreter panics, are recorded on the record; the
// task itself never fails.
func (s *Session) execute(c *cell, script string) {
	defer s.inflight.Done()

	id := c.snapshot().ID
	logger := s.logger.With("script_id", id)

	if s.pool != nil {
		// Background never cancels, so Acquire only returns once a slot frees
		if err := s.pool.Acquire(context.Background(), 1); err != nil {
			s.fail(c, &interp.ExecutionError{Kind: models.ErrorKindInternal, Message: err.Error(), Err: err})
			return
		}
		defer s.pool.Release(1)
	}

	if err := c.start(time.Now()); err != nil {
		logger.Error("script state corrupted", "error", err)
		return
	}
	logger.Debug("script running", "engine", s.interp.Name())

	out, err := s.run(script)
	if err != nil {
		execErr := interp.AsExecutionError(err)
		logger.Debug("script failed", "kind", execErr.Kind, "error", execErr.Error())
		s.fail(c, execErr)
		return
	}

	if err := c.finish(models.ScriptStatusSucceeded, time.Now(), func(rec *models.ScriptRecord) {
		rec.Output = out.Text()
	}); err != nil {
		logger.Error("script state corrupted", "error", err)
		return
	}
	logger.Debug("script succeeded")
}

// run calls the interpreter, turning a panic into an internal execution error.
func (s *Session) run(script string) (out interp.Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("interpreter panicked", "panic", r, "stack", string(debug.Stack()))
			err = &interp.ExecutionError{
				Kind:    models.ErrorKindInternal,
				Message: fmt.Sprintf("interpreter panic: %v", r),
				Err:     errors.New("panic"),
			}
		}
	}()
	return s.interp.Execute(context.Background(), script, s.project, s.limits)
}

func (s *Session) fail(c *cell, execErr *interp.ExecutionError) {
	now := time.Now()
	// A pool failure can arrive before the record started
	if c.snapshot().Status == models.ScriptStatusPending {
		if err := c.start(now); err != nil {
			s.logger.Error("script state corrupted", "error", err)
			return
		}
	}
	if err := c.finish(models.ScriptStatusFailed, now, func(rec *models.ScriptRecord) {
		rec.Diagnostic = execErr.Error()
		rec.ErrorKind = execErr.Kind
		rec.Output = execErr.Stdout
	}); err != nil {
		s.logger.Error("script state corrupted", "error", err)
	}
}
