package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mpataki/scriptool/internal/models"
)

// cell holds one record. Only the execution task for the record writes to
// it; readers take snapshots under the same lock.
type cell struct {
	mu   sync.Mutex
	rec  models.ScriptRecord
	done chan struct{}
}

func newCell(rec models.ScriptRecord) *cell {
	return &cell{rec: rec, done: make(chan struct{})}
}

func (c *cell) snapshot() models.ScriptRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rec
}

// start moves the record to running.
func (c *cell) start(now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.rec.Status.CanTransition(models.ScriptStatusRunning) {
		return fmt.Errorf("script %d: invalid transition %s -> %s", c.rec.ID, c.rec.Status, models.ScriptStatusRunning)
	}
	c.rec.Status = models.ScriptStatusRunning
	c.rec.StartedAt = &now
	return nil
}

// finish writes the terminal state and resolves the completion in the same
// critical section. apply fills in the outcome fields.
func (c *cell) finish(status models.ScriptStatus, now time.Time, apply func(*models.ScriptRecord)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !status.Terminal() || !c.rec.Status.CanTransition(status) {
		return fmt.Errorf("script %d: invalid transition %s -> %s", c.rec.ID, c.rec.Status, status)
	}
	apply(&c.rec)
	c.rec.Status = status
	c.rec.CompletedAt = &now
	close(c.done)
	return nil
}

// Completion resolves once its record is terminal. It carries no result;
// read the record back with Session.Get.
type Completion struct {
	done <-chan struct{}
}

// Done is closed when the record reaches a terminal state.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the record is terminal or ctx ends. A cancelled wait
// does not stop the script.
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
