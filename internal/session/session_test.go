package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"

	"github.com/mpataki/scriptool/internal/interp"
	"github.com/mpataki/scriptool/internal/models"
)

func newTestSession(fi *fakeInterpreter) *Session {
	return New(Config{ID: "test", Interpreter: fi, Limits: interp.DefaultLimits()})
}

func submitAndWait(t *testing.T, s *Session, script string) models.ScriptRecord {
	t.Helper()
	id, done, err := s.Submit(script)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, done.Wait(ctx))

	rec, err := s.Get(id)
	require.NoError(t, err)
	return rec
}

func TestSubmitIssuesDistinctIDs(t *testing.T) {
	s := newTestSession(newFakeInterpreter())

	seen := map[models.ScriptID]bool{}
	for i := 0; i < 50; i++ {
		id, _, err := s.Submit("echo x")
		require.NoError(t, err)
		assert.False(t, seen[id], "id %d reused", id)
		seen[id] = true
	}
}

func TestRecordNotTerminalRightAfterSubmit(t *testing.T) {
	fi := newFakeInterpreter()
	s := newTestSession(fi)

	id, done, err := s.Submit("block")
	require.NoError(t, err)

	rec, err := s.Get(id)
	require.NoError(t, err)
	assert.Contains(t, []models.ScriptStatus{models.ScriptStatusPending, models.ScriptStatusRunning}, rec.Status)
	assert.Equal(t, "block", rec.Script)
	assert.Equal(t, "test", rec.SessionID)

	select {
	case <-done.Done():
		t.Fatal("completion resolved before the script finished")
	default:
	}

	close(fi.release)
	require.NoError(t, done.Wait(context.Background()))

	rec, err = s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, models.ScriptStatusSucceeded, rec.Status)
	assert.Equal(t, "released", rec.Output)
	require.NotNil(t, rec.StartedAt)
	require.NotNil(t, rec.CompletedAt)
	assert.False(t, rec.CompletedAt.Before(*rec.StartedAt))
}

func TestSuccessAndFailureRecorded(t *testing.T) {
	s := newTestSession(newFakeInterpreter())

	rec := submitAndWait(t, s, "echo 2")
	assert.Equal(t, models.ScriptStatusSucceeded, rec.Status)
	assert.Equal(t, "2", rec.Output)
	assert.Empty(t, rec.Diagnostic)
	assert.Empty(t, rec.ErrorKind)

	rec = submitAndWait(t, s, "fail boom")
	assert.Equal(t, models.ScriptStatusFailed, rec.Status)
	assert.Equal(t, "boom", rec.Diagnostic)
	assert.Equal(t, models.ErrorKindRuntime, rec.ErrorKind)
	assert.Equal(t, "partial", rec.Output)

	rec = submitAndWait(t, s, "plain oops")
	assert.Equal(t, models.ScriptStatusFailed, rec.Status)
	assert.Equal(t, "oops", rec.Diagnostic)
}

func TestInterpreterPanicBecomesFailure(t *testing.T) {
	s := newTestSession(newFakeInterpreter())

	rec := submitAndWait(t, s, "panic kaboom")
	assert.Equal(t, models.ScriptStatusFailed, rec.Status)
	assert.Equal(t, models.ErrorKindInternal, rec.ErrorKind)
	assert.Contains(t, rec.Diagnostic, "kaboom")
}

func TestGetUnknownID(t *testing.T) {
	s := newTestSession(newFakeInterpreter())

	_, err := s.Get(42)
	assert.ErrorIs(t, err, ErrUnknownScript)
}

// Readers racing the completion must never see a non-terminal record once
// the completion has resolved.
func TestTerminalVisibleAfterCompletion(t *testing.T) {
	s := newTestSession(newFakeInterpreter())

	for i := 0; i < 200; i++ {
		id, done, err := s.Submit(fmt.Sprintf("echo %d", i))
		require.NoError(t, err)

		var wg sync.WaitGroup
		for r := 0; r < 4; r++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					rec, err := s.Get(id)
					if !assert.NoError(t, err) {
						return
					}
					select {
					case <-done.Done():
						rec, err = s.Get(id)
						assert.NoError(t, err)
						assert.True(t, rec.Status.Terminal(), "status %s after completion", rec.Status)
						return
					default:
						assert.Contains(t, []models.ScriptStatus{models.ScriptStatusPending, models.ScriptStatusRunning, models.ScriptStatusSucceeded}, rec.Status)
					}
				}
			}()
		}

		<-done.Done()
		rec, err := s.Get(id)
		require.NoError(t, err)
		require.Equal(t, models.ScriptStatusSucceeded, rec.Status)
		wg.Wait()
	}
}

func TestConcurrentSubmitsStayIsolated(t *testing.T) {
	s := newTestSession(newFakeInterpreter())

	const n = 64
	type result struct {
		id   models.ScriptID
		done *Completion
		want string
	}
	results := make(chan result, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			want := fmt.Sprintf("value-%d", i)
			id, done, err := s.Submit("echo " + want)
			if assert.NoError(t, err) {
				results <- result{id: id, done: done, want: want}
			}
		}(i)
	}
	wg.Wait()
	close(results)

	ids := map[models.ScriptID]bool{}
	for r := range results {
		require.NoError(t, r.done.Wait(context.Background()))
		rec, err := s.Get(r.id)
		require.NoError(t, err)
		assert.Equal(t, "echo "+r.want, rec.Script)
		assert.Equal(t, r.want, rec.Output)
		ids[r.id] = true
	}
	assert.Len(t, ids, n)
	assert.Len(t, s.Records(), n)
}

func TestRecordsOrderedByID(t *testing.T) {
	s := newTestSession(newFakeInterpreter())
	for i := 0; i < 5; i++ {
		submitAndWait(t, s, "echo x")
	}

	records := s.Records()
	require.Len(t, records, 5)
	for i, rec := range records {
		assert.Equal(t, models.ScriptID(i+1), rec.ID)
	}
}

func TestWaitHonorsContext(t *testing.T) {
	fi := newFakeInterpreter()
	s := newTestSession(fi)

	id, done, err := s.Submit("block")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, done.Wait(ctx), context.DeadlineExceeded)

	// The script keeps running after the waiter gave up
	close(fi.release)
	require.NoError(t, done.Wait(context.Background()))
	rec, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, models.ScriptStatusSucceeded, rec.Status)
}

func TestCloseRejectsSubmitAndDrains(t *testing.T) {
	fi := newFakeInterpreter()
	s := newTestSession(fi)

	id, _, err := s.Submit("block")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, s.Close(ctx), "close should time out while a script is blocked")

	_, _, err = s.Submit("echo late")
	assert.ErrorIs(t, err, ErrSessionClosed)

	close(fi.release)
	require.NoError(t, s.Close(context.Background()))

	rec, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, models.ScriptStatusSucceeded, rec.Status)
}

func TestPoolBoundsConcurrency(t *testing.T) {
	fi := newFakeInterpreter()
	s := New(Config{ID: "pool", Interpreter: fi, Pool: semaphore.NewWeighted(2)})

	var dones []*Completion
	var ids []models.ScriptID
	for i := 0; i < 6; i++ {
		id, done, err := s.Submit("block")
		require.NoError(t, err)
		ids = append(ids, id)
		dones = append(dones, done)
	}

	// Give the tasks a chance to start
	require.Eventually(t, func() bool {
		running := 0
		for _, rec := range s.Records() {
			if rec.Status == models.ScriptStatusRunning {
				running++
			}
		}
		return running == 2
	}, time.Second, 5*time.Millisecond)

	pending := 0
	for _, id := range ids {
		rec, err := s.Get(id)
		require.NoError(t, err)
		if rec.Status == models.ScriptStatusPending {
			pending++
		}
	}
	assert.Equal(t, 4, pending)

	close(fi.release)
	for _, done := range dones {
		require.NoError(t, done.Wait(context.Background()))
	}
	assert.LessOrEqual(t, fi.peakRunning(), 2)
}

func TestCellRejectsBackwardTransitions(t *testing.T) {
	c := newCell(models.ScriptRecord{ID: 1, Status: models.ScriptStatusPending})

	err := c.finish(models.ScriptStatusSucceeded, time.Now(), func(*models.ScriptRecord) {})
	assert.Error(t, err, "pending cannot jump to succeeded")

	require.NoError(t, c.start(time.Now()))
	assert.Error(t, c.start(time.Now()), "running cannot restart")

	require.NoError(t, c.finish(models.ScriptStatusFailed, time.Now(), func(rec *models.ScriptRecord) {
		rec.Diagnostic = "x"
	}))
	assert.Error(t, c.finish(models.ScriptStatusSucceeded, time.Now(), func(*models.ScriptRecord) {}))
	assert.Equal(t, models.ScriptStatusFailed, c.snapshot().Status)
}
