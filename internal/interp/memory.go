package interp

import (
	"context"
	"errors"
	"runtime/metrics"
	"sync"
	"time"

	"github.com/mpataki/scriptool/internal/models"
)

// ErrMemoryLimit is the cancellation cause for a script that outgrew
// Limits.MaxMemoryBytes.
var ErrMemoryLimit = errors.New("memory limit exceeded")

const (
	heapObjectsMetric  = "/memory/classes/heap/objects:bytes"
	memoryPollInterval = 5 * time.Millisecond
)

func heapBytes() uint64 {
	sample := []metrics.Sample{{Name: heapObjectsMetric}}
	metrics.Read(sample)
	if sample[0].Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return sample[0].Value.Uint64()
}

// WatchMemory cancels ctx with ErrMemoryLimit once live heap grows by more
// than limit bytes over its size at the call. The heap is shared by every
// script in the process, so concurrent scripts count against each other.
// The returned stop func ends the watch and must be called.
func WatchMemory(ctx context.Context, limit int64, cancel context.CancelCauseFunc) (stop func()) {
	if limit <= 0 {
		return func() {}
	}

	baseline := heapBytes()
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(memoryPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if heap := heapBytes(); heap > baseline && heap-baseline > uint64(limit) {
					cancel(ErrMemoryLimit)
					return
				}
			}
		}
	}()

	return func() {
		close(done)
		wg.Wait()
	}
}

// MemoryError is the failure recorded for a script stopped by its memory
// limit.
func MemoryError(stdout string) *ExecutionError {
	return &ExecutionError{
		Kind:    models.ErrorKindResource,
		Message: "script exceeded its memory limit",
		Stdout:  stdout,
		Err:     ErrMemoryLimit,
	}
}
