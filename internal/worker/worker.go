// Package worker contains the engine's background workers. Each worker is
// a struct with a RunOnce batch method — invoked directly by the HTTP
// endpoints — and a ticker loop supervising RunOnce for long-running
// deployments. Serialization between overlapping invocations comes from the
// store (claim transitions and upsert indexes), not from process state.
package worker

import (
	"context"
	"log"
	"sync"
	"time"
)

// Batch and limit caps from the worker contracts. The HTTP layer clamps
// request values to these; the loops use them as their defaults.
const (
	MaxDeliveryBatch   = 25
	MaxAutomationBatch = 25
	MaxEventLimit      = 500
	MaxScanLimit       = 200
	MaxSchedules       = 10
	MaxRecipients      = 1000
)

// DefaultWorkspace is the single-tenant fallback; callers that care about
// tenancy always pass an explicit workspace id.
const DefaultWorkspace = "default"

func clampBatch(n, max int) int {
	if n <= 0 || n > max {
		return max
	}
	return n
}

// loop is the shared Start/Stop machinery: a ticker goroutine guarded by a
// running flag, stoppable with a bounded wait.
type loop struct {
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.RWMutex
}

// start launches fn on the given interval until stop is called. Returns
// false if the loop is already running.
func (l *loop) start(name string, interval time.Duration, fn func(ctx context.Context)) bool {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return false
	}
	l.running = true
	l.ctx, l.cancel = context.WithCancel(context.Background())
	l.mu.Unlock()

	log.Printf("[%s] starting (interval %v)", name, interval)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-l.ctx.Done():
				return
			case <-ticker.C:
				fn(l.ctx)
			}
		}
	}()
	return true
}

// stop cancels the loop and waits up to 30s for it to drain.
func (l *loop) stop(name string) {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	l.cancel()
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Printf("[%s] stopped", name)
	case <-time.After(30 * time.Second):
		log.Printf("[%s] shutdown timeout, abandoning in-flight batch", name)
	}
}
