package runtime

import (
	"context"
	"log/slog"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// SignalContext is canceled on SIGINT or SIGTERM.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// Workers tracks background loops (sweepers, relays, consumers) so shutdown can wait for them
// before closing the stores they use.
type Workers struct {
	wg     sync.WaitGroup
	logger *slog.Logger
}

func NewWorkers(logger *slog.Logger) *Workers {
	return &Workers{logger: logger}
}

// Go runs fn in its own goroutine until fn returns. fn is expected to return once ctx is done.
// A panic is logged and stops only that worker.
func (w *Workers) Go(ctx context.Context, name string, fn func(context.Context)) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				w.logger.Error("worker panicked", "worker", name, "panic", r)
			}
		}()
		w.logger.Info("worker started", "worker", name)
		fn(ctx)
		w.logger.Info("worker stopped", "worker", name)
	}()
}

// Wait blocks until every worker returned or timeout elapsed, and reports whether all returned.
func (w *Workers) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		w.logger.Warn("workers still running after shutdown timeout", "timeout", timeout)
		return false
	}
}
