// Package schedule runs periodic tasks: once immediately, then on every tick.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// Task is one unit of periodic work.
type Task func(ctx context.Context) error

// Run invokes task now and then once per period until ctx is done. Runs never
// overlap; a run that outlasts the period delays the next one instead of
// queueing extra runs. Errors and panics are logged and do not stop the
// schedule.
func Run(ctx context.Context, name string, period time.Duration, task Task) {
	logger := slog.With("schedule", name)
	logger.Info("schedule started", "period", period)
	defer logger.Info("schedule stopped")

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		runOnce(ctx, logger, task)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func runOnce(ctx context.Context, logger *slog.Logger, task Task) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	err := safeCall(ctx, task)
	if err != nil {
		logger.Error("scheduled run failed", "error", err, "duration", time.Since(start))
		return
	}
	logger.Debug("scheduled run finished", "duration", time.Since(start))
}

func safeCall(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return task(ctx)
}

// Group runs several schedules and waits for them to stop.
type Group struct {
	wg sync.WaitGroup
}

// Start launches a schedule in its own goroutine.
func (g *Group) Start(ctx context.Context, name string, period time.Duration, task Task) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		Run(ctx, name, period, task)
	}()
}

// Wait blocks until every started schedule has returned. Schedules return
// once their context is done and any in-flight run has finished.
func (g *Group) Wait() {
	g.wg.Wait()
}
