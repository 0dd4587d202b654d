// Package task runs supervised fire-and-forget background work.
// Tasks are detached from the spawning call path: their errors and panics
// are logged, never propagated, and they are joined only at shutdown.
package task

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Spawner supervises detached background tasks.
type Spawner struct {
	logger *zap.Logger
	group  *errgroup.Group
}

// NewSpawner creates a spawner. limit bounds concurrently running tasks;
// zero or negative means unlimited.
func NewSpawner(logger *zap.Logger, limit int) *Spawner {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &errgroup.Group{}
	if limit > 0 {
		g.SetLimit(limit)
	}
	return &Spawner{
		logger: logger.With(zap.String("component", "task")),
		group:  g,
	}
}

// Go runs fn detached. The spawning caller returns immediately; fn's error
// is observed only by the log.
func (s *Spawner) Go(name string, fn func(ctx context.Context) error) {
	s.group.Go(func() error {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("background task panicked",
					zap.String("task", name),
					zap.Any("panic", r),
					zap.String("stack", string(debug.Stack())))
			}
		}()

		start := time.Now()
		if err := fn(context.Background()); err != nil {
			s.logger.Warn("background task failed",
				zap.String("task", name),
				zap.Duration("elapsed", time.Since(start)),
				zap.Error(err))
			return nil // 失败只记日志，不向上传播
		}
		s.logger.Debug("background task done",
			zap.String("task", name),
			zap.Duration("elapsed", time.Since(start)))
		return nil
	})
}

// Wait blocks until all spawned tasks finish or the context expires.
// Intended for shutdown paths and tests.
func (s *Spawner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.group.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("tasks still running: %w", ctx.Err())
	}
}
