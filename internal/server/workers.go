package server

import (
	"context"
	"time"
)

// StartWorkers launches all background goroutines: the task queue worker
// pool, the scheduled-task sweep, the per-agent rate-limit cleanup, and the
// replay-cache pruner. Call with a cancellable context for graceful
// shutdown.
func (s *Server) StartWorkers(ctx context.Context) {
	go s.queue.RunWorkers(ctx, s.cfg.Workers)
	go s.queue.RunSweep(ctx, s.cfg.SweepInterval(), s.cfg.SweepBatchSize)
	go s.runLimiterCleanup(ctx)
	if s.verifier.Replays != nil {
		go s.verifier.Replays.Run(ctx, time.Minute)
	}
}

// runLimiterCleanup drops idle per-agent rate-limit windows every 5 minutes.
func (s *Server) runLimiterCleanup(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Minute):
			s.limiter.Cleanup()
		}
	}
}
