package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cloudflair/warden/internal/storage"
)

// staleGrace is the extra allowance beyond the handler timeout before a
// running task is considered abandoned by a dead worker. A live attempt is
// cancelled at the handler timeout, so anything older than timeout plus
// grace has no worker behind it.
const staleGrace = 30 * time.Second

// RunWorkers runs n concurrent dispatch workers until the context is
// cancelled. Each worker blocks on the delivery channel and runs one task
// attempt at a time; a single task's attempts are therefore sequential, but
// ordering across distinct tasks is not guaranteed.
func (q *Queue) RunWorkers(ctx context.Context, n int) {
	if n <= 0 {
		n = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			for {
				d, ok := q.dq.Pop(ctx)
				if !ok {
					return nil
				}
				q.dispatch(ctx, d)
			}
		})
	}
	if err := g.Wait(); err != nil {
		log.Printf("[queue] worker pool stopped: %v", err)
	}
}

// Sweep scans a bounded batch of pending tasks that are due and re-submits
// them to the delivery channel, earliest scheduled first. It exists because
// scheduling and delivery are decoupled: scheduled_for controls eligibility,
// the channel controls at-least-once delivery. It is also the crash-recovery
// path: rows persisted but never delivered come back as due pending tasks,
// and running rows abandoned by a dead worker are returned to pending or
// dead-ended once their attempt is clearly lost.
func (q *Queue) Sweep(batch int) (int, error) {
	if batch <= 0 {
		batch = 100
	}
	due, err := q.db.ListDueTasks(q.now().Unix(), batch)
	if err != nil {
		return 0, err
	}
	for _, t := range due {
		q.dq.Push(t.ID, t.Priority)
	}
	return len(due) + q.recoverAbandoned(batch), nil
}

// recoverAbandoned finds running tasks whose worker died mid-attempt and
// moves them on. The lost run spends an attempt like any other failure:
// within budget the task returns to pending for redelivery, out of budget it
// dead-ends.
func (q *Queue) recoverAbandoned(batch int) int {
	cutoff := q.now().Add(-(q.opts.HandlerTimeout + staleGrace)).Unix()
	stale, err := q.db.ListStaleRunningTasks(cutoff, batch)
	if err != nil {
		log.Printf("[queue] list abandoned tasks: %v", err)
		return 0
	}

	n := 0
	for _, t := range stale {
		attempts := t.Attempts + 1
		now := q.now().Unix()
		const detail = "attempt abandoned by lost worker"

		if attempts >= t.MaxAttempts {
			if err := q.db.FailTask(t.ID, detail, attempts, now); err != nil {
				if !errors.Is(err, storage.ErrConflict) {
					log.Printf("[queue] fail abandoned task %s: %v", t.ID, err)
				}
				continue
			}
			log.Printf("[queue] task %s (%s) dead after %d attempts: abandoned", t.ID, t.Type, attempts)
			q.audit(&t, storage.TaskRunning, storage.TaskFailed, detail, false)
			n++
			continue
		}

		if err := q.db.RetryTask(t.ID, detail, attempts, now, now); err != nil {
			if !errors.Is(err, storage.ErrConflict) {
				log.Printf("[queue] requeue abandoned task %s: %v", t.ID, err)
			}
			continue
		}
		q.audit(&t, storage.TaskRunning, storage.TaskPending,
			fmt.Sprintf("attempt %d/%d %s", attempts, t.MaxAttempts, detail), false)
		q.dq.Push(t.ID, t.Priority)
		n++
	}
	return n
}

// RunSweep sweeps periodically until the context is cancelled.
func (q *Queue) RunSweep(ctx context.Context, interval time.Duration, batch int) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
			n, err := q.Sweep(batch)
			if err != nil {
				log.Printf("[queue] sweep: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("[queue] sweep moved %d tasks", n)
			}
		}
	}
}
