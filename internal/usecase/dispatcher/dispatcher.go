// Package dispatcher is the dispatch substrate: it schedules run execution
// on a worker pool, retries failed runs with exponential backoff, and prunes
// aged-out runs from the journal on a cron schedule.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/robfig/cron/v3"

	"meadow-notify/internal/domain"
	"meadow-notify/internal/infra/config"
)

// Executor runs a journaled workflow run. Implemented by the workflow engine.
type Executor interface {
	Execute(ctx context.Context, runID string) error
	MarkFailed(ctx context.Context, runID string, cause error) error
}

// Journal exposes the run-store operations the dispatcher needs: finding
// runs a previous process left in flight, and pruning terminal ones.
// Implemented by the run store.
type Journal interface {
	PendingRunIDs(ctx context.Context) ([]string, error)
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Dispatcher owns the worker pool. One run is executed by at most one worker
// at a time; retries happen inside the worker that picked the run up.
type Dispatcher struct {
	executor Executor
	journal  Journal
	cfg      config.DispatcherConfig
	bus      domain.EventBus
	logger   *slog.Logger

	queue chan string
	cron  *cron.Cron
	wg    sync.WaitGroup

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
}

// New creates a dispatcher. Call Start before Submit.
func New(executor Executor, journal Journal, cfg config.DispatcherConfig, bus domain.EventBus, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		executor: executor,
		journal:  journal,
		cfg:      cfg,
		bus:      bus,
		logger:   logger,
		queue:    make(chan string, cfg.QueueSize),
	}
}

// Start launches the worker pool and the retention sweep schedule, after
// re-enqueueing runs a previous process left in flight.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return nil
	}

	ctx, d.cancel = context.WithCancel(ctx)

	if d.journal != nil && d.cfg.PruneSchedule != "" {
		d.cron = cron.New()
		if _, err := d.cron.AddFunc(d.cfg.PruneSchedule, func() {
			d.prune(ctx)
		}); err != nil {
			d.cancel()
			return fmt.Errorf("dispatcher: schedule prune: %w", err)
		}
		d.cron.Start()
	}

	if d.journal != nil {
		if err := d.recoverPending(ctx); err != nil {
			if d.cron != nil {
				<-d.cron.Stop().Done()
			}
			d.cancel()
			return fmt.Errorf("dispatcher: recover pending runs: %w", err)
		}
	}

	workers := d.cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}

	d.started = true
	d.logger.Info("dispatcher started", "workers", workers, "queue_size", cap(d.queue))
	return nil
}

// Submit hands a run off to the worker pool without blocking. A full queue is
// a hand-off-time fault, reported to the caller rather than absorbed.
func (d *Dispatcher) Submit(runID string) error {
	select {
	case d.queue <- runID:
		return nil
	default:
		return domain.NewDomainError("dispatcher.Submit", domain.ErrQueueFull,
			fmt.Sprintf("queue at capacity (%d)", cap(d.queue)))
	}
}

// Stop drains the queue, stops the retention schedule, and waits for
// in-flight runs to finish.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	d.started = false
	d.mu.Unlock()

	if d.cron != nil {
		<-d.cron.Stop().Done()
	}
	close(d.queue)
	d.wg.Wait()
	d.cancel()
}

// recoverPending re-enqueues runs journaled as running by a previous process.
// Completed steps replay from the journal, so re-execution is safe.
func (d *Dispatcher) recoverPending(ctx context.Context) error {
	ids, err := d.journal.PendingRunIDs(ctx)
	if err != nil {
		return err
	}
	requeued := 0
	for _, id := range ids {
		select {
		case d.queue <- id:
			requeued++
		default:
			d.logger.Warn("queue full, run stays journaled until next start", "run_id", id)
		}
	}
	if requeued > 0 {
		d.logger.Info("recovered in-flight runs", "count", requeued)
	}
	return nil
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for runID := range d.queue {
		d.executeWithRetry(ctx, runID)
	}
}

// executeWithRetry drives one run to a terminal outcome: completion, a
// permanent failure, or retry exhaustion.
func (d *Dispatcher) executeWithRetry(ctx context.Context, runID string) {
	maxAttempts := d.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	bo := backoff.NewExponentialBackOff()
	if d.cfg.InitialInterval > 0 {
		bo.InitialInterval = d.cfg.InitialInterval
	}
	if d.cfg.MaxInterval > 0 {
		bo.MaxInterval = d.cfg.MaxInterval
	}
	bo.MaxElapsedTime = 0 // attempts, not wall clock, bound the retries

	operation := func() error {
		err := d.executor.Execute(ctx, runID)
		if err != nil && !domain.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		d.logger.Warn("run attempt failed, retrying",
			"run_id", runID, "error", err, "next_in", next)
		d.emitEvent(ctx, domain.EventRunRetried, runID, map[string]string{
			"error": err.Error(),
		})
	}

	err := backoff.RetryNotify(operation,
		backoff.WithContext(backoff.WithMaxRetries(bo, uint64(maxAttempts-1)), ctx),
		notify,
	)
	if err == nil {
		return
	}

	d.logger.Error("run failed", "run_id", runID, "error", err)
	// Finalization must still write when the worker context was canceled by
	// shutdown, or the run stays journaled as running.
	if markErr := d.executor.MarkFailed(context.WithoutCancel(ctx), runID, err); markErr != nil {
		d.logger.Error("failed to finalize run", "run_id", runID, "error", markErr)
	}
}

// prune removes terminal runs older than the retention window.
func (d *Dispatcher) prune(ctx context.Context) {
	retention := d.cfg.Retention
	if retention <= 0 {
		return
	}
	cutoff := time.Now().Add(-retention)
	n, err := d.journal.PruneBefore(ctx, cutoff)
	if err != nil {
		d.logger.Error("retention sweep failed", "error", err)
		return
	}
	if n > 0 {
		d.logger.Info("retention sweep removed runs", "count", n)
		d.emitEvent(ctx, domain.EventRunsPruned, "", map[string]int64{"count": n})
	}
}

func (d *Dispatcher) emitEvent(ctx context.Context, eventType domain.EventType, runID string, payload any) {
	if d.bus == nil {
		return
	}
	data, _ := json.Marshal(payload)
	d.bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		RunID:     runID,
		Payload:   data,
	})
}
