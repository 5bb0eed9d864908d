package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"meadow-notify/internal/domain"
	"meadow-notify/internal/infra/config"
)

type fakeExecutor struct {
	mu       sync.Mutex
	attempts map[string]int
	failures map[string][]error // errors returned per attempt, then success
	failed   map[string]error   // runID -> final cause from MarkFailed

	done chan string // receives runID when a run reaches a terminal outcome
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		attempts: make(map[string]int),
		failures: make(map[string][]error),
		failed:   make(map[string]error),
		done:     make(chan string, 16),
	}
}

func (f *fakeExecutor) Execute(ctx context.Context, runID string) error {
	f.mu.Lock()
	n := f.attempts[runID]
	f.attempts[runID] = n + 1
	queued := f.failures[runID]
	f.mu.Unlock()

	if n < len(queued) {
		return queued[n]
	}
	f.done <- runID
	return nil
}

func (f *fakeExecutor) MarkFailed(ctx context.Context, runID string, cause error) error {
	f.mu.Lock()
	f.failed[runID] = cause
	f.mu.Unlock()
	f.done <- runID
	return nil
}

func (f *fakeExecutor) attemptCount(runID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[runID]
}

type fakeJournal struct {
	pending []string
	pruned  atomic.Int64
}

func (f *fakeJournal) PendingRunIDs(ctx context.Context) ([]string, error) {
	return f.pending, nil
}

func (f *fakeJournal) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	f.pruned.Add(1)
	return 3, nil
}

func testConfig() config.DispatcherConfig {
	return config.DispatcherConfig{
		Workers:         2,
		QueueSize:       8,
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Retention:       time.Hour,
	}
}

func startDispatcher(t *testing.T, exec Executor, journal Journal, cfg config.DispatcherConfig) *Dispatcher {
	t.Helper()
	d := New(exec, journal, cfg, nil, slog.Default())
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(d.Stop)
	return d
}

func waitDone(t *testing.T, exec *fakeExecutor, runID string) {
	t.Helper()
	select {
	case got := <-exec.done:
		if got != runID {
			t.Fatalf("terminal run = %q, want %q", got, runID)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run %q did not finish", runID)
	}
}

func TestSubmitExecutesRun(t *testing.T) {
	exec := newFakeExecutor()
	d := startDispatcher(t, exec, nil, testConfig())

	if err := d.Submit("run-1"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitDone(t, exec, "run-1")

	if got := exec.attemptCount("run-1"); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
	if _, ok := exec.failed["run-1"]; ok {
		t.Error("run marked failed")
	}
}

func TestTransientFailureIsRetried(t *testing.T) {
	exec := newFakeExecutor()
	transient := domain.NewDomainError("fetch", domain.ErrProviderUnavailable, "502")
	exec.failures["run-1"] = []error{transient, transient}
	d := startDispatcher(t, exec, nil, testConfig())

	if err := d.Submit("run-1"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitDone(t, exec, "run-1")

	if got := exec.attemptCount("run-1"); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	if _, ok := exec.failed["run-1"]; ok {
		t.Error("run marked failed despite eventual success")
	}
}

func TestRetriesExhaustedFinalizesRun(t *testing.T) {
	exec := newFakeExecutor()
	transient := domain.NewDomainError("fetch", domain.ErrLookupTimeout, "10s elapsed")
	exec.failures["run-1"] = []error{transient, transient, transient, transient}
	d := startDispatcher(t, exec, nil, testConfig())

	if err := d.Submit("run-1"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitDone(t, exec, "run-1")

	if got := exec.attemptCount("run-1"); got != 3 {
		t.Errorf("attempts = %d, want 3 (max)", got)
	}
	if cause, ok := exec.failed["run-1"]; !ok {
		t.Error("run not finalized")
	} else if !errors.Is(cause, domain.ErrLookupTimeout) {
		t.Errorf("final cause = %v", cause)
	}
}

func TestPermanentFailureIsNotRetried(t *testing.T) {
	exec := newFakeExecutor()
	permanent := domain.NewDomainError("fetch", domain.ErrMovieNotFound, "Movie not found!")
	exec.failures["run-1"] = []error{permanent}
	d := startDispatcher(t, exec, nil, testConfig())

	if err := d.Submit("run-1"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitDone(t, exec, "run-1")

	if got := exec.attemptCount("run-1"); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
	if cause, ok := exec.failed["run-1"]; !ok {
		t.Error("run not finalized")
	} else if !errors.Is(cause, domain.ErrMovieNotFound) {
		t.Errorf("final cause = %v", cause)
	}
}

func TestSubmitFullQueue(t *testing.T) {
	exec := newFakeExecutor()
	cfg := testConfig()
	cfg.QueueSize = 1
	// Never started: nothing drains the queue.
	d := New(exec, nil, cfg, nil, slog.Default())

	if err := d.Submit("run-1"); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	if err := d.Submit("run-2"); !errors.Is(err, domain.ErrQueueFull) {
		t.Fatalf("error = %v, want ErrQueueFull", err)
	}
}

func TestStartRecoversJournaledRuns(t *testing.T) {
	exec := newFakeExecutor()
	journal := &fakeJournal{pending: []string{"run-a", "run-b"}}
	startDispatcher(t, exec, journal, testConfig())

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case id := <-exec.done:
			got[id] = true
		case <-time.After(5 * time.Second):
			t.Fatal("recovered runs did not finish")
		}
	}
	if !got["run-a"] || !got["run-b"] {
		t.Errorf("recovered runs = %v, want run-a and run-b", got)
	}
}

// haltingExecutor blocks in Execute until the worker context is canceled,
// standing in for a run caught mid-flight by shutdown.
type haltingExecutor struct {
	markCtxErr chan error
}

func (e *haltingExecutor) Execute(ctx context.Context, runID string) error {
	<-ctx.Done()
	return domain.NewDomainError("fetch", domain.ErrProviderUnavailable, "interrupted")
}

func (e *haltingExecutor) MarkFailed(ctx context.Context, runID string, cause error) error {
	e.markCtxErr <- ctx.Err()
	return nil
}

func TestFinalizeSurvivesShutdownCancel(t *testing.T) {
	exec := &haltingExecutor{markCtxErr: make(chan error, 1)}
	d := New(exec, nil, testConfig(), nil, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := d.Submit("run-1"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	cancel()

	select {
	case ctxErr := <-exec.markCtxErr:
		if ctxErr != nil {
			t.Errorf("MarkFailed context error = %v, want nil", ctxErr)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run was not finalized")
	}
	d.Stop()
}

func TestRetentionSweep(t *testing.T) {
	journal := &fakeJournal{}
	d := New(newFakeExecutor(), journal, testConfig(), nil, slog.Default())

	d.prune(context.Background())
	if journal.pruned.Load() != 1 {
		t.Errorf("prune calls = %d, want 1", journal.pruned.Load())
	}
}

func TestPruneScheduleValidatedAtStart(t *testing.T) {
	cfg := testConfig()
	cfg.PruneSchedule = "not a cron expr"
	d := New(newFakeExecutor(), &fakeJournal{}, cfg, nil, slog.Default())

	if err := d.Start(context.Background()); err == nil {
		d.Stop()
		t.Fatal("expected Start to reject invalid schedule")
	}
}
