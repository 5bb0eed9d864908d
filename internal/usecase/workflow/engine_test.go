package workflow

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"meadow-notify/internal/domain"
)

type fakeCatalog struct {
	calls atomic.Int32
	movie domain.MovieRecord
	err   error

	sawDeadline atomic.Bool
}

func (f *fakeCatalog) FetchMovie(ctx context.Context, title string) (*domain.MovieRecord, error) {
	f.calls.Add(1)
	if _, ok := ctx.Deadline(); ok {
		f.sawDeadline.Store(true)
	}
	if f.err != nil {
		return nil, f.err
	}
	movie := f.movie
	return &movie, nil
}

type fakeDelivery struct {
	calls   atomic.Int32
	receipt domain.DeliveryReceipt
	err     error
}

func (f *fakeDelivery) SendSummary(ctx context.Context, movie domain.MovieRecord, email string) (*domain.DeliveryReceipt, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	receipt := f.receipt
	return &receipt, nil
}

func newTestEngine(t *testing.T, catalog domain.CatalogProvider, delivery domain.DeliveryProvider) (*Engine, *SQLiteRunStore) {
	t.Helper()
	store, err := NewSQLiteRunStore(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := EngineConfig{LookupTimeout: 10 * time.Second, DispatchTimeout: 30 * time.Second}
	return NewEngine(store, catalog, delivery, cfg, nil, slog.Default()), store
}

func TestRunCompletes(t *testing.T) {
	catalog := &fakeCatalog{movie: domain.MovieRecord{Title: "Heat", Year: "1995", Plot: "A heist."}}
	delivery := &fakeDelivery{receipt: domain.DeliveryReceipt{Accepted: true, ProviderMessageID: "msg-1"}}
	engine, _ := newTestEngine(t, catalog, delivery)

	ctx := context.Background()
	run, err := engine.Start(ctx, domain.NormalizedRequest{Title: "Heat", Email: "a@b.com"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := engine.Execute(ctx, run.ID); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	got, err := engine.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != domain.RunStatusCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}
	if got.Result == nil || !got.Result.Success {
		t.Fatalf("result = %+v, want success", got.Result)
	}
	if got.Result.Movie != "Heat" {
		t.Errorf("result.Movie = %q, want Heat", got.Result.Movie)
	}
	if got.Result.EmailSentTo != "a@b.com" {
		t.Errorf("result.EmailSentTo = %q, want a@b.com", got.Result.EmailSentTo)
	}
	if got.Result.EmailID != "msg-1" {
		t.Errorf("result.EmailID = %q, want msg-1", got.Result.EmailID)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
}

func TestCompletedLookupNotReExecuted(t *testing.T) {
	catalog := &fakeCatalog{movie: domain.MovieRecord{Title: "Heat", Plot: "A heist."}}
	delivery := &fakeDelivery{err: domain.NewDomainError("send", domain.ErrDispatchFailed, "connection reset")}
	engine, _ := newTestEngine(t, catalog, delivery)

	ctx := context.Background()
	run, err := engine.Start(ctx, domain.NormalizedRequest{Title: "Heat", Email: "a@b.com"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// First attempt: lookup succeeds, dispatch fails.
	if err := engine.Execute(ctx, run.ID); !errors.Is(err, domain.ErrDispatchFailed) {
		t.Fatalf("first Execute error = %v, want ErrDispatchFailed", err)
	}
	if catalog.calls.Load() != 1 {
		t.Fatalf("catalog calls after first attempt = %d, want 1", catalog.calls.Load())
	}

	// Retry: the journaled lookup result must be replayed, not re-fetched.
	delivery.err = nil
	delivery.receipt = domain.DeliveryReceipt{Accepted: true, ProviderMessageID: "msg-2"}
	if err := engine.Execute(ctx, run.ID); err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	if catalog.calls.Load() != 1 {
		t.Errorf("catalog calls after retry = %d, want 1 (memoized)", catalog.calls.Load())
	}

	got, err := engine.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != domain.RunStatusCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}
	if got.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", got.Attempts)
	}
}

func TestStepCallsCarryDeadline(t *testing.T) {
	catalog := &fakeCatalog{movie: domain.MovieRecord{Title: "Heat", Plot: "A heist."}}
	delivery := &fakeDelivery{receipt: domain.DeliveryReceipt{Accepted: true}}
	engine, _ := newTestEngine(t, catalog, delivery)

	ctx := context.Background()
	run, _ := engine.Start(ctx, domain.NormalizedRequest{Title: "Heat", Email: "a@b.com"})
	if err := engine.Execute(ctx, run.ID); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !catalog.sawDeadline.Load() {
		t.Error("catalog call had no deadline")
	}
}

func TestLookupFailureLeavesRunRunning(t *testing.T) {
	catalog := &fakeCatalog{err: domain.NewDomainError("fetch", domain.ErrMovieNotFound, "Movie not found!")}
	delivery := &fakeDelivery{}
	engine, _ := newTestEngine(t, catalog, delivery)

	ctx := context.Background()
	run, _ := engine.Start(ctx, domain.NormalizedRequest{Title: "Nope", Email: "a@b.com"})
	if err := engine.Execute(ctx, run.ID); !errors.Is(err, domain.ErrMovieNotFound) {
		t.Fatalf("Execute error = %v, want ErrMovieNotFound", err)
	}
	if delivery.calls.Load() != 0 {
		t.Errorf("delivery called %d times after failed lookup, want 0", delivery.calls.Load())
	}

	// Finalization is the dispatcher's call.
	got, _ := engine.GetRun(ctx, run.ID)
	if got.Status != domain.RunStatusRunning {
		t.Errorf("status = %q, want running", got.Status)
	}
	if got.Error == "" {
		t.Error("run error not recorded")
	}
}

func TestMarkFailed(t *testing.T) {
	catalog := &fakeCatalog{err: domain.NewDomainError("fetch", domain.ErrLookupTimeout, "10s elapsed")}
	engine, _ := newTestEngine(t, catalog, &fakeDelivery{})

	ctx := context.Background()
	run, _ := engine.Start(ctx, domain.NormalizedRequest{Title: "Heat", Email: "a@b.com"})
	execErr := engine.Execute(ctx, run.ID)
	if execErr == nil {
		t.Fatal("expected Execute to fail")
	}

	if err := engine.MarkFailed(ctx, run.ID, execErr); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	got, _ := engine.GetRun(ctx, run.ID)
	if got.Status != domain.RunStatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
}

func TestExecuteTerminalRunIsNoop(t *testing.T) {
	catalog := &fakeCatalog{movie: domain.MovieRecord{Title: "Heat", Plot: "A heist."}}
	delivery := &fakeDelivery{receipt: domain.DeliveryReceipt{Accepted: true}}
	engine, _ := newTestEngine(t, catalog, delivery)

	ctx := context.Background()
	run, _ := engine.Start(ctx, domain.NormalizedRequest{Title: "Heat", Email: "a@b.com"})
	if err := engine.Execute(ctx, run.ID); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if err := engine.Execute(ctx, run.ID); err != nil {
		t.Fatalf("re-Execute: %v", err)
	}
	if catalog.calls.Load() != 1 {
		t.Errorf("catalog calls = %d, want 1", catalog.calls.Load())
	}
	if delivery.calls.Load() != 1 {
		t.Errorf("delivery calls = %d, want 1", delivery.calls.Load())
	}
}
