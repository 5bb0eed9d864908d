package workflow

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"meadow-notify/internal/domain"
	"meadow-notify/internal/infra/tracer"
)

// EngineConfig holds per-step timeouts for the workflow engine.
type EngineConfig struct {
	LookupTimeout   time.Duration
	DispatchTimeout time.Duration
}

// Engine orchestrates the two durable steps of a run: catalog lookup, then
// notification dispatch. Step results are journaled in the run store; a
// retried run replays completed steps instead of re-executing them. Retries
// themselves are driven by the dispatcher, not in here.
type Engine struct {
	store    domain.RunStore
	catalog  domain.CatalogProvider
	delivery domain.DeliveryProvider
	cfg      EngineConfig
	bus      domain.EventBus
	logger   *slog.Logger
}

// NewEngine creates a workflow engine.
func NewEngine(
	store domain.RunStore,
	catalog domain.CatalogProvider,
	delivery domain.DeliveryProvider,
	cfg EngineConfig,
	bus domain.EventBus,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		store:    store,
		catalog:  catalog,
		delivery: delivery,
		cfg:      cfg,
		bus:      bus,
		logger:   logger,
	}
}

// Start journals a new run for a validated request and returns it. The run is
// not executed here; the caller hands it to the dispatcher.
func (e *Engine) Start(ctx context.Context, req domain.NormalizedRequest) (*domain.Run, error) {
	now := time.Now()
	run := domain.Run{
		ID:        generateRunID(now),
		Status:    domain.RunStatusRunning,
		Request:   req,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.SaveRun(ctx, run); err != nil {
		return nil, domain.WrapOp("Engine.Start", err)
	}

	e.emitEvent(ctx, domain.EventRunStarted, run.ID, map[string]string{
		"movie_title": req.Title,
	})
	return &run, nil
}

// Execute runs (or resumes) a journal run to completion. A step that already
// completed in a previous attempt is replayed from the journal. On step
// failure the error is journaled and returned; the run stays in the running
// state so the dispatcher can retry or finalize it.
func (e *Engine) Execute(ctx context.Context, runID string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return domain.WrapOp("Engine.Execute", err)
	}
	if run.Status != domain.RunStatusRunning {
		// Terminal runs are not re-executed.
		return nil
	}

	ctx, span := tracer.StartSpan(ctx, "workflow.run",
		trace.WithAttributes(tracer.StringAttr("run_id", run.ID)),
	)
	defer span.End()

	run.Attempts++
	run.UpdatedAt = time.Now()
	if err := e.store.SaveRun(ctx, *run); err != nil {
		return domain.WrapOp("Engine.Execute", err)
	}

	movie, err := e.fetchMovieStep(ctx, run)
	if err != nil {
		tracer.RecordError(span, err)
		return e.recordStepFailure(ctx, run, err)
	}

	receipt, err := e.sendSummaryStep(ctx, run, *movie)
	if err != nil {
		tracer.RecordError(span, err)
		return e.recordStepFailure(ctx, run, err)
	}

	run.Status = domain.RunStatusCompleted
	run.Error = ""
	run.Result = &domain.RunResult{
		Success:     true,
		Movie:       movie.Title,
		EmailSentTo: run.Request.Email,
		EmailID:     receipt.ProviderMessageID,
	}
	run.UpdatedAt = time.Now()
	if err := e.store.SaveRun(ctx, *run); err != nil {
		return domain.WrapOp("Engine.Execute", err)
	}

	tracer.SetOK(span)
	e.emitEvent(ctx, domain.EventRunCompleted, run.ID, map[string]string{
		"movie":         movie.Title,
		"email_sent_to": run.Request.Email,
	})
	return nil
}

// MarkFailed finalizes a run after the dispatcher gives up on it.
func (e *Engine) MarkFailed(ctx context.Context, runID string, cause error) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return domain.WrapOp("Engine.MarkFailed", err)
	}
	run.Status = domain.RunStatusFailed
	if cause != nil {
		run.Error = cause.Error()
	}
	run.UpdatedAt = time.Now()
	if err := e.store.SaveRun(ctx, *run); err != nil {
		return domain.WrapOp("Engine.MarkFailed", err)
	}

	e.emitEvent(ctx, domain.EventRunFailed, run.ID, map[string]string{
		"error": run.Error,
	})
	return nil
}

// GetRun returns a run by ID.
func (e *Engine) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	return e.store.GetRun(ctx, runID)
}

// ListRuns returns recent runs, newest first.
func (e *Engine) ListRuns(ctx context.Context, limit int) ([]domain.Run, error) {
	return e.store.ListRuns(ctx, limit)
}

// --- steps ---

func (e *Engine) fetchMovieStep(ctx context.Context, run *domain.Run) (*domain.MovieRecord, error) {
	if prev, err := e.replayStep(ctx, run.ID, domain.StepFetchMovie); err != nil {
		return nil, err
	} else if prev != nil {
		var movie domain.MovieRecord
		if err := json.Unmarshal(prev.Output, &movie); err == nil {
			return &movie, nil
		}
		e.logger.Warn("corrupt journaled step output, re-executing",
			"run_id", run.ID, "step", domain.StepFetchMovie)
	}

	ctx, span := tracer.StartSpan(ctx, "step.fetch_movie",
		trace.WithAttributes(tracer.StringAttr("run_id", run.ID)),
	)
	defer span.End()

	stepCtx, cancel := context.WithTimeout(ctx, e.cfg.LookupTimeout)
	defer cancel()

	start := time.Now()
	movie, err := e.catalog.FetchMovie(stepCtx, run.Request.Title)
	if err != nil {
		tracer.RecordError(span, err)
		e.journalStep(ctx, domain.StepResult{
			RunID:    run.ID,
			Step:     domain.StepFetchMovie,
			Status:   domain.StepStatusFailed,
			Output:   json.RawMessage(`null`),
			Error:    err.Error(),
			Duration: time.Since(start),
		})
		return nil, err
	}

	e.journalStep(ctx, domain.StepResult{
		RunID:    run.ID,
		Step:     domain.StepFetchMovie,
		Status:   domain.StepStatusCompleted,
		Output:   mustMarshal(movie),
		Duration: time.Since(start),
	})
	tracer.SetOK(span)
	return movie, nil
}

func (e *Engine) sendSummaryStep(ctx context.Context, run *domain.Run, movie domain.MovieRecord) (*domain.DeliveryReceipt, error) {
	if prev, err := e.replayStep(ctx, run.ID, domain.StepSendSummary); err != nil {
		return nil, err
	} else if prev != nil {
		var receipt domain.DeliveryReceipt
		if err := json.Unmarshal(prev.Output, &receipt); err == nil {
			return &receipt, nil
		}
		e.logger.Warn("corrupt journaled step output, re-executing",
			"run_id", run.ID, "step", domain.StepSendSummary)
	}

	ctx, span := tracer.StartSpan(ctx, "step.send_summary",
		trace.WithAttributes(tracer.StringAttr("run_id", run.ID)),
	)
	defer span.End()

	stepCtx, cancel := context.WithTimeout(ctx, e.cfg.DispatchTimeout)
	defer cancel()

	start := time.Now()
	receipt, err := e.delivery.SendSummary(stepCtx, movie, run.Request.Email)
	if err != nil {
		tracer.RecordError(span, err)
		e.journalStep(ctx, domain.StepResult{
			RunID:    run.ID,
			Step:     domain.StepSendSummary,
			Status:   domain.StepStatusFailed,
			Output:   json.RawMessage(`null`),
			Error:    err.Error(),
			Duration: time.Since(start),
		})
		return nil, err
	}

	e.journalStep(ctx, domain.StepResult{
		RunID:    run.ID,
		Step:     domain.StepSendSummary,
		Status:   domain.StepStatusCompleted,
		Output:   mustMarshal(receipt),
		Duration: time.Since(start),
	})
	tracer.SetOK(span)
	return receipt, nil
}

// replayStep returns the journaled result for a step that already completed,
// or nil if the step must execute. Failed journal entries do not block
// re-execution.
func (e *Engine) replayStep(ctx context.Context, runID, step string) (*domain.StepResult, error) {
	prev, err := e.store.GetStep(ctx, runID, step)
	if err != nil {
		return nil, domain.WrapOp("Engine.replayStep", err)
	}
	if prev == nil || prev.Status != domain.StepStatusCompleted {
		return nil, nil
	}
	e.emitEvent(ctx, domain.EventStepReplayed, runID, map[string]string{"step": step})
	return prev, nil
}

// journalStep persists a step result and emits the matching lifecycle event.
// A journal write failure is logged, not fatal: the step outcome still
// propagates, the run merely loses its memoization for that step.
func (e *Engine) journalStep(ctx context.Context, result domain.StepResult) {
	if err := e.store.SaveStep(ctx, result); err != nil {
		e.logger.Error("failed to journal step result",
			"run_id", result.RunID, "step", result.Step, "error", err)
	}

	eventType := domain.EventStepCompleted
	payload := map[string]string{"step": result.Step}
	if result.Status == domain.StepStatusFailed {
		eventType = domain.EventStepFailed
		payload["error"] = result.Error
	}
	e.emitEvent(ctx, eventType, result.RunID, payload)
}

func (e *Engine) recordStepFailure(ctx context.Context, run *domain.Run, cause error) error {
	run.Error = cause.Error()
	run.UpdatedAt = time.Now()
	if err := e.store.SaveRun(ctx, *run); err != nil {
		e.logger.Error("failed to save run after step failure",
			"run_id", run.ID, "error", err)
	}
	return cause
}

func (e *Engine) emitEvent(ctx context.Context, eventType domain.EventType, runID string, payload any) {
	if e.bus == nil {
		return
	}
	data, _ := json.Marshal(payload)
	e.bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		RunID:     runID,
		Payload:   data,
	})
}

func generateRunID(t time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

func mustMarshal(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}
