package domain

import (
	"context"
	"encoding/json"
	"time"
)

// WatchEvent is the raw, untrusted trigger payload. It is consumed once by the
// input gate and not retained after validation.
type WatchEvent struct {
	MovieTitle     string `json:"movie_title"`
	RecipientEmail string `json:"recipient_email"`
}

// NormalizedRequest is the validated form of a WatchEvent: title trimmed and
// capped at 200 characters, email trimmed and lowercased. Immutable once
// produced; owned by a single workflow run.
type NormalizedRequest struct {
	Title string `json:"title"`
	Email string `json:"email"`
}

// MovieRecord is the catalog lookup result. Title and Plot are mandatory;
// a record missing either must not reach the dispatch step.
type MovieRecord struct {
	Title    string `json:"title"`
	Year     string `json:"year,omitempty"`
	Director string `json:"director,omitempty"`
	Plot     string `json:"plot"`
	Rating   string `json:"rating,omitempty"`
	Genre    string `json:"genre,omitempty"`
}

// DeliveryReceipt is the terminal artifact of the dispatch step.
type DeliveryReceipt struct {
	Accepted          bool   `json:"accepted"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`
}

// RunResult is the outward-facing result of a completed run. There is no
// partial-success state: a run either produced a delivered email or it did not.
type RunResult struct {
	Success     bool   `json:"success"`
	Movie       string `json:"movie"`
	EmailSentTo string `json:"email_sent_to"`
	EmailID     string `json:"email_id,omitempty"`
}

// Run statuses.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// Workflow step names. Step results are journaled under these names; renaming
// one invalidates memoized results for in-flight runs.
const (
	StepFetchMovie  = "fetch-movie"
	StepSendSummary = "send-summary"
)

// Run tracks the journal state of a single workflow execution.
type Run struct {
	ID        string            `json:"id"`
	Status    string            `json:"status"`
	Request   NormalizedRequest `json:"request"`
	Result    *RunResult        `json:"result,omitempty"`
	Error     string            `json:"error,omitempty"`
	Attempts  int               `json:"attempts"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// StepResult records the durable outcome of a single step within a run.
// A completed StepResult is replayed instead of re-executing the step.
type StepResult struct {
	RunID    string          `json:"run_id"`
	Step     string          `json:"step"`
	Status   string          `json:"status"` // "completed", "failed"
	Output   json.RawMessage `json:"output"`
	Error    string          `json:"error,omitempty"`
	Duration time.Duration   `json:"duration"`
}

// StepResult statuses.
const (
	StepStatusCompleted = "completed"
	StepStatusFailed    = "failed"
)

// CatalogProvider fetches movie metadata from an external catalog.
type CatalogProvider interface {
	FetchMovie(ctx context.Context, title string) (*MovieRecord, error)
}

// DeliveryProvider sends a rendered movie summary to a recipient.
type DeliveryProvider interface {
	SendSummary(ctx context.Context, movie MovieRecord, email string) (*DeliveryReceipt, error)
}

// RunStore persists runs and step results so a retried run can replay
// completed steps instead of re-executing them.
type RunStore interface {
	SaveRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]Run, error)
	SaveStep(ctx context.Context, result StepResult) error
	GetStep(ctx context.Context, runID, step string) (*StepResult, error)
	PendingRunIDs(ctx context.Context) ([]string, error)
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
