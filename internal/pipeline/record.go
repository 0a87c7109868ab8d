package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/hostprov/hostprov/internal/journal"
	"github.com/hostprov/hostprov/internal/metrics"
	"github.com/hostprov/hostprov/internal/redact"
)

// Recorder observes a run as it progresses. Implementations must not fail
// the run; they log their own errors.
type Recorder interface {
	RunStarted(ctx context.Context, report *Report, startedAt time.Time)
	StepFinished(ctx context.Context, runID string, step StepResult, startedAt time.Time)
	RunFinished(ctx context.Context, report *Report, finishedAt time.Time, took time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) RunStarted(context.Context, *Report, time.Time) {}

func (nopRecorder) StepFinished(context.Context, string, StepResult, time.Time) {}

func (nopRecorder) RunFinished(context.Context, *Report, time.Time, time.Duration) {}

// Telemetry records runs in the local journal and the metrics registry.
// Either may be nil.
type Telemetry struct {
	Journal  *journal.Store
	Metrics  *metrics.Metrics
	Redactor *redact.Redactor
	Logger   *slog.Logger
	// Textfile, when set, receives the metrics after every run.
	Textfile string
}

func (t *Telemetry) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}

func (t *Telemetry) RunStarted(ctx context.Context, report *Report, startedAt time.Time) {
	if t.Journal == nil {
		return
	}
	if err := t.Journal.BeginRun(ctx, report.RunID, report.Host, report.Command, startedAt); err != nil {
		t.logger().Warn("journal begin run failed", "run_id", report.RunID, "err", err)
	}
}

func (t *Telemetry) StepFinished(ctx context.Context, runID string, step StepResult, startedAt time.Time) {
	t.Metrics.ObserveStep(step.Name, string(step.Status), step.Duration)
	if t.Journal == nil {
		return
	}
	err := t.Journal.RecordStep(ctx, journal.Step{
		RunID:     runID,
		Index:     step.Index,
		Name:      step.Name,
		Status:    string(step.Status),
		Detail:    t.Redactor.Redact(step.Detail),
		Duration:  step.Duration,
		StartedAt: startedAt,
	})
	if err != nil {
		t.logger().Warn("journal record step failed", "run_id", runID, "step", step.Name, "err", err)
	}
}

func (t *Telemetry) RunFinished(ctx context.Context, report *Report, finishedAt time.Time, took time.Duration) {
	status := journal.StatusSucceeded
	if report.Err != nil {
		status = journal.StatusFailed
	}
	t.Metrics.ObserveRun(report.Command, status, took, finishedAt)
	if err := t.Metrics.WriteTextfile(t.Textfile); err != nil {
		t.logger().Warn("metrics textfile write failed", "err", err)
	}
	if t.Journal == nil {
		return
	}
	publicURL := ""
	if report.Endpoint != nil {
		publicURL = report.Endpoint.PublicURL
	}
	// The run context may already be cancelled; the history row should still
	// be closed.
	ctx = context.WithoutCancel(ctx)
	if err := t.Journal.FinishRun(ctx, report.RunID, status, publicURL, t.Redactor.Redact(report.Error), finishedAt); err != nil {
		t.logger().Warn("journal finish run failed", "run_id", report.RunID, "err", err)
	}
}
