package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lysyi3m/recall-comb/internal/pipeline"
)

// Runner is the part of pipeline.Runner the tasks drive.
type Runner interface {
	Run(ctx context.Context, opts pipeline.RunOptions) (*pipeline.RunReport, error)
	Dedup(ctx context.Context) (pipeline.DedupReport, error)
}

var _ Runner = (*pipeline.Runner)(nil)

type IngestTask struct {
	*Task
	Options pipeline.RunOptions
	runner  Runner
	Report  *pipeline.RunReport
}

func NewIngestTask(runner Runner, opts pipeline.RunOptions) *IngestTask {
	return &IngestTask{
		Task:    NewTask(TaskTypeIngest),
		Options: opts,
		runner:  runner,
	}
}

// Execute runs one ingestion. An overlapping run is skipped rather than
// retried since the run in progress covers the same agencies.
func (t *IngestTask) Execute(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	report, err := t.runner.Run(ctx, t.Options)
	if errors.Is(err, pipeline.ErrRunInProgress) {
		slog.Info("Ingestion already running, skipping", "task_id", t.ID)
		t.Skip("ingestion already running")
		return nil
	}
	if errors.Is(err, pipeline.ErrUnknownAgency) {
		t.Abort()
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to run ingestion: %w", err)
	}
	t.Report = report
	t.SetResult(report)

	degraded := 0
	for _, a := range report.Agencies {
		if a.Degraded {
			degraded++
		}
	}

	slog.Info("Task completed",
		"type", "Ingest",
		"run_id", report.RunID,
		"agencies", len(report.Agencies),
		"degraded", degraded,
		"duration", t.Duration())

	return nil
}

type DedupTask struct {
	*Task
	runner Runner
}

func NewDedupTask(runner Runner) *DedupTask {
	return &DedupTask{
		Task:   NewTask(TaskTypeDedup),
		runner: runner,
	}
}

func (t *DedupTask) Execute(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	report, err := t.runner.Dedup(ctx)
	if errors.Is(err, pipeline.ErrRunInProgress) {
		// the run in progress regroups the catalog itself
		t.Skip("ingestion already running")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to rebuild dedup groups: %w", err)
	}
	t.SetResult(report)

	slog.Info("Task completed",
		"type", "Dedup",
		"groups", report.Groups,
		"merged", report.Merged,
		"ambiguous", report.Ambiguous,
		"duration", t.Duration())

	return nil
}
