// Package pipeline runs ingestion: fetch every agency, turn raw notices into
// canonical recalls, store them and regroup duplicates across the catalog.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/lysyi3m/recall-comb/internal/canonical"
	"github.com/lysyi3m/recall-comb/internal/database"
	"github.com/lysyi3m/recall-comb/internal/dedup"
	"github.com/lysyi3m/recall-comb/internal/extract"
	"github.com/lysyi3m/recall-comb/internal/logging"
	"github.com/lysyi3m/recall-comb/internal/quality"
	"github.com/lysyi3m/recall-comb/internal/recall"
)

const DefaultMaxConcurrentFetches = 8

// Config wires a Runner. Publisher, Archiver and Invalidator are optional.
type Config struct {
	Sources              []Source
	Extractor            *extract.Extractor
	Builder              *canonical.Builder
	Scorer               *quality.Scorer
	Dedup                *dedup.Engine
	Recalls              database.RecallRepository
	RawRecords           database.RawRecordRepository
	Agencies             database.AgencyRepository
	Runs                 database.RunRepository
	Publisher            Publisher
	Archiver             Archiver
	Invalidator          Invalidator
	MaxConcurrentFetches int
}

type Runner struct {
	cfg     Config
	running sync.Mutex
}

func NewRunner(cfg Config) *Runner {
	if cfg.Extractor == nil {
		cfg.Extractor = extract.NewExtractor()
	}
	if cfg.Builder == nil {
		cfg.Builder = canonical.NewBuilder()
	}
	if cfg.Scorer == nil {
		cfg.Scorer = quality.NewScorer(quality.DefaultWeights(), quality.DefaultThreshold)
	}
	if cfg.Dedup == nil {
		cfg.Dedup = dedup.NewEngine(dedup.DefaultConfig())
	}
	if cfg.MaxConcurrentFetches <= 0 {
		cfg.MaxConcurrentFetches = DefaultMaxConcurrentFetches
	}
	return &Runner{cfg: cfg}
}

// AgencyCodes lists the codes of the configured sources.
func (r *Runner) AgencyCodes() []string {
	codes := make([]string, 0, len(r.cfg.Sources))
	for _, src := range r.cfg.Sources {
		codes = append(codes, src.Connector.AgencyCode())
	}
	return codes
}

// Run performs one ingestion run followed by a full catalog dedup pass.
// Agency failures are recorded in the report; only storage failures abort
// the run and are returned as *recall.StorageError. Runs never overlap:
// a concurrent call gets ErrRunInProgress.
func (r *Runner) Run(ctx context.Context, opts RunOptions) (*RunReport, error) {
	sources, err := r.selectSources(opts.Agencies)
	if err != nil {
		return nil, err
	}

	if !r.running.TryLock() {
		return nil, ErrRunInProgress
	}
	defer r.running.Unlock()

	report := &RunReport{
		RunID:     uuid.NewString(),
		StartedAt: time.Now().UTC(),
		Agencies:  make(map[string]*AgencyReport, len(sources)),
	}
	ctx = logging.WithAttrs(ctx, slog.String("run_id", report.RunID))
	log := logging.From(ctx)

	if err := r.cfg.Runs.CreateRun(ctx, report.RunID, report.StartedAt); err != nil {
		return nil, &recall.StorageError{Op: "create run", Err: err}
	}
	log.Info("Ingestion run started", "agencies", len(sources))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.MaxConcurrentFetches)
	for _, src := range sources {
		g.Go(func() error {
			agencyReport, err := r.ingestAgency(gctx, src, opts.Since)
			mu.Lock()
			report.Agencies[src.Connector.AgencyCode()] = agencyReport
			mu.Unlock()
			return err
		})
	}
	err = g.Wait()

	if err == nil {
		report.Dedup, err = r.dedup(ctx)
	}

	if r.cfg.Invalidator != nil {
		if invErr := r.cfg.Invalidator.Invalidate(ctx); invErr != nil {
			log.Warn("Failed to invalidate search cache", "error", invErr)
		}
	}

	report.FinishedAt = time.Now().UTC()
	status := database.RunStatusCompleted
	if err != nil {
		status = database.RunStatusFailed
	}
	encoded, _ := json.Marshal(report)
	if finishErr := r.cfg.Runs.FinishRun(context.WithoutCancel(ctx), report.RunID, status, report.FinishedAt, encoded); finishErr != nil && err == nil {
		err = &recall.StorageError{Op: "finish run", Err: finishErr}
	}

	if err != nil {
		log.Error("Ingestion run failed", "duration", report.FinishedAt.Sub(report.StartedAt), "error", err)
		return report, err
	}

	log.Info("Ingestion run completed",
		"duration", report.FinishedAt.Sub(report.StartedAt),
		"groups", report.Dedup.Groups,
		"merged", report.Dedup.Merged,
		"ambiguous", report.Dedup.Ambiguous)
	return report, nil
}

func (r *Runner) selectSources(codes []string) ([]Source, error) {
	if len(codes) == 0 {
		return r.cfg.Sources, nil
	}
	var selected []Source
	for _, code := range codes {
		idx := slices.IndexFunc(r.cfg.Sources, func(s Source) bool {
			return strings.EqualFold(s.Connector.AgencyCode(), code)
		})
		if idx < 0 {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAgency, code)
		}
		selected = append(selected, r.cfg.Sources[idx])
	}
	return selected, nil
}

// ingestAgency processes one agency. The returned error is non-nil only for
// storage failures or cancellation; fetch failures mark the report degraded.
func (r *Runner) ingestAgency(ctx context.Context, src Source, since time.Time) (*AgencyReport, error) {
	code := src.Connector.AgencyCode()
	ctx = logging.WithAttrs(ctx, slog.String("agency", code))
	log := logging.From(ctx)
	report := &AgencyReport{}
	startedAt := time.Now().UTC()

	if src.Agency != nil {
		err := r.cfg.Agencies.UpsertAgency(ctx, database.Agency{
			Code:     code,
			Name:     src.Agency.Name,
			Country:  src.Agency.Country,
			Category: string(src.Agency.Category),
			URL:      src.Agency.URL,
			Enabled:  src.Agency.Settings.Enabled,
		})
		if err != nil {
			return report, &recall.StorageError{Op: "upsert agency", Err: err}
		}
	}

	if since.IsZero() {
		state, err := r.cfg.Agencies.GetAgency(ctx, code)
		if err != nil {
			return report, &recall.StorageError{Op: "get agency", Err: err}
		}
		if state != nil && state.LastSuccessAt != nil {
			since = *state.LastSuccessAt
		}
	}

	var fetchErr error
	for raw, err := range src.Connector.Fetch(ctx, since) {
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return report, ctxErr
			}
			fetchErr = err
			break
		}
		report.Fetched++
		if err := r.processRecord(ctx, src, raw, report); err != nil {
			return report, err
		}
	}

	if fetchErr != nil {
		report.Degraded = true
		report.Error = fetchErr.Error()
		log.Error("Agency fetch failed", "error", fetchErr)
	}

	if err := r.cfg.Agencies.RecordRun(ctx, code, startedAt, fetchErr); err != nil {
		return report, &recall.StorageError{Op: "record agency run", Err: err}
	}

	log.Info("Agency ingested",
		"duration", time.Since(startedAt),
		"fetched", report.Fetched,
		"accepted", report.Accepted,
		"rejected", report.Rejected,
		"filtered", report.Filtered,
		"low_quality", report.LowQuality,
		"inserted", report.Inserted,
		"updated", report.Updated)
	return report, nil
}

// processRecord runs one raw record through extraction, building, scoring
// and storage. Each record is committed on its own.
func (r *Runner) processRecord(ctx context.Context, src Source, raw recall.RawRecallRecord, report *AgencyReport) error {
	log := logging.From(ctx)

	if _, err := r.cfg.RawRecords.Insert(ctx, raw); err != nil {
		return &recall.StorageError{Op: "insert raw record", Err: err}
	}
	if r.cfg.Archiver != nil {
		if err := r.cfg.Archiver.Archive(ctx, raw); err != nil {
			log.Warn("Failed to archive raw record", "external_id", raw.ExternalID, "error", err)
		}
	}

	if src.Agency != nil {
		if excluded, reason := src.Agency.Excluded(raw); excluded {
			report.Filtered++
			log.Debug("Notice filtered", "external_id", raw.ExternalID, "reason", reason)
			return nil
		}
	}

	extracted := r.cfg.Extractor.Run(raw, src.Rules)
	report.Warnings += len(extracted.Warnings)
	for _, w := range extracted.Warnings {
		log.Debug("Identifier dropped", "external_id", raw.ExternalID, "warning", w)
	}

	rec, err := r.cfg.Builder.Run(raw, extracted)
	if err != nil {
		var rejection *recall.ValidationRejection
		if errors.As(err, &rejection) {
			report.Rejected++
			log.Debug("Record rejected", "external_id", raw.ExternalID, "field", rejection.Field)
			return nil
		}
		return err
	}

	if below := r.cfg.Scorer.Apply(rec); below != nil {
		report.LowQuality++
		log.Debug("Recall below quality threshold", "recall_id", rec.ID, "score", below.Score)
	}

	result, err := r.cfg.Recalls.Upsert(ctx, rec)
	if err != nil {
		return &recall.StorageError{Op: "upsert recall", Err: err}
	}
	report.Accepted++

	switch result.Outcome {
	case database.OutcomeInserted:
		report.Inserted++
	case database.OutcomeUpdated:
		report.Updated++
	default:
		report.Unchanged++
		return nil
	}

	if r.cfg.Publisher != nil {
		if err := r.cfg.Publisher.PublishRecall(ctx, rec); err != nil {
			log.Warn("Failed to publish recall event", "recall_id", rec.ID, "error", err)
		}
	}
	return nil
}

// Dedup regroups the whole catalog outside of an ingestion run. It shares
// the run lock with Run and drops cached search results afterwards.
func (r *Runner) Dedup(ctx context.Context) (DedupReport, error) {
	if !r.running.TryLock() {
		return DedupReport{}, ErrRunInProgress
	}
	defer r.running.Unlock()

	report, err := r.dedup(ctx)
	if err != nil {
		return report, err
	}

	if r.cfg.Invalidator != nil {
		if err := r.cfg.Invalidator.Invalidate(ctx); err != nil {
			logging.From(ctx).Warn("Failed to invalidate search cache", "error", err)
		}
	}
	return report, nil
}

// dedup regroups the whole catalog, low quality recalls included, and
// writes the group assignments back.
func (r *Runner) dedup(ctx context.Context) (DedupReport, error) {
	log := logging.From(ctx)

	recalls, err := r.cfg.Recalls.List(ctx, database.RecallFilter{IncludeLowQuality: true})
	if err != nil {
		return DedupReport{}, &recall.StorageError{Op: "list recalls for dedup", Err: err}
	}

	result, err := r.cfg.Dedup.Run(ctx, recalls)
	if err != nil {
		return DedupReport{}, err
	}
	for _, amb := range result.Ambiguities {
		log.Info("Near duplicate left unmerged", "a", amb.A, "b", amb.B, "similarity", amb.Similarity)
	}

	if err := r.cfg.Recalls.SetDedupGroups(ctx, result.Groups, result.Assignments); err != nil {
		return DedupReport{}, &recall.StorageError{Op: "set dedup groups", Err: err}
	}

	return DedupReport{
		Groups:    len(result.Groups),
		Merged:    result.Merged,
		Ambiguous: len(result.Ambiguities),
	}, nil
}
