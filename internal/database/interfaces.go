package database

import (
	"context"
	"time"

	"github.com/lysyi3m/recall-comb/internal/recall"
)

type RecallRepository interface {
	Upsert(ctx context.Context, r *recall.Recall) (UpsertResult, error)
	GetByID(ctx context.Context, id string) (*recall.Recall, error)
	GetByExternalID(ctx context.Context, agency, externalID string) (*recall.Recall, error)
	List(ctx context.Context, filter RecallFilter) ([]recall.Recall, error)
	GetGroup(ctx context.Context, groupID string) (*recall.DedupGroup, []recall.Recall, error)
	SetDedupGroups(ctx context.Context, groups []recall.DedupGroup, assignments map[string]string) error
	GetStats(ctx context.Context) (*Stats, error)
}

type RawRecordRepository interface {
	Insert(ctx context.Context, raw recall.RawRecallRecord) (bool, error)
	Count(ctx context.Context, agency string) (int, error)
}

type AgencyRepository interface {
	UpsertAgency(ctx context.Context, agency Agency) error
	GetAgency(ctx context.Context, code string) (*Agency, error)
	ListAgencies(ctx context.Context) ([]Agency, error)
	RecordRun(ctx context.Context, code string, runAt time.Time, runErr error) error
}

type RunRepository interface {
	CreateRun(ctx context.Context, id string, startedAt time.Time) error
	FinishRun(ctx context.Context, id, status string, finishedAt time.Time, report []byte) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]Run, error)
}
