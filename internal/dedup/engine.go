package dedup

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/lysyi3m/recall-comb/internal/recall"
	"github.com/lysyi3m/recall-comb/internal/trigram"
)

// groupNamespace scopes the name-based UUIDs used as dedup group ids.
var groupNamespace = uuid.MustParse("3f1d2c1e-8a4b-5c6d-9e0f-a1b2c3d4e5f6")

type Config struct {
	SimilarityThreshold float64
	DateWindow          time.Duration
	AmbiguityMargin     float64
	// BucketWidth sets the recall_date partition size. Fuzzy pairs whose
	// dates fall in different buckets are never compared.
	BucketWidth time.Duration
	Workers     int
}

func DefaultConfig() Config {
	return Config{
		SimilarityThreshold: 0.85,
		DateWindow:          30 * 24 * time.Hour,
		AmbiguityMargin:     0.05,
		BucketWidth:         90 * 24 * time.Hour,
		Workers:             4,
	}
}

type Result struct {
	Groups      []recall.DedupGroup
	Ambiguities []*recall.DedupAmbiguity
	// Assignments maps every input recall id to its group id, or "" when the
	// recall matched nothing.
	Assignments map[string]string
	Merged      int
}

type Engine struct {
	cfg Config
}

func NewEngine(cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = def.SimilarityThreshold
	}
	if cfg.DateWindow <= 0 {
		cfg.DateWindow = def.DateWindow
	}
	if cfg.AmbiguityMargin < 0 {
		cfg.AmbiguityMargin = 0
	}
	if cfg.BucketWidth <= 0 {
		cfg.BucketWidth = def.BucketWidth
	}
	cfg.BucketWidth = max(cfg.BucketWidth, cfg.DateWindow)
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	return &Engine{cfg: cfg}
}

type pair struct {
	a, b int
}

type partitionKey struct {
	hazard recall.HazardCategory
	bucket int64
}

type partitionResult struct {
	matches     []pair
	ambiguities []*recall.DedupAmbiguity
}

// Run clusters recalls into groups. Group membership is the transitive
// closure of pairwise matches, so A~B and B~C puts A and C together even when
// A and C would not match directly.
func (e *Engine) Run(ctx context.Context, recalls []recall.Recall) (*Result, error) {
	items := slices.Clone(recalls)
	slices.SortFunc(items, func(a, b recall.Recall) int { return cmp.Compare(a.ID, b.ID) })

	uf := NewUnionFind(len(items))

	byIdentifier := make(map[recall.Identifier]int)
	for i := range items {
		for _, id := range items[i].Identifiers {
			if !slices.Contains(recall.StrongIdentifierTypes, id.Type) {
				continue
			}
			if first, ok := byIdentifier[id]; ok {
				uf.Union(first, i)
			} else {
				byIdentifier[id] = i
			}
		}
	}

	partitions := e.partition(items)
	keys := make([]partitionKey, 0, len(partitions))
	for k := range partitions {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b partitionKey) int {
		return cmp.Or(cmp.Compare(a.hazard, b.hazard), cmp.Compare(a.bucket, b.bucket))
	})

	sets := make([]trigram.Set, len(items))
	for i := range items {
		sets[i] = trigram.New(items[i].ProductName + " " + items[i].Brand)
	}

	results := make([]partitionResult, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for n, key := range keys {
		members := partitions[key]
		g.Go(func() error {
			res, err := e.comparePartition(gctx, items, sets, members)
			if err != nil {
				return err
			}
			results[n] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to compare partitions: %w", err)
	}

	result := &Result{Assignments: make(map[string]string, len(items))}
	for _, res := range results {
		for _, p := range res.matches {
			uf.Union(p.a, p.b)
		}
		result.Ambiguities = append(result.Ambiguities, res.ambiguities...)
	}

	for _, component := range uf.Components() {
		if len(component) == 1 {
			result.Assignments[items[component[0]].ID] = ""
			continue
		}
		group := buildGroup(items, component)
		for _, id := range group.MemberIDs {
			result.Assignments[id] = group.ID
		}
		result.Groups = append(result.Groups, group)
		result.Merged += len(component)
	}
	slices.SortFunc(result.Groups, func(a, b recall.DedupGroup) int { return cmp.Compare(a.PrimaryID, b.PrimaryID) })

	slog.Debug("Dedup pass completed",
		"recalls", len(items),
		"partitions", len(keys),
		"groups", len(result.Groups),
		"ambiguous", len(result.Ambiguities))

	return result, nil
}

func (e *Engine) partition(items []recall.Recall) map[partitionKey][]int {
	width := int64(e.cfg.BucketWidth / time.Second)
	partitions := make(map[partitionKey][]int)
	for i := range items {
		unix := items[i].RecallDate.Unix()
		bucket := unix / width
		if unix < 0 && unix%width != 0 {
			bucket--
		}
		key := partitionKey{hazard: items[i].HazardCategory, bucket: bucket}
		partitions[key] = append(partitions[key], i)
	}
	return partitions
}

func (e *Engine) comparePartition(ctx context.Context, items []recall.Recall, sets []trigram.Set, members []int) (partitionResult, error) {
	var res partitionResult
	lower := e.cfg.SimilarityThreshold - e.cfg.AmbiguityMargin
	for x := 0; x < len(members); x++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		i := members[x]
		for y := x + 1; y < len(members); y++ {
			j := members[y]
			if !withinWindow(items[i].RecallDate, items[j].RecallDate, e.cfg.DateWindow) {
				continue
			}
			if items[i].HazardCategory != items[j].HazardCategory {
				continue
			}
			sim := sets[i].Similarity(sets[j])
			switch {
			case sim > e.cfg.SimilarityThreshold:
				res.matches = append(res.matches, pair{a: i, b: j})
			case sim >= lower:
				res.ambiguities = append(res.ambiguities, &recall.DedupAmbiguity{A: items[i].ID, B: items[j].ID, Similarity: sim})
			}
		}
	}
	return res, nil
}

func withinWindow(a, b time.Time, window time.Duration) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= window
}

func buildGroup(items []recall.Recall, component []int) recall.DedupGroup {
	primary := component[0]
	for _, i := range component[1:] {
		if preferPrimary(&items[i], &items[primary]) {
			primary = i
		}
	}
	members := make([]string, 0, len(component))
	for _, i := range component {
		members = append(members, items[i].ID)
	}
	slices.Sort(members)
	primaryID := items[primary].ID
	return recall.DedupGroup{
		ID:        GroupID(primaryID),
		PrimaryID: primaryID,
		MemberIDs: members,
	}
}

// preferPrimary orders candidates by highest quality score, then earliest
// recall date, then smallest (source_agency, external_id).
func preferPrimary(a, b *recall.Recall) bool {
	if a.QualityScore != b.QualityScore {
		return a.QualityScore > b.QualityScore
	}
	if !a.RecallDate.Equal(b.RecallDate) {
		return a.RecallDate.Before(b.RecallDate)
	}
	if c := strings.Compare(a.SourceAgency, b.SourceAgency); c != 0 {
		return c < 0
	}
	return a.ExternalID < b.ExternalID
}

// GroupID derives the stable group id from the primary recall id.
func GroupID(primaryID string) string {
	return uuid.NewSHA1(groupNamespace, []byte(primaryID)).String()
}
