package quality

import (
	"math"
	"strings"

	"github.com/lysyi3m/recall-comb/internal/recall"
)

const DefaultThreshold = 0.70

// Weights is the point rubric. Each entry is awarded once.
type Weights struct {
	ProductName    int
	Brand          int
	SourceAgency   int
	BarcodeID      int
	LotOrBatch     int
	ModelNumber    int
	SpecificHazard int
}

func DefaultWeights() Weights {
	return Weights{
		ProductName:    2,
		Brand:          1,
		SourceAgency:   1,
		BarcodeID:      2,
		LotOrBatch:     2,
		ModelNumber:    1,
		SpecificHazard: 1,
	}
}

func (w Weights) Max() int {
	return w.ProductName + w.Brand + w.SourceAgency + w.BarcodeID + w.LotOrBatch + w.ModelNumber + w.SpecificHazard
}

type Scorer struct {
	weights   Weights
	threshold float64
}

func NewScorer(weights Weights, threshold float64) *Scorer {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	return &Scorer{weights: weights, threshold: threshold}
}

func (s *Scorer) Score(r *recall.Recall) int {
	w := s.weights
	score := 0
	if strings.TrimSpace(r.ProductName) != "" {
		score += w.ProductName
	}
	if strings.TrimSpace(r.Brand) != "" {
		score += w.Brand
	}
	if strings.TrimSpace(r.SourceAgency) != "" {
		score += w.SourceAgency
	}
	if r.HasIdentifier(recall.IdentifierUPC, recall.IdentifierEAN, recall.IdentifierGTIN) {
		score += w.BarcodeID
	}
	if r.HasIdentifier(recall.IdentifierLotNumber, recall.IdentifierBatchNumber) {
		score += w.LotOrBatch
	}
	if strings.TrimSpace(r.ModelNumber) != "" || r.HasIdentifier(recall.IdentifierModelNumber) {
		score += w.ModelNumber
	}
	if r.HazardCategory != "" && r.HazardCategory != recall.HazardGeneralSafety {
		score += w.SpecificHazard
	}
	return score
}

// MinScore is the smallest point total that is default-searchable.
func (s *Scorer) MinScore() int {
	return int(math.Ceil(s.threshold*float64(s.weights.Max()) - 1e-9))
}

func (s *Scorer) Ratio(score int) float64 {
	max := s.weights.Max()
	if max == 0 {
		return 0
	}
	return float64(score) / float64(max)
}

// Apply sets quality_score and the low-quality flag. The returned
// *recall.QualityBelowThreshold is informational; the recall is always kept.
func (s *Scorer) Apply(r *recall.Recall) *recall.QualityBelowThreshold {
	r.QualityScore = s.Score(r)
	r.LowQuality = r.QualityScore < s.MinScore()
	if !r.LowQuality {
		return nil
	}
	return &recall.QualityBelowThreshold{ID: r.ID, Score: r.QualityScore, Threshold: s.MinScore()}
}
