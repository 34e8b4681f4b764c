package recall

import (
	"fmt"
	"strings"
	"time"
)

type Category string

const (
	CategoryFood          Category = "food"
	CategoryPharma        Category = "pharma"
	CategoryVehicle       Category = "vehicle"
	CategoryConsumer      Category = "consumer"
	CategoryInternational Category = "international"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryFood, CategoryPharma, CategoryVehicle, CategoryConsumer, CategoryInternational:
		return true
	}
	return false
}

type HazardCategory string

const (
	HazardChoking       HazardCategory = "choking"
	HazardFire          HazardCategory = "fire"
	HazardElectrical    HazardCategory = "electrical"
	HazardChemical      HazardCategory = "chemical"
	HazardMicrobial     HazardCategory = "microbial"
	HazardAllergen      HazardCategory = "allergen"
	HazardGeneralSafety HazardCategory = "general_safety"
)

var HazardCategories = []HazardCategory{
	HazardChoking, HazardFire, HazardElectrical, HazardChemical,
	HazardMicrobial, HazardAllergen, HazardGeneralSafety,
}

func (h HazardCategory) Valid() bool {
	for _, c := range HazardCategories {
		if c == h {
			return true
		}
	}
	return false
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
	SeverityUnknown  Severity = "unknown"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical, SeverityUnknown:
		return true
	}
	return false
}

type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

// RawRecallRecord is one agency notice as fetched. Payload keeps the exact
// upstream bytes for audit, Fields is the connector's flattened view of it.
type RawRecallRecord struct {
	SourceAgency  string
	AgencyCountry string
	Category      Category
	ExternalID    string
	Payload       []byte
	Fields        map[string]string
	FetchedAt     time.Time
}

// Field returns the first non-empty value among the given raw field names.
func (r RawRecallRecord) Field(names ...string) string {
	for _, name := range names {
		if v := strings.TrimSpace(r.Fields[name]); v != "" {
			return v
		}
	}
	return ""
}

type Recall struct {
	ID                string         `json:"id"`
	SourceAgency      string         `json:"source_agency"`
	ExternalID        string         `json:"external_id"`
	Title             string         `json:"title,omitempty"`
	ProductName       string         `json:"product_name"`
	Brand             string         `json:"brand,omitempty"`
	Manufacturer      string         `json:"manufacturer,omitempty"`
	ModelNumber       string         `json:"model_number,omitempty"`
	Description       string         `json:"description,omitempty"`
	Identifiers       []Identifier   `json:"identifiers"`
	HazardCategory    HazardCategory `json:"hazard_category"`
	HazardText        string         `json:"hazard_text,omitempty"`
	Severity          Severity       `json:"severity"`
	RecallDate        time.Time      `json:"recall_date"`
	AffectedCountries []string       `json:"affected_countries"`
	Status            Status         `json:"status"`
	SearchKeywords    string         `json:"search_keywords"`
	QualityScore      int            `json:"quality_score"`
	LowQuality        bool           `json:"low_quality"`
	DedupGroupID      string         `json:"dedup_group_id,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// RecallID builds the stable catalog id, e.g. "2024-FDA-12345".
func RecallID(recallDate time.Time, agency, externalID string) string {
	return fmt.Sprintf("%d-%s-%s", recallDate.Year(), strings.ToUpper(agency), externalID)
}

// HasIdentifier reports whether any identifier of the given types is present.
func (r *Recall) HasIdentifier(types ...IdentifierType) bool {
	for _, id := range r.Identifiers {
		for _, t := range types {
			if id.Type == t {
				return true
			}
		}
	}
	return false
}

// IdentifierValues returns the values of identifiers with the given type.
func (r *Recall) IdentifierValues(t IdentifierType) []string {
	var values []string
	for _, id := range r.Identifiers {
		if id.Type == t {
			values = append(values, id.Value)
		}
	}
	return values
}

type DedupGroup struct {
	ID        string   `json:"id"`
	PrimaryID string   `json:"primary_id"`
	MemberIDs []string `json:"member_ids"`
}
