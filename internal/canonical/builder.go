package canonical

import (
	"strings"
	"time"

	"github.com/lysyi3m/recall-comb/internal/extract"
	"github.com/lysyi3m/recall-comb/internal/recall"
	"github.com/lysyi3m/recall-comb/internal/textnorm"
)

// Raw field names read by the builder, in order of preference.
var (
	ProductNameFields  = []string{"product_name", "product", "product_description", "productdescription", "name"}
	TitleFields        = []string{"title", "headline", "subject"}
	BrandFields        = []string{"brand", "brand_name", "brands"}
	ManufacturerFields = []string{"manufacturer", "recalling_firm", "firm", "company", "mfr_name"}
	ModelNumberFields  = []string{"model_number", "model_no"}
	DescriptionFields  = []string{"description", "summary", "details", "consequence"}
	RecallDateFields   = []string{"recall_date", "date", "recall_initiation_date", "report_date", "published", "published_at", "report_received_date"}
	CountryFields      = []string{"affected_countries", "countries", "country", "distribution_pattern"}
	StatusFields       = []string{"status", "recall_status"}
)

var closedStatuses = []string{"closed", "terminated", "completed", "archived"}

type Builder struct {
	now func() time.Time
}

func NewBuilder() *Builder {
	return &Builder{now: func() time.Time { return time.Now().UTC() }}
}

// Run assembles exactly one Recall from raw and its extraction result, or
// returns a *recall.ValidationRejection naming the first missing required
// field. Quality and dedup fields are left zero.
func (b *Builder) Run(raw recall.RawRecallRecord, extracted extract.Result) (*recall.Recall, error) {
	fields := normalizedView(raw)

	productName := textnorm.Compact(fields.Field(ProductNameFields...))
	title := textnorm.Compact(fields.Field(TitleFields...))
	if productName == "" {
		productName = title
	}

	agency := strings.ToUpper(strings.TrimSpace(raw.SourceAgency))

	reject := func(field string) error {
		return &recall.ValidationRejection{Agency: agency, ExternalID: raw.ExternalID, Field: field}
	}

	if productName == "" {
		return nil, reject("product_name")
	}
	if agency == "" {
		return nil, reject("source_agency")
	}
	if strings.TrimSpace(raw.ExternalID) == "" {
		return nil, reject("external_id")
	}
	recallDate, err := extract.ParseDate(fields.Field(RecallDateFields...))
	if err != nil {
		return nil, reject("recall_date")
	}

	brand := textnorm.Compact(fields.Field(BrandFields...))
	modelNumber := textnorm.Compact(fields.Field(ModelNumberFields...))
	if modelNumber == "" {
		for _, id := range extracted.Identifiers {
			if id.Type == recall.IdentifierModelNumber {
				modelNumber = id.Value
				break
			}
		}
	}

	identifiers := extracted.Identifiers
	if identifiers == nil {
		identifiers = []recall.Identifier{}
	}

	keywordParts := []string{productName, brand}
	for _, id := range identifiers {
		keywordParts = append(keywordParts, id.Value)
	}

	severity := extracted.Severity
	if severity == "" {
		severity = recall.SeverityUnknown
	}
	hazard := extracted.Hazard
	if hazard == "" {
		hazard = recall.HazardGeneralSafety
	}

	now := b.now()
	return &recall.Recall{
		ID:                recall.RecallID(recallDate, agency, raw.ExternalID),
		SourceAgency:      agency,
		ExternalID:        raw.ExternalID,
		Title:             title,
		ProductName:       productName,
		Brand:             brand,
		Manufacturer:      textnorm.Compact(fields.Field(ManufacturerFields...)),
		ModelNumber:       modelNumber,
		Description:       textnorm.Compact(fields.Field(DescriptionFields...)),
		Identifiers:       identifiers,
		HazardCategory:    hazard,
		HazardText:        extracted.HazardText,
		Severity:          severity,
		RecallDate:        recallDate,
		AffectedCountries: countries(fields.Field(CountryFields...), raw.AgencyCountry),
		Status:            status(fields.Field(StatusFields...)),
		SearchKeywords:    textnorm.Keywords(keywordParts...),
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

func normalizedView(raw recall.RawRecallRecord) recall.RawRecallRecord {
	view := raw
	view.Fields = make(map[string]string, len(raw.Fields))
	for k, v := range raw.Fields {
		name := extract.NormalizeFieldName(k)
		if _, ok := view.Fields[name]; !ok || strings.TrimSpace(view.Fields[name]) == "" {
			view.Fields[name] = v
		}
	}
	return view
}

// countries keeps short comma separated country lists and otherwise falls
// back to the agency's own country.
func countries(value, agencyCountry string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(value, func(r rune) bool { return r == ',' || r == ';' }) {
		part = strings.ToUpper(strings.TrimSpace(part))
		if len(part) >= 2 && len(part) <= 3 {
			out = append(out, part)
		}
	}
	if len(out) == 0 && agencyCountry != "" {
		out = []string{strings.ToUpper(agencyCountry)}
	}
	if out == nil {
		out = []string{}
	}
	return out
}

func status(value string) recall.Status {
	lowered := strings.ToLower(value)
	for _, s := range closedStatuses {
		if strings.Contains(lowered, s) {
			return recall.StatusClosed
		}
	}
	return recall.StatusOpen
}
