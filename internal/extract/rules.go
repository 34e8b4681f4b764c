package extract

import (
	"regexp"

	"github.com/lysyi3m/recall-comb/internal/recall"
)

// Rule maps raw fields to one identifier type. A field matches when its
// normalized name is listed in Fields or matches FieldPattern. When Capture is
// set, identifiers are pulled from the first submatch of every Capture hit in
// the value instead of using the whole value.
type Rule struct {
	Fields       []string
	FieldPattern *regexp.Regexp
	Capture      *regexp.Regexp
	Type         recall.IdentifierType
}

var commonRules = []Rule{
	{Fields: []string{"upc", "upc_code", "upcs", "barcode"}, Type: recall.IdentifierUPC},
	{Fields: []string{"ean", "ean_code", "ean13"}, Type: recall.IdentifierEAN},
	{Fields: []string{"gtin", "gtin_code"}, Type: recall.IdentifierGTIN},
	{Fields: []string{"lot_number", "lot", "lot_code", "lot_numbers", "lots"}, Type: recall.IdentifierLotNumber},
	{Fields: []string{"batch_number", "batch", "batch_code", "batches"}, Type: recall.IdentifierBatchNumber},
	{Fields: []string{"serial_number", "serial", "serial_numbers"}, Type: recall.IdentifierSerialNumber},
	{Fields: []string{"model_number", "model_no", "model_numbers"}, Type: recall.IdentifierModelNumber},
}

var categoryRules = map[recall.Category][]Rule{
	recall.CategoryFood: {
		{Fields: []string{"best_before_date", "bbd", "best_by"}, Type: recall.IdentifierBestBeforeDate},
		{Fields: []string{"expiry", "expiry_date", "expiration_date", "use_by"}, Type: recall.IdentifierExpiryDate},
		{Fields: []string{"production_date", "packed_on", "pack_date"}, Type: recall.IdentifierProductionDate},
		{Fields: []string{"code_info", "product_codes"}, Capture: regexp.MustCompile(`(?i)\bupc[\s:#]*(\d{12})\b`), Type: recall.IdentifierUPC},
		{Fields: []string{"code_info", "product_codes"}, Capture: regexp.MustCompile(`(?i)\blot[\s:#]*([A-Z0-9-]{2,})`), Type: recall.IdentifierLotNumber},
	},
	recall.CategoryPharma: {
		{Fields: []string{"ndc", "ndc_number", "product_ndc", "package_ndc"}, Type: recall.IdentifierNDCNumber},
		{Fields: []string{"din", "din_number"}, Type: recall.IdentifierDINNumber},
		{Fields: []string{"expiry", "expiry_date", "expiration_date"}, Type: recall.IdentifierExpiryDate},
		{Fields: []string{"code_info"}, Capture: regexp.MustCompile(`(?i)\bndc[\s:#]*([0-9]{4,5}-[0-9]{3,4}-[0-9]{1,2})`), Type: recall.IdentifierNDCNumber},
	},
	recall.CategoryVehicle: {
		{Fields: []string{"make", "vehicle_make", "maketxt"}, Type: recall.IdentifierVehicleMake},
		{Fields: []string{"vehicle_model", "model", "modeltxt"}, Type: recall.IdentifierVehicleModel},
		{Fields: []string{"model_year", "year", "yeartxt"}, Type: recall.IdentifierModelYear},
		{Fields: []string{"vin", "vin_range", "vins"}, Type: recall.IdentifierVINRange},
		{Fields: []string{"campaign_number", "nhtsa_campaign_number", "registry_code"}, Type: recall.IdentifierRegistryCode},
	},
	recall.CategoryConsumer: {
		{Fields: []string{"model", "models"}, Type: recall.IdentifierModelNumber},
		{FieldPattern: regexp.MustCompile(`^product_upcs?_\d+$`), Type: recall.IdentifierUPC},
	},
	recall.CategoryInternational: {
		{Fields: []string{"article_number", "article", "sku", "item_number"}, Type: recall.IdentifierArticleNumber},
		{Fields: []string{"registry_code", "notification_number", "reference"}, Type: recall.IdentifierRegistryCode},
		{Fields: []string{"model", "type_number"}, Type: recall.IdentifierModelNumber},
	},
}

// RulesFor returns the common rules followed by the category's own rules.
func RulesFor(category recall.Category) []Rule {
	rules := make([]Rule, 0, len(commonRules)+len(categoryRules[category]))
	rules = append(rules, commonRules...)
	return append(rules, categoryRules[category]...)
}

// FieldRules turns a field-name to identifier-type mapping into rules, in the
// order of names given.
func FieldRules(names []string, mapping map[string]recall.IdentifierType) []Rule {
	rules := make([]Rule, 0, len(names))
	for _, name := range names {
		if t, ok := mapping[name]; ok {
			rules = append(rules, Rule{Fields: []string{NormalizeFieldName(name)}, Type: t})
		}
	}
	return rules
}
