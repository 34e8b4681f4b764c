package recall

import "fmt"

type IdentifierType string

const (
	IdentifierUPC            IdentifierType = "upc"
	IdentifierEAN            IdentifierType = "ean"
	IdentifierGTIN           IdentifierType = "gtin"
	IdentifierLotNumber      IdentifierType = "lot_number"
	IdentifierBatchNumber    IdentifierType = "batch_number"
	IdentifierExpiryDate     IdentifierType = "expiry_date"
	IdentifierBestBeforeDate IdentifierType = "best_before_date"
	IdentifierProductionDate IdentifierType = "production_date"
	IdentifierNDCNumber      IdentifierType = "ndc_number"
	IdentifierDINNumber      IdentifierType = "din_number"
	IdentifierVehicleMake    IdentifierType = "vehicle_make"
	IdentifierVehicleModel   IdentifierType = "vehicle_model"
	IdentifierModelYear      IdentifierType = "model_year"
	IdentifierVINRange       IdentifierType = "vin_range"
	IdentifierSerialNumber   IdentifierType = "serial_number"
	IdentifierArticleNumber  IdentifierType = "article_number"
	IdentifierRegistryCode   IdentifierType = "registry_code"
	IdentifierModelNumber    IdentifierType = "model_number"
)

var identifierTypes = map[IdentifierType]bool{
	IdentifierUPC: true, IdentifierEAN: true, IdentifierGTIN: true,
	IdentifierLotNumber: true, IdentifierBatchNumber: true,
	IdentifierExpiryDate: true, IdentifierBestBeforeDate: true, IdentifierProductionDate: true,
	IdentifierNDCNumber: true, IdentifierDINNumber: true,
	IdentifierVehicleMake: true, IdentifierVehicleModel: true, IdentifierModelYear: true,
	IdentifierVINRange: true, IdentifierSerialNumber: true, IdentifierArticleNumber: true,
	IdentifierRegistryCode: true, IdentifierModelNumber: true,
}

// StrongIdentifierTypes are codes that identify one product unambiguously
// across agencies.
var StrongIdentifierTypes = []IdentifierType{
	IdentifierUPC, IdentifierEAN, IdentifierGTIN, IdentifierNDCNumber, IdentifierDINNumber,
}

func (t IdentifierType) Valid() bool {
	return identifierTypes[t]
}

func ParseIdentifierType(s string) (IdentifierType, error) {
	t := IdentifierType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown identifier type: %s", s)
	}
	return t, nil
}

type Identifier struct {
	Type  IdentifierType `json:"type"`
	Value string         `json:"value"`
}

func (i Identifier) String() string {
	return string(i.Type) + ":" + i.Value
}
