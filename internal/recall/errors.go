package recall

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindConnectorFetch  ErrorKind = "connector_fetch"
	KindExtraction      ErrorKind = "identifier_extraction"
	KindValidation      ErrorKind = "validation"
	KindQuality         ErrorKind = "quality_below_threshold"
	KindDedupAmbiguity  ErrorKind = "dedup_ambiguity"
	KindSearchParameter ErrorKind = "search_parameter"
	KindNotFound        ErrorKind = "not_found"
	KindStorage         ErrorKind = "storage"
)

// ConnectorFetchError is an agency-scoped fetch or parse failure. It degrades
// the agency for the current run and is never fatal to the batch.
type ConnectorFetchError struct {
	Agency   string
	Attempts int
	Err      error
}

func (e *ConnectorFetchError) Error() string {
	return fmt.Sprintf("agency %s: fetch failed after %d attempt(s): %v", e.Agency, e.Attempts, e.Err)
}

func (e *ConnectorFetchError) Unwrap() error   { return e.Err }
func (e *ConnectorFetchError) Kind() ErrorKind { return KindConnectorFetch }

type IdentifierExtractionWarning struct {
	Field  string
	Value  string
	Type   IdentifierType
	Reason string
}

func (e *IdentifierExtractionWarning) Error() string {
	return fmt.Sprintf("field %s: dropped %s value %q: %s", e.Field, e.Type, e.Value, e.Reason)
}

func (e *IdentifierExtractionWarning) Kind() ErrorKind { return KindExtraction }

type ValidationRejection struct {
	Agency     string
	ExternalID string
	Field      string
}

func (e *ValidationRejection) Error() string {
	return fmt.Sprintf("record %s/%s rejected: missing %s", e.Agency, e.ExternalID, e.Field)
}

func (e *ValidationRejection) Kind() ErrorKind { return KindValidation }

type QualityBelowThreshold struct {
	ID        string
	Score     int
	Threshold int
}

func (e *QualityBelowThreshold) Error() string {
	return fmt.Sprintf("recall %s scored %d, below threshold %d", e.ID, e.Score, e.Threshold)
}

func (e *QualityBelowThreshold) Kind() ErrorKind { return KindQuality }

type DedupAmbiguity struct {
	A          string
	B          string
	Similarity float64
}

func (e *DedupAmbiguity) Error() string {
	return fmt.Sprintf("recalls %s and %s are near duplicates (similarity %.3f), left unmerged", e.A, e.B, e.Similarity)
}

func (e *DedupAmbiguity) Kind() ErrorKind { return KindDedupAmbiguity }

type SearchParameterError struct {
	Field  string
	Reason string
}

func (e *SearchParameterError) Error() string {
	if e.Field == "" {
		return "invalid search query: " + e.Reason
	}
	return fmt.Sprintf("invalid search parameter %s: %s", e.Field, e.Reason)
}

func (e *SearchParameterError) Kind() ErrorKind { return KindSearchParameter }

type NotFoundError struct {
	Resource string
	Key      string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.Key)
}

func (e *NotFoundError) Kind() ErrorKind { return KindNotFound }

// StorageError is the only error that aborts an ingestion run.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error   { return e.Err }
func (e *StorageError) Kind() ErrorKind { return KindStorage }

type kinded interface {
	Kind() ErrorKind
}

// KindOf returns the kind of the first typed error in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var k kinded
	if errors.As(err, &k) {
		return k.Kind(), true
	}
	return "", false
}

func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

func IsSearchParameter(err error) bool {
	var target *SearchParameterError
	return errors.As(err, &target)
}

func IsStorage(err error) bool {
	var target *StorageError
	return errors.As(err, &target)
}
