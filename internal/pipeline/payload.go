package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidPayload marks a payload that is malformed or misses a required
// field. It is never retried into success, so transports report it as a
// client error.
var ErrInvalidPayload = errors.New("invalid payload")

var validate = validator.New(validator.WithRequiredStructEnabled())

// IngestEvent is the inbound-message event that starts the pipeline.
type IngestEvent struct {
	MessageID          string   `json:"message_id" validate:"required"`
	RawContentLocation string   `json:"raw_content_location" validate:"required"`
	Timestamp          string   `json:"timestamp,omitempty"`
	Source             string   `json:"source"`
	Destination        []string `json:"destination"`
	Subject            string   `json:"subject"`
	Recipients         []string `json:"recipients"`
	Verdicts           Verdicts `json:"verdicts"`
}

type ParsePayload struct {
	MessageID          string `json:"message_id" validate:"required"`
	RawContentLocation string `json:"raw_content_location" validate:"required"`
}

type ExtractPayload struct {
	MessageID       string `json:"message_id" validate:"required"`
	TextArtifactKey string `json:"text_artifact_key" validate:"required"`
	TextSample      string `json:"text_sample,omitempty"`
}

// MapPayload carries the extraction results inline when they fit the
// dispatcher ceiling; otherwise only the artifact key is set.
type MapPayload struct {
	MessageID           string             `json:"message_id" validate:"required"`
	EntitiesArtifactKey string             `json:"entities_artifact_key,omitempty" validate:"required_without=Results"`
	Results             *ExtractionResults `json:"results,omitempty"`
}

// LoadPayload carries the structured record inline when it fits the
// dispatcher ceiling; otherwise only the artifact key is set.
type LoadPayload struct {
	MessageID             string            `json:"message_id" validate:"required"`
	StructuredArtifactKey string            `json:"structured_artifact_key,omitempty" validate:"required_without=StructuredRecord"`
	StructuredRecord      *StructuredRecord `json:"structured_record,omitempty"`
}

// Decode unmarshals a raw stage payload into T and checks its required
// fields. Failures wrap ErrInvalidPayload.
func Decode[T any](payload []byte) (T, error) {
	var v T
	if len(payload) == 0 {
		return v, fmt.Errorf("%w: empty body", ErrInvalidPayload)
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := validate.Struct(v); err != nil {
		return v, fmt.Errorf("%w: %s", ErrInvalidPayload, describeValidation(err))
	}
	return v, nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("field %s failed %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

// Fits reports whether v encodes to at most limit bytes. A limit of zero or
// less means no ceiling.
func Fits(v interface{}, limit int) bool {
	if limit <= 0 {
		return true
	}
	b, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return len(b) <= limit
}

// Truncate returns the first n characters of s, counted in runes.
func Truncate(s string, n int) string {
	if n <= 0 {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

// MergeResults combines the four independent extraction outputs into one
// results object. Nil lists are normalised to empty ones so the encoded
// artifact does not depend on which calls returned nothing.
func MergeResults(entities []Entity, icd10, snomed, medications []CodedCandidate) ExtractionResults {
	return ExtractionResults{
		Entities:    orEmpty(entities),
		ICD10:       orEmpty(icd10),
		SNOMED:      orEmpty(snomed),
		Medications: orEmpty(medications),
	}
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
