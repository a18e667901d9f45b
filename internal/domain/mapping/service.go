// Package mapping normalises extraction results against the ontology and
// assembles the structured clinical record.
package mapping

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/JeevaByte/MedExtract-Pipeline/internal/domain/ontology"
	"github.com/JeevaByte/MedExtract-Pipeline/internal/pipeline"
	"github.com/JeevaByte/MedExtract-Pipeline/internal/platform/artifact"
)

// DefaultMaxPayloadBytes bounds the Load payload with an inline record.
const DefaultMaxPayloadBytes = 256 * 1024

type Service struct {
	store           artifact.Store
	lookup          ontology.Lookup
	next            pipeline.Dispatcher
	maxPayloadBytes int
	logger          zerolog.Logger
}

func NewService(store artifact.Store, lookup ontology.Lookup, next pipeline.Dispatcher, logger zerolog.Logger) *Service {
	return &Service{
		store:           store,
		lookup:          lookup,
		next:            next,
		maxPayloadBytes: DefaultMaxPayloadBytes,
		logger:          logger.With().Str("stage", string(pipeline.StageMap)).Logger(),
	}
}

func (s *Service) WithMaxPayloadBytes(n int) *Service {
	if n > 0 {
		s.maxPayloadBytes = n
	}
	return s
}

func (s *Service) Handle(ctx context.Context, payload json.RawMessage) (*pipeline.Status, error) {
	in, err := pipeline.Decode[pipeline.MapPayload](payload)
	if err != nil {
		return nil, err
	}
	log := s.logger.With().Str("message_id", in.MessageID).Logger()

	results := in.Results
	if results == nil {
		if results, err = s.fetchResults(ctx, in.EntitiesArtifactKey); err != nil {
			return nil, err
		}
	}

	entities, err := s.MapEntities(ctx, results.Entities, log)
	if err != nil {
		return nil, err
	}
	record := BuildRecord(in.MessageID, entities, *results)

	body, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	key := pipeline.StructuredKey(in.MessageID)
	if err := s.store.Put(ctx, key, body, artifact.ContentTypeJSON); err != nil {
		return nil, fmt.Errorf("store record: %w", err)
	}

	next := pipeline.LoadPayload{MessageID: in.MessageID, StructuredArtifactKey: key, StructuredRecord: &record}
	if !pipeline.Fits(next, s.maxPayloadBytes) {
		log.Info().Int("bytes", len(body)).Msg("record exceeds payload ceiling, dispatching key only")
		next.StructuredRecord = nil
	}
	if err := s.next.Dispatch(ctx, pipeline.StageLoad, next); err != nil {
		return nil, fmt.Errorf("dispatch load: %w", err)
	}

	mapped := lo.CountBy(entities, func(e pipeline.Entity) bool { return e.Mapped })
	log.Info().Int("mapped", mapped).Int("entities", len(entities)).Msg("entities mapped")

	return pipeline.NewStatus("Ontology mapping completed", in.MessageID).
		Set("mapped_count", int64(mapped)).
		Set("diagnosis_count", int64(len(record.Diagnoses))).
		Set("medication_count", int64(len(record.Medications))).
		Set("procedure_count", int64(len(record.Procedures))), nil
}

func (s *Service) fetchResults(ctx context.Context, key string) (*pipeline.ExtractionResults, error) {
	b, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("fetch results %s: %w", key, err)
	}
	var r pipeline.ExtractionResults
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("decode results %s: %w", key, err)
	}
	return &r, nil
}

// MapEntities returns a copy of entities with ontology codes attached. A
// failed lookup leaves the entity unmapped; only cancellation aborts.
func (s *Service) MapEntities(ctx context.Context, entities []pipeline.Entity, log zerolog.Logger) ([]pipeline.Entity, error) {
	out := make([]pipeline.Entity, len(entities))
	for i, e := range entities {
		m, err := s.lookup.Lookup(ctx, strings.ToLower(e.Text), e.Category)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if !errors.Is(err, ontology.ErrNotFound) {
				log.Warn().Err(err).Str("category", e.Category).Msg("ontology lookup failed")
			}
			out[i] = e
			continue
		}
		e.Mapped = true
		e.ICD10Code = m.ICD10Code
		e.SNOMEDCode = m.SNOMEDCode
		e.PreferredTerm = m.PreferredTerm
		out[i] = e
	}
	return out, nil
}

// BuildRecord assembles the structured record from mapped entities and the
// coded candidates. Candidate texts are reconciled by exact, case-sensitive
// string equality regardless of offsets.
func BuildRecord(messageID string, entities []pipeline.Entity, results pipeline.ExtractionResults) pipeline.StructuredRecord {
	var patient pipeline.Patient
	for _, e := range entities {
		if e.Category != pipeline.CategoryPHI {
			continue
		}
		switch e.Type {
		case pipeline.PHITypeName:
			patient.Name = e.Text
		case pipeline.PHITypeAge:
			patient.Age = e.Text
		case pipeline.PHITypeID:
			patient.MRN = e.Text
		}
	}

	snomedByText := make(map[string]string, len(results.SNOMED))
	for _, c := range results.SNOMED {
		if _, seen := snomedByText[c.Text]; !seen {
			snomedByText[c.Text] = c.Code
		}
	}

	diagnoses := lo.Map(results.ICD10, func(c pipeline.CodedCandidate, _ int) pipeline.Diagnosis {
		return pipeline.Diagnosis{
			Text:        c.Text,
			ICD10Code:   c.Code,
			Description: c.Description,
			Confidence:  c.Score,
			SNOMEDCode:  snomedByText[c.Text],
		}
	})

	medications := lo.Map(results.Medications, func(c pipeline.CodedCandidate, _ int) pipeline.Medication {
		return pipeline.Medication{
			Name:        c.Text,
			RxNormCode:  c.Code,
			Description: c.Description,
			Confidence:  c.Score,
		}
	})

	procedures := lo.FilterMap(entities, func(e pipeline.Entity, _ int) (pipeline.Procedure, bool) {
		if e.Category != pipeline.CategoryTestTreatmentProcedure {
			return pipeline.Procedure{}, false
		}
		return pipeline.Procedure{Name: e.Text, Type: e.Type, Confidence: e.Score, SNOMEDCode: e.SNOMEDCode}, true
	})

	return pipeline.StructuredRecord{
		MessageID:   messageID,
		Patient:     patient,
		Diagnoses:   diagnoses,
		Medications: medications,
		Procedures:  procedures,
	}
}
