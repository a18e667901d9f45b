// Package extract runs medical entity detection and the three coded-concept
// inferences over a message's combined text.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/JeevaByte/MedExtract-Pipeline/internal/pipeline"
	"github.com/JeevaByte/MedExtract-Pipeline/internal/platform/artifact"
	"github.com/JeevaByte/MedExtract-Pipeline/internal/platform/nlp"
)

const (
	// DefaultMaxChars is the input ceiling of the extraction service.
	DefaultMaxChars = 20000
	// DefaultSampleChars must match the sample length Parse produces.
	DefaultSampleChars = 10000
	// DefaultMaxPayloadBytes bounds the Map payload with inline results.
	DefaultMaxPayloadBytes = 256 * 1024
)

type Service struct {
	store  artifact.Store
	nlp    nlp.Client
	next   pipeline.Dispatcher
	logger zerolog.Logger

	maxChars        int
	sampleChars     int
	maxPayloadBytes int
}

func NewService(store artifact.Store, client nlp.Client, next pipeline.Dispatcher, logger zerolog.Logger) *Service {
	return &Service{
		store:           store,
		nlp:             client,
		next:            next,
		logger:          logger.With().Str("stage", string(pipeline.StageExtract)).Logger(),
		maxChars:        DefaultMaxChars,
		sampleChars:     DefaultSampleChars,
		maxPayloadBytes: DefaultMaxPayloadBytes,
	}
}

// WithLimits overrides the text and payload limits. Non-positive values keep
// the current setting.
func (s *Service) WithLimits(maxChars, sampleChars, maxPayloadBytes int) *Service {
	if maxChars > 0 {
		s.maxChars = maxChars
	}
	if sampleChars > 0 {
		s.sampleChars = sampleChars
	}
	if maxPayloadBytes > 0 {
		s.maxPayloadBytes = maxPayloadBytes
	}
	return s
}

func (s *Service) Handle(ctx context.Context, payload json.RawMessage) (*pipeline.Status, error) {
	in, err := pipeline.Decode[pipeline.ExtractPayload](payload)
	if err != nil {
		return nil, err
	}
	log := s.logger.With().Str("message_id", in.MessageID).Logger()

	text, err := s.text(ctx, in)
	if err != nil {
		return nil, err
	}
	text = pipeline.Truncate(text, s.maxChars)

	results, err := s.Analyze(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("analyze %s: %w", in.MessageID, err)
	}

	body, err := json.Marshal(results)
	if err != nil {
		return nil, fmt.Errorf("encode results: %w", err)
	}
	key := pipeline.EntitiesKey(in.MessageID)
	if err := s.store.Put(ctx, key, body, artifact.ContentTypeJSON); err != nil {
		return nil, fmt.Errorf("store results: %w", err)
	}

	next := pipeline.MapPayload{MessageID: in.MessageID, EntitiesArtifactKey: key, Results: &results}
	if !pipeline.Fits(next, s.maxPayloadBytes) {
		log.Info().Int("bytes", len(body)).Msg("results exceed payload ceiling, dispatching key only")
		next.Results = nil
	}
	if err := s.next.Dispatch(ctx, pipeline.StageMap, next); err != nil {
		return nil, fmt.Errorf("dispatch map: %w", err)
	}
	log.Info().Int("entities", len(results.Entities)).Msg("entities extracted")

	return pipeline.NewStatus("Comprehend Medical processing completed", in.MessageID).
		Set("entity_count", int64(len(results.Entities))).
		Set("icd10_count", int64(len(results.ICD10))).
		Set("snomed_count", int64(len(results.SNOMED))).
		Set("medication_count", int64(len(results.Medications))), nil
}

// text prefers the inline sample when it holds the whole document, or at
// least as much as the extraction ceiling admits.
func (s *Service) text(ctx context.Context, in pipeline.ExtractPayload) (string, error) {
	if in.TextSample != "" {
		n := utf8.RuneCountInString(in.TextSample)
		if n < s.sampleChars || n >= s.maxChars {
			return in.TextSample, nil
		}
	}
	b, err := s.store.Get(ctx, in.TextArtifactKey)
	if err != nil {
		return "", fmt.Errorf("fetch text %s: %w", in.TextArtifactKey, err)
	}
	return string(b), nil
}

// Analyze issues the four extraction calls concurrently. The first failure
// cancels the rest and no partial result is returned.
func (s *Service) Analyze(ctx context.Context, text string) (pipeline.ExtractionResults, error) {
	var (
		entities                   []pipeline.Entity
		icd10, snomed, medications []pipeline.CodedCandidate
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		entities, err = s.nlp.DetectEntities(gctx, text)
		return err
	})
	g.Go(func() (err error) {
		icd10, err = s.nlp.InferICD10CM(gctx, text)
		return err
	})
	g.Go(func() (err error) {
		snomed, err = s.nlp.InferSNOMEDCT(gctx, text)
		return err
	})
	g.Go(func() (err error) {
		medications, err = s.nlp.InferRxNorm(gctx, text)
		return err
	})
	if err := g.Wait(); err != nil {
		return pipeline.ExtractionResults{}, err
	}
	return pipeline.MergeResults(entities, icd10, snomed, medications), nil
}
