// Package ingest records the delivery metadata of an inbound message and
// starts its pipeline run.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/JeevaByte/MedExtract-Pipeline/internal/pipeline"
	"github.com/JeevaByte/MedExtract-Pipeline/internal/platform/artifact"
)

type Service struct {
	store  artifact.Store
	next   pipeline.Dispatcher
	logger zerolog.Logger
}

func NewService(store artifact.Store, next pipeline.Dispatcher, logger zerolog.Logger) *Service {
	return &Service{store: store, next: next, logger: logger.With().Str("stage", string(pipeline.StageIngest)).Logger()}
}

// Handle persists the metadata artifact and dispatches Parse. Nothing is
// dispatched when the metadata write fails.
func (s *Service) Handle(ctx context.Context, payload json.RawMessage) (*pipeline.Status, error) {
	ev, err := DecodeEvent(payload)
	if err != nil {
		return nil, err
	}
	log := s.logger.With().Str("message_id", ev.MessageID).Logger()

	meta := pipeline.MessageMetadata{
		MessageID:          ev.MessageID,
		RawContentLocation: ev.RawContentLocation,
		Timestamp:          ev.Timestamp,
		Source:             ev.Source,
		Destination:        ev.Destination,
		Subject:            ev.Subject,
		Recipients:         ev.Recipients,
		Verdicts:           ev.Verdicts,
	}
	body, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	if err := s.store.Put(ctx, pipeline.MetadataKey(ev.MessageID), body, artifact.ContentTypeJSON); err != nil {
		return nil, fmt.Errorf("store metadata: %w", err)
	}
	log.Debug().Str("key", pipeline.MetadataKey(ev.MessageID)).Msg("stored metadata")

	next := pipeline.ParsePayload{MessageID: ev.MessageID, RawContentLocation: ev.RawContentLocation}
	if err := s.next.Dispatch(ctx, pipeline.StageParse, next); err != nil {
		return nil, fmt.Errorf("dispatch parse: %w", err)
	}
	log.Info().Str("source", ev.Source).Msg("message ingested")

	return pipeline.NewStatus("Email processed successfully", ev.MessageID).
		Set("recipient_count", int64(len(ev.Recipients))), nil
}
