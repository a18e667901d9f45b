// Package parse turns a raw inbound email into one combined text document:
// the plain-text body followed by the OCR text of each supported attachment.
package parse

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/JeevaByte/MedExtract-Pipeline/internal/pipeline"
	"github.com/JeevaByte/MedExtract-Pipeline/internal/platform/artifact"
	"github.com/JeevaByte/MedExtract-Pipeline/internal/platform/ocr"
)

// DefaultSampleChars is the length of the text sample handed to Extract.
const DefaultSampleChars = 10000

// OCRContentTypes are the attachment types sent to document text extraction.
var OCRContentTypes = []string{"application/pdf", "image/png", "image/jpeg"}

type Service struct {
	store       artifact.Store
	ocr         ocr.Extractor
	next        pipeline.Dispatcher
	sampleChars int
	logger      zerolog.Logger
}

func NewService(store artifact.Store, extractor ocr.Extractor, next pipeline.Dispatcher, logger zerolog.Logger) *Service {
	return &Service{
		store:       store,
		ocr:         extractor,
		next:        next,
		sampleChars: DefaultSampleChars,
		logger:      logger.With().Str("stage", string(pipeline.StageParse)).Logger(),
	}
}

// WithSampleChars overrides the sample length. Non-positive values are
// ignored.
func (s *Service) WithSampleChars(n int) *Service {
	if n > 0 {
		s.sampleChars = n
	}
	return s
}

type extractedText struct {
	filename string
	text     string
}

func (s *Service) Handle(ctx context.Context, payload json.RawMessage) (*pipeline.Status, error) {
	in, err := pipeline.Decode[pipeline.ParsePayload](payload)
	if err != nil {
		return nil, err
	}
	log := s.logger.With().Str("message_id", in.MessageID).Logger()

	raw, err := s.store.Get(ctx, in.RawContentLocation)
	if err != nil {
		return nil, fmt.Errorf("fetch raw message %s: %w", in.RawContentLocation, err)
	}
	msg, err := ParseMessage(raw)
	if err != nil {
		return nil, fmt.Errorf("parse message %s: %w", in.MessageID, err)
	}

	var texts []extractedText
	for _, att := range msg.Attachments {
		key := pipeline.AttachmentKey(in.MessageID, att.Filename)
		if err := s.store.Put(ctx, key, att.Content, att.ContentType); err != nil {
			return nil, fmt.Errorf("store attachment %s: %w", att.Filename, err)
		}
		if !lo.Contains(OCRContentTypes, att.ContentType) {
			log.Debug().Str("filename", att.Filename).Str("content_type", att.ContentType).Msg("skipping unsupported attachment")
			continue
		}

		lines, err := s.ocr.DetectLines(ctx, s.document(key, att.Content))
		if err != nil {
			log.Warn().Err(err).Str("filename", att.Filename).Msg("text extraction failed, omitting attachment")
			continue
		}
		texts = append(texts, extractedText{filename: att.Filename, text: strings.Join(lines, "\n")})
	}

	combined := combineText(msg.Body, texts)
	textKey := pipeline.ExtractedTextKey(in.MessageID)
	if err := s.store.Put(ctx, textKey, []byte(combined), artifact.ContentTypeText); err != nil {
		return nil, fmt.Errorf("store extracted text: %w", err)
	}

	next := pipeline.ExtractPayload{
		MessageID:       in.MessageID,
		TextArtifactKey: textKey,
		TextSample:      pipeline.Truncate(combined, s.sampleChars),
	}
	if err := s.next.Dispatch(ctx, pipeline.StageExtract, next); err != nil {
		return nil, fmt.Errorf("dispatch extract: %w", err)
	}
	log.Info().Int("attachments", len(msg.Attachments)).Int("ocr", len(texts)).Msg("message parsed")

	return pipeline.NewStatus("Email parsed successfully", in.MessageID).
		Set("attachment_count", int64(len(msg.Attachments))).
		Set("ocr_count", int64(len(texts))).
		Set("text_length", int64(len([]rune(combined)))), nil
}

// document addresses the stored attachment directly when the store exposes
// object locations, and sends the bytes otherwise.
func (s *Service) document(key string, content []byte) ocr.Document {
	if loc, ok := s.store.(artifact.Locator); ok {
		bucket, objectKey := loc.Location(key)
		return ocr.Document{Bucket: bucket, Key: objectKey}
	}
	return ocr.Document{Bytes: content}
}

// combineText lays out the body section followed by one section per
// extracted attachment, in attachment order.
func combineText(body string, attachments []extractedText) string {
	var b strings.Builder
	b.WriteString("Email Body:\n")
	b.WriteString(body)
	b.WriteString("\n")
	for _, a := range attachments {
		fmt.Fprintf(&b, "\nAttachment: %s\n%s\n", a.filename, a.text)
	}
	return b.String()
}
