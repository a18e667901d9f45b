// Package nlp wraps the medical entity extraction service.
package nlp

import (
	"context"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/comprehendmedical"

	"github.com/JeevaByte/MedExtract-Pipeline/internal/pipeline"
)

// Client runs entity detection and the three coded-candidate inferences.
// The four calls are independent of each other.
type Client interface {
	DetectEntities(ctx context.Context, text string) ([]pipeline.Entity, error)
	InferICD10CM(ctx context.Context, text string) ([]pipeline.CodedCandidate, error)
	InferSNOMEDCT(ctx context.Context, text string) ([]pipeline.CodedCandidate, error)
	InferRxNorm(ctx context.Context, text string) ([]pipeline.CodedCandidate, error)
}

// ComprehendMedicalAPI is the subset of the Comprehend Medical client in use.
type ComprehendMedicalAPI interface {
	DetectEntitiesV2(ctx context.Context, params *comprehendmedical.DetectEntitiesV2Input, optFns ...func(*comprehendmedical.Options)) (*comprehendmedical.DetectEntitiesV2Output, error)
	InferICD10CM(ctx context.Context, params *comprehendmedical.InferICD10CMInput, optFns ...func(*comprehendmedical.Options)) (*comprehendmedical.InferICD10CMOutput, error)
	InferSNOMEDCT(ctx context.Context, params *comprehendmedical.InferSNOMEDCTInput, optFns ...func(*comprehendmedical.Options)) (*comprehendmedical.InferSNOMEDCTOutput, error)
	InferRxNorm(ctx context.Context, params *comprehendmedical.InferRxNormInput, optFns ...func(*comprehendmedical.Options)) (*comprehendmedical.InferRxNormOutput, error)
}

// ComprehendMedical implements Client on Amazon Comprehend Medical.
type ComprehendMedical struct {
	api ComprehendMedicalAPI
}

func NewComprehendMedical(api ComprehendMedicalAPI) *ComprehendMedical {
	return &ComprehendMedical{api: api}
}

func (c *ComprehendMedical) DetectEntities(ctx context.Context, text string) ([]pipeline.Entity, error) {
	out, err := c.api.DetectEntitiesV2(ctx, &comprehendmedical.DetectEntitiesV2Input{Text: aws.String(text)})
	if err != nil {
		return nil, fmt.Errorf("detect entities: %w", err)
	}

	entities := make([]pipeline.Entity, 0, len(out.Entities))
	for _, e := range out.Entities {
		ent := pipeline.Entity{
			Text:        aws.ToString(e.Text),
			Category:    string(e.Category),
			Type:        string(e.Type),
			Score:       score(e.Score),
			BeginOffset: int(aws.ToInt32(e.BeginOffset)),
			EndOffset:   int(aws.ToInt32(e.EndOffset)),
			Attributes:  make([]pipeline.Attribute, 0, len(e.Attributes)),
		}
		for _, a := range e.Attributes {
			ent.Attributes = append(ent.Attributes, pipeline.Attribute{
				Type:              string(a.Type),
				Score:             score(a.Score),
				RelationshipScore: score(a.RelationshipScore),
				Text:              aws.ToString(a.Text),
			})
		}
		entities = append(entities, ent)
	}
	return entities, nil
}

// Candidates are flattened to one row per concept, each carrying the text of
// the entity it was inferred for.

func (c *ComprehendMedical) InferICD10CM(ctx context.Context, text string) ([]pipeline.CodedCandidate, error) {
	out, err := c.api.InferICD10CM(ctx, &comprehendmedical.InferICD10CMInput{Text: aws.String(text)})
	if err != nil {
		return nil, fmt.Errorf("infer icd10cm: %w", err)
	}
	var cands []pipeline.CodedCandidate
	for _, e := range out.Entities {
		for _, cn := range e.ICD10CMConcepts {
			cands = append(cands, candidate(e.Text, cn.Code, cn.Description, cn.Score))
		}
	}
	return cands, nil
}

func (c *ComprehendMedical) InferSNOMEDCT(ctx context.Context, text string) ([]pipeline.CodedCandidate, error) {
	out, err := c.api.InferSNOMEDCT(ctx, &comprehendmedical.InferSNOMEDCTInput{Text: aws.String(text)})
	if err != nil {
		return nil, fmt.Errorf("infer snomedct: %w", err)
	}
	var cands []pipeline.CodedCandidate
	for _, e := range out.Entities {
		for _, cn := range e.SNOMEDCTConcepts {
			cands = append(cands, candidate(e.Text, cn.Code, cn.Description, cn.Score))
		}
	}
	return cands, nil
}

func (c *ComprehendMedical) InferRxNorm(ctx context.Context, text string) ([]pipeline.CodedCandidate, error) {
	out, err := c.api.InferRxNorm(ctx, &comprehendmedical.InferRxNormInput{Text: aws.String(text)})
	if err != nil {
		return nil, fmt.Errorf("infer rxnorm: %w", err)
	}
	var cands []pipeline.CodedCandidate
	for _, e := range out.Entities {
		for _, cn := range e.RxNormConcepts {
			cands = append(cands, candidate(e.Text, cn.Code, cn.Description, cn.Score))
		}
	}
	return cands, nil
}

func candidate(text, code, description *string, s *float32) pipeline.CodedCandidate {
	return pipeline.CodedCandidate{
		Text:        aws.ToString(text),
		Code:        aws.ToString(code),
		Description: aws.ToString(description),
		Score:       score(s),
	}
}

// score widens a wire score without introducing float32 rounding noise, so
// 0.95 stays 0.95 rather than 0.949999988.
func score(p *float32) float64 {
	if p == nil {
		return 0
	}
	v, err := strconv.ParseFloat(strconv.FormatFloat(float64(*p), 'g', -1, 32), 64)
	if err != nil {
		return float64(*p)
	}
	return v
}

var _ Client = (*ComprehendMedical)(nil)
