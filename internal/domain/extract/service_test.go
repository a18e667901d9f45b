package extract

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/JeevaByte/MedExtract-Pipeline/internal/pipeline"
	"github.com/JeevaByte/MedExtract-Pipeline/internal/platform/artifact"
)

type fakeNLP struct {
	mu       sync.Mutex
	texts    []string
	failICD  error
	slowEnts time.Duration
}

func (f *fakeNLP) record(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
}

func (f *fakeNLP) DetectEntities(ctx context.Context, text string) ([]pipeline.Entity, error) {
	f.record(text)
	if f.slowEnts > 0 {
		select {
		case <-time.After(f.slowEnts):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return []pipeline.Entity{
		{Text: "metformin", Category: pipeline.CategoryMedication, Type: "GENERIC_NAME", Score: 0.99,
			Attributes: []pipeline.Attribute{{Type: "DOSAGE", Score: 0.9, RelationshipScore: 0.8, Text: "500 mg"}}},
		{Text: "John Doe", Category: pipeline.CategoryPHI, Type: pipeline.PHITypeName, Score: 0.95},
	}, nil
}

func (f *fakeNLP) InferICD10CM(_ context.Context, text string) ([]pipeline.CodedCandidate, error) {
	f.record(text)
	if f.failICD != nil {
		return nil, f.failICD
	}
	return []pipeline.CodedCandidate{{Text: "type 2 diabetes", Code: "E11.9", Description: "Type 2 diabetes mellitus without complications", Score: 0.87}}, nil
}

func (f *fakeNLP) InferSNOMEDCT(_ context.Context, text string) ([]pipeline.CodedCandidate, error) {
	f.record(text)
	return nil, nil
}

func (f *fakeNLP) InferRxNorm(_ context.Context, text string) ([]pipeline.CodedCandidate, error) {
	f.record(text)
	return []pipeline.CodedCandidate{{Text: "metformin", Code: "6809", Description: "metformin", Score: 0.93}}, nil
}

type captureDispatcher struct {
	payloads []pipeline.MapPayload
}

func (d *captureDispatcher) Dispatch(_ context.Context, _ pipeline.Stage, payload interface{}) error {
	d.payloads = append(d.payloads, payload.(pipeline.MapPayload))
	return nil
}

func seed(t *testing.T, text string) *artifact.MemoryStore {
	t.Helper()
	store := artifact.NewMemoryStore()
	if err := store.Put(context.Background(), "extracted/m-1.txt", []byte(text), artifact.ContentTypeText); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return store
}

func payloadWithSample(sample string) json.RawMessage {
	b, _ := json.Marshal(pipeline.ExtractPayload{MessageID: "m-1", TextArtifactKey: "extracted/m-1.txt", TextSample: sample})
	return b
}

func TestHandle_PersistsAndDispatches(t *testing.T) {
	store := seed(t, "Email Body:\nmetformin 500 mg\n")
	client := &fakeNLP{slowEnts: 20 * time.Millisecond}
	next := &captureDispatcher{}

	status, err := NewService(store, client, next, zerolog.Nop()).Handle(context.Background(), payloadWithSample(""))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	body, err := store.Get(context.Background(), "comprehend/m-1.json")
	if err != nil {
		t.Fatalf("results artifact: %v", err)
	}
	if !strings.HasPrefix(string(body), `{"entities":[`) || !strings.Contains(string(body), `"snomed":[]`) {
		t.Errorf("unexpected artifact layout %s", body)
	}

	var stored pipeline.ExtractionResults
	if err := json.Unmarshal(body, &stored); err != nil {
		t.Fatalf("decode artifact: %v", err)
	}
	if stored.Entities[0].Attributes[0].RelationshipScore != 0.8 || stored.ICD10[0].Score != 0.87 {
		t.Errorf("scores must pass through unchanged: %+v", stored)
	}

	if len(next.payloads) != 1 {
		t.Fatalf("expected one map dispatch, got %d", len(next.payloads))
	}
	p := next.payloads[0]
	if p.EntitiesArtifactKey != "comprehend/m-1.json" || p.Results == nil {
		t.Fatalf("expected inline results with key, got %+v", p)
	}
	if diff := cmp.Diff(stored, *p.Results); diff != "" {
		t.Errorf("inline results differ from artifact (-artifact +inline):\n%s", diff)
	}

	want := map[string]int64{"entity_count": 2, "icd10_count": 1, "snomed_count": 0, "medication_count": 1}
	if diff := cmp.Diff(want, status.Counters); diff != "" {
		t.Errorf("counters (-want +got):\n%s", diff)
	}
}

func TestHandle_Deterministic(t *testing.T) {
	store := seed(t, "metformin")
	svc := NewService(store, &fakeNLP{}, &captureDispatcher{}, zerolog.Nop())

	if _, err := svc.Handle(context.Background(), payloadWithSample("")); err != nil {
		t.Fatalf("first run: %v", err)
	}
	first, _ := store.Stat("comprehend/m-1.json")
	svc.nlp = &fakeNLP{slowEnts: 10 * time.Millisecond}
	if _, err := svc.Handle(context.Background(), payloadWithSample("")); err != nil {
		t.Fatalf("second run: %v", err)
	}
	second, _ := store.Stat("comprehend/m-1.json")
	if first.Hash != second.Hash {
		t.Error("results artifact must not depend on call completion order")
	}
}

func TestHandle_FailureWritesNothing(t *testing.T) {
	store := seed(t, "metformin")
	next := &captureDispatcher{}
	boom := errors.New("ThrottlingException")

	_, err := NewService(store, &fakeNLP{failICD: boom}, next, zerolog.Nop()).Handle(context.Background(), payloadWithSample(""))
	if !errors.Is(err, boom) {
		t.Fatalf("expected the service error, got %v", err)
	}
	if _, err := store.Stat("comprehend/m-1.json"); !errors.Is(err, artifact.ErrNotFound) {
		t.Error("no results artifact may be written on failure")
	}
	if len(next.payloads) != 0 {
		t.Error("map must not be dispatched on failure")
	}
}

func TestText_SampleSelection(t *testing.T) {
	full := strings.Repeat("x", 40)
	tests := []struct {
		name   string
		sample string
		want   string
	}{
		{"no sample fetches artifact", "", full},
		{"short sample is the whole text", "short", "short"},
		{"truncated sample fetches artifact", strings.Repeat("x", 10), full},
		{"sample beyond ceiling is used", strings.Repeat("y", 30), strings.Repeat("y", 30)},
	}
	store := seed(t, full)
	svc := NewService(store, &fakeNLP{}, &captureDispatcher{}, zerolog.Nop()).WithLimits(30, 10, 0)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := svc.text(context.Background(), pipeline.ExtractPayload{MessageID: "m-1", TextArtifactKey: "extracted/m-1.txt", TextSample: tt.sample})
			if err != nil {
				t.Fatalf("text: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHandle_TruncatesInput(t *testing.T) {
	store := seed(t, strings.Repeat("z", 100))
	client := &fakeNLP{}
	svc := NewService(store, client, &captureDispatcher{}, zerolog.Nop()).WithLimits(25, 10, 0)

	if _, err := svc.Handle(context.Background(), payloadWithSample("")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(client.texts) != 4 {
		t.Fatalf("expected four service calls, got %d", len(client.texts))
	}
	for _, txt := range client.texts {
		if len(txt) != 25 {
			t.Errorf("expected 25 characters sent, got %d", len(txt))
		}
	}
}

func TestHandle_LargeResultsDispatchKeyOnly(t *testing.T) {
	store := seed(t, "metformin")
	next := &captureDispatcher{}
	svc := NewService(store, &fakeNLP{}, next, zerolog.Nop()).WithLimits(0, 0, 128)

	if _, err := svc.Handle(context.Background(), payloadWithSample("")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	p := next.payloads[0]
	if p.Results != nil || p.EntitiesArtifactKey != "comprehend/m-1.json" {
		t.Errorf("expected key-only payload, got %+v", p)
	}
}
