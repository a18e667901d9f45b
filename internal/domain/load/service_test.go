package load

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/JeevaByte/MedExtract-Pipeline/internal/pipeline"
	"github.com/JeevaByte/MedExtract-Pipeline/internal/platform/artifact"
)

type txKey struct{}

// mockRepo keeps committed rows and stages writes made inside a
// transaction until mockTx commits them.
type mockRepo struct {
	patients    map[string]*PatientRow
	ids         map[string]int64
	diagnoses   []pipeline.Diagnosis
	medications []pipeline.Medication
	procedures  []pipeline.Procedure
	failOn      string

	staged []func()
}

func newMockRepo() *mockRepo {
	return &mockRepo{patients: map[string]*PatientRow{}, ids: map[string]int64{}}
}

func (m *mockRepo) write(ctx context.Context, fn func()) {
	if ctx.Value(txKey{}) != nil {
		m.staged = append(m.staged, fn)
		return
	}
	fn()
}

func (m *mockRepo) UpsertPatient(ctx context.Context, p PatientRow) (int64, error) {
	if m.failOn == "patient" {
		return 0, errors.New("connection reset")
	}
	id, ok := m.ids[p.MRN]
	if !ok {
		id = int64(len(m.ids) + 1)
	}
	m.write(ctx, func() {
		m.ids[p.MRN] = id
		existing := m.patients[p.MRN]
		if existing != nil && p.DOB == nil {
			p.DOB = existing.DOB
		}
		cp := p
		m.patients[p.MRN] = &cp
	})
	return id, nil
}

func (m *mockRepo) InsertDiagnosis(ctx context.Context, _ int64, d pipeline.Diagnosis) error {
	m.write(ctx, func() { m.diagnoses = append(m.diagnoses, d) })
	return nil
}

func (m *mockRepo) InsertMedication(ctx context.Context, _ int64, med pipeline.Medication) error {
	if m.failOn == "medication" {
		return errors.New("value too long for type character varying(32)")
	}
	m.write(ctx, func() { m.medications = append(m.medications, med) })
	return nil
}

func (m *mockRepo) InsertProcedure(ctx context.Context, _ int64, p pipeline.Procedure) error {
	m.write(ctx, func() { m.procedures = append(m.procedures, p) })
	return nil
}

type mockTx struct {
	repo      *mockRepo
	commits   int
	rollbacks int
}

func (t *mockTx) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	t.repo.staged = nil
	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		t.repo.staged = nil
		t.rollbacks++
		return err
	}
	for _, w := range t.repo.staged {
		w()
	}
	t.repo.staged = nil
	t.commits++
	return nil
}

func fixedNow() time.Time { return time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC) }

func newService(repo *mockRepo, store artifact.Store) (*Service, *mockTx) {
	tx := &mockTx{repo: repo}
	svc := NewService(repo, tx, store, zerolog.Nop())
	svc.now = fixedNow
	return svc, tx
}

func record() *pipeline.StructuredRecord {
	return &pipeline.StructuredRecord{
		MessageID: "m-1",
		Patient:   pipeline.Patient{Name: "John Doe", Age: "54 years"},
		Diagnoses: []pipeline.Diagnosis{
			{Text: "type 2 diabetes", ICD10Code: "E11.9", Confidence: 0.87, SNOMEDCode: "44054006"},
		},
		Medications: []pipeline.Medication{
			{Name: "metformin", RxNormCode: "6809", Confidence: 0.93},
		},
		Procedures: []pipeline.Procedure{
			{Name: "chest x-ray", Type: "TEST_NAME", Confidence: 0.88},
		},
	}
}

func payload(rec *pipeline.StructuredRecord) json.RawMessage {
	b, _ := json.Marshal(pipeline.LoadPayload{MessageID: "m-1", StructuredRecord: rec})
	return b
}

func TestHandle_LoadsRecord(t *testing.T) {
	repo := newMockRepo()
	svc, tx := newService(repo, artifact.NewMemoryStore())

	status, err := svc.Handle(context.Background(), payload(record()))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if tx.commits != 1 || tx.rollbacks != 0 {
		t.Errorf("expected one commit, got commits=%d rollbacks=%d", tx.commits, tx.rollbacks)
	}

	p, ok := repo.patients["m-1"]
	if !ok {
		t.Fatalf("expected patient keyed by message id, got %v", repo.patients)
	}
	if p.Name != "John Doe" || p.DOB == nil || !p.DOB.Equal(time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected patient %+v", p)
	}
	if len(repo.diagnoses) != 1 || len(repo.medications) != 1 || len(repo.procedures) != 1 {
		t.Errorf("unexpected rows %d/%d/%d", len(repo.diagnoses), len(repo.medications), len(repo.procedures))
	}

	want := map[string]int64{"patient_id": 1, "diagnosis_count": 1, "medication_count": 1, "procedure_count": 1}
	if diff := cmp.Diff(want, status.Counters); diff != "" {
		t.Errorf("counters (-want +got):\n%s", diff)
	}
}

func TestHandle_RollsBackOnInsertFailure(t *testing.T) {
	repo := newMockRepo()
	repo.failOn = "medication"
	svc, tx := newService(repo, artifact.NewMemoryStore())

	if _, err := svc.Handle(context.Background(), payload(record())); err == nil {
		t.Fatal("expected failure")
	}
	if tx.rollbacks != 1 || tx.commits != 0 {
		t.Errorf("expected rollback, got commits=%d rollbacks=%d", tx.commits, tx.rollbacks)
	}
	if len(repo.patients) != 0 || len(repo.diagnoses) != 0 {
		t.Error("no rows may survive a failed load")
	}
}

func TestHandle_PatientDefaults(t *testing.T) {
	repo := newMockRepo()
	svc, _ := newService(repo, artifact.NewMemoryStore())

	rec := &pipeline.StructuredRecord{MessageID: "m-1", Patient: pipeline.Patient{MRN: "MRN-778", Age: "unknown"}}
	if _, err := svc.Handle(context.Background(), payload(rec)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	p := repo.patients["MRN-778"]
	if p == nil || p.Name != UnknownName || p.DOB != nil {
		t.Errorf("unexpected patient %+v", p)
	}
}

func TestHandle_RedeliveryKeepsPatientAndDuplicatesFacts(t *testing.T) {
	repo := newMockRepo()
	svc, _ := newService(repo, artifact.NewMemoryStore())

	if _, err := svc.Handle(context.Background(), payload(record())); err != nil {
		t.Fatalf("first run: %v", err)
	}
	second := record()
	second.Patient.Age = ""
	status, err := svc.Handle(context.Background(), payload(second))
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if status.Counters["patient_id"] != 1 || len(repo.patients) != 1 {
		t.Errorf("expected the same patient row, got %v", repo.patients)
	}
	if repo.patients["m-1"].DOB == nil {
		t.Error("a missing age must not clear the stored date of birth")
	}
	if len(repo.diagnoses) != 2 {
		t.Errorf("clinical rows are plain inserts, expected 2 diagnoses, got %d", len(repo.diagnoses))
	}
}

func TestHandle_FetchesRecordByKey(t *testing.T) {
	store := artifact.NewMemoryStore()
	body, _ := json.Marshal(record())
	_ = store.Put(context.Background(), "structured/m-1.json", body, artifact.ContentTypeJSON)
	repo := newMockRepo()
	svc, _ := newService(repo, store)

	if _, err := svc.Handle(context.Background(), json.RawMessage(`{"message_id":"m-1","structured_artifact_key":"structured/m-1.json"}`)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(repo.medications) != 1 || repo.medications[0].RxNormCode != "6809" {
		t.Errorf("unexpected medications %+v", repo.medications)
	}
}

func TestHandle_InvalidPayload(t *testing.T) {
	svc, _ := newService(newMockRepo(), artifact.NewMemoryStore())
	if _, err := svc.Handle(context.Background(), json.RawMessage(`{"message_id":"m-1"}`)); !errors.Is(err, pipeline.ErrInvalidPayload) {
		t.Errorf("expected ErrInvalidPayload, got %v", err)
	}
}

func TestDOBFromAge(t *testing.T) {
	now := fixedNow()
	tests := []struct {
		age  string
		want string
	}{
		{"54", "1970-01-01"},
		{" 3 months", "2024-01-01"},
		{"6 months", "2024-01-01"},
		{"18 months", "2023-01-01"},
		{"54-year-old", "1970-01-01"},
		{"10 weeks", "2024-01-01"},
		{"400 days", "2023-01-01"},
		{"150", "1874-01-01"},
		{"151", ""},
		{"9000", ""},
		{"0", "2024-01-01"},
		{"", ""},
		{"fifty", ""},
		{"-4", ""},
	}
	for _, tt := range tests {
		got := dobFromAge(tt.age, now)
		switch {
		case tt.want == "" && got != nil:
			t.Errorf("dobFromAge(%q) = %v, want nil", tt.age, got)
		case tt.want != "" && (got == nil || got.Format("2006-01-02") != tt.want):
			t.Errorf("dobFromAge(%q) = %v, want %s", tt.age, got, tt.want)
		}
	}
}
