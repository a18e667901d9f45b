package load

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/JeevaByte/MedExtract-Pipeline/internal/pipeline"
	"github.com/JeevaByte/MedExtract-Pipeline/internal/platform/artifact"
)

// UnknownName is stored for patients whose name was not extracted.
const UnknownName = "Unknown"

type Service struct {
	repo   Repository
	tx     Transactor
	store  artifact.Store
	now    func() time.Time
	logger zerolog.Logger
}

func NewService(repo Repository, tx Transactor, store artifact.Store, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		tx:     tx,
		store:  store,
		now:    time.Now,
		logger: logger.With().Str("stage", string(pipeline.StageLoad)).Logger(),
	}
}

func (s *Service) Handle(ctx context.Context, payload json.RawMessage) (*pipeline.Status, error) {
	in, err := pipeline.Decode[pipeline.LoadPayload](payload)
	if err != nil {
		return nil, err
	}
	log := s.logger.With().Str("message_id", in.MessageID).Logger()

	rec := in.StructuredRecord
	if rec == nil {
		if rec, err = s.fetchRecord(ctx, in.StructuredArtifactKey); err != nil {
			return nil, err
		}
	}

	patientID, err := s.Save(ctx, in.MessageID, rec)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", in.MessageID, err)
	}
	log.Info().Int64("patient_id", patientID).Int("diagnoses", len(rec.Diagnoses)).Msg("record loaded")

	return pipeline.NewStatus("Data loaded successfully", in.MessageID).
		Set("patient_id", patientID).
		Set("diagnosis_count", int64(len(rec.Diagnoses))).
		Set("medication_count", int64(len(rec.Medications))).
		Set("procedure_count", int64(len(rec.Procedures))), nil
}

func (s *Service) fetchRecord(ctx context.Context, key string) (*pipeline.StructuredRecord, error) {
	b, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("fetch record %s: %w", key, err)
	}
	var rec pipeline.StructuredRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", key, err)
	}
	return &rec, nil
}

// Save upserts the patient and inserts every clinical row in one
// transaction. Any failure rolls back the whole record.
func (s *Service) Save(ctx context.Context, messageID string, rec *pipeline.StructuredRecord) (int64, error) {
	row := s.patientRow(messageID, rec.Patient)

	var patientID int64
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		id, err := s.repo.UpsertPatient(ctx, row)
		if err != nil {
			return fmt.Errorf("upsert patient: %w", err)
		}
		for _, d := range rec.Diagnoses {
			if err := s.repo.InsertDiagnosis(ctx, id, d); err != nil {
				return fmt.Errorf("insert diagnosis: %w", err)
			}
		}
		for _, m := range rec.Medications {
			if err := s.repo.InsertMedication(ctx, id, m); err != nil {
				return fmt.Errorf("insert medication: %w", err)
			}
		}
		for _, p := range rec.Procedures {
			if err := s.repo.InsertProcedure(ctx, id, p); err != nil {
				return fmt.Errorf("insert procedure: %w", err)
			}
		}
		patientID = id
		return nil
	})
	if err != nil {
		return 0, err
	}
	return patientID, nil
}

// patientRow applies the loader defaults: the message id stands in for a
// missing MRN and an unparseable age leaves the date of birth unset.
func (s *Service) patientRow(messageID string, p pipeline.Patient) PatientRow {
	row := PatientRow{MRN: p.MRN, Name: p.Name}
	if row.MRN == "" {
		row.MRN = messageID
	}
	if row.Name == "" {
		row.Name = UnknownName
	}
	row.DOB = dobFromAge(p.Age, s.now())
	return row
}

// maxAgeYears bounds plausible ages; larger values are extraction noise.
const maxAgeYears = 150

// dobFromAge estimates January 1st of the birth year from an age such as
// "54", "54 years" or "6 months". Months, weeks and days are converted to
// whole years.
func dobFromAge(age string, now time.Time) *time.Time {
	fields := strings.Fields(strings.ToLower(age))
	if len(fields) == 0 {
		return nil
	}
	digits := strings.IndexFunc(fields[0], func(r rune) bool { return r < '0' || r > '9' })
	if digits == -1 {
		digits = len(fields[0])
	}
	n, err := strconv.Atoi(fields[0][:digits])
	if err != nil {
		return nil
	}
	unit := strings.TrimLeft(fields[0][digits:], "-")
	if unit == "" && len(fields) > 1 {
		unit = fields[1]
	}

	years := n
	switch {
	case strings.HasPrefix(unit, "mo"):
		years = n / 12
	case strings.HasPrefix(unit, "w"):
		years = n / 52
	case strings.HasPrefix(unit, "d"):
		years = n / 365
	}
	if years > maxAgeYears {
		return nil
	}
	dob := time.Date(now.Year()-years, time.January, 1, 0, 0, 0, 0, time.UTC)
	return &dob
}
