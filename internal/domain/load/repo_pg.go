package load

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JeevaByte/MedExtract-Pipeline/internal/pipeline"
	"github.com/JeevaByte/MedExtract-Pipeline/internal/platform/db"
)

type queryable interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const upsertPatientSQL = `
	INSERT INTO patients (mrn, name, dob, created_at, updated_at)
	VALUES ($1, $2, $3, NOW(), NOW())
	ON CONFLICT (mrn) DO UPDATE SET
		name = EXCLUDED.name,
		dob = COALESCE(EXCLUDED.dob, patients.dob),
		updated_at = NOW()
	RETURNING id`

func (r *repoPG) UpsertPatient(ctx context.Context, p PatientRow) (int64, error) {
	var id int64
	err := r.conn(ctx).QueryRow(ctx, upsertPatientSQL, p.MRN, p.Name, p.DOB).Scan(&id)
	return id, err
}

func (r *repoPG) InsertDiagnosis(ctx context.Context, patientID int64, d pipeline.Diagnosis) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO diagnoses (patient_id, diagnosis_text, icd10_code, snomed_code, confidence, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())`,
		patientID, d.Text, d.ICD10Code, nullable(d.SNOMEDCode), d.Confidence)
	return err
}

func (r *repoPG) InsertMedication(ctx context.Context, patientID int64, m pipeline.Medication) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO medications (patient_id, medication_name, rxnorm_code, confidence, created_at)
		VALUES ($1, $2, $3, $4, NOW())`,
		patientID, m.Name, m.RxNormCode, m.Confidence)
	return err
}

func (r *repoPG) InsertProcedure(ctx context.Context, patientID int64, p pipeline.Procedure) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO procedures (patient_id, procedure_name, procedure_type, snomed_code, confidence, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())`,
		patientID, p.Name, p.Type, nullable(p.SNOMEDCode), p.Confidence)
	return err
}

// nullable stores absent codes as NULL rather than an empty string.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
