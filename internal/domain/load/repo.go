// Package load persists structured clinical records to the relational store.
package load

import (
	"context"
	"time"

	"github.com/JeevaByte/MedExtract-Pipeline/internal/pipeline"
)

// PatientRow is the patient upsert input. A nil DOB keeps the stored value.
type PatientRow struct {
	MRN  string
	Name string
	DOB  *time.Time
}

// Repository writes clinical rows. Calls made with a transaction on the
// context join that transaction.
type Repository interface {
	UpsertPatient(ctx context.Context, p PatientRow) (int64, error)
	InsertDiagnosis(ctx context.Context, patientID int64, d pipeline.Diagnosis) error
	InsertMedication(ctx context.Context, patientID int64, m pipeline.Medication) error
	InsertProcedure(ctx context.Context, patientID int64, p pipeline.Procedure) error
}

// Transactor runs fn in one transaction, committing only if fn succeeds.
type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}
