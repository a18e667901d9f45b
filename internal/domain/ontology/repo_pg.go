package ontology

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type queryable interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// PGLookup reads mappings from the ontology_mappings table.
type PGLookup struct{ pool queryable }

func NewPGLookup(pool *pgxpool.Pool) *PGLookup { return &PGLookup{pool: pool} }

func (r *PGLookup) Lookup(ctx context.Context, text, category string) (*Mapping, error) {
	var m Mapping
	err := r.pool.QueryRow(ctx,
		`SELECT entity_text, entity_type, COALESCE(icd10_code,''), COALESCE(snomed_code,''), COALESCE(preferred_term,'')
		 FROM ontology_mappings WHERE entity_text = $1 AND entity_type = $2`, text, category).
		Scan(&m.EntityText, &m.EntityType, &m.ICD10Code, &m.SNOMEDCode, &m.PreferredTerm)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ontology get: %w", err)
	}
	return &m, nil
}
