package ontology

import (
	"context"
	"errors"
	"sync"
)

var ErrNotFound = errors.New("ontology mapping not found")

// Mapping is the canonical coding of an entity text within a category.
type Mapping struct {
	EntityText    string `json:"entity_text" dynamodbav:"entity_text"`
	EntityType    string `json:"entity_type" dynamodbav:"entity_type"`
	ICD10Code     string `json:"icd10_code,omitempty" dynamodbav:"icd10_code,omitempty"`
	SNOMEDCode    string `json:"snomed_code,omitempty" dynamodbav:"snomed_code,omitempty"`
	PreferredTerm string `json:"preferred_term,omitempty" dynamodbav:"preferred_term,omitempty"`
}

// Lookup resolves a mapping by its key. text is expected to be lower-cased
// by the caller. Implementations return ErrNotFound for unknown keys.
type Lookup interface {
	Lookup(ctx context.Context, text, category string) (*Mapping, error)
}

// MemoryLookup is a thread-safe in-memory Lookup.
type MemoryLookup struct {
	mu      sync.RWMutex
	entries map[string]*Mapping
	calls   int
}

func NewMemoryLookup(mappings ...Mapping) *MemoryLookup {
	m := &MemoryLookup{entries: make(map[string]*Mapping)}
	for _, mp := range mappings {
		m.Add(mp)
	}
	return m
}

func memoryKey(text, category string) string {
	return category + "\x00" + text
}

func (m *MemoryLookup) Add(mp Mapping) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := mp
	m.entries[memoryKey(mp.EntityText, mp.EntityType)] = &cp
}

func (m *MemoryLookup) Lookup(_ context.Context, text, category string) (*Mapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	mp, ok := m.entries[memoryKey(text, category)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *mp
	return &cp, nil
}

// Calls returns the number of lookups served.
func (m *MemoryLookup) Calls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls
}
