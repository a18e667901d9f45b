// Package pipeline holds the types shared by every extraction stage: the
// stage identifiers, the typed invocation payloads, the artifact key scheme,
// and the clinical data model that flows from extraction to load.
package pipeline

// Entity categories and types emitted by the medical entity extraction
// service that the pipeline interprets.
const (
	CategoryPHI                    = "PROTECTED_HEALTH_INFORMATION"
	CategoryMedication             = "MEDICATION"
	CategoryMedicalCondition       = "MEDICAL_CONDITION"
	CategoryTestTreatmentProcedure = "TEST_TREATMENT_PROCEDURE"

	PHITypeName = "NAME"
	PHITypeAge  = "AGE"
	PHITypeID   = "ID"
)

// Attribute is a secondary relationship attached to an entity, such as a
// dosage tied to a medication.
type Attribute struct {
	Type              string  `json:"type"`
	Score             float64 `json:"score"`
	RelationshipScore float64 `json:"relationship_score"`
	Text              string  `json:"text"`
}

// Entity is a tagged span of text returned by the extraction service. The
// mapping fields are populated by the Map stage.
type Entity struct {
	Text        string      `json:"text"`
	Category    string      `json:"category"`
	Type        string      `json:"type"`
	Score       float64     `json:"score"`
	BeginOffset int         `json:"begin_offset"`
	EndOffset   int         `json:"end_offset"`
	Attributes  []Attribute `json:"attributes"`

	Mapped        bool   `json:"mapped,omitempty"`
	ICD10Code     string `json:"icd10_code,omitempty"`
	SNOMEDCode    string `json:"snomed_code,omitempty"`
	PreferredTerm string `json:"preferred_term,omitempty"`
}

// CodedCandidate is one proposed code for an entity text in a single coding
// system.
type CodedCandidate struct {
	Text        string  `json:"text"`
	Code        string  `json:"code"`
	Description string  `json:"description"`
	Score       float64 `json:"score"`
}

// ExtractionResults is the merged output of the four extraction calls. Field
// order is fixed so the encoded artifact is deterministic.
type ExtractionResults struct {
	Entities    []Entity         `json:"entities"`
	ICD10       []CodedCandidate `json:"icd10"`
	SNOMED      []CodedCandidate `json:"snomed"`
	Medications []CodedCandidate `json:"medications"`
}

// Patient is the demographic block of a structured record. Every field is
// optional; the loader resolves defaults.
type Patient struct {
	MRN  string `json:"mrn,omitempty"`
	Name string `json:"name,omitempty"`
	Age  string `json:"age,omitempty"`
}

type Diagnosis struct {
	Text        string  `json:"text"`
	ICD10Code   string  `json:"icd10_code"`
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence"`
	SNOMEDCode  string  `json:"snomed_code,omitempty"`
}

type Medication struct {
	Name        string  `json:"name"`
	RxNormCode  string  `json:"rxnorm_code"`
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence"`
}

type Procedure struct {
	Name       string  `json:"name"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
	SNOMEDCode string  `json:"snomed_code,omitempty"`
}

// StructuredRecord is the Map stage output and the Load stage input.
type StructuredRecord struct {
	MessageID   string       `json:"message_id"`
	Patient     Patient      `json:"patient"`
	Diagnoses   []Diagnosis  `json:"diagnoses"`
	Medications []Medication `json:"medications"`
	Procedures  []Procedure  `json:"procedures"`
}

// Verdict is a content-safety or authentication verdict reported by the
// inbound mail service.
type Verdict struct {
	Status string `json:"status"`
}

// Verdicts groups the delivery verdicts recorded with an inbound message.
type Verdicts struct {
	Spam  Verdict `json:"spam"`
	Virus Verdict `json:"virus"`
	DKIM  Verdict `json:"dkim"`
	SPF   Verdict `json:"spf"`
}

// MessageMetadata is the Ingest stage artifact.
type MessageMetadata struct {
	MessageID          string   `json:"message_id"`
	RawContentLocation string   `json:"raw_content_location"`
	Timestamp          string   `json:"timestamp,omitempty"`
	Source             string   `json:"source"`
	Destination        []string `json:"destination"`
	Subject            string   `json:"subject"`
	Recipients         []string `json:"recipients"`
	Verdicts           Verdicts `json:"verdicts"`
}
