package r5

import (
	"encoding/json"
	"time"
)

// MedicationStatement records that a patient took (or did not take) a
// medication. One statement is written per completed dose.
type MedicationStatement struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id,omitempty"`
	Meta         *Meta  `json:"meta,omitempty"`

	Identifier []Identifier `json:"identifier,omitempty"`
	// MedicationRequest this statement derives from
	DerivedFrom []Reference `json:"derivedFrom,omitempty"`

	Status string `json:"status"` // recorded | entered-in-error | draft

	Medication CodeableReference `json:"medication"`
	Subject    Reference         `json:"subject"`

	EffectiveDateTime *time.Time `json:"effectiveDateTime,omitempty"`
	DateAsserted      *time.Time `json:"dateAsserted,omitempty"`

	Note      []Annotation `json:"note,omitempty"`
	Dosage    []Dosage     `json:"dosage,omitempty"`
	Adherence *Adherence   `json:"adherence,omitempty"`
}

// Adherence indicates whether the medication is or is not being consumed.
type Adherence struct {
	Code   CodeableConcept  `json:"code"`
	Reason *CodeableConcept `json:"reason,omitempty"`
}

// NewMedicationStatement creates a statement with the resource type set.
func NewMedicationStatement() *MedicationStatement {
	return &MedicationStatement{
		ResourceType: "MedicationStatement",
		Status:       StatementRecorded,
	}
}

// AdherenceCode returns the adherence code, or "" when absent.
func (s *MedicationStatement) AdherenceCode() string {
	if s.Adherence == nil {
		return ""
	}
	for _, c := range s.Adherence.Code.Coding {
		if c.System == SystemAdherence {
			return c.Code
		}
	}
	return ""
}

// ToJSON serializes the MedicationStatement to JSON.
func (s *MedicationStatement) ToJSON() ([]byte, error) {
	return json.Marshal(s)
}
