package r5

import (
	"encoding/json"
	"time"
)

// MedicationRequest represents a FHIR R5 MedicationRequest resource.
// Only the elements a dose schedule is derived from are modelled.
type MedicationRequest struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id,omitempty"`
	Meta         *Meta  `json:"meta,omitempty"`

	Identifier []Identifier `json:"identifier,omitempty"`

	Status string `json:"status"` // active | on-hold | cancelled | completed | entered-in-error | stopped | draft | unknown
	Intent string `json:"intent"` // proposal | plan | order | original-order | reflex-order | filler-order | instance-order | option

	// Medication being requested (R5 uses CodeableReference)
	Medication CodeableReference `json:"medication"`

	// Subject (patient) for whom the medication is prescribed
	Subject Reference `json:"subject"`

	AuthoredOn *time.Time `json:"authoredOn,omitempty"`
	Requester  *Reference `json:"requester,omitempty"`

	Note []Annotation `json:"note,omitempty"`

	// Rendered dosage instruction (human-readable sig)
	RenderedDosageInstruction string `json:"renderedDosageInstruction,omitempty"`

	DosageInstruction []Dosage         `json:"dosageInstruction,omitempty"`
	DispenseRequest   *DispenseRequest `json:"dispenseRequest,omitempty"`
}

// DispenseRequest contains information about the requested dispensing.
type DispenseRequest struct {
	// Validity period for the prescription
	ValidityPeriod *Period `json:"validityPeriod,omitempty"`

	NumberOfRepeatsAllowed int       `json:"numberOfRepeatsAllowed,omitempty"`
	Quantity               *Quantity `json:"quantity,omitempty"`
	ExpectedSupplyDuration *Duration `json:"expectedSupplyDuration,omitempty"`
}

// Dosage contains dosage instructions for the medication.
type Dosage struct {
	Sequence           int              `json:"sequence,omitempty"`
	Text               string           `json:"text,omitempty"`
	PatientInstruction string           `json:"patientInstruction,omitempty"`
	Timing             *Timing          `json:"timing,omitempty"`
	AsNeeded           bool             `json:"asNeeded,omitempty"`
	Route              *CodeableConcept `json:"route,omitempty"`
	DoseAndRate        []DoseAndRate    `json:"doseAndRate,omitempty"`
}

// DoseAndRate contains dose/rate information.
type DoseAndRate struct {
	Type         *CodeableConcept `json:"type,omitempty"`
	DoseQuantity *Quantity        `json:"doseQuantity,omitempty"`
}

// Timing contains timing information for dosage.
type Timing struct {
	Repeat *TimingRepeat    `json:"repeat,omitempty"`
	Code   *CodeableConcept `json:"code,omitempty"`
}

// TimingRepeat contains repeat details for timing.
type TimingRepeat struct {
	BoundsPeriod *Period  `json:"boundsPeriod,omitempty"`
	Count        int      `json:"count,omitempty"`
	Frequency    int      `json:"frequency,omitempty"`
	Period       float64  `json:"period,omitempty"`
	PeriodUnit   string   `json:"periodUnit,omitempty"` // s | min | h | d | wk | mo | a
	DayOfWeek    []string `json:"dayOfWeek,omitempty"`
	TimeOfDay    []string `json:"timeOfDay,omitempty"`
	When         []string `json:"when,omitempty"`
	Offset       int      `json:"offset,omitempty"`
}

// Event timing codes used in Timing.repeat.when
const (
	WhenMorning   = "MORN"
	WhenNoon      = "NOON"
	WhenAfternoon = "AFT"
	WhenEvening   = "EVE"
	WhenNight     = "NIGHT"
)

// GetPatientID extracts the patient ID from the Subject reference.
func (m *MedicationRequest) GetPatientID() string {
	if m.Subject.Reference == "" {
		return ""
	}
	return m.Subject.ID()
}

// GetMedicationDisplay returns the display name of the medication.
func (m *MedicationRequest) GetMedicationDisplay() string {
	if m.Medication.Concept != nil && m.Medication.Concept.Text != "" {
		return m.Medication.Concept.Text
	}
	if m.Medication.Concept != nil && len(m.Medication.Concept.Coding) > 0 {
		return m.Medication.Concept.Coding[0].Display
	}
	if m.Medication.Reference != nil {
		return m.Medication.Reference.Display
	}
	return ""
}

// GetValidityPeriod returns the dispense validity period, if any.
func (m *MedicationRequest) GetValidityPeriod() *Period {
	if m.DispenseRequest == nil {
		return nil
	}
	return m.DispenseRequest.ValidityPeriod
}

// FromJSON deserializes a MedicationRequest from JSON.
func (m *MedicationRequest) FromJSON(data []byte) error {
	return json.Unmarshal(data, m)
}
