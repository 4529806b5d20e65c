// Package r5 provides the FHIR R5 resources exchanged with the EHR: the
// MedicationRequest a schedule is derived from and the MedicationStatement
// recorded for each completed dose.
package r5

import "time"

// Meta contains metadata about a resource.
type Meta struct {
	VersionID   string     `json:"versionId,omitempty"`
	LastUpdated *time.Time `json:"lastUpdated,omitempty"`
	Source      string     `json:"source,omitempty"`
	Profile     []string   `json:"profile,omitempty"`
	Tag         []Coding   `json:"tag,omitempty"`
}

// Identifier represents a FHIR Identifier.
type Identifier struct {
	Use    string `json:"use,omitempty"` // usual | official | temp | secondary | old
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
}

// CodeableConcept represents a concept with text and codings.
type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// Coding represents a code from a terminology system.
type Coding struct {
	System  string `json:"system,omitempty"`
	Version string `json:"version,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

// Reference represents a reference to another resource.
type Reference struct {
	Reference  string      `json:"reference,omitempty"`
	Type       string      `json:"type,omitempty"`
	Identifier *Identifier `json:"identifier,omitempty"`
	Display    string      `json:"display,omitempty"`
}

// ID returns the trailing id of a reference like "Patient/123" or "urn:uuid:123".
func (r Reference) ID() string {
	ref := r.Reference
	for i := len(ref) - 1; i >= 0; i-- {
		if ref[i] == '/' || ref[i] == ':' {
			return ref[i+1:]
		}
	}
	return ref
}

// CodeableReference is new in FHIR R5 - can be either a CodeableConcept or a Reference.
type CodeableReference struct {
	Concept   *CodeableConcept `json:"concept,omitempty"`
	Reference *Reference       `json:"reference,omitempty"`
}

// Period represents a time period.
type Period struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

// Quantity represents a measured amount.
type Quantity struct {
	Value  float64 `json:"value,omitempty"`
	Unit   string  `json:"unit,omitempty"`
	System string  `json:"system,omitempty"`
	Code   string  `json:"code,omitempty"`
}

// Duration is a Quantity with a temporal unit.
type Duration struct {
	Value  float64 `json:"value,omitempty"`
	Unit   string  `json:"unit,omitempty"`
	System string  `json:"system,omitempty"`
	Code   string  `json:"code,omitempty"`
}

// Annotation represents a note or comment.
type Annotation struct {
	Time *time.Time `json:"time,omitempty"`
	Text string     `json:"text"`
}

// OperationOutcome represents errors and warnings from FHIR operations.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

// OperationOutcomeIssue represents a single issue in an OperationOutcome.
type OperationOutcomeIssue struct {
	Severity    string           `json:"severity"` // fatal | error | warning | information
	Code        string           `json:"code"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Diagnostics string           `json:"diagnostics,omitempty"`
	Expression  []string         `json:"expression,omitempty"`
}

// NewOperationOutcome creates a new OperationOutcome with the given issues.
func NewOperationOutcome(issues ...OperationOutcomeIssue) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue:        issues,
	}
}

// NewErrorOutcome creates an OperationOutcome with a single error issue.
func NewErrorOutcome(code, diagnostics string) *OperationOutcome {
	return NewOperationOutcome(OperationOutcomeIssue{
		Severity:    "error",
		Code:        code,
		Diagnostics: diagnostics,
	})
}

// Error joins the diagnostics of every error or fatal issue.
func (o *OperationOutcome) Error() string {
	msg := ""
	for _, issue := range o.Issue {
		if issue.Severity != "error" && issue.Severity != "fatal" {
			continue
		}
		text := issue.Diagnostics
		if text == "" && issue.Details != nil {
			text = issue.Details.Text
		}
		if text == "" {
			text = issue.Code
		}
		if msg != "" {
			msg += "; "
		}
		msg += text
	}
	if msg == "" {
		return "operation outcome without error issues"
	}
	return msg
}

// Common code systems
const (
	SystemRxNorm    = "http://www.nlm.nih.gov/research/umls/rxnorm"
	SystemNDC       = "http://hl7.org/fhir/sid/ndc"
	SystemSNOMED    = "http://snomed.info/sct"
	SystemUCUM      = "http://unitsofmeasure.org"
	SystemAdherence = "http://hl7.org/fhir/CodeSystem/medication-statement-adherence"
	SystemDoseID    = "urn:adherence:dose-id"
)

// MedicationRequest statuses
const (
	StatusActive         = "active"
	StatusOnHold         = "on-hold"
	StatusCancelled      = "cancelled"
	StatusCompleted      = "completed"
	StatusEnteredInError = "entered-in-error"
	StatusStopped        = "stopped"
	StatusDraft          = "draft"
	StatusUnknown        = "unknown"
)

// MedicationStatement statuses
const (
	StatementRecorded       = "recorded"
	StatementEnteredInError = "entered-in-error"
	StatementDraft          = "draft"
)

// Medication statement adherence codes
const (
	AdherenceTaking    = "taking"
	AdherenceNotTaking = "not-taking"
	AdherenceStopped   = "stopped"
	AdherenceOnHold    = "on-hold"
	AdherenceUnknown   = "unknown"
)
