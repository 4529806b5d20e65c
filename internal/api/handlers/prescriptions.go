package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/api/middleware"
	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/domain/schedule"
	"github.com/drfirst/go-adherence/internal/fhir/mapper"
	"github.com/drfirst/go-adherence/internal/fhir/r5"
)

// PrescriptionHandler handles prescription schedule endpoints
type PrescriptionHandler struct {
	service DoseService
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewPrescriptionHandler creates a new handler
func NewPrescriptionHandler(service DoseService, logger *zap.Logger) *PrescriptionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PrescriptionHandler{
		service: service,
		logger:  logger,
		tracer:  otel.Tracer("prescription-handler"),
	}
}

// Routes returns the handler routes
func (h *PrescriptionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Post("/preview", h.Preview)
	r.Put("/{sourceRequestId}", h.Regenerate)
	r.Delete("/{sourceRequestId}", h.Cancel)
	return r
}

// RuleRequest is the native rule form of a prescription
type RuleRequest struct {
	SourceRequestID string          `json:"source_request_id"`
	PatientID       string          `json:"patient_id" validate:"required"`
	MedicineName    string          `json:"medicine_name" validate:"required"`
	DoseValue       decimal.Decimal `json:"dose_value"`
	DoseUnit        string          `json:"dose_unit" validate:"required"`
	ValidityStart   time.Time       `json:"validity_start" validate:"required"`
	ValidityEnd     time.Time       `json:"validity_end" validate:"required,gtefield=ValidityStart"`
	Kind            string          `json:"kind" validate:"required,oneof=FIXED_FREQUENCY IRREGULAR_PATTERN CUSTOM_TIMES"`
	Frequency       int             `json:"frequency,omitempty" validate:"required_if=Kind FIXED_FREQUENCY,gte=0"`
	Period          int             `json:"period,omitempty" validate:"required_if=Kind FIXED_FREQUENCY,gte=0"`
	PeriodUnit      string          `json:"period_unit,omitempty" validate:"required_if=Kind FIXED_FREQUENCY"`
	Patterns        []string        `json:"patterns,omitempty" validate:"required_if=Kind IRREGULAR_PATTERN"`
	Times           []string        `json:"times,omitempty" validate:"required_if=Kind CUSTOM_TIMES"`
}

func (req *RuleRequest) toRule() *schedule.Rule {
	patterns := make([]schedule.Pattern, 0, len(req.Patterns))
	for _, p := range req.Patterns {
		patterns = append(patterns, schedule.Pattern(p))
	}
	return &schedule.Rule{
		SourceRequestID: req.SourceRequestID,
		PatientID:       req.PatientID,
		MedicineName:    req.MedicineName,
		DoseValue:       req.DoseValue,
		DoseUnit:        req.DoseUnit,
		ValidityStart:   req.ValidityStart,
		ValidityEnd:     req.ValidityEnd,
		Kind:            schedule.Kind(req.Kind),
		Frequency:       req.Frequency,
		Period:          req.Period,
		PeriodUnit:      schedule.PeriodUnit(req.PeriodUnit),
		Patterns:        patterns,
		Times:           req.Times,
	}
}

// PrescriptionRequest carries either a native rule or a FHIR MedicationRequest.
type PrescriptionRequest struct {
	Rule              *RuleRequest          `json:"rule" validate:"required_without=MedicationRequest,excluded_with=MedicationRequest"`
	MedicationRequest *r5.MedicationRequest `json:"medicationRequest" validate:"required_without=Rule"`
}

// ScheduleResponse lists the doses of one prescription
type ScheduleResponse struct {
	SourceRequestID string         `json:"source_request_id"`
	PatientID       string         `json:"patient_id"`
	Count           int            `json:"count"`
	Doses           []*dose.Record `json:"doses"`
}

// CancelResponse reports how many doses a cancellation removed
type CancelResponse struct {
	SourceRequestID string `json:"source_request_id"`
	Deleted         int64  `json:"deleted"`
}

// parseRule decodes the body and resolves it to a rule. pathID, when set,
// overrides the source request id of the body.
func (h *PrescriptionHandler) parseRule(r *http.Request, pathID string) (*schedule.Rule, error) {
	var req PrescriptionRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}

	var rule *schedule.Rule
	if req.MedicationRequest != nil {
		if pathID != "" {
			req.MedicationRequest.ID = pathID
		}
		mapped, err := mapper.RuleFromMedicationRequest(req.MedicationRequest)
		if err != nil {
			return nil, err
		}
		rule = mapped
	} else {
		if pathID != "" {
			req.Rule.SourceRequestID = pathID
		}
		rule = req.Rule.toRule()
	}

	if rule.SourceRequestID == "" {
		return nil, &requestError{msg: "source_request_id is required"}
	}
	return rule, nil
}

// Create handles POST /prescriptions
func (h *PrescriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "create_prescription")
	defer span.End()

	rule, err := h.parseRule(r, "")
	if err != nil {
		span.RecordError(err)
		writeError(w, h.logger, err)
		return
	}
	span.SetAttributes(
		attribute.String("source_request_id", rule.SourceRequestID),
		attribute.String("kind", string(rule.Kind)),
	)

	records, err := h.service.CreateSchedule(ctx, rule)
	if err != nil {
		span.RecordError(err)
		writeError(w, h.logger, err)
		return
	}

	h.logger.Info("Prescription schedule created",
		zap.String("source_request_id", rule.SourceRequestID),
		zap.String("client_id", middleware.GetClientID(ctx)),
		zap.Int("doses", len(records)),
	)
	writeJSON(w, http.StatusCreated, newScheduleResponse(rule, records))
}

// Preview handles POST /prescriptions/preview. Nothing is persisted.
func (h *PrescriptionHandler) Preview(w http.ResponseWriter, r *http.Request) {
	_, span := h.tracer.Start(r.Context(), "preview_prescription")
	defer span.End()

	rule, err := h.parseRule(r, "")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	records, err := h.service.GenerateDoses(rule)
	if err != nil {
		span.RecordError(err)
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newScheduleResponse(rule, records))
}

// Regenerate handles PUT /prescriptions/{sourceRequestId}
func (h *PrescriptionHandler) Regenerate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sourceRequestId")
	ctx, span := h.tracer.Start(r.Context(), "regenerate_prescription",
		trace.WithAttributes(attribute.String("source_request_id", id)))
	defer span.End()

	rule, err := h.parseRule(r, id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	records, err := h.service.RegenerateSchedule(ctx, rule)
	if err != nil {
		span.RecordError(err)
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newScheduleResponse(rule, records))
}

// Cancel handles DELETE /prescriptions/{sourceRequestId}
func (h *PrescriptionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sourceRequestId")
	ctx, span := h.tracer.Start(r.Context(), "cancel_prescription",
		trace.WithAttributes(attribute.String("source_request_id", id)))
	defer span.End()

	deleted, err := h.service.CancelSchedule(ctx, id)
	if err != nil {
		span.RecordError(err)
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, CancelResponse{SourceRequestID: id, Deleted: deleted})
}

func newScheduleResponse(rule *schedule.Rule, records []*dose.Record) ScheduleResponse {
	if records == nil {
		records = []*dose.Record{}
	}
	return ScheduleResponse{
		SourceRequestID: rule.SourceRequestID,
		PatientID:       rule.PatientID,
		Count:           len(records),
		Doses:           records,
	}
}
