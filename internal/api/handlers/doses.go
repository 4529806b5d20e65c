package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/domain/dose"
)

// DoseHandler handles dose listing and status updates
type DoseHandler struct {
	service DoseService
	loc     *time.Location
	clock   func() time.Time
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewDoseHandler creates a new handler. Date-only query bounds are read in loc.
func NewDoseHandler(service DoseService, loc *time.Location, logger *zap.Logger) *DoseHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &DoseHandler{
		service: service,
		loc:     loc,
		clock:   time.Now,
		logger:  logger,
		tracer:  otel.Tracer("dose-handler"),
	}
}

// PatientRoutes returns routes mounted under /patients/{patientId}
func (h *DoseHandler) PatientRoutes(r chi.Router) {
	r.Get("/doses", h.List)
}

// Routes returns routes mounted under /doses
func (h *DoseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Patch("/{id}/status", h.UpdateStatus)
	return r
}

// StatusRequest is the body of a status update
type StatusRequest struct {
	Status string `json:"status" validate:"required"`
}

// DoseListResponse lists a patient's doses in a range
type DoseListResponse struct {
	PatientID string         `json:"patient_id"`
	From      time.Time      `json:"from"`
	To        time.Time      `json:"to"`
	Count     int            `json:"count"`
	Doses     []*dose.Record `json:"doses"`
}

// List handles GET /patients/{patientId}/doses?from=&to=. Both bounds accept
// RFC3339 or YYYY-MM-DD. A date-only "to" covers that whole day. Missing
// bounds default to today in the clinical zone.
func (h *DoseHandler) List(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "patientId")
	ctx, span := h.tracer.Start(r.Context(), "list_doses",
		trace.WithAttributes(attribute.String("patient_id", patientID)))
	defer span.End()

	today := startOfDay(h.clock(), h.loc)
	from, err := parseBound(r.URL.Query().Get("from"), h.loc, false, today)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	to, err := parseBound(r.URL.Query().Get("to"), h.loc, true, today)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	records, err := h.service.ListPatientDoses(ctx, patientID, from, to)
	if err != nil {
		span.RecordError(err)
		writeError(w, h.logger, err)
		return
	}
	if records == nil {
		records = []*dose.Record{}
	}
	writeJSON(w, http.StatusOK, DoseListResponse{
		PatientID: patientID,
		From:      from,
		To:        to,
		Count:     len(records),
		Doses:     records,
	})
}

// UpdateStatus handles PATCH /doses/{id}/status
func (h *DoseHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, span := h.tracer.Start(r.Context(), "update_dose_status",
		trace.WithAttributes(attribute.String("dose_id", id)))
	defer span.End()

	var req StatusRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	status, err := dose.ParseStatus(req.Status)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	rec, err := h.service.UpdateDoseStatus(ctx, id, status)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func parseBound(raw string, loc *time.Location, end bool, today time.Time) (time.Time, error) {
	if raw == "" {
		if end {
			return today.AddDate(0, 0, 1).Add(-time.Nanosecond), nil
		}
		return today, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	day, err := time.ParseInLocation(time.DateOnly, raw, loc)
	if err != nil {
		return time.Time{}, &requestError{msg: "invalid time bound", details: []string{raw}}
	}
	if end {
		return day.AddDate(0, 0, 1).Add(-time.Nanosecond), nil
	}
	return day, nil
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
