package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/domain/adherence"
)

// ToleranceHandler reads and writes per-patient adherence tolerances
type ToleranceHandler struct {
	store    adherence.ToleranceStore
	defaults adherence.Tolerance
	logger   *zap.Logger
}

// NewToleranceHandler creates a new handler
func NewToleranceHandler(store adherence.ToleranceStore, defaults adherence.Tolerance, logger *zap.Logger) *ToleranceHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ToleranceHandler{store: store, defaults: defaults, logger: logger}
}

// PatientRoutes returns routes mounted under /patients/{patientId}
func (h *ToleranceHandler) PatientRoutes(r chi.Router) {
	r.Get("/tolerance", h.Get)
	r.Put("/tolerance", h.Put)
}

// ToleranceRequest is the body of a tolerance update
type ToleranceRequest struct {
	WindowMinutes            *int `json:"tolerance_window_minutes" validate:"required,gte=0,lte=1440"`
	ReminderFrequencyMinutes *int `json:"reminder_frequency_minutes" validate:"required,gt=0"`
	MaxReminderAttempts      *int `json:"max_reminder_attempts" validate:"required,gte=0"`
}

// ToleranceResponse is the effective tolerance of a patient
type ToleranceResponse struct {
	PatientID string `json:"patient_id"`
	Default   bool   `json:"default"`
	adherence.Tolerance
}

// Get handles GET /patients/{patientId}/tolerance. Patients without a stored
// tolerance get the deployment defaults.
func (h *ToleranceHandler) Get(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "patientId")

	t, err := h.store.Get(r.Context(), patientID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	resp := ToleranceResponse{PatientID: patientID}
	if t == nil {
		resp.Default = true
		resp.Tolerance = h.defaults
	} else {
		resp.Tolerance = *t
	}
	writeJSON(w, http.StatusOK, resp)
}

// Put handles PUT /patients/{patientId}/tolerance
func (h *ToleranceHandler) Put(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "patientId")

	var req ToleranceRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	t := adherence.Tolerance{
		WindowMinutes:            *req.WindowMinutes,
		ReminderFrequencyMinutes: *req.ReminderFrequencyMinutes,
		MaxReminderAttempts:      *req.MaxReminderAttempts,
	}
	if err := t.Validate(); err != nil {
		writeError(w, h.logger, err)
		return
	}

	if err := h.store.Put(r.Context(), patientID, t); err != nil {
		writeError(w, h.logger, err)
		return
	}
	h.logger.Info("Adherence tolerance updated",
		zap.String("patient_id", patientID),
		zap.Int("window_minutes", t.WindowMinutes),
	)
	writeJSON(w, http.StatusOK, ToleranceResponse{PatientID: patientID, Tolerance: t})
}
