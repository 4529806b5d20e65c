// Package handlers provides HTTP handlers for the adherence API.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/domain/adherence"
	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/domain/schedule"
)

// DoseService is the subset of dose.Service the handlers call.
type DoseService interface {
	GenerateDoses(rule *schedule.Rule) ([]*dose.Record, error)
	CreateSchedule(ctx context.Context, rule *schedule.Rule) ([]*dose.Record, error)
	RegenerateSchedule(ctx context.Context, rule *schedule.Rule) ([]*dose.Record, error)
	CancelSchedule(ctx context.Context, sourceRequestID string) (int64, error)
	UpdateDoseStatus(ctx context.Context, doseID string, next dose.Status) (*dose.Record, error)
	ListPatientDoses(ctx context.Context, patientID string, from, to time.Time) ([]*dose.Record, error)
}

var _ DoseService = (*dose.Service)(nil)

const maxBodyBytes = 1 << 20

var validate = validator.New()

// errorResponse is the body of every non-2xx response
type errorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

// decode reads a JSON body into dst and runs its validate tags.
func decode(r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return &requestError{msg: "failed to read request body"}
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return &requestError{msg: "invalid request body", details: []string{err.Error()}}
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			details := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				details = append(details, fmt.Sprintf("%s failed on %s", fe.Namespace(), fe.Tag()))
			}
			return &requestError{msg: "validation failed", details: details}
		}
		return &requestError{msg: err.Error()}
	}
	return nil
}

// requestError is a malformed or invalid request body.
type requestError struct {
	msg     string
	details []string
}

func (e *requestError) Error() string {
	if len(e.details) == 0 {
		return e.msg
	}
	return e.msg + ": " + strings.Join(e.details, "; ")
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var (
		reqErr     *requestError
		pattern    *schedule.UnknownPatternError
		timeErr    *schedule.TimeParseError
		unit       *schedule.UnsupportedPeriodUnitError
		invalid    *schedule.InvalidRuleError
		transition *dose.InvalidStatusTransitionError
	)
	switch {
	case errors.As(err, &reqErr),
		errors.As(err, &pattern),
		errors.As(err, &timeErr),
		errors.As(err, &unit),
		errors.As(err, &invalid),
		errors.Is(err, dose.ErrUnknownStatus),
		errors.Is(err, dose.ErrInvalidRange),
		errors.Is(err, adherence.ErrInvalidTolerance):
		return http.StatusBadRequest
	case errors.Is(err, dose.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &transition), errors.Is(err, dose.ErrConcurrentUpdate):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError responds with the mapped status. Server errors are logged and
// their message is not exposed.
func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	code := statusFor(err)
	resp := errorResponse{Error: err.Error()}

	var reqErr *requestError
	if errors.As(err, &reqErr) {
		resp = errorResponse{Error: reqErr.msg, Details: reqErr.details}
	}
	if code == http.StatusInternalServerError {
		logger.Error("request failed", zap.Error(err))
		resp = errorResponse{Error: "internal server error"}
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Register mounts every API route on r.
func Register(r chi.Router, prescriptions *PrescriptionHandler, doses *DoseHandler, tolerance *ToleranceHandler) {
	r.Mount("/prescriptions", prescriptions.Routes())
	r.Mount("/doses", doses.Routes())
	r.Route("/patients/{patientId}", func(r chi.Router) {
		doses.PatientRoutes(r)
		tolerance.PatientRoutes(r)
	})
}
