package handlers

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-adherence/internal/domain/adherence"
	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/domain/dose/dosetest"
	"github.com/drfirst/go-adherence/internal/domain/schedule"
)

var fixedNow = time.Date(2024, 1, 1, 7, 0, 0, 0, time.UTC)

type memoryTolerances struct {
	mu   sync.Mutex
	data map[string]adherence.Tolerance
}

func (m *memoryTolerances) Get(_ context.Context, patientID string) (*adherence.Tolerance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.data[patientID]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (m *memoryTolerances) Put(_ context.Context, patientID string, t adherence.Tolerance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[patientID] = t
	return nil
}

type apiFixture struct {
	server   *httptest.Server
	store    *dosetest.Store
	notifier *dosetest.Notifier
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()
	store := dosetest.NewStore()
	notifier := &dosetest.Notifier{}
	gen := schedule.NewGenerator(time.UTC, nil)
	mat := dose.NewMaterializer(store, dose.MaterializerConfig{Concurrency: 2}, time.UTC, nil)
	svc := dose.NewService(gen, mat, store, store, notifier, nil).
		WithClock(func() time.Time { return fixedNow })

	doses := NewDoseHandler(svc, time.UTC, nil)
	doses.clock = func() time.Time { return fixedNow }
	tolerances := NewToleranceHandler(&memoryTolerances{data: map[string]adherence.Tolerance{}}, adherence.DefaultTolerance(), nil)

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		Register(r, NewPrescriptionHandler(svc, nil), doses, tolerances)
	})
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)

	return &apiFixture{server: server, store: store, notifier: notifier}
}

func (f *apiFixture) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, []byte(buf.String())
}

const twiceDailyRule = `{"rule": {
	"source_request_id": "mr-100",
	"patient_id": "patient-1",
	"medicine_name": "Amoxicillin",
	"dose_value": "250",
	"dose_unit": "mg",
	"validity_start": "2024-01-01T08:00:00Z",
	"validity_end": "2024-01-03T08:00:00Z",
	"kind": "FIXED_FREQUENCY",
	"frequency": 2,
	"period": 1,
	"period_unit": "DAY"
}}`

func decodeSchedule(t *testing.T, body []byte) ScheduleResponse {
	t.Helper()
	var resp ScheduleResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	return resp
}

func TestCreatePrescriptionFromRule(t *testing.T) {
	f := newAPI(t)

	resp, body := f.do(t, http.MethodPost, "/api/v1/prescriptions", twiceDailyRule)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	sched := decodeSchedule(t, body)
	assert.Equal(t, "mr-100", sched.SourceRequestID)
	assert.Equal(t, 4, sched.Count)
	assert.Len(t, f.store.All(), 4)
}

func TestCreatePrescriptionFromMedicationRequest(t *testing.T) {
	f := newAPI(t)

	body := `{"medicationRequest": {
		"resourceType": "MedicationRequest",
		"id": "rx-7",
		"status": "active",
		"intent": "order",
		"medication": {"concept": {"text": "Metformin"}},
		"subject": {"reference": "Patient/p-42"},
		"dispenseRequest": {"validityPeriod": {"start": "2024-01-01T00:00:00Z", "end": "2024-01-01T23:59:00Z"}},
		"dosageInstruction": [{
			"doseAndRate": [{"doseQuantity": {"value": 1, "unit": "tablet"}}],
			"timing": {"repeat": {"when": ["MORN", "EVE"]}}
		}]
	}}`
	resp, raw := f.do(t, http.MethodPost, "/api/v1/prescriptions", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))

	sched := decodeSchedule(t, raw)
	assert.Equal(t, "rx-7", sched.SourceRequestID)
	assert.Equal(t, "p-42", sched.PatientID)
	require.Equal(t, 2, sched.Count)
	assert.True(t, sched.Doses[0].Irregular)
}

func TestCreatePrescriptionRejectsBadRequests(t *testing.T) {
	f := newAPI(t)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"rule":`},
		{"neither form", `{}`},
		{"unknown kind", strings.Replace(twiceDailyRule, "FIXED_FREQUENCY", "WEEKLY", 1)},
		{"missing frequency", strings.Replace(twiceDailyRule, `"frequency": 2,`, "", 1)},
		{"unsupported period unit", strings.Replace(twiceDailyRule, `"DAY"`, `"YEAR"`, 1)},
		{"missing source request id", strings.Replace(twiceDailyRule, `"source_request_id": "mr-100",`, "", 1)},
		{"validity ends before it starts", strings.Replace(twiceDailyRule, `"2024-01-03T08:00:00Z"`, `"2023-12-31T08:00:00Z"`, 1)},
		{"negative frequency", strings.Replace(twiceDailyRule, `"frequency": 2`, `"frequency": -2`, 1)},
		{"over the dose limit", perSecondForCenturies},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := f.do(t, http.MethodPost, "/api/v1/prescriptions", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode, string(body))
		})
	}
	assert.Empty(t, f.store.All())
}

// one dose per second until 2290
var perSecondForCenturies = strings.NewReplacer(
	`"2024-01-03T08:00:00Z"`, `"2290-01-01T00:00:00Z"`,
	`"frequency": 2`, `"frequency": 3600`,
	`"DAY"`, `"HOUR"`,
).Replace(twiceDailyRule)

func TestPreviewRejectsRulesOverDoseLimit(t *testing.T) {
	f := newAPI(t)

	resp, body := f.do(t, http.MethodPost, "/api/v1/prescriptions/preview", perSecondForCenturies)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode, string(body))
	assert.Contains(t, string(body), "doses")
	assert.Empty(t, f.store.All())
}

func TestNativeAndFHIRRulesRejectInvertedWindowAlike(t *testing.T) {
	f := newAPI(t)

	native := strings.Replace(twiceDailyRule, `"2024-01-03T08:00:00Z"`, `"2023-12-31T08:00:00Z"`, 1)
	fhir := `{"medicationRequest": {
		"resourceType": "MedicationRequest",
		"id": "rx-8",
		"status": "active",
		"intent": "order",
		"medication": {"concept": {"text": "Metformin"}},
		"subject": {"reference": "Patient/p-42"},
		"dispenseRequest": {"validityPeriod": {"start": "2024-01-03T08:00:00Z", "end": "2024-01-01T08:00:00Z"}},
		"dosageInstruction": [{"timing": {"repeat": {"when": ["MORN"]}}}]
	}}`

	for _, body := range []string{native, fhir} {
		resp, raw := f.do(t, http.MethodPost, "/api/v1/prescriptions", body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, string(raw))
	}
	assert.Empty(t, f.store.All())
}

func TestPreviewDoesNotPersist(t *testing.T) {
	f := newAPI(t)

	resp, body := f.do(t, http.MethodPost, "/api/v1/prescriptions/preview", twiceDailyRule)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, 4, decodeSchedule(t, body).Count)
	assert.Empty(t, f.store.All())
}

func TestRegenerateAndCancel(t *testing.T) {
	f := newAPI(t)
	resp, _ := f.do(t, http.MethodPost, "/api/v1/prescriptions", twiceDailyRule)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	onceDaily := strings.Replace(twiceDailyRule, `"frequency": 2`, `"frequency": 1`, 1)
	resp, body := f.do(t, http.MethodPut, "/api/v1/prescriptions/mr-100", onceDaily)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, 2, decodeSchedule(t, body).Count)
	assert.Len(t, f.store.All(), 2)

	resp, body = f.do(t, http.MethodDelete, "/api/v1/prescriptions/mr-100", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cancelled CancelResponse
	require.NoError(t, json.Unmarshal(body, &cancelled))
	assert.Equal(t, int64(2), cancelled.Deleted)
	assert.Empty(t, f.store.All())
}

func TestRegenerateWithInvalidRuleKeepsDoses(t *testing.T) {
	f := newAPI(t)
	resp, _ := f.do(t, http.MethodPost, "/api/v1/prescriptions", twiceDailyRule)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	bad := strings.Replace(twiceDailyRule, `"DAY"`, `"YEAR"`, 1)
	resp, _ = f.do(t, http.MethodPut, "/api/v1/prescriptions/mr-100", bad)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Len(t, f.store.All(), 4)
}

func TestListPatientDoses(t *testing.T) {
	f := newAPI(t)
	resp, _ := f.do(t, http.MethodPost, "/api/v1/prescriptions", twiceDailyRule)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := f.do(t, http.MethodGet, "/api/v1/patients/patient-1/doses?from=2024-01-01&to=2024-01-01", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var list DoseListResponse
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Equal(t, 2, list.Count)

	resp, body = f.do(t, http.MethodGet, "/api/v1/patients/patient-1/doses?from=2024-01-01T00:00:00Z&to=2024-01-03T23:00:00Z", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Equal(t, 4, list.Count)

	resp, _ = f.do(t, http.MethodGet, "/api/v1/patients/patient-1/doses?from=2024-01-03&to=2024-01-01", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/v1/patients/patient-1/doses?from=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUpdateDoseStatus(t *testing.T) {
	f := newAPI(t)
	resp, body := f.do(t, http.MethodPost, "/api/v1/prescriptions", twiceDailyRule)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	doseID := decodeSchedule(t, body).Doses[0].ID

	resp, body = f.do(t, http.MethodPatch, "/api/v1/doses/"+doseID+"/status", `{"status":"completed"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var rec dose.Record
	require.NoError(t, json.Unmarshal(body, &rec))
	assert.Equal(t, dose.StatusCompleted, rec.Status)
	assert.Len(t, f.notifier.EventsOf(dose.EventDoseCompleted), 1)

	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"terminal transition", "/api/v1/doses/" + doseID + "/status", `{"status":"INTENDED"}`, http.StatusConflict},
		{"unknown status", "/api/v1/doses/" + doseID + "/status", `{"status":"SWALLOWED"}`, http.StatusBadRequest},
		{"missing status", "/api/v1/doses/" + doseID + "/status", `{}`, http.StatusBadRequest},
		{"missing dose", "/api/v1/doses/nope/status", `{"status":"COMPLETED"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := f.do(t, http.MethodPatch, tt.path, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode, string(body))
		})
	}
	assert.Len(t, f.notifier.Events(), 1)
}

func TestTolerance(t *testing.T) {
	f := newAPI(t)

	resp, body := f.do(t, http.MethodGet, "/api/v1/patients/patient-1/tolerance", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got ToleranceResponse
	require.NoError(t, json.Unmarshal(body, &got))
	assert.True(t, got.Default)
	assert.Equal(t, adherence.DefaultTolerance(), got.Tolerance)

	put := `{"tolerance_window_minutes": 45, "reminder_frequency_minutes": 15, "max_reminder_attempts": 2}`
	resp, body = f.do(t, http.MethodPut, "/api/v1/patients/patient-1/tolerance", put)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = f.do(t, http.MethodGet, "/api/v1/patients/patient-1/tolerance", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got = ToleranceResponse{}
	require.NoError(t, json.Unmarshal(body, &got))
	assert.False(t, got.Default)
	assert.Equal(t, 45, got.WindowMinutes)
	assert.Equal(t, 15, got.ReminderFrequencyMinutes)
	assert.Equal(t, 2, got.MaxReminderAttempts)

	for _, bad := range []string{
		`{"tolerance_window_minutes": 45, "reminder_frequency_minutes": 0, "max_reminder_attempts": 2}`,
		`{"tolerance_window_minutes": -1, "reminder_frequency_minutes": 10, "max_reminder_attempts": 2}`,
		`{"reminder_frequency_minutes": 10}`,
	} {
		resp, body := f.do(t, http.MethodPut, "/api/v1/patients/patient-1/tolerance", bad)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, string(body))
	}
}

func TestParseBound(t *testing.T) {
	today := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)

	from, err := parseBound("", time.UTC, false, today)
	require.NoError(t, err)
	assert.Equal(t, today, from)

	to, err := parseBound("", time.UTC, true, today)
	require.NoError(t, err)
	assert.Equal(t, today.Add(24*time.Hour-time.Nanosecond), to)

	to, err = parseBound("2024-03-12", time.UTC, true, today)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 12, 23, 59, 59, 999999999, time.UTC), to)

	_, err = parseBound("12/03/2024", time.UTC, false, today)
	assert.Equal(t, http.StatusBadRequest, statusFor(err))
}
