package dose_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/domain/dose/dosetest"
	"github.com/drfirst/go-adherence/internal/domain/schedule"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 1, 1, 7, 0, 0, 0, time.UTC)

type fixture struct {
	store    *dosetest.Store
	notifier *dosetest.Notifier
	service  *dose.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := dosetest.NewStore()
	notifier := &dosetest.Notifier{}
	gen := schedule.NewGenerator(time.UTC, nil)
	mat := dose.NewMaterializer(store, dose.MaterializerConfig{Concurrency: 4}, time.UTC, nil)
	svc := dose.NewService(gen, mat, store, store, notifier, nil).
		WithClock(func() time.Time { return fixedNow })
	return &fixture{store: store, notifier: notifier, service: svc}
}

func twiceDailyRule() *schedule.Rule {
	return &schedule.Rule{
		SourceRequestID: "mr-100",
		PatientID:       "patient-1",
		MedicineName:    "Amoxicillin",
		DoseValue:       decimal.RequireFromString("250"),
		DoseUnit:        "mg",
		ValidityStart:   time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC),
		ValidityEnd:     time.Date(2024, 1, 3, 8, 0, 0, 0, time.UTC),
		Kind:            schedule.KindFixedFrequency,
		Frequency:       2,
		Period:          1,
		PeriodUnit:      schedule.PeriodDay,
	}
}

func TestGenerateDosesIsPure(t *testing.T) {
	f := newFixture(t)

	records, err := f.service.GenerateDoses(twiceDailyRule())
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Empty(t, f.store.All())

	first := records[0]
	assert.Equal(t, dose.StatusIntended, first.Status)
	assert.Equal(t, "Amoxicillin", first.MedicineName)
	assert.True(t, decimal.RequireFromString("250").Equal(first.DoseValue))
	assert.Equal(t, "mg", first.DoseUnit)
	assert.Equal(t, "patient-1", first.PatientID)
	assert.Equal(t, "mr-100", first.SourceRequestID)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), first.Date)
	assert.Nil(t, first.PatternLabel)
	assert.NotEmpty(t, first.ID)
}

func TestCreateSchedulePersistsEveryDose(t *testing.T) {
	f := newFixture(t)

	records, err := f.service.CreateSchedule(context.Background(), twiceDailyRule())
	require.NoError(t, err)
	assert.Len(t, records, 4)

	stored := f.store.All()
	require.Len(t, stored, 4)
	for i := 1; i < len(stored); i++ {
		assert.Equal(t, 12*time.Hour, stored[i].ScheduledAt.Sub(stored[i-1].ScheduledAt))
	}
}

func TestCreateScheduleLabelsIrregularDoses(t *testing.T) {
	f := newFixture(t)
	rule := twiceDailyRule()
	rule.Kind = schedule.KindIrregularPattern
	rule.ValidityStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rule.ValidityEnd = time.Date(2024, 1, 1, 23, 59, 0, 0, time.UTC)
	rule.Patterns = []schedule.Pattern{schedule.PatternEvening}

	records, err := f.service.CreateSchedule(context.Background(), rule)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].Irregular)
	assert.Equal(t, "EVENING", records[0].Label())
}

func TestCreateScheduleRejectsUnsupportedUnit(t *testing.T) {
	f := newFixture(t)
	rule := twiceDailyRule()
	rule.PeriodUnit = "FORTNIGHT"

	_, err := f.service.CreateSchedule(context.Background(), rule)
	var upe *schedule.UnsupportedPeriodUnitError
	require.True(t, errors.As(err, &upe))
	assert.Empty(t, f.store.All())
}

func TestMaterializePartialFailure(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("disk full")
	f.store.CreateErr = func(rec *dose.Record) error {
		if rec.ScheduledAt.Equal(time.Date(2024, 1, 2, 8, 0, 0, 0, time.UTC)) {
			return boom
		}
		return nil
	}

	records, err := f.service.CreateSchedule(context.Background(), twiceDailyRule())
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	assert.Len(t, records, len(f.store.All()))
	assert.Less(t, len(records), 4)
}

func TestRegenerateScheduleReplacesPreviousDoses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old, err := f.service.CreateSchedule(ctx, twiceDailyRule())
	require.NoError(t, err)

	other := twiceDailyRule()
	other.SourceRequestID = "mr-other"
	_, err = f.service.CreateSchedule(ctx, other)
	require.NoError(t, err)

	updated := twiceDailyRule()
	updated.Frequency = 3
	fresh, err := f.service.RegenerateSchedule(ctx, updated)
	require.NoError(t, err)
	assert.Len(t, fresh, 6)

	oldIDs := make(map[string]bool)
	for _, rec := range old {
		oldIDs[rec.ID] = true
	}

	var forRequest int
	for _, rec := range f.store.All() {
		assert.False(t, oldIDs[rec.ID], "old dose %s survived regeneration", rec.ID)
		if rec.SourceRequestID == "mr-100" {
			forRequest++
		}
	}
	assert.Equal(t, 6, forRequest)
	assert.Len(t, f.store.All(), 10)
}

func TestRegenerateScheduleKeepsDosesWhenRuleInvalid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.CreateSchedule(ctx, twiceDailyRule())
	require.NoError(t, err)

	bad := twiceDailyRule()
	bad.Frequency = 0
	_, err = f.service.RegenerateSchedule(ctx, bad)
	require.Error(t, err)
	assert.Len(t, f.store.All(), 4)
}

func TestCancelSchedule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.CreateSchedule(ctx, twiceDailyRule())
	require.NoError(t, err)

	deleted, err := f.service.CancelSchedule(ctx, "mr-100")
	require.NoError(t, err)
	assert.Equal(t, int64(4), deleted)
	assert.Empty(t, f.store.All())
}

func TestUpdateDoseStatusCompletedPublishesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	records, err := f.service.CreateSchedule(ctx, twiceDailyRule())
	require.NoError(t, err)
	target := records[0]

	updated, err := f.service.UpdateDoseStatus(ctx, target.ID, dose.StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, dose.StatusCompleted, updated.Status)
	assert.Equal(t, 2, updated.Version)
	assert.Empty(t, updated.Changes())

	events := f.notifier.EventsOf(dose.EventDoseCompleted)
	require.Len(t, events, 1)
	assert.Equal(t, target.ID, events[0].DoseID)
	assert.Equal(t, "patient-1", events[0].PatientID)

	stored, err := f.store.GetByID(ctx, target.ID)
	require.NoError(t, err)
	assert.Equal(t, dose.StatusCompleted, stored.Status)
}

func TestUpdateDoseStatusRejectsInvalidTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	records, err := f.service.CreateSchedule(ctx, twiceDailyRule())
	require.NoError(t, err)
	id := records[0].ID

	_, err = f.service.UpdateDoseStatus(ctx, id, dose.StatusCompleted)
	require.NoError(t, err)

	_, err = f.service.UpdateDoseStatus(ctx, id, dose.StatusNotTaken)
	var ite *dose.InvalidStatusTransitionError
	require.True(t, errors.As(err, &ite))

	stored, err := f.store.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, dose.StatusCompleted, stored.Status)
	assert.Len(t, f.notifier.EventsOf(dose.EventDoseCompleted), 1)
}

func TestUpdateDoseStatusRollsBackWhenPublishFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	records, err := f.service.CreateSchedule(ctx, twiceDailyRule())
	require.NoError(t, err)

	f.notifier.Err = errors.New("outbox unavailable")
	_, err = f.service.UpdateDoseStatus(ctx, records[0].ID, dose.StatusCompleted)
	require.Error(t, err)

	stored, err := f.store.GetByID(ctx, records[0].ID)
	require.NoError(t, err)
	assert.Equal(t, dose.StatusIntended, stored.Status)
}

func TestUpdateDoseStatusNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.UpdateDoseStatus(context.Background(), "missing", dose.StatusCompleted)
	assert.True(t, errors.Is(err, dose.ErrNotFound))
}

func TestListPatientDoses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.CreateSchedule(ctx, twiceDailyRule())
	require.NoError(t, err)

	day1, err := f.service.ListPatientDoses(ctx, "patient-1",
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 1, 23, 59, 59, 0, time.UTC),
	)
	require.NoError(t, err)
	assert.Len(t, day1, 2)

	none, err := f.service.ListPatientDoses(ctx, "patient-2",
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC),
	)
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = f.service.ListPatientDoses(ctx, "patient-1",
		time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	)
	assert.Error(t, err)
}
