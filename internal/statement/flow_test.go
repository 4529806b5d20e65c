package statement

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/domain/dose/dosetest"
	"github.com/drfirst/go-adherence/internal/domain/schedule"
	"github.com/drfirst/go-adherence/internal/fhir/mapper"
	"github.com/drfirst/go-adherence/internal/fhir/r5"
	"github.com/drfirst/go-adherence/internal/infrastructure/postgres"
	"github.com/drfirst/go-adherence/internal/infrastructure/redpanda"
)

const lisinoprilRequest = `{
	"resourceType": "MedicationRequest",
	"id": "rx-lisinopril",
	"status": "active",
	"intent": "order",
	"medication": {"concept": {"text": "Lisinopril 10mg"}},
	"subject": {"reference": "Patient/p-7"},
	"dispenseRequest": {"validityPeriod": {"start": "2024-01-01T00:00:00Z", "end": "2024-01-02T23:59:00Z"}},
	"dosageInstruction": [{
		"doseAndRate": [{"doseQuantity": {"value": 10, "unit": "mg"}}],
		"timing": {"repeat": {"timeOfDay": ["09:00:00"]}}
	}]
}`

// From prescription to MedicationStatement: the rule is mapped from FHIR,
// doses are materialized, one is completed, and the resulting event is
// relayed and written back to the FHIR server.
func TestCompletedDoseBecomesMedicationStatement(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 9, 5, 0, 0, time.UTC)

	var mr r5.MedicationRequest
	require.NoError(t, mr.FromJSON([]byte(lisinoprilRequest)))
	rule, err := mapper.RuleFromMedicationRequest(&mr)
	require.NoError(t, err)
	require.Equal(t, schedule.KindCustomTimes, rule.Kind)

	store := dosetest.NewStore()
	notifier := &dosetest.Notifier{}
	svc := dose.NewService(
		schedule.NewGenerator(time.UTC, nil),
		dose.NewMaterializer(store, dose.DefaultMaterializerConfig(), time.UTC, nil),
		store, store, notifier, nil,
	).WithClock(func() time.Time { return now })

	records, err := svc.CreateSchedule(ctx, rule)
	require.NoError(t, err)
	require.Len(t, records, 2)

	first := records[0]
	for _, rec := range records[1:] {
		if rec.ScheduledAt.Before(first.ScheduledAt) {
			first = rec
		}
	}
	_, err = svc.UpdateDoseStatus(ctx, first.ID, dose.StatusCompleted)
	require.NoError(t, err)
	events := notifier.EventsOf(dose.EventDoseCompleted)
	require.Len(t, events, 1)

	// what the outbox relay would put on the topic
	entry, err := postgres.NewOutboxEntry(events[0])
	require.NoError(t, err)
	assert.Equal(t, redpanda.TopicDoseCompleted, entry.KafkaTopic)

	fhir := &fakeFHIR{}
	w, _ := newWriter(t, fhir)
	require.NoError(t, w.Handle(ctx, &redpanda.ConsumedMessage{
		Topic: entry.KafkaTopic,
		Key:   []byte(entry.KafkaKey),
		Value: entry.Payload,
	}))

	require.Len(t, fhir.created, 1)
	stmt := fhir.created[0]
	assert.Equal(t, "MedicationRequest/rx-lisinopril", stmt.DerivedFrom[0].Reference)
	assert.Equal(t, "Patient/p-7", stmt.Subject.Reference)
	assert.Equal(t, time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC), stmt.EffectiveDateTime.UTC())
	assert.Equal(t, r5.AdherenceTaking, stmt.AdherenceCode())

	raw, err := json.Marshal(stmt)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"resourceType":"MedicationStatement"`)
}
