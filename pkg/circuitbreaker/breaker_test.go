package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream unavailable")

func testConfig() Config {
	cfg := DefaultConfig("fhir-test")
	cfg.FailureThreshold = 3
	cfg.MinRequests = 100
	cfg.Timeout = time.Hour
	return cfg
}

func fail() (interface{}, error) { return nil, errUpstream }

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var (
		mu          sync.Mutex
		transitions []State
	)
	cfg := testConfig()
	cfg.OnStateChange = func(name string, to State) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "fhir-test", name)
		transitions = append(transitions, to)
	}

	cb, err := New(cfg, nil)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := cb.Execute(ctx, fail)
		assert.ErrorIs(t, err, errUpstream)
	}

	assert.True(t, cb.IsOpen())
	_, err = cb.Execute(ctx, func() (interface{}, error) { return "ok", nil })
	assert.True(t, IsOpenError(err))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateOpen}, transitions)
	assert.Equal(t, 2, StateOpen.Ordinal())
}

func TestBreakerIgnoresErrorsMarkedSuccessful(t *testing.T) {
	errRejected := errors.New("422 unprocessable")
	cfg := testConfig()
	cfg.IsSuccessful = func(err error) bool { return errors.Is(err, errRejected) }

	cb, err := New(cfg, nil)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := cb.Execute(ctx, func() (interface{}, error) { return nil, errRejected })
		assert.ErrorIs(t, err, errRejected)
	}
	assert.True(t, cb.IsClosed())
}

func TestManagerHealthStatus(t *testing.T) {
	m := NewManager(nil)
	a, err := m.GetOrCreate("fhir", testConfig())
	require.NoError(t, err)
	b, err := m.GetOrCreate("fhir", testConfig())
	require.NoError(t, err)
	assert.Same(t, a, b)

	statuses := m.GetHealthStatus()
	require.Len(t, statuses, 1)
	assert.Equal(t, "fhir", statuses[0].Name)
	assert.True(t, statuses[0].Healthy)
}
