package chaos

import (
	"bytes"
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolledger/internal/catalog"
	"toolledger/internal/lending"
	"toolledger/internal/notify"
	"toolledger/internal/storage/memory"
)

type countingSink struct {
	delivered atomic.Int64
}

func (*countingSink) Name() string { return "counting" }

func (s *countingSink) Deliver(context.Context, notify.Notification) error {
	s.delivered.Add(1)
	return nil
}

type harness struct {
	engine  *ChaosEngine
	gateway *FaultySink
	inner   *countingSink
	out     *bytes.Buffer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger, _ := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	store := memory.New()
	tools := catalog.NewMemoryService()
	inner := &countingSink{}
	gateway := NewFaultySink(inner)
	dispatcher := notify.NewDispatcher(gateway, 64, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = dispatcher.Close(ctx)
	})

	ledger := lending.NewService(store, catalog.LedgerView{Service: tools},
		lending.WithPublisher(dispatcher),
		lending.WithLogger(logger),
		lending.WithRetry(5, time.Millisecond),
	)

	out := &bytes.Buffer{}
	engine := NewChaosEngine(ledger, tools, store,
		WithGateway(gateway),
		WithTiming(5*time.Millisecond, time.Millisecond),
		WithOutput(out),
		WithLogger(logger),
	)
	return &harness{engine: engine, gateway: gateway, inner: inner, out: out}
}

func TestRegisterExperiments(t *testing.T) {
	h := newHarness(t)
	h.engine.RegisterExperiments()

	var names []string
	for _, exp := range h.engine.GetExperiments() {
		names = append(names, exp.Name)
	}
	assert.Equal(t, []string{
		"concurrent-borrow-race",
		"return-transfer-race",
		"counter-drift-repair",
		"gateway-outage",
	}, names)
}

func TestRegisterExperimentsWithoutGateway(t *testing.T) {
	engine := NewChaosEngine(nil, nil, nil)
	engine.RegisterExperiments()
	assert.Len(t, engine.GetExperiments(), 3)
}

func TestExperimentsHold(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name string
		exp  func(*ChaosEngine) ChaosExperiment
	}{
		{"concurrent borrow race", func(ce *ChaosEngine) ChaosExperiment { return ce.ConcurrentBorrowRaceExperiment(30) }},
		{"return transfer race", func(ce *ChaosEngine) ChaosExperiment { return ce.ReturnTransferRaceExperiment(10) }},
		{"counter drift repair", func(ce *ChaosEngine) ChaosExperiment { return ce.CounterDriftRepairExperiment() }},
		{"gateway outage", func(ce *ChaosEngine) ChaosExperiment { return ce.GatewayOutageExperiment(5) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			result, err := h.engine.RunExperiment(ctx, tc.exp(h.engine))
			require.NoError(t, err)
			assert.True(t, result.SteadyStateValid)
			assert.True(t, result.HypothesisHeld, "failed: %v", result.FailedAssertions)
			assert.Empty(t, result.ErrorEvents)
		})
	}
}

func TestCounterDriftIsObservedBeforeRepair(t *testing.T) {
	h := newHarness(t)
	result, err := h.engine.RunExperiment(context.Background(), h.engine.CounterDriftRepairExperiment())
	require.NoError(t, err)

	drift := result.Observations["availability_drift"]
	require.NotEmpty(t, drift)
	assert.Equal(t, float64(0), drift[len(drift)-1].Value)
	assert.NotEmpty(t, result.Violations)
	assert.NotNil(t, result.MTTR)
}

func TestGatewayOutageRejectsDeliveries(t *testing.T) {
	h := newHarness(t)
	result, err := h.engine.RunExperiment(context.Background(), h.engine.GatewayOutageExperiment(3))
	require.NoError(t, err)
	assert.True(t, result.HypothesisHeld)

	assert.Eventually(t, func() bool {
		return h.gateway.Rejected()+h.inner.delivered.Load() == 3
	}, time.Second, 5*time.Millisecond)
	assert.Positive(t, h.gateway.Rejected())
}

func TestFaultySink(t *testing.T) {
	inner := &countingSink{}
	sink := NewFaultySink(inner)
	ctx := context.Background()

	require.NoError(t, sink.Deliver(ctx, notify.Notification{Type: notify.LoanReturned}))
	sink.Fail(true)
	assert.ErrorIs(t, sink.Deliver(ctx, notify.Notification{Type: notify.LoanReturned}), ErrGatewayDown)
	sink.Fail(false)
	require.NoError(t, sink.Deliver(ctx, notify.Notification{Type: notify.LoanReturned}))

	assert.Equal(t, int64(2), inner.delivered.Load())
	assert.Equal(t, int64(1), sink.Rejected())
	assert.Equal(t, "counting", sink.Name())
}

func TestExecuteGameDay(t *testing.T) {
	h := newHarness(t)
	h.engine.RegisterExperiments()

	err := h.engine.ExecuteGameDay(context.Background(), GameDay{
		Name:      "ledger resilience",
		Date:      time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC),
		Scenarios: h.engine.GetExperiments(),
	})
	require.NoError(t, err)
	assert.Len(t, h.engine.Results(), 4)
	assert.Contains(t, h.out.String(), "Starting Game Day: ledger resilience")
	assert.Contains(t, h.out.String(), "Hypothesis held")
}

func TestSteadyStateAbort(t *testing.T) {
	h := newHarness(t)
	exp := ChaosExperiment{
		Name: "broken",
		SteadyState: []Metric{{
			Name:      "always_bad",
			Query:     func(context.Context) (float64, error) { return 1, nil },
			Threshold: Threshold{Operator: "==", Value: 0},
		}},
		Duration: time.Millisecond,
	}
	result, err := h.engine.RunExperiment(context.Background(), exp)
	require.Error(t, err)
	assert.False(t, result.SteadyStateValid)
	require.Len(t, result.Violations, 1)
	assert.Equal(t, "always_bad", result.Violations[0].MetricName)
}

func TestEvaluateThreshold(t *testing.T) {
	ce := NewChaosEngine(nil, nil, nil)
	tests := []struct {
		op    string
		value float64
		want  bool
	}{
		{">", 2, true},
		{"<", 2, false},
		{">=", 1, true},
		{"<=", 1, true},
		{"==", 1, true},
		{"!=", 1, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ce.evaluateThreshold(tt.value, Threshold{Operator: tt.op, Value: 1}), tt.op)
	}
}
