// chaos/engine.go
package chaos

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"toolledger/internal/catalog"
	"toolledger/internal/lending"
)

// ChaosExperiment defines a chaos engineering test
type ChaosExperiment struct {
	Name        string
	Hypothesis  string
	SteadyState []Metric
	Method      []Action
	Rollback    []Action
	Validation  []Assertion
	Duration    time.Duration
	BlastRadius float64 // 0.0 to 1.0 (share of tool types touched)
}

// Metric defines a measurable ledger property
type Metric struct {
	Name      string
	Query     func(context.Context) (float64, error)
	Threshold Threshold
}

type Threshold struct {
	Operator string // >, <, >=, <=, ==
	Value    float64
}

// Action represents a fault injection or recovery action
type Action struct {
	Type       string // race, corruption, outage
	Target     string // component name
	Parameters map[string]interface{}
	Execute    func(context.Context) error
}

// Assertion validates experiment outcome against the sample taken after
// rollback.
type Assertion struct {
	Metric    string
	Condition func(float64) bool
	Message   string
}

// ExperimentResult captures experiment execution data
type ExperimentResult struct {
	ExperimentName   string                 `json:"experiment_name"`
	StartTime        time.Time              `json:"start_time"`
	EndTime          time.Time              `json:"end_time"`
	Duration         time.Duration          `json:"duration"`
	HypothesisHeld   bool                   `json:"hypothesis_held"`
	SteadyStateValid bool                   `json:"steady_state_valid"`
	Violations       []MetricViolation      `json:"violations"`
	Observations     map[string][]DataPoint `json:"observations"`
	ErrorEvents      []ErrorEvent           `json:"error_events"`
	FailedAssertions []string               `json:"failed_assertions,omitempty"`
	MTTR             *time.Duration         `json:"mttr,omitempty"`
}

type MetricViolation struct {
	MetricName string    `json:"metric_name"`
	Expected   float64   `json:"expected"`
	Actual     float64   `json:"actual"`
	Timestamp  time.Time `json:"timestamp"`
}

type DataPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

type ErrorEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error"`
	Component string    `json:"component"`
}

// Corrupter overwrites an availability counter behind the ledger's back.
type Corrupter interface {
	Corrupt(toolTypeID uuid.UUID, available int)
}

// ChaosEngine orchestrates chaos experiments against a running ledger.
type ChaosEngine struct {
	tracer  trace.Tracer
	ledger  lending.Service
	tools   catalog.Service
	store   Corrupter
	gateway *FaultySink
	log     logrus.FieldLogger
	out     io.Writer

	interval time.Duration
	pause    time.Duration

	experiments []ChaosExperiment
	results     []ExperimentResult
	mu          sync.Mutex
}

// EngineOption configures the engine.
type EngineOption func(*ChaosEngine)

// WithGateway enables the notification outage experiment.
func WithGateway(s *FaultySink) EngineOption {
	return func(ce *ChaosEngine) { ce.gateway = s }
}

// WithTiming sets the sampling interval and the pause between experiments.
func WithTiming(interval, pause time.Duration) EngineOption {
	return func(ce *ChaosEngine) {
		ce.interval = interval
		ce.pause = pause
	}
}

func WithOutput(w io.Writer) EngineOption {
	return func(ce *ChaosEngine) { ce.out = w }
}

func WithLogger(l logrus.FieldLogger) EngineOption {
	return func(ce *ChaosEngine) { ce.log = l }
}

func NewChaosEngine(ledger lending.Service, tools catalog.Service, store Corrupter, opts ...EngineOption) *ChaosEngine {
	ce := &ChaosEngine{
		tracer:      otel.Tracer("toolledger/chaos"),
		ledger:      ledger,
		tools:       tools,
		store:       store,
		log:         logrus.StandardLogger(),
		out:         os.Stdout,
		interval:    1 * time.Second,
		pause:       30 * time.Second,
		experiments: make([]ChaosExperiment, 0),
		results:     make([]ExperimentResult, 0),
	}
	for _, opt := range opts {
		opt(ce)
	}
	return ce
}

// RegisterExperiment adds an experiment to the test suite
func (ce *ChaosEngine) RegisterExperiment(exp ChaosExperiment) {
	ce.mu.Lock()
	defer ce.mu.Unlock()
	ce.experiments = append(ce.experiments, exp)
}

// GetExperiments returns the list of registered experiments.
func (ce *ChaosEngine) GetExperiments() []ChaosExperiment {
	ce.mu.Lock()
	defer ce.mu.Unlock()
	return append([]ChaosExperiment(nil), ce.experiments...)
}

// Results returns the results recorded so far.
func (ce *ChaosEngine) Results() []ExperimentResult {
	ce.mu.Lock()
	defer ce.mu.Unlock()
	return append([]ExperimentResult(nil), ce.results...)
}

// RunExperiment executes a single chaos experiment
func (ce *ChaosEngine) RunExperiment(ctx context.Context, exp ChaosExperiment) (*ExperimentResult, error) {
	ctx, span := ce.tracer.Start(ctx, "chaos.run_experiment",
		trace.WithAttributes(
			attribute.String("experiment.name", exp.Name),
		),
	)
	defer span.End()

	result := &ExperimentResult{
		ExperimentName: exp.Name,
		StartTime:      time.Now(),
		Observations:   make(map[string][]DataPoint),
		ErrorEvents:    make([]ErrorEvent, 0),
	}

	// Phase 1: Validate steady state
	span.AddEvent("validating_steady_state")
	if valid, violations := ce.validateSteadyState(ctx, exp.SteadyState); !valid {
		result.SteadyStateValid = false
		result.Violations = violations
		return result, errors.New("steady state invalid - aborting experiment")
	}
	result.SteadyStateValid = true

	// Phase 2: Inject chaos
	span.AddEvent("injecting_chaos")
	for _, action := range exp.Method {
		if err := action.Execute(ctx); err != nil {
			result.ErrorEvents = append(result.ErrorEvents, ErrorEvent{
				Timestamp: time.Now(),
				Error:     err.Error(),
				Component: action.Target,
			})
			span.RecordError(err)
		}
	}

	// Phase 3: Observe ledger behavior
	span.AddEvent("observing_ledger")
	observationCtx, cancel := context.WithTimeout(ctx, exp.Duration)
	defer cancel()

	recoveryStart := time.Time{}
	recovered := false

	ticker := time.NewTicker(ce.interval)
	defer ticker.Stop()

observe:
	for {
		select {
		case <-observationCtx.Done():
			break observe
		case <-ticker.C:
			for _, metric := range exp.SteadyState {
				value, ok := ce.sample(ctx, metric, result)
				if !ok {
					continue
				}
				if !ce.evaluateThreshold(value, metric.Threshold) {
					if recoveryStart.IsZero() {
						recoveryStart = time.Now()
					}
					result.Violations = append(result.Violations, MetricViolation{
						MetricName: metric.Name,
						Expected:   metric.Threshold.Value,
						Actual:     value,
						Timestamp:  time.Now(),
					})
				} else if !recoveryStart.IsZero() && !recovered {
					mttr := time.Since(recoveryStart)
					result.MTTR = &mttr
					recovered = true
				}
			}
		}
	}

	// Phase 4: Rollback chaos injection
	span.AddEvent("rolling_back")
	for _, action := range exp.Rollback {
		if err := action.Execute(ctx); err != nil {
			span.RecordError(err)
		}
	}

	// Phase 5: Validate assertions
	span.AddEvent("validating_assertions")
	for _, metric := range exp.SteadyState {
		ce.sample(ctx, metric, result)
	}
	result.HypothesisHeld = ce.validateAssertions(exp.Validation, result)
	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	ce.mu.Lock()
	ce.results = append(ce.results, *result)
	ce.mu.Unlock()

	span.SetAttributes(
		attribute.Bool("hypothesis_held", result.HypothesisHeld),
		attribute.Int("violations", len(result.Violations)),
	)
	ce.log.WithFields(logrus.Fields{
		"experiment":      exp.Name,
		"hypothesis_held": result.HypothesisHeld,
		"violations":      len(result.Violations),
	}).Info("experiment finished")

	return result, nil
}

// sample queries metric and records the observation.
func (ce *ChaosEngine) sample(ctx context.Context, metric Metric, result *ExperimentResult) (float64, bool) {
	value, err := metric.Query(ctx)
	if err != nil {
		result.ErrorEvents = append(result.ErrorEvents, ErrorEvent{
			Timestamp: time.Now(),
			Error:     err.Error(),
			Component: metric.Name,
		})
		return 0, false
	}
	result.Observations[metric.Name] = append(
		result.Observations[metric.Name],
		DataPoint{Timestamp: time.Now(), Value: value},
	)
	return value, true
}

func (ce *ChaosEngine) validateSteadyState(ctx context.Context, metrics []Metric) (bool, []MetricViolation) {
	violations := make([]MetricViolation, 0)

	for _, metric := range metrics {
		value, err := metric.Query(ctx)
		if err != nil {
			violations = append(violations, MetricViolation{
				MetricName: metric.Name,
				Expected:   metric.Threshold.Value,
				Actual:     -1,
				Timestamp:  time.Now(),
			})
			continue
		}

		if !ce.evaluateThreshold(value, metric.Threshold) {
			violations = append(violations, MetricViolation{
				MetricName: metric.Name,
				Expected:   metric.Threshold.Value,
				Actual:     value,
				Timestamp:  time.Now(),
			})
		}
	}

	return len(violations) == 0, violations
}

func (ce *ChaosEngine) evaluateThreshold(value float64, threshold Threshold) bool {
	switch threshold.Operator {
	case ">":
		return value > threshold.Value
	case "<":
		return value < threshold.Value
	case ">=":
		return value >= threshold.Value
	case "<=":
		return value <= threshold.Value
	case "==":
		return value == threshold.Value
	default:
		return false
	}
}

func (ce *ChaosEngine) validateAssertions(assertions []Assertion, result *ExperimentResult) bool {
	held := true
	for _, assertion := range assertions {
		observations := result.Observations[assertion.Metric]
		if len(observations) == 0 {
			result.FailedAssertions = append(result.FailedAssertions, assertion.Message+" (no data)")
			held = false
			continue
		}

		finalValue := observations[len(observations)-1].Value
		if !assertion.Condition(finalValue) {
			result.FailedAssertions = append(result.FailedAssertions, assertion.Message)
			held = false
		}
	}
	return held
}

// GameDay orchestrates a series of chaos experiments.
type GameDay struct {
	Name         string
	Date         time.Time
	Scenarios    []ChaosExperiment
	Participants []string
	Runbooks     map[string]string
}

// ExecuteGameDay runs every scenario and reports whether all hypotheses held.
func (ce *ChaosEngine) ExecuteGameDay(ctx context.Context, gameDay GameDay) error {
	ctx, span := ce.tracer.Start(ctx, "chaos.game_day",
		trace.WithAttributes(
			attribute.String("gameday.name", gameDay.Name),
		),
	)
	defer span.End()

	fmt.Fprintf(ce.out, "🎮 Starting Game Day: %s\n", gameDay.Name)
	fmt.Fprintf(ce.out, "📅 Date: %s\n", gameDay.Date.Format(time.RFC3339))

	failed := 0
	for i, scenario := range gameDay.Scenarios {
		fmt.Fprintf(ce.out, "\n🔬 Experiment %d/%d: %s\n", i+1, len(gameDay.Scenarios), scenario.Name)
		fmt.Fprintf(ce.out, "💡 Hypothesis: %s\n", scenario.Hypothesis)

		result, err := ce.RunExperiment(ctx, scenario)
		if err != nil {
			fmt.Fprintf(ce.out, "❌ Experiment failed: %v\n", err)
			failed++
			continue
		}
		if !result.HypothesisHeld {
			failed++
		}

		ce.printExperimentResult(result)

		if i < len(gameDay.Scenarios)-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(ce.pause):
			}
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d experiments failed", failed, len(gameDay.Scenarios))
	}
	return nil
}

func (ce *ChaosEngine) printExperimentResult(result *ExperimentResult) {
	if result.HypothesisHeld {
		fmt.Fprintf(ce.out, "✅ Hypothesis held - ledger behaved as expected\n")
	} else {
		fmt.Fprintf(ce.out, "❌ Hypothesis violated - unexpected behavior observed\n")
		for _, msg := range result.FailedAssertions {
			fmt.Fprintf(ce.out, "   - %s\n", msg)
		}
	}

	if len(result.Violations) > 0 {
		fmt.Fprintf(ce.out, "⚠️  Violations detected: %d\n", len(result.Violations))
		for _, v := range result.Violations {
			fmt.Fprintf(ce.out, "   - %s: expected %.2f, got %.2f\n", v.MetricName, v.Expected, v.Actual)
		}
	}

	if result.MTTR != nil {
		fmt.Fprintf(ce.out, "⏱️  MTTR: %s\n", *result.MTTR)
	}

	fmt.Fprintf(ce.out, "📊 Duration: %s\n", result.Duration)
}
