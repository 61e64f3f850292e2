// chaos/experiments.go
package chaos

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"toolledger/internal/lending"
	"toolledger/internal/notify"
)

// RegisterExperiments registers all predefined chaos experiments with the engine.
func (ce *ChaosEngine) RegisterExperiments() {
	ce.RegisterExperiment(ce.ConcurrentBorrowRaceExperiment(50))
	ce.RegisterExperiment(ce.ReturnTransferRaceExperiment(20))
	ce.RegisterExperiment(ce.CounterDriftRepairExperiment())
	if ce.gateway != nil {
		ce.RegisterExperiment(ce.GatewayOutageExperiment(10))
	}
}

// auditMetric samples the ledger audit report.
func (ce *ChaosEngine) auditMetric(name string, threshold Threshold, measure func(lending.AuditReport) float64) Metric {
	return Metric{
		Name: name,
		Query: func(ctx context.Context) (float64, error) {
			report, err := ce.ledger.Audit(ctx)
			if err != nil {
				return 0, err
			}
			return measure(report), nil
		},
		Threshold: threshold,
	}
}

func (ce *ChaosEngine) driftMetric() Metric {
	return ce.auditMetric("availability_drift", Threshold{Operator: "==", Value: 0}, func(r lending.AuditReport) float64 {
		total := 0.0
		for _, t := range r.Tools {
			total += math.Abs(float64(t.Drift))
		}
		return total
	})
}

func (ce *ChaosEngine) consistencyMetric() Metric {
	return ce.auditMetric("inconsistent_loans", Threshold{Operator: "==", Value: 0}, func(r lending.AuditReport) float64 {
		return float64(len(r.InconsistentLoans))
	})
}

func (ce *ChaosEngine) addTool(ctx context.Context, name string, total int) (uuid.UUID, error) {
	tool, err := ce.tools.AddToolType(ctx, fmt.Sprintf("%s-%s", name, uuid.NewString()[:8]), "", "chaos experiment", total)
	if err != nil {
		return uuid.Nil, err
	}
	return tool.ID, nil
}

// ConcurrentBorrowRaceExperiment fires many single-unit borrows at one tool
// type and checks that no more than its total were lent.
func (ce *ChaosEngine) ConcurrentBorrowRaceExperiment(concurrency int) ChaosExperiment {
	const total = 5
	var granted atomic.Int64

	overdrawn := Metric{
		Name: "overdrawn_units",
		Query: func(context.Context) (float64, error) {
			return math.Max(0, float64(granted.Load()-total)), nil
		},
		Threshold: Threshold{Operator: "==", Value: 0},
	}

	return ChaosExperiment{
		Name:        "concurrent-borrow-race",
		Hypothesis:  "Concurrent borrows never lend more units than the catalog owns",
		SteadyState: []Metric{ce.driftMetric(), ce.consistencyMetric(), overdrawn},
		Method: []Action{
			{
				Type:   "concurrent-requests",
				Target: "ledger",
				Parameters: map[string]interface{}{
					"concurrency": concurrency,
					"total":       total,
				},
				Execute: func(ctx context.Context) error {
					tool, err := ce.addTool(ctx, "race-drill", total)
					if err != nil {
						return err
					}

					var wg sync.WaitGroup
					unexpected := make(chan error, concurrency)
					for i := 0; i < concurrency; i++ {
						wg.Add(1)
						go func(i int) {
							defer wg.Done()
							_, err := ce.ledger.CreateLoan(ctx, lending.CreateLoanRequest{
								EmployeeID:   fmt.Sprintf("chaos-%d", i),
								EmployeeName: "chaos worker",
								ToolLines:    []lending.ToolLine{{ToolTypeID: tool, Quantity: 1}},
								Actor:        "chaos",
							})
							switch {
							case err == nil:
								granted.Add(1)
							case errors.Is(err, lending.ErrInsufficientAvailability), errors.Is(err, lending.ErrConflict):
							default:
								unexpected <- err
							}
						}(i)
					}
					wg.Wait()
					close(unexpected)
					return errors.Join(drainErrors(unexpected)...)
				},
			},
		},
		Validation: []Assertion{
			{
				Metric:    "overdrawn_units",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "No more units than the total may be lent",
			},
			{
				Metric:    "availability_drift",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "Counters must equal total minus quantity on loan",
			},
		},
		Duration:    3 * ce.interval,
		BlastRadius: 0.1,
	}
}

// ReturnTransferRaceExperiment races returns against transfers of the same
// line. Exactly one of them may win.
func (ce *ChaosEngine) ReturnTransferRaceExperiment(concurrency int) ChaosExperiment {
	var winners atomic.Int64

	extraWinners := Metric{
		Name: "extra_winners",
		Query: func(context.Context) (float64, error) {
			return math.Max(0, float64(winners.Load()-1)), nil
		},
		Threshold: Threshold{Operator: "==", Value: 0},
	}

	return ChaosExperiment{
		Name:        "return-transfer-race",
		Hypothesis:  "A line raced by returns and transfers leaves the loan exactly once",
		SteadyState: []Metric{ce.driftMetric(), ce.consistencyMetric(), extraWinners},
		Method: []Action{
			{
				Type:   "concurrent-requests",
				Target: "ledger",
				Parameters: map[string]interface{}{
					"concurrency": concurrency,
				},
				Execute: func(ctx context.Context) error {
					tool, err := ce.addTool(ctx, "race-saw", 3)
					if err != nil {
						return err
					}
					loan, err := ce.ledger.CreateLoan(ctx, lending.CreateLoanRequest{
						EmployeeID:   "chaos-origin",
						EmployeeName: "chaos origin",
						ToolLines:    []lending.ToolLine{{ToolTypeID: tool, Quantity: 2}},
						Actor:        "chaos",
					})
					if err != nil {
						return err
					}

					var wg sync.WaitGroup
					unexpected := make(chan error, concurrency)
					for i := 0; i < concurrency; i++ {
						wg.Add(1)
						go func(i int) {
							defer wg.Done()
							var err error
							if i%2 == 0 {
								_, err = ce.ledger.ReturnTools(ctx, loan.ID, lending.ReturnRequest{ToolTypeIDs: []uuid.UUID{tool}, Actor: "chaos"})
							} else {
								_, _, err = ce.ledger.TransferTool(ctx, loan.ID, lending.TransferRequest{
									ToolTypeID:              tool,
									DestinationEmployeeID:   fmt.Sprintf("chaos-dest-%d", i),
									DestinationEmployeeName: "chaos destination",
									Actor:                   "chaos",
								})
							}
							switch {
							case err == nil:
								winners.Add(1)
							case errors.Is(err, lending.ErrNotActive), errors.Is(err, lending.ErrConflict):
							default:
								unexpected <- err
							}
						}(i)
					}
					wg.Wait()
					close(unexpected)
					return errors.Join(drainErrors(unexpected)...)
				},
			},
		},
		Validation: []Assertion{
			{
				Metric:    "extra_winners",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "Only one return or transfer may succeed",
			},
			{
				Metric:    "availability_drift",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "Quantity must be released at most once",
			},
			{
				Metric:    "inconsistent_loans",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "Loans without lines must be returned",
			},
		},
		Duration:    3 * ce.interval,
		BlastRadius: 0.1,
	}
}

// CounterDriftRepairExperiment corrupts a counter while a background
// reconciler runs, and expects the reconciler to repair it.
func (ce *ChaosEngine) CounterDriftRepairExperiment() ChaosExperiment {
	var (
		stop    context.CancelFunc = func() {}
		running sync.WaitGroup
	)

	return ChaosExperiment{
		Name:        "counter-drift-repair",
		Hypothesis:  "Reconciliation rebuilds a corrupted availability counter from the loans",
		SteadyState: []Metric{ce.driftMetric()},
		Method: []Action{
			{
				Type:   "corruption",
				Target: "availability-counter",
				Execute: func(ctx context.Context) error {
					tool, err := ce.addTool(ctx, "drift-ladder", 4)
					if err != nil {
						return err
					}
					if _, err := ce.ledger.CreateLoan(ctx, lending.CreateLoanRequest{
						EmployeeID:   "chaos-drift",
						EmployeeName: "chaos drift",
						ToolLines:    []lending.ToolLine{{ToolTypeID: tool, Quantity: 1}},
						Actor:        "chaos",
					}); err != nil {
						return err
					}
					ce.store.Corrupt(tool, 4)
					return nil
				},
			},
			{
				Type:   "start-reconciler",
				Target: "ledger",
				Parameters: map[string]interface{}{
					"every": 3 * ce.interval,
				},
				Execute: func(ctx context.Context) error {
					var runCtx context.Context
					runCtx, stop = context.WithCancel(context.Background())
					running.Add(1)
					go func() {
						defer running.Done()
						ticker := time.NewTicker(3 * ce.interval)
						defer ticker.Stop()
						for {
							select {
							case <-runCtx.Done():
								return
							case <-ticker.C:
								if _, err := ce.ledger.ReconcileAll(runCtx); err != nil && runCtx.Err() == nil {
									ce.log.WithError(err).Warn("reconcile failed")
								}
							}
						}
					}()
					return nil
				},
			},
		},
		Rollback: []Action{
			{
				Type:   "stop-reconciler",
				Target: "ledger",
				Execute: func(ctx context.Context) error {
					stop()
					running.Wait()
					return nil
				},
			},
		},
		Validation: []Assertion{
			{
				Metric:    "availability_drift",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "Drift must be repaired by reconciliation",
			},
		},
		Duration:    8 * ce.interval,
		BlastRadius: 0.1,
	}
}

// GatewayOutageExperiment fails every notification delivery and checks that
// returns keep succeeding.
func (ce *ChaosEngine) GatewayOutageExperiment(cycles int) ChaosExperiment {
	var attempts, failures atomic.Int64

	errorRate := Metric{
		Name: "ledger_error_rate",
		Query: func(context.Context) (float64, error) {
			n := attempts.Load()
			if n == 0 {
				return 0, nil
			}
			return float64(failures.Load()) / float64(n) * 100, nil
		},
		Threshold: Threshold{Operator: "==", Value: 0},
	}

	return ChaosExperiment{
		Name:        "gateway-outage",
		Hypothesis:  "Loan operations succeed while the reminder gateway is down",
		SteadyState: []Metric{ce.driftMetric(), errorRate},
		Method: []Action{
			{
				Type:   "outage",
				Target: "notification-gateway",
				Execute: func(ctx context.Context) error {
					ce.gateway.Fail(true)
					return nil
				},
			},
			{
				Type:   "borrow-return-cycles",
				Target: "ledger",
				Parameters: map[string]interface{}{
					"cycles": cycles,
				},
				Execute: func(ctx context.Context) error {
					tool, err := ce.addTool(ctx, "outage-hammer", 1)
					if err != nil {
						return err
					}
					for i := 0; i < cycles; i++ {
						attempts.Add(1)
						loan, err := ce.ledger.CreateLoan(ctx, lending.CreateLoanRequest{
							EmployeeID:   "chaos-outage",
							EmployeeName: "chaos outage",
							ToolLines:    []lending.ToolLine{{ToolTypeID: tool, Quantity: 1}},
							Actor:        "chaos",
						})
						if err == nil {
							_, err = ce.ledger.ReturnTools(ctx, loan.ID, lending.ReturnRequest{ToolTypeIDs: []uuid.UUID{tool}, Actor: "chaos"})
						}
						if err != nil {
							failures.Add(1)
						}
					}
					return nil
				},
			},
		},
		Rollback: []Action{
			{
				Type:   "restore",
				Target: "notification-gateway",
				Execute: func(ctx context.Context) error {
					ce.gateway.Fail(false)
					return nil
				},
			},
		},
		Validation: []Assertion{
			{
				Metric:    "ledger_error_rate",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "No loan operation may fail because of the gateway",
			},
		},
		Duration:    3 * ce.interval,
		BlastRadius: 0.1,
	}
}

// FaultySink wraps a notification sink with a switchable outage.
type FaultySink struct {
	notify.Sink
	failing  atomic.Bool
	rejected atomic.Int64
}

var ErrGatewayDown = errors.New("gateway unavailable")

func NewFaultySink(sink notify.Sink) *FaultySink {
	return &FaultySink{Sink: sink}
}

// Fail switches the outage on or off.
func (s *FaultySink) Fail(on bool) { s.failing.Store(on) }

// Rejected counts deliveries refused during outages.
func (s *FaultySink) Rejected() int64 { return s.rejected.Load() }

func (s *FaultySink) Deliver(ctx context.Context, n notify.Notification) error {
	if s.failing.Load() {
		s.rejected.Add(1)
		return ErrGatewayDown
	}
	return s.Sink.Deliver(ctx, n)
}

func drainErrors(ch <-chan error) []error {
	var out []error
	for err := range ch {
		out = append(out, err)
	}
	return out
}
