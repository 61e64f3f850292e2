package lending

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"toolledger/internal/metrics"
	"toolledger/internal/notify"
	"toolledger/pkg/eventstore"
)

const (
	defaultActor     = "anonymous"
	defaultPageLimit = 50
	maxPageLimit     = 500
	maxFeedLimit     = 1000
)

// service implements the Service interface.
type service struct {
	store     Store
	catalog   Catalog
	directory Directory
	publisher notify.Publisher
	recalc    *Recalculator
	log       logrus.FieldLogger
	tracer    trace.Tracer

	now          func() time.Time
	newID        func() uuid.UUID
	attempts     int
	retryInitial time.Duration
}

// Option configures the service.
type Option func(*service)

// WithDirectory validates employees against a directory and fills blank
// employee names from it.
func WithDirectory(d Directory) Option {
	return func(s *service) { s.directory = d }
}

func WithPublisher(p notify.Publisher) Option {
	return func(s *service) { s.publisher = p }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(s *service) { s.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *service) { s.now = now }
}

func WithIDGenerator(newID func() uuid.UUID) Option {
	return func(s *service) { s.newID = newID }
}

// WithRetry bounds the retry-on-conflict loop.
func WithRetry(attempts int, initial time.Duration) Option {
	return func(s *service) {
		if attempts > 0 {
			s.attempts = attempts
		}
		if initial > 0 {
			s.retryInitial = initial
		}
	}
}

// NewService creates a new ledger service instance.
func NewService(store Store, catalog Catalog, opts ...Option) Service {
	s := &service{
		store:        store,
		catalog:      catalog,
		publisher:    notify.Discard{},
		log:          logrus.StandardLogger(),
		tracer:       otel.Tracer("toolledger/lending"),
		now:          func() time.Time { return time.Now().UTC() },
		newID:        uuid.New,
		attempts:     3,
		retryInitial: 10 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.recalc = NewRecalculator(store, catalog, s.log)
	return s
}

// CreateLoan checks every line against the catalog, then inserts the loan and
// decrements availability in one commit.
func (s *service) CreateLoan(ctx context.Context, req CreateLoanRequest) (loan Loan, err error) {
	ctx, done := s.observe(ctx, "create_loan")
	defer func() { done(err) }()

	employeeID := strings.TrimSpace(req.EmployeeID)
	if employeeID == "" {
		return Loan{}, fmt.Errorf("%w: employee_id is required", ErrInvalidInput)
	}
	lines, err := normalizeLines(req.ToolLines)
	if err != nil {
		return Loan{}, err
	}
	employeeName, err := s.resolveEmployee(ctx, employeeID, req.EmployeeName)
	if err != nil {
		return Loan{}, err
	}

	adjustments := make([]Adjustment, 0, len(lines))
	for i := range lines {
		tool, err := s.lookupTool(ctx, lines[i].ToolTypeID)
		if err != nil {
			return Loan{}, err
		}
		if lines[i].Name == "" {
			lines[i].Name = tool.Name
		}
		if lines[i].Code == "" {
			lines[i].Code = tool.Code
		}
		if lines[i].Description == "" {
			lines[i].Description = tool.Description
		}
		adjustments = append(adjustments, Adjustment{
			ToolTypeID: tool.ID,
			Name:       tool.Name,
			Delta:      -lines[i].Quantity,
			Total:      tool.TotalQuantity,
			SyncTotal:  true,
		})
	}

	actor := actorOrDefault(req.Actor)
	loan = newLoan(s.newID(), employeeID, employeeName, lines, nil, s.now())
	loan.Observations = strings.TrimSpace(req.Observations)

	evt, err := s.event(EventLoanCreated, LoanCreatedEvent{
		LoanID:       loan.ID,
		EmployeeID:   loan.EmployeeID,
		EmployeeName: loan.EmployeeName,
		ToolLines:    loan.ToolLines,
		LoanDate:     loan.LoanDate,
	}, actor)
	if err != nil {
		return Loan{}, err
	}
	write := versioned(loan, 0, evt)

	var res CommitResult
	err = s.retry(ctx, "create_loan", func() error {
		var err error
		res, err = s.store.Commit(ctx, Change{Loans: []LoanWrite{write}, Adjustments: adjustments})
		return err
	})
	if err != nil {
		return Loan{}, err
	}

	s.recalc.writeBack(ctx, res.Available)
	s.log.WithFields(logrus.Fields{
		"loan_id":     write.Loan.ID,
		"employee_id": employeeID,
		"lines":       len(lines),
		"actor":       actor,
	}).Info("loan created")
	return write.Loan, nil
}

func (s *service) GetLoan(ctx context.Context, loanID uuid.UUID) (Loan, error) {
	return s.store.GetLoan(ctx, loanID)
}

func (s *service) ListLoans(ctx context.Context, filter LoanFilter) (LoanPage, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return LoanPage{}, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, filter.Status)
	}
	if filter.From != nil && filter.To != nil && filter.From.After(*filter.To) {
		return LoanPage{}, fmt.Errorf("%w: from is after to", ErrInvalidInput)
	}
	page, err := normalizePage(filter.Page)
	if err != nil {
		return LoanPage{}, err
	}
	filter.Page = page

	items, total, err := s.store.ListLoans(ctx, filter)
	if err != nil {
		return LoanPage{}, err
	}
	out := LoanPage{Items: items, Total: total}
	if out.Items == nil {
		out.Items = []Loan{}
	}
	if next := page.Offset + len(items); next < total {
		out.NextOffset = &next
	}
	return out, nil
}

func (s *service) ActiveLoansForEmployee(ctx context.Context, employeeID string) ([]Loan, error) {
	employeeID = strings.TrimSpace(employeeID)
	if employeeID == "" {
		return nil, fmt.Errorf("%w: employee_id is required", ErrInvalidInput)
	}
	loans, _, err := s.store.ListLoans(ctx, LoanFilter{
		EmployeeID: employeeID,
		Status:     StatusActive,
		Page:       Page{Order: OrderAsc},
	})
	if err != nil {
		return nil, err
	}
	if loans == nil {
		loans = []Loan{}
	}
	return loans, nil
}

// ReturnTools returns whole lines and releases their current quantity.
func (s *service) ReturnTools(ctx context.Context, loanID uuid.UUID, req ReturnRequest) (loan Loan, err error) {
	ctx, done := s.observe(ctx, "return_tools")
	defer func() { done(err) }()

	actor := actorOrDefault(req.Actor)
	var (
		released []ToolLine
		res      CommitResult
	)
	err = s.retry(ctx, "return_tools", func() error {
		cur, err := s.store.GetLoan(ctx, loanID)
		if err != nil {
			return err
		}
		now := s.now()
		next, out, err := applyReturn(cur, req.ToolTypeIDs, req.ReturnedByThirdParty, actor, now)
		if err != nil {
			return err
		}
		evt, err := s.event(EventToolsReturned, ToolsReturnedEvent{
			LoanID:               cur.ID,
			Returned:             out,
			ReturnedByThirdParty: req.ReturnedByThirdParty,
			ReturnDate:           now,
			Closed:               next.Status == StatusReturned,
		}, actor)
		if err != nil {
			return err
		}
		write := versioned(next, cur.Version, evt)
		res, err = s.store.Commit(ctx, Change{Loans: []LoanWrite{write}, Adjustments: releaseAdjustments(out)})
		if err != nil {
			return err
		}
		loan, released = write.Loan, out
		return nil
	})
	if err != nil {
		return Loan{}, err
	}

	s.recalc.writeBack(ctx, res.Available)
	s.publish(notify.LoanReturned, loan.EmployeeID, loan.ID, lineNames(released))
	s.log.WithFields(logrus.Fields{
		"loan_id": loan.ID,
		"lines":   len(released),
		"status":  loan.Status,
		"actor":   actor,
	}).Info("tools returned")
	return loan, nil
}

// TransferTool moves one whole line to a new loan for another employee.
// Availability does not change.
func (s *service) TransferTool(ctx context.Context, sourceLoanID uuid.UUID, req TransferRequest) (source, dest Loan, err error) {
	ctx, done := s.observe(ctx, "transfer_tool")
	defer func() { done(err) }()

	req.DestinationEmployeeID = strings.TrimSpace(req.DestinationEmployeeID)
	if req.DestinationEmployeeID == "" {
		return Loan{}, Loan{}, fmt.Errorf("%w: destination_employee_id is required", ErrInvalidInput)
	}
	if req.ToolTypeID == uuid.Nil {
		return Loan{}, Loan{}, fmt.Errorf("%w: tool_type_id is required", ErrInvalidInput)
	}
	req.Actor = actorOrDefault(req.Actor)
	req.Observation = strings.TrimSpace(req.Observation)
	req.DestinationEmployeeName, err = s.resolveEmployee(ctx, req.DestinationEmployeeID, req.DestinationEmployeeName)
	if err != nil {
		return Loan{}, Loan{}, err
	}

	destID := s.newID()
	err = s.retry(ctx, "transfer_tool", func() error {
		cur, err := s.store.GetLoan(ctx, sourceLoanID)
		if err != nil {
			return err
		}
		now := s.now()
		nextSrc, newDest, err := applyTransfer(cur, destID, req, now)
		if err != nil {
			return err
		}
		line := newDest.ToolLines[0]
		outEvt, err := s.event(EventToolTransferredOut, ToolTransferredEvent{
			SourceLoanID:          cur.ID,
			DestinationLoanID:     destID,
			DestinationEmployeeID: req.DestinationEmployeeID,
			ToolLine:              line,
			TransferDate:          now,
			Observation:           req.Observation,
			Closed:                nextSrc.Status == StatusReturned,
		}, req.Actor)
		if err != nil {
			return err
		}
		inEvt, err := s.event(EventLoanCreatedByTransfer, LoanCreatedEvent{
			LoanID:           destID,
			EmployeeID:       newDest.EmployeeID,
			EmployeeName:     newDest.EmployeeName,
			ToolLines:        newDest.ToolLines,
			LoanDate:         now,
			IncomingTransfer: newDest.IncomingTransfer,
		}, req.Actor)
		if err != nil {
			return err
		}
		srcWrite := versioned(nextSrc, cur.Version, outEvt)
		destWrite := versioned(newDest, 0, inEvt)
		if _, err := s.store.Commit(ctx, Change{Loans: []LoanWrite{srcWrite, destWrite}}); err != nil {
			return err
		}
		source, dest = srcWrite.Loan, destWrite.Loan
		return nil
	})
	if err != nil {
		return Loan{}, Loan{}, err
	}

	s.publish(notify.ToolTransferred, dest.EmployeeID, dest.ID, dest.ToolNames())
	s.log.WithFields(logrus.Fields{
		"source_loan_id":      source.ID,
		"destination_loan_id": dest.ID,
		"tool_type_id":        req.ToolTypeID,
		"actor":               req.Actor,
	}).Info("tool transferred")
	return source, dest, nil
}

// EditLoan lowers or drops lines and replaces observations. Released quantity
// goes back to availability in the same commit.
func (s *service) EditLoan(ctx context.Context, loanID uuid.UUID, req EditRequest) (loan Loan, err error) {
	ctx, done := s.observe(ctx, "edit_loan")
	defer func() { done(err) }()

	req.Actor = actorOrDefault(req.Actor)
	var res CommitResult
	err = s.retry(ctx, "edit_loan", func() error {
		cur, err := s.store.GetLoan(ctx, loanID)
		if err != nil {
			return err
		}
		now := s.now()
		next, changes, changed, err := applyEdit(cur, req, now)
		if err != nil {
			return err
		}
		if !changed {
			loan = cur
			return nil
		}
		payload := LoanEditedEvent{LoanID: cur.ID, Changes: changes, EditedAt: now}
		if next.Observations != cur.Observations {
			payload.Observations = &next.Observations
		}
		evt, err := s.event(EventLoanEdited, payload, req.Actor)
		if err != nil {
			return err
		}
		write := versioned(next, cur.Version, evt)
		res, err = s.store.Commit(ctx, Change{Loans: []LoanWrite{write}, Adjustments: releaseAdjustments(releasedByEdit(changes))})
		if err != nil {
			return err
		}
		loan = write.Loan
		return nil
	})
	if err != nil {
		return Loan{}, err
	}

	s.recalc.writeBack(ctx, res.Available)
	return loan, nil
}

// DeleteLoan removes a loan and releases whatever it still holds. Callers are
// expected to have authorised the actor.
func (s *service) DeleteLoan(ctx context.Context, loanID uuid.UUID, actor string) (err error) {
	ctx, done := s.observe(ctx, "delete_loan")
	defer func() { done(err) }()

	actor = actorOrDefault(actor)
	var (
		res      CommitResult
		released []ToolLine
	)
	err = s.retry(ctx, "delete_loan", func() error {
		cur, err := s.store.GetLoan(ctx, loanID)
		if err != nil {
			return err
		}
		var out []ToolLine
		if cur.Status == StatusActive {
			out = cur.ToolLines
		}
		evt, err := s.event(EventLoanDeleted, LoanDeletedEvent{LoanID: cur.ID, Released: out, Status: cur.Status}, actor)
		if err != nil {
			return err
		}
		res, err = s.store.Commit(ctx, Change{
			Deletes:     []LoanDelete{{ID: cur.ID, ExpectedVersion: cur.Version, Events: []eventstore.Event{evt}}},
			Adjustments: releaseAdjustments(out),
		})
		released = out
		return err
	})
	if err != nil {
		return err
	}

	s.recalc.writeBack(ctx, res.Available)
	s.log.WithFields(logrus.Fields{
		"loan_id":  loanID,
		"released": len(released),
		"actor":    actor,
	}).Warn("loan deleted")
	return nil
}

// LoanHistory returns a loan's audit events. Deleted loans keep their history.
func (s *service) LoanHistory(ctx context.Context, loanID uuid.UUID) ([]eventstore.Event, error) {
	events, err := s.store.LoadEvents(ctx, loanID)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: loan %s", ErrNotFound, loanID)
	}
	return events, nil
}

func (s *service) EventFeed(ctx context.Context, afterID int64, limit int) ([]eventstore.Event, error) {
	if afterID < 0 {
		return nil, fmt.Errorf("%w: after must not be negative", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 100
	}
	if limit > maxFeedLimit {
		limit = maxFeedLimit
	}
	events, err := s.store.StreamEvents(ctx, afterID, limit)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []eventstore.Event{}
	}
	return events, nil
}

func (s *service) GetAvailability(ctx context.Context, toolTypeID uuid.UUID) (Availability, error) {
	return s.recalc.Available(ctx, toolTypeID)
}

func (s *service) ListAvailability(ctx context.Context) ([]Availability, error) {
	return s.store.ListAvailability(ctx)
}

func (s *service) Recompute(ctx context.Context, toolTypeID uuid.UUID) (res Recomputation, err error) {
	ctx, done := s.observe(ctx, "recompute")
	defer func() { done(err) }()
	return s.recalc.Recompute(ctx, toolTypeID)
}

func (s *service) Adjust(ctx context.Context, toolTypeID uuid.UUID, delta int, actor string) (avail Availability, err error) {
	ctx, done := s.observe(ctx, "adjust")
	defer func() { done(err) }()
	return s.recalc.Adjust(ctx, toolTypeID, delta, actorOrDefault(actor))
}

func (s *service) ReconcileAll(ctx context.Context) (res []Recomputation, err error) {
	ctx, done := s.observe(ctx, "reconcile_all")
	defer func() { done(err) }()
	return s.recalc.ReconcileAll(ctx)
}

func (s *service) Audit(ctx context.Context) (AuditReport, error) {
	return s.recalc.Audit(ctx)
}

// NotifyOverdue publishes LoanOverdue for every active loan borrowed before
// now minus olderThan and returns how many were queued.
func (s *service) NotifyOverdue(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("%w: older_than must be positive", ErrInvalidInput)
	}
	cutoff := s.now().Add(-olderThan)
	loans, _, err := s.store.ListLoans(ctx, LoanFilter{Status: StatusActive, To: &cutoff, Page: Page{Order: OrderAsc}})
	if err != nil {
		return 0, err
	}
	queued := 0
	for _, l := range loans {
		if s.publish(notify.LoanOverdue, l.EmployeeID, l.ID, l.ToolNames()) {
			queued++
		}
	}
	s.log.WithFields(logrus.Fields{"overdue": len(loans), "queued": queued}).Info("overdue scan finished")
	return queued, nil
}

func (s *service) resolveEmployee(ctx context.Context, id, name string) (string, error) {
	name = strings.TrimSpace(name)
	if s.directory == nil {
		if name == "" {
			return "", fmt.Errorf("%w: employee name is required for %s", ErrInvalidInput, id)
		}
		return name, nil
	}
	emp, err := s.directory.GetEmployee(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", err
		}
		return "", fmt.Errorf("lookup employee %s: %w", id, err)
	}
	if name == "" {
		name = emp.Name
	}
	return name, nil
}

func (s *service) lookupTool(ctx context.Context, id uuid.UUID) (ToolInfo, error) {
	tool, err := s.catalog.GetToolType(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ToolInfo{}, fmt.Errorf("%w: unknown tool type %s", ErrInvalidInput, id)
		}
		return ToolInfo{}, fmt.Errorf("get tool type %s: %w", id, err)
	}
	if tool.Retired {
		return ToolInfo{}, fmt.Errorf("%w: tool type %s is retired", ErrInvalidInput, id)
	}
	return tool, nil
}

func (s *service) event(eventType string, data interface{}, actor string) (eventstore.Event, error) {
	evt, err := eventstore.NewEvent(eventType, data, map[string]interface{}{"actor": actor})
	if err != nil {
		return eventstore.Event{}, fmt.Errorf("failed to marshal event data: %w", err)
	}
	return evt, nil
}

func (s *service) publish(t notify.Type, employeeID string, loanID uuid.UUID, tools []string) bool {
	return s.publisher.Publish(notify.Notification{
		Type:       t,
		EmployeeID: employeeID,
		LoanID:     loanID,
		ToolNames:  tools,
		OccurredAt: s.now(),
	})
}

// retry runs fn until it succeeds, fails with anything but ErrConflict, or
// the attempts run out.
func (s *service) retry(ctx context.Context, op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retryInitial
	b.MaxInterval = 20 * s.retryInitial

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := fn()
		switch {
		case err == nil:
			return struct{}{}, nil
		case errors.Is(err, ErrConflict):
			metrics.RecordConflictRetry(op)
			return struct{}{}, err
		default:
			return struct{}{}, backoff.Permanent(err)
		}
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(s.attempts)))

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

func (s *service) observe(ctx context.Context, op string) (context.Context, func(error)) {
	ctx, span := s.tracer.Start(ctx, "lending."+op)
	start := time.Now()
	return ctx, func(err error) {
		outcome := "ok"
		if err != nil {
			outcome = string(ErrorCode(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String("outcome", outcome))
		span.End()
		metrics.RecordOperation(op, outcome, time.Since(start))
	}
}

// versioned stamps the loan with the version it will have once events are
// appended.
func versioned(l Loan, expected int, events ...eventstore.Event) LoanWrite {
	l.Version = expected + len(events)
	return LoanWrite{Loan: l, ExpectedVersion: expected, Events: events}
}

func releaseAdjustments(lines []ToolLine) []Adjustment {
	out := make([]Adjustment, 0, len(lines))
	for _, l := range lines {
		if l.Quantity == 0 {
			continue
		}
		out = append(out, Adjustment{ToolTypeID: l.ToolTypeID, Name: l.Name, Delta: l.Quantity})
	}
	return out
}

func normalizePage(p Page) (Page, error) {
	switch p.Order {
	case "":
		p.Order = OrderDesc
	case OrderAsc, OrderDesc:
	default:
		return p, fmt.Errorf("%w: order must be asc or desc", ErrInvalidInput)
	}
	if p.Offset < 0 {
		return p, fmt.Errorf("%w: offset must not be negative", ErrInvalidInput)
	}
	if p.Limit <= 0 {
		p.Limit = defaultPageLimit
	}
	if p.Limit > maxPageLimit {
		p.Limit = maxPageLimit
	}
	return p, nil
}

func actorOrDefault(actor string) string {
	if actor = strings.TrimSpace(actor); actor == "" {
		return defaultActor
	}
	return actor
}
