// Package memory is an in-process lending.Store. Every commit runs under one
// write lock, which makes it the reference engine for tests and the chaos
// harness.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"toolledger/internal/lending"
	"toolledger/pkg/eventstore"
)

// Store keeps loans, counters and events in memory. Values are cloned on the
// way in and out so callers never share slices with the store.
type Store struct {
	mu     sync.RWMutex
	loans  map[uuid.UUID]lending.Loan
	avail  map[uuid.UUID]lending.Availability
	events *eventstore.MemoryStore
	now    func() time.Time
}

var _ lending.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		loans:  make(map[uuid.UUID]lending.Loan),
		avail:  make(map[uuid.UUID]lending.Availability),
		events: eventstore.NewMemoryStore(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) GetLoan(_ context.Context, id uuid.UUID) (lending.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	loan, ok := s.loans[id]
	if !ok {
		return lending.Loan{}, fmt.Errorf("%w: loan %s", lending.ErrNotFound, id)
	}
	return cloneLoan(loan), nil
}

func (s *Store) ListLoans(_ context.Context, filter lending.LoanFilter) ([]lending.Loan, int, error) {
	s.mu.RLock()
	matches := make([]lending.Loan, 0)
	for _, loan := range s.loans {
		if matchLoan(loan, filter) {
			matches = append(matches, loan)
		}
	}
	s.mu.RUnlock()

	desc := filter.Page.Order == lending.OrderDesc
	sort.Slice(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if !a.LoanDate.Equal(b.LoanDate) {
			if desc {
				return a.LoanDate.After(b.LoanDate)
			}
			return a.LoanDate.Before(b.LoanDate)
		}
		return a.ID.String() < b.ID.String()
	})

	total := len(matches)
	start := filter.Page.Offset
	if start > total {
		start = total
	}
	end := total
	if filter.Page.Limit > 0 && start+filter.Page.Limit < total {
		end = start + filter.Page.Limit
	}

	out := make([]lending.Loan, 0, end-start)
	for _, loan := range matches[start:end] {
		out = append(out, cloneLoan(loan))
	}
	return out, total, nil
}

func matchLoan(l lending.Loan, f lending.LoanFilter) bool {
	if f.EmployeeID != "" && l.EmployeeID != f.EmployeeID {
		return false
	}
	if f.Status != "" && l.Status != f.Status {
		return false
	}
	if f.ToolTypeID != uuid.Nil {
		if _, ok := l.Line(f.ToolTypeID); !ok {
			return false
		}
	}
	if f.From != nil && l.LoanDate.Before(*f.From) {
		return false
	}
	if f.To != nil && l.LoanDate.After(*f.To) {
		return false
	}
	return true
}

func (s *Store) Availability(_ context.Context, toolTypeID uuid.UUID) (lending.Availability, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.avail[toolTypeID]
	if !ok {
		return lending.Availability{}, fmt.Errorf("%w: no availability record for %s", lending.ErrNotFound, toolTypeID)
	}
	return a, nil
}

func (s *Store) ListAvailability(_ context.Context) ([]lending.Availability, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]lending.Availability, 0, len(s.avail))
	for _, a := range s.avail {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ToolTypeID.String() < out[j].ToolTypeID.String() })
	return out, nil
}

func (s *Store) ActiveQuantity(_ context.Context, toolTypeID uuid.UUID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeLocked(toolTypeID), nil
}

func (s *Store) activeLocked(toolTypeID uuid.UUID) int {
	sum := 0
	for _, loan := range s.loans {
		if loan.Status != lending.StatusActive {
			continue
		}
		if line, ok := loan.Line(toolTypeID); ok {
			sum += line.Quantity
		}
	}
	return sum
}

// Commit validates the whole change before applying any of it.
func (s *Store) Commit(ctx context.Context, change lending.Change) (lending.CommitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range change.Loans {
		if err := s.checkVersionLocked(ctx, w.Loan.ID, w.ExpectedVersion); err != nil {
			return lending.CommitResult{}, err
		}
	}
	for _, d := range change.Deletes {
		if d.ExpectedVersion == 0 {
			return lending.CommitResult{}, fmt.Errorf("%w: delete of %s needs a version", lending.ErrInvalidInput, d.ID)
		}
		if err := s.checkVersionLocked(ctx, d.ID, d.ExpectedVersion); err != nil {
			return lending.CommitResult{}, err
		}
	}

	now := s.now()
	staged := make(map[uuid.UUID]lending.Availability)
	for _, adj := range change.Adjustments {
		cur, ok := staged[adj.ToolTypeID]
		if !ok {
			cur, ok = s.avail[adj.ToolTypeID]
		}
		var current *lending.Availability
		if ok {
			current = &cur
		}
		next, write, err := lending.ApplyAdjustment(current, adj, s.activeLocked(adj.ToolTypeID), now)
		if err != nil {
			return lending.CommitResult{}, fmt.Errorf("%w: %s", err, adj.Name)
		}
		if write {
			staged[adj.ToolTypeID] = next
		}
	}

	for _, w := range change.Loans {
		if err := s.events.AppendEvents(ctx, w.Loan.ID, lending.AggregateLoan, w.ExpectedVersion, w.Events); err != nil {
			return lending.CommitResult{}, fmt.Errorf("append events for %s: %w", w.Loan.ID, err)
		}
		loan := cloneLoan(w.Loan)
		loan.Version = w.ExpectedVersion + len(w.Events)
		s.loans[loan.ID] = loan
	}
	for _, d := range change.Deletes {
		if err := s.events.AppendEvents(ctx, d.ID, lending.AggregateLoan, d.ExpectedVersion, d.Events); err != nil {
			return lending.CommitResult{}, fmt.Errorf("append events for %s: %w", d.ID, err)
		}
		delete(s.loans, d.ID)
	}

	res := lending.CommitResult{Available: make(map[uuid.UUID]int, len(staged))}
	for id, a := range staged {
		s.avail[id] = a
		res.Available[id] = a.Available
	}
	return res, nil
}

// checkVersionLocked compares against the event log as well as the loan map
// so that the id of a deleted loan is never reused.
func (s *Store) checkVersionLocked(ctx context.Context, id uuid.UUID, expected int) error {
	logged, err := s.events.GetCurrentVersion(ctx, id)
	if err != nil {
		return fmt.Errorf("current version of %s: %w", id, err)
	}
	loan, exists := s.loans[id]
	if expected == 0 {
		if exists || logged != 0 {
			return fmt.Errorf("%w: loan %s already exists", lending.ErrConflict, id)
		}
		return nil
	}
	if !exists || loan.Version != expected || logged != expected {
		return fmt.Errorf("%w: loan %s is not at version %d", lending.ErrConflict, id, expected)
	}
	return nil
}

func (s *Store) Reconcile(_ context.Context, ref lending.ToolRef) (lending.Availability, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := s.activeLocked(ref.ID)
	next := lending.Availability{
		ToolTypeID:    ref.ID,
		Name:          ref.Name,
		TotalQuantity: ref.Total,
		Available:     ref.Total - active,
		UpdatedAt:     s.now(),
	}
	previous := next.Available
	if cur, ok := s.avail[ref.ID]; ok {
		previous = cur.Available
		if next.Name == "" {
			next.Name = cur.Name
		}
	}
	s.avail[ref.ID] = next
	return next, previous, nil
}

func (s *Store) LoadEvents(ctx context.Context, loanID uuid.UUID) ([]eventstore.Event, error) {
	return s.events.LoadEvents(ctx, loanID, 0, 0)
}

func (s *Store) StreamEvents(ctx context.Context, afterID int64, limit int) ([]eventstore.Event, error) {
	return s.events.StreamEvents(ctx, afterID, limit)
}

// Corrupt overwrites a counter without touching the loans. The chaos harness
// uses it to simulate a missed adjustment.
func (s *Store) Corrupt(toolTypeID uuid.UUID, available int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.avail[toolTypeID]; ok {
		a.Available = available
		s.avail[toolTypeID] = a
	}
}

func cloneLoan(l lending.Loan) lending.Loan {
	out := l
	out.ToolLines = append([]lending.ToolLine{}, l.ToolLines...)
	out.ReturnedLines = append([]lending.ReturnedLine{}, l.ReturnedLines...)
	out.OutgoingTransfers = append([]lending.OutgoingTransfer{}, l.OutgoingTransfers...)
	out.EditHistory = make([]lending.EditEntry, len(l.EditHistory))
	for i, e := range l.EditHistory {
		e.Changes = append([]lending.LineChange(nil), e.Changes...)
		out.EditHistory[i] = e
	}
	if l.ReturnDate != nil {
		t := *l.ReturnDate
		out.ReturnDate = &t
	}
	if l.IncomingTransfer != nil {
		origin := *l.IncomingTransfer
		out.IncomingTransfer = &origin
	}
	return out
}
