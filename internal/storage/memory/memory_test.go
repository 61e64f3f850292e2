package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolledger/internal/lending"
	"toolledger/pkg/eventstore"
)

func created(t *testing.T, id, tool uuid.UUID, qty int) lending.LoanWrite {
	t.Helper()
	evt, err := eventstore.NewEvent(lending.EventLoanCreated, lending.LoanCreatedEvent{LoanID: id}, nil)
	require.NoError(t, err)
	return lending.LoanWrite{
		Loan: lending.Loan{
			ID:         id,
			EmployeeID: "emp-1",
			Status:     lending.StatusActive,
			LoanDate:   time.Now(),
			ToolLines:  []lending.ToolLine{{ToolTypeID: tool, Name: "drill", Quantity: qty}},
			Version:    1,
		},
		ExpectedVersion: 0,
		Events:          []eventstore.Event{evt},
	}
}

func TestCommitIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	s := New()
	tool := uuid.New()

	first := created(t, uuid.New(), tool, 3)
	res, err := s.Commit(ctx, lending.Change{
		Loans:       []lending.LoanWrite{first},
		Adjustments: []lending.Adjustment{{ToolTypeID: tool, Name: "drill", Delta: -3, Total: 4, SyncTotal: true}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Available[tool])

	second := created(t, uuid.New(), tool, 2)
	_, err = s.Commit(ctx, lending.Change{
		Loans:       []lending.LoanWrite{second},
		Adjustments: []lending.Adjustment{{ToolTypeID: tool, Name: "drill", Delta: -2, Total: 4, SyncTotal: true}},
	})
	assert.ErrorIs(t, err, lending.ErrInsufficientAvailability)

	_, err = s.GetLoan(ctx, second.Loan.ID)
	assert.ErrorIs(t, err, lending.ErrNotFound)
	events, err := s.LoadEvents(ctx, second.Loan.ID)
	require.NoError(t, err)
	assert.Empty(t, events)

	active, err := s.ActiveQuantity(ctx, tool)
	require.NoError(t, err)
	assert.Equal(t, 3, active)
}

func TestCommitRejectsStaleAndReusedIDs(t *testing.T) {
	ctx := context.Background()
	s := New()
	tool := uuid.New()
	w := created(t, uuid.New(), tool, 1)

	_, err := s.Commit(ctx, lending.Change{Loans: []lending.LoanWrite{w}})
	require.NoError(t, err)

	_, err = s.Commit(ctx, lending.Change{Loans: []lending.LoanWrite{w}})
	assert.ErrorIs(t, err, lending.ErrConflict)

	stale := w
	stale.ExpectedVersion = 3
	_, err = s.Commit(ctx, lending.Change{Loans: []lending.LoanWrite{stale}})
	assert.ErrorIs(t, err, lending.ErrConflict)

	del, err := eventstore.NewEvent(lending.EventLoanDeleted, lending.LoanDeletedEvent{LoanID: w.Loan.ID}, nil)
	require.NoError(t, err)
	_, err = s.Commit(ctx, lending.Change{Deletes: []lending.LoanDelete{{ID: w.Loan.ID, ExpectedVersion: 1, Events: []eventstore.Event{del}}}})
	require.NoError(t, err)

	_, err = s.Commit(ctx, lending.Change{Loans: []lending.LoanWrite{w}})
	assert.ErrorIs(t, err, lending.ErrConflict, "a deleted id keeps its history")
}

func TestReconcileAndCorrupt(t *testing.T) {
	ctx := context.Background()
	s := New()
	tool := uuid.New()
	_, err := s.Commit(ctx, lending.Change{
		Loans:       []lending.LoanWrite{created(t, uuid.New(), tool, 2)},
		Adjustments: []lending.Adjustment{{ToolTypeID: tool, Name: "drill", Delta: -2, Total: 5, SyncTotal: true}},
	})
	require.NoError(t, err)

	s.Corrupt(tool, 0)
	avail, previous, err := s.Reconcile(ctx, lending.ToolRef{ID: tool, Total: 5})
	require.NoError(t, err)
	assert.Equal(t, 0, previous)
	assert.Equal(t, 3, avail.Available)
	assert.Equal(t, "drill", avail.Name)

	list, err := s.ListAvailability(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 2, list[0].Borrowed())
}
