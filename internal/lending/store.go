package lending

import (
	"context"
	"time"

	"github.com/google/uuid"

	"toolledger/pkg/eventstore"
)

// Order is the loan-date ordering of a listing.
type Order string

const (
	OrderAsc  Order = "asc"
	OrderDesc Order = "desc"
)

// Page bounds a listing. A Limit of zero or less returns every match.
type Page struct {
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
	Order  Order `json:"order"`
}

// LoanFilter selects loans. Zero-valued fields do not filter.
type LoanFilter struct {
	EmployeeID string
	Status     Status
	ToolTypeID uuid.UUID
	From       *time.Time
	To         *time.Time
	Page       Page
}

// LoanWrite inserts (ExpectedVersion 0) or replaces a loan at ExpectedVersion.
// The loan's new version is ExpectedVersion plus the number of events.
type LoanWrite struct {
	Loan            Loan
	ExpectedVersion int
	Events          []eventstore.Event
}

// LoanDelete removes a loan at ExpectedVersion after appending Events.
type LoanDelete struct {
	ID              uuid.UUID
	ExpectedVersion int
	Events          []eventstore.Event
}

// Adjustment changes one availability counter. Total is the catalog total at
// the time of the commit; the counter absorbs any change of total since it
// was last written. A missing counter is created from Total minus the active
// quantity on loan. With SyncTotal false and no counter the adjustment is
// skipped.
type Adjustment struct {
	ToolTypeID uuid.UUID
	Name       string
	Delta      int
	Total      int
	SyncTotal  bool
}

// Change is everything one ledger operation writes. Store.Commit applies it
// completely or not at all.
type Change struct {
	Loans       []LoanWrite
	Deletes     []LoanDelete
	Adjustments []Adjustment
}

// CommitResult reports the availability counters after a commit.
type CommitResult struct {
	Available map[uuid.UUID]int
}

// ToolRef identifies a tool type and its catalog total for reconciliation.
type ToolRef struct {
	ID    uuid.UUID
	Name  string
	Total int
}

// Store persists loans, availability counters and the audit log.
//
// Commit returns ErrConflict when a loan is not at its expected version and
// ErrInsufficientAvailability when a negative adjustment would take a
// counter below zero. Reconcile rebuilds one counter from the active loans
// inside the store's own atomic unit and returns the previous figure.
type Store interface {
	GetLoan(ctx context.Context, id uuid.UUID) (Loan, error)
	ListLoans(ctx context.Context, filter LoanFilter) ([]Loan, int, error)
	Availability(ctx context.Context, toolTypeID uuid.UUID) (Availability, error)
	ListAvailability(ctx context.Context) ([]Availability, error)
	ActiveQuantity(ctx context.Context, toolTypeID uuid.UUID) (int, error)
	Commit(ctx context.Context, change Change) (CommitResult, error)
	Reconcile(ctx context.Context, ref ToolRef) (Availability, int, error)
	LoadEvents(ctx context.Context, loanID uuid.UUID) ([]eventstore.Event, error)
	StreamEvents(ctx context.Context, afterID int64, limit int) ([]eventstore.Event, error)
}

// ApplyAdjustment is the counter arithmetic shared by the store engines.
// current is nil when no counter exists yet. active is only consulted when
// a counter has to be created.
func ApplyAdjustment(current *Availability, adj Adjustment, active int, now time.Time) (Availability, bool, error) {
	if current == nil {
		if !adj.SyncTotal {
			return Availability{}, false, nil
		}
		created := Availability{
			ToolTypeID:    adj.ToolTypeID,
			Name:          adj.Name,
			TotalQuantity: adj.Total,
			Available:     adj.Total - active + adj.Delta,
			UpdatedAt:     now,
		}
		if created.Available < 0 && adj.Delta < 0 {
			return Availability{}, false, ErrInsufficientAvailability
		}
		return created, true, nil
	}

	next := *current
	if adj.SyncTotal {
		next.Available += adj.Total - current.TotalQuantity
		next.TotalQuantity = adj.Total
	}
	if adj.Name != "" {
		next.Name = adj.Name
	}
	next.Available += adj.Delta
	if next.Available < 0 && adj.Delta < 0 {
		return Availability{}, false, ErrInsufficientAvailability
	}
	next.UpdatedAt = now
	return next, true, nil
}
