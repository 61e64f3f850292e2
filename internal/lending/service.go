package lending

import (
	"context"
	"time"

	"github.com/google/uuid"

	"toolledger/pkg/eventstore"
)

// CreateLoanRequest is a borrow. EmployeeName may be left blank when a
// directory is configured.
type CreateLoanRequest struct {
	EmployeeID   string     `json:"employee_id"`
	EmployeeName string     `json:"employee_name"`
	ToolLines    []ToolLine `json:"tool_lines"`
	Observations string     `json:"observations,omitempty"`
	Actor        string     `json:"-"`
}

// ReturnRequest returns whole lines of a loan.
type ReturnRequest struct {
	ToolTypeIDs          []uuid.UUID `json:"tool_type_ids"`
	ReturnedByThirdParty bool        `json:"returned_by_third_party"`
	Actor                string      `json:"-"`
}

// LoanPage is one page of a loan listing.
type LoanPage struct {
	Items      []Loan `json:"items"`
	Total      int    `json:"total"`
	NextOffset *int   `json:"next_offset,omitempty"`
}

// Service defines the interface for the tool-lending ledger.
type Service interface {
	CreateLoan(ctx context.Context, req CreateLoanRequest) (Loan, error)
	GetLoan(ctx context.Context, loanID uuid.UUID) (Loan, error)
	ListLoans(ctx context.Context, filter LoanFilter) (LoanPage, error)
	ActiveLoansForEmployee(ctx context.Context, employeeID string) ([]Loan, error)
	ReturnTools(ctx context.Context, loanID uuid.UUID, req ReturnRequest) (Loan, error)
	TransferTool(ctx context.Context, sourceLoanID uuid.UUID, req TransferRequest) (Loan, Loan, error)
	EditLoan(ctx context.Context, loanID uuid.UUID, req EditRequest) (Loan, error)
	DeleteLoan(ctx context.Context, loanID uuid.UUID, actor string) error
	LoanHistory(ctx context.Context, loanID uuid.UUID) ([]eventstore.Event, error)
	EventFeed(ctx context.Context, afterID int64, limit int) ([]eventstore.Event, error)

	GetAvailability(ctx context.Context, toolTypeID uuid.UUID) (Availability, error)
	ListAvailability(ctx context.Context) ([]Availability, error)
	Recompute(ctx context.Context, toolTypeID uuid.UUID) (Recomputation, error)
	Adjust(ctx context.Context, toolTypeID uuid.UUID, delta int, actor string) (Availability, error)
	ReconcileAll(ctx context.Context) ([]Recomputation, error)
	Audit(ctx context.Context) (AuditReport, error)

	NotifyOverdue(ctx context.Context, olderThan time.Duration) (int, error)
}

// ToolInfo is the catalog's view of a tool type.
type ToolInfo struct {
	ID            uuid.UUID `json:"id"`
	Name          string    `json:"name"`
	Code          string    `json:"code,omitempty"`
	Description   string    `json:"description,omitempty"`
	TotalQuantity int       `json:"total_quantity"`
	Retired       bool      `json:"retired,omitempty"`
}

// Catalog is the inventory catalog as the ledger consumes it. GetToolType
// returns an error wrapping ErrNotFound for unknown ids.
type Catalog interface {
	GetToolType(ctx context.Context, id uuid.UUID) (ToolInfo, error)
	SetAvailable(ctx context.Context, id uuid.UUID, available int) error
	ListToolTypes(ctx context.Context) ([]ToolInfo, error)
}

// Directory resolves employees. GetEmployee returns an error wrapping
// ErrNotFound for unknown ids.
type Directory interface {
	GetEmployee(ctx context.Context, id string) (Employee, error)
}
