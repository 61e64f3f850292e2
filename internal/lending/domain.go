package lending

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a loan.
type Status string

const (
	StatusActive   Status = "active"
	StatusReturned Status = "returned"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusActive || s == StatusReturned
}

// ToolLine is a quantity of one tool type inside a loan.
type ToolLine struct {
	ToolTypeID  uuid.UUID `json:"tool_type_id"`
	Name        string    `json:"name"`
	Quantity    int       `json:"quantity"`
	Code        string    `json:"code,omitempty"`
	Description string    `json:"description,omitempty"`
}

// ReturnedLine records a tool line that left a loan by return.
type ReturnedLine struct {
	ToolLine             ToolLine  `json:"tool_line"`
	ReturnDate           time.Time `json:"return_date"`
	ReturnedByThirdParty bool      `json:"returned_by_third_party"`
	Actor                string    `json:"actor,omitempty"`
}

// OutgoingTransfer records a tool line that left a loan by transfer.
type OutgoingTransfer struct {
	ToolLine                ToolLine  `json:"tool_line"`
	DestinationLoanID       uuid.UUID `json:"destination_loan_id"`
	DestinationEmployeeID   string    `json:"destination_employee_id"`
	DestinationEmployeeName string    `json:"destination_employee_name"`
	TransferDate            time.Time `json:"transfer_date"`
	Observation             string    `json:"observation,omitempty"`
	Actor                   string    `json:"actor"`
}

// TransferOrigin is the back-reference carried by a loan created by transfer.
type TransferOrigin struct {
	OriginLoanID       uuid.UUID `json:"origin_loan_id"`
	OriginEmployeeID   string    `json:"origin_employee_id"`
	OriginEmployeeName string    `json:"origin_employee_name"`
	TransferDate       time.Time `json:"transfer_date"`
	Observation        string    `json:"observation,omitempty"`
}

// EditKind classifies an edit history entry.
type EditKind string

const (
	EditQuantityCorrection EditKind = "quantity_correction"
	EditObservations       EditKind = "observations"
)

// LineChange is one line adjustment made by an edit. To is zero when the line
// was dropped.
type LineChange struct {
	ToolTypeID uuid.UUID `json:"tool_type_id"`
	Name       string    `json:"name"`
	From       int       `json:"from"`
	To         int       `json:"to"`
}

// EditEntry records a non-return, non-transfer edit.
type EditEntry struct {
	Timestamp time.Time    `json:"timestamp"`
	Actor     string       `json:"actor"`
	Kind      EditKind     `json:"kind"`
	Changes   []LineChange `json:"changes,omitempty"`
}

// Loan is a record of tool lines checked out to one employee. Loans are
// handled as values: transitions return a new Loan and never modify their
// input.
type Loan struct {
	ID                   uuid.UUID          `json:"id"`
	EmployeeID           string             `json:"employee_id"`
	EmployeeName         string             `json:"employee_name"`
	ToolLines            []ToolLine         `json:"tool_lines"`
	Status               Status             `json:"status"`
	LoanDate             time.Time          `json:"loan_date"`
	ReturnDate           *time.Time         `json:"return_date,omitempty"`
	ReturnedByThirdParty bool               `json:"returned_by_third_party"`
	Observations         string             `json:"observations,omitempty"`
	ReturnedLines        []ReturnedLine     `json:"returned_lines_history"`
	OutgoingTransfers    []OutgoingTransfer `json:"outgoing_transfers"`
	IncomingTransfer     *TransferOrigin    `json:"incoming_transfer_origin,omitempty"`
	EditHistory          []EditEntry        `json:"edit_history"`
	Version              int                `json:"version"`
}

// Line returns the tool line for toolTypeID, if present.
func (l Loan) Line(toolTypeID uuid.UUID) (ToolLine, bool) {
	for _, line := range l.ToolLines {
		if line.ToolTypeID == toolTypeID {
			return line, true
		}
	}
	return ToolLine{}, false
}

// ToolNames lists the names of the loan's current lines.
func (l Loan) ToolNames() []string {
	return lineNames(l.ToolLines)
}

// Availability is the ledger's authoritative counter for one tool type.
type Availability struct {
	ToolTypeID    uuid.UUID `json:"tool_type_id"`
	Name          string    `json:"name"`
	TotalQuantity int       `json:"total_quantity"`
	Available     int       `json:"available"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Borrowed is the quantity committed to active loans according to the counter.
func (a Availability) Borrowed() int {
	return a.TotalQuantity - a.Available
}

// Employee is directory reference data.
type Employee struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status,omitempty"`
}

// Event types appended to a loan's audit log.
const (
	EventLoanCreated           = "LoanCreated"
	EventLoanCreatedByTransfer = "LoanCreatedByTransfer"
	EventToolsReturned         = "ToolsReturned"
	EventToolTransferredOut    = "ToolTransferredOut"
	EventLoanEdited            = "LoanEdited"
	EventLoanDeleted           = "LoanDeleted"

	AggregateLoan = "loan"
)

// LoanCreatedEvent is appended when a loan is borrowed or created by transfer.
type LoanCreatedEvent struct {
	LoanID           uuid.UUID       `json:"loan_id"`
	EmployeeID       string          `json:"employee_id"`
	EmployeeName     string          `json:"employee_name"`
	ToolLines        []ToolLine      `json:"tool_lines"`
	LoanDate         time.Time       `json:"loan_date"`
	IncomingTransfer *TransferOrigin `json:"incoming_transfer_origin,omitempty"`
}

// ToolsReturnedEvent is appended when lines are returned.
type ToolsReturnedEvent struct {
	LoanID               uuid.UUID  `json:"loan_id"`
	Returned             []ToolLine `json:"returned"`
	ReturnedByThirdParty bool       `json:"returned_by_third_party"`
	ReturnDate           time.Time  `json:"return_date"`
	Closed               bool       `json:"closed"`
}

// ToolTransferredEvent is appended to the source loan of a transfer.
type ToolTransferredEvent struct {
	SourceLoanID          uuid.UUID `json:"source_loan_id"`
	DestinationLoanID     uuid.UUID `json:"destination_loan_id"`
	DestinationEmployeeID string    `json:"destination_employee_id"`
	ToolLine              ToolLine  `json:"tool_line"`
	TransferDate          time.Time `json:"transfer_date"`
	Observation           string    `json:"observation,omitempty"`
	Closed                bool      `json:"closed"`
}

// LoanEditedEvent is appended when quantities or observations are edited.
type LoanEditedEvent struct {
	LoanID       uuid.UUID    `json:"loan_id"`
	Changes      []LineChange `json:"changes,omitempty"`
	Observations *string      `json:"observations,omitempty"`
	EditedAt     time.Time    `json:"edited_at"`
}

// LoanDeletedEvent is appended when an administrator deletes a loan.
type LoanDeletedEvent struct {
	LoanID   uuid.UUID  `json:"loan_id"`
	Released []ToolLine `json:"released"`
	Status   Status     `json:"status"`
}
