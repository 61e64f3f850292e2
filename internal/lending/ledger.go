package lending

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// The functions in this file are the ledger's state transitions. They take a
// Loan value, validate the request against it and return the next Loan value
// together with what the transition released back to inventory. None of them
// touch storage; the service commits their results as one unit.

// normalizeLines validates requested tool lines and returns a cleaned copy.
func normalizeLines(lines []ToolLine) ([]ToolLine, error) {
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: at least one tool line is required", ErrInvalidInput)
	}
	seen := make(map[uuid.UUID]struct{}, len(lines))
	out := make([]ToolLine, 0, len(lines))
	for i, line := range lines {
		if line.ToolTypeID == uuid.Nil {
			return nil, fmt.Errorf("%w: line %d has no tool_type_id", ErrInvalidInput, i)
		}
		if line.Quantity < 1 {
			return nil, fmt.Errorf("%w: line %d quantity must be positive, got %d", ErrInvalidInput, i, line.Quantity)
		}
		if _, dup := seen[line.ToolTypeID]; dup {
			return nil, fmt.Errorf("%w: tool type %s appears more than once", ErrInvalidInput, line.ToolTypeID)
		}
		seen[line.ToolTypeID] = struct{}{}
		line.Name = strings.TrimSpace(line.Name)
		line.Code = strings.TrimSpace(line.Code)
		line.Description = strings.TrimSpace(line.Description)
		out = append(out, line)
	}
	return out, nil
}

// newLoan builds an active loan. Lines must already be normalized.
func newLoan(id uuid.UUID, employeeID, employeeName string, lines []ToolLine, origin *TransferOrigin, now time.Time) Loan {
	return Loan{
		ID:                id,
		EmployeeID:        employeeID,
		EmployeeName:      employeeName,
		ToolLines:         append([]ToolLine(nil), lines...),
		Status:            StatusActive,
		LoanDate:          now,
		IncomingTransfer:  origin,
		ReturnedLines:     []ReturnedLine{},
		OutgoingTransfers: []OutgoingTransfer{},
		EditHistory:       []EditEntry{},
	}
}

// applyReturn moves the selected lines into the returned history. The loan
// closes when nothing remains. The returned slice holds the lines released
// back to inventory at their current quantity.
func applyReturn(l Loan, selected []uuid.UUID, thirdParty bool, actor string, now time.Time) (Loan, []ToolLine, error) {
	if l.Status != StatusActive {
		return l, nil, fmt.Errorf("%w: loan %s is %s", ErrNotActive, l.ID, l.Status)
	}
	if len(selected) == 0 {
		return l, nil, ErrNoSelection
	}

	want := make(map[uuid.UUID]struct{}, len(selected))
	for _, id := range selected {
		if _, ok := l.Line(id); !ok {
			return l, nil, fmt.Errorf("%w: tool type %s on loan %s", ErrToolNotOnLoan, id, l.ID)
		}
		want[id] = struct{}{}
	}

	var (
		remaining []ToolLine
		released  []ToolLine
	)
	history := append([]ReturnedLine(nil), l.ReturnedLines...)
	for _, line := range l.ToolLines {
		if _, ok := want[line.ToolTypeID]; !ok {
			remaining = append(remaining, line)
			continue
		}
		released = append(released, line)
		history = append(history, ReturnedLine{
			ToolLine:             line,
			ReturnDate:           now,
			ReturnedByThirdParty: thirdParty,
			Actor:                actor,
		})
	}

	next := l
	next.ToolLines = remaining
	next.ReturnedLines = history
	if len(remaining) == 0 {
		next.ToolLines = []ToolLine{}
		next.Status = StatusReturned
		next.ReturnDate = &now
		next.ReturnedByThirdParty = thirdParty
	}
	return next, released, nil
}

// TransferRequest names the destination of a whole-line transfer.
type TransferRequest struct {
	ToolTypeID              uuid.UUID
	DestinationEmployeeID   string
	DestinationEmployeeName string
	Observation             string
	Actor                   string
}

// applyTransfer removes one whole line from src and builds the destination
// loan that receives it. A source left without lines is closed as returned.
func applyTransfer(src Loan, destID uuid.UUID, req TransferRequest, now time.Time) (Loan, Loan, error) {
	if src.Status != StatusActive {
		return src, Loan{}, fmt.Errorf("%w: loan %s is %s", ErrNotActive, src.ID, src.Status)
	}
	line, ok := src.Line(req.ToolTypeID)
	if !ok {
		return src, Loan{}, fmt.Errorf("%w: tool type %s on loan %s", ErrToolNotOnLoan, req.ToolTypeID, src.ID)
	}
	if req.DestinationEmployeeID == src.EmployeeID {
		return src, Loan{}, fmt.Errorf("%w: %s", ErrSameEmployee, src.EmployeeID)
	}

	remaining := make([]ToolLine, 0, len(src.ToolLines)-1)
	for _, l := range src.ToolLines {
		if l.ToolTypeID != req.ToolTypeID {
			remaining = append(remaining, l)
		}
	}

	next := src
	next.ToolLines = remaining
	next.OutgoingTransfers = append(append([]OutgoingTransfer(nil), src.OutgoingTransfers...), OutgoingTransfer{
		ToolLine:                line,
		DestinationLoanID:       destID,
		DestinationEmployeeID:   req.DestinationEmployeeID,
		DestinationEmployeeName: req.DestinationEmployeeName,
		TransferDate:            now,
		Observation:             req.Observation,
		Actor:                   req.Actor,
	})
	if len(remaining) == 0 {
		next.Status = StatusReturned
		next.ReturnDate = &now
		next.ReturnedByThirdParty = false
	}

	dest := newLoan(destID, req.DestinationEmployeeID, req.DestinationEmployeeName, []ToolLine{line}, &TransferOrigin{
		OriginLoanID:       src.ID,
		OriginEmployeeID:   src.EmployeeID,
		OriginEmployeeName: src.EmployeeName,
		TransferDate:       now,
		Observation:        req.Observation,
	}, now)
	return next, dest, nil
}

// EditRequest describes a correction. A nil ToolLines leaves the lines alone
// and a nil Observations leaves the observations alone.
type EditRequest struct {
	ToolLines    []ToolLine
	Observations *string
	Actor        string
}

// applyEdit lowers or drops lines and replaces observations. It never changes
// the loan's status. changed is false when the edit is a no-op, including an
// empty request. Every rejection wraps ErrInvalidQuantity.
func applyEdit(l Loan, req EditRequest, now time.Time) (next Loan, changes []LineChange, changed bool, err error) {
	next = l
	if req.ToolLines != nil {
		if l.Status != StatusActive {
			return l, nil, false, fmt.Errorf("%w: loan %s is %s, its quantities can no longer be edited", ErrInvalidQuantity, l.ID, l.Status)
		}
		next.ToolLines, changes, err = reduceLines(l.ToolLines, req.ToolLines)
		if err != nil {
			return l, nil, false, err
		}
	}

	obsChanged := req.Observations != nil && *req.Observations != l.Observations
	if obsChanged {
		next.Observations = *req.Observations
	}
	if len(changes) == 0 && !obsChanged {
		return l, nil, false, nil
	}

	entry := EditEntry{Timestamp: now, Actor: req.Actor, Kind: EditObservations}
	if len(changes) > 0 {
		entry.Kind = EditQuantityCorrection
		entry.Changes = changes
	}
	next.EditHistory = append(append([]EditEntry(nil), l.EditHistory...), entry)
	return next, changes, true, nil
}

// reduceLines computes the edited line set. Every requested line must already
// be present with a quantity between one and its current quantity; omitted
// lines are dropped.
func reduceLines(current, requested []ToolLine) ([]ToolLine, []LineChange, error) {
	if len(requested) == 0 {
		return nil, nil, fmt.Errorf("%w: an edit cannot remove every line, return or delete the loan instead", ErrInvalidQuantity)
	}
	byID := make(map[uuid.UUID]int, len(requested))
	for _, r := range requested {
		if _, dup := byID[r.ToolTypeID]; dup {
			return nil, nil, fmt.Errorf("%w: tool type %s appears more than once", ErrInvalidQuantity, r.ToolTypeID)
		}
		byID[r.ToolTypeID] = r.Quantity
	}
	for _, r := range requested {
		var found *ToolLine
		for i := range current {
			if current[i].ToolTypeID == r.ToolTypeID {
				found = &current[i]
				break
			}
		}
		if found == nil {
			return nil, nil, fmt.Errorf("%w: tool type %s is not on the loan", ErrInvalidQuantity, r.ToolTypeID)
		}
		if r.Quantity < 1 || r.Quantity > found.Quantity {
			return nil, nil, fmt.Errorf("%w: %s must be between 1 and %d, got %d", ErrInvalidQuantity, found.Name, found.Quantity, r.Quantity)
		}
	}

	var (
		out     []ToolLine
		changes []LineChange
	)
	for _, line := range current {
		qty, keep := byID[line.ToolTypeID]
		if !keep {
			changes = append(changes, LineChange{ToolTypeID: line.ToolTypeID, Name: line.Name, From: line.Quantity, To: 0})
			continue
		}
		if qty != line.Quantity {
			changes = append(changes, LineChange{ToolTypeID: line.ToolTypeID, Name: line.Name, From: line.Quantity, To: qty})
			line.Quantity = qty
		}
		out = append(out, line)
	}
	return out, changes, nil
}

// releasedByEdit turns line changes into positive availability deltas.
func releasedByEdit(changes []LineChange) []ToolLine {
	out := make([]ToolLine, 0, len(changes))
	for _, c := range changes {
		out = append(out, ToolLine{ToolTypeID: c.ToolTypeID, Name: c.Name, Quantity: c.From - c.To})
	}
	return out
}

func lineNames(lines []ToolLine) []string {
	names := make([]string, 0, len(lines))
	for _, l := range lines {
		names = append(names, l.Name)
	}
	return names
}
