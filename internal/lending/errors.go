package lending

import (
	"errors"
	"net/http"
)

var (
	ErrInvalidInput             = errors.New("invalid input")
	ErrNotFound                 = errors.New("not found")
	ErrNotActive                = errors.New("loan is not active")
	ErrInsufficientAvailability = errors.New("insufficient availability")
	ErrToolNotOnLoan            = errors.New("tool is not on loan")
	ErrNoSelection              = errors.New("no tools selected")
	ErrSameEmployee             = errors.New("destination employee is the loan's employee")
	ErrInvalidQuantity          = errors.New("invalid quantity")
	ErrConflict                 = errors.New("concurrent modification")
)

// Code is the wire name of an error in the taxonomy.
type Code string

const (
	CodeInvalidInput             Code = "INVALID_INPUT"
	CodeNotFound                 Code = "NOT_FOUND"
	CodeNotActive                Code = "NOT_ACTIVE"
	CodeInsufficientAvailability Code = "INSUFFICIENT_AVAILABILITY"
	CodeToolNotOnLoan            Code = "TOOL_NOT_ON_LOAN"
	CodeNoSelection              Code = "NO_SELECTION"
	CodeSameEmployee             Code = "SAME_EMPLOYEE"
	CodeInvalidQuantity          Code = "INVALID_QUANTITY"
	CodeConflict                 Code = "CONFLICT"
	CodeForbidden                Code = "FORBIDDEN"
	CodeInternal                 Code = "INTERNAL"
)

var taxonomy = []struct {
	err    error
	code   Code
	status int
}{
	{ErrInvalidInput, CodeInvalidInput, http.StatusBadRequest},
	{ErrNoSelection, CodeNoSelection, http.StatusBadRequest},
	{ErrInvalidQuantity, CodeInvalidQuantity, http.StatusBadRequest},
	{ErrNotFound, CodeNotFound, http.StatusNotFound},
	{ErrNotActive, CodeNotActive, http.StatusConflict},
	{ErrInsufficientAvailability, CodeInsufficientAvailability, http.StatusConflict},
	{ErrConflict, CodeConflict, http.StatusConflict},
	{ErrToolNotOnLoan, CodeToolNotOnLoan, http.StatusUnprocessableEntity},
	{ErrSameEmployee, CodeSameEmployee, http.StatusUnprocessableEntity},
}

// ErrorCode maps err onto the taxonomy. Unknown errors are CodeInternal.
func ErrorCode(err error) Code {
	for _, t := range taxonomy {
		if errors.Is(err, t.err) {
			return t.code
		}
	}
	return CodeInternal
}

// HTTPStatus maps err onto a response status.
func HTTPStatus(err error) int {
	for _, t := range taxonomy {
		if errors.Is(err, t.err) {
			return t.status
		}
	}
	return http.StatusInternalServerError
}
