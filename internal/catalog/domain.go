// internal/catalog/domain.go
package catalog

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound     = errors.New("tool type not found")
	ErrInvalidInput = errors.New("invalid tool type")
)

const (
	StatusActive  = "active"
	StatusRetired = "retired"
)

// ToolType is one kind of tool the company owns. Available is the figure the
// ledger last wrote back; the catalog never derives it.
type ToolType struct {
	ID            uuid.UUID `json:"id"`
	Name          string    `json:"name"`
	Code          string    `json:"code,omitempty"`
	Description   string    `json:"description,omitempty"`
	TotalQuantity int       `json:"total_quantity"`
	Available     int       `json:"available"`
	Status        string    `json:"status"`
	Version       int       `json:"version"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ToolTypeAddedEvent is published when a new tool type is added.
type ToolTypeAddedEvent struct {
	ID            uuid.UUID `json:"id"`
	Name          string    `json:"name"`
	Code          string    `json:"code,omitempty"`
	Description   string    `json:"description,omitempty"`
	TotalQuantity int       `json:"total_quantity"`
}

// ToolTypeTotalUpdatedEvent is published when the owned quantity changes.
type ToolTypeTotalUpdatedEvent struct {
	ID       uuid.UUID `json:"id"`
	OldTotal int       `json:"old_total"`
	NewTotal int       `json:"new_total"`
}

// ToolTypeRetiredEvent is published when a tool type is retired.
type ToolTypeRetiredEvent struct {
	ID     uuid.UUID `json:"id"`
	Status string    `json:"status"`
}
