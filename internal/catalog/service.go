// internal/catalog/service.go
package catalog

import (
	"context"

	"github.com/google/uuid"
)

// Service defines the interface for the catalog service.
type Service interface {
	AddToolType(ctx context.Context, name, code, description string, totalQuantity int) (*ToolType, error)
	GetToolType(ctx context.Context, id uuid.UUID) (*ToolType, error)
	ListToolTypes(ctx context.Context) ([]*ToolType, error)
	UpdateTotal(ctx context.Context, id uuid.UUID, totalQuantity int) (*ToolType, error)
	SetAvailable(ctx context.Context, id uuid.UUID, available int) error
	RemoveToolType(ctx context.Context, id uuid.UUID) error
	Search(ctx context.Context, query string) ([]*ToolType, error)
}
