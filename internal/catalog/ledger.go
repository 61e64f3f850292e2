package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"toolledger/internal/lending"
)

// LedgerView exposes a catalog Service in the shape the lending ledger
// consumes when both run in one process.
type LedgerView struct {
	Service Service
}

var _ lending.Catalog = LedgerView{}

func (v LedgerView) GetToolType(ctx context.Context, id uuid.UUID) (lending.ToolInfo, error) {
	tool, err := v.Service.GetToolType(ctx, id)
	if err != nil {
		return lending.ToolInfo{}, translate(err)
	}
	return tool.LedgerInfo(), nil
}

func (v LedgerView) SetAvailable(ctx context.Context, id uuid.UUID, available int) error {
	return translate(v.Service.SetAvailable(ctx, id, available))
}

func (v LedgerView) ListToolTypes(ctx context.Context) ([]lending.ToolInfo, error) {
	tools, err := v.Service.ListToolTypes(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]lending.ToolInfo, 0, len(tools))
	for _, t := range tools {
		out = append(out, t.LedgerInfo())
	}
	return out, nil
}

// LedgerInfo is t as the ledger sees it.
func (t *ToolType) LedgerInfo() lending.ToolInfo {
	return lending.ToolInfo{
		ID:            t.ID,
		Name:          t.Name,
		Code:          t.Code,
		Description:   t.Description,
		TotalQuantity: t.TotalQuantity,
		Retired:       t.Status == StatusRetired,
	}
}

func translate(err error) error {
	if err != nil && errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: %v", lending.ErrNotFound, err)
	}
	return err
}
