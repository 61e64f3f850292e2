package lending

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"toolledger/internal/metrics"
)

// Recomputation is the outcome of rebuilding one availability counter from
// the active loans.
type Recomputation struct {
	ToolTypeID    uuid.UUID `json:"tool_type_id"`
	Name          string    `json:"name"`
	TotalQuantity int       `json:"total_quantity"`
	Borrowed      int       `json:"borrowed"`
	Previous      int       `json:"previous"`
	Available     int       `json:"available"`
	Drift         int       `json:"drift"`
}

// ToolAudit compares one counter with the loans it accounts for.
type ToolAudit struct {
	ToolTypeID    uuid.UUID `json:"tool_type_id"`
	Name          string    `json:"name"`
	TotalQuantity int       `json:"total_quantity"`
	Available     int       `json:"available"`
	Borrowed      int       `json:"borrowed"`
	Drift         int       `json:"drift"`
}

// AuditReport lists every counter and the loans whose status disagrees with
// their lines.
type AuditReport struct {
	Tools             []ToolAudit `json:"tools"`
	InconsistentLoans []uuid.UUID `json:"inconsistent_loans"`
	Healthy           bool        `json:"healthy"`
}

// Recalculator owns the per-tool-type availability counters. Loan operations
// adjust them inside their commits; Recompute rebuilds a counter from the
// loans when drift is suspected.
type Recalculator struct {
	store   Store
	catalog Catalog
	log     logrus.FieldLogger
}

func NewRecalculator(store Store, catalog Catalog, log logrus.FieldLogger) *Recalculator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Recalculator{store: store, catalog: catalog, log: log}
}

// Available returns the committed counter. A tool type that was never
// borrowed has no counter yet; its figure is derived from the catalog.
func (r *Recalculator) Available(ctx context.Context, toolTypeID uuid.UUID) (Availability, error) {
	avail, err := r.store.Availability(ctx, toolTypeID)
	if err == nil {
		return avail, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Availability{}, err
	}

	tool, err := r.catalog.GetToolType(ctx, toolTypeID)
	if err != nil {
		return Availability{}, fmt.Errorf("get tool type: %w", err)
	}
	active, err := r.store.ActiveQuantity(ctx, toolTypeID)
	if err != nil {
		return Availability{}, err
	}
	return Availability{
		ToolTypeID:    tool.ID,
		Name:          tool.Name,
		TotalQuantity: tool.TotalQuantity,
		Available:     tool.TotalQuantity - active,
	}, nil
}

// Recompute sets the counter to the catalog total minus the active quantity
// on loan and reports how far the previous figure had drifted.
func (r *Recalculator) Recompute(ctx context.Context, toolTypeID uuid.UUID) (Recomputation, error) {
	tool, err := r.catalog.GetToolType(ctx, toolTypeID)
	if err != nil {
		return Recomputation{}, fmt.Errorf("get tool type: %w", err)
	}
	return r.recompute(ctx, tool)
}

func (r *Recalculator) recompute(ctx context.Context, tool ToolInfo) (Recomputation, error) {
	avail, previous, err := r.store.Reconcile(ctx, ToolRef{ID: tool.ID, Name: tool.Name, Total: tool.TotalQuantity})
	if err != nil {
		return Recomputation{}, fmt.Errorf("reconcile %s: %w", tool.ID, err)
	}

	res := Recomputation{
		ToolTypeID:    avail.ToolTypeID,
		Name:          avail.Name,
		TotalQuantity: avail.TotalQuantity,
		Borrowed:      avail.Borrowed(),
		Previous:      previous,
		Available:     avail.Available,
		Drift:         avail.Available - previous,
	}
	log := r.log.WithFields(logrus.Fields{"tool_type_id": tool.ID, "available": res.Available, "previous": previous})
	if res.Drift != 0 {
		metrics.RecordDrift(tool.ID.String())
		log.Warn("availability counter drifted, repaired")
	}
	if res.Available < 0 {
		log.WithField("total", res.TotalQuantity).Warn("more quantity on loan than the catalog owns")
	}
	r.writeBack(ctx, map[uuid.UUID]int{tool.ID: res.Available})
	return res, nil
}

// Adjust applies a manual delta to a counter. The result may not go below
// zero.
func (r *Recalculator) Adjust(ctx context.Context, toolTypeID uuid.UUID, delta int, actor string) (Availability, error) {
	if delta == 0 {
		return Availability{}, fmt.Errorf("%w: delta must not be zero", ErrInvalidInput)
	}
	tool, err := r.catalog.GetToolType(ctx, toolTypeID)
	if err != nil {
		return Availability{}, fmt.Errorf("get tool type: %w", err)
	}

	res, err := r.store.Commit(ctx, Change{Adjustments: []Adjustment{{
		ToolTypeID: tool.ID,
		Name:       tool.Name,
		Delta:      delta,
		Total:      tool.TotalQuantity,
		SyncTotal:  true,
	}}})
	if err != nil {
		return Availability{}, err
	}
	r.log.WithFields(logrus.Fields{
		"tool_type_id": tool.ID,
		"delta":        delta,
		"actor":        actor,
	}).Info("availability adjusted manually")
	r.writeBack(ctx, res.Available)
	return r.store.Availability(ctx, toolTypeID)
}

// ReconcileAll recomputes every tool type known to the catalog plus every
// counter the store still holds. Retired tool types drop out of the catalog
// listing but may still be on loan, so their counters are resolved one by
// one.
func (r *Recalculator) ReconcileAll(ctx context.Context) ([]Recomputation, error) {
	tools, err := r.catalog.ListToolTypes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tool types: %w", err)
	}
	counters, err := r.store.ListAvailability(ctx)
	if err != nil {
		return nil, fmt.Errorf("list availability: %w", err)
	}

	seen := make(map[uuid.UUID]struct{}, len(tools))
	for _, tool := range tools {
		seen[tool.ID] = struct{}{}
	}
	for _, c := range counters {
		if _, ok := seen[c.ToolTypeID]; ok {
			continue
		}
		tool, err := r.catalog.GetToolType(ctx, c.ToolTypeID)
		if errors.Is(err, ErrNotFound) {
			r.log.WithField("tool_type_id", c.ToolTypeID).Warn("counter has no catalog entry, skipped")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get tool type %s: %w", c.ToolTypeID, err)
		}
		seen[tool.ID] = struct{}{}
		tools = append(tools, tool)
	}

	out := make([]Recomputation, 0, len(tools))
	for _, tool := range tools {
		res, err := r.recompute(ctx, tool)
		if err != nil {
			return out, err
		}
		out = append(out, res)
	}
	return out, nil
}

// Audit checks conservation for every counter and status consistency for
// every loan. It reads without locking, so figures taken while writers are
// active may disagree briefly.
func (r *Recalculator) Audit(ctx context.Context) (AuditReport, error) {
	counters, err := r.store.ListAvailability(ctx)
	if err != nil {
		return AuditReport{}, err
	}
	report := AuditReport{Tools: make([]ToolAudit, 0, len(counters)), InconsistentLoans: []uuid.UUID{}, Healthy: true}
	for _, c := range counters {
		active, err := r.store.ActiveQuantity(ctx, c.ToolTypeID)
		if err != nil {
			return AuditReport{}, err
		}
		a := ToolAudit{
			ToolTypeID:    c.ToolTypeID,
			Name:          c.Name,
			TotalQuantity: c.TotalQuantity,
			Available:     c.Available,
			Borrowed:      active,
			Drift:         c.TotalQuantity - active - c.Available,
		}
		if a.Drift != 0 || a.Available < 0 {
			report.Healthy = false
		}
		report.Tools = append(report.Tools, a)
	}
	sort.Slice(report.Tools, func(i, j int) bool { return report.Tools[i].Name < report.Tools[j].Name })

	loans, _, err := r.store.ListLoans(ctx, LoanFilter{})
	if err != nil {
		return AuditReport{}, err
	}
	for _, l := range loans {
		if (l.Status == StatusReturned) != (len(l.ToolLines) == 0) {
			report.InconsistentLoans = append(report.InconsistentLoans, l.ID)
			report.Healthy = false
		}
	}
	return report, nil
}

// writeBack pushes committed figures to the catalog. Failures are only logged.
func (r *Recalculator) writeBack(ctx context.Context, available map[uuid.UUID]int) {
	for id, n := range available {
		metrics.SetAvailable(id.String(), n)
		if err := r.catalog.SetAvailable(ctx, id, n); err != nil {
			r.log.WithError(err).WithField("tool_type_id", id).Warn("failed to write availability back to catalog")
		}
	}
}
