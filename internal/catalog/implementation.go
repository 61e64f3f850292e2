// internal/catalog/implementation.go
package catalog

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	pgmigrate "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	"toolledger/pkg/eventstore"
)

const aggregateToolType = "tool_type"

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrate applies the catalog schema. It keeps its own migrations table so it
// can share a database with the ledger.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	drv, err := pgmigrate.WithInstance(db, &pgmigrate.Config{MigrationsTable: "catalog_schema_migrations"})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", drv)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// service implements the Service interface.
type service struct {
	eventStore *eventstore.EventStore
	db         *sql.DB
}

// NewService creates a new catalog service instance.
func NewService(es *eventstore.EventStore, db *sql.DB) Service {
	return &service{
		eventStore: es,
		db:         db,
	}
}

// AddToolType creates a new tool type in the catalog.
func (s *service) AddToolType(ctx context.Context, name, code, description string, totalQuantity int) (*ToolType, error) {
	name, code, description = strings.TrimSpace(name), strings.TrimSpace(code), strings.TrimSpace(description)
	if err := validateNew(name, totalQuantity); err != nil {
		return nil, err
	}

	id := uuid.New()
	event, err := eventstore.NewEvent("ToolTypeAdded", ToolTypeAddedEvent{
		ID:            id,
		Name:          name,
		Code:          code,
		Description:   description,
		TotalQuantity: totalQuantity,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event data: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.eventStore.AppendEventsTx(ctx, tx, id, aggregateToolType, 0, []eventstore.Event{event}); err != nil {
		return nil, fmt.Errorf("failed to append event: %w", err)
	}

	tool := &ToolType{
		ID:            id,
		Name:          name,
		Code:          code,
		Description:   description,
		TotalQuantity: totalQuantity,
		Available:     totalQuantity,
		Status:        StatusActive,
		Version:       1,
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO tool_types (id, name, code, description, total_quantity, available, status, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`, tool.ID, tool.Name, tool.Code, tool.Description, tool.TotalQuantity, tool.Available, tool.Status, tool.Version).
		Scan(&tool.CreatedAt, &tool.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to update read model: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return tool, nil
}

const selectToolType = `
	SELECT id, name, code, description, total_quantity, available, status, version, created_at, updated_at
	FROM tool_types
`

type scanner interface {
	Scan(dest ...any) error
}

func scanToolType(row scanner) (*ToolType, error) {
	tool := &ToolType{}
	err := row.Scan(
		&tool.ID,
		&tool.Name,
		&tool.Code,
		&tool.Description,
		&tool.TotalQuantity,
		&tool.Available,
		&tool.Status,
		&tool.Version,
		&tool.CreatedAt,
		&tool.UpdatedAt,
	)
	return tool, err
}

// GetToolType retrieves a tool type from the catalog by its ID.
func (s *service) GetToolType(ctx context.Context, id uuid.UUID) (*ToolType, error) {
	tool, err := scanToolType(s.db.QueryRowContext(ctx, selectToolType+` WHERE id = $1`, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get tool type from read model: %w", err)
	}
	return tool, nil
}

func (s *service) ListToolTypes(ctx context.Context) ([]*ToolType, error) {
	return s.query(ctx, selectToolType+` WHERE status = 'active' ORDER BY name`)
}

// UpdateTotal changes the owned quantity. The ledger picks the new total up
// on its next commit or recompute for the tool type.
func (s *service) UpdateTotal(ctx context.Context, id uuid.UUID, totalQuantity int) (*ToolType, error) {
	if totalQuantity < 0 {
		return nil, fmt.Errorf("%w: total_quantity must not be negative", ErrInvalidInput)
	}
	tool, err := s.GetToolType(ctx, id)
	if err != nil {
		return nil, err
	}

	event, err := eventstore.NewEvent("ToolTypeTotalUpdated", ToolTypeTotalUpdatedEvent{
		ID:       id,
		OldTotal: tool.TotalQuantity,
		NewTotal: totalQuantity,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event data: %w", err)
	}

	if err := s.writeVersioned(ctx, tool, event, `
		UPDATE tool_types
		SET total_quantity = $3, available = available + ($3 - total_quantity), version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
	`, totalQuantity); err != nil {
		return nil, err
	}
	return s.GetToolType(ctx, id)
}

// SetAvailable stores the ledger's figure. It is a projection of the ledger's
// counter, so no catalog event is appended for it.
func (s *service) SetAvailable(ctx context.Context, id uuid.UUID, available int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tool_types SET available = $2, updated_at = NOW() WHERE id = $1
	`, id, available)
	if err != nil {
		return fmt.Errorf("failed to update read model: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// RemoveToolType marks a tool type as retired.
func (s *service) RemoveToolType(ctx context.Context, id uuid.UUID) error {
	tool, err := s.GetToolType(ctx, id)
	if err != nil {
		return err
	}

	event, err := eventstore.NewEvent("ToolTypeRetired", ToolTypeRetiredEvent{ID: id, Status: StatusRetired}, nil)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	return s.writeVersioned(ctx, tool, event, `
		UPDATE tool_types
		SET status = 'retired', version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
	`)
}

// writeVersioned appends event and runs update in one transaction, guarded by
// the tool type's version.
func (s *service) writeVersioned(ctx context.Context, tool *ToolType, event eventstore.Event, update string, extra ...interface{}) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.eventStore.AppendEventsTx(ctx, tx, tool.ID, aggregateToolType, tool.Version, []eventstore.Event{event}); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	args := append([]interface{}{tool.ID, tool.Version}, extra...)
	res, err := tx.ExecContext(ctx, update, args...)
	if err != nil {
		return fmt.Errorf("failed to update read model: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eventstore.ErrConcurrencyConflict
	}
	return tx.Commit()
}

// Search finds tool types by name or code.
func (s *service) Search(ctx context.Context, query string) ([]*ToolType, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: empty search query", ErrInvalidInput)
	}
	return s.query(ctx, selectToolType+`
		WHERE status = 'active'
		AND (to_tsvector('simple', name || ' ' || description) @@ plainto_tsquery('simple', $1)
		OR name ILIKE '%' || $1 || '%'
		OR code = $1)
		ORDER BY name
		LIMIT 25
	`, query)
}

func (s *service) query(ctx context.Context, q string, args ...interface{}) ([]*ToolType, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("database query failed: %w", err)
	}
	defer rows.Close()

	tools := []*ToolType{}
	for rows.Next() {
		tool, err := scanToolType(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tool type: %w", err)
		}
		tools = append(tools, tool)
	}
	return tools, rows.Err()
}

func validateNew(name string, totalQuantity int) error {
	if name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if totalQuantity < 0 {
		return fmt.Errorf("%w: total_quantity must not be negative", ErrInvalidInput)
	}
	return nil
}
