// Package postgres is the PostgreSQL lending.Store. A loan is kept as a JSON
// document next to indexed columns; its current lines are mirrored in
// loan_lines so availability can be summed in SQL.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgmigrate "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"toolledger/internal/lending"
	"toolledger/pkg/eventstore"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrate applies the embedded schema migrations.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	drv, err := pgmigrate.WithInstance(db, &pgmigrate.Config{})
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

// Store implements lending.Store backed by PostgreSQL.
type Store struct {
	db     *sqlx.DB
	events *eventstore.EventStore
	now    func() time.Time
}

var _ lending.Store = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{
		db:     sqlx.NewDb(db, "postgres"),
		events: eventstore.NewEventStore(db),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

type loanRow struct {
	Document []byte `db:"document"`
	Version  int    `db:"version"`
}

func (r loanRow) decode() (lending.Loan, error) {
	var loan lending.Loan
	if err := json.Unmarshal(r.Document, &loan); err != nil {
		return lending.Loan{}, fmt.Errorf("decode loan: %w", err)
	}
	loan.Version = r.Version
	return loan, nil
}

type availabilityRow struct {
	ToolTypeID    uuid.UUID `db:"tool_type_id"`
	Name          string    `db:"name"`
	TotalQuantity int       `db:"total_quantity"`
	Available     int       `db:"available"`
	UpdatedAt     time.Time `db:"updated_at"`
}

func (r availabilityRow) model() lending.Availability {
	return lending.Availability{
		ToolTypeID:    r.ToolTypeID,
		Name:          r.Name,
		TotalQuantity: r.TotalQuantity,
		Available:     r.Available,
		UpdatedAt:     r.UpdatedAt,
	}
}

func (s *Store) GetLoan(ctx context.Context, id uuid.UUID) (lending.Loan, error) {
	var row loanRow
	err := s.db.GetContext(ctx, &row, `SELECT document, version FROM loans WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return lending.Loan{}, fmt.Errorf("%w: loan %s", lending.ErrNotFound, id)
	}
	if err != nil {
		return lending.Loan{}, fmt.Errorf("get loan: %w", err)
	}
	return row.decode()
}

func (s *Store) ListLoans(ctx context.Context, filter lending.LoanFilter) ([]lending.Loan, int, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.EmployeeID != "" {
		add("l.employee_id = $%d", filter.EmployeeID)
	}
	if filter.Status != "" {
		add("l.status = $%d", string(filter.Status))
	}
	if filter.ToolTypeID != uuid.Nil {
		add("EXISTS (SELECT 1 FROM loan_lines ll WHERE ll.loan_id = l.id AND ll.tool_type_id = $%d)", filter.ToolTypeID)
	}
	if filter.From != nil {
		add("l.loan_date >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("l.loan_date <= $%d", *filter.To)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM loans l`+clause, args...); err != nil {
		return nil, 0, fmt.Errorf("count loans: %w", err)
	}

	order := "ASC"
	if filter.Page.Order == lending.OrderDesc {
		order = "DESC"
	}
	query := `SELECT l.document, l.version FROM loans l` + clause + ` ORDER BY l.loan_date ` + order + `, l.id`
	if filter.Page.Limit > 0 {
		args = append(args, filter.Page.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Page.Offset > 0 {
		args = append(args, filter.Page.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	var rows []loanRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list loans: %w", err)
	}
	loans := make([]lending.Loan, 0, len(rows))
	for _, r := range rows {
		loan, err := r.decode()
		if err != nil {
			return nil, 0, err
		}
		loans = append(loans, loan)
	}
	return loans, total, nil
}

func (s *Store) Availability(ctx context.Context, toolTypeID uuid.UUID) (lending.Availability, error) {
	var row availabilityRow
	err := s.db.GetContext(ctx, &row, `
		SELECT tool_type_id, name, total_quantity, available, updated_at
		FROM tool_availability
		WHERE tool_type_id = $1
	`, toolTypeID)
	if errors.Is(err, sql.ErrNoRows) {
		return lending.Availability{}, fmt.Errorf("%w: no availability record for %s", lending.ErrNotFound, toolTypeID)
	}
	if err != nil {
		return lending.Availability{}, fmt.Errorf("get availability: %w", err)
	}
	return row.model(), nil
}

func (s *Store) ListAvailability(ctx context.Context) ([]lending.Availability, error) {
	var rows []availabilityRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT tool_type_id, name, total_quantity, available, updated_at
		FROM tool_availability
		ORDER BY tool_type_id
	`); err != nil {
		return nil, fmt.Errorf("list availability: %w", err)
	}
	out := make([]lending.Availability, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

const activeQuantityQuery = `
	SELECT COALESCE(SUM(ll.quantity), 0)
	FROM loan_lines ll
	JOIN loans l ON l.id = ll.loan_id
	WHERE ll.tool_type_id = $1 AND l.status = 'active'
`

func (s *Store) ActiveQuantity(ctx context.Context, toolTypeID uuid.UUID) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, activeQuantityQuery, toolTypeID); err != nil {
		return 0, fmt.Errorf("sum active quantity: %w", err)
	}
	return n, nil
}

// Commit writes the change in one transaction. Availability rows are locked
// in tool-type id order before any loan row is touched.
func (s *Store) Commit(ctx context.Context, change lending.Change) (lending.CommitResult, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return lending.CommitResult{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := s.adjustTx(ctx, tx, change.Adjustments)
	if err != nil {
		return lending.CommitResult{}, err
	}

	for _, w := range change.Loans {
		if err := s.writeLoanTx(ctx, tx, w); err != nil {
			return lending.CommitResult{}, err
		}
	}
	for _, d := range change.Deletes {
		if err := s.deleteLoanTx(ctx, tx, d); err != nil {
			return lending.CommitResult{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return lending.CommitResult{}, mapConflict(fmt.Errorf("commit transaction: %w", err))
	}
	return res, nil
}

func (s *Store) adjustTx(ctx context.Context, tx *sqlx.Tx, adjustments []lending.Adjustment) (lending.CommitResult, error) {
	res := lending.CommitResult{Available: make(map[uuid.UUID]int)}
	if len(adjustments) == 0 {
		return res, nil
	}

	ids := make([]uuid.UUID, 0, len(adjustments))
	byID := make(map[uuid.UUID][]lending.Adjustment)
	for _, adj := range adjustments {
		if _, seen := byID[adj.ToolTypeID]; !seen {
			ids = append(ids, adj.ToolTypeID)
		}
		byID[adj.ToolTypeID] = append(byID[adj.ToolTypeID], adj)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	now := s.now()
	for _, id := range ids {
		current, err := lockAvailability(ctx, tx, id)
		if err != nil {
			return res, err
		}
		existed := current != nil

		var (
			next  lending.Availability
			dirty bool
		)
		for _, adj := range byID[id] {
			active := 0
			if current == nil && adj.SyncTotal {
				if err := tx.GetContext(ctx, &active, activeQuantityQuery, id); err != nil {
					return res, fmt.Errorf("sum active quantity: %w", err)
				}
			}
			updated, write, err := lending.ApplyAdjustment(current, adj, active, now)
			if err != nil {
				return res, fmt.Errorf("%w: %s", err, adj.Name)
			}
			if write {
				next, dirty = updated, true
				current = &next
			}
		}
		if !dirty {
			continue
		}

		if existed {
			_, err = tx.ExecContext(ctx, `
				UPDATE tool_availability
				SET name = $2, total_quantity = $3, available = $4, updated_at = $5
				WHERE tool_type_id = $1
			`, next.ToolTypeID, next.Name, next.TotalQuantity, next.Available, next.UpdatedAt)
		} else {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO tool_availability (tool_type_id, name, total_quantity, available, updated_at)
				VALUES ($1, $2, $3, $4, $5)
			`, next.ToolTypeID, next.Name, next.TotalQuantity, next.Available, next.UpdatedAt)
		}
		if err != nil {
			return res, mapConflict(fmt.Errorf("write availability %s: %w", id, err))
		}
		res.Available[id] = next.Available
	}
	return res, nil
}

func lockAvailability(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) (*lending.Availability, error) {
	var row availabilityRow
	err := tx.GetContext(ctx, &row, `
		SELECT tool_type_id, name, total_quantity, available, updated_at
		FROM tool_availability
		WHERE tool_type_id = $1
		FOR UPDATE
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapConflict(fmt.Errorf("lock availability %s: %w", id, err))
	}
	a := row.model()
	return &a, nil
}

func (s *Store) writeLoanTx(ctx context.Context, tx *sqlx.Tx, w lending.LoanWrite) error {
	loan := w.Loan
	loan.Version = w.ExpectedVersion + len(w.Events)
	doc, err := json.Marshal(loan)
	if err != nil {
		return fmt.Errorf("encode loan: %w", err)
	}

	if w.ExpectedVersion == 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO loans (id, employee_id, status, loan_date, document, version, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, loan.ID, loan.EmployeeID, string(loan.Status), loan.LoanDate, doc, loan.Version, s.now())
		if err != nil {
			return mapConflict(fmt.Errorf("insert loan %s: %w", loan.ID, err))
		}
	} else {
		result, err := tx.ExecContext(ctx, `
			UPDATE loans
			SET employee_id = $3, status = $4, loan_date = $5, document = $6, version = $7, updated_at = $8
			WHERE id = $1 AND version = $2
		`, loan.ID, w.ExpectedVersion, loan.EmployeeID, string(loan.Status), loan.LoanDate, doc, loan.Version, s.now())
		if err != nil {
			return mapConflict(fmt.Errorf("update loan %s: %w", loan.ID, err))
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: loan %s is not at version %d", lending.ErrConflict, loan.ID, w.ExpectedVersion)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM loan_lines WHERE loan_id = $1`, loan.ID); err != nil {
			return fmt.Errorf("clear loan lines: %w", err)
		}
	}

	if loan.Status == lending.StatusActive {
		for _, line := range loan.ToolLines {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO loan_lines (loan_id, tool_type_id, quantity)
				VALUES ($1, $2, $3)
			`, loan.ID, line.ToolTypeID, line.Quantity); err != nil {
				return fmt.Errorf("insert loan line: %w", err)
			}
		}
	}

	return s.appendTx(ctx, tx, loan.ID, w.ExpectedVersion, w.Events)
}

func (s *Store) deleteLoanTx(ctx context.Context, tx *sqlx.Tx, d lending.LoanDelete) error {
	result, err := tx.ExecContext(ctx, `DELETE FROM loans WHERE id = $1 AND version = $2`, d.ID, d.ExpectedVersion)
	if err != nil {
		return mapConflict(fmt.Errorf("delete loan %s: %w", d.ID, err))
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: loan %s is not at version %d", lending.ErrConflict, d.ID, d.ExpectedVersion)
	}
	return s.appendTx(ctx, tx, d.ID, d.ExpectedVersion, d.Events)
}

func (s *Store) appendTx(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, expected int, events []eventstore.Event) error {
	if len(events) == 0 {
		return nil
	}
	err := s.events.AppendEventsTx(ctx, tx, id, lending.AggregateLoan, expected, events)
	if errors.Is(err, eventstore.ErrConcurrencyConflict) {
		return fmt.Errorf("%w: events of loan %s moved past version %d", lending.ErrConflict, id, expected)
	}
	return err
}

func (s *Store) Reconcile(ctx context.Context, ref lending.ToolRef) (lending.Availability, int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return lending.Availability{}, 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := lockAvailability(ctx, tx, ref.ID)
	if err != nil {
		return lending.Availability{}, 0, err
	}
	var active int
	if err := tx.GetContext(ctx, &active, activeQuantityQuery, ref.ID); err != nil {
		return lending.Availability{}, 0, fmt.Errorf("sum active quantity: %w", err)
	}

	next := lending.Availability{
		ToolTypeID:    ref.ID,
		Name:          ref.Name,
		TotalQuantity: ref.Total,
		Available:     ref.Total - active,
		UpdatedAt:     s.now(),
	}
	previous := next.Available
	if current != nil {
		previous = current.Available
		if next.Name == "" {
			next.Name = current.Name
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tool_availability (tool_type_id, name, total_quantity, available, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tool_type_id) DO UPDATE
		SET name = EXCLUDED.name, total_quantity = EXCLUDED.total_quantity,
			available = EXCLUDED.available, updated_at = EXCLUDED.updated_at
	`, next.ToolTypeID, next.Name, next.TotalQuantity, next.Available, next.UpdatedAt); err != nil {
		return lending.Availability{}, 0, fmt.Errorf("write availability: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return lending.Availability{}, 0, mapConflict(fmt.Errorf("commit transaction: %w", err))
	}
	return next, previous, nil
}

func (s *Store) LoadEvents(ctx context.Context, loanID uuid.UUID) ([]eventstore.Event, error) {
	return s.events.LoadEvents(ctx, loanID, 0, 0)
}

func (s *Store) StreamEvents(ctx context.Context, afterID int64, limit int) ([]eventstore.Event, error) {
	return s.events.StreamAggregateEvents(ctx, lending.AggregateLoan, afterID, limit)
}

// mapConflict turns races the database detected into lending.ErrConflict so
// the service retries them.
func mapConflict(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code {
	case "23505", "40001", "40P01":
		return fmt.Errorf("%w: %v", lending.ErrConflict, err)
	}
	return err
}
