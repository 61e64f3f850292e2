package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestDB connects to TEST_POSTGRES_DSN, skipping when it is unset or
// unreachable.
func setupTestDB(t testing.TB) *sql.DB {
	t.Helper()

	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("failed to open database connection: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Skipf("skipping postgres tests: %v", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id BIGSERIAL PRIMARY KEY,
			aggregate_id UUID NOT NULL,
			aggregate_type TEXT NOT NULL,
			event_type TEXT NOT NULL,
			event_data JSONB NOT NULL,
			metadata JSONB,
			version INT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (aggregate_id, version)
		);
	`)
	if err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}

	return db
}

type TestEvent struct {
	Message string `json:"message"`
}

func TestAppendEventsTxRejectsStaleVersion(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	id := uuid.New()
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(version\), 0\)`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(2))

	store := NewEventStore(db)
	err = store.AppendEventsTx(context.Background(), db, id, "loan", 1, []Event{{EventType: "ToolsReturned", EventData: json.RawMessage(`{}`)}})
	assert.ErrorIs(t, err, ErrConcurrencyConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendEventsTxInsertsSequentialVersions(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	id := uuid.New()
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(version\), 0\)`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(0))
	mock.ExpectQuery(`INSERT INTO events`).
		WithArgs(id, "loan", "LoanCreated", sqlmock.AnyArg(), sqlmock.AnyArg(), 1, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(10))
	mock.ExpectQuery(`INSERT INTO events`).
		WithArgs(id, "loan", "LoanEdited", sqlmock.AnyArg(), sqlmock.AnyArg(), 2, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(11))

	store := NewEventStore(db)
	err = store.AppendEventsTx(context.Background(), db, id, "loan", 0, []Event{
		{EventType: "LoanCreated", EventData: json.RawMessage(`{}`)},
		{EventType: "LoanEdited", EventData: json.RawMessage(`{}`)},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendEventsTxRejectsUnencodableMetadata(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	id := uuid.New()
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(version\), 0\)`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(0))

	store := NewEventStore(db)
	err = store.AppendEventsTx(context.Background(), db, id, "loan", 0, []Event{{
		EventType: "LoanCreated",
		EventData: json.RawMessage(`{}`),
		Metadata:  map[string]interface{}{"bad": make(chan int)},
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "marshal metadata")
	assert.NoError(t, mock.ExpectationsWereMet(), "no insert may run with unencoded metadata")
}

func TestStreamAggregateEventsFiltersByType(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	id := uuid.New()
	created := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`WHERE aggregate_type = \$1 AND id > \$2`).
		WithArgs("loan", int64(7), 50).
		WillReturnRows(sqlmock.NewRows([]string{"id", "aggregate_id", "aggregate_type", "event_type", "event_data", "metadata", "version", "created_at"}).
			AddRow(int64(8), id.String(), "loan", "LoanCreated", []byte(`{"loan_id":"x"}`), []byte(`{"actor":"ana"}`), 1, created))

	events, err := NewEventStore(db).StreamAggregateEvents(context.Background(), "loan", 7, 50)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(8), events[0].ID)
	assert.Equal(t, id, events[0].AggregateID)
	assert.Equal(t, "ana", events[0].Metadata["actor"])
	assert.JSONEq(t, `{"loan_id":"x"}`, string(events[0].EventData))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMemoryStoreOptimisticAppend(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	id := uuid.New()

	first, err := NewEvent("LoanCreated", TestEvent{Message: "created"}, map[string]interface{}{"actor": "alice"})
	require.NoError(t, err)
	require.NoError(t, store.AppendEvents(ctx, id, "loan", 0, []Event{first}))

	// A writer that read version 0 loses the race.
	err = store.AppendEvents(ctx, id, "loan", 0, []Event{first})
	assert.ErrorIs(t, err, ErrConcurrencyConflict)

	second, err := NewEvent("ToolsReturned", TestEvent{Message: "returned"}, nil)
	require.NoError(t, err)
	require.NoError(t, store.AppendEvents(ctx, id, "loan", 1, []Event{second}))

	version, err := store.GetCurrentVersion(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	events, err := store.LoadEvents(ctx, id, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "LoanCreated", events[0].EventType)
	assert.Equal(t, 1, events[0].Version)
	assert.Equal(t, "ToolsReturned", events[1].EventType)
	assert.Equal(t, 2, events[1].Version)

	bounded, err := store.LoadEvents(ctx, id, 2, 2)
	require.NoError(t, err)
	assert.Len(t, bounded, 1)
}

func TestMemoryStoreStreamCursor(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	for i := 0; i < 5; i++ {
		evt, err := NewEvent("LoanCreated", TestEvent{Message: fmt.Sprintf("event %d", i)}, nil)
		require.NoError(t, err)
		require.NoError(t, store.AppendEvents(ctx, uuid.New(), "loan", 0, []Event{evt}))
	}

	page, err := store.StreamEvents(ctx, 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)

	rest, err := store.StreamEvents(ctx, page[1].ID, 10)
	require.NoError(t, err)
	assert.Len(t, rest, 3)
	assert.Greater(t, rest[0].ID, page[1].ID)
}

func BenchmarkAppendEvents(b *testing.B) {
	db := setupTestDB(b)
	defer db.Close()
	store := NewEventStore(db)

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		b.StopTimer() // Stop timer for setup
		aggregateID := uuid.New()
		eventData, _ := json.Marshal(TestEvent{Message: fmt.Sprintf("event %d", i)})
		events := []Event{
			{
				EventType: "TestEvent",
				EventData: eventData,
			},
		}
		b.StartTimer() // Resume timer for the operation

		err := store.AppendEvents(context.Background(), aggregateID, "test_aggregate", 0, events)
		if err != nil {
			b.Fatalf("AppendEvents failed: %v", err)
		}
	}
}

func BenchmarkLoadEvents(b *testing.B) {
	db := setupTestDB(b)
	defer db.Close()
	store := NewEventStore(db)

	// Setup: create an aggregate with 10 events
	aggregateID := uuid.New()
	for i := 0; i < 10; i++ {
		eventData, _ := json.Marshal(TestEvent{Message: fmt.Sprintf("event %d", i)})
		events := []Event{
			{
				EventType: "TestEvent",
				EventData: eventData,
			},
		}
		err := store.AppendEvents(context.Background(), aggregateID, "test_aggregate", i, events)
		if err != nil {
			b.Fatalf("failed to setup events for benchmark: %v", err)
		}
	}

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_, err := store.LoadEvents(context.Background(), aggregateID, 0, 0)
		if err != nil {
			b.Fatalf("LoadEvents failed: %v", err)
		}
	}
}
