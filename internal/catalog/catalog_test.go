package catalog

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolledger/internal/lending"
	"toolledger/pkg/eventstore"
)

func TestMemoryServiceLifecycle(t *testing.T) {
	ctx := context.Background()
	svc := NewMemoryService()

	drill, err := svc.AddToolType(ctx, "  Drill ", "DR-1", "cordless", 5)
	require.NoError(t, err)
	assert.Equal(t, "Drill", drill.Name)
	assert.Equal(t, 5, drill.Available)

	_, err = svc.AddToolType(ctx, "Saw", "", "", 2)
	require.NoError(t, err)

	_, err = svc.AddToolType(ctx, "", "", "", 1)
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = svc.AddToolType(ctx, "Hammer", "", "", -1)
	assert.ErrorIs(t, err, ErrInvalidInput)

	require.NoError(t, svc.SetAvailable(ctx, drill.ID, 3))
	updated, err := svc.UpdateTotal(ctx, drill.ID, 7)
	require.NoError(t, err)
	assert.Equal(t, 7, updated.TotalQuantity)
	assert.Equal(t, 5, updated.Available)

	found, err := svc.Search(ctx, "dr-1")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, drill.ID, found[0].ID)

	require.NoError(t, svc.RemoveToolType(ctx, drill.ID))
	list, err := svc.ListToolTypes(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Saw", list[0].Name)

	_, err = svc.GetToolType(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLedgerViewTranslatesErrors(t *testing.T) {
	ctx := context.Background()
	svc := NewMemoryService()
	view := LedgerView{Service: svc}

	_, err := view.GetToolType(ctx, uuid.New())
	assert.ErrorIs(t, err, lending.ErrNotFound)
	assert.ErrorIs(t, view.SetAvailable(ctx, uuid.New(), 1), lending.ErrNotFound)

	tool, err := svc.AddToolType(ctx, "Ladder", "", "", 4)
	require.NoError(t, err)
	require.NoError(t, svc.RemoveToolType(ctx, tool.ID))

	info, err := view.GetToolType(ctx, tool.ID)
	require.NoError(t, err)
	assert.True(t, info.Retired)
	assert.Equal(t, 4, info.TotalQuantity)
}

func TestHandlerRoutes(t *testing.T) {
	svc := NewMemoryService()
	mux := http.NewServeMux()
	NewHandler(svc).Register(mux)

	do := func(method, path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		return rec
	}

	rec := do(http.MethodPost, "/tool-types", `{"name":"Drill","total_quantity":5}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	list, _ := svc.ListToolTypes(context.Background())
	require.Len(t, list, 1)
	id := list[0].ID.String()

	assert.Equal(t, http.StatusBadRequest, do(http.MethodPost, "/tool-types", `{"name":""}`).Code)
	assert.Equal(t, http.StatusNoContent, do(http.MethodPut, "/tool-types/"+id+"/available", `{"available":2}`).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(http.MethodGet, "/tool-types/"+id+"/available", "").Code)

	rec = do(http.MethodGet, "/tool-types/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"available":2`)

	assert.Equal(t, http.StatusBadRequest, do(http.MethodPatch, "/tool-types/"+id, `{}`).Code)
	assert.Equal(t, http.StatusOK, do(http.MethodPatch, "/tool-types/"+id, `{"total_quantity":6}`).Code)
	assert.Equal(t, http.StatusNotFound, do(http.MethodGet, "/tool-types/"+uuid.NewString(), "").Code)
	assert.Equal(t, http.StatusBadRequest, do(http.MethodGet, "/tool-types/nope", "").Code)
	assert.Equal(t, http.StatusOK, do(http.MethodGet, "/search?q=drill", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(http.MethodGet, "/search", "").Code)
	assert.Equal(t, http.StatusNoContent, do(http.MethodDelete, "/tool-types/"+id, "").Code)
}

func TestPostgresAddToolType(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	svc := NewService(eventstore.NewEventStore(db), db)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(version\), 0\)`).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(0))
	mock.ExpectQuery(`INSERT INTO events`).
		WithArgs(sqlmock.AnyArg(), aggregateToolType, "ToolTypeAdded", sqlmock.AnyArg(), sqlmock.AnyArg(), 1, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectQuery(`INSERT INTO tool_types`).
		WithArgs(sqlmock.AnyArg(), "Drill", "DR", "", 5, 5, StatusActive, 1).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))
	mock.ExpectCommit()

	tool, err := svc.AddToolType(context.Background(), "Drill", "DR", "", 5)
	require.NoError(t, err)
	assert.Equal(t, 5, tool.Available)
	assert.Equal(t, now, tool.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateTotalStaleVersion(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	svc := NewService(eventstore.NewEventStore(db), db)
	id := uuid.New()
	now := time.Now()
	cols := []string{"id", "name", "code", "description", "total_quantity", "available", "status", "version", "created_at", "updated_at"}

	mock.ExpectQuery(`FROM tool_types WHERE id = \$1`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(id.String(), "Drill", "", "", 5, 5, StatusActive, 2, now, now))
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(version\), 0\)`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(3))
	mock.ExpectRollback()

	_, err = svc.UpdateTotal(context.Background(), id, 8)
	assert.True(t, errors.Is(err, eventstore.ErrConcurrencyConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetToolTypeNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	svc := NewService(eventstore.NewEventStore(db), db)
	id := uuid.New()
	mock.ExpectQuery(`FROM tool_types WHERE id = \$1`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err = svc.GetToolType(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotFound)
}
