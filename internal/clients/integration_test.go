package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolledger/internal/catalog"
	"toolledger/internal/lending"
	"toolledger/internal/notify"
	"toolledger/internal/storage/memory"
)

// stack runs the catalog and the ledger as separate HTTP services, the ledger
// reaching the catalog through CatalogClient.
type stack struct {
	catalog catalog.Service
	ledger  lending.Service
	url     string
}

func newStack(t *testing.T) *stack {
	t.Helper()
	logger, _ := test.NewNullLogger()

	tools := catalog.NewMemoryService()
	mux := http.NewServeMux()
	catalog.NewHandler(tools).Register(mux)
	catalogSrv := httptest.NewServer(mux)
	t.Cleanup(catalogSrv.Close)

	ledger := lending.NewService(memory.New(), NewCatalogClient(catalogSrv.URL, catalogSrv.Client(), logger),
		lending.WithPublisher(notify.Discard{}),
		lending.WithLogger(logger),
		lending.WithRetry(5, time.Millisecond),
	)
	r := chi.NewRouter()
	lending.NewHandler(ledger, nil, 0).Routes(r)
	ledgerSrv := httptest.NewServer(r)
	t.Cleanup(ledgerSrv.Close)

	return &stack{catalog: tools, ledger: ledger, url: ledgerSrv.URL}
}

func (s *stack) post(t *testing.T, path string, body interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(s.url+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (s *stack) catalogAvailable(t *testing.T, id uuid.UUID) int {
	t.Helper()
	tool, err := s.catalog.GetToolType(context.Background(), id)
	require.NoError(t, err)
	return tool.Available
}

func TestBorrowAndReturnAcrossServices(t *testing.T) {
	s := newStack(t)
	drill, err := s.catalog.AddToolType(context.Background(), "Drill", "DR", "", 5)
	require.NoError(t, err)

	resp := s.post(t, "/loans", map[string]interface{}{
		"employee_id":   "E1",
		"employee_name": "Ana",
		"tool_lines":    []map[string]interface{}{{"tool_type_id": drill.ID, "quantity": 1}},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var loan lending.Loan
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&loan))
	assert.Equal(t, "Drill", loan.ToolLines[0].Name)
	assert.Equal(t, 4, s.catalogAvailable(t, drill.ID))

	resp = s.post(t, fmt.Sprintf("/loans/%s/returns", loan.ID), map[string]interface{}{
		"tool_type_ids": []uuid.UUID{drill.ID},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 5, s.catalogAvailable(t, drill.ID))
}

func TestUnknownToolAcrossServices(t *testing.T) {
	s := newStack(t)
	resp := s.post(t, "/loans", map[string]interface{}{
		"employee_id":   "E1",
		"employee_name": "Ana",
		"tool_lines":    []map[string]interface{}{{"tool_type_id": uuid.New(), "quantity": 1}},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestConcurrentBorrowPreventsDoubleBooking(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	ladder, err := s.catalog.AddToolType(ctx, "Ladder", "LD", "", 1)
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			raw, _ := json.Marshal(map[string]interface{}{
				"employee_id":   fmt.Sprintf("E%d", i),
				"employee_name": fmt.Sprintf("Employee %d", i),
				"tool_lines":    []map[string]interface{}{{"tool_type_id": ladder.ID, "quantity": 1}},
			})
			resp, err := http.Post(s.url+"/loans", "application/json", bytes.NewReader(raw))
			if err != nil {
				return
			}
			defer resp.Body.Close()
			if resp.StatusCode == http.StatusCreated {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, success, "only one concurrent borrow may succeed")

	avail, err := s.ledger.GetAvailability(ctx, ladder.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, avail.Available)

	_, err = s.ledger.ReconcileAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, s.catalogAvailable(t, ladder.ID))
}
