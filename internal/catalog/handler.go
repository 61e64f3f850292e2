// internal/catalog/handler.go
package catalog

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"toolledger/pkg/eventstore"
)

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// Register mounts the catalog endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/tool-types", h.HandleToolTypes)
	mux.HandleFunc("/tool-types/", h.HandleToolType)
	mux.HandleFunc("/search", h.HandleSearch)
}

func (h *Handler) HandleToolTypes(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handleAddToolType(w, r)
	case http.MethodGet:
		h.handleListToolTypes(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) HandleToolType(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/tool-types/")
	idStr, sub, _ := strings.Cut(rest, "/")
	id, err := uuid.Parse(idStr)
	if err != nil {
		http.Error(w, "invalid tool type ID", http.StatusBadRequest)
		return
	}

	if sub == "available" {
		if r.Method != http.MethodPut {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.handleSetAvailable(w, r, id)
		return
	}
	if sub != "" {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.handleGetToolType(w, r, id)
	case http.MethodPatch:
		h.handleUpdateTotal(w, r, id)
	case http.MethodDelete:
		h.handleRemoveToolType(w, r, id)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) HandleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query().Get("q")
	if query == "" {
		http.Error(w, "missing search query", http.StatusBadRequest)
		return
	}

	tools, err := h.service.Search(r.Context(), query)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, tools)
}

func (h *Handler) handleAddToolType(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name          string `json:"name"`
		Code          string `json:"code"`
		Description   string `json:"description"`
		TotalQuantity int    `json:"total_quantity"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	tool, err := h.service.AddToolType(r.Context(), req.Name, req.Code, req.Description, req.TotalQuantity)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, tool)
}

func (h *Handler) handleListToolTypes(w http.ResponseWriter, r *http.Request) {
	tools, err := h.service.ListToolTypes(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tools)
}

func (h *Handler) handleGetToolType(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	tool, err := h.service.GetToolType(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, tool)
}

func (h *Handler) handleUpdateTotal(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	var req struct {
		TotalQuantity *int `json:"total_quantity"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.TotalQuantity == nil {
		http.Error(w, "total_quantity is required", http.StatusBadRequest)
		return
	}

	tool, err := h.service.UpdateTotal(r.Context(), id, *req.TotalQuantity)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, tool)
}

func (h *Handler) handleSetAvailable(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	var req struct {
		Available int `json:"available"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.service.SetAvailable(r.Context(), id, req.Available); err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRemoveToolType(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	if err := h.service.RemoveToolType(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrInvalidInput):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, eventstore.ErrConcurrencyConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
