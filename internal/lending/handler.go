package lending

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// ActorHeader carries the identity recorded in loan histories.
const ActorHeader = "X-Actor"

type Handler struct {
	service      Service
	adminOnly    func(http.Handler) http.Handler
	overdueAfter time.Duration
}

// NewHandler builds the HTTP surface. adminOnly guards destructive routes;
// when nil those routes always answer 403.
func NewHandler(service Service, adminOnly func(http.Handler) http.Handler, overdueAfter time.Duration) *Handler {
	if adminOnly == nil {
		adminOnly = func(http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeError(w, http.StatusForbidden, CodeForbidden, "administrative actions are disabled")
			})
		}
	}
	if overdueAfter <= 0 {
		overdueAfter = 7 * 24 * time.Hour
	}
	return &Handler{service: service, adminOnly: adminOnly, overdueAfter: overdueAfter}
}

// Routes mounts the ledger endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/loans", func(r chi.Router) {
		r.Post("/", h.handleCreateLoan)
		r.Get("/", h.handleListLoans)
		r.Route("/{loanID}", func(r chi.Router) {
			r.Get("/", h.handleGetLoan)
			r.Patch("/", h.handleEditLoan)
			r.With(h.adminOnly).Delete("/", h.handleDeleteLoan)
			r.Get("/events", h.handleLoanHistory)
			r.Post("/returns", h.handleReturn)
			r.Post("/transfers", h.handleTransfer)
		})
	})
	r.Get("/employees/{employeeID}/loans", h.handleEmployeeLoans)

	r.Route("/availability", func(r chi.Router) {
		r.Get("/", h.handleListAvailability)
		r.Post("/reconcile", h.handleReconcileAll)
		r.Get("/{toolTypeID}", h.handleGetAvailability)
		r.Post("/{toolTypeID}/recompute", h.handleRecompute)
		r.With(h.adminOnly).Post("/{toolTypeID}/adjust", h.handleAdjust)
	})

	r.Get("/audit", h.handleAudit)
	r.Get("/events", h.handleEventFeed)
	r.Post("/reminders/overdue", h.handleOverdue)
}

func (h *Handler) handleCreateLoan(w http.ResponseWriter, r *http.Request) {
	var req CreateLoanRequest
	if !decode(w, r, &req) {
		return
	}
	req.Actor = actor(r)

	loan, err := h.service.CreateLoan(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, loan)
}

func (h *Handler) handleListLoans(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	page, err := h.service.ListLoans(r.Context(), filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) handleGetLoan(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "loanID")
	if !ok {
		return
	}
	loan, err := h.service.GetLoan(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (h *Handler) handleEditLoan(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "loanID")
	if !ok {
		return
	}
	var body struct {
		ToolLines    *[]ToolLine `json:"tool_lines"`
		Observations *string     `json:"observations"`
	}
	if !decode(w, r, &body) {
		return
	}
	req := EditRequest{Observations: body.Observations, Actor: actor(r)}
	if body.ToolLines != nil {
		req.ToolLines = append([]ToolLine{}, *body.ToolLines...)
	}

	loan, err := h.service.EditLoan(r.Context(), id, req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (h *Handler) handleDeleteLoan(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "loanID")
	if !ok {
		return
	}
	if err := h.service.DeleteLoan(r.Context(), id, actor(r)); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleLoanHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "loanID")
	if !ok {
		return
	}
	events, err := h.service.LoanHistory(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) handleReturn(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "loanID")
	if !ok {
		return
	}
	var req ReturnRequest
	if !decode(w, r, &req) {
		return
	}
	req.Actor = actor(r)

	loan, err := h.service.ReturnTools(r.Context(), id, req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (h *Handler) handleTransfer(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "loanID")
	if !ok {
		return
	}
	var body struct {
		ToolTypeID              uuid.UUID `json:"tool_type_id"`
		DestinationEmployeeID   string    `json:"destination_employee_id"`
		DestinationEmployeeName string    `json:"destination_employee_name"`
		Observation             string    `json:"observation"`
	}
	if !decode(w, r, &body) {
		return
	}

	source, dest, err := h.service.TransferTool(r.Context(), id, TransferRequest{
		ToolTypeID:              body.ToolTypeID,
		DestinationEmployeeID:   body.DestinationEmployeeID,
		DestinationEmployeeName: body.DestinationEmployeeName,
		Observation:             body.Observation,
		Actor:                   actor(r),
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]Loan{"source": source, "destination": dest})
}

func (h *Handler) handleEmployeeLoans(w http.ResponseWriter, r *http.Request) {
	loans, err := h.service.ActiveLoansForEmployee(r.Context(), chi.URLParam(r, "employeeID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loans)
}

func (h *Handler) handleListAvailability(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.ListAvailability(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if list == nil {
		list = []Availability{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) handleGetAvailability(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "toolTypeID")
	if !ok {
		return
	}
	avail, err := h.service.GetAvailability(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, avail)
}

func (h *Handler) handleRecompute(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "toolTypeID")
	if !ok {
		return
	}
	res, err := h.service.Recompute(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleAdjust(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "toolTypeID")
	if !ok {
		return
	}
	var body struct {
		Delta int `json:"delta"`
	}
	if !decode(w, r, &body) {
		return
	}
	avail, err := h.service.Adjust(r.Context(), id, body.Delta, actor(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, avail)
}

func (h *Handler) handleReconcileAll(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.ReconcileAll(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleAudit(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.Audit(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) handleEventFeed(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	after, err := queryInt64(q.Get("after"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	limit, err := queryInt64(q.Get("limit"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	events, err := h.service.EventFeed(r.Context(), after, int(limit))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) handleOverdue(w http.ResponseWriter, r *http.Request) {
	olderThan := h.overdueAfter
	if raw := r.URL.Query().Get("older_than"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			writeServiceError(w, fmt.Errorf("%w: older_than: %v", ErrInvalidInput, err))
			return
		}
		olderThan = d
	}
	queued, err := h.service.NotifyOverdue(r.Context(), olderThan)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"queued": queued})
}

func parseFilter(r *http.Request) (LoanFilter, error) {
	q := r.URL.Query()
	f := LoanFilter{
		EmployeeID: strings.TrimSpace(q.Get("employee_id")),
		Status:     Status(q.Get("status")),
		Page:       Page{Order: Order(q.Get("order"))},
	}
	if raw := q.Get("tool_type_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return f, fmt.Errorf("%w: tool_type_id: %v", ErrInvalidInput, err)
		}
		f.ToolTypeID = id
	}
	for name, dst := range map[string]**time.Time{"from": &f.From, "to": &f.To} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, fmt.Errorf("%w: %s: %v", ErrInvalidInput, name, err)
		}
		*dst = &t
	}
	limit, err := queryInt64(q.Get("limit"))
	if err != nil {
		return f, err
	}
	offset, err := queryInt64(q.Get("offset"))
	if err != nil {
		return f, err
	}
	f.Page.Limit, f.Page.Offset = int(limit), int(offset)
	return f, nil
}

func queryInt64(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", ErrInvalidInput, raw)
	}
	return n, nil
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidInput, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

// decode reads a JSON body. Tool lines that are not objects, such as a bare
// tool name, fail here as invalid input.
func decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidInput, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func actor(r *http.Request) string {
	return actorOrDefault(r.Header.Get(ActorHeader))
}

type errorBody struct {
	Error struct {
		Code    Code   `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeServiceError(w http.ResponseWriter, err error) {
	status := HTTPStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeError(w, status, ErrorCode(err), msg)
}

func writeError(w http.ResponseWriter, status int, code Code, message string) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
