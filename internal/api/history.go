package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/btafoya/gocall/internal/config"
	"github.com/btafoya/gocall/internal/db"
)

// HistoryHandler serves the local call history
type HistoryHandler struct {
	deps *Dependencies
}

// NewHistoryHandler creates a new HistoryHandler
func NewHistoryHandler(deps *Dependencies) *HistoryHandler {
	return &HistoryHandler{deps: deps}
}

// List returns call records with filtering and pagination. Without an
// identity filter the current identity's calls are returned.
func (h *HistoryHandler) List(w http.ResponseWriter, r *http.Request) {
	filter, ok := historyFilter(w, r)
	if !ok {
		return
	}
	if filter.Identity == "" && h.deps.Phone != nil {
		filter.Identity = h.deps.Phone.Snapshot().Identity
	}

	records, err := h.deps.History.List(r.Context(), filter)
	if err != nil {
		WriteInternalError(w)
		return
	}
	total, _ := h.deps.History.Count(r.Context(), filter)

	WriteList(w, records, total, filter.Limit, filter.Offset)
}

// Stats returns call counts by disposition
func (h *HistoryHandler) Stats(w http.ResponseWriter, r *http.Request) {
	identity := r.URL.Query().Get("identity")
	if identity == "" && h.deps.Phone != nil {
		identity = h.deps.Phone.Snapshot().Identity
	}
	stats, err := h.deps.History.StatsByDisposition(r.Context(), identity)
	if err != nil {
		WriteInternalError(w)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"identity":       identity,
		"by_disposition": stats,
	})
}

func historyFilter(w http.ResponseWriter, r *http.Request) (db.CallLogFilter, bool) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	if limit <= 0 {
		limit = config.DefaultPageSize
	}
	if limit > config.MaxPageSize {
		limit = config.MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}

	filter := db.CallLogFilter{
		Identity:    q.Get("identity"),
		Direction:   q.Get("direction"),
		Disposition: q.Get("disposition"),
		Limit:       limit,
		Offset:      offset,
	}

	var errs []FieldError
	if s := q.Get("reservation_id"); s != "" {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			errs = append(errs, FieldError{Field: "reservation_id", Message: "Must be a number"})
		} else {
			filter.ReservationID = &id
		}
	}
	if s := q.Get("start_date"); s != "" {
		start, err := time.Parse("2006-01-02", s)
		if err != nil {
			errs = append(errs, FieldError{Field: "start_date", Message: "Date must be YYYY-MM-DD"})
		} else {
			filter.StartDate = &start
		}
	}
	if s := q.Get("end_date"); s != "" {
		end, err := time.Parse("2006-01-02", s)
		if err != nil {
			errs = append(errs, FieldError{Field: "end_date", Message: "Date must be YYYY-MM-DD"})
		} else {
			// include the whole end date
			end = end.Add(24 * time.Hour)
			filter.EndDate = &end
		}
	}
	if len(errs) > 0 {
		WriteValidationError(w, "Invalid history filter", errs)
		return filter, false
	}
	return filter, true
}
