package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// Handlers serves read-only queries over a Store
type Handlers struct {
	store Store
}

func NewHandlers(store Store) *Handlers {
	return &Handlers{store: store}
}

// RegisterRoutes mounts GET /audit/events, /audit/events/{id} and /audit/stats
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/audit/events", h.listEvents).Methods(http.MethodGet)
	router.HandleFunc("/audit/events/{id:[0-9]+}", h.getEvent).Methods(http.MethodGet)
	router.HandleFunc("/audit/events/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid event ID")
	}).Methods(http.MethodGet)
	router.HandleFunc("/audit/stats", h.getStats).Methods(http.MethodGet)
}

type eventPage struct {
	Events     []*AuditEvent `json:"events"`
	Count      int           `json:"count"`
	Limit      int           `json:"limit"`
	Offset     int           `json:"offset"`
	NextOffset *int          `json:"next_offset,omitempty"`
}

func (h *Handlers) listEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	events, err := h.store.Search(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "failed to search audit events")
		return
	}

	page := eventPage{Events: events, Count: len(events), Limit: filter.Limit, Offset: filter.Offset}
	if len(events) == filter.Limit {
		next := filter.Offset + filter.Limit
		page.NextOffset = &next
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handlers) getEvent(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid event ID")
		return
	}

	event, err := h.store.Get(r.Context(), id)
	switch {
	case errors.Is(err, ErrEventNotFound):
		writeError(w, http.StatusNotFound, "not_found", "event not found")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal", "failed to load audit event")
	default:
		writeJSON(w, http.StatusOK, event)
	}
}

func (h *Handlers) getStats(w http.ResponseWriter, r *http.Request) {
	q := queryParser{values: r.URL.Query()}
	start := q.time("start_time")
	end := q.time("end_time")
	q.checkRange(start, end)
	if err := q.err(); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	stats, err := h.store.GetStats(r.Context(), start, end)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "failed to compute audit stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// queryParser collects every bad parameter instead of stopping at the first
type queryParser struct {
	values url.Values
	errs   []error
}

func (q *queryParser) fail(format string, args ...interface{}) {
	q.errs = append(q.errs, fmt.Errorf(format, args...))
}

func (q *queryParser) err() error { return errors.Join(q.errs...) }

func (q *queryParser) time(key string) *time.Time {
	raw := q.values.Get(key)
	if raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		q.fail("invalid %s: expected RFC3339", key)
		return nil
	}
	return &t
}

func (q *queryParser) uuid(key string) *uuid.UUID {
	raw := q.values.Get(key)
	if raw == "" {
		return nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		q.fail("invalid %s", key)
		return nil
	}
	return &id
}

func (q *queryParser) int(key string, def, min, max int) int {
	raw := q.values.Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < min || n > max {
		q.fail("%s must be between %d and %d", key, min, max)
		return def
	}
	return n
}

func (q *queryParser) list(key string) []string {
	var out []string
	for _, v := range strings.Split(q.values.Get(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func (q *queryParser) checkRange(start, end *time.Time) {
	if start != nil && end != nil && end.Before(*start) {
		q.fail("end_time is before start_time")
	}
}

func parseFilter(values url.Values) (SearchFilter, error) {
	q := queryParser{values: values}
	filter := SearchFilter{
		StartTime:      q.time("start_time"),
		EndTime:        q.time("end_time"),
		ActorID:        q.uuid("actor_id"),
		OrganizationID: q.uuid("organization_id"),
		Principal:      values.Get("principal"),
		ResourceType:   values.Get("resource_type"),
		ResourceID:     values.Get("resource_id"),
		Limit:          q.int("limit", defaultPageSize, 1, maxPageSize),
		Offset:         q.int("offset", 0, 0, int(^uint32(0)>>1)),
	}
	q.checkRange(filter.StartTime, filter.EndTime)
	for _, et := range q.list("event_types") {
		filter.EventTypes = append(filter.EventTypes, EventType(et))
	}
	if s := values.Get("status"); s != "" {
		status := EventStatus(s)
		filter.Status = &status
	}
	return filter, q.err()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError matches the body shape of the rest of the API
func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}
