package cycles

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/kilianp07/loadguard/core/logging"
)

// NewLogHandler returns an HTTP handler exposing cycle logs via GET /api/cycles.
// Requests must include an Authorization header with "Bearer <token>" when token is non-empty.
// Supported filters: start and end (RFC3339), chargepoint_id and limit.
func NewLogHandler(store logging.LogStore, token string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if token != "" {
			auth := r.Header.Get("Authorization")
			if auth != "Bearer "+token {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		q, err := parseQuery(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		records, err := store.Query(r.Context(), q)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if records == nil {
			records = []logging.LogRecord{}
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(records); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	})
}

func parseQuery(r *http.Request) (logging.LogQuery, error) {
	var q logging.LogQuery
	values := r.URL.Query()
	if s := values.Get("start"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return q, err
		}
		q.Start = t
	}
	if s := values.Get("end"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return q, err
		}
		q.End = t
	}
	if s := values.Get("chargepoint_id"); s != "" {
		id, err := strconv.Atoi(s)
		if err != nil {
			return q, err
		}
		q.ChargepointID = &id
	}
	if s := values.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return q, strconv.ErrSyntax
		}
		q.Limit = n
	}
	return q, nil
}
