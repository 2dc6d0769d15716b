package allocations

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/kilianp07/loadguard/core/allocation"
	"github.com/kilianp07/loadguard/core/topology"
)

// ResultSource exposes the last committed cycle.
type ResultSource interface {
	LastResult() (allocation.CycleResult, bool)
}

// Response is the body of GET /api/allocations.
type Response struct {
	CycleID      string                  `json:"cycle_id"`
	Time         time.Time               `json:"time"`
	Allocations  []allocation.Allocation `json:"allocations"`
	Reservations []topology.NodeView     `json:"reservations"`
}

// NewAllocationHandler returns an HTTP handler exposing the committed
// allocations and node reservations via GET /api/allocations. The optional
// chargepoint_id parameter narrows the allocations to one chargepoint.
func NewAllocationHandler(src ResultSource) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		res, ok := src.LastResult()
		if !ok {
			http.Error(w, "no committed cycle", http.StatusServiceUnavailable)
			return
		}
		body := Response{
			CycleID:      res.ID,
			Time:         res.Start,
			Allocations:  res.Sorted(),
			Reservations: res.Reservations,
		}
		if s := r.URL.Query().Get("chargepoint_id"); s != "" {
			id, err := strconv.Atoi(s)
			if err != nil {
				http.Error(w, "invalid chargepoint_id", http.StatusBadRequest)
				return
			}
			a, ok := res.Allocations[id]
			if !ok {
				http.Error(w, "unknown chargepoint", http.StatusNotFound)
				return
			}
			body.Allocations = []allocation.Allocation{a}
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(body); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	})
}
