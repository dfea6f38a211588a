package handlers

import (
	"context"
	"net/http"
	"time"
)

type healthResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Providers map[string]string `json:"providers"`
	Slots     map[string]int64  `json:"slots"`
	Active    int               `json:"active_batches"`
}

// Health reports dependency reachability. Any failing check makes the
// response 503 so load balancers stop routing here.
func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Checks: map[string]string{}, Providers: a.Providers}
	for name, check := range a.Checks {
		if err := check(ctx); err != nil {
			resp.Status = "degraded"
			resp.Checks[name] = err.Error()
			continue
		}
		resp.Checks[name] = "ok"
	}
	if a.Generator != nil {
		stats := a.Generator.Stats()
		resp.Active = stats.ActiveBatches
		resp.Slots = map[string]int64{
			"in_flight": stats.SlotsInFlight,
			"peak":      stats.SlotsPeak,
			"capacity":  stats.SlotsCapacity,
		}
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	a.json(w, status, resp)
}
