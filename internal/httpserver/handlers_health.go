package httpserver

import (
	"net/http"
	"time"

	"github.com/KasGate/server/pkg/responders"
)

// health is the basic liveness probe used by load balancers.
func (h handlers) health(w http.ResponseWriter, r *http.Request) {
	responders.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// healthDetailed reports per-dependency status. Degraded backends return 200
// because the gateway keeps serving through its healthy backend; only a dead
// database makes the instance unhealthy.
func (h handlers) healthDetailed(w http.ResponseWriter, r *http.Request) {
	dbOK := h.store.Ping(r.Context()) == nil
	pushOK := h.backends.PushConnected()
	indexerOK := h.backends.IndexerHealthy()

	status := "ok"
	code := http.StatusOK
	switch {
	case !dbOK:
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	case !pushOK || !indexerOK:
		status = "degraded"
	}

	responders.JSON(w, code, map[string]any{
		"status": status,
		"checks": map[string]any{
			"database": checkResult(dbOK),
			"node":     checkResult(pushOK),
			"indexer":  checkResult(indexerOK),
		},
		"network":   h.params.Network,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// healthReady gates traffic on the database and at least one ledger backend.
func (h handlers) healthReady(w http.ResponseWriter, r *http.Request) {
	if h.store.Ping(r.Context()) != nil {
		responders.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	if !h.backends.PushConnected() && !h.backends.IndexerHealthy() {
		responders.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	responders.JSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// healthLive only proves the process is responsive.
func (h handlers) healthLive(w http.ResponseWriter, r *http.Request) {
	responders.JSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func checkResult(ok bool) string {
	if ok {
		return "up"
	}
	return "down"
}
