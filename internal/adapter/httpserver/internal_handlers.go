package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/tesseralabs/tessera/internal/domain"
	"github.com/tesseralabs/tessera/internal/scheduler"
)

func pathID(r *http.Request) string { return chi.URLParam(r, "id") }

// DispatcherVersion is echoed in heartbeat acks so workers can detect
// control-plane upgrades.
const DispatcherVersion = "1"

// InternalServer serves the worker-facing and operator-facing endpoints.
// They sit on a separate router group so the edge can firewall them off from
// the public API.
type InternalServer struct {
	Registry *scheduler.Registry
	Invoker  domain.WorkerInvoker

	validate *validator.Validate
}

// NewInternalServer constructs the internal API server.
func NewInternalServer(registry *scheduler.Registry, invoker domain.WorkerInvoker) *InternalServer {
	return &InternalServer{Registry: registry, Invoker: invoker, validate: validator.New()}
}

// healthCheckTimeout bounds the outbound RPCs of one operator health check.
const healthCheckTimeout = 5 * time.Second

// Heartbeat handles POST /api/internal/heartbeat. Heartbeats are idempotent;
// re-registration after a control-plane restart is the normal path.
func (s *InternalServer) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var hb domain.Heartbeat
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&hb); err != nil {
		writeError(w, r, fmt.Errorf("%w: malformed json: %v", domain.ErrInvalidParams, err), nil)
		return
	}
	if err := s.validate.Struct(hb); err != nil {
		writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidParams, err), nil)
		return
	}
	if s.Registry.Upsert(hb) {
		LoggerFrom(r).Info("worker joined", "worker_id", hb.WorkerID, "url", hb.URL)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ack":                true,
		"dispatcher_version": DispatcherVersion,
	})
}

// Workers handles GET /api/internal/workers, the operator's fleet view.
func (s *InternalServer) Workers(w http.ResponseWriter, r *http.Request) {
	type workerJSON struct {
		ID            string    `json:"id"`
		URL           string    `json:"url"`
		Status        string    `json:"status"`
		Liveness      string    `json:"liveness"`
		Quarantined   bool      `json:"quarantined"`
		Capabilities  []string  `json:"capabilities"`
		LoadedModels  []string  `json:"loaded_models"`
		GPUMemoryUsed int64     `json:"gpu_memory_used"`
		UptimeSeconds float64   `json:"uptime"`
		JobsCompleted int64     `json:"jobs_completed"`
		LastSeen      time.Time `json:"last_seen"`
	}
	views := s.Registry.Snapshot()
	out := make([]workerJSON, 0, len(views))
	for _, v := range views {
		out = append(out, workerJSON{
			ID:            v.ID,
			URL:           v.URL,
			Status:        v.Status,
			Liveness:      v.Liveness,
			Quarantined:   v.Quarantined,
			Capabilities:  v.Capabilities,
			LoadedModels:  v.LoadedModels,
			GPUMemoryUsed: v.GPUMemoryUsed,
			UptimeSeconds: v.UptimeSeconds,
			JobsCompleted: v.JobsCompleted,
			LastSeen:      v.LastSeen,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"workers": out})
}

// CheckWorker handles POST /api/internal/workers/{id}/check, the operator
// health check. A quarantined worker rejoins dispatch only through this path:
// on a healthy reply the registry's failure record clears and the capability
// set refreshes from the worker's own report.
func (s *InternalServer) CheckWorker(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	url, ok := s.Registry.URLOf(id)
	if !ok {
		writeError(w, r, fmt.Errorf("%w: worker %s", domain.ErrNotFound, id), nil)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()
	if err := s.Invoker.Health(ctx, url); err != nil {
		LoggerFrom(r).Warn("worker health check failed", "worker_id", id, "error", err)
		writeJSON(w, http.StatusOK, map[string]any{"worker_id": id, "healthy": false})
		return
	}
	caps, err := s.Invoker.Capabilities(ctx, url)
	if err != nil {
		LoggerFrom(r).Warn("worker capabilities fetch failed", "worker_id", id, "error", err)
		caps = nil
	}
	s.Registry.MarkHealthy(id, caps)
	writeJSON(w, http.StatusOK, map[string]any{
		"worker_id":    id,
		"healthy":      true,
		"capabilities": caps,
	})
}
