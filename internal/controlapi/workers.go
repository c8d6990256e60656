package controlapi

import (
	"encoding/json"
	"net/http"

	"github.com/synapsefleet/synapse/internal/auth"
	"github.com/synapsefleet/synapse/internal/metrics"
	"github.com/synapsefleet/synapse/internal/telemetry"
	"github.com/synapsefleet/synapse/internal/types"
)

func (s *Server) apiListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.deps.Projects.ListWorkers()
	if err != nil {
		writeAppError(w, err)
		return
	}
	counts := map[types.WorkerStatus]float64{}
	for _, wk := range workers {
		counts[wk.Status]++
	}
	for status, n := range counts {
		metrics.WorkersByStatus.WithLabelValues(string(status)).Set(n)
	}
	writeJSON(w, http.StatusOK, workers)
}

type heartbeatRequest struct {
	InstanceID string `json:"instance_id"`
}

// apiWorkerHeartbeat is the one unauthenticated-by-middleware route:
// the caller is a WorkerAgent presenting its own worker_token,
// compared constant-time against the stored worker's token rather
// than hash-looked-up against the operator token set.
func (s *Server) apiWorkerHeartbeat(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("project")
	worker, err := s.deps.Projects.GetWorkerForProject(project)
	if err != nil {
		writeAppError(w, err)
		return
	}

	presented := auth.ExtractBearerToken(r.Header.Get("Authorization"))
	if presented == "" || !auth.ConstantTimeEqual(presented, worker.WorkerToken) {
		writeError(w, http.StatusUnauthorized, "invalid worker token")
		return
	}

	var req heartbeatRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	worker.LastHeartbeat = s.deps.Clock.Now()
	becameReady := false
	if worker.Status == types.WorkerProvisioning || worker.Status == types.WorkerBootstrapping {
		worker.Status = types.WorkerReady
		becameReady = true
	}
	if err := s.deps.Projects.UpdateWorker(worker); err != nil {
		writeAppError(w, err)
		return
	}
	metrics.HeartbeatsTotal.Inc()
	if becameReady {
		s.publish(r.Context(), telemetry.EventWorkerReady, worker.Project, worker.InstanceID)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
