package controlapi

import (
	"encoding/json"
	"net/http"

	"github.com/synapsefleet/synapse/internal/apperror"
	"github.com/synapsefleet/synapse/internal/ids"
	"github.com/synapsefleet/synapse/internal/metrics"
	"github.com/synapsefleet/synapse/internal/telemetry"
	"github.com/synapsefleet/synapse/internal/types"
)

type putTaskRequest struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Type        types.TaskType   `json:"type,omitempty"`
	Goal        types.TaskGoal   `json:"goal"`
	Limits      types.TaskLimits `json:"limits"`
	Context     types.TaskContext `json:"context,omitempty"`
}

// apiPutTask creates or replaces a project's task document, applying
// the standard defaults: max_idle_turns=20, type=subjective.
func (s *Server) apiPutTask(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("name")
	var req putTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !validDirection(string(req.Goal.Direction)) {
		writeError(w, http.StatusBadRequest, "goal.direction must be \"above\" or \"below\"")
		return
	}
	if req.Type == "" {
		req.Type = types.TaskSubjective
	}
	if req.Limits.MaxIdleTurns <= 0 {
		req.Limits.MaxIdleTurns = types.DefaultMaxIdleTurns
	}

	task := &types.Task{
		ID:          ids.New(),
		Name:        req.Name,
		Description: req.Description,
		Type:        req.Type,
		Goal:        req.Goal,
		Limits:      req.Limits,
		Status:      types.TaskRunning,
		StartedAt:   s.deps.Clock.Now(),
		Context:     req.Context,
	}
	doc, err := json.Marshal(task)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task document")
		return
	}
	if err := s.deps.Containers.PutTask(r.Context(), project, doc); err != nil {
		writeAppError(w, err)
		return
	}
	metrics.TasksStarted.Inc()
	s.publish(r.Context(), telemetry.EventTaskStarted, project, task.Name)
	writeJSON(w, http.StatusOK, task)
}

// transitionTask loads the current task, applies mutate, and writes it
// back -- last-writer-wins.
func (s *Server) transitionTask(w http.ResponseWriter, r *http.Request, mutate func(*types.Task) error) {
	project := r.PathValue("name")
	task, err := s.deps.Containers.GetTask(r.Context(), project)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if task == nil {
		writeError(w, http.StatusNotFound, "no task document for this project")
		return
	}
	if err := mutate(task); err != nil {
		writeAppError(w, err)
		return
	}
	doc, err := json.Marshal(task)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "marshal task document")
		return
	}
	if err := s.deps.Containers.PutTask(r.Context(), project, doc); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) apiTaskStop(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("name")
	s.transitionTask(w, r, func(t *types.Task) error {
		t.Status = types.TaskStopped
		metrics.TasksCompleted.WithLabelValues("operator_stop").Inc()
		s.publish(r.Context(), telemetry.EventTaskStopped, project, t.Name)
		return nil
	})
}

func (s *Server) apiTaskResume(w http.ResponseWriter, r *http.Request) {
	s.transitionTask(w, r, func(t *types.Task) error {
		t.Status = types.TaskRunning
		return nil
	})
}

type taskRespondRequest struct {
	QuestionID string `json:"question_id"`
	Answer     string `json:"answer"`
}

func (s *Server) apiTaskRespond(w http.ResponseWriter, r *http.Request) {
	var req taskRespondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.QuestionID == "" {
		writeError(w, http.StatusBadRequest, "question_id is required")
		return
	}
	s.transitionTask(w, r, func(t *types.Task) error {
		for i := range t.Questions {
			if t.Questions[i].ID == req.QuestionID {
				now := s.deps.Clock.Now()
				t.Questions[i].Answer = req.Answer
				t.Questions[i].AnsweredAt = &now
				return nil
			}
		}
		return apperror.New(apperror.NotFound, "question not found")
	})
}
