package controlapi

import (
	"encoding/json"
	"net/http"
)

func (s *Server) apiListDirectives(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("name")
	directives, err := s.deps.Containers.ListDirectives(r.Context(), project)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, directives)
}

type addDirectiveRequest struct {
	Text   string `json:"text"`
	Expiry string `json:"expiry,omitempty"`
}

// apiAddDirective creates a directive, optionally self-expiring on a
// cron schedule. Expiry validation happens in ContainerManager so
// it's checked against the same parser that prunes on read.
func (s *Server) apiAddDirective(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("name")
	var req addDirectiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	d, err := s.deps.Containers.AddDirective(r.Context(), project, req.Text, req.Expiry)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) apiDeleteDirective(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("name")
	id := r.PathValue("id")
	if err := s.deps.Containers.RemoveDirective(r.Context(), project, id); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
