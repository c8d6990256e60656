package controlapi

import (
	"encoding/json"
	"net/http"

	"github.com/synapsefleet/synapse/internal/types"
)

type putSecretRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (s *Server) apiPutSecret(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("name")
	var req putSecretRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !validSecretKey(req.Key) {
		writeError(w, http.StatusBadRequest, "key must match ^[A-Z_][A-Z0-9_]*$ and be at most 128 characters")
		return
	}

	enc, err := s.deps.SecretBox.SealString(req.Value)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if err := s.deps.Secrets.PutSecret(&types.Secret{Project: project, Key: req.Key, Value: enc}); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stored"})
}

// apiListSecrets never returns values, only keys.
func (s *Server) apiListSecrets(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("name")
	keys, err := s.deps.Secrets.ListSecretKeys(project)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"keys": keys})
}

func (s *Server) apiDeleteSecret(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("name")
	key := r.PathValue("key")
	if err := s.deps.Secrets.DeleteSecret(project, key); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
