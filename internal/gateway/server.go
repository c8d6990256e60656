package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/synapsefleet/synapse/internal/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is the Gateway's HTTP+WS listener: the WS endpoint fans out
// downstream Events, and three HTTP side-channels share the port.
type Server struct {
	hub *Hub
	mux *http.ServeMux
}

// NewServer wires routes for hub.
func NewServer(hub *Hub) *Server {
	s := &Server{hub: hub, mux: http.NewServeMux()}
	s.mux.HandleFunc("GET /ws", s.handleWS)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /send-message", s.handleSendMessage)
	s.mux.HandleFunc("POST /supervisor/control", s.handleSupervisorControl)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.hub.Status()
	status["ok"] = true
	writeJSON(w, http.StatusOK, status)
}

type sendMessageRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	delivered := s.hub.SendMessage(req.Message)
	writeJSON(w, http.StatusOK, map[string]bool{"delivered": delivered})
}

type supervisorControlRequest struct {
	Action string `json:"action"`
}

func (s *Server) handleSupervisorControl(w http.ResponseWriter, r *http.Request) {
	var req supervisorControlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	found := s.hub.SupervisorControl(req.Action)
	writeJSON(w, http.StatusOK, map[string]bool{"supervisor_found": found})
}

type identifyFrame struct {
	Type string           `json:"type"`
	Role types.ClientRole `json:"role"`
}

type userMessageFrame struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// handleWS upgrades a downstream connection and pumps frames in both
// directions until it closes.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	client := s.hub.Register()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for payload := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			continue
		}
		switch head.Type {
		case "identify":
			var f identifyFrame
			if json.Unmarshal(raw, &f) == nil {
				s.hub.Identify(client, f.Role)
			}
		case "user_message":
			var f userMessageFrame
			if json.Unmarshal(raw, &f) == nil {
				s.hub.HandleUserMessage(client, f.Content)
			}
		}
	}

	s.hub.Unregister(client)
	<-done
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
