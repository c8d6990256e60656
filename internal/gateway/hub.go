// Package gateway runs inside each sandbox, holding the single
// persistent upstream session to the local LLM engine and
// multiplexing it to any number of downstream clients (the in-sandbox
// Supervisor and any connected humans), using a non-blocking
// publish-and-drop subscriber model for fan-out.
package gateway

import (
	"sync"

	"github.com/synapsefleet/synapse/internal/ids"
	"github.com/synapsefleet/synapse/internal/logging"
	"github.com/synapsefleet/synapse/internal/types"
)

const (
	historySize      = 50
	clientSendBuffer = 64
)

// Config fixes the project identity a Hub serves.
type Config struct {
	Project          string
	SessionKeyPrefix string
}

// SessionKey is the single fixed upstream session key used for the
// lifetime of the project.
func (c Config) SessionKey() string {
	return "main:webchat:" + c.SessionKeyPrefix + "-" + c.Project
}

// Client is one downstream connection (a human browser tab or the
// in-sandbox Supervisor process).
type Client struct {
	id   int64
	role types.ClientRole
	send chan []byte
}

// Upstream is the narrow surface Hub needs from the upstream session,
// implemented by upstreamSession in upstream.go and by a fake in
// tests.
type Upstream interface {
	SendChat(content, nonce string) error
}

// Hub owns the mutable Gateway state (history ring, client set,
// presence, agentBusy/ocConnected) behind a single mutex.
type Hub struct {
	cfg Config
	log *logging.Logger

	mu                  sync.Mutex
	clients             map[int64]*Client
	nextClientID        int64
	history             []types.Event
	agentBusy           bool
	ocConnected         bool
	supervisorConnected bool
	humanCount          int
	task                *types.Task
	upstream            Upstream
}

// New constructs a Hub for one project's sandbox.
func New(cfg Config, log *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		log:     log,
		clients: make(map[int64]*Client),
	}
}

// SetUpstream wires the upstream session once it exists. Called by the
// upstream session on every successful (re)connect.
func (h *Hub) SetUpstream(u Upstream) {
	h.mu.Lock()
	h.upstream = u
	h.mu.Unlock()
}

// SetOCConnected reflects handshake completion with the upstream
// engine, not mere socket-open.
func (h *Hub) SetOCConnected(connected bool) {
	h.mu.Lock()
	h.ocConnected = connected
	if !connected {
		h.upstream = nil
	}
	h.mu.Unlock()
}

// SetTaskStatus records the current task so new clients receive a
// task_status frame at connect.
func (h *Hub) SetTaskStatus(t *types.Task) {
	h.mu.Lock()
	h.task = t
	h.mu.Unlock()
}

// Register adds a new client, sends it the history ring, a status
// frame, and (if known) a task_status frame, then returns the client
// handle the caller's read/write pump uses. The bootstrap frames are
// enqueued under the same lock BroadcastEvent holds while enqueuing a
// live event, so a concurrent broadcast can never land on this client
// before its bootstrap, or a second time on top of it.
func (h *Hub) Register() *Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextClientID++
	c := &Client{id: h.nextClientID, role: types.RoleUnknown, send: make(chan []byte, clientSendBuffer)}
	h.clients[c.id] = c

	historySnapshot := append([]types.Event(nil), h.history...)
	status := h.statusFrameLocked()
	task := h.task

	c.deliver(frame("history", map[string]any{"events": historySnapshot}))
	c.deliver(frame("status", status))
	if task != nil {
		c.deliver(frame("task_status", task))
	}
	return c
}

// Unregister removes a client and broadcasts the resulting presence
// change.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.id)
	close(c.send)
	changed := h.recomputePresenceLocked()
	humans, supervisor := h.humanCount, h.supervisorConnected
	h.mu.Unlock()

	if changed {
		h.broadcastRaw(frame("client_change", map[string]any{"humans": humans, "supervisorConnected": supervisor}))
	}
}

// Identify sets a client's role, per its {type:"identify", role}
// frame, and broadcasts a presence change if counts moved.
func (h *Hub) Identify(c *Client, role types.ClientRole) {
	h.mu.Lock()
	c.role = role
	changed := h.recomputePresenceLocked()
	humans, supervisor := h.humanCount, h.supervisorConnected
	h.mu.Unlock()

	if changed {
		h.broadcastRaw(frame("client_change", map[string]any{"humans": humans, "supervisorConnected": supervisor}))
	}
}

// recomputePresenceLocked recounts humanCount/supervisorConnected from
// the live client set and reports whether either changed. Caller must
// hold h.mu.
func (h *Hub) recomputePresenceLocked() bool {
	humans := 0
	supervisor := false
	for _, c := range h.clients {
		switch c.role {
		case types.RoleHuman:
			humans++
		case types.RoleSupervisor:
			supervisor = true
		}
	}
	changed := humans != h.humanCount || supervisor != h.supervisorConnected
	h.humanCount = humans
	h.supervisorConnected = supervisor
	return changed
}

func (h *Hub) statusFrameLocked() map[string]any {
	return map[string]any{
		"agentBusy":           h.agentBusy,
		"humanCount":          h.humanCount,
		"supervisorConnected": h.supervisorConnected,
		"ocConnected":         h.ocConnected,
	}
}

// HandleUserMessage forwards content to the upstream session on the
// fixed session key. If the upstream isn't handshake-complete yet, the
// sender alone receives an error event instead -- messages are never
// queued across the connect boundary.
func (h *Hub) HandleUserMessage(c *Client, content string) {
	h.mu.Lock()
	if !h.ocConnected || h.upstream == nil {
		h.mu.Unlock()
		c.deliver(frame("event", types.Event{Type: types.EventError, Message: "engine not connected yet, please wait"}))
		return
	}
	upstream := h.upstream
	h.agentBusy = true
	h.mu.Unlock()

	nonce := ids.New()
	if err := upstream.SendChat(content, nonce); err != nil {
		h.mu.Lock()
		h.agentBusy = false
		h.mu.Unlock()
		h.log.Warn("send chat to upstream failed", "error", err)
		c.deliver(frame("event", types.Event{Type: types.EventError, Message: "failed to deliver message upstream"}))
	}
}

// SendMessage is the HTTP side-channel equivalent of a WS
// user_message: same semantics, no particular client to reply to.
// Returns whether delivery was attempted (i.e. the upstream was
// connected).
func (h *Hub) SendMessage(content string) bool {
	h.mu.Lock()
	if !h.ocConnected || h.upstream == nil {
		h.mu.Unlock()
		return false
	}
	upstream := h.upstream
	h.agentBusy = true
	h.mu.Unlock()

	if err := upstream.SendChat(content, ids.New()); err != nil {
		h.mu.Lock()
		h.agentBusy = false
		h.mu.Unlock()
		h.log.Warn("send chat to upstream failed", "error", err)
		return false
	}
	return true
}

// BroadcastEvent appends evt to the history ring (evicting the oldest
// on overflow) and fans it out to every connected client. The history
// mutation and the client fan-out happen under the same lock as
// Register's bootstrap send, so a client registering concurrently
// either sees evt folded into its history snapshot (and not again
// live) or sees it live after a bootstrap that didn't yet include it
// -- never both.
func (h *Hub) BroadcastEvent(evt types.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.history = append(h.history, evt)
	if len(h.history) > historySize {
		h.history = h.history[len(h.history)-historySize:]
	}
	if evt.Type == types.EventDone || evt.Type == types.EventError {
		h.agentBusy = false
	}
	payload := frame("event", evt)
	for _, c := range h.clients {
		c.deliver(payload)
	}
}

// SupervisorControl forwards a supervisor_control frame to any client
// whose role is supervisor, and reports whether one was found.
func (h *Hub) SupervisorControl(action string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	found := false
	msg := frame("supervisor_control", map[string]string{"action": action})
	for _, c := range h.clients {
		if c.role == types.RoleSupervisor {
			found = true
			c.deliver(msg)
		}
	}
	return found
}

// Status returns a snapshot of the health-endpoint fields.
func (h *Hub) Status() map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.statusFrameLocked()
	s["clients"] = len(h.clients)
	if h.task != nil {
		s["task"] = h.task
	}
	return s
}

func (h *Hub) broadcastRaw(payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		c.deliver(payload)
	}
}

// deliver is non-blocking: a client whose send buffer is full has this
// frame dropped rather than stalling the broadcaster.
func (c *Client) deliver(payload []byte) {
	select {
	case c.send <- payload:
	default:
	}
}
