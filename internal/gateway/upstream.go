package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/synapsefleet/synapse/internal/clock"
	"github.com/synapsefleet/synapse/internal/logging"
	"github.com/synapsefleet/synapse/internal/types"
)

const (
	reconnectInitialDelay = 2 * time.Second
	reconnectMaxDelay     = 30 * time.Second
)

// UpstreamConfig describes how to reach and authenticate against the
// local LLM engine's WebSocket endpoint.
type UpstreamConfig struct {
	EngineURL  string
	ClientID   string
	Password   string
	Token      string
	ProtoMin   int
	ProtoMax   int
	SessionKey string
}

type rawFrame struct {
	Type    string          `json:"type"`
	Text    string          `json:"text,omitempty"`
	Phase   string          `json:"phase,omitempty"`
	Tool    string          `json:"tool,omitempty"`
	Input   json.RawMessage `json:"input,omitempty"`
	Output  string          `json:"output,omitempty"`
	Message string          `json:"message,omitempty"`
	Code    string          `json:"code,omitempty"`
}

// Dialer abstracts the one gorilla/websocket call upstreamSession
// needs, so tests can substitute an in-memory pair.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Conn is the narrow subset of *websocket.Conn the upstream session
// drives.
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

type gorillaDialer struct{}

func (gorillaDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// upstreamSession owns the single persistent connection to the local
// LLM engine and decodes its frames into normalized Events for the
// Hub. Exactly one runs per Gateway process.
type upstreamSession struct {
	cfg    UpstreamConfig
	dialer Dialer
	hub    *Hub
	clock  clock.Clock
	log    *logging.Logger

	connMu sync.RWMutex
	conn   Conn
}

// NewUpstreamSession constructs a session wired to hub, using the real
// gorilla/websocket dialer.
func NewUpstreamSession(cfg UpstreamConfig, hub *Hub, c clock.Clock, log *logging.Logger) *upstreamSession {
	return &upstreamSession{cfg: cfg, dialer: gorillaDialer{}, hub: hub, clock: c, log: log}
}

// Run connects and re-connects with exponential backoff until ctx is
// cancelled. Each successful handshake resets the backoff counter.
func (s *upstreamSession) Run(ctx context.Context) {
	delay := reconnectInitialDelay
	for {
		if ctx.Err() != nil {
			return
		}
		connected, err := s.connectAndServe(ctx)
		if err != nil {
			s.log.Warn("upstream engine session ended", "error", err, "retry_in", delay)
		}
		s.hub.SetOCConnected(false)
		if connected {
			delay = reconnectInitialDelay
		}

		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(delay):
		}
		if !connected {
			delay *= 2
			if delay > reconnectMaxDelay {
				delay = reconnectMaxDelay
			}
		}
	}
}

// connectAndServe dials, handshakes, and pumps frames until the
// connection drops. The returned bool reports whether the handshake
// succeeded (even if the session later errored): reconnect backoff
// resets on a successful handshake, not on a lifetime-error-free
// session.
func (s *upstreamSession) connectAndServe(ctx context.Context) (bool, error) {
	conn, err := s.dialer.Dial(ctx, s.cfg.EngineURL)
	if err != nil {
		return false, err
	}
	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	defer func() {
		s.connMu.Lock()
		s.conn = nil
		s.connMu.Unlock()
		conn.Close()
	}()

	if err := s.handshake(); err != nil {
		return false, err
	}
	s.hub.SetUpstream(s)
	s.hub.SetOCConnected(true)
	s.log.Info("upstream engine session established", "session_key", s.cfg.SessionKey)

	for {
		var raw rawFrame
		if err := conn.ReadJSON(&raw); err != nil {
			return true, err
		}
		s.handleRawFrame(raw)
	}
}

// handshake waits for the engine's connect.challenge and replies with
// identity, protocol range, and auth material -- password preferred,
// token accepted.
func (s *upstreamSession) handshake() error {
	var challenge rawFrame
	if err := s.conn.ReadJSON(&challenge); err != nil {
		return err
	}
	if challenge.Type != "connect.challenge" {
		return errUnexpectedHandshakeFrame(challenge.Type)
	}

	connectReq := map[string]any{
		"type":             "connect",
		"client_id":        s.cfg.ClientID,
		"role":             "operator",
		"protocol_version": map[string]int{"min": s.cfg.ProtoMin, "max": s.cfg.ProtoMax},
	}
	if s.cfg.Password != "" {
		connectReq["password"] = s.cfg.Password
	} else {
		connectReq["token"] = s.cfg.Token
	}
	return s.conn.WriteJSON(connectReq)
}

// SendChat forwards a user message upstream on the fixed session key,
// tagged with an idempotency nonce. Satisfies the Hub's Upstream
// interface.
func (s *upstreamSession) SendChat(content, nonce string) error {
	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()
	if conn == nil {
		return errNotConnected
	}
	return conn.WriteJSON(map[string]any{
		"type":        "chat.send",
		"session_key": s.cfg.SessionKey,
		"content":     content,
		"nonce":       nonce,
	})
}

// handleRawFrame normalizes one engine wire frame into zero or more
// Hub-broadcast Events, following the phase rules for tool events.
func (s *upstreamSession) handleRawFrame(raw rawFrame) {
	switch raw.Type {
	case "chat.delta", "text_delta":
		s.hub.BroadcastEvent(types.Event{Type: types.EventTextDelta, Text: raw.Text})
	case "tool":
		switch raw.Phase {
		case "start":
			s.hub.BroadcastEvent(types.Event{Type: types.EventToolStart, Tool: raw.Tool})
		case "result":
			s.hub.BroadcastEvent(types.Event{Type: types.EventToolUse, Tool: raw.Tool, InputJSON: string(raw.Input)})
			s.hub.BroadcastEvent(types.Event{Type: types.EventToolResult, Tool: raw.Tool, Output: raw.Output})
		}
	case "final":
		s.hub.BroadcastEvent(types.Event{Type: types.EventDone})
	case "aborted":
		s.hub.BroadcastEvent(types.Event{Type: types.EventDone, Message: "aborted"})
	case "error":
		s.hub.BroadcastEvent(types.Event{Type: types.EventError, Message: raw.Message, Code: raw.Code})
	default:
		s.log.Debug("dropping unknown upstream frame type", "type", raw.Type)
	}
}

type handshakeError string

func (e handshakeError) Error() string { return string(e) }

func errUnexpectedHandshakeFrame(got string) error {
	return handshakeError("expected connect.challenge, got " + got)
}

const errNotConnected = handshakeError("upstream session not connected")
