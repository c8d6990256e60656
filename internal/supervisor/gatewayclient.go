package supervisor

import (
	"context"
	"encoding/json"

	"github.com/gorilla/websocket"

	"github.com/synapsefleet/synapse/internal/logging"
	"github.com/synapsefleet/synapse/internal/types"
)

// wsGatewayClient is the real GatewayClient: it dials the in-sandbox
// Gateway's WS endpoint, identifies as role=supervisor, and translates
// every inbound wire frame into an InboundFrame on its channel. Event
// frames are sent on the wire tagged by their own EventType (text_delta,
// tool_start, ...), not a generic "event" wrapper.
type wsGatewayClient struct {
	url string
	log *logging.Logger

	conn   *websocket.Conn
	frames chan InboundFrame
}

// NewWSGatewayClient returns a GatewayClient dialing gatewayURL (e.g.
// "ws://127.0.0.1:8900/ws").
func NewWSGatewayClient(gatewayURL string, log *logging.Logger) GatewayClient {
	return &wsGatewayClient{url: gatewayURL, log: log, frames: make(chan InboundFrame, 64)}
}

func (c *wsGatewayClient) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return err
	}
	c.conn = conn

	if err := conn.WriteJSON(map[string]any{"type": "identify", "role": "supervisor"}); err != nil {
		conn.Close()
		return err
	}

	go c.readLoop()
	return nil
}

func (c *wsGatewayClient) readLoop() {
	defer close(c.frames)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var head struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(raw, &head) != nil {
			continue
		}
		if f, ok := decodeInboundFrame(head.Type, raw); ok {
			c.frames <- f
		}
	}
}

func decodeInboundFrame(typ string, raw []byte) (InboundFrame, bool) {
	switch typ {
	case "status":
		var body struct {
			AgentBusy           bool `json:"agentBusy"`
			HumanCount          int  `json:"humanCount"`
			SupervisorConnected bool `json:"supervisorConnected"`
			OCConnected         bool `json:"ocConnected"`
		}
		if json.Unmarshal(raw, &body) != nil {
			return InboundFrame{}, false
		}
		return InboundFrame{
			Kind:               "status",
			AgentBusy:          body.AgentBusy,
			HumanCount:         body.HumanCount,
			SupervisorAttached: body.SupervisorConnected,
			OCConnected:        body.OCConnected,
		}, true
	case "client_change":
		var body struct {
			Humans              int  `json:"humans"`
			SupervisorConnected bool `json:"supervisorConnected"`
		}
		if json.Unmarshal(raw, &body) != nil {
			return InboundFrame{}, false
		}
		return InboundFrame{Kind: "client_change", HumanCount: body.Humans, SupervisorAttached: body.SupervisorConnected}, true
	case "task_status":
		var task types.Task
		if json.Unmarshal(raw, &task) != nil {
			return InboundFrame{}, false
		}
		return InboundFrame{Kind: "task_status", Task: &task}, true
	case "supervisor_control":
		var body struct {
			Action string `json:"action"`
		}
		if json.Unmarshal(raw, &body) != nil {
			return InboundFrame{}, false
		}
		return InboundFrame{Kind: "supervisor_control", ControlAction: body.Action}, true
	case "history":
		return InboundFrame{}, false
	case string(types.EventTextDelta), string(types.EventToolStart), string(types.EventToolUse),
		string(types.EventToolResult), string(types.EventDone), string(types.EventError):
		var evt types.Event
		if json.Unmarshal(raw, &evt) != nil {
			return InboundFrame{}, false
		}
		return InboundFrame{Kind: "event", Event: evt}, true
	default:
		return InboundFrame{}, false
	}
}

func (c *wsGatewayClient) SendUserMessage(_ context.Context, content string) error {
	return c.conn.WriteJSON(map[string]any{"type": "user_message", "content": content})
}

func (c *wsGatewayClient) Frames() <-chan InboundFrame {
	return c.frames
}

func (c *wsGatewayClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

var _ GatewayClient = (*wsGatewayClient)(nil)
