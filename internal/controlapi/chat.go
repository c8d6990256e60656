package controlapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/synapsefleet/synapse/internal/metrics"
)

var chatUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const relayCloseDeadline = 5 * time.Second

// handleChatRelay bridges an operator's WS connection to the project's
// Gateway (directly, or via its dedicated WorkerAgent in remote mode),
// relaying frames opaquely and translating close codes on the way back.
func (s *Server) handleChatRelay(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("name")
	url, header, err := s.deps.Containers.ChatDialTarget(r.Context(), project)
	if err != nil {
		writeAppError(w, err)
		return
	}

	upstream, _, err := websocket.DefaultDialer.DialContext(r.Context(), url, header)
	if err != nil {
		writeError(w, http.StatusBadGateway, "dial upstream gateway: "+err.Error())
		return
	}
	defer upstream.Close()

	client, err := chatUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer client.Close()

	metrics.GatewayRelayConnections.Inc()
	defer metrics.GatewayRelayConnections.Dec()

	relayChat(client, upstream)
}

// relayChat pipes frames bidirectionally until either side closes,
// applying close-code substitution only to the upstream-to-client
// direction.
func relayChat(client, upstream *websocket.Conn) {
	done := make(chan struct{}, 2)

	go func() {
		defer func() { done <- struct{}{} }()
		for {
			mt, msg, err := client.ReadMessage()
			if err != nil {
				code := websocket.CloseNormalClosure
				var ce *websocket.CloseError
				if errors.As(err, &ce) {
					code = ce.Code
				}
				_ = upstream.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), time.Now().Add(relayCloseDeadline))
				return
			}
			if err := upstream.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}()

	go func() {
		defer func() { done <- struct{}{} }()
		for {
			mt, msg, err := upstream.ReadMessage()
			if err != nil {
				code, reason := closeForUpstreamErr(err)
				_ = client.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(relayCloseDeadline))
				return
			}
			if err := client.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}()

	<-done
}

// closeForUpstreamErr derives the close code and truncated reason to
// relay to the client from an upstream read error: code 1000 or
// 3000-4999 pass through as-is; any other code (or a non-close error)
// substitutes 1000/1011 respectively.
func closeForUpstreamErr(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		code := ce.Code
		if code != websocket.CloseNormalClosure && !(code >= 3000 && code <= 4999) {
			code = websocket.CloseNormalClosure
		}
		return code, truncateReason(ce.Text)
	}
	return websocket.CloseInternalServerErr, truncateReason(err.Error())
}

// truncateReason enforces the 123-byte close-reason limit (125-byte
// control-frame payload minus the 2-byte code).
func truncateReason(reason string) string {
	const maxReasonBytes = 123
	if len(reason) <= maxReasonBytes {
		return reason
	}
	return reason[:maxReasonBytes]
}
