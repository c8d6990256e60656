package gateway

import (
	"encoding/json"
	"testing"

	"github.com/synapsefleet/synapse/internal/logging"
	"github.com/synapsefleet/synapse/internal/types"
)

type fakeUpstream struct {
	sent []string
	fail bool
}

func (f *fakeUpstream) SendChat(content, nonce string) error {
	if f.fail {
		return handshakeError("boom")
	}
	f.sent = append(f.sent, content)
	return nil
}

func testHub() *Hub {
	return New(Config{Project: "demo", SessionKeyPrefix: "synapse"}, logging.New(false))
}

func drain(t *testing.T, c *Client) []map[string]any {
	t.Helper()
	var out []map[string]any
	for {
		select {
		case payload, ok := <-c.send:
			if !ok {
				return out
			}
			var m map[string]any
			if err := json.Unmarshal(payload, &m); err != nil {
				t.Fatalf("decode frame: %v", err)
			}
			out = append(out, m)
		default:
			return out
		}
	}
}

func TestSessionKeyFormat(t *testing.T) {
	cfg := Config{Project: "demo", SessionKeyPrefix: "synapse"}
	if got := cfg.SessionKey(); got != "main:webchat:synapse-demo" {
		t.Fatalf("SessionKey() = %q", got)
	}
}

func TestRegisterSendsHistoryStatusAndTaskStatus(t *testing.T) {
	h := testHub()
	h.BroadcastEvent(types.Event{Type: types.EventTextDelta, Text: "hi"})
	h.SetTaskStatus(&types.Task{ID: "t1", Name: "demo"})

	c := h.Register()
	frames := drain(t, c)
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames (history, status, task_status), got %d: %+v", len(frames), frames)
	}
	if frames[0]["type"] != "history" {
		t.Fatalf("frame 0 type = %v, want history", frames[0]["type"])
	}
	if frames[1]["type"] != "status" {
		t.Fatalf("frame 1 type = %v, want status", frames[1]["type"])
	}
	if frames[2]["type"] != "task_status" {
		t.Fatalf("frame 2 type = %v, want task_status", frames[2]["type"])
	}
}

func TestHistoryRingEvictsOldestAt50(t *testing.T) {
	h := testHub()
	for i := 0; i < 60; i++ {
		h.BroadcastEvent(types.Event{Type: types.EventTextDelta, Text: "x"})
	}
	h.mu.Lock()
	n := len(h.history)
	h.mu.Unlock()
	if n != historySize {
		t.Fatalf("history length = %d, want %d", n, historySize)
	}
}

func TestIdentifyBroadcastsClientChangeOnCountChange(t *testing.T) {
	h := testHub()
	c1 := h.Register()
	drain(t, c1)

	c2 := h.Register()
	drain(t, c2)

	h.Identify(c1, types.RoleHuman)
	frames := drain(t, c2)
	if len(frames) != 1 || frames[0]["type"] != "client_change" {
		t.Fatalf("expected one client_change frame on c2, got %+v", frames)
	}
	if frames[0]["humans"].(float64) != 1 {
		t.Fatalf("expected humans=1, got %+v", frames[0])
	}
}

func TestUserMessageErrorsWhenUpstreamNotConnected(t *testing.T) {
	h := testHub()
	c := h.Register()
	drain(t, c)

	h.HandleUserMessage(c, "hello")
	frames := drain(t, c)
	if len(frames) != 1 || frames[0]["type"] != "error" {
		t.Fatalf("expected one error event frame, got %+v", frames)
	}
}

func TestUserMessageForwardsAndSetsAgentBusy(t *testing.T) {
	h := testHub()
	up := &fakeUpstream{}
	h.SetUpstream(up)
	h.SetOCConnected(true)

	c := h.Register()
	drain(t, c)

	h.HandleUserMessage(c, "hello")
	if len(up.sent) != 1 || up.sent[0] != "hello" {
		t.Fatalf("expected message forwarded upstream, got %+v", up.sent)
	}
	if !h.Status()["agentBusy"].(bool) {
		t.Fatalf("expected agentBusy=true after send")
	}

	h.BroadcastEvent(types.Event{Type: types.EventDone})
	if h.Status()["agentBusy"].(bool) {
		t.Fatalf("expected agentBusy=false after done event")
	}
}

func TestSupervisorControlReportsWhetherFound(t *testing.T) {
	h := testHub()
	if h.SupervisorControl("pause") {
		t.Fatalf("expected no supervisor found yet")
	}

	c := h.Register()
	drain(t, c)
	h.Identify(c, types.RoleSupervisor)
	drain(t, c)

	if !h.SupervisorControl("pause") {
		t.Fatalf("expected supervisor found")
	}
	frames := drain(t, c)
	if len(frames) != 1 || frames[0]["type"] != "supervisor_control" || frames[0]["action"] != "pause" {
		t.Fatalf("unexpected control frame: %+v", frames)
	}
}

func TestSendMessageReturnsFalseWhenDisconnected(t *testing.T) {
	h := testHub()
	if h.SendMessage("hi") {
		t.Fatalf("expected SendMessage to report not-delivered when upstream absent")
	}
}

// TestConcurrentRegisterNeverDuplicatesOrMissesLiveEvents registers a
// client concurrently with a stream of broadcasts and checks every
// event the client ends up seeing (via its history snapshot plus any
// live frames) appears exactly once, in order.
func TestConcurrentRegisterNeverDuplicatesOrMissesLiveEvents(t *testing.T) {
	for trial := 0; trial < 50; trial++ {
		h := testHub()
		const n = 20
		done := make(chan struct{})
		go func() {
			for i := 0; i < n; i++ {
				h.BroadcastEvent(types.Event{Type: types.EventTextDelta, Text: string(rune('a' + i))})
			}
			close(done)
		}()

		c := h.Register()
		<-done
		frames := drain(t, c)

		var seenTexts []string
		for _, f := range frames {
			switch f["type"] {
			case "history":
				events := f["events"].([]any)
				for _, e := range events {
					seenTexts = append(seenTexts, e.(map[string]any)["text"].(string))
				}
			case string(types.EventTextDelta):
				seenTexts = append(seenTexts, f["text"].(string))
			}
		}

		seen := make(map[string]int)
		for _, text := range seenTexts {
			seen[text]++
			if seen[text] > 1 {
				t.Fatalf("trial %d: event %q delivered more than once: %v", trial, text, seenTexts)
			}
		}
		for i := 1; i < len(seenTexts); i++ {
			if seenTexts[i-1] >= seenTexts[i] {
				t.Fatalf("trial %d: events out of order: %v", trial, seenTexts)
			}
		}
	}
}
