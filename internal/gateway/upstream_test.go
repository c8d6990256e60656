package gateway

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/synapsefleet/synapse/internal/logging"
	"github.com/synapsefleet/synapse/internal/types"
)

// fakeConn is an in-memory Conn fed a scripted sequence of inbound
// frames, recording every outbound WriteJSON call. Once the script is
// exhausted ReadJSON returns io.EOF, after first waiting for release
// to be closed when release is set.
type fakeConn struct {
	mu      sync.Mutex
	inbound []any
	pos     int
	written []map[string]any
	closed  bool
	release chan struct{}
}

func (f *fakeConn) ReadJSON(v any) error {
	f.mu.Lock()
	if f.pos >= len(f.inbound) {
		release := f.release
		f.mu.Unlock()
		if release != nil {
			<-release
		}
		return io.EOF
	}
	body, _ := json.Marshal(f.inbound[f.pos])
	f.pos++
	f.mu.Unlock()
	return json.Unmarshal(body, v)
}

func (f *fakeConn) WriteJSON(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, _ := json.Marshal(v)
	var m map[string]any
	_ = json.Unmarshal(body, &m)
	f.written = append(f.written, m)
	return nil
}

func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

type fakeDialer struct {
	conn *fakeConn
	err  error
}

func (d *fakeDialer) Dial(_ context.Context, _ string) (Conn, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

type mockClock struct{}

func (mockClock) Now() time.Time                         { return time.Unix(0, 0) }
func (mockClock) After(d time.Duration) <-chan time.Time { ch := make(chan time.Time, 1); ch <- time.Unix(0, 0); return ch }
func (mockClock) Since(t time.Time) time.Duration        { return 0 }

func TestHandshakeRepliesToConnectChallenge(t *testing.T) {
	conn := &fakeConn{inbound: []any{
		map[string]any{"type": "connect.challenge"},
	}}
	hub := testHub()
	sess := &upstreamSession{
		cfg:   UpstreamConfig{ClientID: "gw-1", ProtoMin: 1, ProtoMax: 2, SessionKey: "main:webchat:synapse-demo", Token: "tok"},
		hub:   hub,
		clock: mockClock{},
		log:   logging.New(false),
		conn:  conn,
	}
	if err := sess.handshake(); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if len(conn.written) != 1 {
		t.Fatalf("expected one connect frame written, got %d", len(conn.written))
	}
	if conn.written[0]["type"] != "connect" || conn.written[0]["role"] != "operator" {
		t.Fatalf("unexpected connect frame: %+v", conn.written[0])
	}
	if conn.written[0]["token"] != "tok" {
		t.Fatalf("expected token auth material present: %+v", conn.written[0])
	}
}

func TestHandleRawFrameNormalizesToolPhases(t *testing.T) {
	hub := testHub()
	sess := &upstreamSession{hub: hub, log: logging.New(false)}

	sess.handleRawFrame(rawFrame{Type: "tool", Phase: "start", Tool: "bash"})
	sess.handleRawFrame(rawFrame{Type: "tool", Phase: "result", Tool: "bash", Input: json.RawMessage(`{"cmd":"ls"}`), Output: "file.txt"})
	sess.handleRawFrame(rawFrame{Type: "final"})

	hub.mu.Lock()
	defer hub.mu.Unlock()
	if len(hub.history) != 4 {
		t.Fatalf("expected 4 normalized events (start, use, result, done), got %d: %+v", len(hub.history), hub.history)
	}
	if hub.history[0].Type != types.EventToolStart {
		t.Fatalf("event 0 = %+v, want tool_start", hub.history[0])
	}
	if hub.history[1].Type != types.EventToolUse || hub.history[1].InputJSON == "" {
		t.Fatalf("event 1 = %+v, want tool_use with input", hub.history[1])
	}
	if hub.history[2].Type != types.EventToolResult || hub.history[2].Output != "file.txt" {
		t.Fatalf("event 2 = %+v, want tool_result", hub.history[2])
	}
	if hub.history[3].Type != types.EventDone {
		t.Fatalf("event 3 = %+v, want done", hub.history[3])
	}
}

func TestRunSetsOCConnectedAfterHandshake(t *testing.T) {
	conn := &fakeConn{inbound: []any{
		map[string]any{"type": "connect.challenge"},
	}, release: make(chan struct{})}
	hub := testHub()
	sess := &upstreamSession{
		cfg:    UpstreamConfig{ClientID: "gw-1", SessionKey: "main:webchat:synapse-demo"},
		dialer: &fakeDialer{conn: conn},
		hub:    hub,
		clock:  mockClock{},
		log:    logging.New(false),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sess.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for !hub.Status()["ocConnected"].(bool) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !hub.Status()["ocConnected"].(bool) {
		t.Fatalf("expected ocConnected=true after handshake")
	}
	cancel()
	close(conn.release)
	<-done
}
