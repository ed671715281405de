package hub

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/chatbridge/relay/logging"
	"github.com/chatbridge/relay/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testHandler records every callback.
type testHandler struct {
	mu          sync.Mutex
	starts      []SessionDecl
	ends        []string
	titles      map[string]string
	ptyOutputs  []string
	permissions []events.PermissionRequest
	reject      bool
}

func (h *testHandler) SessionStart(decl SessionDecl) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.reject {
		return false
	}
	h.starts = append(h.starts, decl)
	return true
}

func (h *testHandler) SessionEnd(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ends = append(h.ends, sessionID)
}

func (h *testHandler) TitleUpdate(sessionID, title string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.titles == nil {
		h.titles = make(map[string]string)
	}
	h.titles[sessionID] = title
}

func (h *testHandler) PTYOutput(sessionID, content string, isThinking bool, ts time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ptyOutputs = append(h.ptyOutputs, content)
}

func (h *testHandler) PermissionRequest(req events.PermissionRequest) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.permissions = append(h.permissions, req)
}

func (h *testHandler) PermissionResponse(requestID string, decision events.PermissionDecision) {}

func (h *testHandler) endCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.ends)
}

func (h *testHandler) startCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.starts)
}

func newTestHub(t *testing.T, handler Handler) (*Hub, string) {
	t.Helper()
	t.Setenv("RELAY_HOME", t.TempDir())

	dir, err := os.MkdirTemp("", "hub")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	socketPath := filepath.Join(dir, "relayd.sock")
	h := New(socketPath, handler, nil, logging.NewLogger("hub-test"))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, h.Start(ctx))
	t.Cleanup(h.Close)

	return h, socketPath
}

func dial(t *testing.T, socketPath string) net.Conn {
	t.Helper()
	nc, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	t.Cleanup(func() { nc.Close() })
	return nc
}

func send(t *testing.T, nc net.Conn, frame map[string]interface{}) {
	t.Helper()
	data, err := json.Marshal(frame)
	require.NoError(t, err)
	data = append(data, '\n')
	_, err = nc.Write(data)
	require.NoError(t, err)
}

func startSession(t *testing.T, nc net.Conn, id string) {
	t.Helper()
	send(t, nc, map[string]interface{}{
		"type": "session_start", "id": id, "cwd": "/w", "projectDir": "/p",
		"jsonlFile": id + ".jsonl", "pid": 4242,
	})
}

func TestSessionLifecycle(t *testing.T) {
	handler := &testHandler{}
	h, socketPath := newTestHub(t, handler)

	nc := dial(t, socketPath)
	startSession(t, nc, "A")

	require.Eventually(t, func() bool { return h.Connected("A") }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, handler.startCount())

	handler.mu.Lock()
	decl := handler.starts[0]
	handler.mu.Unlock()
	assert.Equal(t, "A", decl.ID)
	assert.Equal(t, "/w", decl.Cwd)
	assert.Equal(t, "/p", decl.ProjectDir)
	assert.Equal(t, 4242, decl.Pid)

	// Closing the connection emits session-end exactly once.
	nc.Close()
	require.Eventually(t, func() bool { return handler.endCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, h.Connected("A"))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, handler.endCount(), "session-end must fire exactly once")
}

func TestExplicitSessionEnd(t *testing.T) {
	handler := &testHandler{}
	h, socketPath := newTestHub(t, handler)

	nc := dial(t, socketPath)
	startSession(t, nc, "A")
	require.Eventually(t, func() bool { return h.Connected("A") }, 2*time.Second, 10*time.Millisecond)

	send(t, nc, map[string]interface{}{"type": "session_end", "sessionId": "A"})

	require.Eventually(t, func() bool { return handler.endCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, handler.endCount())
}

func TestRejectedBindingClosesConnection(t *testing.T) {
	handler := &testHandler{reject: true}
	h, socketPath := newTestHub(t, handler)

	nc := dial(t, socketPath)
	startSession(t, nc, "B")

	// The hub closes the connection; reads hit EOF.
	nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, err := nc.Read(buf)
	assert.Error(t, err)

	assert.False(t, h.Connected("B"))
	assert.Equal(t, 0, handler.endCount(), "rejected binding must not emit session-end")
}

func TestMalformedFrameSkipped(t *testing.T) {
	handler := &testHandler{}
	h, socketPath := newTestHub(t, handler)

	nc := dial(t, socketPath)
	_, err := nc.Write([]byte("{not json}\n"))
	require.NoError(t, err)
	startSession(t, nc, "A")

	require.Eventually(t, func() bool { return h.Connected("A") }, 2*time.Second, 10*time.Millisecond)
}

func TestTitleAndPTYOutput(t *testing.T) {
	handler := &testHandler{}
	h, socketPath := newTestHub(t, handler)

	nc := dial(t, socketPath)
	startSession(t, nc, "A")
	require.Eventually(t, func() bool { return h.Connected("A") }, 2*time.Second, 10*time.Millisecond)

	send(t, nc, map[string]interface{}{"type": "title_update", "sessionId": "A", "title": "Fixing tests"})
	send(t, nc, map[string]interface{}{"type": "pty_output", "sessionId": "A", "content": "done", "isThinking": false})

	require.Eventually(t, func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()
		return handler.titles["A"] == "Fixing tests" && len(handler.ptyOutputs) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestInputRoundTrip(t *testing.T) {
	handler := &testHandler{}
	h, socketPath := newTestHub(t, handler)

	nc := dial(t, socketPath)
	startSession(t, nc, "A")
	require.Eventually(t, func() bool { return h.Connected("A") }, 2*time.Second, 10*time.Millisecond)

	start := time.Now()
	require.NoError(t, h.SendInput("A", "hello"))

	reader := bufio.NewReader(nc)
	nc.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first Frame
	line, err := reader.ReadBytes('\n')
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(line, &first))
	assert.Equal(t, FrameInput, first.Type)
	assert.Equal(t, "hello", first.Text)

	var second Frame
	line, err = reader.ReadBytes('\n')
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(line, &second))
	assert.Equal(t, FrameInput, second.Type)
	assert.Equal(t, "\r", second.Text)

	assert.Less(t, time.Since(start), 150*time.Millisecond, "carriage return must arrive within 150ms")
}

func TestSendInputWithoutConnection(t *testing.T) {
	handler := &testHandler{}
	h, _ := newTestHub(t, handler)

	assert.Error(t, h.SendInput("ghost", "hello"))
}

func TestPermissionRequestAndResponse(t *testing.T) {
	handler := &testHandler{}
	h, socketPath := newTestHub(t, handler)

	// Hook processes connect out-of-band without a session binding.
	nc := dial(t, socketPath)
	send(t, nc, map[string]interface{}{
		"type": "permission_request", "requestId": "r1", "sessionId": "A",
		"toolName": "Bash", "toolInput": map[string]interface{}{"command": "ls"},
	})

	require.Eventually(t, func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()
		return len(handler.permissions) == 1
	}, 2*time.Second, 10*time.Millisecond)

	handler.mu.Lock()
	req := handler.permissions[0]
	handler.mu.Unlock()
	assert.Equal(t, "r1", req.RequestID)
	assert.Equal(t, "A", req.SessionID)
	assert.Equal(t, "Bash", req.ToolName)

	require.NoError(t, h.SendPermissionResponse("r1", events.Allow()))

	reader := bufio.NewReader(nc)
	nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := reader.ReadBytes('\n')
	require.NoError(t, err)

	var resp Frame
	require.NoError(t, json.Unmarshal(line, &resp))
	assert.Equal(t, FramePermissionResponse, resp.Type)
	assert.Equal(t, "r1", resp.RequestID)
	require.NotNil(t, resp.Decision)
	assert.Equal(t, events.BehaviorAllow, resp.Decision.Behavior)

	// A second response for the same id has no origin left.
	assert.Error(t, h.SendPermissionResponse("r1", events.Deny("dup")))
}

func TestSupersededConnection(t *testing.T) {
	handler := &testHandler{}
	h, socketPath := newTestHub(t, handler)

	first := dial(t, socketPath)
	startSession(t, first, "A")
	require.Eventually(t, func() bool { return h.Connected("A") }, 2*time.Second, 10*time.Millisecond)

	second := dial(t, socketPath)
	startSession(t, second, "A")
	require.Eventually(t, func() bool { return handler.startCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	// The first connection is closed by the hub without a session-end.
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, err := first.Read(buf)
	assert.Error(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, handler.endCount(), "superseded connection must not emit session-end")
	assert.True(t, h.Connected("A"))

	// Ending the live connection emits exactly one session-end.
	second.Close()
	require.Eventually(t, func() bool { return handler.endCount() == 1 }, 2*time.Second, 10*time.Millisecond)
}
