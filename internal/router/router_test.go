package router

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/chatbridge/relay/internal/hub"
	"github.com/chatbridge/relay/internal/registry"
	"github.com/chatbridge/relay/logging"
	"github.com/chatbridge/relay/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeResponder records the frames the router would write to runners.
type fakeResponder struct {
	mu        sync.Mutex
	inputs    []string
	responses map[string][]events.PermissionDecision
	respCh    chan string // request ids, in delivery order
}

func newFakeResponder() *fakeResponder {
	return &fakeResponder{
		responses: make(map[string][]events.PermissionDecision),
		respCh:    make(chan string, 16),
	}
}

func (f *fakeResponder) SendInput(sessionID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, sessionID+":"+text)
	return nil
}

func (f *fakeResponder) SendPermissionResponse(requestID string, decision events.PermissionDecision) error {
	f.mu.Lock()
	f.responses[requestID] = append(f.responses[requestID], decision)
	f.mu.Unlock()
	f.respCh <- requestID
	return nil
}

func (f *fakeResponder) responsesFor(requestID string) []events.PermissionDecision {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]events.PermissionDecision, len(f.responses[requestID]))
	copy(out, f.responses[requestID])
	return out
}

func (f *fakeResponder) waitResponse(t *testing.T, requestID string) events.PermissionDecision {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-f.respCh:
			if got == requestID {
				responses := f.responsesFor(requestID)
				require.NotEmpty(t, responses)
				return responses[len(responses)-1]
			}
		case <-deadline:
			t.Fatalf("no permission response for %s", requestID)
		}
	}
}

func newTestRouter(t *testing.T) (*Router, *fakeResponder, *registry.Registry) {
	t.Helper()
	t.Setenv("RELAY_HOME", t.TempDir())

	logger := logging.NewLogger("router-test")
	reg, err := registry.Open(filepath.Join(t.TempDir(), "registry.json"), logger)
	require.NoError(t, err)
	mappings, err := registry.OpenMappings(filepath.Join(t.TempDir(), "mappings.json"))
	require.NoError(t, err)

	resp := newFakeResponder()
	r := New(reg, mappings, resp, logger)
	return r, resp, reg
}

func startTestSession(t *testing.T, r *Router, id string) {
	t.Helper()
	ok := r.SessionStart(hub.SessionDecl{
		ID: id, Cwd: "/w", ProjectDir: "/p", JSONLFile: id + ".jsonl", Pid: 4242,
		Command: []string{"claude"},
	})
	require.True(t, ok)
}

func permissionReq(id, session string) events.PermissionRequest {
	return events.PermissionRequest{
		RequestID: id,
		SessionID: session,
		ToolName:  "Bash",
		ToolInput: map[string]interface{}{"command": "ls"},
	}
}

func TestSessionStartEmitsAndTransitions(t *testing.T) {
	r, _, reg := newTestRouter(t)

	var started []string
	r.SetHandlers(events.Handlers{
		OnSessionStart: func(sessionID, cwd, name string) {
			started = append(started, sessionID+":"+cwd+":"+name)
		},
	})

	startTestSession(t, r, "A")

	assert.Equal(t, []string{"A:/w:claude"}, started)
	s, ok := reg.Get("A")
	require.True(t, ok)
	assert.Equal(t, registry.StatusRunning, s.Status)
}

func TestSessionStartFenced(t *testing.T) {
	r, _, reg := newTestRouter(t)

	reg.MarkReconciling("B")
	ok := r.SessionStart(hub.SessionDecl{ID: "B", Cwd: "/w"})
	assert.False(t, ok, "fenced session ids must be ignored")

	_, exists := reg.Get("B")
	assert.False(t, exists, "fenced connection must not create a record")
}

func TestSessionStartTerminalRecordRejected(t *testing.T) {
	r, _, reg := newTestRouter(t)

	require.NoError(t, reg.Upsert(registry.Session{ID: "C", Status: registry.StatusStopped}))
	assert.False(t, r.SessionStart(hub.SessionDecl{ID: "C"}), "a terminal record needs a fresh id")
}

func TestMessageStatusTransitions(t *testing.T) {
	r, _, reg := newTestRouter(t)
	startTestSession(t, r, "A")

	r.Message("A", events.RoleUser, "do the thing")
	s, _ := reg.Get("A")
	assert.Equal(t, registry.StatusRunning, s.Status)

	r.Message("A", events.RoleAssistant, "done")
	s, _ = reg.Get("A")
	assert.Equal(t, registry.StatusIdle, s.Status)

	r.Message("A", events.RoleUser, "more")
	s, _ = reg.Get("A")
	assert.Equal(t, registry.StatusRunning, s.Status)
}

func TestFirstArrivalWinsTailerThenPTY(t *testing.T) {
	r, _, _ := newTestRouter(t)
	startTestSession(t, r, "A")

	var messages []string
	r.SetHandlers(events.Handlers{
		OnMessage: func(sessionID string, role events.Role, text string) {
			messages = append(messages, text)
		},
	})

	r.Message("A", events.RoleAssistant, "hi")
	r.PTYOutput("A", "hi", false, time.Now())

	assert.Equal(t, []string{"hi"}, messages, "PTY frame must be suppressed by first-seen rule")
}

func TestFirstArrivalWinsPTYThenTailer(t *testing.T) {
	r, _, _ := newTestRouter(t)
	startTestSession(t, r, "A")

	var messages []string
	r.SetHandlers(events.Handlers{
		OnMessage: func(sessionID string, role events.Role, text string) {
			messages = append(messages, text)
		},
	})

	// The event log omitted the record; the PTY fallback is the source of
	// truth, and the later log catch-up is ignored.
	r.PTYOutput("A", "done", false, time.Now())
	r.Message("A", events.RoleAssistant, "done")

	assert.Equal(t, []string{"done"}, messages)
}

func TestThinkingPTYOutputNotEmitted(t *testing.T) {
	r, _, _ := newTestRouter(t)
	startTestSession(t, r, "A")

	var messages []string
	r.SetHandlers(events.Handlers{
		OnMessage: func(sessionID string, role events.Role, text string) {
			messages = append(messages, text)
		},
	})

	r.PTYOutput("A", "pondering...", true, time.Now())
	assert.Empty(t, messages)
}

func TestMessagesIndependentAcrossSessions(t *testing.T) {
	r, _, _ := newTestRouter(t)
	startTestSession(t, r, "A")
	startTestSession(t, r, "B")

	var messages []string
	r.SetHandlers(events.Handlers{
		OnMessage: func(sessionID string, role events.Role, text string) {
			messages = append(messages, sessionID)
		},
	})

	r.Message("A", events.RoleAssistant, "same text")
	r.Message("B", events.RoleAssistant, "same text")

	assert.Equal(t, []string{"A", "B"}, messages, "dedup keys are per-session")
}

func TestYoloAutoAllow(t *testing.T) {
	r, resp, _ := newTestRouter(t)
	startTestSession(t, r, "A")

	var notices []string
	permissionUICalled := false
	r.SetHandlers(events.Handlers{
		OnYoloNotice: func(sessionID string, req events.PermissionRequest) {
			notices = append(notices, req.RequestID)
		},
		OnPermissionRequest: func(req events.PermissionRequest) (events.PermissionDecision, error) {
			permissionUICalled = true
			return events.Deny("should not be asked"), nil
		},
	})

	r.SetYolo("A", true)
	r.PermissionRequest(permissionReq("r1", "A"))

	decision := resp.waitResponse(t, "r1")
	assert.Equal(t, events.BehaviorAllow, decision.Behavior)
	assert.Equal(t, []string{"r1"}, notices)
	assert.False(t, permissionUICalled, "no permission UI in YOLO mode")
}

func TestPermissionAdapterDecision(t *testing.T) {
	r, resp, _ := newTestRouter(t)
	startTestSession(t, r, "A")

	r.SetHandlers(events.Handlers{
		OnPermissionRequest: func(req events.PermissionRequest) (events.PermissionDecision, error) {
			return events.Deny("not on my watch"), nil
		},
	})

	r.PermissionRequest(permissionReq("r1", "A"))

	decision := resp.waitResponse(t, "r1")
	assert.Equal(t, events.BehaviorDeny, decision.Behavior)
	assert.Equal(t, "not on my watch", decision.Message)
}

func TestPermissionAdapterError(t *testing.T) {
	r, resp, _ := newTestRouter(t)
	startTestSession(t, r, "A")

	r.SetHandlers(events.Handlers{
		OnPermissionRequest: func(req events.PermissionRequest) (events.PermissionDecision, error) {
			return events.PermissionDecision{}, fmt.Errorf("discord exploded")
		},
	})

	r.PermissionRequest(permissionReq("r1", "A"))

	decision := resp.waitResponse(t, "r1")
	assert.Equal(t, events.BehaviorDeny, decision.Behavior)
	assert.Equal(t, "Error processing request", decision.Message)
}

func TestPermissionNoThreadFallsBackToAllow(t *testing.T) {
	r, resp, _ := newTestRouter(t)
	startTestSession(t, r, "A")

	r.SetHandlers(events.Handlers{
		ResolveThread: func(sessionID string) (string, bool) { return "", false },
		OnPermissionRequest: func(req events.PermissionRequest) (events.PermissionDecision, error) {
			t.Error("adapter must not see the request without a thread")
			return events.Deny("no"), nil
		},
	})

	r.PermissionRequest(permissionReq("r1", "A"))

	decision := resp.waitResponse(t, "r1")
	assert.Equal(t, events.BehaviorAllow, decision.Behavior)
}

func TestDuplicateDecisionIgnored(t *testing.T) {
	r, resp, _ := newTestRouter(t)
	startTestSession(t, r, "A")

	release := make(chan events.PermissionDecision)
	r.SetHandlers(events.Handlers{
		OnPermissionRequest: func(req events.PermissionRequest) (events.PermissionDecision, error) {
			return <-release, nil
		},
	})

	r.PermissionRequest(permissionReq("r1", "A"))
	r.SendPermissionDecision("r1", events.Allow())
	release <- events.Deny("late adapter verdict")

	decision := resp.waitResponse(t, "r1")
	assert.Equal(t, events.BehaviorAllow, decision.Behavior)

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, resp.responsesFor("r1"), 1, "exactly one response per request id")
}

func TestSessionEndCancelsPending(t *testing.T) {
	r, resp, _ := newTestRouter(t)
	startTestSession(t, r, "A")

	block := make(chan events.PermissionDecision)
	r.SetHandlers(events.Handlers{
		OnPermissionRequest: func(req events.PermissionRequest) (events.PermissionDecision, error) {
			return <-block, nil
		},
	})

	r.PermissionRequest(permissionReq("r1", "A"))
	time.Sleep(20 * time.Millisecond)
	r.SessionEnd("A")

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, resp.responsesFor("r1"), "cancelled request must get no response")
	close(block)
}

func TestSessionEndEmitsOnce(t *testing.T) {
	r, _, reg := newTestRouter(t)
	startTestSession(t, r, "A")

	var ends []string
	r.SetHandlers(events.Handlers{
		OnSessionEnd: func(sessionID string) { ends = append(ends, sessionID) },
	})

	r.SessionEnd("A")
	assert.Equal(t, []string{"A"}, ends)

	s, _ := reg.Get("A")
	assert.Equal(t, registry.StatusStopped, s.Status)
}

func TestAskUserRoundTrip(t *testing.T) {
	r, resp, _ := newTestRouter(t)
	startTestSession(t, r, "A")

	var structured []events.StructuredQuestion
	genericCalled := false
	r.SetHandlers(events.Handlers{
		OnStructuredQuestion: func(q events.StructuredQuestion) error {
			structured = append(structured, q)
			return nil
		},
		OnPermissionRequest: func(req events.PermissionRequest) (events.PermissionDecision, error) {
			genericCalled = true
			return events.Deny("no"), nil
		},
	})

	r.PermissionRequest(events.PermissionRequest{
		RequestID: "q1",
		SessionID: "A",
		ToolName:  "AskUserQuestion",
		ToolInput: map[string]interface{}{
			"questions": []interface{}{
				map[string]interface{}{"question": "Deploy target?"},
				map[string]interface{}{"question": "Run migrations?"},
			},
		},
	})

	require.Len(t, structured, 1)
	assert.Len(t, structured[0].Questions, 2)
	assert.False(t, genericCalled, "ask-user must not surface as a generic permission request")

	// First answer: no decision yet.
	r.RecordAnswer("A", 0, "staging")
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, resp.responsesFor("q1"), "decision must wait for all answers")

	// Second answer completes the set.
	r.RecordAnswer("A", 1, "yes")

	decision := resp.waitResponse(t, "q1")
	assert.Equal(t, events.BehaviorAllow, decision.Behavior)
	answers, ok := decision.UpdatedInput["answers"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "staging", answers["0"])
	assert.Equal(t, "yes", answers["1"])
}

func TestAskUserAdapterSuppliedAnswers(t *testing.T) {
	r, resp, _ := newTestRouter(t)
	startTestSession(t, r, "A")

	r.SetHandlers(events.Handlers{
		OnStructuredQuestion: func(q events.StructuredQuestion) error { return nil },
	})

	r.PermissionRequest(events.PermissionRequest{
		RequestID: "q1",
		SessionID: "A",
		ToolName:  "AskUserQuestion",
		ToolInput: map[string]interface{}{
			"questions": []interface{}{map[string]interface{}{"question": "Color?"}},
		},
	})

	r.AllowPendingAskUserQuestion("A", map[string]interface{}{"0": "green"})

	decision := resp.waitResponse(t, "q1")
	assert.Equal(t, events.BehaviorAllow, decision.Behavior)
	answers := decision.UpdatedInput["answers"].(map[string]interface{})
	assert.Equal(t, "green", answers["0"])
}

func TestAskUserMultiSelect(t *testing.T) {
	r, resp, _ := newTestRouter(t)
	startTestSession(t, r, "A")

	r.SetHandlers(events.Handlers{
		OnStructuredQuestion: func(q events.StructuredQuestion) error { return nil },
	})

	r.PermissionRequest(events.PermissionRequest{
		RequestID: "q1",
		SessionID: "A",
		ToolName:  "AskUserQuestion",
		ToolInput: map[string]interface{}{
			"questions": []interface{}{
				map[string]interface{}{"question": "Which checks?", "multiSelect": true},
			},
		},
	})

	r.ToggleMultiSelect("A", 0, "lint")
	r.ToggleMultiSelect("A", 0, "tests")
	r.ToggleMultiSelect("A", 0, "lint") // deselect
	r.CommitMultiSelect("A", 0)

	decision := resp.waitResponse(t, "q1")
	answers := decision.UpdatedInput["answers"].(map[string]interface{})
	assert.JSONEq(t, `["tests"]`, answers["0"].(string))
}

func TestMessageDroppedWithoutThread(t *testing.T) {
	r, _, _ := newTestRouter(t)
	startTestSession(t, r, "A")

	var messages []string
	r.SetHandlers(events.Handlers{
		OnMessage: func(sessionID string, role events.Role, text string) {
			messages = append(messages, text)
		},
		ResolveThread: func(sessionID string) (string, bool) { return "", false },
	})

	r.Message("A", events.RoleAssistant, "lost in the void")
	assert.Empty(t, messages)
}

func TestThreadRevivedFromMapping(t *testing.T) {
	r, _, reg := newTestRouter(t)
	startTestSession(t, r, "A")
	r.BindThread("A", "T1", "C1")

	var revived []string
	var messages []string
	bound := false
	r.SetHandlers(events.Handlers{
		OnMessage: func(sessionID string, role events.Role, text string) {
			messages = append(messages, text)
		},
		ResolveThread: func(sessionID string) (string, bool) {
			if bound {
				return "T1", true
			}
			return "", false
		},
		ReviveThread: func(sessionID, threadID, channelID string) bool {
			revived = append(revived, threadID)
			bound = true
			return true
		},
	})

	r.Message("A", events.RoleAssistant, "back from restart")

	assert.Equal(t, []string{"T1"}, revived)
	assert.Equal(t, []string{"back from restart"}, messages)

	s, _ := reg.Get("A")
	assert.Equal(t, "T1", s.ThreadID)
}

func TestSendInputDelegates(t *testing.T) {
	r, resp, _ := newTestRouter(t)
	startTestSession(t, r, "A")

	require.NoError(t, r.SendInput("A", "hello"))

	resp.mu.Lock()
	defer resp.mu.Unlock()
	assert.Equal(t, []string{"A:hello"}, resp.inputs)
}

func TestTitleUpdateForwarded(t *testing.T) {
	r, _, _ := newTestRouter(t)
	startTestSession(t, r, "A")

	var titles []string
	r.SetHandlers(events.Handlers{
		OnTitleChange: func(sessionID, title string) { titles = append(titles, title) },
	})

	r.TitleUpdate("A", "Refactoring auth")
	assert.Equal(t, []string{"Refactoring auth"}, titles)
}

func TestNameUpdatePersists(t *testing.T) {
	r, _, reg := newTestRouter(t)
	startTestSession(t, r, "A")

	var names []string
	r.SetHandlers(events.Handlers{
		OnNameUpdate: func(sessionID, name string) { names = append(names, name) },
	})

	r.NameUpdate("A", "fix-login")

	assert.Equal(t, []string{"fix-login"}, names)
	s, _ := reg.Get("A")
	assert.Equal(t, "fix-login", s.Name)
}
