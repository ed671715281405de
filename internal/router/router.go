// Package router fuses tailer and RPC events into a single per-session
// stream, deduplicates across sources, and arbitrates permission requests.
package router

import (
	"sync"
	"time"

	"github.com/chatbridge/relay/errors"
	"github.com/chatbridge/relay/internal/hub"
	"github.com/chatbridge/relay/internal/registry"
	"github.com/chatbridge/relay/pkg/dedupe"
	"github.com/chatbridge/relay/pkg/events"
	"github.com/sirupsen/logrus"
)

// adapterErrorDenial is the deny message used when the chat adapter throws.
const adapterErrorDenial = "Error processing request"

// Responder is the back-channel into the hub. Split out as an interface so
// the router is testable without a live socket.
type Responder interface {
	SendInput(sessionID, text string) error
	SendPermissionResponse(requestID string, decision events.PermissionDecision) error
}

// SessionHooks let the daemon react to session lifecycle fusing decisions
// (start/stop tailers, adjust supervision).
type SessionHooks struct {
	Started func(s registry.Session)
	Ended   func(sessionID string)
}

// pendingPermission is one in-flight permission request. The decision
// channel is buffered so the first resolver never blocks; later decisions
// for the same id are dropped.
type pendingPermission struct {
	sessionID string
	decide    chan events.PermissionDecision
	cancel    chan struct{}
	once      sync.Once
}

// Router is the central fusion point between the tailer, the hub, and the
// chat adapter.
type Router struct {
	reg      *registry.Registry
	mappings *registry.Mappings
	resp     Responder
	handlers events.Handlers
	hooks    SessionHooks
	logger   *logrus.Entry

	// mu guards the maps below; it is distinct from the registry's mutex
	// to avoid cross-component lock contention.
	mu          sync.Mutex
	seen        map[string]*dedupe.SeenSet     // per-session cross-source message keys
	pending     map[string]*pendingPermission  // by request id
	questions   map[string]*questionAggregator // by session id
	questionIDs map[string]string              // request id → session id
	yolo        map[string]bool                // per-session auto-allow
}

// New constructs a router. Handlers may be populated later with SetHandlers
// (the adapter usually wants a router handle first).
func New(reg *registry.Registry, mappings *registry.Mappings, resp Responder, logger *logrus.Entry) *Router {
	return &Router{
		reg:         reg,
		mappings:    mappings,
		resp:        resp,
		logger:      logger,
		seen:        make(map[string]*dedupe.SeenSet),
		pending:     make(map[string]*pendingPermission),
		questions:   make(map[string]*questionAggregator),
		questionIDs: make(map[string]string),
		yolo:        make(map[string]bool),
	}
}

// SetResponder installs the hub back-channel. The router is constructed
// before the hub (the hub wants the router as its frame handler), so the
// responder arrives late.
func (r *Router) SetResponder(resp Responder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resp = resp
}

// SetHandlers installs the chat adapter's capability set.
func (r *Router) SetHandlers(h events.Handlers) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = h
}

// SetSessionHooks installs daemon lifecycle hooks.
func (r *Router) SetSessionHooks(hooks SessionHooks) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = hooks
}

func (r *Router) handlersSnapshot() events.Handlers {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handlers
}

// ─── hub.Handler ────────────────────────────────────────────────────────────

// SessionStart records or reconciles the declared session and accepts the
// binding unless the id is fenced by startup reconciliation.
func (r *Router) SessionStart(decl hub.SessionDecl) bool {
	if r.reg.IsReconciling(decl.ID) {
		r.logger.WithField("session", decl.ID).Info("Ignoring connection for reconciling session")
		return false
	}

	existing, known := r.reg.Get(decl.ID)
	if known && existing.Status.Terminal() {
		// A terminal record never resurrects; a fresh start needs a fresh id.
		r.logger.WithField("session", decl.ID).Warn("Ignoring connection for terminal session")
		return false
	}

	s := existing
	if !known {
		name := decl.Name
		if name == "" && len(decl.Command) > 0 {
			name = decl.Command[0]
		}
		s = registry.Session{
			ID:         decl.ID,
			Cwd:        decl.Cwd,
			ProjectDir: decl.ProjectDir,
			Command:    decl.Command,
			Name:       name,
			JSONLFile:  decl.JSONLFile,
			Pid:        decl.Pid,
			Status:     registry.StatusStarting,
			StartedAt:  time.Now().UTC(),
		}
	} else {
		s.Cwd = decl.Cwd
		s.ProjectDir = decl.ProjectDir
		s.JSONLFile = decl.JSONLFile
		if decl.Pid != 0 {
			s.Pid = decl.Pid
		}
	}
	if err := r.reg.Upsert(s); err != nil {
		r.logger.WithError(err).Warn("Failed to persist session record")
	}
	if err := r.reg.SetStatus(decl.ID, registry.StatusRunning); err != nil {
		r.logger.WithError(err).Warn("Failed to set session running")
	}

	h := r.handlersSnapshot()
	if h.OnSessionStart != nil {
		h.OnSessionStart(s.ID, s.Cwd, s.Name)
	}

	r.mu.Lock()
	hooks := r.hooks
	r.mu.Unlock()
	if hooks.Started != nil {
		current, _ := r.reg.Get(s.ID)
		hooks.Started(current)
	}
	return true
}

// SessionEnd tears down per-session state and forwards the event upward.
// The hub guarantees at most one call per bound connection.
func (r *Router) SessionEnd(sessionID string) {
	r.cancelPendingForSession(sessionID)

	r.mu.Lock()
	delete(r.seen, sessionID)
	delete(r.yolo, sessionID)
	if agg, ok := r.questions[sessionID]; ok {
		delete(r.questionIDs, agg.requestID)
		delete(r.questions, sessionID)
	}
	hooks := r.hooks
	r.mu.Unlock()

	if err := r.reg.SetStatus(sessionID, registry.StatusStopped); err != nil && !errors.Is(err, errors.ErrCodeNotFound) {
		r.logger.WithError(err).Warn("Failed to mark session stopped")
	}

	if hooks.Ended != nil {
		hooks.Ended(sessionID)
	}

	h := r.handlersSnapshot()
	if h.OnSessionEnd != nil {
		h.OnSessionEnd(sessionID)
	}
}

// TitleUpdate forwards a window-title change.
func (r *Router) TitleUpdate(sessionID, title string) {
	h := r.handlersSnapshot()
	if h.OnTitleChange != nil {
		h.OnTitleChange(sessionID, title)
	}
}

// PTYOutput is the fallback delivery path for assistant text observed on
// the terminal stream. Thinking fragments are transient and not emitted.
func (r *Router) PTYOutput(sessionID, content string, isThinking bool, _ time.Time) {
	if isThinking {
		return
	}
	r.emitMessage(sessionID, events.RoleAssistant, content)
}

// PermissionRequest arbitrates an out-of-band permission declaration.
func (r *Router) PermissionRequest(req events.PermissionRequest) {
	r.mu.Lock()
	yolo := r.yolo[req.SessionID]
	r.mu.Unlock()

	if yolo {
		if err := r.resp.SendPermissionResponse(req.RequestID, events.Allow()); err != nil {
			r.logger.WithError(err).Warn("Failed to deliver YOLO allow")
		}
		h := r.handlersSnapshot()
		if h.OnYoloNotice != nil {
			h.OnYoloNotice(req.SessionID, req)
		}
		return
	}

	if req.ToolName == askUserToolName {
		r.handleAskUser(req)
		return
	}

	pending := &pendingPermission{
		sessionID: req.SessionID,
		decide:    make(chan events.PermissionDecision, 1),
		cancel:    make(chan struct{}),
	}
	r.mu.Lock()
	r.pending[req.RequestID] = pending
	r.mu.Unlock()

	go r.awaitDecision(req.RequestID, pending)
	go r.askAdapter(req, pending)
}

// PermissionResponse handles the reverse-path frame from a hook process.
// The hub is the decider, so this only logs.
func (r *Router) PermissionResponse(requestID string, decision events.PermissionDecision) {
	r.logger.WithFields(logrus.Fields{"request": requestID, "behavior": decision.Behavior}).
		Debug("Ignoring client permission_response; the daemon arbitrates")
}

// askAdapter resolves a thread and runs the adapter's permission callback.
// Fallback chain: no resolvable thread → allow (local-only mode); adapter
// error → deny.
func (r *Router) askAdapter(req events.PermissionRequest, pending *pendingPermission) {
	h := r.handlersSnapshot()

	if h.OnPermissionRequest == nil || !r.resolveThread(req.SessionID) {
		r.logger.WithField("session", req.SessionID).
			Warn("No chat thread for permission request, allowing locally")
		r.deliver(req.RequestID, pending, events.Allow())
		return
	}

	decision, err := h.OnPermissionRequest(req)
	if err != nil {
		r.logger.WithError(err).Warn("Permission adapter failed")
		r.deliver(req.RequestID, pending, events.Deny(adapterErrorDenial))
		return
	}
	r.deliver(req.RequestID, pending, decision)
}

// deliver feeds a decision into the pending entry; only the first caller
// per request id wins.
func (r *Router) deliver(requestID string, pending *pendingPermission, decision events.PermissionDecision) {
	pending.once.Do(func() {
		pending.decide <- decision
	})
}

// awaitDecision serializes request → decision → response for one id.
func (r *Router) awaitDecision(requestID string, pending *pendingPermission) {
	select {
	case decision := <-pending.decide:
		r.mu.Lock()
		delete(r.pending, requestID)
		r.mu.Unlock()
		if err := r.resp.SendPermissionResponse(requestID, decision); err != nil {
			r.logger.WithError(err).WithField("request", requestID).
				Warn("Failed to deliver permission response")
		}
	case <-pending.cancel:
		r.mu.Lock()
		delete(r.pending, requestID)
		r.mu.Unlock()
		// A decision that raced the cancellation still wins; otherwise the
		// runner's own termination supersedes the request and no response
		// is written.
		select {
		case decision := <-pending.decide:
			if err := r.resp.SendPermissionResponse(requestID, decision); err != nil {
				r.logger.WithError(err).WithField("request", requestID).
					Warn("Failed to deliver permission response")
			}
		default:
		}
	}
}

// SendPermissionDecision resolves a pending request from the adapter side.
// Duplicate decisions for the same request id are ignored.
func (r *Router) SendPermissionDecision(requestID string, decision events.PermissionDecision) {
	r.mu.Lock()
	pending, ok := r.pending[requestID]
	r.mu.Unlock()
	if !ok {
		r.logger.WithField("request", requestID).Debug("Decision for unknown or settled request")
		return
	}
	r.deliver(requestID, pending, decision)
}

func (r *Router) cancelPendingForSession(sessionID string) {
	r.mu.Lock()
	var cancelled []*pendingPermission
	for _, pending := range r.pending {
		if pending.sessionID == sessionID {
			cancelled = append(cancelled, pending)
		}
	}
	r.mu.Unlock()

	for _, pending := range cancelled {
		pending.once.Do(func() {})
		close(pending.cancel)
	}
}

// handleAskUser stores the question list and emits a structured-question
// event instead of a generic permission request.
func (r *Router) handleAskUser(req events.PermissionRequest) {
	questions := parseQuestions(req.ToolInput)
	if len(questions) == 0 {
		r.logger.WithField("request", req.RequestID).Warn("Ask-user request without questions, allowing")
		if err := r.resp.SendPermissionResponse(req.RequestID, events.Allow()); err != nil {
			r.logger.WithError(err).Warn("Failed to deliver ask-user fallback allow")
		}
		return
	}

	pending := &pendingPermission{
		sessionID: req.SessionID,
		decide:    make(chan events.PermissionDecision, 1),
		cancel:    make(chan struct{}),
	}

	r.mu.Lock()
	r.pending[req.RequestID] = pending
	r.questions[req.SessionID] = newQuestionAggregator(req.RequestID, questions)
	r.questionIDs[req.RequestID] = req.SessionID
	r.mu.Unlock()

	go r.awaitDecision(req.RequestID, pending)

	h := r.handlersSnapshot()
	if h.OnStructuredQuestion == nil {
		r.logger.WithField("session", req.SessionID).Warn("No structured-question handler, allowing locally")
		r.deliver(req.RequestID, pending, events.Allow())
		return
	}
	if err := h.OnStructuredQuestion(events.StructuredQuestion{
		RequestID: req.RequestID,
		SessionID: req.SessionID,
		Questions: questions,
	}); err != nil {
		r.logger.WithError(err).Warn("Structured-question adapter failed")
		r.deliver(req.RequestID, pending, events.Deny(adapterErrorDenial))
	}
}

// RecordAnswer captures one answer of the session's pending ask-user flow.
// The decision is released automatically once the set completes.
func (r *Router) RecordAnswer(sessionID string, questionIdx int, answer string) {
	r.mu.Lock()
	agg, ok := r.questions[sessionID]
	if ok {
		agg.recordAnswer(questionIdx, answer)
	}
	r.mu.Unlock()
	if ok {
		r.tryFinalizeQuestions(sessionID)
	}
}

// ToggleMultiSelect flips one option in a multi-select question's draft.
func (r *Router) ToggleMultiSelect(sessionID string, questionIdx int, option string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if agg, ok := r.questions[sessionID]; ok {
		agg.toggleDraft(questionIdx, option)
	}
}

// CommitMultiSelect finalizes a multi-select question from its draft.
func (r *Router) CommitMultiSelect(sessionID string, questionIdx int) {
	r.mu.Lock()
	if agg, ok := r.questions[sessionID]; ok {
		agg.commitDraft(questionIdx)
	}
	r.mu.Unlock()
	r.tryFinalizeQuestions(sessionID)
}

// tryFinalizeQuestions releases the allow decision once every question of
// the session's pending ask-user request has an answer.
func (r *Router) tryFinalizeQuestions(sessionID string) {
	r.mu.Lock()
	agg, ok := r.questions[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	answers, complete := agg.tryFinalize()
	if !complete {
		r.mu.Unlock()
		return
	}
	requestID := agg.requestID
	pending := r.pending[requestID]
	delete(r.questions, sessionID)
	delete(r.questionIDs, requestID)
	r.mu.Unlock()

	if pending == nil {
		return
	}
	r.deliver(requestID, pending, events.AllowWithInput(map[string]interface{}{
		"answers": answers,
	}))
}

// AllowPendingAskUserQuestion completes the session's ask-user flow with
// the adapter-collected answer object.
func (r *Router) AllowPendingAskUserQuestion(sessionID string, answers map[string]interface{}) {
	r.mu.Lock()
	agg, ok := r.questions[sessionID]
	if !ok {
		r.mu.Unlock()
		r.logger.WithField("session", sessionID).Debug("No pending ask-user flow")
		return
	}
	requestID := agg.requestID
	pending := r.pending[requestID]
	delete(r.questions, sessionID)
	delete(r.questionIDs, requestID)
	r.mu.Unlock()

	if pending == nil {
		return
	}
	r.deliver(requestID, pending, events.AllowWithInput(map[string]interface{}{
		"answers": answers,
	}))
}

// SetYolo toggles per-session auto-allow.
func (r *Router) SetYolo(sessionID string, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if enabled {
		r.yolo[sessionID] = true
	} else {
		delete(r.yolo, sessionID)
	}
}

// SendInput forwards adapter-typed text to the runner.
func (r *Router) SendInput(sessionID, text string) error {
	return r.resp.SendInput(sessionID, text)
}

// ─── tailer.Sink ────────────────────────────────────────────────────────────

// NameUpdate replaces the session's command-derived name with the slug.
func (r *Router) NameUpdate(sessionID, slug string) {
	if err := r.reg.SetName(sessionID, slug); err != nil {
		r.logger.WithError(err).Debug("Failed to persist session name")
	}
	h := r.handlersSnapshot()
	if h.OnNameUpdate != nil {
		h.OnNameUpdate(sessionID, slug)
	}
}

// Todos forwards a changed todo list.
func (r *Router) Todos(sessionID string, todos []events.Todo) {
	h := r.handlersSnapshot()
	if h.OnTodos != nil {
		h.OnTodos(sessionID, todos)
	}
}

// PlanModeChange forwards a plan-mode edge.
func (r *Router) PlanModeChange(sessionID string, active bool) {
	h := r.handlersSnapshot()
	if h.OnPlanModeChange != nil {
		h.OnPlanModeChange(sessionID, active)
	}
}

// ToolCall forwards one tool invocation.
func (r *Router) ToolCall(call events.ToolCall) {
	h := r.handlersSnapshot()
	if h.OnToolCall != nil {
		h.OnToolCall(call)
	}
}

// ToolResult forwards one tool outcome.
func (r *Router) ToolResult(result events.ToolResult) {
	h := r.handlersSnapshot()
	if h.OnToolResult != nil {
		h.OnToolResult(result)
	}
}

// Message is the event-log message path; it shares the first-seen check
// with PTYOutput.
func (r *Router) Message(sessionID string, role events.Role, text string) {
	r.emitMessage(sessionID, role, text)
}

// emitMessage applies the cross-source first-arrival-wins rule and drives
// the running/idle state machine.
func (r *Router) emitMessage(sessionID string, role events.Role, text string) {
	key := dedupe.MessageKey(sessionID, text)

	r.mu.Lock()
	set, ok := r.seen[sessionID]
	if !ok {
		set = dedupe.NewSeenSet(dedupe.DefaultCap)
		r.seen[sessionID] = set
	}
	r.mu.Unlock()

	if !set.Insert(key) {
		// The other source already emitted this message.
		return
	}

	// Messages drive the thinking indicator: user input puts the agent to
	// work, an assistant reply means it is waiting again.
	status := registry.StatusIdle
	if role == events.RoleUser {
		status = registry.StatusRunning
	}
	if err := r.reg.SetStatus(sessionID, status); err != nil && !errors.Is(err, errors.ErrCodeNotFound) {
		r.logger.WithError(err).Debug("Failed to update session status")
	}

	h := r.handlersSnapshot()
	if h.OnMessage == nil {
		return
	}
	if !r.resolveThread(sessionID) {
		r.logger.WithField("session", sessionID).Warn("Dropping message without chat thread")
		return
	}
	h.OnMessage(sessionID, role, text)
}

// resolveThread reports whether a chat thread is reachable for the
// session, reviving a persisted mapping when the adapter has lost its
// binding (e.g. after a daemon restart).
func (r *Router) resolveThread(sessionID string) bool {
	h := r.handlersSnapshot()
	if h.ResolveThread == nil {
		// No resolution capability: the adapter owns its routing.
		return true
	}
	if _, ok := h.ResolveThread(sessionID); ok {
		return true
	}

	mapping, ok := r.mappings.Lookup(sessionID)
	if !ok {
		return false
	}
	if h.ReviveThread == nil {
		return false
	}
	if !h.ReviveThread(sessionID, mapping.ThreadID, mapping.ChannelID) {
		return false
	}
	if err := r.reg.SetThread(sessionID, mapping.ThreadID, mapping.ChannelID); err != nil && !errors.Is(err, errors.ErrCodeNotFound) {
		r.logger.WithError(err).Debug("Failed to persist revived thread binding")
	}
	return true
}

// BindThread persists a session's chat binding in both the registry and
// the durable mapping table.
func (r *Router) BindThread(sessionID, threadID, channelID string) {
	s, _ := r.reg.Get(sessionID)
	if err := r.reg.SetThread(sessionID, threadID, channelID); err != nil {
		r.logger.WithError(err).Debug("Failed to persist thread binding")
	}
	if err := r.mappings.Set(registry.Mapping{
		SessionID: sessionID,
		ThreadID:  threadID,
		ChannelID: channelID,
		Cwd:       s.Cwd,
	}); err != nil {
		r.logger.WithError(err).Warn("Failed to persist session mapping")
	}
}
