// Package hub is the RPC server on the daemon's local unix socket.
// Runners and permission-hook processes connect and exchange
// newline-delimited JSON frames; the hub binds at most one live connection
// per session id and is the back-channel for input and permission
// responses.
package hub

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chatbridge/relay/errors"
	"github.com/chatbridge/relay/pkg/events"
	"github.com/sirupsen/logrus"
)

// maxFrameSize bounds a single frame; pty_output frames can carry large
// assistant messages.
const maxFrameSize = 4 * 1024 * 1024

// Handler receives decoded frames. The router implements it.
type Handler interface {
	// SessionStart is called when a runner declares its session. Returning
	// false rejects the binding (reconciling fence); the hub drops the
	// connection.
	SessionStart(decl SessionDecl) bool
	// SessionEnd fires at most once per bound connection, whether through
	// an explicit session_end frame or connection close. A connection
	// superseded by a newer binding for the same id emits none.
	SessionEnd(sessionID string)
	TitleUpdate(sessionID, title string)
	PTYOutput(sessionID, content string, isThinking bool, timestamp time.Time)
	PermissionRequest(req events.PermissionRequest)
	PermissionResponse(requestID string, decision events.PermissionDecision)
}

// Options tunes hub behavior.
type Options struct {
	// InputCommitDelay between an input frame and its trailing carriage
	// return. Default 100ms.
	InputCommitDelay time.Duration
}

// Hub is the connection-oriented RPC server.
type Hub struct {
	socketPath       string
	handler          Handler
	logger           *logrus.Entry
	inputCommitDelay time.Duration

	mu            sync.Mutex
	listener      net.Listener
	conns         map[string]*conn // bound, by session id
	pendingOrigin map[string]*conn // permission request id → originating connection
	closed        bool
	wg            sync.WaitGroup
}

// conn is one accepted connection. Frames on it are processed serially.
type conn struct {
	hub       *Hub
	nc        net.Conn
	writeMu   sync.Mutex
	sessionMu sync.Mutex
	sessionID string
	ended     bool
}

// New creates a hub serving socketPath.
func New(socketPath string, handler Handler, opts *Options, logger *logrus.Entry) *Hub {
	delay := 100 * time.Millisecond
	if opts != nil && opts.InputCommitDelay > 0 {
		delay = opts.InputCommitDelay
	}
	return &Hub{
		socketPath:       socketPath,
		handler:          handler,
		logger:           logger,
		inputCommitDelay: delay,
		conns:            make(map[string]*conn),
		pendingOrigin:    make(map[string]*conn),
	}
}

// Start removes any stale socket, listens, and begins accepting. It returns
// once the listener is live; accepted connections are served until ctx is
// cancelled or Close is called.
func (h *Hub) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(h.socketPath), 0755); err != nil {
		return errors.Wrap(err, errors.ErrCodeSocketFailed, "failed to create socket directory")
	}
	if _, err := os.Stat(h.socketPath); err == nil {
		if err := os.Remove(h.socketPath); err != nil {
			return errors.Wrap(err, errors.ErrCodeSocketFailed, "failed to remove stale socket")
		}
	}

	listener, err := net.Listen("unix", h.socketPath)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeSocketFailed, "failed to listen on socket")
	}
	if err := os.Chmod(h.socketPath, 0600); err != nil {
		listener.Close()
		return errors.Wrap(err, errors.ErrCodeSocketFailed, "failed to set socket permissions")
	}

	h.mu.Lock()
	h.listener = listener
	h.mu.Unlock()

	h.logger.WithField("socket", h.socketPath).Info("RPC hub listening")

	go func() {
		<-ctx.Done()
		h.Close()
	}()

	h.wg.Add(1)
	go h.acceptLoop(listener)
	return nil
}

// Close stops the listener and tears down every connection.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	listener := h.listener
	conns := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	if listener != nil {
		listener.Close()
	}
	for _, c := range conns {
		c.nc.Close()
	}
	h.wg.Wait()
}

func (h *Hub) acceptLoop(listener net.Listener) {
	defer h.wg.Done()
	for {
		nc, err := listener.Accept()
		if err != nil {
			h.mu.Lock()
			closed := h.closed
			h.mu.Unlock()
			if !closed {
				h.logger.WithError(err).Error("Accept failed")
			}
			return
		}
		c := &conn{hub: h, nc: nc}
		h.wg.Add(1)
		go c.readLoop()
	}
}

// readLoop processes frames serially until the connection closes, then
// performs the exactly-once session-end teardown.
func (c *conn) readLoop() {
	defer c.hub.wg.Done()
	defer c.teardown()

	scanner := bufio.NewScanner(c.nc)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var f Frame
		if err := json.Unmarshal(line, &f); err != nil {
			c.hub.logger.WithError(err).Warn("Skipping malformed RPC frame")
			continue
		}
		if done := c.dispatch(&f); done {
			return
		}
	}
}

// dispatch handles one frame. It returns true when the connection should
// close (explicit session_end or rejected binding).
func (c *conn) dispatch(f *Frame) bool {
	h := c.hub
	switch f.Type {
	case FrameSessionStart:
		if f.ID == "" {
			h.logger.Warn("session_start without id")
			return false
		}
		c.sessionMu.Lock()
		alreadyBound := c.sessionID != ""
		c.sessionMu.Unlock()
		if alreadyBound {
			h.logger.WithField("session", f.ID).Warn("Connection already bound, ignoring second session_start")
			return false
		}

		decl := SessionDecl{
			ID:         f.ID,
			ProjectDir: f.ProjectDir,
			Cwd:        f.Cwd,
			Command:    f.Command,
			Name:       f.Name,
			JSONLFile:  f.JSONLFile,
			Pid:        f.Pid,
		}
		if !h.handler.SessionStart(decl) {
			h.logger.WithField("session", f.ID).Info("Session binding rejected")
			c.nc.Close()
			return true
		}
		c.bind(f.ID)
		return false

	case FrameSessionEnd:
		c.nc.Close()
		return true

	case FrameTitleUpdate:
		h.handler.TitleUpdate(c.resolveSession(f.SessionID), f.Title)

	case FramePTYOutput:
		ts := time.Now()
		if f.Timestamp != "" {
			if parsed, err := time.Parse(time.RFC3339Nano, f.Timestamp); err == nil {
				ts = parsed
			}
		}
		h.handler.PTYOutput(c.resolveSession(f.SessionID), f.Content, f.IsThinking, ts)

	case FramePermissionRequest:
		if f.RequestID == "" {
			h.logger.Warn("permission_request without requestId")
			return false
		}
		h.mu.Lock()
		h.pendingOrigin[f.RequestID] = c
		h.mu.Unlock()
		h.handler.PermissionRequest(events.PermissionRequest{
			RequestID: f.RequestID,
			SessionID: c.resolveSession(f.SessionID),
			ToolName:  f.ToolName,
			ToolInput: f.ToolInput,
		})

	case FramePermissionResponse:
		// Reverse-path frame from a hook process; the hub is normally the
		// decider so this is informational.
		if f.Decision != nil {
			h.handler.PermissionResponse(f.RequestID, *f.Decision)
		}

	default:
		h.logger.WithField("type", f.Type).Warn("Skipping unknown RPC frame")
	}
	return false
}

// bind registers this connection as the session's live channel. A prior
// binding for the same id is superseded: the stale connection is closed
// without emitting its session-end.
func (c *conn) bind(sessionID string) {
	h := c.hub

	h.mu.Lock()
	prev := h.conns[sessionID]
	h.conns[sessionID] = c
	h.mu.Unlock()

	c.sessionMu.Lock()
	c.sessionID = sessionID
	c.sessionMu.Unlock()

	if prev != nil && prev != c {
		prev.markEnded() // suppress its session-end; the session lives on
		prev.nc.Close()
		h.logger.WithField("session", sessionID).Warn("Superseded previous connection for session")
	}
}

func (c *conn) markEnded() {
	c.sessionMu.Lock()
	c.ended = true
	c.sessionMu.Unlock()
}

// resolveSession prefers the frame's explicit session id (hook processes
// are unbound) and falls back to the connection binding.
func (c *conn) resolveSession(frameID string) string {
	if frameID != "" {
		return frameID
	}
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	return c.sessionID
}

// teardown runs when the read loop exits. It unbinds the connection,
// forgets permission origins, and emits session-end exactly once.
func (c *conn) teardown() {
	c.nc.Close()

	h := c.hub
	c.sessionMu.Lock()
	sessionID := c.sessionID
	ended := c.ended
	c.ended = true
	c.sessionMu.Unlock()

	h.mu.Lock()
	for reqID, origin := range h.pendingOrigin {
		if origin == c {
			delete(h.pendingOrigin, reqID)
		}
	}
	stillBound := sessionID != "" && h.conns[sessionID] == c
	if stillBound {
		delete(h.conns, sessionID)
	}
	h.mu.Unlock()

	if sessionID != "" && stillBound && !ended {
		h.handler.SessionEnd(sessionID)
	}
}

// Connected reports whether a live runner connection is bound for the id.
func (h *Hub) Connected(sessionID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.conns[sessionID]
	return ok
}

// SendInput delivers user text to the runner: one input frame with the
// text, then a lone carriage return shortly after to commit the line in
// interactive prompts.
func (h *Hub) SendInput(sessionID, text string) error {
	h.mu.Lock()
	c, ok := h.conns[sessionID]
	h.mu.Unlock()
	if !ok {
		return errors.New(errors.ErrCodeNotConnected, "no runner connection for session").
			WithDetail("sessionId", sessionID)
	}

	if err := c.writeFrame(&Frame{Type: FrameInput, Text: text}); err != nil {
		return err
	}

	time.AfterFunc(h.inputCommitDelay, func() {
		if err := c.writeFrame(&Frame{Type: FrameInput, Text: "\r"}); err != nil {
			h.logger.WithError(err).WithField("session", sessionID).Warn("Failed to write input commit")
		}
	})
	return nil
}

// SendPermissionResponse writes the decision frame to the request's
// originating connection. Unknown request ids are a no-op error: the
// origin disconnected.
func (h *Hub) SendPermissionResponse(requestID string, decision events.PermissionDecision) error {
	h.mu.Lock()
	c, ok := h.pendingOrigin[requestID]
	if ok {
		delete(h.pendingOrigin, requestID)
	}
	h.mu.Unlock()
	if !ok {
		return errors.New(errors.ErrCodeNotConnected, "no originating connection for permission request").
			WithDetail("requestId", requestID)
	}
	return c.writeFrame(&Frame{Type: FramePermissionResponse, RequestID: requestID, Decision: &decision})
}

// writeFrame serializes and writes one frame. A write failure closes the
// connection; the read loop then surfaces session-end.
func (c *conn) writeFrame(f *Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal frame")
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	_, err = c.nc.Write(data)
	c.writeMu.Unlock()
	if err != nil {
		c.nc.Close()
		return errors.Wrap(err, errors.ErrCodeWriteFailed, "failed to write frame")
	}
	return nil
}
