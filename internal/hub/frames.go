package hub

import (
	"github.com/chatbridge/relay/pkg/events"
)

// Frame type tags on the wire. Frames are newline-delimited JSON objects.
const (
	FrameSessionStart       = "session_start"
	FrameSessionEnd         = "session_end"
	FrameTitleUpdate        = "title_update"
	FramePTYOutput          = "pty_output"
	FramePermissionRequest  = "permission_request"
	FramePermissionResponse = "permission_response"
	FrameInput              = "input"
)

// Frame is the union of every frame shape. Only the fields of the declared
// type are populated.
type Frame struct {
	Type string `json:"type"`

	// session_start
	ID         string   `json:"id,omitempty"`
	ProjectDir string   `json:"projectDir,omitempty"`
	Cwd        string   `json:"cwd,omitempty"`
	Command    []string `json:"command,omitempty"`
	Name       string   `json:"name,omitempty"`
	JSONLFile  string   `json:"jsonlFile,omitempty"`
	Pid        int      `json:"pid,omitempty"`

	// session_end / title_update / pty_output / permission_request
	SessionID  string `json:"sessionId,omitempty"`
	Title      string `json:"title,omitempty"`
	Content    string `json:"content,omitempty"`
	IsThinking bool   `json:"isThinking,omitempty"`
	Timestamp  string `json:"timestamp,omitempty"`

	// permission_request / permission_response
	RequestID string                     `json:"requestId,omitempty"`
	ToolName  string                     `json:"toolName,omitempty"`
	ToolInput map[string]interface{}     `json:"toolInput,omitempty"`
	Decision  *events.PermissionDecision `json:"decision,omitempty"`

	// input (daemon → runner)
	Text string `json:"text,omitempty"`
}

// SessionDecl is the payload of a runner's session_start frame.
type SessionDecl struct {
	ID         string
	ProjectDir string
	Cwd        string
	Command    []string
	Name       string
	JSONLFile  string
	Pid        int
}
