package tailer

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/chatbridge/relay/pkg/dedupe"
	"github.com/chatbridge/relay/pkg/events"
)

// Markers the agent writes into synthetic user records when plan mode
// toggles. Matching is case-insensitive substring.
const (
	planModeActiveMarker = "plan mode is active"
	planModeExitMarker   = "exited plan mode"
)

// record is the subset of an event-log line the tailer consumes.
type record struct {
	Type      string         `json:"type"`
	Slug      string         `json:"slug,omitempty"`
	Todos     []events.Todo  `json:"todos,omitempty"`
	IsMeta    bool           `json:"isMeta,omitempty"`
	Subtype   string         `json:"subtype,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
	Message   *recordMessage `json:"message,omitempty"`
}

type recordMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// contentItem is one element of a structured message content array.
type contentItem struct {
	Type      string                 `json:"type"`
	Text      string                 `json:"text,omitempty"`
	ID        string                 `json:"id,omitempty"`
	Name      string                 `json:"name,omitempty"`
	Input     map[string]interface{} `json:"input,omitempty"`
	ToolUseID string                 `json:"tool_use_id,omitempty"`
	Content   json.RawMessage        `json:"content,omitempty"`
	IsError   bool                   `json:"is_error,omitempty"`
}

// parseTimestamp accepts the RFC3339 timestamps the agent writes. A missing
// or malformed timestamp yields the zero time, which passes the
// session-start gate.
func parseTimestamp(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts
	}
	return time.Time{}
}

// contentItems decodes a message content payload. String content becomes a
// single text item.
func contentItems(raw json.RawMessage) []contentItem {
	if len(raw) == 0 {
		return nil
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return []contentItem{{Type: "text", Text: asString}}
	}
	var items []contentItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	return items
}

// joinText concatenates the text parts of a content payload.
func joinText(raw json.RawMessage) string {
	var parts []string
	for _, item := range contentItems(raw) {
		if item.Type == "text" && item.Text != "" {
			parts = append(parts, item.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// containsMarker reports whether any text part contains the marker,
// case-insensitively.
func containsMarker(raw json.RawMessage, marker string) bool {
	for _, item := range contentItems(raw) {
		if item.Type != "text" {
			continue
		}
		if strings.Contains(strings.ToLower(item.Text), marker) {
			return true
		}
	}
	return false
}

// processLine parses one complete event-log line and emits the derived
// callbacks. Malformed lines are skipped; the offset has already consumed
// them.
func (t *Tailer) processLine(line []byte) {
	var rec record
	if err := json.Unmarshal(line, &rec); err != nil {
		t.logger.WithError(err).Debug("Skipping malformed event-log line")
		return
	}

	if rec.Slug != "" && !t.slugSeen {
		t.slugSeen = true
		t.sink.NameUpdate(t.sessionID, rec.Slug)
	}

	if rec.Todos != nil {
		data, err := json.Marshal(rec.Todos)
		if err == nil {
			hash := dedupe.HashText(string(data))
			if hash != t.todosHash {
				t.todosHash = hash
				t.sink.Todos(t.sessionID, rec.Todos)
			}
		}
	}

	if rec.Message == nil {
		return
	}

	switch rec.Type {
	case "user":
		t.processUserRecord(&rec)
	case "assistant":
		t.processAssistantRecord(&rec)
	}
}

func (t *Tailer) processUserRecord(rec *record) {
	// Plan-mode toggles arrive as system markers inside user records and
	// are edge-triggered.
	if containsMarker(rec.Message.Content, planModeActiveMarker) {
		if !t.planMode {
			t.planMode = true
			t.sink.PlanModeChange(t.sessionID, true)
		}
		return
	}
	if containsMarker(rec.Message.Content, planModeExitMarker) {
		if t.planMode {
			t.planMode = false
			t.sink.PlanModeChange(t.sessionID, false)
		}
		return
	}

	emitted := false
	for _, item := range contentItems(rec.Message.Content) {
		if item.Type != "tool_result" {
			continue
		}
		t.sink.ToolResult(events.ToolResult{
			SessionID: t.sessionID,
			ToolUseID: item.ToolUseID,
			Content:   joinText(item.Content),
			IsError:   item.IsError,
		})
		emitted = true
	}
	if emitted {
		return
	}

	t.maybeEmitMessage(rec, events.RoleUser)
}

func (t *Tailer) processAssistantRecord(rec *record) {
	for _, item := range contentItems(rec.Message.Content) {
		if item.Type != "tool_use" {
			continue
		}
		t.sink.ToolCall(events.ToolCall{
			SessionID: t.sessionID,
			ID:        item.ID,
			Name:      item.Name,
			Input:     item.Input,
		})
	}

	t.maybeEmitMessage(rec, events.RoleAssistant)
}

// maybeEmitMessage forwards a role-bearing message when it is not a meta
// record, not a subtyped synthetic, carries text, and is not older than the
// session start. The cross-source first-seen check is the sink's concern.
func (t *Tailer) maybeEmitMessage(rec *record, role events.Role) {
	if rec.IsMeta || rec.Subtype != "" {
		return
	}
	if rec.Message.Role != string(role) {
		return
	}
	text := joinText(rec.Message.Content)
	if strings.TrimSpace(text) == "" {
		return
	}
	ts := parseTimestamp(rec.Timestamp)
	if !ts.IsZero() && ts.Before(t.sessionStart) {
		return
	}
	t.sink.Message(t.sessionID, role, text)
}
