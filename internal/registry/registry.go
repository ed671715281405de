// Package registry is the persistent record of supervised sessions, backed
// by a single JSON document written via atomic replace.
package registry

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/chatbridge/relay/errors"
	"github.com/chatbridge/relay/pkg/atomicfile"
	"github.com/sirupsen/logrus"
)

// Status is a session lifecycle state.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusIdle     Status = "idle"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusOrphaned Status = "orphaned"
)

// Terminal reports whether the status ends a session's run.
// Orphaned counts: an orphaned record only leaves via cleanup or pruning.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusOrphaned
}

// Session is one supervised runner record.
type Session struct {
	ID             string    `json:"id"`
	Cwd            string    `json:"cwd"`
	ProjectDir     string    `json:"projectDir"`
	Command        []string  `json:"command,omitempty"`
	Name           string    `json:"name,omitempty"`
	Pid            int       `json:"pid"`
	JSONLFile      string    `json:"jsonlFile,omitempty"`
	Status         Status    `json:"status"`
	StartedAt      time.Time `json:"startedAt"`
	LastVerifiedAt time.Time `json:"lastVerifiedAt"`
	ThreadID       string    `json:"threadId,omitempty"`
	ChannelID      string    `json:"channelId,omitempty"`
	TerminalWindow string    `json:"terminalWindow,omitempty"`
}

// document is the on-disk shape of the registry file.
type document struct {
	Version int        `json:"version"`
	Entries []*Session `json:"entries"`
}

// StatusCallback is invoked after a status change has been applied.
type StatusCallback func(session Session, old Status)

// Registry owns Session records. All mutations write through to disk; a
// failed write is logged and surfaced but in-memory state is kept.
type Registry struct {
	mu             sync.Mutex
	path           string
	sessions       map[string]*Session
	reconciling    map[string]struct{}
	onStatusChange StatusCallback
	logger         *logrus.Entry
}

// Open loads the registry document at path. A missing file yields an empty
// registry; a malformed one is an error.
func Open(path string, logger *logrus.Entry) (*Registry, error) {
	r := &Registry{
		path:        path,
		sessions:    make(map[string]*Session),
		reconciling: make(map[string]struct{}),
		logger:      logger,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, errors.DiskIO(path, err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to parse registry file").
			WithDetail("path", path)
	}
	for _, s := range doc.Entries {
		r.sessions[s.ID] = s
	}
	return r, nil
}

// SetStatusCallback registers the callback run on every status change.
// The callback is invoked while the registry mutex is held, keeping status
// transitions and their notifications serialized.
func (r *Registry) SetStatusCallback(cb StatusCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onStatusChange = cb
}

// Upsert adds or replaces a session record and writes through.
func (r *Registry) Upsert(s Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	copied := s
	r.sessions[s.ID] = &copied
	return r.persistLocked()
}

// Get returns a copy of the session record.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// SetStatus transitions a session and writes through. The status-change
// callback fires when the status actually changed. A transition out of
// stopped is refused: stopped is terminal within a run.
func (r *Registry) SetStatus(id string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return errors.SessionNotFound(id)
	}
	old := s.Status
	if old == status {
		return nil
	}
	if old == StatusStopped {
		r.logger.WithFields(logrus.Fields{"session": id, "to": status}).
			Warn("Ignoring status transition out of stopped")
		return nil
	}

	s.Status = status
	s.LastVerifiedAt = time.Now().UTC()
	err := r.persistLocked()

	if r.onStatusChange != nil {
		r.onStatusChange(*s, old)
	}
	return err
}

// SetThread persists the chat binding for restart recovery.
func (r *Registry) SetThread(id, threadID, channelID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return errors.SessionNotFound(id)
	}
	s.ThreadID = threadID
	s.ChannelID = channelID
	return r.persistLocked()
}

// SetName replaces the human-readable session name.
func (r *Registry) SetName(id, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return errors.SessionNotFound(id)
	}
	s.Name = name
	return r.persistLocked()
}

// SetPid records the runner's pid once it is known.
func (r *Registry) SetPid(id string, pid int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return errors.SessionNotFound(id)
	}
	s.Pid = pid
	return r.persistLocked()
}

// Touch refreshes LastVerifiedAt after a liveness probe.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[id]; ok {
		s.LastVerifiedAt = time.Now().UTC()
	}
}

// List returns copies of sessions matching filter; a nil filter matches all.
func (r *Registry) List(filter func(Session) bool) []Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if filter == nil || filter(*s) {
			result = append(result, *s)
		}
	}
	return result
}

// ListByStatus returns copies of sessions in any of the given statuses.
func (r *Registry) ListByStatus(statuses ...Status) []Session {
	set := make(map[Status]bool, len(statuses))
	for _, s := range statuses {
		set[s] = true
	}
	return r.List(func(s Session) bool { return set[s.Status] })
}

// Active returns the number of sessions not in a terminal status.
func (r *Registry) Active() int {
	return len(r.List(func(s Session) bool { return !s.Status.Terminal() }))
}

// Delete removes a record and writes through.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return errors.SessionNotFound(id)
	}
	delete(r.sessions, id)
	return r.persistLocked()
}

// MarkReconciling fences a session id during startup reconciliation so a
// stray late connection is ignored rather than resurrected.
func (r *Registry) MarkReconciling(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reconciling[id] = struct{}{}
}

// UnmarkReconciling lifts the fence.
func (r *Registry) UnmarkReconciling(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.reconciling, id)
}

// IsReconciling reports whether the fence is set for id.
func (r *Registry) IsReconciling(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.reconciling[id]
	return ok
}

// persistLocked writes the document via atomic replace. Disk failures are
// logged and returned; in-memory state is not rolled back.
func (r *Registry) persistLocked() error {
	doc := document{Version: 1, Entries: make([]*Session, 0, len(r.sessions))}
	for _, s := range r.sessions {
		doc.Entries = append(doc.Entries, s)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal registry")
	}
	if err := atomicfile.WriteFile(r.path, data, 0644); err != nil {
		r.logger.WithError(err).Error("Failed to persist registry")
		return errors.DiskIO(r.path, err)
	}
	return nil
}
