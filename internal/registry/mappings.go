package registry

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/chatbridge/relay/errors"
	"github.com/chatbridge/relay/pkg/atomicfile"
)

// Mapping binds a session to the chat thread that hosted it, so a daemon
// restart can reattach a reconnecting session to its prior context.
type Mapping struct {
	SessionID string `json:"sessionId"`
	ThreadID  string `json:"threadId"`
	ChannelID string `json:"channelId"`
	Cwd       string `json:"cwd"`
}

// Mappings is the durable session-to-thread table, persisted as a JSON
// array via atomic replace.
type Mappings struct {
	mu      sync.Mutex
	path    string
	entries []Mapping
}

// OpenMappings loads the mapping file at path. A missing file yields an
// empty table.
func OpenMappings(path string) (*Mappings, error) {
	m := &Mappings{path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, errors.DiskIO(path, err)
	}
	if err := json.Unmarshal(data, &m.entries); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to parse mappings file").
			WithDetail("path", path)
	}
	return m, nil
}

// Set upserts the mapping for a session and writes through.
func (m *Mappings) Set(mapping Mapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, e := range m.entries {
		if e.SessionID == mapping.SessionID {
			m.entries[i] = mapping
			return m.persistLocked()
		}
	}
	m.entries = append(m.entries, mapping)
	return m.persistLocked()
}

// Lookup returns the mapping for a session id.
func (m *Mappings) Lookup(sessionID string) (Mapping, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.entries {
		if e.SessionID == sessionID {
			return e, true
		}
	}
	return Mapping{}, false
}

// Remove deletes the mapping for a session id, if present.
func (m *Mappings) Remove(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, e := range m.entries {
		if e.SessionID == sessionID {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			return m.persistLocked()
		}
	}
	return nil
}

// All returns a copy of every mapping.
func (m *Mappings) All() []Mapping {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Mapping, len(m.entries))
	copy(out, m.entries)
	return out
}

func (m *Mappings) persistLocked() error {
	data, err := json.MarshalIndent(m.entries, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal mappings")
	}
	if err := atomicfile.WriteFile(m.path, data, 0644); err != nil {
		return errors.DiskIO(m.path, err)
	}
	return nil
}
