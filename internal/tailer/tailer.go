// Package tailer watches one session's append-only event log, tracking a
// restart-safe byte offset and deduplicating replayed lines.
package tailer

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chatbridge/relay/pkg/dedupe"
	"github.com/chatbridge/relay/pkg/events"
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Sink receives the normalized callbacks a tailer derives from the log.
type Sink interface {
	NameUpdate(sessionID, slug string)
	Todos(sessionID string, todos []events.Todo)
	PlanModeChange(sessionID string, active bool)
	ToolCall(call events.ToolCall)
	ToolResult(result events.ToolResult)
	Message(sessionID string, role events.Role, text string)
}

// Options tunes a tailer's wake-up behavior.
type Options struct {
	// PollInterval is the backstop poll. Default 2s.
	PollInterval time.Duration
	// QuiesceDelay is how long the file must be write-quiet after an
	// fsnotify event before processing. Default 100ms.
	QuiesceDelay time.Duration
}

func (o *Options) withDefaults() Options {
	out := Options{PollInterval: 2 * time.Second, QuiesceDelay: 100 * time.Millisecond}
	if o == nil {
		return out
	}
	if o.PollInterval > 0 {
		out.PollInterval = o.PollInterval
	}
	if o.QuiesceDelay > 0 {
		out.QuiesceDelay = o.QuiesceDelay
	}
	return out
}

// Tailer is one logical watcher over `<projectDir>/<sessionId>.jsonl`.
type Tailer struct {
	sessionID    string
	path         string
	sessionStart time.Time
	sink         Sink
	opts         Options
	logger       *logrus.Entry

	mu         sync.Mutex
	offset     int64
	seen       *dedupe.SeenSet
	processing bool

	// derivation state, touched only inside process()
	slugSeen  bool
	todosHash string
	planMode  bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a tailer for one session's event log. sessionStart gates
// replayed messages predating the current run.
func New(sessionID, path string, sessionStart time.Time, sink Sink, opts *Options, logger *logrus.Entry) *Tailer {
	return &Tailer{
		sessionID:    sessionID,
		path:         path,
		sessionStart: sessionStart,
		sink:         sink,
		opts:         opts.withDefaults(),
		seen:         dedupe.NewSeenSet(dedupe.DefaultCap),
		logger:       logger.WithField("session", sessionID),
		done:         make(chan struct{}),
	}
}

// Start launches the watch loop: an fsnotify watcher with a write-quiesce
// stabilizer plus a backstop poll. Both paths funnel into Process.
func (t *Tailer) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	go t.run(ctx)
}

// Stop tears down the watch loop and blocks until it has exited.
func (t *Tailer) Stop() {
	if t.cancel != nil {
		t.cancel()
		<-t.done
	}
}

func (t *Tailer) run(ctx context.Context) {
	defer close(t.done)

	// Watch the parent directory: the log file may not exist yet, and
	// fsnotify watches survive file replacement that way.
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		t.logger.WithError(err).Warn("fsnotify unavailable, falling back to poll")
	} else {
		defer watcher.Close()
		if err := watcher.Add(filepath.Dir(t.path)); err != nil {
			t.logger.WithError(err).Warn("Failed to watch log directory, falling back to poll")
		}
	}

	poll := time.NewTicker(t.opts.PollInterval)
	defer poll.Stop()

	// quiesce fires once writes have settled after an fsnotify event.
	quiesce := time.NewTimer(t.opts.QuiesceDelay)
	if !quiesce.Stop() {
		<-quiesce.C
	}

	// Consume anything already present.
	t.Process()

	var watchEvents chan fsnotify.Event
	var watchErrors chan error
	if watcher != nil {
		watchEvents = watcher.Events
		watchErrors = watcher.Errors
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watchEvents:
			if !ok {
				watchEvents = nil
				continue
			}
			if event.Name != t.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				quiesce.Reset(t.opts.QuiesceDelay)
			}
		case err, ok := <-watchErrors:
			if !ok {
				watchErrors = nil
				continue
			}
			t.logger.WithError(err).Error("Watcher error")
		case <-quiesce.C:
			t.Process()
		case <-poll.C:
			t.Process()
		}
	}
}

// Process consumes newly appended bytes. It is safe to call from multiple
// wake-up paths: a per-session re-entrancy flag collapses overlapping
// invocations.
func (t *Tailer) Process() {
	t.mu.Lock()
	if t.processing {
		t.mu.Unlock()
		return
	}
	t.processing = true
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.processing = false
		t.mu.Unlock()
	}()

	t.process()
}

func (t *Tailer) process() {
	info, err := os.Stat(t.path)
	if err != nil {
		if !os.IsNotExist(err) {
			t.logger.WithError(err).Error("Failed to stat event log")
		}
		return
	}

	t.mu.Lock()
	offset := t.offset
	t.mu.Unlock()

	length := info.Size()
	if length <= offset {
		return
	}

	file, err := os.Open(t.path)
	if err != nil {
		t.logger.WithError(err).Error("Failed to open event log")
		return
	}
	defer file.Close()

	buf := make([]byte, length-offset)
	n, err := file.ReadAt(buf, offset)
	if err != nil && n == 0 {
		t.logger.WithError(err).Error("Failed to read event log")
		return
	}
	buf = buf[:n]

	// The final fragment after the last newline is incomplete: it is not
	// consumed and will be re-read once the writer finishes the line.
	lines := bytes.Split(buf, []byte("\n"))
	fragment := lines[len(lines)-1]
	lines = lines[:len(lines)-1]

	consumed := int64(len(buf) - len(fragment))

	for _, line := range lines {
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			continue
		}
		hash := dedupe.HashLine(trimmed)
		if !t.seen.Insert(hash) {
			continue
		}
		t.processLine(trimmed)
	}

	t.mu.Lock()
	t.offset = offset + consumed
	t.mu.Unlock()
}

// Offset returns the byte offset of the last fully consumed line.
func (t *Tailer) Offset() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.offset
}
