// Package supervisor owns runner child processes: spawning, liveness
// probing, the periodic health loop, orphan reaping, and startup
// reconciliation of stale records.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/chatbridge/relay/config"
	"github.com/chatbridge/relay/errors"
	"github.com/chatbridge/relay/internal/registry"
	"github.com/chatbridge/relay/pkg/process"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// LaunchMode selects how a runner child is started.
type LaunchMode string

const (
	// LaunchBackground detaches the child fully: own session, stdio
	// suppressed, parent reference relinquished.
	LaunchBackground LaunchMode = "background"
	// LaunchTerminal opens an OS terminal-emulator window running the
	// runner. The child is not a direct descendant; pid stays 0.
	LaunchTerminal LaunchMode = "terminal"
)

// sessionIDEnv carries the supervisor-assigned id to the runner so its
// session_start declares the same session.
const sessionIDEnv = "RELAY_SESSION_ID"

// Options tunes supervision behavior.
type Options struct {
	// HealthInterval between health passes. Default 60s.
	HealthInterval time.Duration
	// StartingGrace is how long a starting session may go without an RPC
	// connection before it is considered orphaned. Default 30s.
	StartingGrace time.Duration
	// Retention is how long terminal records are kept. Default 24h.
	Retention time.Duration
}

func (o *Options) withDefaults() Options {
	out := Options{
		HealthInterval: 60 * time.Second,
		StartingGrace:  30 * time.Second,
		Retention:      24 * time.Hour,
	}
	if o == nil {
		return out
	}
	if o.HealthInterval > 0 {
		out.HealthInterval = o.HealthInterval
	}
	if o.StartingGrace > 0 {
		out.StartingGrace = o.StartingGrace
	}
	if o.Retention > 0 {
		out.Retention = o.Retention
	}
	return out
}

// SettingsSource returns the current user settings; it is a function so
// hot-reloaded settings take effect without restart.
type SettingsSource func() *config.Settings

// ReconcileNotifier posts "session lost" notices during startup
// reconciliation.
type ReconcileNotifier interface {
	SessionLost(threadID, cwd string)
	ArchiveThread(threadID string)
}

// Supervisor drives session process lifecycle against the registry.
type Supervisor struct {
	reg       *registry.Registry
	mappings  *registry.Mappings
	settings  SettingsSource
	connected func(sessionID string) bool
	opts      Options
	logger    *logrus.Entry
}

// New creates a supervisor. connected reports whether a live RPC
// connection is bound for a session id.
func New(reg *registry.Registry, mappings *registry.Mappings, settings SettingsSource, connected func(string) bool, opts *Options, logger *logrus.Entry) *Supervisor {
	return &Supervisor{
		reg:       reg,
		mappings:  mappings,
		settings:  settings,
		connected: connected,
		opts:      opts.withDefaults(),
		logger:    logger,
	}
}

// StartSession launches a new runner in cwd and records it. The session id
// is generated here and handed to the runner through the environment.
func (s *Supervisor) StartSession(cwd string, command []string, mode LaunchMode) (registry.Session, error) {
	settings := s.settings()

	if cwd == "" {
		cwd = settings.DefaultDirectory
	}
	if cwd == "" {
		return registry.Session{}, errors.New(errors.ErrCodeInvalidInput, "no working directory given and no default configured")
	}
	if !settings.DirAllowed(cwd) {
		return registry.Session{}, errors.DirNotAllowed(cwd)
	}
	if limit := settings.MaxConcurrentSessions; limit > 0 && s.reg.Active() >= limit {
		return registry.Session{}, errors.SessionLimit(limit)
	}
	if len(command) == 0 {
		return registry.Session{}, errors.New(errors.ErrCodeInvalidInput, "empty runner command")
	}

	id := uuid.NewString()
	pid := 0

	switch mode {
	case LaunchTerminal:
		shellCommand := fmt.Sprintf("cd %s && %s=%s %s",
			shellQuote([]string{cwd}), sessionIDEnv, id, shellQuote(command))
		if err := openTerminalWindow(settings.TerminalApp, shellCommand); err != nil {
			return registry.Session{}, err
		}

	default:
		cmd := exec.Command(command[0], command[1:]...)
		cmd.Dir = cwd
		cmd.Env = append(os.Environ(), sessionIDEnv+"="+id)
		cmd.Stdin = nil
		cmd.Stdout = nil
		cmd.Stderr = nil
		cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
		if err := cmd.Start(); err != nil {
			return registry.Session{}, errors.SpawnFailed(command[0], err)
		}
		pid = cmd.Process.Pid
		// Fully detach: the health loop probes by pid, not by wait.
		_ = cmd.Process.Release()
	}

	session := registry.Session{
		ID:             id,
		Cwd:            cwd,
		Command:        command,
		Name:           command[0],
		Pid:            pid,
		Status:         registry.StatusStarting,
		StartedAt:      time.Now().UTC(),
		LastVerifiedAt: time.Now().UTC(),
	}
	if err := s.reg.Upsert(session); err != nil {
		s.logger.WithError(err).Warn("Failed to persist new session")
	}

	s.logger.WithFields(logrus.Fields{"session": id, "pid": pid, "mode": mode}).Info("Started runner")
	return session, nil
}

// StopSession gracefully stops a session's runner. force skips straight to
// the kill signal.
func (s *Supervisor) StopSession(id string, force bool) error {
	session, ok := s.reg.Get(id)
	if !ok {
		return errors.SessionNotFound(id)
	}
	if session.Status.Terminal() {
		return nil
	}

	if err := s.reg.SetStatus(id, registry.StatusStopping); err != nil {
		return err
	}

	if session.Pid != 0 {
		killed := false
		if force {
			killed = process.ForceKill(session.Pid)
		} else {
			killed = process.GracefulKill(session.Pid)
		}
		if !killed {
			return errors.New(errors.ErrCodeKillFailed, "runner did not exit").
				WithDetail("sessionId", id).WithDetail("pid", session.Pid)
		}
	}

	return s.reg.SetStatus(id, registry.StatusStopped)
}

// Run executes the periodic health loop until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.HealthCheck()
		}
	}
}

// alive probes a session's runner. Pid 0 means the process is not a
// descendant (terminal launch or external start); for those a live RPC
// connection stands in for the signal-0 probe.
func (s *Supervisor) alive(session registry.Session) bool {
	if session.Pid == 0 {
		return s.connected != nil && s.connected(session.ID)
	}
	return process.IsProcessAlive(session.Pid)
}

// HealthCheck runs one supervision pass over every non-terminal record,
// then reaps orphans (when enabled) and prunes aged terminal records.
func (s *Supervisor) HealthCheck() {
	now := time.Now().UTC()

	for _, session := range s.reg.List(func(r registry.Session) bool { return !r.Status.Terminal() }) {
		alive := s.alive(session)

		switch session.Status {
		case registry.StatusStarting:
			if !alive {
				s.transition(session.ID, registry.StatusStopped)
			} else if !s.isConnected(session.ID) && now.Sub(session.StartedAt) > s.opts.StartingGrace {
				s.transition(session.ID, registry.StatusOrphaned)
			} else {
				s.reg.Touch(session.ID)
			}

		case registry.StatusRunning, registry.StatusIdle:
			if !alive {
				s.transition(session.ID, registry.StatusOrphaned)
			} else {
				s.reg.Touch(session.ID)
			}

		case registry.StatusStopping:
			if !alive {
				s.transition(session.ID, registry.StatusStopped)
			}
		}
	}

	if s.settings().AutoCleanupOrphans {
		s.reapOrphans()
	}
	s.pruneTerminal(now)
}

func (s *Supervisor) isConnected(id string) bool {
	return s.connected != nil && s.connected(id)
}

func (s *Supervisor) transition(id string, status registry.Status) {
	if err := s.reg.SetStatus(id, status); err != nil {
		s.logger.WithError(err).WithField("session", id).Warn("Health transition failed")
	}
}

// reapOrphans kills still-alive orphaned runners and marks them stopped.
func (s *Supervisor) reapOrphans() {
	for _, session := range s.reg.ListByStatus(registry.StatusOrphaned) {
		if session.Pid != 0 && process.IsProcessAlive(session.Pid) {
			if !process.ForceKill(session.Pid) {
				s.logger.WithField("session", session.ID).Warn("Failed to kill orphaned runner")
				continue
			}
		}
		s.transition(session.ID, registry.StatusStopped)
	}
}

// pruneTerminal removes terminal records past the retention window.
func (s *Supervisor) pruneTerminal(now time.Time) {
	for _, session := range s.reg.List(func(r registry.Session) bool { return r.Status.Terminal() }) {
		age := now.Sub(session.LastVerifiedAt)
		if session.LastVerifiedAt.IsZero() {
			age = now.Sub(session.StartedAt)
		}
		if age > s.opts.Retention {
			if err := s.reg.Delete(session.ID); err != nil {
				s.logger.WithError(err).WithField("session", session.ID).Warn("Failed to prune session")
			}
			_ = s.mappings.Remove(session.ID)
		}
	}
}

// Reconcile handles persisted leftovers at daemon start: every stopped or
// orphaned record with a chat-thread binding gets a "session lost" notice,
// its thread archived, and its record removed. The ids stay fenced during
// the pass so a stray late connection cannot resurrect them.
func (s *Supervisor) Reconcile(notifier ReconcileNotifier) {
	stale := s.reg.ListByStatus(registry.StatusStopped, registry.StatusOrphaned)

	for _, session := range stale {
		if session.ThreadID == "" {
			continue
		}
		s.reg.MarkReconciling(session.ID)
	}

	for _, session := range stale {
		if session.ThreadID == "" {
			continue
		}

		if notifier != nil {
			notifier.SessionLost(session.ThreadID, session.Cwd)
			notifier.ArchiveThread(session.ThreadID)
		}
		if err := s.reg.Delete(session.ID); err != nil {
			s.logger.WithError(err).WithField("session", session.ID).Warn("Failed to remove reconciled session")
		}
		_ = s.mappings.Remove(session.ID)

		s.reg.UnmarkReconciling(session.ID)
		s.logger.WithFields(logrus.Fields{"session": session.ID, "thread": session.ThreadID}).
			Info("Reconciled lost session")
	}
}

// NewSessionID exposes id generation for callers that pre-register
// sessions (tests, tooling).
func NewSessionID() string {
	return uuid.NewString()
}
