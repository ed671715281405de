// Package daemon wires the relay core together: registry, supervisor,
// tailers, RPC hub, and router, plus settings hot-reload.
package daemon

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/chatbridge/relay/config"
	"github.com/chatbridge/relay/internal/hub"
	"github.com/chatbridge/relay/internal/registry"
	"github.com/chatbridge/relay/internal/router"
	"github.com/chatbridge/relay/internal/supervisor"
	"github.com/chatbridge/relay/internal/tailer"
	"github.com/chatbridge/relay/logging"
	"github.com/chatbridge/relay/pkg/events"
	"github.com/chatbridge/relay/pkg/paths"
	"github.com/sirupsen/logrus"
)

// Daemon owns the lifetime of every core component.
type Daemon struct {
	cfg    *config.Config
	logger *logrus.Entry

	reg      *registry.Registry
	mappings *registry.Mappings
	hub      *hub.Hub
	router   *router.Router
	sup      *supervisor.Supervisor

	settingsMu sync.Mutex
	settings   *config.Settings

	tailersMu sync.Mutex
	tailers   map[string]*tailer.Tailer

	runCtx context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a daemon from lifecycle-scoped paths: nothing here reads
// process-wide mutable state beyond the environment-driven path roots.
func New(cfg *config.Config) (*Daemon, error) {
	if err := paths.EnsureDirs(); err != nil {
		return nil, err
	}

	logger := logging.NewLogger("relayd")

	reg, err := registry.Open(paths.RegistryPath(), logging.NewLogger("registry"))
	if err != nil {
		return nil, err
	}
	mappings, err := registry.OpenMappings(paths.MappingsPath())
	if err != nil {
		return nil, err
	}
	settings, err := config.LoadSettings(paths.SettingsPath())
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		cfg:      cfg,
		logger:   logger,
		reg:      reg,
		mappings: mappings,
		settings: settings,
		tailers:  make(map[string]*tailer.Tailer),
		done:     make(chan struct{}),
	}

	// The router handles hub frames and the hub is the router's
	// back-channel; the router is built first and the responder installed
	// after.
	d.router = router.New(reg, mappings, nil, logging.NewLogger("router"))
	d.hub = hub.New(paths.SocketPath(), d.router,
		&hub.Options{InputCommitDelay: cfg.Daemon.InputCommitDelay},
		logging.NewLogger("hub"))
	d.router.SetResponder(d.hub)

	d.sup = supervisor.New(reg, mappings, d.Settings, d.hub.Connected,
		&supervisor.Options{
			HealthInterval: cfg.Daemon.HealthCheckInterval,
			Retention:      cfg.Daemon.Retention,
		},
		logging.NewLogger("supervisor"))

	d.router.SetSessionHooks(router.SessionHooks{
		Started: d.startTailer,
		Ended:   d.stopTailer,
	})

	return d, nil
}

// Router returns the router for adapter callbacks.
func (d *Daemon) Router() *router.Router { return d.router }

// Supervisor returns the supervisor for start/stop tooling.
func (d *Daemon) Supervisor() *supervisor.Supervisor { return d.sup }

// Registry returns the session registry.
func (d *Daemon) Registry() *registry.Registry { return d.reg }

// Settings returns the current (possibly hot-reloaded) user settings.
func (d *Daemon) Settings() *config.Settings {
	d.settingsMu.Lock()
	defer d.settingsMu.Unlock()
	return d.settings
}

// SetHandlers installs the chat adapter and wires registry status changes
// upward.
func (d *Daemon) SetHandlers(h events.Handlers) {
	d.router.SetHandlers(h)
	d.reg.SetStatusCallback(func(s registry.Session, old registry.Status) {
		if h.OnStatusChange != nil {
			h.OnStatusChange(s.ID, string(s.Status))
		}
	})
}

// adapterNotifier bridges startup reconciliation onto the adapter.
type adapterNotifier struct {
	handlers events.Handlers
}

func (n adapterNotifier) SessionLost(threadID, cwd string) {
	if n.handlers.PostSessionLost != nil {
		n.handlers.PostSessionLost(threadID, cwd)
	}
}

func (n adapterNotifier) ArchiveThread(threadID string) {
	if n.handlers.ArchiveThread != nil {
		n.handlers.ArchiveThread(threadID)
	}
}

// Start brings the core up: reconcile stale records, serve RPC, run the
// health loop, watch settings. It returns once the hub is listening.
func (d *Daemon) Start(ctx context.Context, handlers events.Handlers) error {
	d.SetHandlers(handlers)

	ctx, cancel := context.WithCancel(ctx)
	d.runCtx = ctx
	d.cancel = cancel

	d.sup.Reconcile(adapterNotifier{handlers: handlers})

	if err := d.hub.Start(ctx); err != nil {
		cancel()
		return err
	}

	go d.sup.Run(ctx)
	go d.watchSettings(ctx)

	go func() {
		<-ctx.Done()
		d.shutdown()
	}()

	d.logger.Info("Relay daemon started")
	return nil
}

// Stop cancels everything and waits for teardown.
func (d *Daemon) Stop() {
	if d.cancel != nil {
		d.cancel()
		<-d.done
	}
}

func (d *Daemon) shutdown() {
	d.tailersMu.Lock()
	tailers := make([]*tailer.Tailer, 0, len(d.tailers))
	for _, t := range d.tailers {
		tailers = append(tailers, t)
	}
	d.tailers = make(map[string]*tailer.Tailer)
	d.tailersMu.Unlock()

	for _, t := range tailers {
		t.Stop()
	}
	d.hub.Close()
	d.logger.Info("Relay daemon stopped")
	close(d.done)
}

// startTailer begins tailing a session's event log once its runner has
// connected and declared the log location.
func (d *Daemon) startTailer(s registry.Session) {
	if s.ProjectDir == "" {
		return
	}
	file := s.JSONLFile
	if file == "" {
		file = s.ID + ".jsonl"
	}
	path := filepath.Join(s.ProjectDir, file)

	d.tailersMu.Lock()
	defer d.tailersMu.Unlock()
	if _, exists := d.tailers[s.ID]; exists {
		return
	}

	t := tailer.New(s.ID, path, s.StartedAt, d.router,
		&tailer.Options{
			PollInterval: d.cfg.Daemon.TailPollInterval,
			QuiesceDelay: d.cfg.Daemon.QuiesceDelay,
		},
		logging.NewLogger("tailer"))
	d.tailers[s.ID] = t
	t.Start(d.runCtx)
}

// stopTailer tears down a session's watcher.
func (d *Daemon) stopTailer(sessionID string) {
	d.tailersMu.Lock()
	t, ok := d.tailers[sessionID]
	if ok {
		delete(d.tailers, sessionID)
	}
	d.tailersMu.Unlock()

	if ok {
		t.Stop()
	}
}

// watchSettings hot-reloads settings.json on change, with a write
// debounce. The backstop is simply the next daemon restart; settings
// changes are rare.
func (d *Daemon) watchSettings(ctx context.Context) {
	watcher := newSettingsWatcher(paths.SettingsPath(), func() {
		settings, err := config.LoadSettings(paths.SettingsPath())
		if err != nil {
			d.logger.WithError(err).Warn("Ignoring malformed settings change")
			return
		}
		d.settingsMu.Lock()
		d.settings = settings
		d.settingsMu.Unlock()
		d.logger.Info("Settings reloaded")
	}, d.logger)
	watcher.run(ctx)
}
