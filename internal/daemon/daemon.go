// Package daemon composes the pool, the inbox watcher and the
// persistence layers into the long-running warden process.
package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kelden/warden/internal/audit"
	"github.com/kelden/warden/internal/config"
	"github.com/kelden/warden/internal/logger"
	"github.com/kelden/warden/internal/pool"
	"github.com/kelden/warden/internal/proc"
	"github.com/kelden/warden/internal/storage"
	"github.com/kelden/warden/internal/storage/sqlite"
	"github.com/kelden/warden/internal/task"
	"github.com/kelden/warden/pkg/types"
)

// Daemon is the main warden daemon
type Daemon struct {
	projectDir string
	cfg        *types.Config
	store      storage.Store
	auditLog   *audit.Log
	pool       *pool.Pool
	watcher    *task.Watcher
	signals    *SignalHandler
	pidFile    string
	verbose    bool
	log        *logger.Logger
}

// SetVerbose enables verbose logging
func (d *Daemon) SetVerbose(v bool) {
	d.verbose = v
	if d.log != nil {
		d.log.SetVerbose(v)
	}
}

// New creates a new daemon instance
func New(projectDir string) (*Daemon, error) {
	cfg, err := config.Load(projectDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := config.EnsureDirectories(projectDir, cfg); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	// Initialize logging
	logsDir := filepath.Join(projectDir, cfg.Paths.Logs)
	if err := logger.Setup(logsDir); err != nil {
		return nil, fmt.Errorf("failed to setup logging: %w", err)
	}
	log := logger.New("Daemon", logsDir)

	var store storage.Store
	if cfg.History.Enabled {
		s, err := sqlite.New(filepath.Join(projectDir, cfg.History.Path))
		if err != nil {
			return nil, fmt.Errorf("failed to open history store: %w", err)
		}
		store = s
	}

	var auditLog *audit.Log
	if cfg.Audit.Enabled {
		auditLog, err = audit.Open(filepath.Join(projectDir, cfg.Audit.Path))
		if err != nil {
			if store != nil {
				store.Close()
			}
			return nil, fmt.Errorf("failed to open audit log: %w", err)
		}
	}

	// Worker stderr goes to a shared component log; the protocol itself
	// rides stdin/stdout.
	workerLog := logger.New("Workers", logsDir)
	launcher := proc.Command(cfg.Worker.Command, cfg.Worker.Args, cfg.Worker.Env, workerLog.Writer())

	workspacesDir := filepath.Join(projectDir, cfg.Paths.Workspaces)
	p := pool.New(cfg, launcher, store, auditLog, logsDir, workspacesDir)

	inboxDir := filepath.Join(projectDir, cfg.Paths.Inbox)
	watcher, err := task.NewWatcher(inboxDir, p, logger.New("Watcher", logsDir))
	if err != nil {
		if store != nil {
			store.Close()
		}
		if auditLog != nil {
			auditLog.Close()
		}
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &Daemon{
		projectDir: projectDir,
		cfg:        cfg,
		store:      store,
		auditLog:   auditLog,
		pool:       p,
		watcher:    watcher,
		signals:    NewSignalHandler(log),
		pidFile:    filepath.Join(projectDir, config.DefaultConfigDir, "warden.pid"),
		log:        log,
	}, nil
}

// Run starts the daemon and blocks until a shutdown signal arrives or
// the context is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	defer logger.CloseAll()

	// Write PID file
	if err := d.writePIDFile(); err != nil {
		d.log.Warn("Failed to write PID file: %v", err)
	}
	defer d.removePIDFile()

	// Setup signal handling
	ctx = d.signals.Setup(ctx)
	defer d.signals.Stop()

	d.log.Info("Starting in %s", d.projectDir)
	d.log.Info("Config: workers=%d, queue=%d, worker command=%s",
		d.cfg.Pool.Capacity, d.cfg.Pool.QueueCapacity, d.cfg.Worker.Command)

	// Pool events are the observability contract; mirror them into the
	// daemon log when verbose.
	d.pool.Subscribe(func(ev types.Event) {
		d.log.Debug("Event %s %v", ev.Name, ev.Payload)
	})

	if err := d.pool.Start(); err != nil {
		// The pool never took ownership of the audit log, so close it
		// here along with the history store.
		if d.auditLog != nil {
			d.auditLog.Close()
		}
		d.closeStores()
		return fmt.Errorf("failed to start pool: %w", err)
	}

	// Start the inbox watcher
	d.log.Info("Watching %s for task requests", d.cfg.Paths.Inbox)
	d.watcher.Start(ctx)
	defer d.watcher.Stop()

	d.log.Success("Ready")

	<-ctx.Done()

	d.log.Info("Shutting down...")
	err := d.pool.Shutdown(d.cfg.Tasks.DrainTimeout())
	if cerr := d.closeStores(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Stop requests a graceful shutdown from outside the Run loop
func (d *Daemon) Stop() {
	if d.signals != nil && d.signals.cancel != nil {
		d.signals.cancel()
	}
}

// closeStores closes the history store. The audit log is owned by the
// pool once Start succeeds and is flushed during pool shutdown.
func (d *Daemon) closeStores() error {
	if d.store == nil {
		return nil
	}
	if err := d.store.Close(); err != nil {
		return fmt.Errorf("failed to close history store: %w", err)
	}
	return nil
}

func (d *Daemon) writePIDFile() error {
	pid := os.Getpid()
	return os.WriteFile(d.pidFile, []byte(fmt.Sprintf("%d", pid)), 0644)
}

func (d *Daemon) removePIDFile() {
	os.Remove(d.pidFile)
}
