package any2pdf

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/alnah/go-any2pdf/internal/process"
)

// OfficePool keeps N office workers alive on fixed consecutive ports and
// routes conversions to the first available one. Workers are independent;
// one worker's crash never affects another.
type OfficePool struct {
	cfg     *Config
	health  *HealthRegistry
	workers []*officeWorker
	log     *logrus.Entry

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewOfficePool creates a pool with one worker per concurrent job slot.
func NewOfficePool(cfg *Config, health *HealthRegistry) *OfficePool {
	p := &OfficePool{
		cfg:    cfg,
		health: health,
		done:   make(chan struct{}),
		log:    logrus.WithField("component", "office"),
	}
	for _, port := range cfg.OfficePorts() {
		p.workers = append(p.workers, newOfficeWorker(cfg, health, port, p.done))
	}
	return p
}

// Start launches one supervisor goroutine per worker. Subsequent calls are
// no-ops.
func (p *OfficePool) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		for _, w := range p.workers {
			p.wg.Add(1)
			go func(w *officeWorker) {
				defer p.wg.Done()
				w.supervise(ctx)
			}(w)
		}
	})
}

// Convert dispatches input to the first available worker, iterating ports
// in stable ascending order. When every worker is busy or down the call
// fails fast with ErrNoWorkerAvailable; the queue has already admitted the
// job, so this is an overload condition, not queue-full.
func (p *OfficePool) Convert(ctx context.Context, input []byte) ([]byte, error) {
	for _, w := range p.workers {
		if w.available.CompareAndSwap(true, false) {
			return w.convert(ctx, input)
		}
	}
	return nil, ErrNoWorkerAvailable
}

// Close stops all supervisors and kills the running backends.
func (p *OfficePool) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.wg.Wait()
	})
}

// officeWorker owns one long-lived office backend bound to a fixed port.
// The worker itself is created at startup and never destroyed; its backend
// process may die and be respawned. At most one backend process exists per
// worker, and available is true iff the backend is running with no
// conversion in flight.
type officeWorker struct {
	cfg        *Config
	health     *HealthRegistry
	port       int
	pidFile    string
	profileDir string
	runner     commandRunner
	log        *logrus.Entry
	done       chan struct{}

	available atomic.Bool

	mu          sync.Mutex
	cmd         *exec.Cmd
	restarts    int
	uptimeTimer *time.Timer
}

// newOfficeWorker creates a worker for the given port. The profile
// directory token is minted once per worker instance.
func newOfficeWorker(cfg *Config, health *HealthRegistry, port int, done chan struct{}) *officeWorker {
	token := uuid.NewString()
	return &officeWorker{
		cfg:        cfg,
		health:     health,
		port:       port,
		pidFile:    filepath.Join(cfg.TempDir, fmt.Sprintf("office-%d.pid", port)),
		profileDir: filepath.Join(cfg.TempDir, fmt.Sprintf("office-%d-%s", port, token)),
		runner:     execRunner{},
		done:       done,
		log:        logrus.WithField("component", "office").WithField("port", port),
	}
}

// supervise runs the start/exit/restart loop until shutdown or until the
// restart budget is exhausted.
func (w *officeWorker) supervise(ctx context.Context) {
	for {
		w.mu.Lock()
		restarts := w.restarts
		w.mu.Unlock()
		if restarts >= w.cfg.MaxRestarts {
			w.log.Error("Restart budget exhausted, worker failed permanently")
			return
		}
		w.mu.Lock()
		w.restarts++
		w.mu.Unlock()

		if err := w.start(ctx); err != nil {
			w.log.WithError(err).Warn("Backend failed to start")
			if !w.sleep(w.cfg.RestartDelay) {
				return
			}
			continue
		}

		w.armUptimeReset()
		w.available.Store(true)
		w.health.SetWorker(w.port, true)
		w.log.Info("Office backend ready")

		if !w.waitExit() {
			// Shutting down; waitExit already killed the backend.
			return
		}
		w.onExit()

		if !w.sleep(w.cfg.RestartDelay) {
			return
		}
	}
}

// start launches the backend and waits for readiness: both the PID file
// and the user-profile directory must appear under the temp root within
// the launch timeout.
func (w *officeWorker) start(ctx context.Context) error {
	// A stale PID file from a previous run would satisfy the readiness
	// watch prematurely.
	if err := os.Remove(w.pidFile); err != nil && !os.IsNotExist(err) {
		w.log.WithError(err).Warn("Could not remove stale PID file")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("%w: creating readiness watcher: %v", ErrSpawnFailed, err)
	}
	defer func() {
		if cerr := watcher.Close(); cerr != nil {
			w.log.WithError(cerr).Debug("Closing readiness watcher")
		}
	}()
	if err := watcher.Add(w.cfg.TempDir); err != nil {
		return fmt.Errorf("%w: watching temp root: %v", ErrSpawnFailed, err)
	}

	timeoutSeconds := int(w.cfg.PDFRenderTimeout.Seconds())
	cmd := exec.Command(w.cfg.UnoserverPath, // #nosec G204 -- binary path is operator-provided
		"--port", strconv.Itoa(w.port),
		"--interface", "127.0.0.1",
		"--pidfile", w.pidFile,
		"--user-installation", w.profileDir,
		"--conversion-timeout", strconv.Itoa(timeoutSeconds),
	)
	process.SetGroup(cmd)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	w.mu.Lock()
	w.cmd = cmd
	w.mu.Unlock()

	if err := w.awaitReadiness(ctx, watcher); err != nil {
		process.KillGroup(cmd.Process.Pid)
		_ = cmd.Wait()
		w.mu.Lock()
		w.cmd = nil
		w.mu.Unlock()
		return err
	}
	return nil
}

// awaitReadiness blocks until both readiness paths exist. Paths created
// before the watcher fires are picked up by the initial stat check.
func (w *officeWorker) awaitReadiness(ctx context.Context, watcher *fsnotify.Watcher) error {
	deadline := time.NewTimer(w.cfg.OfficeLaunchTimeout)
	defer deadline.Stop()

	pending := map[string]bool{w.pidFile: true, w.profileDir: true}
	for p := range pending {
		if _, err := os.Stat(p); err == nil {
			delete(pending, p)
		}
	}

	for len(pending) > 0 {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("%w: readiness watcher closed", ErrSpawnFailed)
			}
			if event.Op&fsnotify.Create != 0 && pending[event.Name] {
				delete(pending, event.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("%w: readiness watcher closed", ErrSpawnFailed)
			}
			w.log.WithError(err).Warn("Readiness watcher error")
		case <-deadline.C:
			return fmt.Errorf("%w: backend not ready within %s", ErrSpawnFailed, w.cfg.OfficeLaunchTimeout)
		case <-ctx.Done():
			return ctx.Err()
		case <-w.done:
			return ErrServiceClosed
		}
	}
	return nil
}

// waitExit blocks until the backend exits on its own (true) or shutdown is
// requested (false), in which case the backend is killed and reaped.
func (w *officeWorker) waitExit() bool {
	w.mu.Lock()
	cmd := w.cmd
	w.mu.Unlock()

	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()

	select {
	case <-exited:
		return true
	case <-w.done:
		process.KillGroup(cmd.Process.Pid)
		<-exited
		w.cleanupArtifacts()
		return false
	}
}

// onExit handles a backend crash: mark unavailable and unhealthy, kill
// orphaned children of the backend PID, and remove the profile directory.
// Leaked children would make future conversions on the respawned worker
// hang, so the orphan kill is mandatory.
func (w *officeWorker) onExit() {
	w.cancelUptimeReset()
	w.available.Store(false)
	w.health.SetWorker(w.port, false)
	w.log.Warn("Office backend exited")

	if pid, err := w.readBackendPID(); err != nil {
		w.log.WithError(err).Debug("Could not read backend PID file")
	} else {
		process.KillGroup(pid)
	}
	w.cleanupArtifacts()

	w.mu.Lock()
	cmd := w.cmd
	w.cmd = nil
	w.mu.Unlock()
	// A forked backend's children stay in the spawned process's group,
	// which the PID-file PID does not lead.
	if cmd != nil && cmd.Process != nil {
		process.KillGroup(cmd.Process.Pid)
	}
}

// cleanupArtifacts removes the PID file and profile directory, logging and
// continuing on failure.
func (w *officeWorker) cleanupArtifacts() {
	if err := os.Remove(w.pidFile); err != nil && !os.IsNotExist(err) {
		w.log.WithError(err).Warn("Could not remove PID file")
	}
	if err := os.RemoveAll(w.profileDir); err != nil {
		w.log.WithError(err).Warn("Could not remove profile directory")
	}
}

// readBackendPID reads the backend-written PID file. The backend may fork,
// so this PID can differ from the spawned process.
func (w *officeWorker) readBackendPID() (int, error) {
	data, err := os.ReadFile(w.pidFile)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parsing PID file: %w", err)
	}
	return pid, nil
}

// armUptimeReset schedules the restart-counter reset after the backend has
// stayed up for the full uptime window.
func (w *officeWorker) armUptimeReset() {
	window := w.cfg.uptimeResetWindow()
	w.mu.Lock()
	defer w.mu.Unlock()
	w.uptimeTimer = time.AfterFunc(window, func() {
		w.mu.Lock()
		w.restarts = 0
		w.mu.Unlock()
		w.log.Debug("Restart counter reset after stable uptime")
	})
}

// cancelUptimeReset stops a pending reset so a slowly-failing backend does
// not appear stable.
func (w *officeWorker) cancelUptimeReset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.uptimeTimer != nil {
		w.uptimeTimer.Stop()
		w.uptimeTimer = nil
	}
}

// sleep waits for d unless shutdown is requested first.
func (w *officeWorker) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-w.done:
		return false
	}
}
