package any2pdf

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// browserHandle bundles a live browser connection with its launcher and
// user-data directory for teardown.
type browserHandle struct {
	browser     *rod.Browser
	launcher    *launcher.Launcher
	userDataDir string
}

// BrowserSupervisor keeps one headless browser alive, restarting it
// periodically and on crash. Restarts are reference-counted hot swaps: the
// previous instance is marked for collection and torn down only after its
// in-flight renders drain, while new renders bind to the fresh instance.
type BrowserSupervisor struct {
	cfg    *Config
	health *HealthRegistry
	log    *logrus.Entry

	mu          sync.Mutex
	current     *refHolder[*browserHandle]
	restarts    int
	uptimeTimer *time.Timer

	tickerOnce sync.Once
	closeOnce  sync.Once
	done       chan struct{}
}

// NewBrowserSupervisor creates a supervisor; Start launches the browser.
func NewBrowserSupervisor(cfg *Config, health *HealthRegistry) *BrowserSupervisor {
	return &BrowserSupervisor{
		cfg:    cfg,
		health: health,
		done:   make(chan struct{}),
		log:    logrus.WithField("component", "browser"),
	}
}

// Start launches the browser, retrying within the restart budget. Returns
// ErrMaxRestartsExceeded once the budget is exhausted.
func (s *BrowserSupervisor) Start(ctx context.Context) error {
	for {
		select {
		case <-s.done:
			return ErrServiceClosed
		default:
		}

		s.mu.Lock()
		if s.restarts >= s.cfg.MaxRestarts {
			s.mu.Unlock()
			s.log.Error("Restart budget exhausted, browser failed permanently")
			return ErrMaxRestartsExceeded
		}
		s.restarts++
		s.mu.Unlock()

		handle, err := s.launch(ctx)
		if err != nil {
			s.log.WithError(err).Warn("Browser failed to launch")
			select {
			case <-time.After(s.cfg.RestartDelay):
				continue
			case <-ctx.Done():
				return ctx.Err()
			case <-s.done:
				return ErrServiceClosed
			}
		}

		holder := newRefHolder(handle, s.teardown)

		s.mu.Lock()
		prev := s.current
		s.current = holder
		s.mu.Unlock()
		if prev != nil {
			// Outstanding renders drain against the superseded instance
			// before its cleanup runs.
			prev.Mark()
		}

		s.health.Set(SubsystemBrowser, true)
		s.armUptimeReset()
		s.installPeriodicRestart(ctx)
		go s.watch(ctx, holder, handle)

		s.log.Info("Browser ready")
		return nil
	}
}

// Acquire returns the current browser handle and a release function. The
// reference pins the instance: a hot swap will not tear it down until
// release is called.
func (s *BrowserSupervisor) Acquire() (*browserHandle, func(), error) {
	s.mu.Lock()
	holder := s.current
	s.mu.Unlock()
	if holder == nil {
		return nil, nil, ErrBrowserUnavailable
	}
	handle, ok := holder.Acquire()
	if !ok {
		return nil, nil, ErrBrowserUnavailable
	}
	return handle, holder.Release, nil
}

// Close marks the current instance for collection and stops supervision.
func (s *BrowserSupervisor) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancelUptimeReset()
		s.mu.Lock()
		holder := s.current
		s.current = nil
		s.mu.Unlock()
		if holder != nil {
			holder.Mark()
		}
	})
}

// launch starts a Chromium process and connects to it within the launch
// timeout.
func (s *BrowserSupervisor) launch(ctx context.Context) (*browserHandle, error) {
	dataDir := filepath.Join(s.cfg.TempDir, "browser-"+uuid.NewString())

	l := launcher.New().
		Headless(true).
		NoSandbox(true).
		UserDataDir(dataDir).
		Set("disable-gpu").
		Set("disable-extensions").
		Set("disable-features", "Translate").
		Set("disable-dev-shm-usage").
		Set("disable-crash-reporter").
		Set("noerrdialogs")
	if s.cfg.BrowserPath != "" {
		l = l.Bin(s.cfg.BrowserPath)
	}

	type launched struct {
		url string
		err error
	}
	ch := make(chan launched, 1)
	go func() {
		u, lerr := l.Launch()
		ch <- launched{url: u, err: lerr}
	}()

	var controlURL string
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("%w: launching browser: %v", ErrSpawnFailed, r.err)
		}
		controlURL = r.url
	case <-time.After(s.cfg.BrowserLaunchTimeout):
		l.Kill()
		return nil, fmt.Errorf("%w: browser not up within %s", ErrSpawnFailed, s.cfg.BrowserLaunchTimeout)
	case <-ctx.Done():
		l.Kill()
		return nil, ctx.Err()
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("%w: connecting to browser: %v", ErrSpawnFailed, err)
	}

	return &browserHandle{browser: browser, launcher: l, userDataDir: dataDir}, nil
}

// teardown closes the browser and removes its user-data directory. Runs
// exactly once per instance, after the last reference drains.
func (s *BrowserSupervisor) teardown(h *browserHandle) {
	if err := h.browser.Close(); err != nil {
		s.log.WithError(err).Debug("Closing browser")
	}
	h.launcher.Kill()

	// Only remove directories we created under the temp root.
	if !strings.HasPrefix(h.userDataDir, s.cfg.TempDir) {
		return
	}
	if fi, err := os.Stat(h.userDataDir); err != nil || !fi.IsDir() {
		return
	}
	if err := os.RemoveAll(h.userDataDir); err != nil {
		s.log.WithError(err).Warn("Could not remove browser data directory")
	}
}

// watch drains the browser's CDP event stream; the stream closing means
// the connection is gone. A superseded instance draining its users needs
// no action, since its holder cleanup already ran or will run on the last
// release. A crash of the live instance triggers a restart.
func (s *BrowserSupervisor) watch(ctx context.Context, holder *refHolder[*browserHandle], h *browserHandle) {
	for range h.browser.Event() {
	}

	// A superseded holder draining after a hot swap must not touch the
	// live instance's uptime timer.
	if holder.Marked() {
		return
	}
	s.cancelUptimeReset()

	s.log.Warn("Browser disconnected")
	s.mu.Lock()
	if s.current == holder {
		s.current = nil
	}
	s.mu.Unlock()
	holder.Mark()
	s.health.Set(SubsystemBrowser, false)

	select {
	case <-time.After(s.cfg.RestartDelay):
	case <-ctx.Done():
		return
	case <-s.done:
		return
	}
	if err := s.Start(ctx); err != nil {
		s.log.WithError(err).Error("Browser restart failed")
	}
}

// installPeriodicRestart arms the scheduled-restart ticker once, on the
// first successful start.
func (s *BrowserSupervisor) installPeriodicRestart(ctx context.Context) {
	s.tickerOnce.Do(func() {
		ticker := time.NewTicker(s.cfg.BrowserRestartInterval)
		go func() {
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					s.log.Info("Scheduled browser restart")
					if err := s.Start(ctx); err != nil {
						s.log.WithError(err).Error("Scheduled browser restart failed")
					}
				case <-ctx.Done():
					return
				case <-s.done:
					return
				}
			}
		}()
	})
}

// armUptimeReset schedules the restart-counter reset after continuous
// uptime of the full window.
func (s *BrowserSupervisor) armUptimeReset() {
	window := s.cfg.uptimeResetWindow()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.uptimeTimer != nil {
		s.uptimeTimer.Stop()
	}
	s.uptimeTimer = time.AfterFunc(window, func() {
		s.mu.Lock()
		s.restarts = 0
		s.mu.Unlock()
		s.log.Debug("Restart counter reset after stable uptime")
	})
}

// cancelUptimeReset stops a pending reset so a slowly-failing browser does
// not appear stable.
func (s *BrowserSupervisor) cancelUptimeReset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.uptimeTimer != nil {
		s.uptimeTimer.Stop()
		s.uptimeTimer = nil
	}
}
