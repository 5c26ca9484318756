package any2pdf

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOfficeWorker(t *testing.T, cfg *Config, port int) *officeWorker {
	t.Helper()
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.TempDir = t.TempDir()
	return newOfficeWorker(cfg, NewHealthRegistry(false), port, make(chan struct{}))
}

func TestOfficeWorker_Paths(t *testing.T) {
	t.Parallel()

	w := testOfficeWorker(t, nil, 2003)

	assert.Equal(t, filepath.Join(w.cfg.TempDir, "office-2003.pid"), w.pidFile)
	assert.True(t, len(filepath.Base(w.profileDir)) > len("office-2003-"))
	assert.Contains(t, w.profileDir, "office-2003-")
}

func TestOfficeWorker_Convert(t *testing.T) {
	t.Parallel()

	t.Run("streams input and returns stdout", func(t *testing.T) {
		t.Parallel()

		w := testOfficeWorker(t, nil, 2005)
		runner := &fakeRunner{stdout: []byte("%PDF-1.7 office")}
		w.runner = runner

		out, err := w.convert(testContext(t), []byte("docx bytes"))
		require.NoError(t, err)
		assert.Equal(t, []byte("%PDF-1.7 office"), out)
		assert.Equal(t, []byte("docx bytes"), runner.gotStdin)
		assert.Equal(t, []string{
			"--host", "127.0.0.1",
			"--port", "2005",
			"--convert-to", "pdf",
			"-", "-",
		}, runner.gotArgs)
		assert.True(t, w.available.Load(), "flag must be released after success")
	})

	t.Run("non-zero exit maps to convert failure", func(t *testing.T) {
		t.Parallel()

		w := testOfficeWorker(t, nil, 2003)
		w.runner = &fakeRunner{stderr: []byte("soffice: cannot render"), err: assert.AnError}

		_, err := w.convert(testContext(t), []byte("x"))
		require.ErrorIs(t, err, ErrConvertFailed)
		assert.Contains(t, err.Error(), "soffice: cannot render")
		assert.True(t, w.available.Load(), "flag must be released after failure")
	})

	t.Run("deadline maps to timeout and keeps the worker unavailable", func(t *testing.T) {
		t.Parallel()

		cfg := DefaultConfig()
		cfg.PDFRenderTimeout = 10 * time.Millisecond
		w := testOfficeWorker(t, cfg, 2003)
		w.runner = &fakeRunner{block: time.Second}

		_, err := w.convert(testContext(t), []byte("x"))
		require.ErrorIs(t, err, ErrConvertTimeout)
		// The backend was killed; its exit handler owns the flag now.
		assert.False(t, w.available.Load())
	})
}

func TestOfficePool_Convert(t *testing.T) {
	t.Parallel()

	newPool := func(t *testing.T, n int) *OfficePool {
		cfg := DefaultConfig()
		cfg.MaxConcurrentJobs = n
		cfg.TempDir = t.TempDir()
		return NewOfficePool(cfg, NewHealthRegistry(false))
	}

	t.Run("no worker available fails fast", func(t *testing.T) {
		t.Parallel()

		p := newPool(t, 2)
		_, err := p.Convert(testContext(t), []byte("x"))
		assert.ErrorIs(t, err, ErrNoWorkerAvailable)
	})

	t.Run("dispatches to first available worker in port order", func(t *testing.T) {
		t.Parallel()

		p := newPool(t, 3)
		second := &fakeRunner{stdout: []byte("from-2004")}
		p.workers[1].runner = second
		p.workers[1].available.Store(true)
		p.workers[2].runner = &fakeRunner{stdout: []byte("from-2005")}
		p.workers[2].available.Store(true)

		out, err := p.Convert(testContext(t), []byte("x"))
		require.NoError(t, err)
		assert.Equal(t, []byte("from-2004"), out)
	})

	t.Run("workers have consecutive ports", func(t *testing.T) {
		t.Parallel()

		p := newPool(t, 3)
		require.Len(t, p.workers, 3)
		base := p.workers[0].port
		assert.Equal(t, []int{base, base + 1, base + 2},
			[]int{p.workers[0].port, p.workers[1].port, p.workers[2].port})
	})
}

func TestOfficeWorker_AwaitReadiness(t *testing.T) {
	t.Parallel()

	t.Run("pre-existing artifacts count as observed", func(t *testing.T) {
		t.Parallel()

		w := testOfficeWorker(t, nil, 2003)
		require.NoError(t, os.WriteFile(w.pidFile, []byte("123\n"), 0o600))
		require.NoError(t, os.MkdirAll(w.profileDir, 0o750))

		watcher, err := fsnotify.NewWatcher()
		require.NoError(t, err)
		defer func() { _ = watcher.Close() }()
		require.NoError(t, watcher.Add(w.cfg.TempDir))

		assert.NoError(t, w.awaitReadiness(testContext(t), watcher))
	})

	t.Run("artifacts appearing after launch are observed", func(t *testing.T) {
		t.Parallel()

		w := testOfficeWorker(t, nil, 2003)

		watcher, err := fsnotify.NewWatcher()
		require.NoError(t, err)
		defer func() { _ = watcher.Close() }()
		require.NoError(t, watcher.Add(w.cfg.TempDir))

		go func() {
			time.Sleep(20 * time.Millisecond)
			_ = os.WriteFile(w.pidFile, []byte("123\n"), 0o600)
			_ = os.MkdirAll(w.profileDir, 0o750)
		}()

		assert.NoError(t, w.awaitReadiness(testContext(t), watcher))
	})

	t.Run("times out when nothing appears", func(t *testing.T) {
		t.Parallel()

		cfg := DefaultConfig()
		cfg.OfficeLaunchTimeout = 50 * time.Millisecond
		w := testOfficeWorker(t, cfg, 2003)

		watcher, err := fsnotify.NewWatcher()
		require.NoError(t, err)
		defer func() { _ = watcher.Close() }()
		require.NoError(t, watcher.Add(w.cfg.TempDir))

		assert.ErrorIs(t, w.awaitReadiness(testContext(t), watcher), ErrSpawnFailed)
	})
}

func TestOfficeWorker_ReadBackendPID(t *testing.T) {
	t.Parallel()

	w := testOfficeWorker(t, nil, 2003)

	t.Run("missing file", func(t *testing.T) {
		_, err := w.readBackendPID()
		assert.Error(t, err)
	})

	t.Run("parses trimmed pid", func(t *testing.T) {
		require.NoError(t, os.WriteFile(w.pidFile, []byte(" 4242 \n"), 0o600))
		pid, err := w.readBackendPID()
		require.NoError(t, err)
		assert.Equal(t, 4242, pid)
	})
}

func TestOfficeWorker_CleanupArtifacts(t *testing.T) {
	t.Parallel()

	w := testOfficeWorker(t, nil, 2003)
	require.NoError(t, os.WriteFile(w.pidFile, []byte("1\n"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(w.profileDir, "user"), 0o750))

	w.cleanupArtifacts()

	_, err := os.Stat(w.pidFile)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(w.profileDir)
	assert.True(t, os.IsNotExist(err))
}

func TestOfficeWorker_UptimeReset(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.RestartDelay = 5 * time.Millisecond
	cfg.MaxRestarts = 2
	w := testOfficeWorker(t, cfg, 2003)

	w.mu.Lock()
	w.restarts = 2
	w.mu.Unlock()

	// Window is 5ms x 2 x 2 = 20ms of continuous uptime.
	w.armUptimeReset()
	require.Eventually(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.restarts == 0
	}, time.Second, time.Millisecond)
}

func TestOfficeWorker_UptimeResetCancelled(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.RestartDelay = 10 * time.Millisecond
	cfg.MaxRestarts = 1
	w := testOfficeWorker(t, cfg, 2003)

	w.mu.Lock()
	w.restarts = 1
	w.mu.Unlock()

	w.armUptimeReset()
	w.cancelUptimeReset()

	time.Sleep(50 * time.Millisecond)
	w.mu.Lock()
	defer w.mu.Unlock()
	assert.Equal(t, 1, w.restarts, "a cancelled reset must not fire")
}

// Ensures convert never runs while another conversion holds the worker.
func TestOfficePool_AvailabilityIsExclusive(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.MaxConcurrentJobs = 1
	cfg.TempDir = t.TempDir()
	p := NewOfficePool(cfg, NewHealthRegistry(false))

	block := make(chan struct{})
	p.workers[0].runner = &fakeRunner{stdout: []byte("ok"), block: time.Second}
	p.workers[0].available.Store(true)

	started := make(chan struct{})
	go func() {
		close(started)
		_, _ = p.Convert(context.Background(), []byte("slow"))
		close(block)
	}()
	<-started

	require.Eventually(t, func() bool { return !p.workers[0].available.Load() }, time.Second, time.Millisecond)
	_, err := p.Convert(context.Background(), []byte("second"))
	assert.ErrorIs(t, err, ErrNoWorkerAvailable)
	<-block
}
