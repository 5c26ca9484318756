package any2pdf

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/alnah/go-any2pdf/internal/process"
)

// convert streams input through a per-request transport process talking to
// this worker's backend and returns the PDF bytes.
//
// Preconditions: the caller won the available flag via CompareAndSwap.
// On the normal and error paths the flag is released here. On the timeout
// path the long-lived backend is killed too (a stuck backend would jam
// every later job routed to this worker) and its exit handler then owns
// the flag.
func (w *officeWorker) convert(ctx context.Context, input []byte) ([]byte, error) {
	backendKilled := false
	defer func() {
		if !backendKilled {
			w.available.Store(true)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, w.cfg.PDFRenderTimeout)
	defer cancel()

	stdout, stderr, err := w.runner.Run(ctx, input, w.cfg.UnoconvertPath,
		"--host", "127.0.0.1",
		"--port", strconv.Itoa(w.port),
		"--convert-to", "pdf",
		"-", "-",
	)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			backendKilled = true
			w.killBackend()
			w.log.Warn("Conversion timed out, backend killed")
			return nil, fmt.Errorf("%w: office conversion exceeded %s",
				ErrConvertTimeout, w.cfg.PDFRenderTimeout)
		}
		return nil, fmt.Errorf("%w: office transport: %v: %s",
			ErrConvertFailed, err, firstLine(stderr))
	}
	return stdout, nil
}

// killBackend force-kills the long-lived backend process. Its exit is
// observed by the supervisor, which cleans up and respawns.
func (w *officeWorker) killBackend() {
	w.mu.Lock()
	cmd := w.cmd
	w.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		process.KillGroup(cmd.Process.Pid)
	}
}
