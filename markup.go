package any2pdf

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/alnah/go-any2pdf/internal/process"
)

// commandRunner abstracts one-shot external process execution to enable
// testing without real subprocesses. The process reads stdin and writes
// its result to stdout; on context expiry its whole group is killed.
type commandRunner interface {
	Run(ctx context.Context, stdin []byte, name string, args ...string) (stdout, stderr []byte, err error)
}

// execRunner implements commandRunner using os/exec.
type execRunner struct{}

// Compile-time interface check.
var _ commandRunner = (*execRunner)(nil)

func (execRunner) Run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.Command(name, args...)
	process.SetGroup(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("starting %s: %w", name, err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		process.KillGroup(cmd.Process.Pid)
		<-done
		return stdout.Bytes(), stderr.Bytes(), ctx.Err()
	case err := <-done:
		return stdout.Bytes(), stderr.Bytes(), err
	}
}

// PandocConverter converts markup documents to PDF by launching one Pandoc
// process per job.
type PandocConverter struct {
	cfg    *Config
	runner commandRunner
	log    *logrus.Entry
}

// NewPandocConverter creates a converter using the configured Pandoc binary.
func NewPandocConverter(cfg *Config) *PandocConverter {
	return &PandocConverter{
		cfg:    cfg,
		runner: execRunner{},
		log:    logrus.WithField("component", "pandoc"),
	}
}

// Convert runs Pandoc on input with the given source-format tag and returns
// the PDF bytes. Text input not in UTF-8 is transcoded first; binary
// container formats (epub, ipynb) pass through untouched.
func (p *PandocConverter) Convert(ctx context.Context, input []byte, formatTag string) ([]byte, error) {
	if !binaryMarkupFormat(formatTag) {
		utf8Input, err := toUTF8(input)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConvertFailed, err)
		}
		input = utf8Input
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.PDFRenderTimeout)
	defer cancel()

	args := p.buildArgs(formatTag)
	stdout, stderr, err := p.runner.Run(ctx, input, p.cfg.PandocPath, args...)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			p.log.WithField("format", formatTag).Warn("Pandoc conversion timed out")
			return nil, fmt.Errorf("%w: pandoc exceeded %s", ErrConvertTimeout, p.cfg.PDFRenderTimeout)
		}
		return nil, fmt.Errorf("%w: pandoc: %v: %s", ErrConvertFailed, err, firstLine(stderr))
	}
	return stdout, nil
}

// buildArgs assembles the Pandoc invocation for one job.
func (p *PandocConverter) buildArgs(formatTag string) []string {
	return []string{
		"--from=" + formatTag,
		"--pdf-engine=" + p.cfg.PandocPDFEngine,
		"--standalone",
		"--output=-",
	}
}

// binaryMarkupFormat reports whether a tag names a binary container whose
// bytes must not be transcoded.
func binaryMarkupFormat(tag string) bool {
	return tag == TagEpub || tag == TagIpynb
}

// firstLine trims diagnostic output to its first non-empty line for error
// messages; the remaining lines are not reported.
func firstLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
