package any2pdf

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Converter backends as seen by the dispatcher. The production
// implementations live in this package; tests substitute fakes.
type (
	htmlRenderer interface {
		Convert(ctx context.Context, input []byte, resources []Resource) ([]byte, error)
	}
	officeConverter interface {
		Convert(ctx context.Context, input []byte) ([]byte, error)
	}
	markupConverter interface {
		Convert(ctx context.Context, input []byte, formatTag string) ([]byte, error)
	}
)

// Compile-time interface checks.
var (
	_ htmlRenderer    = (*BrowserSupervisor)(nil)
	_ officeConverter = (*OfficePool)(nil)
	_ markupConverter = (*PandocConverter)(nil)
)

// Service is the converter orchestration layer: the supervised office
// worker pool, the hot-swapped headless browser, the bounded job queue,
// and the per-request dispatch that selects a backend by media type.
type Service struct {
	cfg      *Config
	health   *HealthRegistry
	queue    *JobQueue
	browser  htmlRenderer
	office   officeConverter
	pandoc   markupConverter
	markdown *goldmarkConverter
	log      *logrus.Entry

	browserSup *BrowserSupervisor
	officePool *OfficePool

	startOnce sync.Once
	closeOnce sync.Once
}

// ServiceOption customizes a Service, mainly for tests.
type ServiceOption func(*Service)

// WithHTMLRenderer replaces the browser backend.
func WithHTMLRenderer(r htmlRenderer) ServiceOption {
	return func(s *Service) { s.browser = r }
}

// WithOfficeConverter replaces the office worker pool backend.
func WithOfficeConverter(o officeConverter) ServiceOption {
	return func(s *Service) { s.office = o }
}

// WithMarkupConverter replaces the Pandoc backend.
func WithMarkupConverter(m markupConverter) ServiceOption {
	return func(s *Service) { s.pandoc = m }
}

// NewService wires the supervisors, queue, and dispatcher from config.
func NewService(cfg *Config, opts ...ServiceOption) *Service {
	s := &Service{
		cfg:      cfg,
		health:   NewHealthRegistry(cfg.PandocEnabled()),
		markdown: newGoldmarkConverter(),
		log:      logrus.WithField("component", "service"),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.browser == nil {
		s.browserSup = NewBrowserSupervisor(cfg, s.health)
		s.browser = s.browserSup
	}
	if s.office == nil {
		s.officePool = NewOfficePool(cfg, s.health)
		s.office = s.officePool
	}
	if s.pandoc == nil && cfg.PandocEnabled() {
		s.pandoc = NewPandocConverter(cfg)
	}

	s.queue = NewJobQueue(cfg.MaxConcurrentJobs, cfg.MaxQueuedJobs, s.dispatch)
	return s
}

// Health exposes the subsystem health registry.
func (s *Service) Health() *HealthRegistry {
	return s.health
}

// Start brings up the queue and the backend supervisors. Supervisor
// failures are isolated: a browser that never comes up leaves its health
// entry unhealthy without affecting the office pool, and vice versa.
func (s *Service) Start(ctx context.Context) error {
	s.startOnce.Do(func() {
		s.queue.Start(ctx)
		s.health.Set(SubsystemJobQueue, true)

		if s.officePool != nil {
			s.officePool.Start(ctx)
		}
		if s.browserSup != nil {
			go func() {
				if err := s.browserSup.Start(ctx); err != nil {
					s.log.WithError(err).Error("Browser supervisor stopped")
				}
			}()
		}
		if s.pandoc != nil {
			// Pandoc runs one process per job; configuring it is all the
			// readiness it has.
			s.health.Set(SubsystemPandoc, true)
		}
	})
	return nil
}

// Close tears down the queue and supervisors. In-flight jobs finish first.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		s.queue.Close()
		if s.browserSup != nil {
			s.browserSup.Close()
		}
		if s.officePool != nil {
			s.officePool.Close()
		}
	})
}

// Process validates, admits, and executes one conversion request, blocking
// until its single result is available. Validation failures never occupy a
// queue slot.
func (s *Service) Process(ctx context.Context, input Input) ([]byte, error) {
	if err := s.validate(&input); err != nil {
		return nil, err
	}

	result, err := s.queue.Submit(input)
	if err != nil {
		return nil, err
	}

	select {
	case r := <-result:
		return r.pdf, r.err
	case <-ctx.Done():
		// The job still runs to completion; its buffered result channel
		// is simply never read.
		return nil, ctx.Err()
	}
}

// validate checks shape limits and resolves the effective type before
// admission.
func (s *Service) validate(input *Input) error {
	if len(input.Body) == 0 {
		return fmt.Errorf("%w: input file is required", ErrValidation)
	}
	if len(input.Resources) > s.cfg.MaxResourceCount {
		return fmt.Errorf("%w: at most %d resources allowed", ErrValidation, s.cfg.MaxResourceCount)
	}

	tag, err := resolveEffectiveType(*input)
	if err != nil {
		return err
	}
	if classify(tag) == backendUnknown {
		return fmt.Errorf("%w: no converter for type %q", ErrUnsupportedMedia, tag)
	}
	if classify(tag) == backendMarkup && s.pandoc == nil && tag != TagMarkdown {
		return fmt.Errorf("%w: type %q requires the pandoc backend", ErrUnsupportedMedia, tag)
	}
	input.effectiveType = tag
	return nil
}

// dispatch routes an admitted job to its backend. Runs on queue workers.
func (s *Service) dispatch(ctx context.Context, input Input) ([]byte, error) {
	switch classify(input.effectiveType) {
	case backendPassthrough:
		// PDF input is returned verbatim.
		return input.Body, nil

	case backendBrowser:
		return s.browser.Convert(ctx, input.Body, input.Resources)

	case backendOffice:
		return s.office.Convert(ctx, input.Body)

	case backendMarkup:
		if s.pandoc != nil {
			return s.pandoc.Convert(ctx, input.Body, markupTags[input.effectiveType])
		}
		// Without Pandoc, markdown renders through goldmark + browser.
		html, err := s.markdown.ToHTML(ctx, input.Body)
		if err != nil {
			return nil, err
		}
		return s.browser.Convert(ctx, html, nil)

	default:
		return nil, fmt.Errorf("%w: no converter for type %q", ErrUnsupportedMedia, input.effectiveType)
	}
}
