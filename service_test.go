package any2pdf

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHTMLRenderer struct {
	mu           sync.Mutex
	out          []byte
	err          error
	block        chan struct{}
	gotInput     []byte
	gotResources []Resource
}

func (f *fakeHTMLRenderer) Convert(ctx context.Context, input []byte, resources []Resource) ([]byte, error) {
	f.mu.Lock()
	f.gotInput = input
	f.gotResources = resources
	f.mu.Unlock()
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.out, f.err
}

type fakeOfficeConverter struct {
	out      []byte
	err      error
	gotInput []byte
}

func (f *fakeOfficeConverter) Convert(_ context.Context, input []byte) ([]byte, error) {
	f.gotInput = input
	return f.out, f.err
}

type fakeMarkupConverter struct {
	out    []byte
	err    error
	gotTag string
}

func (f *fakeMarkupConverter) Convert(_ context.Context, _ []byte, formatTag string) ([]byte, error) {
	f.gotTag = formatTag
	return f.out, f.err
}

// Compile-time interface checks.
var (
	_ htmlRenderer    = (*fakeHTMLRenderer)(nil)
	_ officeConverter = (*fakeOfficeConverter)(nil)
	_ markupConverter = (*fakeMarkupConverter)(nil)
)

func testService(t *testing.T, cfg *Config, opts ...ServiceOption) *Service {
	t.Helper()
	if cfg == nil {
		cfg = DefaultConfig()
	}
	svc := NewService(cfg, opts...)
	require.NoError(t, svc.Start(testContext(t)))
	t.Cleanup(svc.Close)
	return svc
}

func TestService_PDFPassthrough(t *testing.T) {
	t.Parallel()

	svc := testService(t, nil,
		WithHTMLRenderer(&fakeHTMLRenderer{}),
		WithOfficeConverter(&fakeOfficeConverter{}),
	)

	pdf := append([]byte("%PDF-1.4\n"), make([]byte, 4087)...)
	out, err := svc.Process(testContext(t), Input{Body: pdf, Filename: "doc.pdf", ContentType: "application/pdf"})
	require.NoError(t, err)
	assert.Equal(t, pdf, out, "PDF input must be returned byte-identical")
}

func TestService_RoutesByEffectiveType(t *testing.T) {
	t.Parallel()

	t.Run("html goes to the browser", func(t *testing.T) {
		t.Parallel()

		html := &fakeHTMLRenderer{out: []byte("%PDF-html")}
		svc := testService(t, nil,
			WithHTMLRenderer(html),
			WithOfficeConverter(&fakeOfficeConverter{}),
		)

		res := []Resource{{Name: "cat.jpg", ContentType: "image/jpeg", Body: []byte{0x89}}}
		out, err := svc.Process(testContext(t), Input{
			Body:        []byte(`<img src="cat.jpg">hi`),
			Filename:    "hello.html",
			ContentType: "text/html",
			Resources:   res,
		})
		require.NoError(t, err)
		assert.Equal(t, []byte("%PDF-html"), out)
		assert.Equal(t, []byte(`<img src="cat.jpg">hi`), html.gotInput)
		assert.Equal(t, res, html.gotResources)
	})

	t.Run("docx goes to the office pool", func(t *testing.T) {
		t.Parallel()

		office := &fakeOfficeConverter{out: []byte("%PDF-office")}
		svc := testService(t, nil,
			WithHTMLRenderer(&fakeHTMLRenderer{}),
			WithOfficeConverter(office),
		)

		out, err := svc.Process(testContext(t), Input{Body: []byte("zip"), Filename: "r.docx"})
		require.NoError(t, err)
		assert.Equal(t, []byte("%PDF-office"), out)
		assert.Equal(t, []byte("zip"), office.gotInput)
	})

	t.Run("markup goes to pandoc with its format tag", func(t *testing.T) {
		t.Parallel()

		cfg := DefaultConfig()
		cfg.PandocPath = "pandoc"
		markup := &fakeMarkupConverter{out: []byte("%PDF-pandoc")}
		svc := testService(t, cfg,
			WithHTMLRenderer(&fakeHTMLRenderer{}),
			WithOfficeConverter(&fakeOfficeConverter{}),
			WithMarkupConverter(markup),
		)

		out, err := svc.Process(testContext(t), Input{Body: []byte("== title"), Filename: "doc.rst"})
		require.NoError(t, err)
		assert.Equal(t, []byte("%PDF-pandoc"), out)
		assert.Equal(t, "rst", markup.gotTag)
	})

	t.Run("markdown without pandoc renders through the browser", func(t *testing.T) {
		t.Parallel()

		html := &fakeHTMLRenderer{out: []byte("%PDF-md")}
		svc := testService(t, nil,
			WithHTMLRenderer(html),
			WithOfficeConverter(&fakeOfficeConverter{}),
		)

		out, err := svc.Process(testContext(t), Input{Body: []byte("# Title"), Filename: "note.md"})
		require.NoError(t, err)
		assert.Equal(t, []byte("%PDF-md"), out)
		assert.Contains(t, string(html.gotInput), "Title</h1>")
	})

	t.Run("non-markdown markup without pandoc is unsupported", func(t *testing.T) {
		t.Parallel()

		svc := testService(t, nil,
			WithHTMLRenderer(&fakeHTMLRenderer{}),
			WithOfficeConverter(&fakeOfficeConverter{}),
		)

		_, err := svc.Process(testContext(t), Input{Body: []byte("x"), Filename: "doc.rst"})
		assert.ErrorIs(t, err, ErrUnsupportedMedia)
	})
}

func TestService_Validation(t *testing.T) {
	t.Parallel()

	newSvc := func(t *testing.T) *Service {
		return testService(t, nil,
			WithHTMLRenderer(&fakeHTMLRenderer{}),
			WithOfficeConverter(&fakeOfficeConverter{}),
		)
	}

	t.Run("empty input", func(t *testing.T) {
		t.Parallel()

		_, err := newSvc(t).Process(testContext(t), Input{Filename: "doc.html"})
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("too many resources", func(t *testing.T) {
		t.Parallel()

		cfg := DefaultConfig()
		cfg.MaxResourceCount = 1
		svc := testService(t, cfg,
			WithHTMLRenderer(&fakeHTMLRenderer{}),
			WithOfficeConverter(&fakeOfficeConverter{}),
		)

		_, err := svc.Process(testContext(t), Input{
			Body:      []byte("<p>hi</p>"),
			Filename:  "x.html",
			Resources: []Resource{{Name: "a"}, {Name: "b"}},
		})
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("undetermined type", func(t *testing.T) {
		t.Parallel()

		_, err := newSvc(t).Process(testContext(t), Input{Body: []byte("?"), Filename: "thing.xyz"})
		assert.ErrorIs(t, err, ErrUnsupportedMedia)
	})

	t.Run("contradictory type hint", func(t *testing.T) {
		t.Parallel()

		_, err := newSvc(t).Process(testContext(t), Input{
			Body:        []byte("# x"),
			Filename:    "note.md",
			ContentType: "text/markdown",
			TypeHint:    "docx",
		})
		assert.ErrorIs(t, err, ErrUnsupportedMedia)
	})

	t.Run("unknown type hint", func(t *testing.T) {
		t.Parallel()

		_, err := newSvc(t).Process(testContext(t), Input{Body: []byte("?"), Filename: "blob", TypeHint: "xyz"})
		assert.ErrorIs(t, err, ErrUnsupportedMedia)
	})
}

func TestService_QueueFullUnderLoad(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.MaxConcurrentJobs = 1
	cfg.MaxQueuedJobs = 1

	block := make(chan struct{})
	html := &fakeHTMLRenderer{out: []byte("%PDF-"), block: block}
	svc := testService(t, cfg,
		WithHTMLRenderer(html),
		WithOfficeConverter(&fakeOfficeConverter{}),
	)

	input := Input{Body: []byte("<p>slow</p>"), Filename: "x.html"}

	type outcome struct{ err error }
	results := make(chan outcome, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := svc.Process(context.Background(), input)
			results <- outcome{err}
		}()
	}

	// Wait until one job runs and one sits in the buffer.
	require.Eventually(t, func() bool {
		return svc.queue.Active() == 1 && svc.queue.Depth() == 1
	}, time.Second, time.Millisecond)

	// The third concurrent upload is rejected immediately.
	start := time.Now()
	_, err := svc.Process(context.Background(), input)
	require.ErrorIs(t, err, ErrQueueFull)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	close(block)
	for i := 0; i < 2; i++ {
		r := <-results
		assert.NoError(t, r.err)
	}
}
