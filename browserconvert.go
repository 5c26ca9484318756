package any2pdf

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"
)

// A4 page dimensions in inches.
const (
	a4WidthInches  = 8.27
	a4HeightInches = 11.69
)

// Convert renders an HTML document to PDF in the supervised browser. The
// document is served from a per-request random origin; uploaded resources
// are the only subresources that resolve, and the page runs offline with
// script execution disabled, so the input can never trigger an outbound
// fetch.
func (s *BrowserSupervisor) Convert(ctx context.Context, input []byte, resources []Resource) ([]byte, error) {
	handle, release, err := s.Acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	// Fresh random host per request; the interceptor treats it as an
	// origin barrier between the document and anything else.
	hostURL := "http://" + uuid.NewString() + "/"

	encName, _ := detectEncoding(input)

	page, err := handle.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("%w: creating page: %v", ErrConvertFailed, err)
	}
	defer func() {
		if cerr := page.Close(); cerr != nil {
			s.log.WithError(cerr).Debug("Closing page")
		}
	}()

	pg := page.Timeout(s.cfg.PDFRenderTimeout)

	router := pg.HijackRequests()
	if err := router.Add("*", "", intercept(hostURL, encName, input, resources)); err != nil {
		return nil, fmt.Errorf("%w: installing request interceptor: %v", ErrConvertFailed, err)
	}
	go router.Run()
	defer func() {
		if serr := router.Stop(); serr != nil {
			s.log.WithError(serr).Debug("Stopping hijack router")
		}
	}()

	// Offline mode turns every non-intercepted request into a failure, so
	// unknown URLs are denied rather than fetched.
	if err := (proto.NetworkEmulateNetworkConditions{
		Offline:            true,
		Latency:            0,
		DownloadThroughput: -1,
		UploadThroughput:   -1,
	}).Call(pg); err != nil {
		return nil, fmt.Errorf("%w: enabling offline mode: %v", ErrConvertFailed, err)
	}
	if err := (proto.EmulationSetScriptExecutionDisabled{Value: true}).Call(pg); err != nil {
		return nil, fmt.Errorf("%w: disabling scripts: %v", ErrConvertFailed, err)
	}
	if err := (proto.NetworkSetCacheDisabled{CacheDisabled: true}).Call(pg); err != nil {
		return nil, fmt.Errorf("%w: disabling cache: %v", ErrConvertFailed, err)
	}

	if err := pg.Navigate(hostURL); err != nil {
		return nil, mapBrowserError("navigating", err)
	}
	if err := pg.WaitLoad(); err != nil {
		return nil, mapBrowserError("waiting for load", err)
	}

	reader, err := pg.PDF(&proto.PagePrintToPDF{
		PaperWidth:      floatPtr(a4WidthInches),
		PaperHeight:     floatPtr(a4HeightInches),
		PrintBackground: true,
	})
	if err != nil {
		return nil, mapBrowserError("rendering PDF", err)
	}
	pdf, err := io.ReadAll(reader)
	if err != nil {
		return nil, mapBrowserError("reading PDF stream", err)
	}
	return pdf, nil
}

// intercept builds the per-request interception handler. Rules, in order:
// the host URL is answered with the document itself; requests whose
// initiator is not the host are aborted; uploaded resources are matched by
// name against the request path; everything else continues, which offline
// mode then denies.
func intercept(hostURL, encName string, input []byte, resources []Resource) func(*rod.Hijack) {
	return func(h *rod.Hijack) {
		reqURL := h.Request.URL()

		if reqURL.String() == hostURL {
			h.Response.SetHeader(
				"Content-Type", "text/html;charset="+encName,
				"Access-Control-Allow-Origin", hostURL,
			)
			h.Response.Payload().ResponseCode = 200
			h.Response.SetBody(input)
			return
		}

		// Subresource requests initiated by the document carry the host
		// as their referrer; anything else is a cross-origin initiator.
		if !strings.HasPrefix(h.Request.Header("Referer"), hostURL) {
			h.Response.Fail(proto.NetworkErrorReasonAborted)
			return
		}

		name := strings.TrimPrefix(reqURL.Path, "/")
		for _, r := range resources {
			if r.Name == name {
				h.Response.SetHeader(
					"Content-Type", r.ContentType,
					"Access-Control-Allow-Origin", hostURL,
				)
				h.Response.Payload().ResponseCode = 200
				h.Response.SetBody(r.Body)
				return
			}
		}

		h.ContinueRequest(&proto.FetchContinueRequest{})
	}
}

// mapBrowserError wraps rod failures with the gateway's error kinds.
func mapBrowserError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: browser %s", ErrConvertTimeout, op)
	}
	return fmt.Errorf("%w: %s: %v", ErrConvertFailed, op, err)
}

// floatPtr returns a pointer to a float64 value for proto option fields.
func floatPtr(v float64) *float64 {
	return &v
}
