package any2pdf

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// multipartMemoryLimit caps the in-memory portion of multipart parsing;
// larger parts spill to disk.
const multipartMemoryLimit = 32 << 20

// Server is the HTTP surface of the gateway: the conversion endpoint and
// the health endpoint.
type Server struct {
	cfg     *Config
	svc     *Service
	limiter *rate.Limiter
	http    *http.Server
	log     *logrus.Entry
}

// NewServer builds the HTTP server around a service. The write timeout
// exceeds the render timeout so slow conversions are not cut off by the
// HTTP layer.
func NewServer(cfg *Config, svc *Service) *Server {
	s := &Server{
		cfg: cfg,
		svc: svc,
		log: logrus.WithField("component", "webserver"),
	}
	if cfg.MaxRequestsPerSecond > 0 {
		burst := int(cfg.MaxRequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.MaxRequestsPerSecond), burst)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthcheck", s.handleHealthcheck)
	mux.HandleFunc("/", s.handleConvert)

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.WebserverPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.PDFRenderTimeout + 5*time.Second,
	}
	return s
}

// ListenAndServe starts serving and marks the webserver healthy. Blocks
// until the server stops.
func (s *Server) ListenAndServe() error {
	s.svc.Health().Set(SubsystemWebserver, true)
	s.log.WithField("port", s.cfg.WebserverPort).Info("Listening")
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.svc.Health().Set(SubsystemWebserver, false)
	return s.http.Shutdown(ctx)
}

// handleHealthcheck serves the aggregated health map: 200 when every
// subsystem is healthy and at least one office worker is up, 503
// otherwise. It keeps answering regardless of subsystem state.
func (s *Server) handleHealthcheck(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodOptions:
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusNoContent)
	case http.MethodGet:
		status := http.StatusOK
		if !s.svc.Health().Healthy() {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{"health": s.svc.Health().Snapshot()})
	default:
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleConvert serves the conversion endpoint.
func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodOptions:
		w.Header().Set("Accept", "multipart/form-data")
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusNoContent)
	case http.MethodPost:
		s.handleUpload(w, r)
	default:
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleUpload parses the multipart request, admits the job, and streams
// the PDF back.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow() {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	input, err := s.parseUpload(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	pdf, err := s.svc.Process(r.Context(), *input)
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(pdf)))
	if _, err := w.Write(pdf); err != nil {
		s.log.WithError(err).Debug("Writing response")
	}
}

// parseUpload extracts the input file, resources, and type hint from the
// multipart form. Body size is capped at MaxFileSize before any parsing.
func (s *Server) parseUpload(w http.ResponseWriter, r *http.Request) (*Input, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxFileSize)

	if err := r.ParseMultipartForm(multipartMemoryLimit); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return nil, fmt.Errorf("%w: body larger than %d bytes", ErrUploadTooLarge, s.cfg.MaxFileSize)
		}
		return nil, fmt.Errorf("%w: malformed multipart form: %v", ErrValidation, err)
	}
	defer func() {
		if err := r.MultipartForm.RemoveAll(); err != nil {
			s.log.WithError(err).Debug("Removing multipart temp files")
		}
	}()

	inputFiles := r.MultipartForm.File["input"]
	if len(inputFiles) == 0 {
		return nil, fmt.Errorf("%w: input file is required", ErrValidation)
	}
	if len(inputFiles) > 1 {
		return nil, fmt.Errorf("%w: exactly one input file allowed", ErrValidation)
	}

	typeValues := r.MultipartForm.Value["type"]
	if len(typeValues) > 1 || len(r.MultipartForm.File["type"]) > 0 {
		return nil, fmt.Errorf("%w: type must be a single string", ErrValidation)
	}

	resourceFiles := r.MultipartForm.File["resources"]
	if len(resourceFiles) > s.cfg.MaxResourceCount {
		return nil, fmt.Errorf("%w: at most %d resources allowed", ErrValidation, s.cfg.MaxResourceCount)
	}

	body, err := readPart(inputFiles[0])
	if err != nil {
		return nil, fmt.Errorf("%w: reading input: %v", ErrValidation, err)
	}

	input := &Input{
		Body:        body,
		Filename:    inputFiles[0].Filename,
		ContentType: inputFiles[0].Header.Get("Content-Type"),
	}
	if len(typeValues) == 1 {
		input.TypeHint = typeValues[0]
	}

	for _, fh := range resourceFiles {
		resBody, err := readPart(fh)
		if err != nil {
			return nil, fmt.Errorf("%w: reading resource %q: %v", ErrValidation, fh.Filename, err)
		}
		input.Resources = append(input.Resources, Resource{
			Name:        fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Body:        resBody,
		})
	}
	return input, nil
}

// writeError maps an error to its HTTP status and logs server-side faults.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := StatusForError(err)
	if status >= http.StatusInternalServerError {
		s.log.WithError(err).Error("Conversion failed")
	} else {
		s.log.WithError(err).Debug("Request rejected")
	}
	http.Error(w, err.Error(), status)
}

// readPart reads one multipart file part fully into memory.
func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return io.ReadAll(f)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
