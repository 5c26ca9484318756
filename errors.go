package any2pdf

import (
	"errors"
	"net/http"
)

// Sentinel errors for gateway operations. Each maps to exactly one HTTP
// status via StatusForError.
var (
	ErrValidation        = errors.New("invalid request")
	ErrUnsupportedMedia  = errors.New("unsupported media type")
	ErrQueueFull         = errors.New("job queue is full")
	ErrConvertTimeout    = errors.New("conversion timed out")
	ErrConvertFailed     = errors.New("conversion failed")
	ErrNoWorkerAvailable = errors.New("no office worker available")
	ErrUploadTooLarge    = errors.New("upload exceeds maximum file size")

	// Supervisor errors.
	ErrMaxRestartsExceeded = errors.New("restart budget exhausted")
	ErrBrowserUnavailable  = errors.New("browser is not running")
	ErrSpawnFailed         = errors.New("backend failed to start")

	// Service lifecycle errors.
	ErrServiceClosed = errors.New("service is closed")
)

// StatusForError maps an error to the HTTP status the client receives.
// Unknown errors map to 500.
func StatusForError(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrUploadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrUnsupportedMedia):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, ErrQueueFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrConvertTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrConvertFailed),
		errors.Is(err, ErrNoWorkerAvailable),
		errors.Is(err, ErrBrowserUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
