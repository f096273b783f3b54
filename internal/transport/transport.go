package transport

import (
	"context"
	"net/http"
)

// ProgressFunc receives a completion fraction in [0, 1].
type ProgressFunc func(fraction float64)

// Request describes one HTTP exchange. Abort is cooperative through the
// context passed to Do.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte

	// ExpectedLength overrides Content-Length for download progress when
	// the server does not report it.
	ExpectedLength int64

	// Progress callbacks, both optional.
	UploadProgress   ProgressFunc
	DownloadProgress ProgressFunc
}

// Response is a completed HTTP exchange.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Transport issues a single request/response exchange. Implementations
// must be safe for concurrent use; the engine runs one Do call per
// executing operation.
type Transport interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}
