package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/net/http2"

	"github.com/qforce/netengine/internal/config"
	"github.com/qforce/netengine/internal/events"
)

// HTTPClient implements Transport over net/http.
//
// It performs no retries and applies no per-request timeout of its own;
// the engine owns the retry policy and passes a deadline context per
// operation attempt.
type HTTPClient struct {
	client    *http.Client
	userAgent string
	logger    *events.Logger
}

// NewHTTPClient creates an HTTP transport.
func NewHTTPClient(cfg *config.APIConfig, logger *events.Logger) *HTTPClient {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			NextProtos: []string{"h2", "http/1.1"},
		},
	}

	if cfg.EnablePipelining {
		if err := http2.ConfigureTransport(transport); err != nil {
			logger.WithError(err).Warn("Failed to configure HTTP/2")
		}
	}

	return &HTTPClient{
		client: &http.Client{
			Transport: transport,
		},
		userAgent: cfg.UserAgent,
		logger:    logger.WithField("component", "http_client"),
	}
}

// Do executes one request.
func (c *HTTPClient) Do(ctx context.Context, req *Request) (*Response, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = &progressReader{
			r:     bytes.NewReader(req.Body),
			total: int64(len(req.Body)),
			fn:    req.UploadProgress,
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if len(req.Body) > 0 {
		httpReq.ContentLength = int64(len(req.Body))
	}

	httpReq.Header.Set("User-Agent", c.userAgent)
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	c.logger.WithFields(map[string]interface{}{
		"method": req.Method,
		"url":    req.URL,
		"size":   len(req.Body),
	}).Debug("Sending request")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	total := resp.ContentLength
	if total <= 0 {
		total = req.ExpectedLength
	}

	respBody, err := io.ReadAll(&progressReader{
		r:     resp.Body,
		total: total,
		fn:    req.DownloadProgress,
	})
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	c.logger.WithFields(map[string]interface{}{
		"status": resp.StatusCode,
		"size":   len(respBody),
	}).Debug("Received response")

	return &Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       respBody,
	}, nil
}

// progressReader reports read progress as a fraction of total.
type progressReader struct {
	r     io.Reader
	total int64
	read  int64
	fn    ProgressFunc
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if n > 0 {
		p.read += int64(n)
		if p.fn != nil && p.total > 0 {
			fraction := float64(p.read) / float64(p.total)
			if fraction > 1 {
				fraction = 1
			}
			p.fn(fraction)
		}
	}
	return n, err
}
