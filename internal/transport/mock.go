package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// MockTransport provides a scripted implementation for testing.
type MockTransport struct {
	mu sync.Mutex

	// Scripted results keyed by "METHOD url". Results queue in FIFO
	// order; the last result is sticky once the queue is drained.
	results map[string][]*mockResult

	// Delay applied to every call unless the result carries its own.
	Delay time.Duration

	// Request tracking
	calls []*Request

	// Concurrency tracking
	inFlight    int
	maxInFlight int
}

type mockResult struct {
	resp  *Response
	err   error
	delay time.Duration
}

// NewMockTransport creates a mock transport.
func NewMockTransport() *MockTransport {
	return &MockTransport{
		results: make(map[string][]*mockResult),
	}
}

func mockKey(method, url string) string {
	return method + " " + url
}

// Stub queues a response for a method+URL pair.
func (m *MockTransport) Stub(method, url string, resp *Response) {
	m.stub(method, url, &mockResult{resp: resp})
}

// StubError queues an error for a method+URL pair.
func (m *MockTransport) StubError(method, url string, err error) {
	m.stub(method, url, &mockResult{err: err})
}

// StubDelayed queues a response that takes delay to arrive.
func (m *MockTransport) StubDelayed(method, url string, resp *Response, delay time.Duration) {
	m.stub(method, url, &mockResult{resp: resp, delay: delay})
}

func (m *MockTransport) stub(method, url string, r *mockResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := mockKey(method, url)
	m.results[key] = append(m.results[key], r)
}

// JSONResponse builds a 200 response with a JSON body.
func JSONResponse(body string) *Response {
	return &Response{
		StatusCode: http.StatusOK,
		Headers:    http.Header{"Content-Type": []string{"application/json"}},
		Body:       []byte(body),
	}
}

// StatusResponse builds a response with the given status and body.
func StatusResponse(status int, body string) *Response {
	return &Response{
		StatusCode: status,
		Headers:    http.Header{},
		Body:       []byte(body),
	}
}

// Do returns the next scripted result for the request.
func (m *MockTransport) Do(ctx context.Context, req *Request) (*Response, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.inFlight++
	if m.inFlight > m.maxInFlight {
		m.maxInFlight = m.inFlight
	}

	key := mockKey(req.Method, req.URL)
	queue := m.results[key]
	var result *mockResult
	switch len(queue) {
	case 0:
		// No stub configured
	case 1:
		result = queue[0]
	default:
		result = queue[0]
		m.results[key] = queue[1:]
	}
	delay := m.Delay
	if result != nil && result.delay > 0 {
		delay = result.delay
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	// Honor an already-cancelled context even without delay.
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if result == nil {
		return nil, fmt.Errorf("no mock response for %s", key)
	}
	if result.err != nil {
		return nil, result.err
	}

	if result.resp.Body != nil && req.DownloadProgress != nil {
		req.DownloadProgress(1)
	}

	return result.resp, nil
}

// Calls returns all recorded requests.
func (m *MockTransport) Calls() []*Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Request, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times a method+URL pair was requested.
func (m *MockTransport) CallCount(method, url string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, req := range m.calls {
		if req.Method == method && req.URL == url {
			count++
		}
	}
	return count
}

// MaxInFlight returns the peak number of concurrent Do calls observed.
func (m *MockTransport) MaxInFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxInFlight
}
