package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/qforce/netengine/internal/transport"
)

// State is an operation's lifecycle position.
type State int

const (
	StatePending State = iota
	StateExecuting
	StateCompleted
	StateFailed
	StateCancelled
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateExecuting:
		return "executing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	case StateTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Terminal reports whether no transition leaves this state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled || s == StateTimedOut
}

// CachePolicy controls how a GET operation interacts with the response
// cache.
type CachePolicy int

const (
	// CacheIgnore always hits the network. Default.
	CacheIgnore CachePolicy = iota

	// CacheElseLoad serves a fresh cached response, hitting the network
	// only on a miss.
	CacheElseLoad

	// CacheOnly never hits the network; a miss fails the operation.
	CacheOnly
)

// Callback signatures.
type (
	CompletionFunc func(op *Operation)
	ErrorFunc      func(err error)
	CancelFunc     func(op *Operation)
	ProgressFunc   func(fraction float64)

	// EncoderFunc turns the parameter map into a custom request body.
	EncoderFunc func(params map[string]string) string
)

// Operation is one unit of remote work managed by the Engine. Build it
// with Engine.Operation (or a method convenience wrapper), configure it,
// then hand it to Engine.Enqueue. After enqueueing, configuration fields
// must not be modified.
type Operation struct {
	// ID is a unique identifier for logging. The dedup identity is the
	// fingerprint, not the ID.
	ID string

	Method string
	URL    string
	Params map[string]string
	UseSSL bool

	// Tag groups operations for bulk queries and cancellation. Not unique.
	Tag string

	Timeout              time.Duration
	RetryOnNetworkError  bool
	MaxRetries           int // 0 = unlimited
	RequiresAccessToken  bool
	EncryptDownload      bool
	DownloadPath         string
	ExpectedDownloadSize int64
	LocalTestDataPath    string
	CachePolicy          CachePolicy

	customHeaders map[string]string
	encoder       EncoderFunc
	encoderType   string

	// Engine-owned runtime state. Guarded by mu; the engine is the only
	// writer for state transitions.
	mu          sync.Mutex
	state       State
	retryCount  int
	err         error
	response    *transport.Response
	fingerprint string
	abort       context.CancelFunc
	discard     bool

	completionFns []CompletionFunc
	errorFns      []ErrorFunc
	cancelFns     []CancelFunc
	uploadFns     []ProgressFunc
	downloadFns   []ProgressFunc
}

// SetHeader sets a header for this operation, overriding engine-level and
// built-in headers. An empty value removes the key.
func (op *Operation) SetHeader(key, value string) {
	if op.customHeaders == nil {
		op.customHeaders = make(map[string]string)
	}
	if value == "" {
		delete(op.customHeaders, key)
		return
	}
	op.customHeaders[key] = value
}

// SetCustomBodyEncoder replaces form encoding of parameters for POST-class
// methods with a caller-supplied encoding, sent with the given content type.
func (op *Operation) SetCustomBodyEncoder(encoder EncoderFunc, contentType string) {
	op.encoder = encoder
	op.encoderType = contentType
}

// AddCompletion registers a completion and an error handler. Exactly one
// of the two fires per terminal event; both may be nil.
func (op *Operation) AddCompletion(completion CompletionFunc, errFn ErrorFunc) {
	op.mu.Lock()
	defer op.mu.Unlock()
	if completion != nil {
		op.completionFns = append(op.completionFns, completion)
	}
	if errFn != nil {
		op.errorFns = append(op.errorFns, errFn)
	}
}

// AddCancelFunc registers a handler invoked if the operation is cancelled.
func (op *Operation) AddCancelFunc(fn CancelFunc) {
	op.mu.Lock()
	defer op.mu.Unlock()
	op.cancelFns = append(op.cancelFns, fn)
}

// AddUploadProgress registers an upload progress handler.
func (op *Operation) AddUploadProgress(fn ProgressFunc) {
	op.mu.Lock()
	defer op.mu.Unlock()
	op.uploadFns = append(op.uploadFns, fn)
}

// AddDownloadProgress registers a download progress handler.
func (op *Operation) AddDownloadProgress(fn ProgressFunc) {
	op.mu.Lock()
	defer op.mu.Unlock()
	op.downloadFns = append(op.downloadFns, fn)
}

// State returns the current lifecycle state.
func (op *Operation) State() State {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.state
}

// Err returns the terminal error, if any.
func (op *Operation) Err() error {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.err
}

// RetryCount returns how many automatic re-admissions have happened.
func (op *Operation) RetryCount() int {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.retryCount
}

// StatusCode returns the response status, or 0 before a response exists.
func (op *Operation) StatusCode() int {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.response == nil {
		return 0
	}
	return op.response.StatusCode
}

// ResponseHeaders returns the response headers, or nil while in flight.
func (op *Operation) ResponseHeaders() http.Header {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.response == nil {
		return nil
	}
	return op.response.Headers
}

// ResponseData returns the raw response body, or nil while in flight.
func (op *Operation) ResponseData() []byte {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.response == nil {
		return nil
	}
	return op.response.Body
}

// ResponseString returns the response body as text.
func (op *Operation) ResponseString() string {
	return string(op.ResponseData())
}

// ResponseJSON returns the parsed response body, or nil if the operation
// is still in flight or the body is not valid JSON.
func (op *Operation) ResponseJSON() interface{} {
	data := op.ResponseData()
	if len(data) == 0 {
		return nil
	}
	var parsed interface{}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil
	}
	return parsed
}

// Fingerprint returns the canonical dedup key for this operation.
func (op *Operation) Fingerprint() string {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.fingerprint == "" {
		op.fingerprint = computeFingerprint(op.Method, op.URL, op.Params)
	}
	return op.fingerprint
}

// absorb appends the callbacks registered on dup onto op, preserving
// registration order. Used when dedup collapses an enqueue onto an
// existing in-flight operation.
func (op *Operation) absorb(dup *Operation) {
	op.mu.Lock()
	defer op.mu.Unlock()
	op.completionFns = append(op.completionFns, dup.completionFns...)
	op.errorFns = append(op.errorFns, dup.errorFns...)
	op.cancelFns = append(op.cancelFns, dup.cancelFns...)
	op.uploadFns = append(op.uploadFns, dup.uploadFns...)
	op.downloadFns = append(op.downloadFns, dup.downloadFns...)
}

// snapshotCompletion returns the completion callbacks in order.
func (op *Operation) snapshotCompletion() []CompletionFunc {
	op.mu.Lock()
	defer op.mu.Unlock()
	return append([]CompletionFunc(nil), op.completionFns...)
}

func (op *Operation) snapshotErrors() []ErrorFunc {
	op.mu.Lock()
	defer op.mu.Unlock()
	return append([]ErrorFunc(nil), op.errorFns...)
}

func (op *Operation) snapshotCancels() []CancelFunc {
	op.mu.Lock()
	defer op.mu.Unlock()
	return append([]CancelFunc(nil), op.cancelFns...)
}

// reportUpload fans an upload progress fraction out to all handlers.
func (op *Operation) reportUpload(fraction float64) {
	op.mu.Lock()
	fns := append([]ProgressFunc(nil), op.uploadFns...)
	op.mu.Unlock()
	for _, fn := range fns {
		fn(fraction)
	}
}

func (op *Operation) reportDownload(fraction float64) {
	op.mu.Lock()
	fns := append([]ProgressFunc(nil), op.downloadFns...)
	op.mu.Unlock()
	for _, fn := range fns {
		fn(fraction)
	}
}

// computeFingerprint derives the canonical dedup key from method, URL and
// parameters. Equivalent requests produce equal fingerprints regardless of
// parameter order or query-string ordering in the URL.
func computeFingerprint(method, rawURL string, params map[string]string) string {
	var sb strings.Builder
	sb.WriteString(strings.ToUpper(method))
	sb.WriteByte('|')
	sb.WriteString(canonicalURL(rawURL))
	sb.WriteByte('|')

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(params[k])
		sb.WriteByte('&')
	}

	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

// canonicalURL lower-cases scheme and host and sorts any embedded query.
func canonicalURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if u.RawQuery != "" {
		q := u.Query()
		u.RawQuery = q.Encode() // Encode sorts by key
	}
	return u.String()
}

func newOperationID() string {
	return uuid.NewString()
}
