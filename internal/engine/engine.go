package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/qforce/netengine/internal/cache"
	"github.com/qforce/netengine/internal/config"
	"github.com/qforce/netengine/internal/crypto"
	"github.com/qforce/netengine/internal/events"
	"github.com/qforce/netengine/internal/models"
	"github.com/qforce/netengine/internal/reachability"
	"github.com/qforce/netengine/internal/transport"
)

// Engine owns the operation queue: admission, deduplication, concurrency
// gating, retry, suspension, and the token-wait queue. All queue state is
// mutated under a single mutex; transport I/O runs on per-operation
// goroutines.
type Engine struct {
	cfg       config.EngineConfig
	transport transport.Transport
	cache     cache.Store
	encryptor crypto.Encryptor
	logger    *events.Logger
	notifier  *events.Notifier
	monitor   *reachability.Monitor

	mu              sync.Mutex
	session         *models.Session
	remoteHost      string
	customHeaders   map[string]string
	pending         []*Operation
	running         map[string]*Operation
	index           map[string]*Operation // fingerprint -> non-terminal op
	waitingForToken []*Operation
	suspended       bool
	refreshPending  bool
	status          models.Reachability
	refreshFn       func()
}

// New creates an engine. The cache and encryptor may be nil, disabling
// response caching and download encryption respectively.
func New(
	cfg config.EngineConfig,
	tr transport.Transport,
	store cache.Store,
	encryptor crypto.Encryptor,
	source reachability.Source,
	logger *events.Logger,
) *Engine {
	e := &Engine{
		cfg:           cfg,
		transport:     tr,
		cache:         store,
		encryptor:     encryptor,
		logger:        logger.WithField("component", "engine"),
		notifier:      events.NewNotifier(logger),
		remoteHost:    cfg.RemoteHost,
		customHeaders: make(map[string]string),
		running:       make(map[string]*Operation),
		index:         make(map[string]*Operation),
	}

	e.monitor = reachability.NewMonitor(source, cfg.ReachabilityInterval, logger)
	e.monitor.OnChange(e.onReachabilityChange)
	e.status = e.monitor.Current()

	return e
}

// Start begins reachability polling.
func (e *Engine) Start() {
	e.monitor.Start()
}

// Shutdown stops polling, clears all queue state without callbacks, and
// closes the event stream.
func (e *Engine) Shutdown() {
	e.monitor.Stop()
	e.Cleanup()
	e.notifier.Close()
}

// Events returns a subscription to engine notifications.
func (e *Engine) Events() <-chan events.Event {
	return e.notifier.Subscribe()
}

// SetSession replaces the session wholesale. The session-refresh
// collaborator calls this when a new access token is available.
func (e *Engine) SetSession(session *models.Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if session == nil {
		e.session = nil
		return
	}
	e.session = session.Clone()
}

// Session returns a snapshot of the current session.
func (e *Engine) Session() *models.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil
	}
	return e.session.Clone()
}

// SetRefreshFunc registers the session-refresh delegate. It is invoked at
// most once per escalation burst when operations hit token failures.
func (e *Engine) SetRefreshFunc(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.refreshFn = fn
}

// SetRemoteHost switches the engine to a non-default origin. Operations
// built afterwards default to not requiring an access token.
func (e *Engine) SetRemoteHost(host string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.remoteHost = host
}

// SetHeaderValue sets an engine-wide header applied to every operation.
// An empty value removes the key.
func (e *Engine) SetHeaderValue(value, key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if value == "" {
		delete(e.customHeaders, key)
		return
	}
	e.customHeaders[key] = value
}

// Reachability returns the current connectivity class.
func (e *Engine) Reachability() models.Reachability {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// IsReachable reports whether any network path exists.
func (e *Engine) IsReachable() bool {
	return e.Reachability() != models.NotReachable
}

// CheckReachability forces an immediate poll of the reachability source.
func (e *Engine) CheckReachability() models.Reachability {
	return e.monitor.Check()
}

// Operation builds an operation without enqueueing it. Relative URLs are
// resolved against the session instance URL, or against the remote host
// when one is configured.
func (e *Engine) Operation(rawURL string, params map[string]string, method string, useSSL bool) (*Operation, error) {
	e.mu.Lock()
	session := e.session
	remoteHost := e.remoteHost
	e.mu.Unlock()

	resolved, requiresToken, err := resolveURL(rawURL, useSSL, session, remoteHost)
	if err != nil {
		return nil, err
	}

	op := &Operation{
		ID:                  newOperationID(),
		Method:              strings.ToUpper(method),
		URL:                 resolved,
		Params:              params,
		UseSSL:              useSSL,
		Timeout:             e.cfg.OperationTimeout,
		RetryOnNetworkError: e.cfg.RetryOnNetworkError,
		MaxRetries:          e.cfg.MaxRetries,
		RequiresAccessToken: requiresToken,
		EncryptDownload:     true,
		CachePolicy:         CacheIgnore,
		state:               StatePending,
	}
	return op, nil
}

// Get builds a GET operation over SSL.
func (e *Engine) Get(url string, params map[string]string) (*Operation, error) {
	return e.Operation(url, params, http.MethodGet, true)
}

// Post builds a POST operation over SSL.
func (e *Engine) Post(url string, params map[string]string) (*Operation, error) {
	return e.Operation(url, params, http.MethodPost, true)
}

// Put builds a PUT operation over SSL.
func (e *Engine) Put(url string, params map[string]string) (*Operation, error) {
	return e.Operation(url, params, http.MethodPut, true)
}

// Delete builds a DELETE operation over SSL.
func (e *Engine) Delete(url string, params map[string]string) (*Operation, error) {
	return e.Operation(url, params, http.MethodDelete, true)
}

// Patch builds a PATCH operation over SSL.
func (e *Engine) Patch(url string, params map[string]string) (*Operation, error) {
	return e.Operation(url, params, http.MethodPatch, true)
}

// Head builds a HEAD operation over SSL.
func (e *Engine) Head(url string, params map[string]string) (*Operation, error) {
	return e.Operation(url, params, http.MethodHead, true)
}

// Enqueue admits an operation. If an equal-fingerprint operation is
// already pending or running, the new operation's callbacks are attached
// to it and the existing operation is returned; otherwise the operation
// itself is returned.
func (e *Engine) Enqueue(op *Operation) *Operation {
	fp := op.Fingerprint()

	e.mu.Lock()

	if existing, ok := e.index[fp]; ok && existing != op {
		existing.absorb(op)
		e.mu.Unlock()
		e.logger.WithFields(map[string]interface{}{
			"op_id":       existing.ID,
			"fingerprint": fp,
		}).Debug("Duplicate request attached to in-flight operation")
		return existing
	}

	op.mu.Lock()
	op.state = StatePending
	op.mu.Unlock()

	e.pending = append(e.pending, op)
	e.index[fp] = op
	e.admitLocked()
	e.mu.Unlock()

	return op
}

// ActiveOperation returns the pending or running operation matching the
// given request, or nil.
func (e *Engine) ActiveOperation(rawURL string, params map[string]string, method string) *Operation {
	op, err := e.Operation(rawURL, params, strings.ToUpper(method), true)
	if err != nil {
		return nil
	}
	fp := op.Fingerprint()

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.index[fp]
}

// OperationsWithTag returns all non-terminal operations carrying the tag.
func (e *Engine) OperationsWithTag(tag string) []*Operation {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []*Operation
	for _, op := range e.index {
		if op.Tag == tag {
			out = append(out, op)
		}
	}
	return out
}

// HasPendingOperationsWithTag reports whether any non-terminal operation
// carries the tag.
func (e *Engine) HasPendingOperationsWithTag(tag string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, op := range e.index {
		if op.Tag == tag {
			return true
		}
	}
	return false
}

// CancelAllOperations cancels every pending, running, and token-waiting
// operation.
func (e *Engine) CancelAllOperations() {
	e.cancelMatching(func(*Operation) bool { return true })
	e.notifier.Publish(events.Event{Type: events.CancelledAll})
}

// CancelAllOperationsWithTag cancels every non-terminal operation carrying
// the tag.
func (e *Engine) CancelAllOperationsWithTag(tag string) {
	e.cancelMatching(func(op *Operation) bool { return op.Tag == tag })
	e.notifier.Publish(events.Event{Type: events.CancelledAll, Tag: tag})
}

func (e *Engine) cancelMatching(match func(*Operation) bool) {
	e.mu.Lock()

	var cancelled []*Operation
	for fp, op := range e.index {
		if !match(op) {
			continue
		}
		op.mu.Lock()
		wasExecuting := op.state == StateExecuting
		op.state = StateCancelled
		op.err = models.ErrCancelled
		abort := op.abort
		op.mu.Unlock()

		if wasExecuting && abort != nil {
			abort()
		}

		delete(e.index, fp)
		delete(e.running, fp)
		cancelled = append(cancelled, op)
	}

	e.pending = filterOps(e.pending, func(op *Operation) bool { return !match(op) })
	e.waitingForToken = filterOps(e.waitingForToken, func(op *Operation) bool { return !match(op) })
	e.admitLocked()
	e.mu.Unlock()

	if len(cancelled) > 0 {
		e.logger.WithField("count", len(cancelled)).Info("Cancelled operations")
	}

	// Cancel callbacks run on a background goroutine, never on the
	// caller's.
	for _, op := range cancelled {
		op := op
		go func() {
			for _, fn := range op.snapshotCancels() {
				fn(op)
			}
		}()
	}
}

// SuspendAllOperations freezes admission. Pending operations stay pending;
// executing operations run to completion.
func (e *Engine) SuspendAllOperations() {
	e.mu.Lock()
	already := e.suspended
	e.suspended = true
	e.mu.Unlock()

	if !already {
		e.logger.Info("Suspended admission")
		e.notifier.Publish(events.Event{Type: events.Suspended})
	}
}

// ResumeAllOperations re-enables admission and sweeps the pending queue.
func (e *Engine) ResumeAllOperations() {
	e.mu.Lock()
	wasSuspended := e.suspended
	e.suspended = false
	e.admitLocked()
	e.mu.Unlock()

	if wasSuspended {
		e.logger.Info("Resumed admission")
		e.notifier.Publish(events.Event{Type: events.Resumed})
	}
}

// FailOperationsWaitingForAccessToken drains the token-wait queue, failing
// every entry with the given error. Called by the session-refresh
// collaborator when recovery is impossible.
func (e *Engine) FailOperationsWaitingForAccessToken(err error) {
	e.mu.Lock()
	drained := e.waitingForToken
	e.waitingForToken = nil
	e.refreshPending = false

	for _, op := range drained {
		op.mu.Lock()
		op.state = StateFailed
		op.err = err
		op.mu.Unlock()
		delete(e.index, op.Fingerprint())
	}
	e.mu.Unlock()

	if len(drained) > 0 {
		e.logger.WithFields(map[string]interface{}{
			"count": len(drained),
			"error": err.Error(),
		}).Warn("Failed operations waiting for access token")
	}

	for _, op := range drained {
		op := op
		go func() {
			for _, fn := range op.snapshotErrors() {
				fn(err)
			}
		}()
	}
}

// ReplayOperationsWaitingForAccessToken re-admits every token-waiting
// operation against the current session. Called by the session-refresh
// collaborator after a successful refresh.
func (e *Engine) ReplayOperationsWaitingForAccessToken() {
	e.mu.Lock()
	drained := e.waitingForToken
	e.waitingForToken = nil
	e.refreshPending = false

	for _, op := range drained {
		op.mu.Lock()
		op.state = StatePending
		op.err = nil
		op.mu.Unlock()
		e.pending = append(e.pending, op)
	}
	e.admitLocked()
	e.mu.Unlock()

	if len(drained) > 0 {
		e.logger.WithField("count", len(drained)).Info("Replaying operations after token refresh")
	}
}

// Cleanup hard-resets all queue state without invoking callbacks. Used on
// logout or host change.
func (e *Engine) Cleanup() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, op := range e.index {
		op.mu.Lock()
		op.state = StateCancelled
		op.discard = true
		abort := op.abort
		op.mu.Unlock()
		if abort != nil {
			abort()
		}
	}

	e.pending = nil
	e.running = make(map[string]*Operation)
	e.index = make(map[string]*Operation)
	e.waitingForToken = nil
	e.refreshPending = false
	e.logger.Info("Engine state cleared")
}

// onReachabilityChange is the monitor callback.
func (e *Engine) onReachabilityChange(status models.Reachability) {
	e.mu.Lock()
	e.status = status
	e.admitLocked()
	e.mu.Unlock()

	e.notifier.Publish(events.Event{
		Type:         events.ReachabilityChanged,
		Reachability: status,
	})
}

// capLocked derives the concurrency cap from the connectivity class.
func (e *Engine) capLocked() int {
	switch e.status {
	case models.ReachableViaWiFi:
		return e.cfg.WiFiConcurrency
	case models.ReachableViaWWAN:
		return e.cfg.WWANConcurrency
	default:
		return 0
	}
}

// admitLocked promotes pending operations to executing while capacity
// allows. Callers must hold e.mu.
func (e *Engine) admitLocked() {
	for !e.suspended && len(e.running) < e.capLocked() && len(e.pending) > 0 {
		op := e.pending[0]
		e.pending = e.pending[1:]

		ctx, abort := context.WithCancel(context.Background())

		op.mu.Lock()
		op.state = StateExecuting
		op.abort = abort
		op.mu.Unlock()

		e.running[op.Fingerprint()] = op
		go e.execute(ctx, op)
	}
}

// execute runs one operation attempt on its own goroutine.
func (e *Engine) execute(ctx context.Context, op *Operation) {
	logger := e.logger.WithFields(map[string]interface{}{
		"op_id":  op.ID,
		"method": op.Method,
		"url":    op.URL,
	})

	if e.cfg.SupportLocalTestData && op.LocalTestDataPath != "" {
		e.executeLocal(op, logger)
		return
	}

	fp := op.Fingerprint()

	// Cache consultation for GET-class operations.
	if e.cache != nil && op.Method == http.MethodGet && op.CachePolicy != CacheIgnore {
		if resp, err := e.cache.Get(fp); err == nil {
			logger.Debug("Serving response from cache")
			e.finishSuccess(op, resp, false)
			return
		}
		if op.CachePolicy == CacheOnly {
			e.finishFailure(op, StateFailed, fmt.Errorf("cache-only operation: %w", models.ErrCacheMiss))
			return
		}
	}

	req, err := e.buildRequest(op)
	if err != nil {
		e.finishFailure(op, StateFailed, err)
		return
	}

	timeout := op.Timeout
	if timeout <= 0 {
		timeout = e.cfg.OperationTimeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	resp, err := e.transport.Do(attemptCtx, req)
	cancel()

	if err != nil {
		e.handleTransportError(ctx, op, err, timeout, logger)
		return
	}

	e.handleResponse(op, resp, logger)
}

// executeLocal synthesizes a response from a local file, exercising the
// same completion rules as a network response.
func (e *Engine) executeLocal(op *Operation, logger *events.Logger) {
	data, err := os.ReadFile(op.LocalTestDataPath)
	if err != nil {
		e.finishFailure(op, StateFailed, fmt.Errorf("read local test data: %w", err))
		return
	}

	logger.WithField("path", op.LocalTestDataPath).Debug("Serving local test data")
	e.handleResponse(op, &transport.Response{
		StatusCode: http.StatusOK,
		Headers:    http.Header{},
		Body:       data,
	}, logger)
}

// handleTransportError classifies a failed exchange: timeout, abort, or
// network error (with retry policy).
func (e *Engine) handleTransportError(ctx context.Context, op *Operation, err error, timeout time.Duration, logger *events.Logger) {
	// Abort via cancellation: callbacks already fired, drop silently.
	if ctx.Err() != nil {
		e.discardAttempt(op)
		return
	}

	if errors.Is(err, context.DeadlineExceeded) {
		logger.WithField("timeout", timeout.String()).Warn("Operation timed out")
		e.finishFailure(op, StateTimedOut, &models.TimeoutError{URL: op.URL, After: timeout})
		return
	}

	nerr := &models.NetworkError{URL: op.URL, Err: err}

	e.mu.Lock()
	if !e.isExecutingLocked(op) {
		e.mu.Unlock()
		return
	}

	op.mu.Lock()
	canRetry := op.RetryOnNetworkError && (op.MaxRetries == 0 || op.retryCount < op.MaxRetries)
	if canRetry {
		op.retryCount++
		op.state = StatePending
		op.abort = nil
	}
	retries := op.retryCount
	op.mu.Unlock()

	if canRetry {
		delete(e.running, op.Fingerprint())
		e.admitLocked()
		e.mu.Unlock()
		logger.WithField("retries", retries).Debug("Retrying after network error")
		time.AfterFunc(retryDelay(retries), func() { e.readmit(op) })
		return
	}

	e.retireLocked(op, StateFailed, nerr)
	e.mu.Unlock()

	e.invokeErrors(op, nerr)
}

// readmit appends a retry-scheduled operation back onto the pending queue
// unless it was cancelled or cleared in the meantime.
func (e *Engine) readmit(op *Operation) {
	e.mu.Lock()
	defer e.mu.Unlock()

	op.mu.Lock()
	eligible := op.state == StatePending && !op.discard
	op.mu.Unlock()
	if !eligible {
		return
	}

	e.pending = append(e.pending, op)
	e.admitLocked()
}

// retryDelay backs off exponentially from 100ms, capped at 10s.
func retryDelay(retries int) time.Duration {
	d := 100 * time.Millisecond
	for i := 1; i < retries && d < 10*time.Second; i++ {
		d *= 2
	}
	if d > 10*time.Second {
		d = 10 * time.Second
	}
	return d
}

// handleResponse classifies a completed exchange.
func (e *Engine) handleResponse(op *Operation, resp *transport.Response, logger *events.Logger) {
	serverErr := parseErrorBody(resp)

	// Token failure: park the operation and escalate once per burst.
	if op.RequiresAccessToken && isAuthFailure(resp, serverErr) {
		e.mu.Lock()
		if !e.isExecutingLocked(op) {
			e.mu.Unlock()
			return
		}

		op.mu.Lock()
		op.state = StatePending
		op.abort = nil
		op.mu.Unlock()

		delete(e.running, op.Fingerprint())
		e.waitingForToken = append(e.waitingForToken, op)
		signal := !e.refreshPending && e.refreshFn != nil
		e.refreshPending = true
		fn := e.refreshFn
		e.admitLocked()
		e.mu.Unlock()

		logger.WithField("status", resp.StatusCode).Info("Operation waiting for access token")
		if signal {
			go fn()
		}
		return
	}

	// Server error status of the network class (5xx) follows the retry
	// policy like a connection failure.
	if resp.StatusCode >= 500 {
		e.handleTransportError(context.Background(), op,
			fmt.Errorf("server returned status %d", resp.StatusCode), 0, logger)
		return
	}

	// Token rejection on an operation that opted out of the token-wait
	// queue fails directly.
	if isAuthFailure(resp, serverErr) {
		op.mu.Lock()
		op.response = resp
		op.mu.Unlock()
		e.finishFailure(op, StateFailed, &models.AuthError{
			StatusCode: resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
		})
		return
	}

	// Application-level error payload in a successful exchange.
	if serverErr != nil {
		serverErr.StatusCode = resp.StatusCode
		op.mu.Lock()
		op.response = resp
		op.mu.Unlock()
		e.finishFailure(op, StateFailed, serverErr)
		return
	}

	if resp.StatusCode >= 400 {
		op.mu.Lock()
		op.response = resp
		op.mu.Unlock()
		e.finishFailure(op, StateFailed, &models.ServerError{
			StatusCode: resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
		})
		return
	}

	e.finishSuccess(op, resp, true)
}

// finishSuccess retires an operation as Completed, persisting downloads
// and populating the cache.
func (e *Engine) finishSuccess(op *Operation, resp *transport.Response, cacheable bool) {
	if op.DownloadPath != "" {
		if err := e.writeDownload(op, resp.Body); err != nil {
			e.finishFailure(op, StateFailed, err)
			return
		}
	}

	e.mu.Lock()
	if !e.isExecutingLocked(op) {
		e.mu.Unlock()
		return
	}
	op.mu.Lock()
	op.response = resp
	op.mu.Unlock()
	e.retireLocked(op, StateCompleted, nil)
	e.mu.Unlock()

	if cacheable && e.cache != nil && op.Method == http.MethodGet && op.CachePolicy != CacheIgnore {
		if err := e.cache.Put(op.Fingerprint(), resp); err != nil {
			e.logger.WithError(err).Warn("Failed to cache response")
		}
	}

	for _, fn := range op.snapshotCompletion() {
		fn(op)
	}
}

// finishFailure retires an operation into a terminal failure state and
// fires its error callbacks.
func (e *Engine) finishFailure(op *Operation, state State, err error) {
	e.mu.Lock()
	if !e.isExecutingLocked(op) {
		e.mu.Unlock()
		return
	}
	e.retireLocked(op, state, err)
	e.mu.Unlock()

	e.invokeErrors(op, err)
}

func (e *Engine) invokeErrors(op *Operation, err error) {
	for _, fn := range op.snapshotErrors() {
		fn(err)
	}
}

// isExecutingLocked reports whether the operation is still the engine's
// to retire. False after cancellation or cleanup: the attempt result must
// be discarded and must not resurrect the dedup entry.
func (e *Engine) isExecutingLocked(op *Operation) bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.state == StateExecuting && !op.discard
}

// retireLocked moves an executing operation into a terminal state and
// frees its admission slot. Callers must hold e.mu.
func (e *Engine) retireLocked(op *Operation, state State, err error) {
	op.mu.Lock()
	op.state = state
	op.err = err
	op.abort = nil
	op.mu.Unlock()

	fp := op.Fingerprint()
	delete(e.running, fp)
	delete(e.index, fp)
	e.admitLocked()
}

// discardAttempt drops a transport result that arrived after the
// operation left the Executing state.
func (e *Engine) discardAttempt(op *Operation) {
	e.mu.Lock()
	delete(e.running, op.Fingerprint())
	e.admitLocked()
	e.mu.Unlock()
}

// buildRequest assembles the transport request: URL with query parameters
// for GET-class methods, encoded body for POST-class methods, and headers
// merged as built-in < engine-wide < operation.
func (e *Engine) buildRequest(op *Operation) (*transport.Request, error) {
	e.mu.Lock()
	session := e.session
	engineHeaders := make(map[string]string, len(e.customHeaders))
	for k, v := range e.customHeaders {
		engineHeaders[k] = v
	}
	e.mu.Unlock()

	reqURL := op.URL
	var body []byte

	headers := make(map[string]string)
	if op.RequiresAccessToken {
		if session == nil || session.AccessToken == "" {
			return nil, models.ErrNoSession
		}
		headers["Authorization"] = "Bearer " + session.AccessToken
	}
	headers["X-Request-Id"] = op.ID

	switch op.Method {
	case http.MethodGet, http.MethodHead, http.MethodDelete:
		if len(op.Params) > 0 {
			u, err := url.Parse(reqURL)
			if err != nil {
				return nil, fmt.Errorf("parse url: %w", err)
			}
			q := u.Query()
			for k, v := range op.Params {
				q.Set(k, v)
			}
			u.RawQuery = q.Encode()
			reqURL = u.String()
		}
	default:
		if op.encoder != nil {
			body = []byte(op.encoder(op.Params))
			headers["Content-Type"] = op.encoderType
		} else if len(op.Params) > 0 {
			form := url.Values{}
			for k, v := range op.Params {
				form.Set(k, v)
			}
			body = []byte(form.Encode())
			headers["Content-Type"] = "application/x-www-form-urlencoded"
		}
	}

	for k, v := range engineHeaders {
		headers[k] = v
	}
	for k, v := range op.customHeaders {
		headers[k] = v
	}

	return &transport.Request{
		Method:           op.Method,
		URL:              reqURL,
		Headers:          headers,
		Body:             body,
		ExpectedLength:   op.ExpectedDownloadSize,
		UploadProgress:   op.reportUpload,
		DownloadProgress: op.reportDownload,
	}, nil
}

// writeDownload persists a downloaded body, encrypting at rest when the
// operation asks for it.
func (e *Engine) writeDownload(op *Operation, data []byte) error {
	if op.EncryptDownload && e.encryptor != nil {
		encrypted, err := e.encryptor.Encrypt(data)
		if err != nil {
			return fmt.Errorf("encrypt download: %w", err)
		}
		data = encrypted
	}

	if err := os.WriteFile(op.DownloadPath, data, 0600); err != nil {
		return fmt.Errorf("write download: %w", err)
	}
	return nil
}

// resolveURL expands a relative URL against the session instance URL, or
// against the remote host when one is configured.
func resolveURL(rawURL string, useSSL bool, session *models.Session, remoteHost string) (string, bool, error) {
	if u, err := url.Parse(rawURL); err == nil && u.IsAbs() {
		return rawURL, remoteHost == "", nil
	}

	path := "/" + strings.TrimPrefix(rawURL, "/")

	if remoteHost != "" {
		scheme := "https"
		if !useSSL {
			scheme = "http"
		}
		return scheme + "://" + strings.TrimSuffix(remoteHost, "/") + path, false, nil
	}

	if session == nil {
		return "", false, models.ErrNoSession
	}
	return session.InstanceURL(useSSL) + path, true, nil
}

// serverErrorBody is the error-object shape inside a one-element array.
type serverErrorBody struct {
	Message   string `json:"message"`
	ErrorCode string `json:"errorCode"`
}

// parseErrorBody detects a response body shaped as a single error object
// wrapped in an array.
func parseErrorBody(resp *transport.Response) *models.ServerError {
	trimmed := strings.TrimSpace(string(resp.Body))
	if !strings.HasPrefix(trimmed, "[") {
		return nil
	}

	var entries []serverErrorBody
	if err := json.Unmarshal(resp.Body, &entries); err != nil {
		return nil
	}
	if len(entries) != 1 || entries[0].ErrorCode == "" {
		return nil
	}

	return &models.ServerError{
		StatusCode: resp.StatusCode,
		ErrorCode:  entries[0].ErrorCode,
		Message:    entries[0].Message,
	}
}

// isAuthFailure detects an invalid or expired access token.
func isAuthFailure(resp *transport.Response, serverErr *models.ServerError) bool {
	if resp.StatusCode == http.StatusUnauthorized {
		return true
	}
	return serverErr != nil && serverErr.ErrorCode == "INVALID_SESSION_ID"
}

func filterOps(ops []*Operation, keep func(*Operation) bool) []*Operation {
	out := ops[:0]
	for _, op := range ops {
		if keep(op) {
			out = append(out, op)
		}
	}
	return out
}
