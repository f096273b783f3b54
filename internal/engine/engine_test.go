package engine

import (
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qforce/netengine/internal/cache"
	"github.com/qforce/netengine/internal/config"
	"github.com/qforce/netengine/internal/crypto"
	"github.com/qforce/netengine/internal/events"
	"github.com/qforce/netengine/internal/models"
	"github.com/qforce/netengine/internal/reachability"
	"github.com/qforce/netengine/internal/transport"
)

// switchableSource lets tests flip connectivity at will.
type switchableSource struct {
	mu     sync.Mutex
	status models.Reachability
}

func (s *switchableSource) Status() models.Reachability {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *switchableSource) Set(status models.Reachability) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

type engineOptions struct {
	mutate    func(*config.EngineConfig)
	store     cache.Store
	encryptor crypto.Encryptor
	source    reachability.Source
	noSession bool
}

func newTestEngine(t *testing.T, opts engineOptions) (*Engine, *transport.MockTransport) {
	t.Helper()

	cfg := config.DefaultConfig().Engine
	cfg.OperationTimeout = 5 * time.Second
	if opts.mutate != nil {
		opts.mutate(&cfg)
	}

	source := opts.source
	if source == nil {
		source = reachability.SourceFunc(func() models.Reachability {
			return models.ReachableViaWiFi
		})
	}

	mock := transport.NewMockTransport()
	logger := events.NewTestLogger(events.ErrorLevel, "text", io.Discard)
	eng := New(cfg, mock, opts.store, opts.encryptor, source, logger)
	if !opts.noSession {
		eng.SetSession(&models.Session{Host: "example.test", AccessToken: "tok-1"})
	}
	t.Cleanup(eng.Shutdown)

	return eng, mock
}

func waitState(t *testing.T, op *Operation, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return op.State() == want },
		3*time.Second, 5*time.Millisecond, "operation never reached %s, stuck at %s", want, op.State())
}

func TestEnqueueCompletes(t *testing.T) {
	eng, mock := newTestEngine(t, engineOptions{})
	mock.Stub(http.MethodGet, "https://example.test/services/data",
		transport.JSONResponse(`{"records":[]}`))

	op, err := eng.Get("/services/data", nil)
	require.NoError(t, err)

	done := make(chan struct{})
	op.AddCompletion(func(*Operation) { close(done) }, func(err error) {
		t.Errorf("unexpected error: %v", err)
	})

	eng.Enqueue(op)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("operation never completed")
	}

	assert.Equal(t, StateCompleted, op.State())
	assert.Equal(t, http.StatusOK, op.StatusCode())
	assert.Equal(t, `{"records":[]}`, op.ResponseString())

	calls := mock.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "Bearer tok-1", calls[0].Headers["Authorization"])
	assert.Equal(t, op.ID, calls[0].Headers["X-Request-Id"])
}

func TestEnqueueDeduplicates(t *testing.T) {
	eng, mock := newTestEngine(t, engineOptions{})
	mock.StubDelayed(http.MethodGet, "https://example.test/services/data",
		transport.JSONResponse(`{"ok":true}`), 100*time.Millisecond)

	var completions int32
	done := make(chan struct{}, 2)
	record := func(*Operation) {
		atomic.AddInt32(&completions, 1)
		done <- struct{}{}
	}

	op1, err := eng.Get("/services/data", nil)
	require.NoError(t, err)
	op1.AddCompletion(record, nil)
	got1 := eng.Enqueue(op1)

	op2, err := eng.Get("/services/data", nil)
	require.NoError(t, err)
	op2.AddCompletion(record, nil)
	got2 := eng.Enqueue(op2)

	assert.Same(t, op1, got1)
	assert.Same(t, op1, got2, "duplicate enqueue must return the in-flight operation")

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Fatal("completion callbacks did not all fire")
		}
	}

	assert.Equal(t, int32(2), atomic.LoadInt32(&completions))
	assert.Equal(t, 1, mock.CallCount(http.MethodGet, "https://example.test/services/data"),
		"deduplicated request must hit the transport once")
}

func TestConcurrencyCapFIFO(t *testing.T) {
	eng, mock := newTestEngine(t, engineOptions{
		mutate: func(cfg *config.EngineConfig) { cfg.WiFiConcurrency = 1 },
	})

	urls := []string{
		"https://example.test/a",
		"https://example.test/b",
		"https://example.test/c",
	}
	for _, u := range urls {
		mock.StubDelayed(http.MethodGet, u, transport.JSONResponse(`{}`), 50*time.Millisecond)
	}

	var wg sync.WaitGroup
	var ops []*Operation
	for _, u := range urls {
		op, err := eng.Get(u, nil)
		require.NoError(t, err)
		wg.Add(1)
		op.AddCompletion(func(*Operation) { wg.Done() }, func(error) { wg.Done() })
		ops = append(ops, op)
		eng.Enqueue(op)
	}

	waitDone(t, &wg)

	for _, op := range ops {
		assert.Equal(t, StateCompleted, op.State())
	}
	assert.Equal(t, 1, mock.MaxInFlight(), "cap of 1 must serialize execution")

	calls := mock.Calls()
	require.Len(t, calls, 3)
	for i, u := range urls {
		assert.Equal(t, u, calls[i].URL, "admission order must be FIFO")
	}
}

func TestAuthFailureParksAndReplays(t *testing.T) {
	eng, mock := newTestEngine(t, engineOptions{})
	url := "https://example.test/services/data"
	mock.Stub(http.MethodGet, url, transport.StatusResponse(http.StatusUnauthorized, ""))
	mock.Stub(http.MethodGet, url, transport.JSONResponse(`{"ok":true}`))

	refreshed := make(chan struct{}, 1)
	eng.SetRefreshFunc(func() { refreshed <- struct{}{} })

	op, err := eng.Get("/services/data", nil)
	require.NoError(t, err)
	done := make(chan struct{})
	op.AddCompletion(func(*Operation) { close(done) }, func(err error) {
		t.Errorf("unexpected error: %v", err)
	})
	eng.Enqueue(op)

	select {
	case <-refreshed:
	case <-time.After(3 * time.Second):
		t.Fatal("refresh delegate was never signalled")
	}

	assert.Equal(t, StatePending, op.State())
	assert.Same(t, op, eng.ActiveOperation("/services/data", nil, http.MethodGet),
		"parked operation must stay claimable for dedup")

	eng.SetSession(&models.Session{Host: "example.test", AccessToken: "tok-2"})
	eng.ReplayOperationsWaitingForAccessToken()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("replayed operation never completed")
	}

	calls := mock.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "Bearer tok-1", calls[0].Headers["Authorization"])
	assert.Equal(t, "Bearer tok-2", calls[1].Headers["Authorization"])
}

func TestAuthRefreshSignalledOncePerBurst(t *testing.T) {
	eng, mock := newTestEngine(t, engineOptions{})
	mock.Stub(http.MethodGet, "https://example.test/a", transport.StatusResponse(http.StatusUnauthorized, ""))
	mock.Stub(http.MethodGet, "https://example.test/b", transport.StatusResponse(http.StatusUnauthorized, ""))

	var signals int32
	eng.SetRefreshFunc(func() { atomic.AddInt32(&signals, 1) })

	opA, err := eng.Get("https://example.test/a", nil)
	require.NoError(t, err)
	opA.RequiresAccessToken = true
	opB, err := eng.Get("https://example.test/b", nil)
	require.NoError(t, err)
	opB.RequiresAccessToken = true

	eng.Enqueue(opA)
	eng.Enqueue(opB)

	require.Eventually(t, func() bool {
		return opA.State() == StatePending && opB.State() == StatePending &&
			mock.CallCount(http.MethodGet, "https://example.test/a") == 1 &&
			mock.CallCount(http.MethodGet, "https://example.test/b") == 1
	}, 3*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&signals),
		"refresh delegate fires once per escalation burst")
}

func TestFailOperationsWaitingForAccessToken(t *testing.T) {
	eng, mock := newTestEngine(t, engineOptions{})
	url := "https://example.test/services/data"
	mock.Stub(http.MethodGet, url, transport.StatusResponse(http.StatusUnauthorized, ""))

	op, err := eng.Get("/services/data", nil)
	require.NoError(t, err)
	errCh := make(chan error, 1)
	op.AddCompletion(nil, func(err error) { errCh <- err })
	eng.Enqueue(op)

	require.Eventually(t, func() bool {
		return op.State() == StatePending && mock.CallCount(http.MethodGet, url) == 1
	}, 3*time.Second, 5*time.Millisecond)

	refreshErr := errors.New("refresh token revoked")
	eng.FailOperationsWaitingForAccessToken(refreshErr)

	select {
	case err := <-errCh:
		assert.Equal(t, refreshErr, err)
	case <-time.After(3 * time.Second):
		t.Fatal("error callback never fired")
	}

	assert.Equal(t, StateFailed, op.State())
	assert.Nil(t, eng.ActiveOperation("/services/data", nil, http.MethodGet))
}

func TestRetryOnNetworkError(t *testing.T) {
	eng, mock := newTestEngine(t, engineOptions{
		mutate: func(cfg *config.EngineConfig) {
			cfg.RetryOnNetworkError = true
			cfg.MaxRetries = 2
		},
	})
	url := "https://example.test/flaky"
	mock.StubError(http.MethodGet, url, errors.New("connection reset"))

	op, err := eng.Get("/flaky", nil)
	require.NoError(t, err)
	errCh := make(chan error, 1)
	op.AddCompletion(func(*Operation) {
		t.Error("operation should not complete")
	}, func(err error) {
		errCh <- err
	})
	eng.Enqueue(op)

	select {
	case err := <-errCh:
		assert.True(t, models.IsNetworkError(err), "want network error, got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("error callback never fired")
	}

	assert.Equal(t, StateFailed, op.State())
	assert.Equal(t, 2, op.RetryCount())
	assert.Equal(t, 3, mock.CallCount(http.MethodGet, url), "initial attempt plus two retries")
}

func TestRetrySucceedsAfterTransientFailure(t *testing.T) {
	eng, mock := newTestEngine(t, engineOptions{
		mutate: func(cfg *config.EngineConfig) {
			cfg.RetryOnNetworkError = true
			cfg.MaxRetries = 3
		},
	})
	url := "https://example.test/flaky"
	mock.StubError(http.MethodGet, url, errors.New("connection reset"))
	mock.Stub(http.MethodGet, url, transport.JSONResponse(`{"ok":true}`))

	op, err := eng.Get("/flaky", nil)
	require.NoError(t, err)
	eng.Enqueue(op)

	waitState(t, op, StateCompleted)
	assert.Equal(t, 1, op.RetryCount())
	assert.Equal(t, 2, mock.CallCount(http.MethodGet, url))
}

func TestNoRetryByDefault(t *testing.T) {
	eng, mock := newTestEngine(t, engineOptions{})
	url := "https://example.test/flaky"
	mock.StubError(http.MethodGet, url, errors.New("connection refused"))

	op, err := eng.Get("/flaky", nil)
	require.NoError(t, err)
	eng.Enqueue(op)

	waitState(t, op, StateFailed)
	assert.True(t, models.IsNetworkError(op.Err()))
	assert.Equal(t, 0, op.RetryCount())
	assert.Equal(t, 1, mock.CallCount(http.MethodGet, url))
}

func TestServerStatusFollowsRetryPolicy(t *testing.T) {
	eng, mock := newTestEngine(t, engineOptions{})
	url := "https://example.test/down"
	mock.Stub(http.MethodGet, url, transport.StatusResponse(http.StatusBadGateway, ""))

	op, err := eng.Get("/down", nil)
	require.NoError(t, err)
	eng.Enqueue(op)

	waitState(t, op, StateFailed)
	assert.True(t, models.IsNetworkError(op.Err()))
	assert.Equal(t, 1, mock.CallCount(http.MethodGet, url))
}

func TestOperationTimeout(t *testing.T) {
	eng, mock := newTestEngine(t, engineOptions{})
	url := "https://example.test/slow"
	mock.StubDelayed(http.MethodGet, url, transport.JSONResponse(`{}`), 2*time.Second)

	op, err := eng.Get("/slow", nil)
	require.NoError(t, err)
	op.Timeout = 50 * time.Millisecond
	errCh := make(chan error, 1)
	op.AddCompletion(nil, func(err error) { errCh <- err })
	eng.Enqueue(op)

	select {
	case err := <-errCh:
		assert.True(t, models.IsTimeout(err), "want timeout error, got %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("error callback never fired")
	}
	assert.Equal(t, StateTimedOut, op.State())
}

func TestServerErrorPayload(t *testing.T) {
	eng, mock := newTestEngine(t, engineOptions{})
	url := "https://example.test/services/data"
	mock.Stub(http.MethodGet, url, transport.JSONResponse(
		`[{"message":"No such column","errorCode":"INVALID_FIELD"}]`))

	op, err := eng.Get("/services/data", nil)
	require.NoError(t, err)
	eng.Enqueue(op)

	waitState(t, op, StateFailed)

	var serverErr *models.ServerError
	require.ErrorAs(t, op.Err(), &serverErr)
	assert.Equal(t, "INVALID_FIELD", serverErr.ErrorCode)
	assert.Equal(t, "No such column", serverErr.Message)
	assert.Equal(t, http.StatusOK, serverErr.StatusCode)
}

func TestClientErrorStatus(t *testing.T) {
	eng, mock := newTestEngine(t, engineOptions{})
	url := "https://example.test/missing"
	mock.Stub(http.MethodGet, url, transport.StatusResponse(http.StatusNotFound, "not found"))

	op, err := eng.Get("/missing", nil)
	require.NoError(t, err)
	eng.Enqueue(op)

	waitState(t, op, StateFailed)

	var serverErr *models.ServerError
	require.ErrorAs(t, op.Err(), &serverErr)
	assert.Equal(t, http.StatusNotFound, serverErr.StatusCode)
	assert.Equal(t, http.StatusNotFound, op.StatusCode())
}

func TestAuthFailureWithoutTokenRequirement(t *testing.T) {
	eng, mock := newTestEngine(t, engineOptions{})
	url := "https://example.test/public"
	mock.Stub(http.MethodGet, url, transport.StatusResponse(http.StatusUnauthorized, ""))

	op, err := eng.Get("/public", nil)
	require.NoError(t, err)
	op.RequiresAccessToken = false
	eng.Enqueue(op)

	waitState(t, op, StateFailed)
	assert.True(t, models.IsAuthError(op.Err()), "want auth error, got %v", op.Err())
	assert.Equal(t, 1, mock.CallCount(http.MethodGet, url), "must not park without token requirement")
}

func TestCancelAllWithTag(t *testing.T) {
	eng, mock := newTestEngine(t, engineOptions{})
	eng.SuspendAllOperations()
	mock.Stub(http.MethodGet, "https://example.test/keep", transport.JSONResponse(`{}`))

	var ops []*Operation
	var cancels int32
	for _, path := range []string{"/sync/a", "/sync/b"} {
		op, err := eng.Get(path, nil)
		require.NoError(t, err)
		op.Tag = "sync"
		op.AddCancelFunc(func(*Operation) { atomic.AddInt32(&cancels, 1) })
		ops = append(ops, op)
		eng.Enqueue(op)
	}
	keep, err := eng.Get("/keep", nil)
	require.NoError(t, err)
	keep.Tag = "other"
	eng.Enqueue(keep)

	assert.True(t, eng.HasPendingOperationsWithTag("sync"))
	assert.Len(t, eng.OperationsWithTag("sync"), 2)

	eng.CancelAllOperationsWithTag("sync")

	for _, op := range ops {
		waitState(t, op, StateCancelled)
		assert.ErrorIs(t, op.Err(), models.ErrCancelled)
	}
	require.Eventually(t, func() bool { return atomic.LoadInt32(&cancels) == 2 },
		3*time.Second, 5*time.Millisecond)

	assert.False(t, eng.HasPendingOperationsWithTag("sync"))
	assert.True(t, eng.HasPendingOperationsWithTag("other"))

	eng.ResumeAllOperations()
	waitState(t, keep, StateCompleted)
}

func TestCancelRunningAborts(t *testing.T) {
	eng, mock := newTestEngine(t, engineOptions{})
	url := "https://example.test/slow"
	mock.StubDelayed(http.MethodGet, url, transport.JSONResponse(`{}`), 2*time.Second)

	op, err := eng.Get("/slow", nil)
	require.NoError(t, err)
	cancelled := make(chan struct{})
	op.AddCancelFunc(func(*Operation) { close(cancelled) })
	eng.Enqueue(op)

	require.Eventually(t, func() bool {
		return mock.CallCount(http.MethodGet, url) == 1
	}, 3*time.Second, 5*time.Millisecond)

	eng.CancelAllOperations()

	select {
	case <-cancelled:
	case <-time.After(3 * time.Second):
		t.Fatal("cancel callback never fired")
	}
	assert.Equal(t, StateCancelled, op.State())
	assert.ErrorIs(t, op.Err(), models.ErrCancelled)
}

func TestSuspendResume(t *testing.T) {
	eng, mock := newTestEngine(t, engineOptions{})
	url := "https://example.test/services/data"
	mock.Stub(http.MethodGet, url, transport.JSONResponse(`{}`))

	eng.SuspendAllOperations()

	op, err := eng.Get("/services/data", nil)
	require.NoError(t, err)
	eng.Enqueue(op)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StatePending, op.State())
	assert.Equal(t, 0, mock.CallCount(http.MethodGet, url), "suspended engine must not execute")

	eng.ResumeAllOperations()
	waitState(t, op, StateCompleted)
}

func TestNotReachableQueuesUntilConnectivity(t *testing.T) {
	source := &switchableSource{status: models.NotReachable}
	eng, mock := newTestEngine(t, engineOptions{source: source})
	url := "https://example.test/services/data"
	mock.Stub(http.MethodGet, url, transport.JSONResponse(`{}`))

	evs := eng.Events()

	op, err := eng.Get("/services/data", nil)
	require.NoError(t, err)
	eng.Enqueue(op)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StatePending, op.State())
	assert.False(t, eng.IsReachable())

	source.Set(models.ReachableViaWiFi)
	assert.Equal(t, models.ReachableViaWiFi, eng.CheckReachability())

	waitState(t, op, StateCompleted)
	assert.True(t, eng.IsReachable())

	select {
	case ev := <-evs:
		assert.Equal(t, events.ReachabilityChanged, ev.Type)
		assert.Equal(t, models.ReachableViaWiFi, ev.Reachability)
	case <-time.After(3 * time.Second):
		t.Fatal("no reachability event published")
	}
}

func TestWWANConcurrencyCap(t *testing.T) {
	source := &switchableSource{status: models.ReachableViaWWAN}
	eng, mock := newTestEngine(t, engineOptions{
		source: source,
		mutate: func(cfg *config.EngineConfig) { cfg.WWANConcurrency = 2 },
	})

	var wg sync.WaitGroup
	for _, path := range []string{"/a", "/b", "/c", "/d"} {
		url := "https://example.test" + path
		mock.StubDelayed(http.MethodGet, url, transport.JSONResponse(`{}`), 50*time.Millisecond)
		op, err := eng.Get(path, nil)
		require.NoError(t, err)
		wg.Add(1)
		op.AddCompletion(func(*Operation) { wg.Done() }, func(error) { wg.Done() })
		eng.Enqueue(op)
	}

	waitDone(t, &wg)
	assert.LessOrEqual(t, mock.MaxInFlight(), 2)
}

func TestCacheElseLoad(t *testing.T) {
	store := cache.NewMemoryStore(time.Minute)
	eng, mock := newTestEngine(t, engineOptions{store: store})
	url := "https://example.test/services/data"
	mock.Stub(http.MethodGet, url, transport.JSONResponse(`{"cached":true}`))

	first, err := eng.Get("/services/data", nil)
	require.NoError(t, err)
	first.CachePolicy = CacheElseLoad
	eng.Enqueue(first)
	waitState(t, first, StateCompleted)

	second, err := eng.Get("/services/data", nil)
	require.NoError(t, err)
	second.CachePolicy = CacheElseLoad
	eng.Enqueue(second)
	waitState(t, second, StateCompleted)

	assert.Equal(t, `{"cached":true}`, second.ResponseString())
	assert.Equal(t, 1, mock.CallCount(http.MethodGet, url), "second fetch must come from cache")
}

func TestCacheOnlyMissFails(t *testing.T) {
	store := cache.NewMemoryStore(time.Minute)
	eng, mock := newTestEngine(t, engineOptions{store: store})

	op, err := eng.Get("/services/data", nil)
	require.NoError(t, err)
	op.CachePolicy = CacheOnly
	eng.Enqueue(op)

	waitState(t, op, StateFailed)
	assert.ErrorIs(t, op.Err(), models.ErrCacheMiss)
	assert.Empty(t, mock.Calls())
}

func TestLocalTestData(t *testing.T) {
	eng, mock := newTestEngine(t, engineOptions{
		mutate: func(cfg *config.EngineConfig) { cfg.SupportLocalTestData = true },
	})

	path := filepath.Join(t.TempDir(), "accounts.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"records":[{"id":"001"}]}`), 0600))

	op, err := eng.Get("/services/data", nil)
	require.NoError(t, err)
	op.LocalTestDataPath = path
	eng.Enqueue(op)

	waitState(t, op, StateCompleted)
	assert.Equal(t, `{"records":[{"id":"001"}]}`, op.ResponseString())
	assert.Empty(t, mock.Calls(), "local test data must bypass the transport")
}

func TestDownloadEncryptedAtRest(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	enc, err := crypto.NewEncryptor(key)
	require.NoError(t, err)

	eng, mock := newTestEngine(t, engineOptions{encryptor: enc})
	url := "https://example.test/files/report.pdf"
	mock.Stub(http.MethodGet, url, transport.StatusResponse(http.StatusOK, "confidential-bytes"))

	op, opErr := eng.Get("/files/report.pdf", nil)
	require.NoError(t, opErr)
	op.DownloadPath = filepath.Join(t.TempDir(), "report.pdf")
	eng.Enqueue(op)

	waitState(t, op, StateCompleted)

	stored, err := os.ReadFile(op.DownloadPath)
	require.NoError(t, err)
	assert.NotEqual(t, []byte("confidential-bytes"), stored, "file must not hold plaintext")

	plain, err := enc.Decrypt(stored)
	require.NoError(t, err)
	assert.Equal(t, []byte("confidential-bytes"), plain)
}

func TestDownloadPlaintextWhenDisabled(t *testing.T) {
	key := make([]byte, 32)
	enc, err := crypto.NewEncryptor(key)
	require.NoError(t, err)

	eng, mock := newTestEngine(t, engineOptions{encryptor: enc})
	url := "https://example.test/files/public.txt"
	mock.Stub(http.MethodGet, url, transport.StatusResponse(http.StatusOK, "public-bytes"))

	op, opErr := eng.Get("/files/public.txt", nil)
	require.NoError(t, opErr)
	op.DownloadPath = filepath.Join(t.TempDir(), "public.txt")
	op.EncryptDownload = false
	eng.Enqueue(op)

	waitState(t, op, StateCompleted)

	stored, err := os.ReadFile(op.DownloadPath)
	require.NoError(t, err)
	assert.Equal(t, []byte("public-bytes"), stored)
}

func TestRemoteHostMode(t *testing.T) {
	eng, mock := newTestEngine(t, engineOptions{
		noSession: true,
		mutate:    func(cfg *config.EngineConfig) { cfg.RemoteHost = "files.example.test" },
	})
	url := "https://files.example.test/download/a"
	mock.Stub(http.MethodGet, url, transport.StatusResponse(http.StatusOK, "payload"))

	op, err := eng.Get("/download/a", nil)
	require.NoError(t, err)
	assert.Equal(t, url, op.URL)
	assert.False(t, op.RequiresAccessToken, "remote-host operations default to unauthenticated")

	eng.Enqueue(op)
	waitState(t, op, StateCompleted)

	calls := mock.Calls()
	require.Len(t, calls, 1)
	_, hasAuth := calls[0].Headers["Authorization"]
	assert.False(t, hasAuth)
}

func TestOperationWithoutSession(t *testing.T) {
	eng, _ := newTestEngine(t, engineOptions{noSession: true})

	_, err := eng.Get("/services/data", nil)
	assert.ErrorIs(t, err, models.ErrNoSession)
}

func TestHeaderMergeOrder(t *testing.T) {
	eng, mock := newTestEngine(t, engineOptions{})
	url := "https://example.test/services/data"
	mock.Stub(http.MethodGet, url, transport.JSONResponse(`{}`))

	eng.SetHeaderValue("engine-wide", "X-Client")
	eng.SetHeaderValue("kept", "X-Trace")

	op, err := eng.Get("/services/data", nil)
	require.NoError(t, err)
	op.SetHeader("X-Client", "op-level")
	eng.Enqueue(op)

	waitState(t, op, StateCompleted)

	calls := mock.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "op-level", calls[0].Headers["X-Client"], "operation header wins")
	assert.Equal(t, "kept", calls[0].Headers["X-Trace"])
}

func TestPostEncodesFormBody(t *testing.T) {
	eng, mock := newTestEngine(t, engineOptions{})
	url := "https://example.test/services/data"
	mock.Stub(http.MethodPost, url, transport.JSONResponse(`{}`))

	op, err := eng.Post("/services/data", map[string]string{"name": "widget", "qty": "3"})
	require.NoError(t, err)
	eng.Enqueue(op)

	waitState(t, op, StateCompleted)

	calls := mock.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "application/x-www-form-urlencoded", calls[0].Headers["Content-Type"])
	assert.Equal(t, "name=widget&qty=3", string(calls[0].Body))
}

func TestCustomBodyEncoder(t *testing.T) {
	eng, mock := newTestEngine(t, engineOptions{})
	url := "https://example.test/services/data"
	mock.Stub(http.MethodPost, url, transport.JSONResponse(`{}`))

	op, err := eng.Post("/services/data", map[string]string{"name": "widget"})
	require.NoError(t, err)
	op.SetCustomBodyEncoder(func(params map[string]string) string {
		return `{"name":"` + params["name"] + `"}`
	}, "application/json")
	eng.Enqueue(op)

	waitState(t, op, StateCompleted)

	calls := mock.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "application/json", calls[0].Headers["Content-Type"])
	assert.Equal(t, `{"name":"widget"}`, string(calls[0].Body))
}

func TestGetParamsBecomeQuery(t *testing.T) {
	eng, mock := newTestEngine(t, engineOptions{})
	mock.Stub(http.MethodGet, "https://example.test/services/data?q=SELECT",
		transport.JSONResponse(`{}`))

	op, err := eng.Get("/services/data", map[string]string{"q": "SELECT"})
	require.NoError(t, err)
	eng.Enqueue(op)

	waitState(t, op, StateCompleted)

	calls := mock.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "https://example.test/services/data?q=SELECT", calls[0].URL)
	assert.Empty(t, calls[0].Body)
}

func TestCleanupDropsEverythingSilently(t *testing.T) {
	eng, mock := newTestEngine(t, engineOptions{})
	eng.SuspendAllOperations()
	mock.Stub(http.MethodGet, "https://example.test/a", transport.JSONResponse(`{}`))

	var callbacks int32
	op, err := eng.Get("/a", nil)
	require.NoError(t, err)
	op.AddCompletion(func(*Operation) { atomic.AddInt32(&callbacks, 1) },
		func(error) { atomic.AddInt32(&callbacks, 1) })
	op.AddCancelFunc(func(*Operation) { atomic.AddInt32(&callbacks, 1) })
	eng.Enqueue(op)

	eng.Cleanup()

	assert.Equal(t, StateCancelled, op.State())
	assert.Nil(t, eng.ActiveOperation("/a", nil, http.MethodGet))

	eng.ResumeAllOperations()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, mock.CallCount(http.MethodGet, "https://example.test/a"))
	assert.Equal(t, int32(0), atomic.LoadInt32(&callbacks), "cleanup must not invoke callbacks")
}

func TestOperationBuilders(t *testing.T) {
	eng, _ := newTestEngine(t, engineOptions{})

	tests := []struct {
		build  func(string, map[string]string) (*Operation, error)
		method string
	}{
		{eng.Get, http.MethodGet},
		{eng.Post, http.MethodPost},
		{eng.Put, http.MethodPut},
		{eng.Delete, http.MethodDelete},
		{eng.Patch, http.MethodPatch},
		{eng.Head, http.MethodHead},
	}

	for _, tt := range tests {
		op, err := tt.build("/services/data", nil)
		require.NoError(t, err)
		assert.Equal(t, tt.method, op.Method)
		assert.Equal(t, "https://example.test/services/data", op.URL)
		assert.True(t, op.RequiresAccessToken)
		assert.True(t, op.EncryptDownload)
		assert.NotEmpty(t, op.ID)
	}
}

func TestSuspendResumeEvents(t *testing.T) {
	eng, _ := newTestEngine(t, engineOptions{})
	evs := eng.Events()

	eng.SuspendAllOperations()
	eng.SuspendAllOperations() // no duplicate event
	eng.ResumeAllOperations()

	want := []events.Type{events.Suspended, events.Resumed}
	for _, wt := range want {
		select {
		case ev := <-evs:
			assert.Equal(t, wt, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("missing %s event", wt)
		}
	}
	select {
	case ev := <-evs:
		t.Fatalf("unexpected extra event %s", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func waitDone(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("operations never finished")
	}
}
