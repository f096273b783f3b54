package cache_test

import (
	"bytes"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qforce/netengine/internal/cache"
	"github.com/qforce/netengine/internal/events"
	"github.com/qforce/netengine/internal/models"
	"github.com/qforce/netengine/internal/transport"
)

func testLogger() *events.Logger {
	var buf bytes.Buffer
	return events.NewTestLogger(events.ErrorLevel, "json", &buf)
}

func sampleResponse() *transport.Response {
	return &transport.Response{
		StatusCode: http.StatusOK,
		Headers:    http.Header{"Content-Type": []string{"application/json"}},
		Body:       []byte(`{"records":[]}`),
	}
}

func runStoreTests(t *testing.T, store cache.Store) {
	t.Helper()

	t.Run("miss on absent key", func(t *testing.T) {
		_, err := store.Get("absent")
		assert.ErrorIs(t, err, models.ErrCacheMiss)
	})

	t.Run("put then get", func(t *testing.T) {
		require.NoError(t, store.Put("fp-1", sampleResponse()))

		resp, err := store.Get("fp-1")
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, []byte(`{"records":[]}`), resp.Body)
		assert.Equal(t, "application/json", resp.Headers.Get("Content-Type"))
	})

	t.Run("put replaces", func(t *testing.T) {
		require.NoError(t, store.Put("fp-2", sampleResponse()))
		replacement := sampleResponse()
		replacement.Body = []byte(`{"records":[1]}`)
		require.NoError(t, store.Put("fp-2", replacement))

		resp, err := store.Get("fp-2")
		require.NoError(t, err)
		assert.Equal(t, []byte(`{"records":[1]}`), resp.Body)
	})

	t.Run("remove", func(t *testing.T) {
		require.NoError(t, store.Put("fp-3", sampleResponse()))
		require.NoError(t, store.Remove("fp-3"))

		_, err := store.Get("fp-3")
		assert.ErrorIs(t, err, models.ErrCacheMiss)
	})
}

func TestSQLiteStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "cache.db")
	store, err := cache.NewSQLiteStore(dbPath, time.Minute, testLogger())
	require.NoError(t, err)
	defer store.Close()

	runStoreTests(t, store)
}

func TestMemoryStore(t *testing.T) {
	store := cache.NewMemoryStore(time.Minute)
	defer store.Close()

	runStoreTests(t, store)
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := cache.NewMemoryStore(10 * time.Millisecond)
	defer store.Close()

	require.NoError(t, store.Put("fp", sampleResponse()))
	time.Sleep(30 * time.Millisecond)

	_, err := store.Get("fp")
	assert.ErrorIs(t, err, models.ErrCacheMiss)
}
