package reachability_test

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qforce/netengine/internal/events"
	"github.com/qforce/netengine/internal/models"
	"github.com/qforce/netengine/internal/reachability"
)

func testLogger() *events.Logger {
	var buf bytes.Buffer
	return events.NewTestLogger(events.ErrorLevel, "json", &buf)
}

// switchableSource lets tests flip the reported class.
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
	defer s.mu.Unlock()
	s.status = status
}

func TestMonitorInitialStatus(t *testing.T) {
	src := &switchableSource{status: models.ReachableViaWiFi}
	m := reachability.NewMonitor(src, time.Minute, testLogger())

	assert.Equal(t, models.ReachableViaWiFi, m.Current())
}

func TestMonitorEmitsOnChange(t *testing.T) {
	src := &switchableSource{status: models.ReachableViaWiFi}
	m := reachability.NewMonitor(src, time.Minute, testLogger())

	var emitted []models.Reachability
	m.OnChange(func(status models.Reachability) {
		emitted = append(emitted, status)
	})

	// Same class, no emission.
	m.Check()
	assert.Empty(t, emitted)

	src.Set(models.ReachableViaWWAN)
	m.Check()
	require.Len(t, emitted, 1)
	assert.Equal(t, models.ReachableViaWWAN, emitted[0])

	// Duplicate class after the change is suppressed too.
	m.Check()
	assert.Len(t, emitted, 1)

	src.Set(models.NotReachable)
	m.Check()
	require.Len(t, emitted, 2)
	assert.Equal(t, models.NotReachable, emitted[1])
}

func TestMonitorStartStop(t *testing.T) {
	src := &switchableSource{status: models.NotReachable}
	m := reachability.NewMonitor(src, 5*time.Millisecond, testLogger())

	changed := make(chan models.Reachability, 1)
	m.OnChange(func(status models.Reachability) {
		select {
		case changed <- status:
		default:
		}
	})

	m.Start()
	defer m.Stop()

	src.Set(models.ReachableViaWiFi)

	select {
	case status := <-changed:
		assert.Equal(t, models.ReachableViaWiFi, status)
	case <-time.After(time.Second):
		t.Fatal("monitor did not report change")
	}

	// Stop twice is safe.
	m.Stop()
	m.Stop()
}

func TestDialSourceUnreachable(t *testing.T) {
	src := &reachability.DialSource{
		Host:    "127.0.0.1",
		Port:    1, // nothing listens here
		Timeout: 100 * time.Millisecond,
	}
	assert.Equal(t, models.NotReachable, src.Status())
}

func TestSourceFunc(t *testing.T) {
	src := reachability.SourceFunc(func() models.Reachability {
		return models.ReachableViaWWAN
	})
	assert.Equal(t, models.ReachableViaWWAN, src.Status())
}
