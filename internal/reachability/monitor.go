package reachability

import (
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/qforce/netengine/internal/events"
	"github.com/qforce/netengine/internal/models"
)

// Source reports the current connectivity class.
type Source interface {
	Status() models.Reachability
}

// SourceFunc adapts a plain function to a Source.
type SourceFunc func() models.Reachability

func (f SourceFunc) Status() models.Reachability { return f() }

// DialSource probes TCP connectivity to a host. It cannot distinguish
// WiFi from cellular, so a reachable host reports as WiFi-class; callers
// with access to platform connectivity data should supply their own
// Source instead.
type DialSource struct {
	Host    string
	Port    int
	Timeout time.Duration
}

// Status dials the host and maps the result to a connectivity class.
func (d *DialSource) Status() models.Reachability {
	port := d.Port
	if port == 0 {
		port = 443
	}
	timeout := d.Timeout
	if timeout == 0 {
		timeout = 3 * time.Second
	}

	conn, err := net.DialTimeout("tcp", net.JoinHostPort(d.Host, strconv.Itoa(port)), timeout)
	if err != nil {
		return models.NotReachable
	}
	_ = conn.Close()
	return models.ReachableViaWiFi
}

// Monitor polls a Source and reports class changes, suppressing duplicate
// emissions.
type Monitor struct {
	source   Source
	interval time.Duration
	logger   *events.Logger

	mu       sync.Mutex
	last     models.Reachability
	onChange func(models.Reachability)
	stop     chan struct{}
	started  bool
}

// NewMonitor creates a monitor. The source is sampled once immediately so
// Current is meaningful before Start.
func NewMonitor(source Source, interval time.Duration, logger *events.Logger) *Monitor {
	return &Monitor{
		source:   source,
		interval: interval,
		logger:   logger.WithField("component", "reachability"),
		last:     source.Status(),
	}
}

// OnChange registers the change callback. Must be called before Start.
func (m *Monitor) OnChange(fn func(models.Reachability)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// Current returns the last observed class.
func (m *Monitor) Current() models.Reachability {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Check samples the source once, firing the change callback if the class
// moved since the last emission.
func (m *Monitor) Check() models.Reachability {
	status := m.source.Status()

	m.mu.Lock()
	changed := status != m.last
	m.last = status
	fn := m.onChange
	m.mu.Unlock()

	if changed {
		m.logger.WithField("status", status.String()).Info("Reachability changed")
		if fn != nil {
			fn(status)
		}
	}

	return status
}

// Start begins periodic polling.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.stop = make(chan struct{})
	stop := m.stop
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Check()
			case <-stop:
				return
			}
		}
	}()
}

// Stop halts polling.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return
	}
	m.started = false
	close(m.stop)
}
