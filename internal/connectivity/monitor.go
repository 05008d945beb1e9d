package connectivity

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Monitor is the single source of truth for "is the network reachable".
// The value can be fed by the HTTP probe loop and by the UI layer reporting
// platform reachability; subscribers see edge transitions only.
type Monitor struct {
	logger *zap.Logger

	mu          sync.RWMutex
	online      bool
	subscribers map[int64]chan bool
	nextID      int64
}

// NewMonitor constructs a monitor that assumes the network is reachable
// until a probe or report says otherwise.
func NewMonitor(logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		logger:      logger,
		online:      true,
		subscribers: make(map[int64]chan bool),
	}
}

// Online reports the current reachability value.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Set records a reachability observation. Subscribers are notified only when
// the value actually changes.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	streams := make([]chan bool, 0, len(m.subscribers))
	for _, stream := range m.subscribers {
		streams = append(streams, stream)
	}
	m.mu.Unlock()

	m.logger.Info("connectivity changed", zap.Bool("online", online))
	for _, stream := range streams {
		select {
		case stream <- online:
		default:
		}
	}
}

// Subscribe registers for edge transitions until ctx is cancelled.
func (m *Monitor) Subscribe(ctx context.Context) (<-chan bool, func()) {
	stream := make(chan bool, 4)
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.subscribers[id] = stream
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		delete(m.subscribers, id)
		m.mu.Unlock()
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return stream, cancel
}

// ProbeConfig tunes the background reachability probe.
type ProbeConfig struct {
	URL        string
	Interval   time.Duration
	Timeout    time.Duration
	HTTPClient *http.Client
}

// RunProbe periodically checks the remote base URL and feeds the monitor.
// Any HTTP response counts as reachable; only transport errors count as
// offline, since an unhealthy server is still a reachable one.
func (m *Monitor) RunProbe(ctx context.Context, cfg ProbeConfig) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		m.Set(probeOnce(ctx, client, cfg.URL, timeout))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func probeOnce(ctx context.Context, client *http.Client, url string, timeout time.Duration) bool {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	request, err := http.NewRequestWithContext(probeCtx, http.MethodHead, url, nil)
	if err != nil {
		return false
	}
	response, err := client.Do(request)
	if err != nil {
		return false
	}
	response.Body.Close()
	return true
}
