// Package connwatch tracks the reachability of shared upstream
// services (the model provider, the MQTT broker) for the health
// endpoint.
//
// Each watcher probes its service until it first answers, backing off
// exponentially between failures, then keeps polling at a fixed
// interval and reports transitions on the event bus.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/steward/internal/events"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Backoff controls probe timing.
type Backoff struct {
	InitialDelay time.Duration // first retry after a failure; default 2s
	MaxDelay     time.Duration // retry ceiling; default 60s
	PollInterval time.Duration // steady-state interval once ready; default 60s
	ProbeTimeout time.Duration // per probe; default 10s
}

// DefaultBackoff returns 2s, 4s, 8s ... capped at 60s, then 60s polling.
func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// ServiceStatus is one service's health, as served by /health.
type ServiceStatus struct {
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

type watcher struct {
	name    string
	probe   ProbeFunc
	backoff Backoff

	mu     sync.Mutex
	status ServiceStatus
}

// Manager runs watchers and aggregates their status.
type Manager struct {
	bus    *events.Bus
	logger *slog.Logger
	wg     sync.WaitGroup

	mu       sync.RWMutex
	watchers map[string]*watcher
}

// NewManager creates a manager. bus may be nil.
func NewManager(bus *events.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		bus:      bus,
		logger:   logger.With("component", "connwatch"),
		watchers: make(map[string]*watcher),
	}
}

// Watch starts probing a service in the background until ctx is done.
// Registering the same name twice replaces the earlier status entry.
func (m *Manager) Watch(ctx context.Context, name string, probe ProbeFunc, b Backoff) {
	w := &watcher{name: name, probe: probe, backoff: b.withDefaults()}

	m.mu.Lock()
	m.watchers[name] = w
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(ctx, w)
	}()
}

// Wait blocks until every watcher has exited.
func (m *Manager) Wait() { m.wg.Wait() }

// Status returns every watched service's status by name.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		w.mu.Lock()
		out[name] = w.status
		w.mu.Unlock()
	}
	return out
}

// Healthy reports whether every watched service is ready.
func (m *Manager) Healthy() bool {
	for _, s := range m.Status() {
		if !s.Ready {
			return false
		}
	}
	return true
}

func (m *Manager) run(ctx context.Context, w *watcher) {
	delay := w.backoff.InitialDelay
	for {
		err := m.check(ctx, w)
		if ctx.Err() != nil {
			return
		}

		wait := w.backoff.PollInterval
		if err != nil {
			wait = delay
			delay *= 2
			if delay > w.backoff.MaxDelay {
				delay = w.backoff.MaxDelay
			}
		} else {
			delay = w.backoff.InitialDelay
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// check probes once, records the result and announces transitions.
func (m *Manager) check(ctx context.Context, w *watcher) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.backoff.ProbeTimeout)
	err := w.probe(probeCtx)
	cancel()

	w.mu.Lock()
	wasReady := w.status.Ready
	first := w.status.LastCheck.IsZero()
	w.status = ServiceStatus{Ready: err == nil, LastCheck: time.Now()}
	if err != nil {
		w.status.LastError = err.Error()
	}
	w.mu.Unlock()

	switch {
	case err == nil && !wasReady:
		m.logger.Info("service ready", "service", w.name)
		m.bus.Emit(events.SourceConnwatch, events.KindServiceUp, map[string]any{"service": w.name})
	case err != nil && (wasReady || first):
		m.logger.Warn("service unreachable", "service", w.name, "error", err)
		m.bus.Emit(events.SourceConnwatch, events.KindServiceDown, map[string]any{
			"service": w.name,
			"error":   err.Error(),
		})
	case err != nil:
		m.logger.Debug("service still unreachable", "service", w.name, "error", err)
	}
	return err
}
