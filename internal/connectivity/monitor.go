package connectivity

import (
	"context"
	"sync"
	"time"

	"fieldsync/internal/events"
	"fieldsync/internal/logging"
	"fieldsync/internal/metrics"
	"fieldsync/internal/models"

	"github.com/rs/zerolog"
)

// Checker reports whether the remote side is reachable. An error means the
// signal itself is unavailable.
type Checker interface {
	Check(ctx context.Context) (bool, error)
}

type Options struct {
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
}

// Monitor tracks online/offline state and announces transitions on the
// EventBus as connectivity_changed events carrying the new bool state.
type Monitor struct {
	// setMu orders transitions with their events. Subscribers must not
	// call Set.
	setMu  sync.Mutex
	mu     sync.RWMutex
	online bool

	checker Checker
	bus     *events.EventBus
	logger  zerolog.Logger
	opts    Options
}

// NewMonitor reads the current state from checker before returning. With no
// checker, or when the checker cannot tell, the device is assumed online.
func NewMonitor(ctx context.Context, checker Checker, bus *events.EventBus, logger *zerolog.Logger, opts Options) *Monitor {
	if bus == nil {
		bus = events.NewEventBus()
	}
	l := logging.Component(logger, "connectivity")
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = models.DefaultProbeInterval
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = models.DefaultProbeTimeout
	}

	m := &Monitor{
		online:  true,
		checker: checker,
		bus:     bus,
		logger:  l,
		opts:    opts,
	}
	if online, ok := m.probe(ctx); ok {
		m.online = online
	}
	metrics.SetOnline(m.online)
	m.logger.Info().Bool("online", m.online).Msg("Connectivity monitor initialized")
	return m
}

func (m *Monitor) probe(ctx context.Context) (online, ok bool) {
	if m.checker == nil {
		return true, false
	}
	ctx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	defer cancel()

	online, err := m.checker.Check(ctx)
	if err != nil {
		m.logger.Debug().Err(err).Msg("Connectivity probe unavailable")
		return true, false
	}
	return online, true
}

func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Set records a platform signal and reports whether it changed the state.
func (m *Monitor) Set(online bool) bool {
	m.setMu.Lock()
	defer m.setMu.Unlock()

	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return false
	}
	m.online = online
	m.mu.Unlock()

	metrics.SetOnline(online)
	m.logger.Info().Bool("online", online).Msg("Connectivity changed")
	m.bus.PublishData(events.EventConnectivityChanged, online)
	return true
}

// Subscribe calls fn on every transition.
func (m *Monitor) Subscribe(fn func(online bool)) (unsubscribe func()) {
	return m.bus.Subscribe(events.EventConnectivityChanged, func(e *events.Event) error {
		if online, ok := e.Data.(bool); ok {
			fn(online)
		}
		return nil
	})
}

// Start polls the checker until ctx is done. It returns immediately when
// there is no checker.
func (m *Monitor) Start(ctx context.Context) {
	if m.checker == nil {
		return
	}

	ticker := time.NewTicker(m.opts.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if online, ok := m.probe(ctx); ok {
				m.Set(online)
			}
		}
	}
}
