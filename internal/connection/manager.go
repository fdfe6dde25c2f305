package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/recfleet/internal/metrics"
)

// DefaultIdleTTL is how long an unused cached connection survives before
// the reaper closes it.
const DefaultIdleTTL = 2 * time.Minute

// Task runs against a live connection while the manager holds the
// per-target lock. The Client must not escape the call.
type Task func(ctx context.Context, c Client) (any, error)

type entry struct {
	mu       sync.Mutex // serializes all operations against one target
	client   Client
	lastUsed time.Time
	refs     int // guarded by Manager.mu
}

// Manager owns connection lifecycle per target: lazy dialing, reuse of
// cacheable connections, per-target mutual exclusion and idle eviction.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*entry
	dial    Dialer // overrides the scheme registry when non-nil (tests, embedding)
	idleTTL time.Duration
	stop    chan struct{}
	stopped sync.Once
	logger  *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithDialer forces all connections through d instead of the scheme
// registry.
func WithDialer(d Dialer) Option { return func(m *Manager) { m.dial = d } }

// WithIdleTTL overrides the idle connection lifetime.
func WithIdleTTL(ttl time.Duration) Option { return func(m *Manager) { m.idleTTL = ttl } }

func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		entries: make(map[string]*entry),
		idleTTL: DefaultIdleTTL,
		stop:    make(chan struct{}),
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	go m.reapLoop()
	return m
}

// ExecuteConnectedTask runs task against a connection for desc. Callers for
// the same target queue on the per-target lock rather than opening parallel
// connections. When cacheable is true the connection stays pooled for
// reuse; otherwise it is closed when the task returns. Dial failures are
// reported as ErrConnectionFailure or ErrAuthFailure.
func (m *Manager) ExecuteConnectedTask(ctx context.Context, desc Descriptor, cacheable bool, task Task) (any, error) {
	e := m.checkout(desc.TargetID())
	defer m.release(desc.TargetID(), e)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.client == nil {
		c, err := m.connect(ctx, desc)
		if err != nil {
			return nil, err
		}
		e.client = c
	}

	res, err := task(ctx, e.client)
	e.lastUsed = time.Now()

	// Auth rejections and protocol-level failures poison the connection;
	// plain task errors leave it reusable.
	if err != nil && (errors.Is(err, ErrAuthFailure) || errors.Is(err, ErrConnectionFailure)) {
		m.dropLocked(desc.TargetID(), e)
		return res, err
	}
	if !cacheable {
		m.dropLocked(desc.TargetID(), e)
	}
	return res, err
}

// Stop closes every pooled connection and halts the reaper.
func (m *Manager) Stop() {
	m.stopped.Do(func() { close(m.stop) })
	m.mu.Lock()
	entries := make(map[string]*entry, len(m.entries))
	for k, e := range m.entries {
		entries[k] = e
	}
	m.mu.Unlock()
	for id, e := range entries {
		e.mu.Lock()
		m.dropLocked(id, e)
		e.mu.Unlock()
	}
}

func (m *Manager) connect(ctx context.Context, desc Descriptor) (Client, error) {
	dial := m.dial
	if dial == nil {
		var err error
		dial, err = DialerFor(desc.ServiceRef.ConnectURI)
		if err != nil {
			metrics.IncConnectionFailure("connection")
			return nil, err
		}
	}
	c, err := dial(ctx, desc)
	if err != nil {
		switch {
		case errors.Is(err, ErrAuthFailure):
			metrics.IncConnectionFailure("auth")
			return nil, err
		case errors.Is(err, ErrConnectionFailure):
			metrics.IncConnectionFailure("connection")
			return nil, err
		default:
			metrics.IncConnectionFailure("connection")
			return nil, fmt.Errorf("%w: %v", ErrConnectionFailure, err)
		}
	}
	metrics.IncConnectionsOpened()
	metrics.AddOpenConnections(1)
	return c, nil
}

// checkout hands out the target's entry with a reference held so the reaper
// cannot remove it out from under a queued caller.
func (m *Manager) checkout(id string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		e = &entry{}
		m.entries[id] = e
	}
	e.refs++
	return e
}

// release drops the caller's reference and removes the entry once nothing
// holds it and no connection is pooled, so the map does not keep one record
// per target ever seen.
func (m *Manager) release(id string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 && e.client == nil {
		delete(m.entries, id)
	}
}

// dropLocked closes and clears the entry's connection. The caller holds
// e.mu.
func (m *Manager) dropLocked(id string, e *entry) {
	if e.client == nil {
		return
	}
	if err := e.client.Close(); err != nil {
		m.logger.Debug("closing target connection", "target", id, "error", err)
	}
	e.client = nil
	metrics.AddOpenConnections(-1)
}

func (m *Manager) reapLoop() {
	t := time.NewTicker(m.idleTTL / 2)
	defer t.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-t.C:
			m.reapIdle()
		}
	}
}

// reapIdle closes connections idle past the TTL. TryLock skips targets
// with an operation in flight; they are busy, not idle.
func (m *Manager) reapIdle() {
	cutoff := time.Now().Add(-m.idleTTL)
	m.mu.Lock()
	entries := make(map[string]*entry, len(m.entries))
	for k, e := range m.entries {
		entries[k] = e
	}
	m.mu.Unlock()
	for id, e := range entries {
		if !e.mu.TryLock() {
			continue
		}
		if e.client != nil && e.lastUsed.Before(cutoff) {
			m.logger.Debug("closing idle target connection", "target", id)
			m.dropLocked(id, e)
		}
		e.mu.Unlock()
		// with no references held, no writer can race the client check
		m.mu.Lock()
		if e.refs == 0 && e.client == nil && m.entries[id] == e {
			delete(m.entries, id)
		}
		m.mu.Unlock()
	}
}
