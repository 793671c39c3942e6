package presence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/banshee-data/presence.report/internal/config"
	"github.com/banshee-data/presence.report/internal/monitoring"
)

var (
	// ErrAlreadyTracked is returned by Track for a target with a running session.
	ErrAlreadyTracked = errors.New("presence: target already tracked")
	// ErrNotTracked is returned by Untrack for an unknown target.
	ErrNotTracked = errors.New("presence: target not tracked")
)

// listenerBuffer is the channel capacity of each snapshot listener.
const listenerBuffer = 16

// ActivityEntry is one line of the in-memory activity log, summarising a
// snapshot by its first device.
type ActivityEntry struct {
	At        time.Time `json:"at"`
	Target    string    `json:"target"`
	Identity  string    `json:"identity,omitempty"`
	State     State     `json:"state,omitempty"`
	LatencyMs int64     `json:"latency_ms"`
	Presence  *string   `json:"presence,omitempty"`
}

// Manager runs one Session per tracked target on a shared transport. It
// keeps a bounded activity log of every published snapshot and fans
// snapshots out to listeners.
type Manager struct {
	ctx       context.Context
	transport Transport
	cfg       *config.TrackerConfig
	opts      []Option

	sessions cmap.ConcurrentMap[string, *Session]

	methodMu sync.Mutex
	method   ProbeMethod

	logMu  sync.Mutex
	log    []ActivityEntry
	logCap int

	listenerMu sync.Mutex
	listeners  map[string]chan Snapshot
}

// NewManager creates a Manager. Sessions it starts run until untracked,
// StopAll is called or ctx is cancelled. opts are applied to every session
// after cfg.
func NewManager(ctx context.Context, t Transport, cfg *config.TrackerConfig, opts ...Option) *Manager {
	if cfg == nil {
		cfg = config.DefaultTrackerConfig()
	}
	method, err := ParseProbeMethod(cfg.GetProbeMethod())
	if err != nil {
		method = ProbeDelete
	}
	return &Manager{
		ctx:       ctx,
		transport: t,
		cfg:       cfg,
		opts:      opts,
		sessions:  cmap.New[*Session](),
		method:    method,
		logCap:    cfg.GetActivityLogSize(),
		listeners: make(map[string]chan Snapshot),
	}
}

// ParseTarget cleans input into a target identity on the configured domain.
func (m *Manager) ParseTarget(input string) (string, error) {
	return ParseTarget(input, m.cfg.GetIdentityDomain())
}

// Track parses input and starts a session for it.
func (m *Manager) Track(input string) (*Session, error) {
	target, err := m.ParseTarget(input)
	if err != nil {
		return nil, fmt.Errorf("track %q: %w", input, err)
	}

	opts := append([]Option{WithConfig(m.cfg), WithProbeMethod(m.ProbeMethod())}, m.opts...)
	s := NewSession(m.transport, target, opts...)
	if !m.sessions.SetIfAbsent(target, s) {
		return nil, fmt.Errorf("track %s: %w", target, ErrAlreadyTracked)
	}
	s.OnUpdate(m.publish)
	if err := s.Start(m.ctx); err != nil {
		m.sessions.RemoveCb(target, func(_ string, v *Session, exists bool) bool {
			return exists && v == s
		})
		return nil, fmt.Errorf("track %s: %w", target, err)
	}
	monitoring.Logf("[manager] tracking %s (%d sessions)", target, m.sessions.Count())
	return s, nil
}

// Untrack stops and forgets the session for input.
func (m *Manager) Untrack(input string) error {
	target, err := m.ParseTarget(input)
	if err != nil {
		return fmt.Errorf("untrack %q: %w", input, err)
	}
	s, ok := m.sessions.Pop(target)
	if !ok {
		return fmt.Errorf("untrack %s: %w", target, ErrNotTracked)
	}
	s.Stop()
	monitoring.Logf("[manager] stopped %s (%d sessions)", target, m.sessions.Count())
	return nil
}

// Get returns the session for target, which must already be normalized.
func (m *Manager) Get(target string) (*Session, bool) {
	return m.sessions.Get(target)
}

// Targets returns the tracked targets in lexical order.
func (m *Manager) Targets() []string {
	keys := m.sessions.Keys()
	sort.Strings(keys)
	return keys
}

// Snapshots returns the current snapshot of every session, ordered by target.
func (m *Manager) Snapshots() []Snapshot {
	out := make([]Snapshot, 0, m.sessions.Count())
	for _, target := range m.Targets() {
		if s, ok := m.sessions.Get(target); ok {
			out = append(out, s.Snapshot())
		}
	}
	return out
}

// StopAll stops every session and closes all listeners.
func (m *Manager) StopAll() {
	for _, target := range m.sessions.Keys() {
		if s, ok := m.sessions.Pop(target); ok {
			s.Stop()
		}
	}

	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	for id, ch := range m.listeners {
		close(ch)
		delete(m.listeners, id)
	}
}

// SetProbeMethod switches the probe form for running and future sessions.
func (m *Manager) SetProbeMethod(method ProbeMethod) {
	m.methodMu.Lock()
	m.method = method
	m.methodMu.Unlock()

	for item := range m.sessions.IterBuffered() {
		item.Val.SetProbeMethod(method)
	}
	monitoring.Logf("[manager] probe method set to %s", method)
}

// ProbeMethod returns the probe form new sessions start with.
func (m *Manager) ProbeMethod() ProbeMethod {
	m.methodMu.Lock()
	defer m.methodMu.Unlock()
	return m.method
}

// Activity returns a copy of the activity log, oldest first.
func (m *Manager) Activity() []ActivityEntry {
	m.logMu.Lock()
	defer m.logMu.Unlock()
	out := make([]ActivityEntry, len(m.log))
	copy(out, m.log)
	return out
}

// Subscribe registers a listener for every snapshot published by any
// session. Slow listeners miss snapshots rather than blocking sessions.
func (m *Manager) Subscribe() (string, <-chan Snapshot) {
	id := uuid.NewString()
	ch := make(chan Snapshot, listenerBuffer)
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listeners[id] = ch
	return id, ch
}

// Unsubscribe removes and closes the listener id.
func (m *Manager) Unsubscribe(id string) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	if ch, ok := m.listeners[id]; ok {
		close(ch)
		delete(m.listeners, id)
	}
}

// publish is the OnUpdate subscriber of every session.
func (m *Manager) publish(snap Snapshot) {
	entry := ActivityEntry{
		At:       snap.At,
		Target:   snap.Target,
		Presence: snap.Presence,
	}
	if len(snap.Devices) > 0 {
		d := snap.Devices[0]
		entry.Identity = d.Identity
		entry.State = d.State
		entry.LatencyMs = d.LastLatencyMs
	}

	m.logMu.Lock()
	m.log = append(m.log, entry)
	if over := len(m.log) - m.logCap; over > 0 {
		m.log = append(m.log[:0], m.log[over:]...)
	}
	m.logMu.Unlock()

	m.listenerMu.Lock()
	for _, ch := range m.listeners {
		select {
		case ch <- snap:
		default:
		}
	}
	m.listenerMu.Unlock()
}
