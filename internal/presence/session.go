package presence

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/banshee-data/presence.report/internal/config"
	"github.com/banshee-data/presence.report/internal/monitoring"
	"github.com/banshee-data/presence.report/internal/timeutil"
)

var (
	// ErrNoTransport is returned by Start when the session has no transport.
	ErrNoTransport = errors.New("presence: session has no transport")
	// ErrSessionStopped is returned by Start after Stop.
	ErrSessionStopped = errors.New("presence: session already stopped")
)

// settledHistory is how many resolved correlation ids are remembered for
// late ack detection.
const settledHistory = 256

// Session tracks a single target. It owns the probe loop, the pending
// probe registry, the latency baseline and the metrics of every device
// seen for the target. Transport callbacks may arrive on any goroutine.
type Session struct {
	target            string
	transport         Transport
	clock             timeutil.Clock
	classifier        Classifier
	probeTimeout      time.Duration
	minInterval       time.Duration
	maxInterval       time.Duration
	baselineCap       int
	subscribeAttempts int
	stats             *Stats
	jitter            func(n int64) int64

	// lifeMu serializes Start and Stop.
	lifeMu sync.Mutex

	mu       sync.Mutex
	active   bool
	stopped  bool
	method   ProbeMethod
	tracked  identitySet
	devices  map[string]*DeviceMetrics
	order    []string
	baseline *LatencyBaseline
	pending  pendingRegistry
	settled  *settledIDs
	presence *string
	seq      uint64
	last     Snapshot
	unsubs   []Unsubscribe
	cancel   context.CancelFunc
	loopDone chan struct{}

	// emitMu serializes delivery to the subscriber.
	emitMu   sync.Mutex
	onUpdate func(Snapshot)
	emitted  uint64
}

// Option configures a Session.
type Option func(*Session)

// WithClock sets the clock used for timestamps, delays and timeouts.
func WithClock(c timeutil.Clock) Option {
	return func(s *Session) { s.clock = c }
}

// WithConfig applies the tunables from cfg.
func WithConfig(cfg *config.TrackerConfig) Option {
	return func(s *Session) {
		if cfg == nil {
			return
		}
		s.probeTimeout = cfg.GetProbeTimeout()
		s.minInterval = cfg.GetMinProbeInterval()
		s.maxInterval = cfg.GetMaxProbeInterval()
		s.baselineCap = cfg.GetBaselineCapacity()
		s.subscribeAttempts = cfg.GetPresenceSubscribeAttempts()
		s.classifier = Classifier{
			Factor:     cfg.GetThresholdFactor(),
			MinSamples: cfg.GetMinBaselineSamples(),
			RecentCap:  cfg.GetRecentWindow(),
		}
		if m, err := ParseProbeMethod(cfg.GetProbeMethod()); err == nil {
			s.method = m
		}
	}
}

// WithStats records session activity on st.
func WithStats(st *Stats) Option {
	return func(s *Session) { s.stats = st }
}

// WithJitter replaces the random source of the inter-probe delay. f must
// return a value in [0, n).
func WithJitter(f func(n int64) int64) Option {
	return func(s *Session) { s.jitter = f }
}

// WithProbeMethod sets the initial probe payload form.
func WithProbeMethod(m ProbeMethod) Option {
	return func(s *Session) { s.method = m }
}

// NewSession creates an idle session tracking target through t.
func NewSession(t Transport, target string, opts ...Option) *Session {
	defaults := config.DefaultTrackerConfig()
	s := &Session{
		target:    target,
		transport: t,
		clock:     timeutil.RealClock{},
		jitter:    rand.Int64N,
		tracked:   identitySet{},
		devices:   make(map[string]*DeviceMetrics),
		pending:   pendingRegistry{},
		settled:   newSettledIDs(settledHistory),
	}
	WithConfig(defaults)(s)
	for _, opt := range opts {
		opt(s)
	}
	s.tracked.add(target)
	s.baseline = NewLatencyBaseline(s.baselineCap)
	s.last = Snapshot{Target: target, Devices: []DeviceSnapshot{}}
	return s
}

// Target returns the identity this session tracks.
func (s *Session) Target() string { return s.target }

// Start subscribes to the transport and launches the probe loop. Calling
// Start on a running session is a no-op. The loop runs until Stop is
// called or ctx is cancelled.
func (s *Session) Start(ctx context.Context) error {
	if s.transport == nil {
		return ErrNoTransport
	}
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrSessionStopped
	}
	if s.active {
		s.mu.Unlock()
		return nil
	}
	s.active = true
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.loopDone = make(chan struct{})
	s.mu.Unlock()

	unsubs := []Unsubscribe{
		s.transport.OnMessageUpdate(s.HandleMessageUpdate),
		s.transport.OnReceipt(s.HandleReceipt),
		s.transport.OnPresence(s.HandlePresence),
	}
	s.mu.Lock()
	s.unsubs = unsubs
	s.mu.Unlock()

	s.stats.sessionStarted()
	monitoring.Logf("[presence] tracking %s", s.target)
	go s.run(loopCtx)
	return nil
}

// Stop ends tracking. It unsubscribes from the transport, disarms every
// pending probe timer and waits for the probe loop to exit. Once Stop
// returns no further snapshot is published and no probe is sent. Stop must
// not be called from the OnUpdate callback.
func (s *Session) Stop() {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	s.mu.Lock()
	if !s.active {
		s.stopped = true
		s.mu.Unlock()
		return
	}
	s.active = false
	s.stopped = true
	s.cancel()
	disarmed := s.pending.stopAll()
	unsubs := s.unsubs
	s.unsubs = nil
	done := s.loopDone
	s.mu.Unlock()

	for _, u := range unsubs {
		if u != nil {
			u()
		}
	}
	<-done

	// Wait out any delivery that passed its active check before we
	// cleared the flag.
	s.emitMu.Lock()
	s.emitMu.Unlock()

	s.stats.sessionStopped()
	monitoring.Logf("[presence] stopped tracking %s (%d pending probes dropped)", s.target, disarmed)
}

// Active reports whether the session is running.
func (s *Session) Active() bool {
	return s.isActive()
}

func (s *Session) isActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// SetProbeMethod switches the payload form used by subsequent probes.
func (s *Session) SetProbeMethod(m ProbeMethod) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.method = m
}

// ProbeMethod returns the payload form currently in use.
func (s *Session) ProbeMethod() ProbeMethod {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.method
}

// OnUpdate registers the single subscriber for snapshots, replacing any
// previous one. Pass nil to unsubscribe. fn is called synchronously from
// the goroutine that produced the event and must not block for long.
func (s *Session) OnUpdate(fn func(Snapshot)) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.onUpdate = fn
}

// Snapshot returns the most recently built snapshot.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Baseline returns the baseline samples, oldest first, and their summary.
func (s *Session) Baseline() ([]time.Duration, BaselineSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseline.Values(), s.baseline.Summary()
}

// PendingProbes returns the number of probes awaiting resolution.
func (s *Session) PendingProbes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// HandlePresence records the first entry carrying a last known presence:
// its identity joins the tracked set and its value becomes the session's
// presence. Updates for a chat other than the tracked target are ignored,
// since every session on a shared transport sees them.
func (s *Session) HandlePresence(u PresenceUpdate) {
	if !s.isTracked(u.ChatID) {
		return
	}
	for _, e := range u.Entries {
		if e.LastKnownPresence == "" {
			continue
		}
		now := s.clock.Now()
		s.mu.Lock()
		if !s.active {
			s.mu.Unlock()
			return
		}
		if e.Identity != "" {
			s.tracked.add(e.Identity)
		}
		value := e.LastKnownPresence
		s.presence = &value
		snap := s.snapshotLocked(now)
		s.mu.Unlock()

		monitoring.Debugf("[presence] %s: %s is %s", s.target, e.Identity, value)
		s.emit(snap)
		return
	}
}

// lookupDeviceLocked returns the metrics for identity, creating them on
// first sight. Callers hold s.mu.
func (s *Session) lookupDeviceLocked(identity string) (*DeviceMetrics, bool) {
	if m, ok := s.devices[identity]; ok {
		return m, false
	}
	m := newDeviceMetrics(identity)
	s.devices[identity] = m
	s.order = append(s.order, identity)
	return m, true
}

// emit delivers snap to the subscriber. Snapshots older than one already
// delivered are dropped, as is anything produced after Stop.
func (s *Session) emit(snap Snapshot) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if snap.Seq <= s.emitted || !s.isActive() {
		return
	}
	s.emitted = snap.Seq
	if s.onUpdate != nil {
		s.onUpdate(snap)
	}
}

// subscribePresence asks the transport for presence updates, retrying
// with exponential backoff. Failure is logged; tracking continues without
// the presence seed.
func (s *Session) subscribePresence(ctx context.Context) {
	attempt := 0
	op := func() error {
		attempt++
		return s.transport.SubscribePresence(ctx, s.target)
	}
	notify := func(err error, wait time.Duration) {
		monitoring.Debugf("[presence] %s: subscribe attempt %d failed: %v, retrying in %s", s.target, attempt, err, wait)
	}

	var b backoff.BackOff = backoff.NewExponentialBackOff()
	if s.subscribeAttempts > 1 {
		b = backoff.WithMaxRetries(b, uint64(s.subscribeAttempts-1))
	} else {
		b = &backoff.StopBackOff{}
	}
	err := backoff.RetryNotifyWithTimer(op, backoff.WithContext(b, ctx), notify, &clockTimer{clock: s.clock})
	if err != nil && ctx.Err() == nil {
		monitoring.Logf("[presence] %s: presence subscription failed after %d attempts: %v", s.target, attempt, err)
	}
}

// clockTimer adapts a timeutil.Clock to backoff.Timer.
type clockTimer struct {
	clock timeutil.Clock
	timer timeutil.Timer
}

func (t *clockTimer) Start(d time.Duration) { t.timer = t.clock.NewTimer(d) }

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time { return t.timer.C() }
