package presence

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/presence.report/internal/config"
	"github.com/banshee-data/presence.report/internal/testutil"
	"github.com/banshee-data/presence.report/internal/timeutil"
)

const testTarget = "5511912345678@s.whatsapp.net"

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeTransport records probes and lets tests deliver events synchronously.
type fakeTransport struct {
	mu       sync.Mutex
	nextID   int
	sent     []Probe
	attempts int
	sendErr  error
	subErrs  int
	subCalls int
	handlers int

	onUpdate   map[int]func(MessageUpdate)
	onReceipt  map[int]func(Receipt)
	onPresence map[int]func(PresenceUpdate)

	sentIDs chan string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		onUpdate:   make(map[int]func(MessageUpdate)),
		onReceipt:  make(map[int]func(Receipt)),
		onPresence: make(map[int]func(PresenceUpdate)),
		sentIDs:    make(chan string, 64),
	}
}

func (f *fakeTransport) SendProbe(_ context.Context, target string, p Probe) (SentMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.sendErr != nil {
		return SentMessage{}, f.sendErr
	}
	f.nextID++
	id := fmt.Sprintf("MSG%03d", f.nextID)
	f.sent = append(f.sent, p)
	select {
	case f.sentIDs <- id:
	default:
	}
	return SentMessage{ID: id, RemoteID: target}, nil
}

func (f *fakeTransport) SubscribePresence(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subCalls++
	if f.subErrs > 0 {
		f.subErrs--
		return fmt.Errorf("subscribe refused")
	}
	return nil
}

func (f *fakeTransport) OnMessageUpdate(h func(MessageUpdate)) Unsubscribe {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers++
	id := f.handlers
	f.onUpdate[id] = h
	return func() { f.mu.Lock(); delete(f.onUpdate, id); f.mu.Unlock() }
}

func (f *fakeTransport) OnReceipt(h func(Receipt)) Unsubscribe {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers++
	id := f.handlers
	f.onReceipt[id] = h
	return func() { f.mu.Lock(); delete(f.onReceipt, id); f.mu.Unlock() }
}

func (f *fakeTransport) OnPresence(h func(PresenceUpdate)) Unsubscribe {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers++
	id := f.handlers
	f.onPresence[id] = h
	return func() { f.mu.Lock(); delete(f.onPresence, id); f.mu.Unlock() }
}

func (f *fakeTransport) receipt(r Receipt) {
	f.mu.Lock()
	hs := make([]func(Receipt), 0, len(f.onReceipt))
	for _, h := range f.onReceipt {
		hs = append(hs, h)
	}
	f.mu.Unlock()
	for _, h := range hs {
		h(r)
	}
}

func (f *fakeTransport) update(u MessageUpdate) {
	f.mu.Lock()
	hs := make([]func(MessageUpdate), 0, len(f.onUpdate))
	for _, h := range f.onUpdate {
		hs = append(hs, h)
	}
	f.mu.Unlock()
	for _, h := range hs {
		h(u)
	}
}

func (f *fakeTransport) presence(u PresenceUpdate) {
	f.mu.Lock()
	hs := make([]func(PresenceUpdate), 0, len(f.onPresence))
	for _, h := range f.onPresence {
		hs = append(hs, h)
	}
	f.mu.Unlock()
	for _, h := range hs {
		h(u)
	}
}

func (f *fakeTransport) sentProbes() []Probe {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Probe(nil), f.sent...)
}

func (f *fakeTransport) sendAttempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func (f *fakeTransport) subscribeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subCalls
}

func (f *fakeTransport) handlerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.onUpdate) + len(f.onReceipt) + len(f.onPresence)
}

// nextSent waits for the next accepted probe and returns its message id.
func (f *fakeTransport) nextSent(t *testing.T) string {
	t.Helper()
	select {
	case id := <-f.sentIDs:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("no probe sent")
		return ""
	}
}

// recorder collects published snapshots.
type recorder struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *recorder) add(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *recorder) all() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Snapshot(nil), r.snaps...)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

func (r *recorder) last() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snaps) == 0 {
		return Snapshot{}
	}
	return r.snaps[len(r.snaps)-1]
}

// testConfig probes once a minute with a 10s timeout, so a test can act
// inside the timeout window without the loop sending again.
func testConfig() *config.TrackerConfig {
	cfg := config.DefaultTrackerConfig()
	interval := "1m"
	cfg.MinProbeInterval = &interval
	cfg.MaxProbeInterval = &interval
	return cfg
}

func noJitter(int64) int64 { return 0 }

type harness struct {
	t     *testing.T
	ft    *fakeTransport
	clock *timeutil.MockClock
	s     *Session
	rec   *recorder
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		ft:    newFakeTransport(),
		clock: timeutil.NewMockClock(testEpoch),
		rec:   &recorder{},
	}
	all := append([]Option{WithConfig(testConfig()), WithClock(h.clock), WithJitter(noJitter)}, opts...)
	h.s = NewSession(h.ft, testTarget, all...)
	h.s.OnUpdate(h.rec.add)
	t.Cleanup(h.s.Stop)
	return h
}

// start starts the session and waits until the first probe is pending.
func (h *harness) start() string {
	h.t.Helper()
	if err := h.s.Start(context.Background()); err != nil {
		h.t.Fatalf("Start: %v", err)
	}
	return h.awaitProbe()
}

// awaitProbe waits for the next probe, its registration and the loop's
// delay timer, so the test can advance the clock deterministically.
func (h *harness) awaitProbe() string {
	h.t.Helper()
	id := h.ft.nextSent(h.t)
	testutil.Eventually(h.t, 2*time.Second, func() bool { return h.isPending(id) }, "probe "+id+" registered")
	testutil.WaitForTimers(h.t, h.clock, 2)
	return id
}

func (h *harness) isPending(id string) bool {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	_, ok := h.s.pending[id]
	return ok
}

// activate marks the session running without starting the probe loop,
// for tests that drive resolution directly.
func (h *harness) activate() {
	done := make(chan struct{})
	close(done)
	h.s.mu.Lock()
	h.s.active = true
	h.s.cancel = func() {}
	h.s.loopDone = done
	h.s.mu.Unlock()
}
