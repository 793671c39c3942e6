// Package sim provides an in-memory presence.Transport. Devices answer
// probes after a random latency drawn from their configured range, and
// every acknowledgment is dispatched from a worker pool so handlers run on
// goroutines other than the one that sent the probe.
package sim

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/banshee-data/presence.report/internal/monitoring"
	"github.com/banshee-data/presence.report/internal/presence"
	"github.com/banshee-data/presence.report/internal/timeutil"
)

// ErrClosed is returned by SendProbe after Close.
var ErrClosed = errors.New("sim: transport closed")

// Device is one simulated endpoint of a target.
type Device struct {
	// Identity as reported in raw receipts, bare or device qualified.
	Identity   string
	MinLatency time.Duration
	MaxLatency time.Duration
	// Offline devices never acknowledge.
	Offline bool
	// Inactive devices answer with "inactive" receipts instead of "delivery".
	Inactive bool
}

// Config configures a Transport.
type Config struct {
	Clock    timeutil.Clock
	PoolSize int
	// Rand returns a value in [0, n). Defaults to math/rand/v2.
	Rand func(n int64) int64
	// DefaultDevices, if set, supplies the devices of a target that was
	// never added when the first probe is sent to it.
	DefaultDevices func(id string) []Device
}

type target struct {
	devices  []Device
	presence string
}

// Transport is a simulated messaging transport.
type Transport struct {
	clock    timeutil.Clock
	pool     *ants.Pool
	rand     func(n int64) int64
	defaults func(id string) []Device

	mu          sync.Mutex
	closed      bool
	nextID      uint64
	nextTimer   uint64
	targets     map[string]*target
	sent        []presence.Probe
	timers      map[uint64]timeutil.Timer
	sendErr     error
	subFailures int

	handlerMu   sync.Mutex
	nextHandler uint64
	onUpdate    map[uint64]func(presence.MessageUpdate)
	onReceipt   map[uint64]func(presence.Receipt)
	onPresence  map[uint64]func(presence.PresenceUpdate)
}

// New creates a Transport backed by an ants pool of cfg.PoolSize workers.
func New(cfg Config) (*Transport, error) {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Int64N
	}
	pool, err := ants.NewPool(cfg.PoolSize, ants.WithPanicHandler(func(p any) {
		monitoring.Logf("[sim] handler panic: %v", p)
	}))
	if err != nil {
		return nil, fmt.Errorf("sim: create worker pool: %w", err)
	}
	return &Transport{
		clock:      cfg.Clock,
		pool:       pool,
		rand:       cfg.Rand,
		defaults:   cfg.DefaultDevices,
		targets:    make(map[string]*target),
		timers:     make(map[uint64]timeutil.Timer),
		onUpdate:   make(map[uint64]func(presence.MessageUpdate)),
		onReceipt:  make(map[uint64]func(presence.Receipt)),
		onPresence: make(map[uint64]func(presence.PresenceUpdate)),
	}, nil
}

// AddTarget registers the devices that answer probes sent to id.
func (t *Transport) AddTarget(id string, devices ...Device) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tg := t.targetLocked(id)
	tg.devices = append(tg.devices, devices...)
}

// SetDeviceOffline changes whether the device identity of target answers.
func (t *Transport) SetDeviceOffline(id, identity string, offline bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tg, ok := t.targets[id]
	if !ok {
		return
	}
	for i := range tg.devices {
		if tg.devices[i].Identity == identity {
			tg.devices[i].Offline = offline
		}
	}
}

// SetPresence stores the presence value of target and publishes it to
// presence handlers.
func (t *Transport) SetPresence(id, value string) {
	t.mu.Lock()
	t.targetLocked(id).presence = value
	t.mu.Unlock()
	t.publishPresence(id, value)
}

// FailSends makes SendProbe return err until called again with nil.
func (t *Transport) FailSends(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sendErr = err
}

// FailSubscribes makes the next n SubscribePresence calls fail.
func (t *Transport) FailSubscribes(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subFailures = n
}

// Sent returns every probe accepted so far.
func (t *Transport) Sent() []presence.Probe {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]presence.Probe, len(t.sent))
	copy(out, t.sent)
	return out
}

func (t *Transport) targetLocked(id string) *target {
	tg, ok := t.targets[id]
	if !ok {
		tg = &target{}
		t.targets[id] = tg
	}
	return tg
}

// SendProbe accepts p and schedules an acknowledgment from every online
// device of the target. The fastest device also produces the structured
// delivery ack.
func (t *Transport) SendProbe(ctx context.Context, to string, p presence.Probe) (presence.SentMessage, error) {
	if err := ctx.Err(); err != nil {
		return presence.SentMessage{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return presence.SentMessage{}, ErrClosed
	}
	if t.sendErr != nil {
		return presence.SentMessage{}, t.sendErr
	}
	t.nextID++
	msg := presence.SentMessage{ID: fmt.Sprintf("SIM%016X", t.nextID), RemoteID: to}
	t.sent = append(t.sent, p)

	tg, ok := t.targets[to]
	if !ok {
		if t.defaults == nil {
			return msg, nil
		}
		tg = t.targetLocked(to)
		tg.devices = t.defaults(to)
	}

	fastest := -1
	latencies := make([]time.Duration, len(tg.devices))
	for i, d := range tg.devices {
		if d.Offline {
			continue
		}
		latencies[i] = d.MinLatency
		if span := int64(d.MaxLatency - d.MinLatency); span > 0 {
			latencies[i] += time.Duration(t.rand(span))
		}
		if fastest < 0 || latencies[i] < latencies[fastest] {
			fastest = i
		}
	}
	for i, d := range tg.devices {
		if d.Offline {
			continue
		}
		receipt := presence.Receipt{ID: msg.ID, From: d.Identity, Type: presence.ReceiptDelivery}
		if d.Inactive {
			receipt.Type = presence.ReceiptInactive
		}
		var update *presence.MessageUpdate
		if i == fastest {
			update = &presence.MessageUpdate{ID: msg.ID, RemoteID: to, FromMe: true, Status: presence.StatusDeliveryAck}
		}
		t.scheduleLocked(latencies[i], func() { t.deliver(receipt, update) })
	}
	return msg, nil
}

// scheduleLocked runs fn on the worker pool after d.
func (t *Transport) scheduleLocked(d time.Duration, fn func()) {
	t.nextTimer++
	key := t.nextTimer
	t.timers[key] = t.clock.AfterFunc(d, func() {
		t.mu.Lock()
		delete(t.timers, key)
		closed := t.closed
		t.mu.Unlock()
		if closed {
			return
		}
		if err := t.pool.Submit(fn); err != nil {
			monitoring.Debugf("[sim] dropping delivery: %v", err)
		}
	})
}

func (t *Transport) deliver(r presence.Receipt, u *presence.MessageUpdate) {
	for _, h := range t.receiptHandlers() {
		h(r)
	}
	if u == nil {
		return
	}
	for _, h := range t.updateHandlers() {
		h(*u)
	}
}

// SubscribePresence fails while injected failures remain, then publishes
// the target's stored presence, if any.
func (t *Transport) SubscribePresence(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	if t.subFailures > 0 {
		t.subFailures--
		t.mu.Unlock()
		return fmt.Errorf("sim: presence subscribe for %s refused", id)
	}
	value := ""
	if tg, ok := t.targets[id]; ok {
		value = tg.presence
	}
	t.mu.Unlock()

	if value != "" {
		t.publishPresence(id, value)
	}
	return nil
}

func (t *Transport) publishPresence(id, value string) {
	u := presence.PresenceUpdate{
		ChatID:  id,
		Entries: []presence.PresenceEntry{{Identity: id, LastKnownPresence: value}},
	}
	handlers := t.presenceHandlers()
	if err := t.pool.Submit(func() {
		for _, h := range handlers {
			h(u)
		}
	}); err != nil {
		monitoring.Debugf("[sim] dropping presence update: %v", err)
	}
}

// OnMessageUpdate registers h for structured delivery acks.
func (t *Transport) OnMessageUpdate(h func(presence.MessageUpdate)) presence.Unsubscribe {
	t.handlerMu.Lock()
	defer t.handlerMu.Unlock()
	t.nextHandler++
	id := t.nextHandler
	t.onUpdate[id] = h
	return func() {
		t.handlerMu.Lock()
		defer t.handlerMu.Unlock()
		delete(t.onUpdate, id)
	}
}

// OnReceipt registers h for raw receipts.
func (t *Transport) OnReceipt(h func(presence.Receipt)) presence.Unsubscribe {
	t.handlerMu.Lock()
	defer t.handlerMu.Unlock()
	t.nextHandler++
	id := t.nextHandler
	t.onReceipt[id] = h
	return func() {
		t.handlerMu.Lock()
		defer t.handlerMu.Unlock()
		delete(t.onReceipt, id)
	}
}

// OnPresence registers h for presence updates.
func (t *Transport) OnPresence(h func(presence.PresenceUpdate)) presence.Unsubscribe {
	t.handlerMu.Lock()
	defer t.handlerMu.Unlock()
	t.nextHandler++
	id := t.nextHandler
	t.onPresence[id] = h
	return func() {
		t.handlerMu.Lock()
		defer t.handlerMu.Unlock()
		delete(t.onPresence, id)
	}
}

func (t *Transport) updateHandlers() []func(presence.MessageUpdate) {
	t.handlerMu.Lock()
	defer t.handlerMu.Unlock()
	out := make([]func(presence.MessageUpdate), 0, len(t.onUpdate))
	for _, h := range t.onUpdate {
		out = append(out, h)
	}
	return out
}

func (t *Transport) receiptHandlers() []func(presence.Receipt) {
	t.handlerMu.Lock()
	defer t.handlerMu.Unlock()
	out := make([]func(presence.Receipt), 0, len(t.onReceipt))
	for _, h := range t.onReceipt {
		out = append(out, h)
	}
	return out
}

func (t *Transport) presenceHandlers() []func(presence.PresenceUpdate) {
	t.handlerMu.Lock()
	defer t.handlerMu.Unlock()
	out := make([]func(presence.PresenceUpdate), 0, len(t.onPresence))
	for _, h := range t.onPresence {
		out = append(out, h)
	}
	return out
}

// Close cancels undelivered acknowledgments and releases the worker pool.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	for key, tm := range t.timers {
		tm.Stop()
		delete(t.timers, key)
	}
	t.mu.Unlock()
	t.pool.Release()
}

var _ presence.Transport = (*Transport)(nil)
