package presence

import (
	"time"

	"github.com/banshee-data/presence.report/internal/monitoring"
	"github.com/banshee-data/presence.report/internal/timeutil"
)

// pendingProbe is a probe the transport accepted and that has been neither
// acknowledged nor expired.
type pendingProbe struct {
	id     string
	remote string // identity the probe was addressed to
	sentAt time.Time
	timer  timeutil.Timer
}

// pendingRegistry maps correlation ids to outstanding probes. It is only
// touched with the session mutex held.
type pendingRegistry map[string]*pendingProbe

// claim removes and returns the probe for id. Exactly one caller can claim
// a given probe, which is what keeps ack and timeout resolution exclusive.
func (r pendingRegistry) claim(id string) (*pendingProbe, bool) {
	p, ok := r[id]
	if ok {
		delete(r, id)
	}
	return p, ok
}

// stopAll disarms every timer and empties the registry.
func (r pendingRegistry) stopAll() int {
	n := len(r)
	for id, p := range r {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(r, id)
	}
	return n
}

// settledIDs remembers the most recently resolved correlation ids so a
// second ack for the same probe can be told apart from acks for unrelated
// messages.
type settledIDs struct {
	ring []string
	next int
	set  map[string]struct{}
}

func newSettledIDs(size int) *settledIDs {
	return &settledIDs{ring: make([]string, size), set: make(map[string]struct{}, size)}
}

func (s *settledIDs) add(id string) {
	if old := s.ring[s.next]; old != "" {
		delete(s.set, old)
	}
	s.ring[s.next] = id
	s.set[id] = struct{}{}
	s.next = (s.next + 1) % len(s.ring)
}

func (s *settledIDs) has(id string) bool {
	_, ok := s.set[id]
	return ok
}

// registerProbe records a sent probe and arms its expiry timer. It reports
// false when the session is no longer active or id is already pending.
func (s *Session) registerProbe(id, remote string, sentAt time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return false
	}
	if _, dup := s.pending[id]; dup {
		return false
	}
	p := &pendingProbe{id: id, remote: remote, sentAt: sentAt}
	s.pending[id] = p
	p.timer = s.clock.AfterFunc(s.probeTimeout, func() { s.expireProbe(id) })
	return true
}

// HandleMessageUpdate resolves a probe from a structured delivery ack.
// Updates for messages we did not send, with any other status, or for an
// untracked chat are ignored.
func (s *Session) HandleMessageUpdate(u MessageUpdate) {
	if !u.FromMe || u.Status != StatusDeliveryAck {
		return
	}
	if !s.isTracked(u.RemoteID) {
		return
	}
	s.resolveAck(u.ID, u.RemoteID, ackSourceUpdate)
}

// HandleReceipt resolves a probe from a raw delivery or inactive receipt.
// The sender may be device qualified; it matches a tracked identity through
// its bare form.
func (s *Session) HandleReceipt(r Receipt) {
	if r.Type != ReceiptDelivery && r.Type != ReceiptInactive {
		return
	}
	if !s.isTracked(r.From) {
		return
	}
	s.resolveAck(r.ID, r.From, ackSourceReceipt)
}

func (s *Session) isTracked(id string) bool {
	if id == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracked.matches(id)
}

// resolveAck turns the pending probe id into a latency sample for device.
func (s *Session) resolveAck(id, device, source string) {
	now := s.clock.Now()

	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	p, ok := s.pending.claim(id)
	if !ok {
		late := s.settled.has(id)
		s.mu.Unlock()
		if late {
			s.stats.lateAck()
			monitoring.Debugf("[ack] %s: ignoring %s for already resolved probe %s", s.target, source, id)
		}
		return
	}
	p.timer.Stop()
	s.settled.add(id)

	if device == "" {
		device = p.remote
	}
	latency := now.Sub(p.sentAt)
	dev, _ := s.lookupDeviceLocked(device)
	res := s.classifier.Record(dev, s.baseline, latency, now)
	baseLen := s.baseline.Len()
	snap := s.snapshotLocked(now)
	s.mu.Unlock()

	s.stats.ackResolved(source, latency)
	if res.Deferred {
		monitoring.Logf("[ack] %s %s: rtt=%dms calibrating (%d/%d baseline samples)",
			s.target, device, latency.Milliseconds(), baseLen, s.classifier.MinSamples)
	} else {
		monitoring.Logf("[ack] %s %s: rtt=%dms avg=%dms median=%dms threshold=%dms state=%s",
			s.target, device, latency.Milliseconds(), res.Average.Milliseconds(),
			res.Median.Milliseconds(), res.Threshold.Milliseconds(), res.State)
	}
	s.emit(snap)
}

// expireProbe runs when a probe's timer fires. If the probe is still
// pending, its device is marked offline.
func (s *Session) expireProbe(id string) {
	now := s.clock.Now()

	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	p, ok := s.pending.claim(id)
	if !ok {
		s.mu.Unlock()
		return
	}
	s.settled.add(id)

	dev, created := s.lookupDeviceLocked(p.remote)
	if created {
		dev.LastLatency = s.probeTimeout
	}
	dev.markOffline(now)
	snap := s.snapshotLocked(now)
	s.mu.Unlock()

	s.stats.probeTimedOut()
	monitoring.Logf("[ack] %s %s: no ack for probe %s within %s, offline", s.target, p.remote, id, s.probeTimeout)
	s.emit(snap)
}
