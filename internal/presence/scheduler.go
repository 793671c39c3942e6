package presence

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/presence.report/internal/monitoring"
)

// probeReaction is the emoji used by reaction probes.
const probeReaction = "✨"

// newProbe builds the inert payload for method. The reference id points at
// a message that was never sent, so neither form leaves a visible trace.
func newProbe(method ProbeMethod, target string) Probe {
	p := Probe{
		Method:      method,
		Target:      target,
		ReferenceID: "PROBE_" + uuid.NewString(),
	}
	switch method {
	case ProbeReaction:
		p.Reaction = probeReaction
	default:
		p.Method = ProbeDelete
		p.FromMe = true
	}
	return p
}

// nextDelay draws the wait before the next probe uniformly from
// [minInterval, maxInterval).
func (s *Session) nextDelay() time.Duration {
	span := int64(s.maxInterval - s.minInterval)
	if span <= 0 {
		return s.minInterval
	}
	return s.minInterval + time.Duration(s.jitter(span))
}

// sendProbe sends one probe and registers it for correlation. Failures
// are logged and counted; the caller carries on either way.
func (s *Session) sendProbe(ctx context.Context) {
	s.mu.Lock()
	method := s.method
	s.mu.Unlock()

	p := newProbe(method, s.target)
	if ctx.Err() != nil {
		return
	}
	sentAt := s.clock.Now()
	msg, err := s.transport.SendProbe(ctx, s.target, p)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.stats.sendFailed()
		monitoring.Logf("[probe] %s: send failed: %v", s.target, err)
		return
	}
	if msg.ID == "" {
		monitoring.Debugf("[probe] %s: transport returned no message id, probe not tracked", s.target)
		return
	}

	remote := msg.RemoteID
	if remote == "" {
		remote = s.target
	}
	if !s.registerProbe(msg.ID, remote, sentAt) {
		monitoring.Debugf("[probe] %s: probe %s not registered", s.target, msg.ID)
		return
	}
	s.stats.probeSent(p.Method)
	monitoring.Debugf("[probe] %s: sent %s probe %s", s.target, p.Method, msg.ID)
}

// run is the probe loop. It sends a probe, then waits for the jittered
// delay or cancellation, until the session stops.
func (s *Session) run(ctx context.Context) {
	defer close(s.loopDone)

	s.subscribePresence(ctx)

	for {
		if ctx.Err() != nil || !s.isActive() {
			return
		}
		s.sendProbe(ctx)

		timer := s.clock.NewTimer(s.nextDelay())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C():
		}
	}
}
