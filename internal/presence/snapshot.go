package presence

import "time"

// DeviceSnapshot is the published view of one device.
type DeviceSnapshot struct {
	Identity      string `json:"identity"`
	State         State  `json:"state"`
	LastLatencyMs int64  `json:"last_latency_ms"`
}

// Snapshot is an immutable view of a session, published after every state
// changing event. Seq increases by one per snapshot within a session.
type Snapshot struct {
	Target   string           `json:"target"`
	Seq      uint64           `json:"seq"`
	At       time.Time        `json:"at"`
	Devices  []DeviceSnapshot `json:"devices"`
	Presence *string          `json:"presence"`
}

// Device returns the entry for identity, if present.
func (s Snapshot) Device(identity string) (DeviceSnapshot, bool) {
	for _, d := range s.Devices {
		if d.Identity == identity {
			return d, true
		}
	}
	return DeviceSnapshot{}, false
}

// snapshotLocked builds the next snapshot. Devices are listed in the order
// they were first seen. Callers hold s.mu.
func (s *Session) snapshotLocked(now time.Time) Snapshot {
	s.seq++
	snap := Snapshot{
		Target:  s.target,
		Seq:     s.seq,
		At:      now,
		Devices: make([]DeviceSnapshot, 0, len(s.order)),
	}
	for _, id := range s.order {
		m := s.devices[id]
		snap.Devices = append(snap.Devices, DeviceSnapshot{
			Identity:      m.Identity,
			State:         m.State,
			LastLatencyMs: m.LastLatency.Milliseconds(),
		})
	}
	if s.presence != nil {
		p := *s.presence
		snap.Presence = &p
	}
	s.last = snap
	return snap
}
