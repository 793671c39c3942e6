package presence

import (
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
)

// State is the liveness classification of a device.
type State string

const (
	StateCalibrating State = "calibrating" // Not enough baseline samples yet
	StateOnline      State = "online"      // Responding faster than the baseline threshold
	StateStandby     State = "standby"     // Responding, but at or above the threshold
	StateOffline     State = "offline"     // Last probe was not acknowledged in time
)

// DeviceMetrics is the latency history and current state of one device
// identity.
type DeviceMetrics struct {
	Identity        string
	RecentLatencies []time.Duration // most recent first-in order, capped by the recent window
	State           State
	LastLatency     time.Duration
	LastUpdate      time.Time

	Samples  int // acknowledged probes
	Timeouts int // probes that expired
}

func newDeviceMetrics(identity string) *DeviceMetrics {
	return &DeviceMetrics{
		Identity: identity,
		State:    StateCalibrating,
	}
}

// addRecent appends d and drops the oldest samples beyond window.
func (m *DeviceMetrics) addRecent(d time.Duration, window int) {
	m.RecentLatencies = append(m.RecentLatencies, d)
	if over := len(m.RecentLatencies) - window; over > 0 {
		m.RecentLatencies = append(m.RecentLatencies[:0], m.RecentLatencies[over:]...)
	}
}

func (m *DeviceMetrics) markOffline(now time.Time) {
	m.State = StateOffline
	m.LastUpdate = now
	m.Timeouts++
}

// LatencyBaseline is a fixed capacity ring of every latency observed in a
// session, across all devices. When full, the oldest sample is evicted.
type LatencyBaseline struct {
	buf   []time.Duration
	start int
	n     int
}

// NewLatencyBaseline creates an empty baseline holding at most capacity samples.
func NewLatencyBaseline(capacity int) *LatencyBaseline {
	if capacity < 1 {
		capacity = 1
	}
	return &LatencyBaseline{buf: make([]time.Duration, capacity)}
}

// Add appends d, evicting the oldest sample when the ring is full.
func (b *LatencyBaseline) Add(d time.Duration) {
	if b.n < len(b.buf) {
		b.buf[(b.start+b.n)%len(b.buf)] = d
		b.n++
		return
	}
	b.buf[b.start] = d
	b.start = (b.start + 1) % len(b.buf)
}

// Len returns the number of samples held.
func (b *LatencyBaseline) Len() int { return b.n }

// Cap returns the capacity of the ring.
func (b *LatencyBaseline) Cap() int { return len(b.buf) }

// Values returns a copy of the samples, oldest first.
func (b *LatencyBaseline) Values() []time.Duration {
	out := make([]time.Duration, b.n)
	for i := 0; i < b.n; i++ {
		out[i] = b.buf[(b.start+i)%len(b.buf)]
	}
	return out
}

// Median returns the element at index len/2 of the sorted samples (the
// upper median for even counts), or zero when empty.
func (b *LatencyBaseline) Median() time.Duration {
	if b.n == 0 {
		return 0
	}
	sorted := b.Values()
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[len(sorted)/2]
}

// BaselineSummary describes the baseline for diagnostics.
type BaselineSummary struct {
	Count    int     `json:"count"`
	Capacity int     `json:"capacity"`
	MedianMs float64 `json:"median_ms"`
	MeanMs   float64 `json:"mean_ms"`
	StdDevMs float64 `json:"stddev_ms"`
	MinMs    float64 `json:"min_ms"`
	MaxMs    float64 `json:"max_ms"`
}

// Summary computes descriptive statistics over the current samples.
func (b *LatencyBaseline) Summary() BaselineSummary {
	s := BaselineSummary{Count: b.n, Capacity: len(b.buf)}
	if b.n == 0 {
		return s
	}
	ms := durationsToMillis(b.Values())
	s.MeanMs, s.StdDevMs = stat.MeanStdDev(ms, nil)
	if b.n == 1 {
		s.StdDevMs = 0
	}
	sort.Float64s(ms)
	s.MinMs = ms[0]
	s.MaxMs = ms[len(ms)-1]
	s.MedianMs = ms[len(ms)/2]
	return s
}

func durationsToMillis(ds []time.Duration) []float64 {
	out := make([]float64, len(ds))
	for i, d := range ds {
		out[i] = float64(d) / float64(time.Millisecond)
	}
	return out
}
