package presence

import (
	"time"

	"gonum.org/v1/gonum/stat"
)

// Classifier turns latency samples into liveness states. The threshold is
// relative: a device is online when its recent average beats a fraction of
// the session-wide median.
type Classifier struct {
	Factor     float64 // threshold = median * Factor
	MinSamples int     // baseline size required before classifying
	RecentCap  int     // per-device moving average window
}

// DefaultClassifier returns the classifier used when no configuration is given.
func DefaultClassifier() Classifier {
	return Classifier{Factor: 0.9, MinSamples: 3, RecentCap: 3}
}

// Classification is the outcome of classifying one sample.
type Classification struct {
	State     State
	Average   time.Duration
	Median    time.Duration
	Threshold time.Duration
	// Deferred is set when the baseline was too small to classify. State
	// then holds the device's unchanged state.
	Deferred bool
}

// Record appends sample to the device window and the baseline, then
// reclassifies the device. It never yields StateOffline.
func (c Classifier) Record(dev *DeviceMetrics, base *LatencyBaseline, sample time.Duration, now time.Time) Classification {
	dev.addRecent(sample, c.RecentCap)
	dev.LastLatency = sample
	dev.LastUpdate = now
	dev.Samples++
	base.Add(sample)

	res := c.Classify(dev.RecentLatencies, base)
	if res.Deferred {
		res.State = dev.State
		return res
	}
	dev.State = res.State
	return res
}

// Classify compares the average of recent against the baseline without
// mutating anything.
func (c Classifier) Classify(recent []time.Duration, base *LatencyBaseline) Classification {
	var res Classification
	if len(recent) > 0 {
		res.Average = time.Duration(stat.Mean(durationsToFloat(recent), nil))
	}
	if base.Len() < c.MinSamples || len(recent) == 0 {
		res.Deferred = true
		return res
	}

	res.Median = base.Median()
	res.Threshold = time.Duration(float64(res.Median) * c.Factor)
	if res.Average < res.Threshold {
		res.State = StateOnline
	} else {
		res.State = StateStandby
	}
	return res
}

func durationsToFloat(ds []time.Duration) []float64 {
	out := make([]float64, len(ds))
	for i, d := range ds {
		out[i] = float64(d)
	}
	return out
}
