package rollout

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/mugoori/TriFlow-AI-sub008/pkg/contracts"
)

// outcomeWindow tracks one version's evaluation outcomes over a rolling window.
type outcomeWindow struct {
	mu         sync.RWMutex
	windowSize time.Duration
	samples    []outcomeSample
	maxSamples int
}

type outcomeSample struct {
	Failed     bool
	Overridden bool
	Latency    time.Duration
	Timestamp  time.Time
}

const defaultMaxSamples = 10_000

// newOutcomeWindow creates a window. A zero windowSize keeps samples until
// maxSamples is reached.
func newOutcomeWindow(windowSize time.Duration, maxSamples int) *outcomeWindow {
	if maxSamples <= 0 {
		maxSamples = defaultMaxSamples
	}
	return &outcomeWindow{
		windowSize: windowSize,
		samples:    make([]outcomeSample, 0),
		maxSamples: maxSamples,
	}
}

// Add adds a sample to the window.
func (w *outcomeWindow) Add(s outcomeSample) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.addLocked(s)
}

// Record stamps s with now() while holding the window lock and adds it.
func (w *outcomeWindow) Record(s outcomeSample, now func() time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s.Timestamp = now()
	w.addLocked(s)
}

// addLocked keeps samples in timestamp order; prune depends on it. A sample
// older than the newest one is stamped with the newest timestamp.
func (w *outcomeWindow) addLocked(s outcomeSample) {
	if n := len(w.samples); n > 0 && s.Timestamp.Before(w.samples[n-1].Timestamp) {
		s.Timestamp = w.samples[n-1].Timestamp
	}
	w.samples = append(w.samples, s)
	w.prune(s.Timestamp)
}

func (w *outcomeWindow) prune(now time.Time) {
	if w.windowSize > 0 {
		cutoff := now.Add(-w.windowSize)
		start := sort.Search(len(w.samples), func(i int) bool {
			return w.samples[i].Timestamp.After(cutoff)
		})
		w.samples = w.samples[start:]
	}
	if len(w.samples) > w.maxSamples {
		w.samples = w.samples[len(w.samples)-w.maxSamples:]
	}
}

// Snapshot summarizes the samples still inside the window at now.
func (w *outcomeWindow) Snapshot(now time.Time) contracts.MetricSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now)

	snap := contracts.MetricSnapshot{Samples: len(w.samples)}
	if snap.Samples == 0 {
		return snap
	}

	latencies := make([]float64, 0, len(w.samples))
	for _, s := range w.samples {
		if s.Failed {
			snap.Failures++
		}
		if s.Overridden {
			snap.Overrides++
		}
		latencies = append(latencies, float64(s.Latency)/float64(time.Millisecond))
	}
	for i := len(w.samples) - 1; i >= 0 && w.samples[i].Failed; i-- {
		snap.ConsecutiveFailures++
	}

	snap.FailureRate = float64(snap.Failures) / float64(snap.Samples)
	snap.OverrideRate = float64(snap.Overrides) / float64(snap.Samples)
	snap.LatencyP95Ms = percentile(latencies, 0.95)
	return snap
}

// Count returns the number of samples in the window.
func (w *outcomeWindow) Count() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.samples)
}

// percentile uses the nearest-rank method.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sort.Float64s(values)
	rank := int(math.Ceil(p*float64(len(values)))) - 1
	if rank < 0 {
		rank = 0
	}
	return values[rank]
}
