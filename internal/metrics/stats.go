package metrics

import (
	"sort"
	"time"
)

// Window accumulates timing and loss stats across multiple steps.
type Window struct {
	samples  int
	data     time.Duration
	compute  time.Duration
	steps    int
	lastLoss float64
	losses   map[string]float64
}

// Record adds a new measurement to the window. loss is the headline training
// loss; fields carries any additional named losses, which are averaged
// between snapshots.
func (w *Window) Record(batchSize int, dataTime, computeTime time.Duration, loss float64, fields map[string]float64) {
	w.samples += batchSize
	w.data += dataTime
	w.compute += computeTime
	w.steps++
	w.lastLoss = loss
	if len(fields) == 0 {
		return
	}
	if w.losses == nil {
		w.losses = make(map[string]float64, len(fields))
	}
	for name, v := range fields {
		w.losses[name] += v
	}
}

// Snapshot returns aggregated metrics and resets the window.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{}
	total := w.data + w.compute
	if total > 0 {
		snap.ImagesPerSec = float64(w.samples) / total.Seconds()
	}
	if w.steps > 0 {
		snap.AvgDataMS = (w.data.Seconds() * 1000) / float64(w.steps)
		snap.AvgComputeMS = (w.compute.Seconds() * 1000) / float64(w.steps)
		if len(w.losses) > 0 {
			snap.AvgLosses = make(map[string]float64, len(w.losses))
			for name, sum := range w.losses {
				snap.AvgLosses[name] = sum / float64(w.steps)
			}
		}
	}
	snap.LastLoss = w.lastLoss
	snap.Steps = w.steps

	w.samples = 0
	w.data = 0
	w.compute = 0
	w.steps = 0
	w.losses = nil
	return snap
}

// Snapshot represents loggable metrics.
type Snapshot struct {
	Steps        int
	ImagesPerSec float64
	AvgDataMS    float64
	AvgComputeMS float64
	LastLoss     float64
	AvgLosses    map[string]float64
}

// Attrs flattens the snapshot into alternating key/value pairs for a
// structured logger, loss fields sorted by name.
func (s Snapshot) Attrs() []any {
	attrs := []any{
		"images_per_sec", s.ImagesPerSec,
		"data_ms", s.AvgDataMS,
		"compute_ms", s.AvgComputeMS,
	}
	names := make([]string, 0, len(s.AvgLosses))
	for name := range s.AvgLosses {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		attrs = append(attrs, name, s.AvgLosses[name])
	}
	return attrs
}
