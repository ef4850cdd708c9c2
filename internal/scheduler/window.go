package scheduler

import (
	"sort"
	"time"
)

// window is a fixed-size rolling sample of durations.
type window struct {
	size    int
	samples []time.Duration
}

func newWindow(size int) *window {
	return &window{size: size, samples: make([]time.Duration, 0, size)}
}

func (w *window) add(d time.Duration) {
	if len(w.samples) == w.size {
		copy(w.samples, w.samples[1:])
		w.samples = w.samples[:w.size-1]
	}

	w.samples = append(w.samples, d)
}

func (w *window) len() int {
	return len(w.samples)
}

// mean of the most recent n samples.
func (w *window) mean(n int) time.Duration {
	if n > len(w.samples) {
		n = len(w.samples)
	}

	if n == 0 {
		return 0
	}

	var total time.Duration
	for _, sample := range w.samples[len(w.samples)-n:] {
		total += sample
	}

	return total / time.Duration(n)
}

func (w *window) percentile(p float64) time.Duration {
	if len(w.samples) == 0 {
		return 0
	}

	sorted := append([]time.Duration(nil), w.samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	index := int(float64(len(sorted)) * p)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}

	return sorted[index]
}
