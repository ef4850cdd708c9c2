package audio

import "time"

// TrimOptions configures near-silence trimming.
type TrimOptions struct {
	Window time.Duration
	// Threshold is a fraction of the loudest window's mean amplitude.
	Threshold float64
	Padding   time.Duration
}

// DefaultTrimOptions returns the 10ms window, 1% threshold and 5ms padding.
func DefaultTrimOptions() TrimOptions {
	return TrimOptions{
		Window:    DefaultTrimWindow,
		Threshold: DefaultTrimThreshold,
		Padding:   DefaultTrimPadding,
	}
}

// TrimSilence drops leading and trailing near-silence. Energy is the moving
// mean of absolute amplitude over a centered window. Buffers with no sample
// above the threshold are returned unchanged.
func TrimSilence(pcm []byte, opts TrimOptions) []byte {
	if len(pcm) < 2*BytesPerSample {
		return pcm
	}

	samples := decode(pcm)
	window := max(1, Samples(opts.Window))
	padding := Samples(opts.Padding)

	prefix := make([]int64, len(samples)+1)
	for i, sample := range samples {
		prefix[i+1] = prefix[i] + abs(int64(sample))
	}

	energy := make([]float64, len(samples))
	peak := 0.0

	for i := range samples {
		lo := max(0, i-window/2)
		hi := min(len(samples), lo+window)
		energy[i] = float64(prefix[hi]-prefix[lo]) / float64(window)
		peak = max(peak, energy[i])
	}

	threshold := peak * opts.Threshold
	start, end := -1, -1

	for i, value := range energy {
		if value > threshold {
			if start < 0 {
				start = i
			}

			end = i + 1
		}
	}

	if start < 0 {
		return pcm
	}

	start = max(0, start-padding)
	end = min(len(samples), end+padding)

	return pcm[start*BytesPerSample : end*BytesPerSample]
}

// Crossfade blends the end of the previous unit into the start of current
// with a linear ramp over at most length. previous is not modified; the
// returned buffer has the length of current.
func Crossfade(previous, current []byte, length time.Duration) []byte {
	prevSamples := decode(previous)
	curSamples := decode(current)

	n := min(len(prevSamples), len(curSamples), Samples(length))
	if n <= 0 {
		return current
	}

	tail := prevSamples[len(prevSamples)-n:]

	for i := range n {
		fadeIn := 0.0
		if n > 1 {
			fadeIn = float64(i) / float64(n-1)
		}

		mixed := float64(tail[i])*(1-fadeIn) + float64(curSamples[i])*fadeIn
		curSamples[i] = clamp(mixed)
	}

	return encode(curSamples)
}

// Tail returns the last d of pcm.
func Tail(pcm []byte, d time.Duration) []byte {
	n := min(len(pcm), Bytes(d))

	return pcm[len(pcm)-n:]
}

func clamp(value float64) int16 {
	switch {
	case value > 32767:
		return 32767
	case value < -32768:
		return -32768
	default:
		return int16(value)
	}
}

func abs(value int64) int64 {
	if value < 0 {
		return -value
	}

	return value
}
