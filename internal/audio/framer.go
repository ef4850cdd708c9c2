package audio

// Framer accumulates PCM and releases it in exact fixed-size frames.
type Framer struct {
	size    int
	pending []byte
}

// NewFramer returns a Framer emitting frames of size bytes.
func NewFramer(size int) *Framer {
	return &Framer{size: size}
}

// Push appends pcm and returns every complete frame now available.
func (f *Framer) Push(pcm []byte) [][]byte {
	f.pending = append(f.pending, pcm...)

	var frames [][]byte

	for len(f.pending) >= f.size {
		frame := make([]byte, f.size)
		copy(frame, f.pending[:f.size])
		frames = append(frames, frame)
		f.pending = f.pending[f.size:]
	}

	return frames
}

// Flush returns and clears the partial remainder.
func (f *Framer) Flush() []byte {
	rest := f.pending
	f.pending = nil

	return rest
}

// Pending is the number of buffered bytes below one frame.
func (f *Framer) Pending() int {
	return len(f.pending)
}
