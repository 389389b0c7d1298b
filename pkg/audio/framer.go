package audio

// Framer re-slices a stream of arbitrarily sized frames into frames of
// exactly Size sample frames. Leftover samples are carried into the next
// call. A Framer is not safe for concurrent use.
type Framer struct {
	size       int
	sampleRate int
	channels   int
	pending    []float32
}

// NewFramer returns a framer emitting frames of size sample frames.
func NewFramer(size, sampleRate, channels int) *Framer {
	if channels <= 0 {
		channels = 1
	}
	return &Framer{size: size, sampleRate: sampleRate, channels: channels}
}

// Push appends f and returns every complete frame now available. The returned
// frames own their sample slices.
func (fr *Framer) Push(f AudioFrame) []AudioFrame {
	if fr.size <= 0 {
		return []AudioFrame{f}
	}
	fr.pending = append(fr.pending, f.Samples...)
	want := fr.size * fr.channels
	var out []AudioFrame
	for len(fr.pending) >= want {
		samples := make([]float32, want)
		copy(samples, fr.pending[:want])
		fr.pending = fr.pending[want:]
		out = append(out, AudioFrame{Samples: samples, SampleRate: fr.sampleRate, Channels: fr.channels})
	}
	if len(fr.pending) == 0 {
		fr.pending = nil
	}
	return out
}

// Pending returns the number of buffered samples not yet emitted.
func (fr *Framer) Pending() int { return len(fr.pending) }

// Reset discards buffered samples.
func (fr *Framer) Reset() { fr.pending = nil }
