package audio

// Downmix averages interleaved multi-channel samples into mono. Mono input is
// returned unchanged; a trailing partial frame is dropped.
func Downmix(interleaved []float32, channels int) []float32 {
	if channels <= 1 {
		return interleaved
	}
	out := make([]float32, len(interleaved)/channels)
	for i := range out {
		var sum float32
		for ch := range channels {
			sum += interleaved[i*channels+ch]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// Resample converts mono samples from srcRate to dstRate using linear
// interpolation. Equal or invalid rates return the input unchanged.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	n := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if n == 0 {
		return nil
	}

	out := make([]float32, n)
	ratio := float64(srcRate) / float64(dstRate)
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))
		s0 := samples[idx]
		s1 := s0
		if idx < last {
			s1 = samples[idx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}
