package audio

import "fmt"

// Decoder turns inbound wire chunks into frames tagged with a fixed output
// format. Like [Encoder] it is pure and order preserving.
type Decoder struct {
	// SampleRate is the rate every decoded frame is tagged with. Chunks whose
	// MIME tag names a different rate are rejected; no resampling happens.
	SampleRate int

	// Channels is the interleaved channel count of the inbound PCM.
	Channels int
}

// NewDecoder returns a decoder for the given output format.
func NewDecoder(sampleRate, channels int) Decoder {
	return Decoder{SampleRate: sampleRate, Channels: channels}
}

// Decode unwraps c into a frame. All failures wrap [ErrMalformedPayload].
func (d Decoder) Decode(c EncodedChunk) (AudioFrame, error) {
	channels := d.Channels
	if channels <= 0 {
		channels = 1
	}
	if c.MIMEType != "" {
		rate, err := c.Rate()
		if err != nil {
			return AudioFrame{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		if rate != 0 && rate != d.SampleRate {
			return AudioFrame{}, fmt.Errorf("%w: chunk rate %d, want %d", ErrMalformedPayload, rate, d.SampleRate)
		}
	}
	raw, err := DecodeBase64(c.Data)
	if err != nil {
		return AudioFrame{}, err
	}
	if len(raw)%(2*channels) != 0 {
		return AudioFrame{}, fmt.Errorf("%w: %d bytes is not a whole number of %d-channel frames", ErrMalformedPayload, len(raw), channels)
	}
	samples, err := PCM16ToFloat(raw)
	if err != nil {
		return AudioFrame{}, err
	}
	return AudioFrame{Samples: samples, SampleRate: d.SampleRate, Channels: channels}, nil
}
