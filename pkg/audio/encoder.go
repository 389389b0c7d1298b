package audio

import (
	"errors"
	"fmt"
)

// ErrInvalidFrame is returned by [Encoder.Encode] for frames whose shape
// cannot be tagged on the wire.
var ErrInvalidFrame = errors.New("audio: invalid frame")

// Encoder turns captured frames into wire chunks. It is stateless: each call
// converts exactly one frame and nothing is buffered across calls, so chunk
// order always equals frame order.
type Encoder struct{}

// Encode quantises f to PCM16 little-endian, wraps it in base64, and tags it
// with the frame's own sample rate.
func (Encoder) Encode(f AudioFrame) (EncodedChunk, error) {
	if f.SampleRate <= 0 {
		return EncodedChunk{}, fmt.Errorf("%w: sample rate %d", ErrInvalidFrame, f.SampleRate)
	}
	if f.Channels <= 0 || len(f.Samples)%f.Channels != 0 {
		return EncodedChunk{}, fmt.Errorf("%w: %d samples for %d channels", ErrInvalidFrame, len(f.Samples), f.Channels)
	}
	return EncodedChunk{
		Data:     EncodeBase64(FloatToPCM16(f.Samples)),
		MIMEType: PCMMIMETypeForRate(f.SampleRate),
	}, nil
}
