package audio

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"
)

// pcm16Scale is the magnitude of the most negative int16 value. Floats are
// multiplied by it on encode and divided by it on decode.
const pcm16Scale = 32768

// ErrMalformedPayload is returned when inbound bytes cannot be interpreted as
// PCM16 audio.
var ErrMalformedPayload = errors.New("audio: malformed payload")

// EncodeBase64 wraps raw bytes for JSON transport.
func EncodeBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeBase64 unwraps a base64 payload.
func DecodeBase64(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrMalformedPayload, err)
	}
	return b, nil
}

// FloatToPCM16 converts normalised float samples into little-endian int16
// bytes. Each sample is scaled by 32768 and truncated toward zero; values
// outside the int16 range saturate at -32768 or 32767 instead of wrapping.
// NaN encodes as silence.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := quantize(s)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// quantize applies the scale-truncate-clamp policy to a single sample.
func quantize(s float32) int16 {
	f := float64(s)
	if math.IsNaN(f) {
		return 0
	}
	f *= pcm16Scale
	if f >= math.MaxInt16 {
		return math.MaxInt16
	}
	if f <= math.MinInt16 {
		return math.MinInt16
	}
	return int16(f)
}

// PCM16ToFloat converts little-endian int16 bytes into normalised floats.
// An odd byte count is rejected with [ErrMalformedPayload].
func PCM16ToFloat(pcm []byte) ([]float32, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("%w: odd byte count %d", ErrMalformedPayload, len(pcm))
	}
	out := make([]float32, len(pcm)/2)
	for i := range out {
		v := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = float32(v) / pcm16Scale
	}
	return out, nil
}

// Deinterleave splits interleaved samples into one slice per channel.
// Trailing samples that do not form a complete frame are ignored.
func Deinterleave(samples []float32, channels int) [][]float32 {
	if channels <= 0 {
		return nil
	}
	frames := len(samples) / channels
	planes := make([][]float32, channels)
	for ch := range planes {
		plane := make([]float32, frames)
		for i := range frames {
			plane[i] = samples[i*channels+ch]
		}
		planes[ch] = plane
	}
	return planes
}

// Interleave is the inverse of [Deinterleave]. All planes must have equal
// length.
func Interleave(planes [][]float32) []float32 {
	if len(planes) == 0 {
		return nil
	}
	channels := len(planes)
	frames := len(planes[0])
	out := make([]float32, frames*channels)
	for ch, plane := range planes {
		for i := 0; i < frames && i < len(plane); i++ {
			out[i*channels+ch] = plane[i]
		}
	}
	return out
}
