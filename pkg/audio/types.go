// Package audio defines the frame, chunk, and device types that carry sound
// through a live voice session, together with the pure codec that converts
// between them.
//
// Capture flows as [AudioFrame] values of normalised float samples, is turned
// into PCM16 little-endian bytes by an [Encoder], and travels to the speech
// service as a base64 [EncodedChunk]. Synthesised speech comes back as an
// [EncodedChunk], is turned back into an [AudioFrame] by a [Decoder], and is
// copied into a [Buffer] for scheduling on an [OutputStream].
//
// This package lives under pkg/ because device backends are expected to be
// implemented outside the core (see the portaudio, virtual, and wavfile
// sub-packages).
package audio

import (
	"fmt"
	"mime"
	"strconv"
	"time"
)

const (
	// InputSampleRate is the rate at which microphone audio is captured and
	// tagged before it is sent to the speech service.
	InputSampleRate = 16000

	// OutputSampleRate is the rate at which the speech service returns
	// synthesised audio.
	OutputSampleRate = 24000

	// PCMMIMEType is the media type of raw PCM16 little-endian audio.
	PCMMIMEType = "audio/pcm"
)

// AudioFrame is a block of audio samples flowing through the pipeline.
// Samples are normalised floats in [-1, 1]; multi-channel audio is
// interleaved. A frame must not be modified once it has been handed on.
type AudioFrame struct {
	// Samples holds the interleaved sample values.
	Samples []float32

	// SampleRate in Hz (16000 for capture, 24000 for playback).
	SampleRate int

	// Channels: 1 for mono.
	Channels int
}

// FrameCount returns the number of sample frames (samples per channel).
func (f AudioFrame) FrameCount() int {
	if f.Channels <= 0 {
		return 0
	}
	return len(f.Samples) / f.Channels
}

// Seconds returns the playback length of the frame.
func (f AudioFrame) Seconds() float64 {
	if f.SampleRate <= 0 {
		return 0
	}
	return float64(f.FrameCount()) / float64(f.SampleRate)
}

// Duration is [AudioFrame.Seconds] as a [time.Duration].
func (f AudioFrame) Duration() time.Duration {
	return time.Duration(f.Seconds() * float64(time.Second))
}

// EncodedChunk is the wire form of an audio frame: base64 PCM16 little-endian
// bytes tagged with a MIME type such as "audio/pcm;rate=16000".
type EncodedChunk struct {
	// Data is the base64 (standard alphabet, padded) payload.
	Data string

	// MIMEType carries the encoding and sample rate tag.
	MIMEType string
}

// PCMMIMETypeForRate returns the MIME tag used for PCM16 audio at rate Hz.
func PCMMIMETypeForRate(rate int) string {
	return fmt.Sprintf("%s;rate=%d", PCMMIMEType, rate)
}

// Rate parses the sample rate from the chunk's MIME tag. It returns 0 and a
// nil error when the tag carries no rate parameter.
func (c EncodedChunk) Rate() (int, error) {
	mediaType, params, err := mime.ParseMediaType(c.MIMEType)
	if err != nil {
		return 0, fmt.Errorf("audio: parse mime type %q: %w", c.MIMEType, err)
	}
	if mediaType != PCMMIMEType {
		return 0, fmt.Errorf("audio: unsupported media type %q", mediaType)
	}
	raw, ok := params["rate"]
	if !ok {
		return 0, nil
	}
	rate, err := strconv.Atoi(raw)
	if err != nil || rate <= 0 {
		return 0, fmt.Errorf("audio: invalid rate %q in mime type", raw)
	}
	return rate, nil
}

// Buffer is a planar block of samples prepared for playback on an
// [OutputStream]. It mirrors a hardware output buffer: one slice per channel,
// all of equal length.
type Buffer struct {
	// Data holds one slice of samples per channel.
	Data [][]float32

	// SampleRate in Hz.
	SampleRate int
}

// NewBuffer allocates a silent buffer.
func NewBuffer(channels, frameCount, sampleRate int) (*Buffer, error) {
	if channels <= 0 || frameCount < 0 || sampleRate <= 0 {
		return nil, fmt.Errorf("audio: invalid buffer shape channels=%d frames=%d rate=%d", channels, frameCount, sampleRate)
	}
	data := make([][]float32, channels)
	for i := range data {
		data[i] = make([]float32, frameCount)
	}
	return &Buffer{Data: data, SampleRate: sampleRate}, nil
}

// Channels returns the channel count.
func (b *Buffer) Channels() int { return len(b.Data) }

// FrameCount returns the number of sample frames per channel.
func (b *Buffer) FrameCount() int {
	if len(b.Data) == 0 {
		return 0
	}
	return len(b.Data[0])
}

// Seconds returns the playback length of the buffer.
func (b *Buffer) Seconds() float64 {
	if b.SampleRate <= 0 {
		return 0
	}
	return float64(b.FrameCount()) / float64(b.SampleRate)
}

// CopyFrom deinterleaves f into the buffer. The frame must match the
// buffer's shape exactly.
func (b *Buffer) CopyFrom(f AudioFrame) error {
	if f.Channels != b.Channels() || f.FrameCount() != b.FrameCount() || f.SampleRate != b.SampleRate {
		return fmt.Errorf("audio: frame %s/%d frames does not fit buffer %s/%d frames",
			formatString(f.SampleRate, f.Channels), f.FrameCount(),
			formatString(b.SampleRate, b.Channels()), b.FrameCount())
	}
	for ch, plane := range Deinterleave(f.Samples, f.Channels) {
		copy(b.Data[ch], plane)
	}
	return nil
}

// formatString returns a human-readable string for a sample rate and channel
// count, e.g. "24000Hz mono".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
