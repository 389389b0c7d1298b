// Package wavfile implements a capture device that plays a 16-bit PCM WAV
// file into the session in real time, as if it were spoken into a microphone.
package wavfile

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/audio/virtual"
)

var _ audio.CaptureDevice = (*CaptureDevice)(nil)

// ErrInvalidWAV is returned for files that are not 16-bit PCM RIFF/WAVE.
var ErrInvalidWAV = errors.New("wavfile: invalid wav")

// Format is the fmt chunk of a WAV file.
type Format struct {
	AudioFormat   uint16
	Channels      uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
}

// Decode parses a RIFF/WAVE stream and returns its format and raw PCM data.
// Chunks other than "fmt " and "data" are skipped.
func Decode(r io.Reader) (Format, []byte, error) {
	var riff struct {
		ID     [4]byte
		Size   uint32
		Format [4]byte
	}
	if err := binary.Read(r, binary.LittleEndian, &riff); err != nil {
		return Format{}, nil, fmt.Errorf("%w: read riff header: %v", ErrInvalidWAV, err)
	}
	if string(riff.ID[:]) != "RIFF" || string(riff.Format[:]) != "WAVE" {
		return Format{}, nil, fmt.Errorf("%w: missing RIFF/WAVE header", ErrInvalidWAV)
	}

	var (
		format  Format
		haveFmt bool
	)
	for {
		var chunk struct {
			ID   [4]byte
			Size uint32
		}
		if err := binary.Read(r, binary.LittleEndian, &chunk); err != nil {
			return Format{}, nil, fmt.Errorf("%w: missing data chunk", ErrInvalidWAV)
		}
		switch string(chunk.ID[:]) {
		case "fmt ":
			body := make([]byte, chunk.Size)
			if _, err := io.ReadFull(r, body); err != nil {
				return Format{}, nil, fmt.Errorf("%w: read fmt chunk: %v", ErrInvalidWAV, err)
			}
			if err := binary.Read(bytes.NewReader(body), binary.LittleEndian, &format); err != nil {
				return Format{}, nil, fmt.Errorf("%w: short fmt chunk", ErrInvalidWAV)
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return Format{}, nil, fmt.Errorf("%w: data before fmt chunk", ErrInvalidWAV)
			}
			if format.AudioFormat != 1 || format.BitsPerSample != 16 {
				return Format{}, nil, fmt.Errorf("%w: format %d with %d bits, only 16-bit PCM is supported", ErrInvalidWAV, format.AudioFormat, format.BitsPerSample)
			}
			data, err := io.ReadAll(io.LimitReader(r, int64(chunk.Size)))
			if err != nil {
				return Format{}, nil, fmt.Errorf("wavfile: read data: %w", err)
			}
			return format, data, nil
		default:
			skip := int64(chunk.Size) + int64(chunk.Size%2)
			if _, err := io.CopyN(io.Discard, r, skip); err != nil {
				return Format{}, nil, fmt.Errorf("%w: truncated %q chunk", ErrInvalidWAV, chunk.ID[:])
			}
		}
	}
}

// Encode writes mono or multi-channel PCM16 data as a canonical 44-byte
// header WAV stream.
func Encode(w io.Writer, pcm []byte, sampleRate, channels int) error {
	header := struct {
		RIFF     [4]byte
		Size     uint32
		WAVE     [4]byte
		FmtID    [4]byte
		FmtSize  uint32
		Format   Format
		DataID   [4]byte
		DataSize uint32
	}{
		RIFF:    [4]byte{'R', 'I', 'F', 'F'},
		Size:    uint32(36 + len(pcm)),
		WAVE:    [4]byte{'W', 'A', 'V', 'E'},
		FmtID:   [4]byte{'f', 'm', 't', ' '},
		FmtSize: 16,
		Format: Format{
			AudioFormat:   1,
			Channels:      uint16(channels),
			SampleRate:    uint32(sampleRate),
			ByteRate:      uint32(sampleRate * channels * 2),
			BlockAlign:    uint16(channels * 2),
			BitsPerSample: 16,
		},
		DataID:   [4]byte{'d', 'a', 't', 'a'},
		DataSize: uint32(len(pcm)),
	}
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return fmt.Errorf("wavfile: write header: %w", err)
	}
	if _, err := w.Write(pcm); err != nil {
		return fmt.Errorf("wavfile: write data: %w", err)
	}
	return nil
}

// CaptureDevice streams the WAV file at Path. Multi-channel files are mixed
// down to mono and resampled to the rate requested by OpenStream.
type CaptureDevice struct {
	// Path is the WAV file to play.
	Path string

	// Loop restarts the file from the beginning when it ends. Without Loop the
	// stream ends cleanly after the last frame.
	Loop bool
}

// OpenStream implements [audio.CaptureDevice].
func (d *CaptureDevice) OpenStream(ctx context.Context, sampleRate, framesPerBuffer int) (audio.CaptureStream, error) {
	f, err := os.Open(d.Path)
	if err != nil {
		return nil, fmt.Errorf("wavfile: open %q: %w: %v", d.Path, audio.ErrDeviceUnavailable, err)
	}
	defer f.Close()

	format, pcm, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("wavfile: %q: %w: %v", d.Path, audio.ErrDeviceUnavailable, err)
	}
	channels := max(int(format.Channels), 1)
	interleaved, err := audio.PCM16ToFloat(pcm[:len(pcm)-len(pcm)%(2*channels)])
	if err != nil {
		return nil, fmt.Errorf("wavfile: %q: %w", d.Path, err)
	}
	samples := audio.Resample(audio.Downmix(interleaved, channels), int(format.SampleRate), sampleRate)
	if len(samples) == 0 {
		return nil, fmt.Errorf("wavfile: %q has no audio: %w", d.Path, audio.ErrDeviceUnavailable)
	}
	if framesPerBuffer <= 0 {
		framesPerBuffer = sampleRate / 10
	}

	pos := 0
	period := time.Duration(float64(framesPerBuffer) / float64(sampleRate) * float64(time.Second))
	return virtual.NewPacedStream(ctx, period, func() (audio.AudioFrame, bool, error) {
		end := min(pos+framesPerBuffer, len(samples))
		frame := audio.AudioFrame{
			Samples:    append([]float32(nil), samples[pos:end]...),
			SampleRate: sampleRate,
			Channels:   1,
		}
		pos = end
		if pos >= len(samples) {
			if !d.Loop {
				return frame, false, nil
			}
			pos = 0
		}
		return frame, true, nil
	}), nil
}
