package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/MrWong99/livevoice/internal/config"
	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/audio/virtual"
	"github.com/MrWong99/livevoice/pkg/audio/wavfile"
)

// registerAudioBackends registers the backends that need no host sound
// hardware. Builds with the portaudio tag add the hardware backend too.
func registerAudioBackends(reg *config.Registry) {
	reg.RegisterAudio("virtual", func(cfg config.AudioConfig) (config.Devices, error) {
		rec := newRecorder(cfg)
		return config.Devices{
			Capture: virtual.CaptureDevice{},
			Output:  &virtual.OutputDevice{Sink: rec.sink()},
			Close:   rec.Close,
		}, nil
	})

	reg.RegisterAudio("wav", func(cfg config.AudioConfig) (config.Devices, error) {
		if cfg.WAVPath == "" {
			return config.Devices{}, fmt.Errorf("audio backend wav: wav_path is required")
		}
		if _, err := os.Stat(cfg.WAVPath); err != nil {
			return config.Devices{}, fmt.Errorf("audio backend wav: %w", err)
		}
		rec := newRecorder(cfg)
		return config.Devices{
			Capture: &wavfile.CaptureDevice{Path: cfg.WAVPath, Loop: cfg.Loop},
			Output:  &virtual.OutputDevice{Sink: rec.sink()},
			Close:   rec.Close,
		}, nil
	})

	registerHardwareBackend(reg)
}

// recorder collects played audio in memory and writes it out as a WAV file
// on Close. A recorder without an output path discards everything.
type recorder struct {
	path       string
	sampleRate int
	channels   int

	mu  sync.Mutex
	buf bytes.Buffer
}

func newRecorder(cfg config.AudioConfig) *recorder {
	rate, channels := cfg.OutputSampleRate, cfg.OutputChannels
	if rate <= 0 {
		rate = audio.OutputSampleRate
	}
	if channels <= 0 {
		channels = 1
	}
	return &recorder{path: cfg.OutputPath, sampleRate: rate, channels: channels}
}

func (r *recorder) sink() io.Writer {
	if r.path == "" {
		return nil
	}
	return r
}

// Write implements io.Writer for the virtual output sink.
func (r *recorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.Write(p)
}

// Close writes the recording to disk.
func (r *recorder) Close() error {
	if r.path == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := os.Create(r.path)
	if err != nil {
		return fmt.Errorf("recorder: %w", err)
	}
	if err := wavfile.Encode(f, r.buf.Bytes(), r.sampleRate, r.channels); err != nil {
		f.Close()
		return fmt.Errorf("recorder: %w", err)
	}
	return f.Close()
}
