//go:build portaudio

package main

import (
	"github.com/MrWong99/livevoice/internal/config"
	"github.com/MrWong99/livevoice/pkg/audio/portaudio"
)

func registerHardwareBackend(reg *config.Registry) {
	reg.RegisterAudio("portaudio", func(cfg config.AudioConfig) (config.Devices, error) {
		return config.Devices{
			Capture: portaudio.CaptureDevice{},
			Output:  &portaudio.OutputDevice{FramesPerBuffer: cfg.FramesPerBuffer},
		}, nil
	})
}
