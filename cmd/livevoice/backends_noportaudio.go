//go:build !portaudio

package main

import "github.com/MrWong99/livevoice/internal/config"

// registerHardwareBackend is a no-op without the portaudio build tag; the
// config loader still accepts the name and reports it as unregistered.
func registerHardwareBackend(*config.Registry) {}
