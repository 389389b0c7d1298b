package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/provider/live"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Devices is the capture and output pair built by an audio backend.
type Devices struct {
	// Capture opens microphone streams.
	Capture audio.CaptureDevice

	// Output opens playback streams.
	Output audio.OutputDevice

	// Close releases backend resources. May be nil.
	Close func() error
}

// Registry maps provider and backend names to their constructors. It is
// safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	live  map[string]func(entry ProviderEntry, apiKey string) (live.Provider, error)
	audio map[string]func(AudioConfig) (Devices, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		live:  make(map[string]func(ProviderEntry, string) (live.Provider, error)),
		audio: make(map[string]func(AudioConfig) (Devices, error)),
	}
}

// RegisterLive registers a live provider factory under name. The factory
// receives the resolved API key. Subsequent calls with the same name
// overwrite the previous registration.
func (r *Registry) RegisterLive(name string, factory func(entry ProviderEntry, apiKey string) (live.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[name] = factory
}

// RegisterAudio registers an audio backend factory under name.
func (r *Registry) RegisterAudio(name string, factory func(AudioConfig) (Devices, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio[name] = factory
}

// CreateLive resolves the entry's credential and instantiates the provider
// registered under entry.Name.
func (r *Registry) CreateLive(entry ProviderEntry) (live.Provider, error) {
	r.mu.RLock()
	factory, ok := r.live[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: live/%q", ErrProviderNotRegistered, entry.Name)
	}
	key, err := entry.ResolveAPIKey()
	if err != nil {
		return nil, err
	}
	return factory(entry, key)
}

// CreateAudio instantiates the backend registered under cfg.Backend.
func (r *Registry) CreateAudio(cfg AudioConfig) (Devices, error) {
	r.mu.RLock()
	factory, ok := r.audio[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return Devices{}, fmt.Errorf("%w: audio/%q", ErrProviderNotRegistered, cfg.Backend)
	}
	return factory(cfg)
}

// AudioBackends returns the registered backend names, sorted.
func (r *Registry) AudioBackends() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.audio))
	for name := range r.audio {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
